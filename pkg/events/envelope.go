// Package events defines the immutable event envelope, the closed set of
// actor kinds and the structural validation applied before an event may be
// committed.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sgttomas/solver-ralph-sub008/pkg/canonicalize"
)

// ActorKind is the closed set of principals that may produce events.
type ActorKind string

const (
	ActorHuman             ActorKind = "human"
	ActorAgent             ActorKind = "agent"
	ActorSystem            ActorKind = "system"
	ActorVerificationCheck ActorKind = "verification_check"
)

// ActorKinds lists every legal actor kind.
var ActorKinds = []ActorKind{ActorHuman, ActorAgent, ActorSystem, ActorVerificationCheck}

// ParseActorKind rejects anything outside the closed set.
func ParseActorKind(s string) (ActorKind, error) {
	for _, k := range ActorKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", &ValidationError{Field: "actor.kind", Reason: fmt.Sprintf("unknown actor kind %q", s)}
}

// Actor identifies who produced an event.
type Actor struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id"`
}

// Ref is a typed reference from an event to another addressable entity.
type Ref struct {
	Kind string            `json:"kind"`
	ID   string            `json:"id"`
	Rel  string            `json:"rel"`
	Meta map[string]string `json:"meta,omitempty"`
}

// Envelope is a committed, immutable fact.
type Envelope struct {
	EventID       string          `json:"event_id"`
	StreamID      string          `json:"stream_id"`
	StreamSeq     int64           `json:"stream_seq"`
	GlobalSeq     int64           `json:"global_seq"`
	EventType     string          `json:"event_type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Actor         Actor           `json:"actor"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
	Supersedes    []string        `json:"supersedes,omitempty"`
	Refs          []Ref           `json:"refs,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	EnvelopeHash  string          `json:"envelope_hash"`
}

// Draft is an event proposed for append. The store assigns sequence
// numbers, the timestamp and the hash.
type Draft struct {
	EventID       string
	StreamID      string
	EventType     string
	Actor         Actor
	CorrelationID string
	CausationID   string
	Supersedes    []string
	Refs          []Ref
	Payload       json.RawMessage
}

// hashedFields excludes GlobalSeq and EnvelopeHash: the hash is fixed by the
// stream position, not by where the sequencer placed the event globally.
type hashedFields struct {
	EventID       string          `json:"event_id"`
	StreamID      string          `json:"stream_id"`
	StreamSeq     int64           `json:"stream_seq"`
	EventType     string          `json:"event_type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Actor         Actor           `json:"actor"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
	Supersedes    []string        `json:"supersedes,omitempty"`
	Refs          []Ref           `json:"refs,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Hash computes the integrity hash of the envelope.
func Hash(env Envelope) (string, error) {
	return canonicalize.CanonicalContentHash(hashedFields{
		EventID:       env.EventID,
		StreamID:      env.StreamID,
		StreamSeq:     env.StreamSeq,
		EventType:     env.EventType,
		OccurredAt:    env.OccurredAt.UTC(),
		Actor:         env.Actor,
		CorrelationID: env.CorrelationID,
		CausationID:   env.CausationID,
		Supersedes:    env.Supersedes,
		Refs:          env.Refs,
		Payload:       env.Payload,
	})
}

// VerifyHash recomputes the envelope hash and compares it with the stored one.
func VerifyHash(env Envelope) error {
	h, err := Hash(env)
	if err != nil {
		return err
	}
	if h != env.EnvelopeHash {
		return fmt.Errorf("%w: event %s: stored %s, computed %s", ErrHashMismatch, env.EventID, env.EnvelopeHash, h)
	}
	return nil
}

// NewEventID returns a time-ordered event identifier.
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "evt_" + uuid.NewString()
	}
	return "evt_" + id.String()
}

var derivedNamespace = uuid.MustParse("0b7a5c3e-9d41-4f6e-8a2b-6c1d0e9f7a35")

// DerivedID returns a stable identifier for name, used where a retried
// producer must arrive at the same event or record id.
func DerivedID(prefix, name string) string {
	return prefix + uuid.NewSHA1(derivedNamespace, []byte(name)).String()
}

// Clone returns a deep copy so callers cannot alias committed history.
func (e Envelope) Clone() Envelope {
	out := e
	if e.Supersedes != nil {
		out.Supersedes = append([]string(nil), e.Supersedes...)
	}
	if e.Refs != nil {
		out.Refs = make([]Ref, len(e.Refs))
		for i, r := range e.Refs {
			out.Refs[i] = r
			if r.Meta != nil {
				out.Refs[i].Meta = make(map[string]string, len(r.Meta))
				for k, v := range r.Meta {
					out.Refs[i].Meta[k] = v
				}
			}
		}
	}
	if e.Payload != nil {
		out.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return out
}

// DecodePayload unmarshals the payload into v.
func (e Envelope) DecodePayload(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload of %s: %w", e.EventType, e.EventID, err)
	}
	return nil
}
