// Package store implements the append-only event store: optimistic
// concurrency per stream, a single global sequence and an outbox record
// written in the same transaction as every event.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sgttomas/solver-ralph-sub008/pkg/canonicalize"
	"github.com/sgttomas/solver-ralph-sub008/pkg/events"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrEventNotFound       = errors.New("event not found")
	ErrMutationAttempt     = errors.New("mutation of committed event attempted")
)

// DefaultReadLimit bounds a read when the caller passes no limit.
const DefaultReadLimit = 1000

// ConcurrencyConflictError reports that the stream moved past the version
// the caller expected. The caller must re-read and retry.
type ConcurrencyConflictError struct {
	StreamID string
	Expected int64
	Actual   int64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %s: expected version %d, actual %d", e.StreamID, e.Expected, e.Actual)
}

func (e *ConcurrencyConflictError) Unwrap() error { return ErrConcurrencyConflict }

// AppendRequest is a draft event plus the optimistic concurrency token.
type AppendRequest struct {
	events.Draft
	ExpectedVersion int64
}

// Store is the event store contract. There is no update or
// delete operation.
type Store interface {
	Append(ctx context.Context, req AppendRequest) (events.Envelope, error)
	ReadStream(ctx context.Context, streamID string, fromSeq int64, limit int) ([]events.Envelope, error)
	ReadGlobal(ctx context.Context, fromGlobalSeq int64, limit int) ([]events.Envelope, error)
	StreamVersion(ctx context.Context, streamID string) (int64, error)
	Head(ctx context.Context) (int64, error)
	GetEvent(ctx context.Context, eventID string) (events.Envelope, error)
}

// OutboxRecord is the relay copy of a committed event.
type OutboxRecord struct {
	GlobalSeq   int64      `json:"global_seq"`
	EventID     string     `json:"event_id"`
	Topic       string     `json:"topic"`
	Message     []byte     `json:"message"`
	MessageHash string     `json:"message_hash"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// Outbox is the publisher side of the outbox table.
type Outbox interface {
	FetchUnpublished(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkPublished(ctx context.Context, globalSeq int64, at time.Time) error
	RecordFailure(ctx context.Context, globalSeq int64, cause string) error
	UnpublishedCount(ctx context.Context) (int64, error)
}

// EventStore is a Store that also exposes its outbox.
type EventStore interface {
	Store
	Outbox
}

// Option configures a store.
type Option func(*options)

type options struct {
	validator events.Validator
	clock     func() time.Time
}

// WithValidator replaces the default event registry.
func WithValidator(v events.Validator) Option {
	return func(o *options) { o.validator = v }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

func buildOptions(opts []Option) options {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.validator == nil {
		o.validator = events.MustRegistry()
	}
	return o
}

func (o options) now() time.Time {
	return o.clock().UTC().Truncate(time.Microsecond)
}

func prepare(v events.Validator, req *AppendRequest) error {
	if req.ExpectedVersion < 0 {
		return events.Invalid("expected_version", "must not be negative")
	}
	if err := v.Validate(&req.Draft); err != nil {
		return err
	}
	if req.EventID == "" {
		req.EventID = events.NewEventID()
	}
	return nil
}

// sameSubmission decides whether a committed event with the requested id is
// the retry of this request or an id collision.
func sameSubmission(existing events.Envelope, req AppendRequest) error {
	if existing.StreamID != req.StreamID || existing.EventType != req.EventType {
		return events.Invalid("event_id", "%s already committed as %s on stream %s", existing.EventID, existing.EventType, existing.StreamID)
	}
	return nil
}

func seal(req AppendRequest, streamSeq, globalSeq int64, at time.Time) (events.Envelope, error) {
	env := events.Envelope{
		EventID:       req.EventID,
		StreamID:      req.StreamID,
		StreamSeq:     streamSeq,
		GlobalSeq:     globalSeq,
		EventType:     req.EventType,
		OccurredAt:    at,
		Actor:         req.Actor,
		CorrelationID: req.CorrelationID,
		CausationID:   req.CausationID,
		Supersedes:    req.Supersedes,
		Refs:          req.Refs,
		Payload:       req.Payload,
	}
	h, err := events.Hash(env)
	if err != nil {
		return events.Envelope{}, fmt.Errorf("hash envelope: %w", err)
	}
	env.EnvelopeHash = h
	return env, nil
}

func newOutboxRecord(env events.Envelope) (OutboxRecord, []byte, error) {
	body, err := canonicalize.JCS(env)
	if err != nil {
		return OutboxRecord{}, nil, fmt.Errorf("encode envelope: %w", err)
	}
	return OutboxRecord{
		GlobalSeq:   env.GlobalSeq,
		EventID:     env.EventID,
		Topic:       events.TopicFor(env.EventType),
		Message:     body,
		MessageHash: canonicalize.ContentHash(body),
	}, body, nil
}

func readLimit(limit int) int {
	if limit <= 0 {
		return DefaultReadLimit
	}
	return limit
}
