package readmodel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sgttomas/solver-ralph-sub008/pkg/events"
	"github.com/sgttomas/solver-ralph-sub008/pkg/projection"
)

const IntegrityProjection = "integrity"

// IntegrityRecord is a durable integrity condition.
type IntegrityRecord struct {
	EventID     string          `json:"event_id"`
	CandidateID string          `json:"candidate_id"`
	Kind        string          `json:"kind"`
	Profile     string          `json:"profile,omitempty"`
	Detail      json.RawMessage `json:"detail,omitempty"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	DetectedAt  time.Time       `json:"detected_at"`
	DetectedBy  string          `json:"detected_by"`
}

type integrityPayload struct {
	CandidateID string          `json:"candidate_id"`
	Kind        string          `json:"kind"`
	Profile     string          `json:"profile"`
	Detail      json.RawMessage `json:"detail"`
	Fingerprint string          `json:"fingerprint"`
}

// Integrity projects IntegrityConditionDetected events by candidate.
func Integrity() projection.Projection {
	r := newRouter(IntegrityProjection)
	handle(r, events.IntegrityConditionDetected, func(cs *projection.ChangeSet, env events.Envelope, p integrityPayload) error {
		rec := IntegrityRecord{
			EventID:     env.EventID,
			CandidateID: p.CandidateID,
			Kind:        p.Kind,
			Profile:     p.Profile,
			Detail:      p.Detail,
			Fingerprint: p.Fingerprint,
			DetectedAt:  env.OccurredAt,
			DetectedBy:  env.Actor.ID,
		}
		if err := cs.Put("by_candidate", projection.Key(p.CandidateID, seqKey(env.GlobalSeq)), marker{ID: rec.EventID}); err != nil {
			return err
		}
		return cs.Put("conditions", rec.EventID, rec)
	})
	return r
}

// ConditionsFor lists a candidate's integrity conditions in record order.
func ConditionsFor(ctx context.Context, r projection.Reader, candidateID string) ([]IntegrityRecord, error) {
	return indexed[IntegrityRecord](ctx, r, "by_candidate", prefixOf(candidateID), "conditions")
}
