package readmodel

import (
	"context"
	"time"

	"github.com/sgttomas/solver-ralph-sub008/pkg/events"
	"github.com/sgttomas/solver-ralph-sub008/pkg/projection"
)

const CandidatesProjection = "candidates"

// Verification outcomes, as recorded by CandidateVerificationComputed.
const (
	OutcomeVerifiedStrict         = "VERIFIED_STRICT"
	OutcomeVerifiedWithExceptions = "VERIFIED_WITH_EXCEPTIONS"
	OutcomeUnverified             = "UNVERIFIED"
)

type Candidate struct {
	ID             string                `json:"id"`
	ContentHash    string                `json:"content_hash,omitempty"`
	WorkItemID     string                `json:"work_item_id,omitempty"`
	Profile        string                `json:"profile,omitempty"`
	GitSHA         string                `json:"git_sha,omitempty"`
	MaterializedAt *time.Time            `json:"materialized_at,omitempty"`
	Refs           []events.Ref          `json:"refs,omitempty"`
	Verification   *VerificationSnapshot `json:"verification,omitempty"`
	Version        int64                 `json:"version"`
}

// VerificationSnapshot is the last recorded gate outcome.
type VerificationSnapshot struct {
	Outcome    string    `json:"outcome"`
	Shippable  bool      `json:"shippable"`
	Blocked    bool      `json:"blocked"`
	Stale      bool      `json:"stale"`
	Profile    string    `json:"profile,omitempty"`
	ComputedAt time.Time `json:"computed_at"`
	EventID    string    `json:"event_id"`
}

type candidateMaterialized struct {
	ContentHash string `json:"content_hash"`
	WorkItemID  string `json:"work_item_id"`
	Profile     string `json:"profile"`
	GitSHA      string `json:"git_sha"`
}

type verificationComputed struct {
	Outcome   string `json:"outcome"`
	Shippable bool   `json:"shippable"`
	Blocked   bool   `json:"blocked"`
	Stale     bool   `json:"stale"`
	Profile   string `json:"profile"`
}

// Candidates projects materialized candidates and their latest
// verification outcome.
func Candidates() projection.Projection {
	r := newRouter(CandidatesProjection)
	handle(r, events.CandidateMaterialized, func(cs *projection.ChangeSet, env events.Envelope, p candidateMaterialized) error {
		c, _, err := loadCandidate(cs, env.StreamID)
		if err != nil {
			return err
		}
		if c.WorkItemID != "" && c.WorkItemID != p.WorkItemID {
			cs.Delete("by_work_item", projection.Key(c.WorkItemID, c.ID))
		}
		at := env.OccurredAt
		c.ContentHash = p.ContentHash
		c.WorkItemID = p.WorkItemID
		c.Profile = p.Profile
		c.GitSHA = p.GitSHA
		c.MaterializedAt = &at
		c.Refs = env.Clone().Refs
		c.Version = env.StreamSeq
		if c.WorkItemID != "" {
			if err := cs.Put("by_work_item", projection.Key(c.WorkItemID, c.ID), marker{ID: c.ID}); err != nil {
				return err
			}
		}
		return cs.Put("candidates", c.ID, c)
	})
	handle(r, events.CandidateVerificationComputed, func(cs *projection.ChangeSet, env events.Envelope, p verificationComputed) error {
		c, _, err := loadCandidate(cs, env.StreamID)
		if err != nil {
			return err
		}
		c.Verification = &VerificationSnapshot{
			Outcome:    p.Outcome,
			Shippable:  p.Shippable,
			Blocked:    p.Blocked,
			Stale:      p.Stale,
			Profile:    p.Profile,
			ComputedAt: env.OccurredAt,
			EventID:    env.EventID,
		}
		c.Version = env.StreamSeq
		return cs.Put("candidates", c.ID, c)
	})
	return r
}

func loadCandidate(cs *projection.ChangeSet, id string) (Candidate, bool, error) {
	var c Candidate
	ok, err := cs.GetJSON("candidates", id, &c)
	if err != nil {
		return c, false, err
	}
	if !ok {
		c.ID = id
	}
	return c, ok, nil
}

// GetCandidate reads one candidate.
func GetCandidate(ctx context.Context, r projection.Reader, id string) (Candidate, bool, error) {
	return get[Candidate](ctx, r, "candidates", id)
}

// CandidatesForWorkItem lists the candidates materialized for a work item.
func CandidatesForWorkItem(ctx context.Context, r projection.Reader, workItemID string) ([]Candidate, error) {
	return indexed[Candidate](ctx, r, "by_work_item", prefixOf(workItemID), "candidates")
}

// DependsOn returns the node ids the candidate declared as blocking
// dependencies when it was materialized.
func (c Candidate) DependsOn() []string {
	var out []string
	for _, ref := range c.Refs {
		if events.IsBlocking(ref.Rel) {
			out = append(out, events.NodeID(ref.Kind, ref.ID))
		}
	}
	return out
}
