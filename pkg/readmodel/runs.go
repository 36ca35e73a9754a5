package readmodel

import (
	"context"
	"time"

	"github.com/sgttomas/solver-ralph-sub008/pkg/events"
	"github.com/sgttomas/solver-ralph-sub008/pkg/projection"
)

const RunsProjection = "runs"

type RunStatus string

const (
	RunStarted   RunStatus = "STARTED"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

type Run struct {
	ID                 string     `json:"id"`
	CandidateID        string     `json:"candidate_id,omitempty"`
	SuiteID            string     `json:"suite_id,omitempty"`
	SuiteHash          string     `json:"suite_hash,omitempty"`
	Status             RunStatus  `json:"status"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	EvidenceBundleHash string     `json:"evidence_bundle_hash,omitempty"`
	Actor              string     `json:"actor,omitempty"`
}

type runStarted struct {
	CandidateID string `json:"candidate_id"`
	SuiteID     string `json:"suite_id"`
	SuiteHash   string `json:"suite_hash"`
}

type runCompleted struct {
	Outcome            string `json:"outcome"`
	EvidenceBundleHash string `json:"evidence_bundle_hash"`
}

// Runs projects oracle run lifecycles.
func Runs() projection.Projection {
	r := newRouter(RunsProjection)
	handle(r, events.RunStarted, func(cs *projection.ChangeSet, env events.Envelope, p runStarted) error {
		var run Run
		if _, err := cs.GetJSON("runs", env.StreamID, &run); err != nil {
			return err
		}
		at := env.OccurredAt
		run.ID = env.StreamID
		run.CandidateID = p.CandidateID
		run.SuiteID = p.SuiteID
		run.SuiteHash = p.SuiteHash
		run.StartedAt = &at
		run.Actor = env.Actor.ID
		if run.Status == "" {
			run.Status = RunStarted
		}
		if err := cs.Put("by_candidate", projection.Key(p.CandidateID, run.ID), marker{ID: run.ID}); err != nil {
			return err
		}
		return cs.Put("runs", run.ID, run)
	})
	handle(r, events.RunCompleted, func(cs *projection.ChangeSet, env events.Envelope, p runCompleted) error {
		var run Run
		ok, err := cs.GetJSON("runs", env.StreamID, &run)
		if err != nil {
			return err
		}
		if !ok {
			run.ID = env.StreamID
		}
		at := env.OccurredAt
		run.CompletedAt = &at
		run.EvidenceBundleHash = p.EvidenceBundleHash
		run.Status = RunCompleted
		if p.Outcome == "FAILURE" {
			run.Status = RunFailed
		}
		return cs.Put("runs", run.ID, run)
	})
	return r
}

func GetRun(ctx context.Context, r projection.Reader, id string) (Run, bool, error) {
	return get[Run](ctx, r, "runs", id)
}

// RunsForCandidate lists runs against a candidate, ordered by run id.
func RunsForCandidate(ctx context.Context, r projection.Reader, candidateID string) ([]Run, error) {
	return indexed[Run](ctx, r, "by_candidate", prefixOf(candidateID), "runs")
}
