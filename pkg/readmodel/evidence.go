package readmodel

import (
	"context"
	"time"

	"github.com/sgttomas/solver-ralph-sub008/pkg/events"
	"github.com/sgttomas/solver-ralph-sub008/pkg/evidence"
	"github.com/sgttomas/solver-ralph-sub008/pkg/projection"
)

const EvidenceProjection = "evidence"

// Bundle is a recorded evidence manifest with its position in the log.
type Bundle struct {
	BundleID     string            `json:"bundle_id"`
	ManifestHash string            `json:"manifest_hash"`
	Manifest     evidence.Manifest `json:"manifest"`
	RecordedAt   time.Time         `json:"recorded_at"`
	RecordedBy   string            `json:"recorded_by"`
	EventID      string            `json:"event_id"`
	GlobalSeq    int64             `json:"global_seq"`
}

// Evidence projects recorded bundles, indexed by candidate and run.
func Evidence() projection.Projection {
	r := newRouter(EvidenceProjection)
	handle(r, events.EvidenceBundleRecorded, func(cs *projection.ChangeSet, env events.Envelope, m evidence.Manifest) error {
		// A bundle is immutable: a second record under the same id is kept
		// in the log but does not replace the first.
		if _, exists, err := cs.Get("bundles", env.StreamID); err != nil || exists {
			return err
		}
		hash, err := m.Hash()
		if err != nil {
			return err
		}
		b := Bundle{
			BundleID:     env.StreamID,
			ManifestHash: hash,
			Manifest:     m,
			RecordedAt:   env.OccurredAt,
			RecordedBy:   env.Actor.ID,
			EventID:      env.EventID,
			GlobalSeq:    env.GlobalSeq,
		}
		if err := cs.Put("by_candidate", projection.Key(m.CandidateID, seqKey(env.GlobalSeq)), marker{ID: b.BundleID}); err != nil {
			return err
		}
		if err := cs.Put("by_run", projection.Key(m.RunID, seqKey(env.GlobalSeq)), marker{ID: b.BundleID}); err != nil {
			return err
		}
		return cs.Put("bundles", b.BundleID, b)
	})
	return r
}

func GetBundle(ctx context.Context, r projection.Reader, bundleID string) (Bundle, bool, error) {
	return get[Bundle](ctx, r, "bundles", bundleID)
}

// BundlesForCandidate returns a candidate's bundles in record order.
func BundlesForCandidate(ctx context.Context, r projection.Reader, candidateID string) ([]Bundle, error) {
	return indexed[Bundle](ctx, r, "by_candidate", prefixOf(candidateID), "bundles")
}

// BundlesForRun returns a run's bundles in record order.
func BundlesForRun(ctx context.Context, r projection.Reader, runID string) ([]Bundle, error) {
	return indexed[Bundle](ctx, r, "by_run", prefixOf(runID), "bundles")
}
