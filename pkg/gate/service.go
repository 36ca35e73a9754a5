package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sgttomas/solver-ralph-sub008/pkg/events"
	"github.com/sgttomas/solver-ralph-sub008/pkg/evidence"
	"github.com/sgttomas/solver-ralph-sub008/pkg/graph"
	"github.com/sgttomas/solver-ralph-sub008/pkg/observability"
	"github.com/sgttomas/solver-ralph-sub008/pkg/projection"
	"github.com/sgttomas/solver-ralph-sub008/pkg/readmodel"
	"github.com/sgttomas/solver-ralph-sub008/pkg/store"
)

var ErrCandidateNotFound = errors.New("candidate not found")

// ReadModels hands out projection readers by name.
type ReadModels interface {
	Reader(name string) projection.Reader
}

// ArtifactVerifier checks that referenced blobs exist and hash correctly.
type ArtifactVerifier interface {
	Verify(ctx context.Context, hashes []string) (evidence.Availability, error)
}

// Service assembles gate inputs from the read models and the graph.
type Service struct {
	store    store.Store
	models   ReadModels
	graph    *graph.Query
	verifier ArtifactVerifier
	profiles *Profiles
	actor    events.Actor
	clock    func() time.Time
	logger   *slog.Logger
	obs      *observability.Provider
}

type Option func(*Service)

func WithClock(clock func() time.Time) Option { return func(s *Service) { s.clock = clock } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithObservability(p *observability.Provider) Option {
	return func(s *Service) { s.obs = p }
}

// WithActor sets the system actor recorded on events the service appends.
func WithActor(id string) Option {
	return func(s *Service) { s.actor = events.Actor{Kind: events.ActorSystem, ID: id} }
}

func NewService(st store.Store, models ReadModels, g *graph.Query, verifier ArtifactVerifier, profiles *Profiles, opts ...Option) *Service {
	s := &Service{
		store:    st,
		models:   models,
		graph:    g,
		verifier: verifier,
		profiles: profiles,
		actor:    events.Actor{Kind: events.ActorSystem, ID: "gate"},
		clock:    time.Now,
		logger:   slog.Default().With("component", "gate"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Evaluate computes the candidate's status without writing anything.
func (s *Service) Evaluate(ctx context.Context, candidateID string) (st Status, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "gate.evaluate", observability.GateOperation(candidateID)...)
	defer func() { done(err) }()

	in, _, err := s.input(ctx, candidateID)
	if err != nil {
		return Status{}, err
	}
	return Evaluate(in), nil
}

func (s *Service) input(ctx context.Context, candidateID string) (Input, readmodel.Candidate, error) {
	cand, ok, err := readmodel.GetCandidate(ctx, s.models.Reader(readmodel.CandidatesProjection), candidateID)
	if err != nil {
		return Input{}, cand, err
	}
	if !ok {
		return Input{}, cand, fmt.Errorf("%w: %s", ErrCandidateNotFound, candidateID)
	}
	profile, err := s.profiles.Lookup(cand.Profile)
	if err != nil {
		return Input{}, cand, err
	}

	in := Input{CandidateID: candidateID, Profile: profile, At: s.clock().UTC()}

	in.Suites, err = readmodel.SuiteVersions(ctx, s.models.Reader(readmodel.SuitesProjection), profile.SuiteID)
	if err != nil {
		return Input{}, cand, err
	}
	bundles, err := readmodel.BundlesForCandidate(ctx, s.models.Reader(readmodel.EvidenceProjection), candidateID)
	if err != nil {
		return Input{}, cand, err
	}
	for _, b := range bundles {
		m := b.Manifest
		m.BundleID = b.BundleID
		in.Bundles = append(in.Bundles, m)
	}
	in.Waivers, err = readmodel.ExceptionsForCandidate(ctx, s.models.Reader(readmodel.ExceptionsProjection), candidateID)
	if err != nil {
		return Input{}, cand, err
	}
	if in.Staleness, err = s.staleness(ctx, candidateID); err != nil {
		return Input{}, cand, err
	}

	if suite, ok := ResolveSuite(profile, in.Suites); ok && s.verifier != nil {
		if bundle, ok := SelectBundle(suite.SuiteID, in.Bundles); ok {
			if in.Artifacts, err = s.verifier.Verify(ctx, bundle.ArtifactHashes()); err != nil {
				return Input{}, cand, fmt.Errorf("verify artifacts: %w", err)
			}
		}
	}
	return in, cand, nil
}

func (s *Service) staleness(ctx context.Context, candidateID string) (Staleness, error) {
	var out Staleness
	node := events.NodeID(events.KindCandidate, candidateID)
	stale, err := s.graph.HasUnresolvedStaleness(ctx, node)
	if err != nil {
		return out, err
	}
	out.Candidate = stale

	deps, err := s.graph.Dependencies(ctx, node, 0)
	if err != nil {
		return out, err
	}
	if deps.Truncated {
		out.DependenciesTruncated = deps.Cause
	}
	for _, id := range deps.IDs() {
		stale, err := s.graph.HasUnresolvedStaleness(ctx, id)
		if err != nil {
			return out, err
		}
		if stale {
			out.Dependencies = append(out.Dependencies, id)
		}
	}

	truncs, err := s.graph.OpenTruncations(ctx, node)
	if err != nil {
		return out, err
	}
	seen := map[string]bool{}
	for _, t := range truncs {
		if !seen[t.Root] {
			seen[t.Root] = true
			out.OpenTruncations = append(out.OpenTruncations, t.Root)
		}
	}
	return out, nil
}

// EvaluateAndRecord evaluates and then appends an IntegrityConditionDetected
// per condition and a CandidateVerificationComputed when the outcome
// differs from the last recorded one. Both carry derived event ids, so a
// retry converges on the same events.
func (s *Service) EvaluateAndRecord(ctx context.Context, candidateID string) (st Status, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "gate.evaluate_and_record", observability.GateOperation(candidateID)...)
	defer func() { done(err) }()

	in, cand, err := s.input(ctx, candidateID)
	if err != nil {
		return Status{}, err
	}
	st = Evaluate(in)

	for _, c := range st.Conditions {
		if err := s.recordCondition(ctx, st, c); err != nil {
			return st, err
		}
	}
	if unchanged(cand.Verification, st) {
		return st, nil
	}
	if err := s.recordVerification(ctx, st); err != nil {
		return st, err
	}
	s.logger.InfoContext(ctx, "verification recorded",
		"candidate_id", candidateID,
		"outcome", st.Outcome,
		"shippable", st.Shippable,
		"conditions", len(st.Conditions),
	)
	return st, nil
}

func unchanged(prev *readmodel.VerificationSnapshot, st Status) bool {
	return prev != nil &&
		prev.Outcome == string(st.Outcome) &&
		prev.Shippable == st.Shippable &&
		prev.Blocked == st.Blocked &&
		prev.Stale == st.Stale &&
		prev.Profile == st.Profile
}

// IntegrityStream is the stream integrity conditions for a candidate are
// recorded on.
func IntegrityStream(candidateID string) string { return "integrity-" + candidateID }

func (s *Service) recordCondition(ctx context.Context, st Status, c Condition) error {
	payload, err := json.Marshal(map[string]any{
		"candidate_id": st.CandidateID,
		"kind":         c.Kind,
		"profile":      st.Profile,
		"detail":       c.Detail,
		"fingerprint":  c.Fingerprint,
	})
	if err != nil {
		return err
	}
	stream := IntegrityStream(st.CandidateID)
	_, err = s.appendAt(ctx, events.Draft{
		EventID:   events.DerivedID("evt_", "integrity/"+c.Fingerprint),
		StreamID:  stream,
		EventType: events.IntegrityConditionDetected,
		Actor:     s.actor,
		Refs:      []events.Ref{{Kind: events.KindCandidate, ID: st.CandidateID, Rel: events.RelAffects}},
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("record %s: %w", c.Kind, err)
	}
	s.obs.CountCondition(ctx, string(c.Kind))
	s.logger.WarnContext(ctx, "integrity condition",
		"candidate_id", st.CandidateID, "kind", c.Kind, "fingerprint", c.Fingerprint)
	return nil
}

func (s *Service) recordVerification(ctx context.Context, st Status) error {
	payload, err := json.Marshal(map[string]any{
		"outcome":   st.Outcome,
		"shippable": st.Shippable,
		"profile":   st.Profile,
		"blocked":   st.Blocked,
		"stale":     st.Stale,
	})
	if err != nil {
		return err
	}
	var refs []events.Ref
	if st.BundleID != "" {
		refs = append(refs, events.Ref{Kind: events.KindEvidence, ID: st.BundleID, Rel: events.RelSupportedBy})
	}
	version, err := s.store.StreamVersion(ctx, st.CandidateID)
	if err != nil {
		return err
	}
	_, err = s.store.Append(ctx, store.AppendRequest{
		Draft: events.Draft{
			EventID:   events.DerivedID("evt_", fmt.Sprintf("verification/%s/%d/%s", st.CandidateID, version, payload)),
			StreamID:  st.CandidateID,
			EventType: events.CandidateVerificationComputed,
			Actor:     s.actor,
			Refs:      refs,
			Payload:   payload,
		},
		ExpectedVersion: version,
	})
	if err != nil {
		return fmt.Errorf("record verification: %w", err)
	}
	return nil
}

// appendAt appends at the stream's current head.
func (s *Service) appendAt(ctx context.Context, d events.Draft) (events.Envelope, error) {
	version, err := s.store.StreamVersion(ctx, d.StreamID)
	if err != nil {
		return events.Envelope{}, err
	}
	return s.store.Append(ctx, store.AppendRequest{Draft: d, ExpectedVersion: version})
}
