package gate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgttomas/solver-ralph-sub008/pkg/artifacts"
	"github.com/sgttomas/solver-ralph-sub008/pkg/events"
	"github.com/sgttomas/solver-ralph-sub008/pkg/evidence"
	"github.com/sgttomas/solver-ralph-sub008/pkg/graph"
	"github.com/sgttomas/solver-ralph-sub008/pkg/projection"
	"github.com/sgttomas/solver-ralph-sub008/pkg/readmodel"
	"github.com/sgttomas/solver-ralph-sub008/pkg/store"
)

var (
	human  = events.Actor{Kind: events.ActorHuman, ID: "alice"}
	agent  = events.Actor{Kind: events.ActorAgent, ID: "builder-7"}
	system = events.Actor{Kind: events.ActorSystem, ID: "registry"}
	runner = events.Actor{Kind: events.ActorVerificationCheck, ID: "runner-1"}
)

type env struct {
	t      *testing.T
	ctx    context.Context
	store  *store.MemoryStore
	engine *projection.Engine
	blobs  *artifacts.MemoryStore
	svc    *Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWithLimits(t, graph.DefaultLimits())
}

func newEnvWithLimits(t *testing.T, limits graph.Limits) *env {
	t.Helper()
	e := &env{t: t, ctx: context.Background(), blobs: artifacts.NewMemoryStore()}
	reg := events.MustRegistry(
		events.WithPayloadCheck(events.EvidenceBundleRecorded, evidence.PayloadCheck),
		events.WithPayloadCheck(events.OracleSuiteRegistered, readmodel.SuitePayloadCheck),
		events.WithPayloadCheck(events.OracleSuiteRebased, readmodel.SuitePayloadCheck),
	)
	e.store = store.NewMemoryStore(store.WithValidator(reg))
	e.engine = projection.NewEngine(e.store, projection.NewMemoryRowStore())
	for _, p := range readmodel.All() {
		require.NoError(t, e.engine.Register(p))
	}
	g := graph.New(limits)
	require.NoError(t, e.engine.Register(g))

	profiles, err := NewProfiles("standard", standardProfile())
	require.NoError(t, err)
	e.svc = NewService(e.store, e.engine,
		graph.NewQuery(e.engine.Reader(graph.ProjectionName), g.Limits()),
		evidence.NewVerifier(e.blobs, nil),
		profiles,
		WithClock(func() time.Time { return now }),
	)
	return e
}

func (e *env) emit(stream, eventType string, actor events.Actor, payload interface{}, refs ...events.Ref) {
	e.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(e.t, err)
	v, err := e.store.StreamVersion(e.ctx, stream)
	require.NoError(e.t, err)
	_, err = e.store.Append(e.ctx, store.AppendRequest{
		Draft:           events.Draft{StreamID: stream, EventType: eventType, Actor: actor, Refs: refs, Payload: raw},
		ExpectedVersion: v,
	})
	require.NoError(e.t, err)
	e.catchUp()
}

func (e *env) catchUp() {
	e.t.Helper()
	require.NoError(e.t, e.engine.CatchUpAll(e.ctx))
}

func (e *env) head() int64 {
	h, err := e.store.Head(e.ctx)
	require.NoError(e.t, err)
	return h
}

// seed registers the suite, artifact G v1, candidate C depending on G and
// an all-pass bundle whose log blob is stored.
func (e *env) seed() {
	e.emit("core", events.OracleSuiteRegistered, system, map[string]any{
		"suite_id": "core", "version": "1.0.0", "suite_hash": suiteHash,
		"checks": []map[string]any{
			{"check_id": "build", "deterministic": true},
			{"check_id": "unit", "deterministic": true},
			{"check_id": "lint"},
		},
		"environment": map[string]string{"os": "linux"},
	})
	e.emit("G", events.GovernedArtifactVersionRecorded, human, map[string]any{
		"artifact_id": "G", "version": "1", "content_hash": suiteHash, "is_current": true,
	})
	e.emit("C", events.CandidateMaterialized, agent, map[string]any{
		"content_hash": suiteHash, "profile": "standard",
	}, events.Ref{Kind: events.KindArtifact, ID: "G", Rel: events.RelDependsOn})

	h, err := e.blobs.Put(e.ctx, []byte("build log"))
	require.NoError(e.t, err)
	require.Equal(e.t, blobHash, h)

	e.emit("b1", events.EvidenceBundleRecorded, runner, bundle(e.t, "b1", suiteHash, allPass()))
}

// Scenario: C depends on G; C verifies strictly; G moves from version 1
// to 2; C is no longer shippable.
func TestService_ArtifactChangeMakesCandidateUnshippable(t *testing.T) {
	e := newEnv(t)
	e.seed()

	st, err := e.svc.Evaluate(e.ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, VerifiedStrict, st.Outcome)
	assert.True(t, st.Shippable)

	e.emit("G", events.GovernedArtifactVersionRecorded, human, map[string]any{
		"artifact_id": "G", "version": "2", "content_hash": blobHash, "is_current": true,
	})

	st, err = e.svc.Evaluate(e.ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, VerifiedStrict, st.Outcome)
	assert.True(t, st.Staleness.Candidate)
	assert.False(t, st.Shippable)
}

func TestService_TruncatedDependencyWalkBlocksShipping(t *testing.T) {
	e := newEnvWithLimits(t, graph.Limits{MaxDepth: 1, MaxFanout: 1000})
	e.seed()

	st, err := e.svc.Evaluate(e.ctx, "C")
	require.NoError(t, err)
	assert.True(t, st.Shippable)
	assert.Empty(t, st.Staleness.DependenciesTruncated)

	// Same version again: no propagation, but G now depends on H, which
	// is past the depth bound from C.
	e.emit("G", events.GovernedArtifactVersionRecorded, human, map[string]any{
		"artifact_id": "G", "version": "1", "content_hash": suiteHash, "is_current": true,
	}, events.Ref{Kind: events.KindArtifact, ID: "H", Rel: events.RelDependsOn})

	st, err = e.svc.Evaluate(e.ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, VerifiedStrict, st.Outcome)
	assert.Equal(t, graph.TruncatedDepth, st.Staleness.DependenciesTruncated)
	assert.True(t, st.Stale)
	assert.False(t, st.Shippable)
}

func TestService_EvaluateIsReadOnly(t *testing.T) {
	e := newEnv(t)
	e.seed()
	before := e.head()

	_, err := e.svc.Evaluate(e.ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, before, e.head())
}

func TestService_RecordsVerificationOnlyOnChange(t *testing.T) {
	e := newEnv(t)
	e.seed()

	st, err := e.svc.EvaluateAndRecord(e.ctx, "C")
	require.NoError(t, err)
	assert.True(t, st.Shippable)
	e.catchUp()

	c, ok, err := readmodel.GetCandidate(e.ctx, e.engine.Reader(readmodel.CandidatesProjection), "C")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, c.Verification)
	assert.Equal(t, readmodel.OutcomeVerifiedStrict, c.Verification.Outcome)
	assert.True(t, c.Verification.Shippable)

	head := e.head()
	_, err = e.svc.EvaluateAndRecord(e.ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, head, e.head())
}

func TestService_RecordsIntegrityConditionsOnce(t *testing.T) {
	e := newEnv(t)
	e.seed()
	e.blobs.Corrupt(blobHash, []byte("tampered"))

	st, err := e.svc.EvaluateAndRecord(e.ctx, "C")
	require.NoError(t, err)
	require.Len(t, st.Conditions, 1)
	assert.Equal(t, EvidenceMissing, st.Conditions[0].Kind)
	assert.Equal(t, string(evidence.ArtifactHashMismatch), st.Conditions[0].Detail["status"])
	e.catchUp()

	_, err = e.svc.EvaluateAndRecord(e.ctx, "C")
	require.NoError(t, err)
	e.catchUp()

	v, err := e.store.StreamVersion(e.ctx, IntegrityStream("C"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	recs, err := readmodel.ConditionsFor(e.ctx, e.engine.Reader(readmodel.IntegrityProjection), "C")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, string(EvidenceMissing), recs[0].Kind)
	assert.Equal(t, st.Conditions[0].Fingerprint, recs[0].Fingerprint)
}

func TestService_UnknownCandidateAndProfile(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Evaluate(e.ctx, "nope")
	assert.ErrorIs(t, err, ErrCandidateNotFound)

	e.emit("D", events.CandidateMaterialized, agent, map[string]any{
		"content_hash": suiteHash, "profile": "missing",
	})
	_, err = e.svc.Evaluate(e.ctx, "D")
	assert.ErrorIs(t, err, ErrUnknownProfile)
}
