package kernel

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgttomas/solver-ralph-sub008/pkg/artifacts"
	"github.com/sgttomas/solver-ralph-sub008/pkg/config"
	"github.com/sgttomas/solver-ralph-sub008/pkg/events"
	"github.com/sgttomas/solver-ralph-sub008/pkg/evidence"
	"github.com/sgttomas/solver-ralph-sub008/pkg/gate"
	"github.com/sgttomas/solver-ralph-sub008/pkg/outbox"
	"github.com/sgttomas/solver-ralph-sub008/pkg/readmodel"
	"github.com/sgttomas/solver-ralph-sub008/pkg/store"
)

var (
	now       = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	suiteHash = "5555555555555555555555555555555555555555555555555555555555555555"

	human  = events.Actor{Kind: events.ActorHuman, ID: "alice"}
	agent  = events.Actor{Kind: events.ActorAgent, ID: "builder-7"}
	system = events.Actor{Kind: events.ActorSystem, ID: "registry"}
	runner = events.Actor{Kind: events.ActorVerificationCheck, ID: "runner-1"}
)

type recordingTransport struct {
	mu   sync.Mutex
	msgs []outbox.Message
}

func (t *recordingTransport) Publish(_ context.Context, msg outbox.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = append(t.msgs, msg)
	return nil
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	k     *Kernel
	blobs *artifacts.MemoryStore
	sent  *recordingTransport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := NewRegistry()
	require.NoError(t, err)
	profiles, err := gate.NewProfiles("standard", &gate.Profile{
		Name:           "standard",
		SuiteID:        "core",
		SuiteVersion:   "^1.0.0",
		RequiredChecks: []string{"build", "unit"},
	})
	require.NoError(t, err)

	f := &fixture{t: t, ctx: context.Background(), blobs: artifacts.NewMemoryStore(), sent: &recordingTransport{}}
	f.k, err = New(store.NewMemoryStore(store.WithValidator(reg)),
		WithArtifactStore(f.blobs),
		WithProfiles(profiles),
		WithClock(func() time.Time { return now }),
		WithTransport(f.sent),
	)
	require.NoError(t, err)
	return f
}

func (f *fixture) append(stream, eventType string, actor events.Actor, payload interface{}, refs ...events.Ref) (events.Envelope, error) {
	f.t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(f.t, err)
		raw = b
	}
	v, err := f.k.StreamVersion(f.ctx, stream)
	require.NoError(f.t, err)
	return f.k.Append(f.ctx, store.AppendRequest{
		Draft:           events.Draft{StreamID: stream, EventType: eventType, Actor: actor, Refs: refs, Payload: raw},
		ExpectedVersion: v,
	})
}

func (f *fixture) mustAppend(stream, eventType string, actor events.Actor, payload interface{}, refs ...events.Ref) events.Envelope {
	f.t.Helper()
	env, err := f.append(stream, eventType, actor, payload, refs...)
	require.NoError(f.t, err)
	require.NoError(f.t, f.k.CatchUp(f.ctx))
	return env
}

func workItem(title string) map[string]string { return map[string]string{"title": title} }

func dependsOn(kind, id string) events.Ref {
	return events.Ref{Kind: kind, ID: id, Rel: events.RelDependsOn}
}

func TestKernel_AppendAndReadStream(t *testing.T) {
	f := newFixture(t)
	first := f.mustAppend("s1", events.WorkItemCreated, system, workItem("one"))
	second := f.mustAppend("s1", events.WorkItemActivated, system, map[string]string{})

	v, err := f.k.StreamVersion(f.ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	got, err := f.k.ReadStream(f.ctx, "s1", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.EventID, got[0].EventID)
	assert.Equal(t, second.EventID, got[1].EventID)
	assert.Equal(t, int64(1), got[0].StreamSeq)
	assert.Equal(t, int64(2), got[1].StreamSeq)

	global, err := f.k.ReadGlobal(f.ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, global, 2)
}

func TestKernel_StaleExpectedVersionConflicts(t *testing.T) {
	f := newFixture(t)
	f.mustAppend("s1", events.WorkItemCreated, system, workItem("one"))

	_, err := f.k.Append(f.ctx, store.AppendRequest{
		Draft: events.Draft{
			StreamID: "s1", EventType: events.WorkItemActivated, Actor: system,
			Payload: json.RawMessage(`{}`),
		},
		ExpectedVersion: 0,
	})
	assert.ErrorIs(t, err, store.ErrConcurrencyConflict)

	v, err := f.k.StreamVersion(f.ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestKernel_ArtifactChangeBlocksShipping(t *testing.T) {
	f := newFixture(t)
	f.mustAppend("core", events.OracleSuiteRegistered, system, map[string]any{
		"suite_id": "core", "version": "1.0.0", "suite_hash": suiteHash,
		"checks": []map[string]any{{"check_id": "build"}, {"check_id": "unit"}},
	})
	f.mustAppend("G", events.GovernedArtifactVersionRecorded, human, map[string]any{
		"artifact_id": "G", "version": "1", "content_hash": suiteHash, "is_current": true,
	})
	f.mustAppend("C", events.CandidateMaterialized, agent, map[string]any{
		"content_hash": suiteHash, "profile": "standard",
	}, dependsOn(events.KindArtifact, "G"))

	log := evidence.NewArtifact("log", "text/plain", []byte("build log"))
	_, err := f.blobs.Put(f.ctx, []byte("build log"))
	require.NoError(t, err)
	m, err := evidence.NewBuilder("b1", "run-1", "C").
		Suite("core", suiteHash).
		RunTimes(now.Add(-time.Hour), now.Add(-time.Minute)).
		Result(evidence.CheckResult{CheckID: "build", Status: evidence.StatusPass}).
		Result(evidence.CheckResult{CheckID: "unit", Status: evidence.StatusPass}).
		Artifact(log).
		Build()
	require.NoError(t, err)
	f.mustAppend("b1", events.EvidenceBundleRecorded, runner, m)

	st, err := f.k.EvaluateVerification(f.ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, gate.VerifiedStrict, st.Outcome)
	assert.True(t, st.Shippable)

	f.mustAppend("G", events.GovernedArtifactVersionRecorded, human, map[string]any{
		"artifact_id": "G", "version": "2", "content_hash": suiteHash, "is_current": true,
	})

	stale, err := f.k.HasUnresolvedStaleness(f.ctx, events.NodeID(events.KindCandidate, "C"))
	require.NoError(t, err)
	assert.True(t, stale)

	st, err = f.k.EvaluateVerification(f.ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, gate.VerifiedStrict, st.Outcome)
	assert.False(t, st.Shippable)

	recorded, err := f.k.RecordVerification(f.ctx, "C")
	require.NoError(t, err)
	require.NoError(t, f.k.CatchUp(f.ctx))
	c, ok, err := readmodel.GetCandidate(f.ctx, f.k.Reader(readmodel.CandidatesProjection), "C")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, c.Verification)
	assert.Equal(t, recorded.Shippable, c.Verification.Shippable)
}

func TestKernel_RejectsDependencyCycles(t *testing.T) {
	f := newFixture(t)
	f.mustAppend("A", events.WorkItemCreated, system, workItem("a"))
	f.mustAppend("B", events.WorkItemCreated, system, workItem("b"), dependsOn(events.KindWorkItem, "A"))

	head, err := f.k.Store().Head(f.ctx)
	require.NoError(t, err)

	_, err = f.append("A", events.WorkItemActivated, system, map[string]string{}, dependsOn(events.KindWorkItem, "B"))
	assert.ErrorIs(t, err, events.ErrValidation)

	_, err = f.append("A", events.WorkItemActivated, system, map[string]string{}, dependsOn(events.KindWorkItem, "A"))
	assert.ErrorIs(t, err, events.ErrValidation)

	after, err := f.k.Store().Head(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, head, after)

	// Non-blocking relations may point back.
	_, err = f.append("A", events.WorkItemActivated, system, map[string]string{},
		events.Ref{Kind: events.KindWorkItem, ID: "B", Rel: events.RelAbout})
	assert.NoError(t, err)

	deps, err := f.k.Dependencies(f.ctx, events.NodeID(events.KindWorkItem, "B"), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{events.NodeID(events.KindWorkItem, "A")}, deps.IDs())

	dependents, err := f.k.Dependents(f.ctx, events.NodeID(events.KindWorkItem, "A"), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{events.NodeID(events.KindWorkItem, "B")}, dependents.IDs())
}

func TestKernel_RebuildMatchesIncremental(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"W1", "W2", "W3"} {
		f.mustAppend(id, events.WorkItemCreated, system, workItem(id))
	}
	f.mustAppend("W2", events.WorkItemActivated, system, map[string]string{})

	before, err := f.k.Engine().Checksum(f.ctx, readmodel.WorkItemsProjection)
	require.NoError(t, err)
	report, err := f.k.RebuildProjection(f.ctx, readmodel.WorkItemsProjection)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Events)
	assert.Equal(t, before, report.Checksum)
}

func TestKernel_Publish(t *testing.T) {
	f := newFixture(t)
	env := f.mustAppend("s1", events.WorkItemCreated, system, workItem("one"))

	res, err := f.k.Publish(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)
	require.Len(t, f.sent.msgs, 1)
	assert.Equal(t, env.EventID, f.sent.msgs[0].EventID)

	res, err = f.k.Publish(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Published)
}

func TestKernel_PublishWithoutTransport(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	k, err := New(store.NewMemoryStore(store.WithValidator(reg)))
	require.NoError(t, err)

	_, err = k.Publish(context.Background())
	assert.ErrorIs(t, err, ErrNoTransport)
}

func TestKernel_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan error, 1)
	go func() { done <- f.k.Run(ctx) }()

	_, err := f.append("s1", events.WorkItemCreated, system, workItem("one"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		f.sent.mu.Lock()
		defer f.sent.mu.Unlock()
		return len(f.sent.msgs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestOpen_SQLite(t *testing.T) {
	dir := t.TempDir()
	profiles := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(profiles, []byte(`
profiles:
  - name: standard
    suite_id: core
    required_checks: [build]
`), 0o600))
	t.Setenv("ARTIFACT_STORAGE_TYPE", "memory")

	cfg := config.Load()
	cfg.StoreDriver = "sqlite"
	cfg.SQLitePath = filepath.Join(dir, "kernel.db")
	cfg.ProfilesPath = profiles
	cfg.DefaultProfile = ""
	cfg.RedisAddr = ""

	ctx := context.Background()
	k, closeFn, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	_, err = k.Append(ctx, store.AppendRequest{
		Draft: events.Draft{
			StreamID: "s1", EventType: events.WorkItemCreated, Actor: system,
			Payload: json.RawMessage(`{"title":"one"}`),
		},
	})
	require.NoError(t, err)
	require.NoError(t, closeFn())

	// Reopening migrates again and sees the committed event.
	k, closeFn, err = Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer func() { _ = closeFn() }()
	v, err := k.StreamVersion(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	res, err := k.Publish(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)
}
