package readmodel

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sgttomas/solver-ralph-sub008/pkg/events"
	"github.com/sgttomas/solver-ralph-sub008/pkg/evidence"
	"github.com/sgttomas/solver-ralph-sub008/pkg/projection"
	"github.com/sgttomas/solver-ralph-sub008/pkg/store"
)

var t0 = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

var (
	human  = events.Actor{Kind: events.ActorHuman, ID: "alice"}
	system = events.Actor{Kind: events.ActorSystem, ID: "kernel"}
	agent  = events.Actor{Kind: events.ActorAgent, ID: "builder-7"}
	runner = events.Actor{Kind: events.ActorVerificationCheck, ID: "runner-1"}
)

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *store.MemoryStore
	engine *projection.Engine
	now    time.Time
}

func newFixture(t *testing.T, ps ...projection.Projection) *fixture {
	t.Helper()
	f := &fixture{t: t, ctx: context.Background(), now: t0}
	reg := events.MustRegistry(
		events.WithPayloadCheck(events.EvidenceBundleRecorded, evidence.PayloadCheck),
		events.WithPayloadCheck(events.OracleSuiteRegistered, SuitePayloadCheck),
		events.WithPayloadCheck(events.OracleSuiteRebased, SuitePayloadCheck),
	)
	f.store = store.NewMemoryStore(store.WithValidator(reg), store.WithClock(func() time.Time { return f.now }))
	f.engine = projection.NewEngine(f.store, projection.NewMemoryRowStore(), projection.WithBatchSize(50))
	if len(ps) == 0 {
		ps = All()
	}
	for _, p := range ps {
		require.NoError(t, f.engine.Register(p))
	}
	return f
}

// emit appends to the head of stream, advancing the fixture clock a second.
func (f *fixture) emit(stream, eventType string, actor events.Actor, payload interface{}, refs ...events.Ref) events.Envelope {
	f.t.Helper()
	env, err := f.tryEmit(stream, eventType, actor, payload, refs...)
	require.NoError(f.t, err)
	return env
}

func (f *fixture) tryEmit(stream, eventType string, actor events.Actor, payload interface{}, refs ...events.Ref) (events.Envelope, error) {
	f.t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(f.t, err)
		raw = b
	}
	v, err := f.store.StreamVersion(f.ctx, stream)
	require.NoError(f.t, err)
	f.now = f.now.Add(time.Second)
	return f.store.Append(f.ctx, store.AppendRequest{
		Draft: events.Draft{
			StreamID:  stream,
			EventType: eventType,
			Actor:     actor,
			Refs:      refs,
			Payload:   raw,
		},
		ExpectedVersion: v,
	})
}

func (f *fixture) catchUp() {
	f.t.Helper()
	require.NoError(f.t, f.engine.CatchUpAll(f.ctx))
}

func (f *fixture) reader(name string) projection.Reader {
	return f.engine.Reader(name)
}

func sha(c byte) string {
	b := make([]byte, 64)
	for i := range b {
		b[i] = c
	}
	return "sha256:" + string(b)
}

type obj = map[string]interface{}
