package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgttomas/solver-ralph-sub008/pkg/events"
	"github.com/sgttomas/solver-ralph-sub008/pkg/store"
)

// tally is a small deterministic projection over work item events.
type tally struct{}

type tallyItem struct {
	Title  string `json:"title"`
	Status string `json:"status"`
	Events int    `json:"events"`
}

func (tally) Name() string { return "tally" }

func (tally) Handles(t string) bool {
	switch t {
	case events.WorkItemCreated, events.WorkItemActivated, events.WorkItemClosed:
		return true
	}
	return false
}

func (tally) Apply(ctx context.Context, cs *ChangeSet, env events.Envelope) error {
	var item tallyItem
	if _, err := cs.GetJSON("items", env.StreamID, &item); err != nil {
		return err
	}
	switch env.EventType {
	case events.WorkItemCreated:
		var p struct {
			Title string `json:"title"`
		}
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		item = tallyItem{Title: p.Title, Status: "CREATED"}
	case events.WorkItemActivated:
		item.Status = "ACTIVE"
	case events.WorkItemClosed:
		cs.Delete("items", env.StreamID)
		open, err := cs.Scan("items", "")
		if err != nil {
			return err
		}
		return cs.Put("stats", "open", map[string]int{"count": len(open)})
	}
	item.Events++
	if err := cs.Put("items", env.StreamID, item); err != nil {
		return err
	}
	open, err := cs.Scan("items", "")
	if err != nil {
		return err
	}
	return cs.Put("stats", "open", map[string]int{"count": len(open)})
}

// drifting is not a pure fold: its output depends on how often it ran.
type drifting struct{ calls int }

func (d *drifting) Name() string          { return "drifting" }
func (d *drifting) Handles(t string) bool { return t == events.WorkItemCreated }
func (d *drifting) Apply(ctx context.Context, cs *ChangeSet, env events.Envelope) error {
	d.calls++
	return cs.Put("seen", env.StreamID, map[string]int{"call": d.calls})
}

func appendWork(t *testing.T, s store.Store, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		stream := fmt.Sprintf("wi-%03d", i%25)
		v, err := s.StreamVersion(ctx, stream)
		require.NoError(t, err)
		var d events.Draft
		switch {
		case v == 0:
			d = events.Draft{EventType: events.WorkItemCreated, Payload: json.RawMessage(fmt.Sprintf(`{"title":"item %d"}`, i))}
		case i%11 == 0:
			d = events.Draft{EventType: events.WorkItemClosed}
		default:
			d = events.Draft{EventType: events.WorkItemActivated}
		}
		d.StreamID = stream
		d.Actor = events.Actor{Kind: events.ActorSystem, ID: "test"}
		_, err = s.Append(ctx, store.AppendRequest{Draft: d, ExpectedVersion: v})
		require.NoError(t, err)
	}
}

func newEngine(t *testing.T, s store.Store, opts ...Option) (*Engine, *MemoryRowStore) {
	t.Helper()
	rows := NewMemoryRowStore()
	e := NewEngine(s, rows, append([]Option{WithBatchSize(7)}, opts...)...)
	require.NoError(t, e.Register(tally{}))
	return e, rows
}

func TestEngine_CatchUpAdvancesCheckpoint(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	appendWork(t, s, 60)
	e, _ := newEngine(t, s)

	n, err := e.CatchUp(ctx, "tally")
	require.NoError(t, err)
	assert.Equal(t, 60, n)

	head, _ := s.Head(ctx)
	cp, err := e.Checkpoint(ctx, "tally")
	require.NoError(t, err)
	assert.Equal(t, head, cp.GlobalSeq)
	last, _ := s.ReadGlobal(ctx, head-1, 1)
	assert.Equal(t, last[0].EventID, cp.EventID)

	raw, ok, err := e.Reader("tally").Get(ctx, "items", "wi-001")
	require.NoError(t, err)
	require.True(t, ok)
	var item tallyItem
	require.NoError(t, json.Unmarshal(raw, &item))
	assert.Equal(t, "ACTIVE", item.Status)

	n, err = e.CatchUp(ctx, "tally")
	require.NoError(t, err)
	assert.Zero(t, n)
}

// laggingRows reports a stale checkpoint outside the transaction a set
// number of times, as if another writer advanced it after the read.
type laggingRows struct {
	*MemoryRowStore
	stale int
}

func (l *laggingRows) Checkpoint(ctx context.Context, projection string) (Checkpoint, error) {
	if l.stale > 0 {
		l.stale--
		return Checkpoint{}, nil
	}
	return l.MemoryRowStore.Checkpoint(ctx, projection)
}

func TestEngine_StepRetriesWhenCheckpointMoved(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	appendWork(t, s, 10)
	rows := &laggingRows{MemoryRowStore: NewMemoryRowStore()}
	e := NewEngine(s, rows, WithBatchSize(7))
	require.NoError(t, e.Register(tally{}))

	n, err := e.CatchUp(ctx, "tally")
	require.NoError(t, err)
	require.Equal(t, 10, n)

	appendWork(t, s, 5)
	rows.stale = 1
	n, err = e.CatchUp(ctx, "tally")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	head, _ := s.Head(ctx)
	cp, err := e.Checkpoint(ctx, "tally")
	require.NoError(t, err)
	assert.Equal(t, head, cp.GlobalSeq)
	assert.Zero(t, rows.stale)
}

func TestEngine_RegisterRejectsDuplicatesAndShadowNames(t *testing.T) {
	e := NewEngine(store.NewMemoryStore(), NewMemoryRowStore())
	require.NoError(t, e.Register(tally{}))
	assert.Error(t, e.Register(tally{}))

	_, err := e.Step(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownProjection)
}

func TestEngine_RebuildMatchesIncremental(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	appendWork(t, s, 120)
	e, _ := newEngine(t, s)
	_, err := e.CatchUp(ctx, "tally")
	require.NoError(t, err)

	before, err := e.Checksum(ctx, "tally")
	require.NoError(t, err)

	first, err := e.Rebuild(ctx, "tally")
	require.NoError(t, err)
	second, err := e.Rebuild(ctx, "tally")
	require.NoError(t, err)

	assert.Equal(t, before, first.Checksum)
	assert.Equal(t, first.Checksum, second.Checksum)
	assert.Equal(t, 120, first.Events)

	after, _ := e.Checksum(ctx, "tally")
	assert.Equal(t, before, after)

	shadow, _ := e.Checkpoint(ctx, "tally"+ShadowSuffix)
	assert.Zero(t, shadow.GlobalSeq)
}

func TestEngine_RebuildDivergenceHalts(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	appendWork(t, s, 30)

	rows := NewMemoryRowStore()
	e := NewEngine(s, rows)
	require.NoError(t, e.Register(&drifting{}))
	_, err := e.CatchUp(ctx, "drifting")
	require.NoError(t, err)
	before, _ := e.Checksum(ctx, "drifting")

	_, err = e.Rebuild(ctx, "drifting")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReplayDivergence))

	var div *ReplayDivergenceError
	require.True(t, errors.As(err, &div))
	assert.Equal(t, "drifting", div.Projection)
	assert.Equal(t, "seen", div.Table)
	assert.NotEqual(t, div.Expected, div.Actual)

	// The divergent state was not accepted.
	after, _ := e.Checksum(ctx, "drifting")
	assert.Equal(t, before, after)

	appendWork(t, s, 1)
	_, err = e.Step(ctx, "drifting")
	assert.ErrorIs(t, err, ErrProjectionHalted)
	_, err = e.Rebuild(ctx, "drifting")
	assert.ErrorIs(t, err, ErrProjectionHalted)

	require.NoError(t, e.Resume(ctx, "drifting"))
	_, err = e.Step(ctx, "drifting")
	assert.NoError(t, err)
}

// cancelling wraps a projection and cancels the rebuild after a number of
// applies into the shadow namespace.
type cancelling struct {
	tally
	after  int
	seen   int
	cancel context.CancelFunc
}

func (c *cancelling) Apply(ctx context.Context, cs *ChangeSet, env events.Envelope) error {
	c.seen++
	if c.cancel != nil && c.seen == c.after {
		c.cancel()
	}
	return c.tally.Apply(ctx, cs, env)
}

func TestEngine_RebuildResumesAfterCancel(t *testing.T) {
	s := store.NewMemoryStore()
	appendWork(t, s, 100)

	proj := &cancelling{}
	rows := NewMemoryRowStore()
	e := NewEngine(s, rows, WithBatchSize(10))
	require.NoError(t, e.Register(proj))
	_, err := e.CatchUp(context.Background(), "tally")
	require.NoError(t, err)
	live, _ := e.Checksum(context.Background(), "tally")

	ctx, cancel := context.WithCancel(context.Background())
	proj.seen, proj.after, proj.cancel = 0, 45, cancel
	_, err = e.Rebuild(ctx, "tally")
	require.ErrorIs(t, err, context.Canceled)

	partial, _ := e.Checkpoint(context.Background(), "tally"+ShadowSuffix)
	assert.Greater(t, partial.GlobalSeq, int64(0))
	assert.Less(t, partial.GlobalSeq, int64(100))

	untouched, _ := e.Checksum(context.Background(), "tally")
	assert.Equal(t, live, untouched)

	proj.cancel = nil
	report, err := e.Rebuild(context.Background(), "tally")
	require.NoError(t, err)
	assert.Equal(t, live, report.Checksum)
}

func TestEngine_SequenceGap(t *testing.T) {
	src := gappySource{}
	e := NewEngine(src, NewMemoryRowStore())
	require.NoError(t, e.Register(tally{}))

	_, err := e.Step(context.Background(), "tally")
	var gap *SequenceGapError
	require.True(t, errors.As(err, &gap))
	assert.Equal(t, int64(0), gap.Checkpoint)
	assert.Equal(t, int64(2), gap.Got)

	cp, _ := e.Checkpoint(context.Background(), "tally")
	assert.Zero(t, cp.GlobalSeq)
}

type gappySource struct{}

func (gappySource) ReadGlobal(ctx context.Context, from int64, limit int) ([]events.Envelope, error) {
	if from > 0 {
		return nil, nil
	}
	return []events.Envelope{{GlobalSeq: 2, EventID: "evt_2", EventType: events.WorkItemActivated, StreamID: "wi"}}, nil
}

func TestChangeSet_ReadsPendingWrites(t *testing.T) {
	ctx := context.Background()
	rows := NewMemoryRowStore()
	tx, err := rows.Begin(ctx, "p")
	require.NoError(t, err)
	_, err = tx.Checkpoint(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, "t", "a", json.RawMessage(`{"v":1}`)))
	require.NoError(t, tx.Put(ctx, "t", "b", json.RawMessage(`{"v":2}`)))
	require.NoError(t, tx.Commit())

	cs := NewChangeSet(ctx, rows.Reader("p"))
	require.NoError(t, cs.Put("t", "c", map[string]int{"v": 3}))
	cs.Delete("t", "a")

	_, ok, err := cs.Get("t", "a")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := cs.Scan("t", "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Key)
	assert.Equal(t, "c", got[1].Key)
	assert.JSONEq(t, `{"v":3}`, string(got[1].Data))
	assert.Equal(t, 2, cs.Len())

	// Nothing reaches the store until the engine flushes the change set.
	_, ok, _ = rows.Reader("p").Get(ctx, "t", "c")
	assert.False(t, ok)
}

func TestChecksumRows_OrderAndContentSensitive(t *testing.T) {
	a := []Row{{Table: "t", Key: "1", Data: json.RawMessage(`{}`)}}
	b := []Row{{Table: "t", Key: "1", Data: json.RawMessage(`{"x":1}`)}}
	assert.NotEqual(t, ChecksumRows(a), ChecksumRows(b))
	assert.Equal(t, ChecksumRows(a), ChecksumRows([]Row{{Table: "t", Key: "1", Data: json.RawMessage(`{}`)}}))

	table, key := firstDifference(a, b)
	assert.Equal(t, "t", table)
	assert.Equal(t, "1", key)
}

func fixedNow() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
