package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgttomas/solver-ralph-sub008/pkg/canonicalize"
	"github.com/sgttomas/solver-ralph-sub008/pkg/events"
)

var fixedTime = time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)

func fixedClock() time.Time { return fixedTime }

func workItem(stream string, expected int64, title string) AppendRequest {
	return AppendRequest{
		Draft: events.Draft{
			StreamID:  stream,
			EventType: events.WorkItemCreated,
			Actor:     events.Actor{Kind: events.ActorSystem, ID: "planner"},
			Payload:   json.RawMessage(fmt.Sprintf(`{"title":%q}`, title)),
		},
		ExpectedVersion: expected,
	}
}

func activate(stream string, expected int64) AppendRequest {
	return AppendRequest{
		Draft: events.Draft{
			StreamID:  stream,
			EventType: events.WorkItemActivated,
			Actor:     events.Actor{Kind: events.ActorSystem, ID: "planner"},
		},
		ExpectedVersion: expected,
	}
}

func TestMemoryStore_AppendThenReadStream(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(WithClock(fixedClock))

	first, err := s.Append(ctx, workItem("s1", 0, "first"))
	require.NoError(t, err)
	second, err := s.Append(ctx, activate("s1", 1))
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.StreamSeq)
	assert.Equal(t, int64(2), second.StreamSeq)

	v, err := s.StreamVersion(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	got, err := s.ReadStream(ctx, "s1", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.EventID, got[0].EventID)
	assert.Equal(t, second.EventID, got[1].EventID)

	tail, err := s.ReadStream(ctx, "s1", 1, 0)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, second.EventID, tail[0].EventID)
}

func TestMemoryStore_StaleExpectedVersionConflicts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Append(ctx, workItem("s1", 0, "first"))
	require.NoError(t, err)

	_, err = s.Append(ctx, activate("s1", 0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConcurrencyConflict))

	var conflict *ConcurrencyConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "s1", conflict.StreamID)
	assert.Equal(t, int64(0), conflict.Expected)
	assert.Equal(t, int64(1), conflict.Actual)

	v, _ := s.StreamVersion(ctx, "s1")
	assert.Equal(t, int64(1), v)
	head, _ := s.Head(ctx)
	assert.Equal(t, int64(1), head)
	n, _ := s.UnpublishedCount(ctx)
	assert.Equal(t, int64(1), n)
}

func TestMemoryStore_ConcurrentSameVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Append(ctx, workItem("s1", 0, "seed"))
	require.NoError(t, err)

	const writers = 16
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Append(ctx, activate("s1", 1))
		}(i)
	}
	wg.Wait()

	ok, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrConcurrencyConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, writers-1, conflicts)
}

func TestMemoryStore_IdempotentRetry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	req := workItem("s1", 0, "retry me")
	req.EventID = "evt_fixed"
	first, err := s.Append(ctx, req)
	require.NoError(t, err)

	// The retry carries a stale version token; it is still the same event.
	again, err := s.Append(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	head, _ := s.Head(ctx)
	assert.Equal(t, int64(1), head)

	other := workItem("s2", 0, "collision")
	other.EventID = "evt_fixed"
	_, err = s.Append(ctx, other)
	assert.True(t, errors.Is(err, events.ErrValidation))
}

func TestMemoryStore_ValidationWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	bad := workItem("s1", 0, "")
	_, err := s.Append(ctx, bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, events.ErrValidation))

	human := AppendRequest{Draft: events.Draft{
		StreamID:  "approval-1",
		EventType: events.ApprovalRecorded,
		Actor:     events.Actor{Kind: events.ActorAgent, ID: "bot"},
		Payload:   json.RawMessage(`{"portal_id":"release","decision":"APPROVED"}`),
	}}
	_, err = s.Append(ctx, human)
	assert.True(t, errors.Is(err, events.ErrValidation))

	_, err = s.Append(ctx, AppendRequest{Draft: workItem("s1", 0, "x").Draft, ExpectedVersion: -1})
	assert.True(t, errors.Is(err, events.ErrValidation))

	head, _ := s.Head(ctx)
	assert.Zero(t, head)
	v, _ := s.StreamVersion(ctx, "s1")
	assert.Zero(t, v)
}

func TestMemoryStore_GlobalOrderAcrossStreams(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, workItem(fmt.Sprintf("wi-%d", i), 0, "item"))
		require.NoError(t, err)
	}
	_, err := s.Append(ctx, activate("wi-2", 1))
	require.NoError(t, err)

	all, err := s.ReadGlobal(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 6)
	for i, env := range all {
		assert.Equal(t, int64(i+1), env.GlobalSeq)
		assert.NoError(t, events.VerifyHash(env))
	}

	page, err := s.ReadGlobal(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(3), page[0].GlobalSeq)
	assert.Equal(t, int64(4), page[1].GlobalSeq)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	env, err := s.Append(ctx, workItem("s1", 0, "immutable"))
	require.NoError(t, err)

	env.Payload[2] = 'X'
	got, err := s.GetEvent(ctx, env.EventID)
	require.NoError(t, err)
	assert.NoError(t, events.VerifyHash(got))

	read, _ := s.ReadStream(ctx, "s1", 0, 0)
	read[0].EventType = "Tampered"
	again, _ := s.GetEvent(ctx, env.EventID)
	assert.Equal(t, events.WorkItemCreated, again.EventType)

	_, err = s.GetEvent(ctx, "evt_missing")
	assert.True(t, errors.Is(err, ErrEventNotFound))
}

func TestMemoryStore_Outbox(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(WithClock(fixedClock))

	env, err := s.Append(ctx, workItem("s1", 0, "ship it"))
	require.NoError(t, err)
	_, err = s.Append(ctx, activate("s1", 1))
	require.NoError(t, err)

	recs, err := s.FetchUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	rec := recs[0]
	assert.Equal(t, env.GlobalSeq, rec.GlobalSeq)
	assert.Equal(t, env.EventID, rec.EventID)
	assert.Equal(t, "kernel.events.work_item", rec.Topic)
	assert.Equal(t, canonicalize.ContentHash(rec.Message), rec.MessageHash)

	var decoded events.Envelope
	require.NoError(t, json.Unmarshal(rec.Message, &decoded))
	assert.Equal(t, env.EnvelopeHash, decoded.EnvelopeHash)

	require.NoError(t, s.RecordFailure(ctx, rec.GlobalSeq, "broker down"))
	recs, _ = s.FetchUnpublished(ctx, 10)
	assert.Equal(t, 1, recs[0].Attempts)
	assert.Equal(t, "broker down", recs[0].LastError)

	require.NoError(t, s.MarkPublished(ctx, rec.GlobalSeq, fixedTime))
	recs, _ = s.FetchUnpublished(ctx, 10)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(2), recs[0].GlobalSeq)

	n, _ := s.UnpublishedCount(ctx)
	assert.Equal(t, int64(1), n)

	assert.Error(t, s.MarkPublished(ctx, 99, fixedTime))
}

func TestMemoryStore_OccurredAtTruncated(t *testing.T) {
	s := NewMemoryStore(WithClock(fixedClock))
	env, err := s.Append(context.Background(), workItem("s1", 0, "t"))
	require.NoError(t, err)
	assert.Equal(t, fixedTime.Truncate(time.Microsecond), env.OccurredAt)
}
