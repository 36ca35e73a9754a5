package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sgttomas/solver-ralph-sub008/pkg/events"
)

// MemoryStore is an in-process EventStore. Committed events are held by
// value and only ever copied out.
type MemoryStore struct {
	mu      sync.RWMutex
	opts    options
	log     []events.Envelope
	byID    map[string]int
	streams map[string][]int
	outbox  []OutboxRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:    buildOptions(opts),
		byID:    make(map[string]int),
		streams: make(map[string][]int),
	}
}

func (s *MemoryStore) Append(ctx context.Context, req AppendRequest) (events.Envelope, error) {
	if err := prepare(s.opts.validator, &req); err != nil {
		return events.Envelope{}, err
	}
	if err := ctx.Err(); err != nil {
		return events.Envelope{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.byID[req.EventID]; ok {
		existing := s.log[idx]
		if err := sameSubmission(existing, req); err != nil {
			return events.Envelope{}, err
		}
		return existing.Clone(), nil
	}

	version := int64(len(s.streams[req.StreamID]))
	if version != req.ExpectedVersion {
		return events.Envelope{}, &ConcurrencyConflictError{StreamID: req.StreamID, Expected: req.ExpectedVersion, Actual: version}
	}

	globalSeq := int64(len(s.log)) + 1
	env, err := seal(req, version+1, globalSeq, s.opts.now())
	if err != nil {
		return events.Envelope{}, err
	}
	rec, _, err := newOutboxRecord(env)
	if err != nil {
		return events.Envelope{}, err
	}

	env = env.Clone()
	s.log = append(s.log, env)
	s.byID[env.EventID] = len(s.log) - 1
	s.streams[env.StreamID] = append(s.streams[env.StreamID], len(s.log)-1)
	s.outbox = append(s.outbox, rec)
	return env.Clone(), nil
}

func (s *MemoryStore) ReadStream(ctx context.Context, streamID string, fromSeq int64, limit int) ([]events.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idxs := s.streams[streamID]
	limit = readLimit(limit)
	var out []events.Envelope
	for i := fromSeq; i < int64(len(idxs)) && len(out) < limit; i++ {
		if i < 0 {
			continue
		}
		out = append(out, s.log[idxs[i]].Clone())
	}
	return out, nil
}

func (s *MemoryStore) ReadGlobal(ctx context.Context, fromGlobalSeq int64, limit int) ([]events.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if fromGlobalSeq < 0 {
		fromGlobalSeq = 0
	}
	limit = readLimit(limit)
	var out []events.Envelope
	for i := fromGlobalSeq; i < int64(len(s.log)) && len(out) < limit; i++ {
		out = append(out, s.log[i].Clone())
	}
	return out, nil
}

func (s *MemoryStore) StreamVersion(ctx context.Context, streamID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.streams[streamID])), nil
}

func (s *MemoryStore) Head(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.log)), nil
}

func (s *MemoryStore) GetEvent(ctx context.Context, eventID string) (events.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[eventID]
	if !ok {
		return events.Envelope{}, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	return s.log[idx].Clone(), nil
}

func (s *MemoryStore) FetchUnpublished(ctx context.Context, limit int) ([]OutboxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = readLimit(limit)
	var out []OutboxRecord
	for _, rec := range s.outbox {
		if rec.PublishedAt != nil {
			continue
		}
		rec.Message = append([]byte(nil), rec.Message...)
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkPublished(ctx context.Context, globalSeq int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.outboxRecord(globalSeq)
	if err != nil {
		return err
	}
	if rec.PublishedAt == nil {
		t := at.UTC()
		rec.PublishedAt = &t
	}
	return nil
}

func (s *MemoryStore) RecordFailure(ctx context.Context, globalSeq int64, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.outboxRecord(globalSeq)
	if err != nil {
		return err
	}
	if rec.PublishedAt == nil {
		rec.Attempts++
		rec.LastError = cause
	}
	return nil
}

func (s *MemoryStore) UnpublishedCount(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, rec := range s.outbox {
		if rec.PublishedAt == nil {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) outboxRecord(globalSeq int64) (*OutboxRecord, error) {
	if globalSeq < 1 || globalSeq > int64(len(s.outbox)) {
		return nil, fmt.Errorf("%w: outbox record %d", ErrEventNotFound, globalSeq)
	}
	return &s.outbox[globalSeq-1], nil
}
