package projection

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// RowTx is a write transaction over one projection namespace. Checkpoint
// takes the namespace's writer lock for the life of the transaction.
type RowTx interface {
	Reader
	Checkpoint(ctx context.Context) (Checkpoint, error)
	Put(ctx context.Context, table, key string, data json.RawMessage) error
	Delete(ctx context.Context, table, key string) error
	SetCheckpoint(ctx context.Context, cp Checkpoint) error
	Commit() error
	Rollback() error
}

// RowStore persists projection rows and checkpoints.
type RowStore interface {
	Begin(ctx context.Context, projection string) (RowTx, error)
	Reader(projection string) Reader
	Checkpoint(ctx context.Context, projection string) (Checkpoint, error)
	// Rows returns every row of the projection ordered by (table, key).
	Rows(ctx context.Context, projection string) ([]Row, error)
	Drop(ctx context.Context, projection string) error
	// Promote atomically replaces dst's rows and checkpoint with src's and
	// removes src.
	Promote(ctx context.Context, src, dst string) error
	Halt(ctx context.Context, projection, reason string, at time.Time) error
	Halted(ctx context.Context, projection string) (string, bool, error)
	Resume(ctx context.Context, projection string) error
}

var errTxDone = errors.New("row transaction already finished")

func sortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Table != rows[j].Table {
			return rows[i].Table < rows[j].Table
		}
		return rows[i].Key < rows[j].Key
	})
}

type memSpace struct {
	rows map[string]Row
	cp   Checkpoint
}

// MemoryRowStore keeps projection state in process memory.
type MemoryRowStore struct {
	mu      sync.RWMutex
	spaces  map[string]*memSpace
	halts   map[string]string
	writers map[string]*sync.Mutex
}

func NewMemoryRowStore() *MemoryRowStore {
	return &MemoryRowStore{
		spaces:  make(map[string]*memSpace),
		halts:   make(map[string]string),
		writers: make(map[string]*sync.Mutex),
	}
}

func (s *MemoryRowStore) writer(projection string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.writers[projection]
	if !ok {
		w = &sync.Mutex{}
		s.writers[projection] = w
	}
	return w
}

func (s *MemoryRowStore) space(projection string) *memSpace {
	sp, ok := s.spaces[projection]
	if !ok {
		sp = &memSpace{rows: make(map[string]Row)}
		s.spaces[projection] = sp
	}
	return sp
}

func (s *MemoryRowStore) Begin(ctx context.Context, projection string) (RowTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memTx{store: s, projection: projection, pending: make(map[string]*Row)}, nil
}

func (s *MemoryRowStore) Reader(projection string) Reader {
	return memReader{store: s, projection: projection}
}

func (s *MemoryRowStore) Checkpoint(ctx context.Context, projection string) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sp, ok := s.spaces[projection]; ok {
		return sp.cp, nil
	}
	return Checkpoint{}, nil
}

func (s *MemoryRowStore) Rows(ctx context.Context, projection string) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.spaces[projection]
	if !ok {
		return nil, nil
	}
	out := make([]Row, 0, len(sp.rows))
	for _, r := range sp.rows {
		out = append(out, copyRow(r))
	}
	sortRows(out)
	return out, nil
}

func (s *MemoryRowStore) Drop(ctx context.Context, projection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.spaces, projection)
	return nil
}

func (s *MemoryRowStore) Promote(ctx context.Context, src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.spaces[src]
	if !ok {
		sp = &memSpace{rows: make(map[string]Row)}
	}
	s.spaces[dst] = sp
	delete(s.spaces, src)
	return nil
}

func (s *MemoryRowStore) Halt(ctx context.Context, projection, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halts[projection] = reason
	return nil
}

func (s *MemoryRowStore) Halted(ctx context.Context, projection string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reason, ok := s.halts[projection]
	return reason, ok, nil
}

func (s *MemoryRowStore) Resume(ctx context.Context, projection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.halts, projection)
	return nil
}

func copyRow(r Row) Row {
	r.Data = append(json.RawMessage(nil), r.Data...)
	return r
}

func (s *MemoryRowStore) get(projection, table, key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.spaces[projection]
	if !ok {
		return nil, false
	}
	r, ok := sp.rows[rowID(table, key)]
	if !ok {
		return nil, false
	}
	return copyRow(r).Data, true
}

func (s *MemoryRowStore) scan(projection, table, prefix string) []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.spaces[projection]
	if !ok {
		return nil
	}
	var out []Row
	for _, r := range sp.rows {
		if r.Table == table && strings.HasPrefix(r.Key, prefix) {
			out = append(out, copyRow(r))
		}
	}
	sortRows(out)
	return out
}

type memReader struct {
	store      *MemoryRowStore
	projection string
}

func (r memReader) Get(ctx context.Context, table, key string) (json.RawMessage, bool, error) {
	data, ok := r.store.get(r.projection, table, key)
	return data, ok, nil
}

func (r memReader) Scan(ctx context.Context, table, prefix string) ([]Row, error) {
	return r.store.scan(r.projection, table, prefix), nil
}

type memTx struct {
	store      *MemoryRowStore
	projection string
	lock       *sync.Mutex
	pending    map[string]*Row
	cp         *Checkpoint
	done       bool
}

func (t *memTx) Checkpoint(ctx context.Context) (Checkpoint, error) {
	if t.done {
		return Checkpoint{}, errTxDone
	}
	if t.lock == nil {
		t.lock = t.store.writer(t.projection)
		t.lock.Lock()
	}
	if t.cp != nil {
		return *t.cp, nil
	}
	return t.store.Checkpoint(ctx, t.projection)
}

func (t *memTx) Get(ctx context.Context, table, key string) (json.RawMessage, bool, error) {
	if r, ok := t.pending[rowID(table, key)]; ok {
		if r == nil {
			return nil, false, nil
		}
		return r.Data, true, nil
	}
	data, ok := t.store.get(t.projection, table, key)
	return data, ok, nil
}

func (t *memTx) Scan(ctx context.Context, table, prefix string) ([]Row, error) {
	merged := make(map[string]Row)
	for _, r := range t.store.scan(t.projection, table, prefix) {
		merged[r.Key] = r
	}
	for id, r := range t.pending {
		tbl, key, _ := strings.Cut(id, "\x00")
		if tbl != table || !strings.HasPrefix(key, prefix) {
			continue
		}
		if r == nil {
			delete(merged, key)
		} else {
			merged[key] = *r
		}
	}
	out := make([]Row, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	sortRows(out)
	return out, nil
}

func (t *memTx) Put(ctx context.Context, table, key string, data json.RawMessage) error {
	if t.done {
		return errTxDone
	}
	t.pending[rowID(table, key)] = &Row{Table: table, Key: key, Data: append(json.RawMessage(nil), data...)}
	return nil
}

func (t *memTx) Delete(ctx context.Context, table, key string) error {
	if t.done {
		return errTxDone
	}
	t.pending[rowID(table, key)] = nil
	return nil
}

func (t *memTx) SetCheckpoint(ctx context.Context, cp Checkpoint) error {
	if t.done {
		return errTxDone
	}
	t.cp = &cp
	return nil
}

func (t *memTx) Commit() error {
	if t.done {
		return errTxDone
	}
	t.store.mu.Lock()
	sp := t.store.space(t.projection)
	for id, r := range t.pending {
		if r == nil {
			delete(sp.rows, id)
		} else {
			sp.rows[id] = *r
		}
	}
	if t.cp != nil {
		sp.cp = *t.cp
	}
	t.store.mu.Unlock()
	t.finish()
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

func (t *memTx) finish() {
	t.done = true
	t.pending = nil
	if t.lock != nil {
		t.lock.Unlock()
	}
}
