package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sgttomas/solver-ralph-sub008/pkg/canonicalize"
)

type mutation struct {
	table, key string
	data       json.RawMessage // nil deletes
}

// ChangeSet buffers the row mutations of one Apply over a read view.
// Reads observe the buffered writes.
type ChangeSet struct {
	ctx     context.Context
	base    Reader
	pending map[string]mutation
}

// NewChangeSet creates an empty change set over base.
func NewChangeSet(ctx context.Context, base Reader) *ChangeSet {
	return &ChangeSet{ctx: ctx, base: base, pending: make(map[string]mutation)}
}

func rowID(table, key string) string { return table + "\x00" + key }

// Get returns the raw row, if present.
func (c *ChangeSet) Get(table, key string) (json.RawMessage, bool, error) {
	if m, ok := c.pending[rowID(table, key)]; ok {
		if m.data == nil {
			return nil, false, nil
		}
		return m.data, true, nil
	}
	return c.base.Get(c.ctx, table, key)
}

// GetJSON decodes the row into v and reports whether it existed.
func (c *ChangeSet) GetJSON(table, key string, v interface{}) (bool, error) {
	raw, ok, err := c.Get(table, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", table, key, err)
	}
	return true, nil
}

// Put stores v as canonical JSON.
func (c *ChangeSet) Put(table, key string, v interface{}) error {
	data, err := canonicalize.JCS(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", table, key, err)
	}
	c.pending[rowID(table, key)] = mutation{table: table, key: key, data: data}
	return nil
}

func (c *ChangeSet) Delete(table, key string) {
	c.pending[rowID(table, key)] = mutation{table: table, key: key}
}

// Scan merges committed rows with pending writes, ordered by key.
func (c *ChangeSet) Scan(table, prefix string) ([]Row, error) {
	base, err := c.base.Scan(c.ctx, table, prefix)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]Row, len(base))
	for _, r := range base {
		merged[r.Key] = r
	}
	for _, m := range c.pending {
		if m.table != table || !strings.HasPrefix(m.key, prefix) {
			continue
		}
		if m.data == nil {
			delete(merged, m.key)
		} else {
			merged[m.key] = Row{Table: table, Key: m.key, Data: m.data}
		}
	}
	out := make([]Row, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Len is the number of buffered mutations.
func (c *ChangeSet) Len() int { return len(c.pending) }

// mutations returns the buffer in (table, key) order so that every backend
// sees the same write sequence.
func (c *ChangeSet) mutations() []mutation {
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]mutation, len(ids))
	for i, id := range ids {
		out[i] = c.pending[id]
	}
	return out
}

func (c *ChangeSet) flush(ctx context.Context, tx RowTx) error {
	for _, m := range c.mutations() {
		var err error
		if m.data == nil {
			err = tx.Delete(ctx, m.table, m.key)
		} else {
			err = tx.Put(ctx, m.table, m.key, m.data)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
