// Package readmodel holds the kernel's concrete projections and the typed
// queries over their rows.
package readmodel

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sgttomas/solver-ralph-sub008/pkg/events"
	"github.com/sgttomas/solver-ralph-sub008/pkg/projection"
)

type handler func(cs *projection.ChangeSet, env events.Envelope) error

// router dispatches events to typed handlers. Payloads are decoded before
// the handler runs.
type router struct {
	name     string
	handlers map[string]handler
}

func newRouter(name string) *router {
	return &router{name: name, handlers: make(map[string]handler)}
}

// handle registers fn for eventType with a payload decoded into P.
func handle[P any](r *router, eventType string, fn func(*projection.ChangeSet, events.Envelope, P) error) {
	r.handlers[eventType] = func(cs *projection.ChangeSet, env events.Envelope) error {
		var p P
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		return fn(cs, env, p)
	}
}

func (r *router) Name() string { return r.name }

func (r *router) Handles(eventType string) bool {
	_, ok := r.handlers[eventType]
	return ok
}

func (r *router) Apply(_ context.Context, cs *projection.ChangeSet, env events.Envelope) error {
	h, ok := r.handlers[env.EventType]
	if !ok {
		return fmt.Errorf("%s: unhandled event type %s", r.name, env.EventType)
	}
	return h(cs, env)
}

// HandledTypes lists the event types the projection consumes, sorted.
func (r *router) HandledTypes() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// All returns every read model projection, graph excluded.
func All() []projection.Projection {
	return []projection.Projection{
		WorkItems(),
		Candidates(),
		Runs(),
		Evidence(),
		Artifacts(),
		Suites(),
		Approvals(),
		Decisions(),
		Exceptions(),
		Integrity(),
	}
}

// seqKey orders index rows by commit position.
func seqKey(seq int64) string { return fmt.Sprintf("%020d", seq) }

type marker struct {
	ID string `json:"id"`
}

func get[T any](ctx context.Context, r projection.Reader, table, key string) (T, bool, error) {
	var v T
	raw, ok, err := r.Get(ctx, table, key)
	if err != nil || !ok {
		return v, ok, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("decode %s/%s: %w", table, key, err)
	}
	return v, true, nil
}

func scan[T any](ctx context.Context, r projection.Reader, table, prefix string) ([]T, error) {
	rows, err := r.Scan(ctx, table, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		var v T
		if err := json.Unmarshal(row.Data, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", table, row.Key, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// indexed resolves index rows under prefix to records in table.
func indexed[T any](ctx context.Context, r projection.Reader, index, prefix, table string) ([]T, error) {
	ids, err := scan[marker](ctx, r, index, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(ids))
	for _, m := range ids {
		v, ok, err := get[T](ctx, r, table, m.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// prefixOf is the index prefix for all rows under id.
func prefixOf(id string) string { return id + projection.KeySep }
