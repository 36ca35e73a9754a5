package graph

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sgttomas/solver-ralph-sub008/pkg/projection"
)

// Query answers graph questions over committed graph rows.
type Query struct {
	r      projection.Reader
	limits Limits
}

func NewQuery(r projection.Reader, limits Limits) *Query {
	return &Query{r: r, limits: limits.normalized()}
}

func (q *Query) scanner(ctx context.Context) scanFunc {
	return func(table, prefix string) ([]projection.Row, error) {
		return q.r.Scan(ctx, table, prefix)
	}
}

func (q *Query) depth(maxDepth int) int {
	if maxDepth <= 0 {
		return q.limits.MaxDepth
	}
	return maxDepth
}

// Node returns a graph node.
func (q *Query) Node(ctx context.Context, id string) (Node, bool, error) {
	var n Node
	ok, err := q.get(ctx, tableNodes, id, &n)
	return n, ok, err
}

// Edges returns every outgoing edge of node, all relations included.
func (q *Query) Edges(ctx context.Context, node string) ([]Edge, error) {
	return scanRows[Edge](ctx, q.r, tableEdgesOut, nodePrefix(node))
}

// Dependencies returns what node transitively depends on. maxDepth <= 0
// uses the configured bound.
func (q *Query) Dependencies(ctx context.Context, node string, maxDepth int) (Traversal, error) {
	return walk(q.scanner(ctx), node, downstream, q.depth(maxDepth), 0)
}

// Dependents returns what transitively depends on node.
func (q *Query) Dependents(ctx context.Context, node string, maxDepth int) (Traversal, error) {
	return walk(q.scanner(ctx), node, upstream, q.depth(maxDepth), 0)
}

// OpenMarkers returns the unresolved markers whose dependent is node,
// ordered by root.
func (q *Query) OpenMarkers(ctx context.Context, node string) ([]Marker, error) {
	ids, err := scanRows[idRow](ctx, q.r, tableStaleByNode, nodePrefix(node))
	if err != nil {
		return nil, err
	}
	out := make([]Marker, 0, len(ids))
	for _, id := range ids {
		m, ok, err := q.Marker(ctx, id.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("graph: index points at missing marker %q", id.ID)
		}
		out = append(out, m)
	}
	return out, nil
}

// HasUnresolvedStaleness is the hard eligibility gate: true while node has
// any open marker.
func (q *Query) HasUnresolvedStaleness(ctx context.Context, node string) (bool, error) {
	rows, err := q.r.Scan(ctx, tableStaleByNode, nodePrefix(node))
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (q *Query) Marker(ctx context.Context, id string) (Marker, bool, error) {
	var m Marker
	ok, err := q.get(ctx, tableStale, id, &m)
	return m, ok, err
}

// OpenTruncations returns unresolved truncations rooted at node or at
// anything node depends on. Such a propagation may have stopped before
// reaching node.
func (q *Query) OpenTruncations(ctx context.Context, node string) ([]Truncation, error) {
	deps, err := walk(q.scanner(ctx), node, downstream, -1, 0)
	if err != nil {
		return nil, err
	}
	roots := append([]string{node}, deps.IDs()...)
	var out []Truncation
	for _, root := range roots {
		ts, err := scanRows[Truncation](ctx, q.r, tableTruncations, nodePrefix(root))
		if err != nil {
			return nil, err
		}
		for _, t := range ts {
			if t.Open() {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

// WouldCycle reports whether adding from -depends_on-> to would close a
// cycle, i.e. whether from is already reachable from to. maxDepth <= 0
// searches the whole graph.
func (q *Query) WouldCycle(ctx context.Context, from, to string, maxDepth int) (bool, error) {
	if maxDepth <= 0 {
		maxDepth = -1
	}
	return reaches(q.scanner(ctx), to, from, maxDepth)
}

// RejectedEdges lists depends_on edges skipped because they closed a cycle.
func (q *Query) RejectedEdges(ctx context.Context) ([]RejectedEdge, error) {
	return scanRows[RejectedEdge](ctx, q.r, tableRejectedEdges, "")
}

// UnmatchedResolutions lists StalenessResolved events that closed nothing.
func (q *Query) UnmatchedResolutions(ctx context.Context) ([]map[string]string, error) {
	return scanRows[map[string]string](ctx, q.r, tableUnmatched, "")
}

func (q *Query) get(ctx context.Context, table, key string, v any) (bool, error) {
	raw, ok, err := q.r.Get(ctx, table, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", table, key, err)
	}
	return true, nil
}

func scanRows[T any](ctx context.Context, r projection.Reader, table, prefix string) ([]T, error) {
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
