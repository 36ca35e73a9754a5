package graph

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sgttomas/solver-ralph-sub008/pkg/events"
	"github.com/sgttomas/solver-ralph-sub008/pkg/projection"
)

// scanFunc lists rows of one table under a key prefix, ordered by key. It
// lets the same traversal run inside an apply (over a change set) and in
// queries (over committed rows).
type scanFunc func(table, prefix string) ([]projection.Row, error)

type direction int

const (
	// downstream follows edges_out: what a node depends on.
	downstream direction = iota
	// upstream follows edges_in: what depends on a node.
	upstream
)

// Reached is a node found by a traversal.
type Reached struct {
	ID    string `json:"id"`
	Depth int    `json:"depth"`
	Via   string `json:"via"`
}

// Traversal is the result of Dependencies or Dependents, ordered by
// (depth, id). Truncated means nodes exist beyond the bound.
type Traversal struct {
	Root      string    `json:"root"`
	Nodes     []Reached `json:"nodes"`
	Truncated bool      `json:"truncated"`
	Cause     string    `json:"cause,omitempty"`
}

// IDs returns the reached node ids in traversal order.
func (t Traversal) IDs() []string {
	out := make([]string, len(t.Nodes))
	for i, n := range t.Nodes {
		out[i] = n.ID
	}
	return out
}

func neighbors(scan scanFunc, node string, dir direction) ([]string, error) {
	table := tableEdgesOut
	if dir == upstream {
		table = tableEdgesIn
	}
	rows, err := scan(table, projection.Key(node, events.RelDependsOn)+projection.KeySep)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		var e Edge
		if err := json.Unmarshal(r.Data, &e); err != nil {
			return nil, fmt.Errorf("decode edge %q: %w", r.Key, err)
		}
		if dir == upstream {
			out = append(out, e.From)
		} else {
			out = append(out, e.To)
		}
	}
	sort.Strings(out)
	return out, nil
}

// walk runs a breadth-first traversal over depends_on edges from start.
// A negative maxDepth is unbounded; maxNodes <= 0 means no fan-out bound.
func walk(scan scanFunc, start string, dir direction, maxDepth, maxNodes int) (Traversal, error) {
	t := Traversal{Root: start, Nodes: []Reached{}}
	visited := map[string]bool{start: true}
	frontier := []string{start}

	for depth := 1; len(frontier) > 0; depth++ {
		var next []string
		for _, n := range frontier {
			adj, err := neighbors(scan, n, dir)
			if err != nil {
				return Traversal{}, err
			}
			for _, nb := range adj {
				if visited[nb] {
					continue
				}
				if maxDepth >= 0 && depth > maxDepth {
					t.Truncated, t.Cause = true, TruncatedDepth
					return finish(t), nil
				}
				if maxNodes > 0 && len(t.Nodes) >= maxNodes {
					t.Truncated, t.Cause = true, TruncatedFanout
					return finish(t), nil
				}
				visited[nb] = true
				t.Nodes = append(t.Nodes, Reached{ID: nb, Depth: depth, Via: n})
				next = append(next, nb)
			}
		}
		sort.Strings(next)
		frontier = next
	}
	return finish(t), nil
}

func finish(t Traversal) Traversal {
	sort.SliceStable(t.Nodes, func(i, j int) bool {
		if t.Nodes[i].Depth != t.Nodes[j].Depth {
			return t.Nodes[i].Depth < t.Nodes[j].Depth
		}
		return t.Nodes[i].ID < t.Nodes[j].ID
	})
	return t
}

// reaches reports whether to is reachable from from over depends_on edges.
func reaches(scan scanFunc, from, to string, maxDepth int) (bool, error) {
	if from == to {
		return true, nil
	}
	t, err := walk(scan, from, downstream, maxDepth, 0)
	if err != nil {
		return false, err
	}
	for _, n := range t.Nodes {
		if n.ID == to {
			return true, nil
		}
	}
	return false, nil
}
