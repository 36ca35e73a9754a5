// Package graph maintains the dependency graph between governed entities
// and the staleness markers that flow along its blocking edges.
//
// The graph is an ordinary projection: nodes, edges and markers are rows
// keyed by stable identifiers, so a rebuild from the log reproduces them
// exactly. Only depends_on edges block; every other relation is recorded
// for navigation.
package graph

import (
	"fmt"
	"time"

	"github.com/sgttomas/solver-ralph-sub008/pkg/projection"
)

// ProjectionName is the name the graph registers under.
const ProjectionName = "graph"

const (
	tableNodes         = "nodes"
	tableEdgesOut      = "edges_out"
	tableEdgesIn       = "edges_in"
	tableStale         = "stale"
	tableStaleByNode   = "stale_by_node"
	tableTruncations   = "truncations"
	tableRejectedEdges = "rejected_edges"
	tableUnmatched     = "unmatched_resolutions"
)

// Staleness reason codes.
const (
	ReasonGovernedArtifactChanged = "GOVERNED_ARTIFACT_CHANGED"
	ReasonOracleSuiteRebased      = "ORACLE_SUITE_REBASED"
	ReasonExceptionActivated      = "EXCEPTION_ACTIVATED"
	ReasonDependencyStale         = "DEPENDENCY_STALE"
	ReasonManualMark              = "MANUAL_MARK"
)

// Truncation causes.
const (
	TruncatedDepth  = "depth"
	TruncatedFanout = "fanout"
)

// Limits bound traversal and propagation. They are part of the graph's
// definition: changing them changes what a rebuild produces.
type Limits struct {
	MaxDepth  int
	MaxFanout int
}

func DefaultLimits() Limits {
	return Limits{MaxDepth: 10, MaxFanout: 1000}
}

func (l Limits) normalized() Limits {
	d := DefaultLimits()
	if l.MaxDepth <= 0 {
		l.MaxDepth = d.MaxDepth
	}
	if l.MaxFanout <= 0 {
		l.MaxFanout = d.MaxFanout
	}
	return l
}

// Node is a graph vertex. ID is "<kind>:<id>".
type Node struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Ref     string `json:"ref"`
	Current string `json:"current,omitempty"`
	// LastCurrent survives withdrawal of the current version.
	LastCurrent string    `json:"last_current,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	EventID     string    `json:"event_id"`
}

// Edge is a directed relation From -Rel-> To.
type Edge struct {
	From      string            `json:"from"`
	To        string            `json:"to"`
	Rel       string            `json:"rel"`
	Meta      map[string]string `json:"meta,omitempty"`
	EventID   string            `json:"event_id"`
	CreatedAt time.Time         `json:"created_at"`
}

// Marker records that Dependent is outdated relative to a change at Root.
type Marker struct {
	ID                string     `json:"id"`
	Root              string     `json:"root"`
	Dependent         string     `json:"dependent"`
	Reason            string     `json:"reason"`
	Detail            string     `json:"detail,omitempty"`
	Depth             int        `json:"depth"`
	Via               string     `json:"via,omitempty"`
	EventID           string     `json:"event_id"`
	MarkedAt          time.Time  `json:"marked_at"`
	MarkedBy          string     `json:"marked_by"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy        string     `json:"resolved_by,omitempty"`
	ResolutionEventID string     `json:"resolution_event_id,omitempty"`
	EvidenceBundleID  string     `json:"evidence_bundle_id,omitempty"`
}

func (m Marker) Open() bool { return m.ResolvedAt == nil }

// Truncation records a propagation that stopped at a bound. Dependents
// beyond it were not marked; the row stays open until resolved.
type Truncation struct {
	Root              string     `json:"root"`
	Cause             string     `json:"cause"`
	Limit             int        `json:"limit"`
	Marked            int        `json:"marked"`
	EventID           string     `json:"event_id"`
	TruncatedAt       time.Time  `json:"truncated_at"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
	ResolutionEventID string     `json:"resolution_event_id,omitempty"`
}

func (t Truncation) Open() bool { return t.ResolvedAt == nil }

// RejectedEdge is a depends_on edge that would have closed a cycle.
type RejectedEdge struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Rel     string `json:"rel"`
	EventID string `json:"event_id"`
	Reason  string `json:"reason"`
}

type idRow struct {
	ID string `json:"id"`
}

func outKey(from, rel, to string) string { return projection.Key(from, rel, to) }
func inKey(to, rel, from string) string  { return projection.Key(to, rel, from) }
func nodePrefix(id string) string        { return id + projection.KeySep }

func seqKey(seq int64) string { return fmt.Sprintf("%020d", seq) }
