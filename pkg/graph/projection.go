package graph

import (
	"context"
	"strings"

	"github.com/sgttomas/solver-ralph-sub008/pkg/events"
	"github.com/sgttomas/solver-ralph-sub008/pkg/projection"
)

// Graph is the dependency graph projection.
type Graph struct {
	limits Limits
}

// New returns the graph projection with the given propagation bounds.
func New(limits Limits) *Graph {
	return &Graph{limits: limits.normalized()}
}

func (g *Graph) Name() string { return ProjectionName }

func (g *Graph) Limits() Limits { return g.limits }

func (g *Graph) Handles(eventType string) bool {
	switch eventType {
	case events.NodeMarkedStale, events.StalenessResolved:
		return true
	}
	return events.SubjectKind(eventType) != ""
}

// apply carries one event's state through the handlers.
type apply struct {
	g    *Graph
	cs   *projection.ChangeSet
	env  events.Envelope
	scan scanFunc
}

func (g *Graph) Apply(_ context.Context, cs *projection.ChangeSet, env events.Envelope) error {
	a := &apply{g: g, cs: cs, env: env, scan: cs.Scan}

	subject, hasSubject := events.SubjectNode(env)
	if hasSubject {
		if err := a.ensureNode(subject); err != nil {
			return err
		}
	}
	for _, ref := range env.Refs {
		target := events.NodeID(ref.Kind, ref.ID)
		if err := a.ensureNode(target); err != nil {
			return err
		}
		if hasSubject {
			if err := a.addEdge(subject, target, ref); err != nil {
				return err
			}
		}
	}

	switch env.EventType {
	case events.GovernedArtifactVersionRecorded:
		return a.artifactVersion(subject)
	case events.OracleSuiteRebased:
		return a.propagate(subject, subject, 0, ReasonOracleSuiteRebased, "")
	case events.ExceptionActivated:
		return a.propagate(subject, subject, 0, ReasonExceptionActivated, "")
	case events.NodeMarkedStale:
		return a.manualMark()
	case events.StalenessResolved:
		return a.resolve()
	}
	return nil
}

func (a *apply) ensureNode(id string) error {
	if _, ok, err := a.cs.Get(tableNodes, id); err != nil || ok {
		return err
	}
	kind, ref, _ := strings.Cut(id, ":")
	return a.cs.Put(tableNodes, id, Node{
		ID:        id,
		Kind:      kind,
		Ref:       ref,
		CreatedAt: a.env.OccurredAt,
		EventID:   a.env.EventID,
	})
}

func (a *apply) addEdge(from, to string, ref events.Ref) error {
	rel := events.NormalizeRel(ref.Rel)
	if _, ok, err := a.cs.Get(tableEdgesOut, outKey(from, rel, to)); err != nil || ok {
		return err
	}
	if events.IsBlocking(rel) {
		cyclic, err := reaches(a.scan, to, from, -1)
		if err != nil {
			return err
		}
		if cyclic {
			return a.cs.Put(tableRejectedEdges, projection.Key(from, to, a.env.EventID), RejectedEdge{
				From:    from,
				To:      to,
				Rel:     rel,
				EventID: a.env.EventID,
				Reason:  "cycle",
			})
		}
	}
	e := Edge{
		From:      from,
		To:        to,
		Rel:       rel,
		Meta:      ref.Meta,
		EventID:   a.env.EventID,
		CreatedAt: a.env.OccurredAt,
	}
	if err := a.cs.Put(tableEdgesOut, outKey(from, rel, to), e); err != nil {
		return err
	}
	return a.cs.Put(tableEdgesIn, inKey(to, rel, from), e)
}

type artifactVersion struct {
	Version   string `json:"version"`
	IsCurrent bool   `json:"is_current"`
}

// artifactVersion tracks the current version on the artifact node and
// propagates when a version other than the last current one becomes current.
// Withdrawing the current version clears Current but not LastCurrent.
func (a *apply) artifactVersion(node string) error {
	var p artifactVersion
	if err := a.env.DecodePayload(&p); err != nil {
		return err
	}
	var n Node
	if _, err := a.cs.GetJSON(tableNodes, node, &n); err != nil {
		return err
	}
	last := n.LastCurrent
	if last == "" {
		last = n.Current
	}
	switch {
	case p.IsCurrent:
		n.Current = p.Version
		n.LastCurrent = p.Version
	case n.Current == p.Version:
		n.Current = ""
		n.LastCurrent = last
	default:
		return nil
	}
	if err := a.cs.Put(tableNodes, node, n); err != nil {
		return err
	}
	if p.IsCurrent && last != "" && last != p.Version {
		return a.propagate(node, node, 0, ReasonGovernedArtifactChanged, last+" -> "+p.Version)
	}
	return nil
}

type manualMark struct {
	Root      string `json:"root"`
	Dependent string `json:"dependent"`
	Detail    string `json:"detail"`
}

func (a *apply) manualMark() error {
	var p manualMark
	if err := a.env.DecodePayload(&p); err != nil {
		return err
	}
	if err := a.ensureNode(p.Root); err != nil {
		return err
	}
	if p.Dependent == "" {
		return a.propagate(p.Root, p.Root, 0, ReasonManualMark, p.Detail)
	}
	if err := a.ensureNode(p.Dependent); err != nil {
		return err
	}
	if _, err := a.mark(p.Root, p.Dependent, ReasonManualMark, p.Detail, 1, p.Root); err != nil {
		return err
	}
	return a.propagate(p.Root, p.Dependent, 1, ReasonManualMark, p.Detail)
}

// propagate marks the dependents of start as stale relative to root.
// baseDepth is the depth of start below root. Dependents at depth one get
// reason; deeper ones get DEPENDENCY_STALE.
func (a *apply) propagate(root, start string, baseDepth int, reason, detail string) error {
	t, err := walk(a.scan, start, upstream, a.g.limits.MaxDepth-baseDepth, a.g.limits.MaxFanout)
	if err != nil {
		return err
	}
	marked := 0
	for _, n := range t.Nodes {
		if n.ID == root {
			continue
		}
		depth := baseDepth + n.Depth
		r := reason
		if depth > 1 {
			r = ReasonDependencyStale
		}
		created, err := a.mark(root, n.ID, r, detail, depth, n.Via)
		if err != nil {
			return err
		}
		if created {
			marked++
		}
	}
	if !t.Truncated {
		return nil
	}
	limit := a.g.limits.MaxDepth
	if t.Cause == TruncatedFanout {
		limit = a.g.limits.MaxFanout
	}
	return a.cs.Put(tableTruncations, projection.Key(root, seqKey(a.env.GlobalSeq)), Truncation{
		Root:        root,
		Cause:       t.Cause,
		Limit:       limit,
		Marked:      marked,
		EventID:     a.env.EventID,
		TruncatedAt: a.env.OccurredAt,
	})
}

// mark inserts a marker unless dependent already has an open one for root.
func (a *apply) mark(root, dependent, reason, detail string, depth int, via string) (bool, error) {
	openKey := projection.Key(dependent, root)
	if _, ok, err := a.cs.Get(tableStaleByNode, openKey); err != nil || ok {
		return false, err
	}
	m := Marker{
		ID:        events.DerivedID("stale_", a.env.EventID+"/"+dependent),
		Root:      root,
		Dependent: dependent,
		Reason:    reason,
		Detail:    detail,
		Depth:     depth,
		Via:       via,
		EventID:   a.env.EventID,
		MarkedAt:  a.env.OccurredAt,
		MarkedBy:  a.env.Actor.ID,
	}
	if err := a.cs.Put(tableStale, m.ID, m); err != nil {
		return false, err
	}
	return true, a.cs.Put(tableStaleByNode, openKey, idRow{ID: m.ID})
}

type resolution struct {
	StaleID          string `json:"stale_id"`
	Root             string `json:"root"`
	Dependent        string `json:"dependent"`
	Truncation       bool   `json:"truncation"`
	EvidenceBundleID string `json:"evidence_bundle_id"`
}

func (a *apply) resolve() error {
	var p resolution
	if err := a.env.DecodePayload(&p); err != nil {
		return err
	}

	var (
		matched bool
		err     error
	)
	switch {
	case p.StaleID != "":
		matched, err = a.resolveMarker(p.StaleID, p.EvidenceBundleID)
	case p.Truncation:
		matched, err = a.resolveTruncations(p.Root)
	default:
		var open idRow
		var ok bool
		ok, err = a.cs.GetJSON(tableStaleByNode, projection.Key(p.Dependent, p.Root), &open)
		if err == nil && ok {
			matched, err = a.resolveMarker(open.ID, p.EvidenceBundleID)
		}
	}
	if err != nil || matched {
		return err
	}
	return a.cs.Put(tableUnmatched, a.env.EventID, map[string]string{
		"event_id":  a.env.EventID,
		"stale_id":  p.StaleID,
		"root":      p.Root,
		"dependent": p.Dependent,
	})
}

func (a *apply) resolveMarker(id, bundleID string) (bool, error) {
	var m Marker
	ok, err := a.cs.GetJSON(tableStale, id, &m)
	if err != nil || !ok || !m.Open() {
		return false, err
	}
	at := a.env.OccurredAt
	m.ResolvedAt = &at
	m.ResolvedBy = a.env.Actor.ID
	m.ResolutionEventID = a.env.EventID
	m.EvidenceBundleID = bundleID
	if err := a.cs.Put(tableStale, m.ID, m); err != nil {
		return false, err
	}
	a.cs.Delete(tableStaleByNode, projection.Key(m.Dependent, m.Root))
	return true, nil
}

func (a *apply) resolveTruncations(root string) (bool, error) {
	rows, err := a.cs.Scan(tableTruncations, nodePrefix(root))
	if err != nil {
		return false, err
	}
	matched := false
	for _, r := range rows {
		var t Truncation
		if ok, err := a.cs.GetJSON(tableTruncations, r.Key, &t); err != nil || !ok {
			return false, err
		}
		if !t.Open() {
			continue
		}
		at := a.env.OccurredAt
		t.ResolvedAt = &at
		t.ResolutionEventID = a.env.EventID
		if err := a.cs.Put(tableTruncations, r.Key, t); err != nil {
			return false, err
		}
		matched = true
	}
	return matched, nil
}
