package readmodel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sgttomas/solver-ralph-sub008/pkg/events"
	"github.com/sgttomas/solver-ralph-sub008/pkg/projection"
)

const (
	ApprovalsProjection = "approvals"
	DecisionsProjection = "decisions"
)

// Approval is a human portal decision.
type Approval struct {
	ID                     string       `json:"id"`
	PortalID               string       `json:"portal_id"`
	Decision               string       `json:"decision"`
	Rationale              string       `json:"rationale,omitempty"`
	ExceptionsAcknowledged []string     `json:"exceptions_acknowledged,omitempty"`
	ApprovedBy             string       `json:"approved_by"`
	RecordedAt             time.Time    `json:"recorded_at"`
	Refs                   []events.Ref `json:"refs,omitempty"`
}

// Decision is a recorded human judgment, possibly a precedent.
type Decision struct {
	ID          string          `json:"id"`
	Trigger     string          `json:"trigger"`
	Decision    string          `json:"decision"`
	Rationale   string          `json:"rationale,omitempty"`
	IsPrecedent bool            `json:"is_precedent"`
	Scope       json.RawMessage `json:"scope,omitempty"`
	DecidedBy   string          `json:"decided_by"`
	RecordedAt  time.Time       `json:"recorded_at"`
	Refs        []events.Ref    `json:"refs,omitempty"`
}

type approvalPayload struct {
	PortalID               string   `json:"portal_id"`
	Decision               string   `json:"decision"`
	Rationale              string   `json:"rationale"`
	ExceptionsAcknowledged []string `json:"exceptions_acknowledged"`
}

type decisionPayload struct {
	Trigger     string          `json:"trigger"`
	Decision    string          `json:"decision"`
	Rationale   string          `json:"rationale"`
	IsPrecedent bool            `json:"is_precedent"`
	Scope       json.RawMessage `json:"scope"`
}

// indexRefs writes one by_subject row per referenced node.
func indexRefs(cs *projection.ChangeSet, id string, refs []events.Ref) error {
	for _, ref := range refs {
		key := projection.Key(events.NodeID(ref.Kind, ref.ID), id)
		if err := cs.Put("by_subject", key, marker{ID: id}); err != nil {
			return err
		}
	}
	return nil
}

// Approvals projects ApprovalRecorded, indexed by every referenced node.
func Approvals() projection.Projection {
	r := newRouter(ApprovalsProjection)
	handle(r, events.ApprovalRecorded, func(cs *projection.ChangeSet, env events.Envelope, p approvalPayload) error {
		a := Approval{
			ID:                     env.StreamID,
			PortalID:               p.PortalID,
			Decision:               p.Decision,
			Rationale:              p.Rationale,
			ExceptionsAcknowledged: p.ExceptionsAcknowledged,
			ApprovedBy:             env.Actor.ID,
			RecordedAt:             env.OccurredAt,
			Refs:                   env.Clone().Refs,
		}
		if err := indexRefs(cs, a.ID, a.Refs); err != nil {
			return err
		}
		return cs.Put("approvals", a.ID, a)
	})
	return r
}

// Decisions projects DecisionRecorded, indexed by every referenced node.
func Decisions() projection.Projection {
	r := newRouter(DecisionsProjection)
	handle(r, events.DecisionRecorded, func(cs *projection.ChangeSet, env events.Envelope, p decisionPayload) error {
		d := Decision{
			ID:          env.StreamID,
			Trigger:     p.Trigger,
			Decision:    p.Decision,
			Rationale:   p.Rationale,
			IsPrecedent: p.IsPrecedent,
			Scope:       p.Scope,
			DecidedBy:   env.Actor.ID,
			RecordedAt:  env.OccurredAt,
			Refs:        env.Clone().Refs,
		}
		if err := indexRefs(cs, d.ID, d.Refs); err != nil {
			return err
		}
		return cs.Put("decisions", d.ID, d)
	})
	return r
}

func GetApproval(ctx context.Context, r projection.Reader, id string) (Approval, bool, error) {
	return get[Approval](ctx, r, "approvals", id)
}

// ApprovalsFor lists approvals referencing node.
func ApprovalsFor(ctx context.Context, r projection.Reader, node string) ([]Approval, error) {
	return indexed[Approval](ctx, r, "by_subject", prefixOf(node), "approvals")
}

func GetDecision(ctx context.Context, r projection.Reader, id string) (Decision, bool, error) {
	return get[Decision](ctx, r, "decisions", id)
}

// DecisionsFor lists decisions referencing node.
func DecisionsFor(ctx context.Context, r projection.Reader, node string) ([]Decision, error) {
	return indexed[Decision](ctx, r, "by_subject", prefixOf(node), "decisions")
}
