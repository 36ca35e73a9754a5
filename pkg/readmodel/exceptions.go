package readmodel

import (
	"context"
	"time"

	"github.com/sgttomas/solver-ralph-sub008/pkg/events"
	"github.com/sgttomas/solver-ralph-sub008/pkg/projection"
)

const ExceptionsProjection = "exceptions"

type ExceptionKind string

const (
	KindWaiver    ExceptionKind = "WAIVER"
	KindDeviation ExceptionKind = "DEVIATION"
	KindDeferral  ExceptionKind = "DEFERRAL"
)

type ExceptionStatus string

const (
	ExceptionCreated  ExceptionStatus = "CREATED"
	ExceptionActive   ExceptionStatus = "ACTIVE"
	ExceptionResolved ExceptionStatus = "RESOLVED"
	ExceptionExpired  ExceptionStatus = "EXPIRED"
)

// ExceptionScope binds an exception to exactly one check of one candidate.
type ExceptionScope struct {
	CandidateID string `json:"candidate_id"`
	CheckID     string `json:"check_id"`
}

type Exception struct {
	ID          string          `json:"id"`
	Kind        ExceptionKind   `json:"kind"`
	Scope       ExceptionScope  `json:"scope"`
	Rationale   string          `json:"rationale"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	Status      ExceptionStatus `json:"status"`
	CreatedBy   string          `json:"created_by"`
	CreatedAt   time.Time       `json:"created_at"`
	ActivatedBy string          `json:"activated_by,omitempty"`
	ActivatedAt *time.Time      `json:"activated_at,omitempty"`
	ClosedAt    *time.Time      `json:"closed_at,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Ignored     []string        `json:"ignored,omitempty"`
}

// Expired reports whether the exception's window has passed at t.
func (e Exception) Expired(t time.Time) bool {
	return e.ExpiresAt != nil && !t.Before(*e.ExpiresAt)
}

// InForce reports whether the exception is active and unexpired at t.
func (e Exception) InForce(t time.Time) bool {
	return e.Status == ExceptionActive && !e.Expired(t)
}

type exceptionCreated struct {
	Scope     ExceptionScope `json:"scope"`
	Rationale string         `json:"rationale"`
	ExpiresAt *time.Time     `json:"expires_at"`
}

var exceptionKinds = map[string]ExceptionKind{
	events.WaiverCreated:    KindWaiver,
	events.DeviationCreated: KindDeviation,
	events.DeferralCreated:  KindDeferral,
}

var exceptionTransitions = map[string]struct {
	from ExceptionStatus
	to   ExceptionStatus
}{
	events.ExceptionActivated: {ExceptionCreated, ExceptionActive},
	events.ExceptionResolved:  {ExceptionActive, ExceptionResolved},
	events.ExceptionExpired:   {ExceptionActive, ExceptionExpired},
}

// Exceptions projects waivers, deviations and deferrals. Status moves
// CREATED -> ACTIVE -> RESOLVED or EXPIRED; other transitions are recorded
// as ignored.
func Exceptions() projection.Projection {
	r := newRouter(ExceptionsProjection)
	for eventType, kind := range exceptionKinds {
		handle(r, eventType, func(cs *projection.ChangeSet, env events.Envelope, p exceptionCreated) error {
			if _, exists, err := cs.Get("exceptions", env.StreamID); err != nil || exists {
				return err
			}
			e := Exception{
				ID:        env.StreamID,
				Kind:      kind,
				Scope:     p.Scope,
				Rationale: p.Rationale,
				ExpiresAt: p.ExpiresAt,
				Status:    ExceptionCreated,
				CreatedBy: env.Actor.ID,
				CreatedAt: env.OccurredAt,
			}
			if e.ExpiresAt != nil {
				utc := e.ExpiresAt.UTC()
				e.ExpiresAt = &utc
			}
			if err := cs.Put("by_candidate", projection.Key(e.Scope.CandidateID, e.ID), marker{ID: e.ID}); err != nil {
				return err
			}
			return cs.Put("exceptions", e.ID, e)
		})
	}
	for eventType, t := range exceptionTransitions {
		handle(r, eventType, func(cs *projection.ChangeSet, env events.Envelope, p reasonPayload) error {
			var e Exception
			ok, err := cs.GetJSON("exceptions", env.StreamID, &e)
			if err != nil {
				return err
			}
			if !ok {
				e = Exception{ID: env.StreamID}
			}
			if e.Status != t.from {
				e.Ignored = append(e.Ignored, env.EventID)
				return cs.Put("exceptions", e.ID, e)
			}
			at := env.OccurredAt
			e.Status = t.to
			if t.to == ExceptionActive {
				e.ActivatedBy = env.Actor.ID
				e.ActivatedAt = &at
			} else {
				e.ClosedAt = &at
				e.Reason = p.Reason
			}
			return cs.Put("exceptions", e.ID, e)
		})
	}
	return r
}

func GetException(ctx context.Context, r projection.Reader, id string) (Exception, bool, error) {
	return get[Exception](ctx, r, "exceptions", id)
}

// ExceptionsForCandidate lists every exception scoped to candidateID.
func ExceptionsForCandidate(ctx context.Context, r projection.Reader, candidateID string) ([]Exception, error) {
	return indexed[Exception](ctx, r, "by_candidate", prefixOf(candidateID), "exceptions")
}

// WaiversInForce lists the candidate's active, unexpired waivers at t.
func WaiversInForce(ctx context.Context, r projection.Reader, candidateID string, t time.Time) ([]Exception, error) {
	all, err := ExceptionsForCandidate(ctx, r, candidateID)
	if err != nil {
		return nil, err
	}
	var out []Exception
	for _, e := range all {
		if e.Kind == KindWaiver && e.InForce(t) {
			out = append(out, e)
		}
	}
	return out, nil
}
