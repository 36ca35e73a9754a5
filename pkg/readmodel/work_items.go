package readmodel

import (
	"context"
	"time"

	"github.com/sgttomas/solver-ralph-sub008/pkg/events"
	"github.com/sgttomas/solver-ralph-sub008/pkg/projection"
)

const WorkItemsProjection = "work_items"

// WorkItemStatus follows CREATED -> ACTIVE <-> PAUSED -> CLOSED.
type WorkItemStatus string

const (
	WorkItemCreated WorkItemStatus = "CREATED"
	WorkItemActive  WorkItemStatus = "ACTIVE"
	WorkItemPaused  WorkItemStatus = "PAUSED"
	WorkItemClosed  WorkItemStatus = "CLOSED"
)

type WorkItem struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Profile     string         `json:"profile,omitempty"`
	Status      WorkItemStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Version     int64          `json:"version"`
	// Ignored lists events whose transition was not legal from the status
	// the item was in. The log keeps them; the model does not act on them.
	Ignored []string `json:"ignored,omitempty"`
}

type workItemCreated struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Profile     string `json:"profile"`
}

type reasonPayload struct {
	Reason string `json:"reason"`
}

var workItemTransitions = map[string]struct {
	from []WorkItemStatus
	to   WorkItemStatus
}{
	events.WorkItemActivated: {[]WorkItemStatus{WorkItemCreated}, WorkItemActive},
	events.WorkItemPaused:    {[]WorkItemStatus{WorkItemActive}, WorkItemPaused},
	events.WorkItemResumed:   {[]WorkItemStatus{WorkItemPaused}, WorkItemActive},
	events.WorkItemClosed:    {[]WorkItemStatus{WorkItemCreated, WorkItemActive, WorkItemPaused}, WorkItemClosed},
}

// WorkItems projects the work item lifecycle.
func WorkItems() projection.Projection {
	r := newRouter(WorkItemsProjection)
	handle(r, events.WorkItemCreated, func(cs *projection.ChangeSet, env events.Envelope, p workItemCreated) error {
		item := WorkItem{
			ID:          env.StreamID,
			Title:       p.Title,
			Description: p.Description,
			Profile:     p.Profile,
			Status:      WorkItemCreated,
			CreatedAt:   env.OccurredAt,
			UpdatedAt:   env.OccurredAt,
			Version:     env.StreamSeq,
		}
		return putWorkItem(cs, item, "")
	})
	for eventType := range workItemTransitions {
		handle(r, eventType, func(cs *projection.ChangeSet, env events.Envelope, _ reasonPayload) error {
			return transitionWorkItem(cs, env)
		})
	}
	return r
}

func transitionWorkItem(cs *projection.ChangeSet, env events.Envelope) error {
	var item WorkItem
	ok, err := cs.GetJSON("items", env.StreamID, &item)
	if err != nil {
		return err
	}
	if !ok {
		item = WorkItem{ID: env.StreamID, CreatedAt: env.OccurredAt}
	}
	prev := item.Status
	t := workItemTransitions[env.EventType]
	legal := false
	for _, from := range t.from {
		if item.Status == from {
			legal = true
			break
		}
	}
	if legal {
		item.Status = t.to
	} else {
		item.Ignored = append(item.Ignored, env.EventID)
	}
	item.UpdatedAt = env.OccurredAt
	item.Version = env.StreamSeq
	return putWorkItem(cs, item, prev)
}

func putWorkItem(cs *projection.ChangeSet, item WorkItem, prev WorkItemStatus) error {
	if prev != "" && prev != item.Status {
		cs.Delete("by_status", projection.Key(string(prev), item.ID))
	}
	if item.Status != "" {
		if err := cs.Put("by_status", projection.Key(string(item.Status), item.ID), marker{ID: item.ID}); err != nil {
			return err
		}
	}
	return cs.Put("items", item.ID, item)
}

// GetWorkItem reads one work item.
func GetWorkItem(ctx context.Context, r projection.Reader, id string) (WorkItem, bool, error) {
	return get[WorkItem](ctx, r, "items", id)
}

// ListWorkItems returns the items in status, or every item when status is
// empty, ordered by id.
func ListWorkItems(ctx context.Context, r projection.Reader, status WorkItemStatus) ([]WorkItem, error) {
	if status == "" {
		return scan[WorkItem](ctx, r, "items", "")
	}
	return indexed[WorkItem](ctx, r, "by_status", prefixOf(string(status)), "items")
}
