// Package projection runs deterministic read models over the global event
// log. Each projection owns a namespace of rows and a checkpoint; rows and
// checkpoint only ever move together, in one transaction.
package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sgttomas/solver-ralph-sub008/pkg/events"
)

var (
	ErrReplayDivergence  = errors.New("replay divergence")
	ErrProjectionHalted  = errors.New("projection halted")
	ErrUnknownProjection = errors.New("unknown projection")
	ErrSequenceGap       = errors.New("sequence gap")
)

// Projection is a pure fold over events. Apply may read only through the
// change set and the event; it must not consult the clock, randomness or any
// other state.
type Projection interface {
	Name() string
	Handles(eventType string) bool
	Apply(ctx context.Context, cs *ChangeSet, env events.Envelope) error
}

// Row is one projection record. Data is canonical JSON.
type Row struct {
	Table string          `json:"table"`
	Key   string          `json:"key"`
	Data  json.RawMessage `json:"data"`
}

// Checkpoint is the last event a projection has applied.
type Checkpoint struct {
	GlobalSeq int64  `json:"global_seq"`
	EventID   string `json:"event_id"`
}

// Reader is read access to the committed rows of one projection.
type Reader interface {
	Get(ctx context.Context, table, key string) (json.RawMessage, bool, error)
	// Scan returns the rows of table whose key starts with prefix, ordered
	// by key bytes.
	Scan(ctx context.Context, table, prefix string) ([]Row, error)
}

// EventSource is the part of the event store the engine consumes.
type EventSource interface {
	ReadGlobal(ctx context.Context, fromGlobalSeq int64, limit int) ([]events.Envelope, error)
}

// SequenceGapError means the log handed the engine an event that does not
// directly follow the checkpoint.
type SequenceGapError struct {
	Projection string
	Checkpoint int64
	Got        int64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("projection %s: expected global_seq %d, got %d", e.Projection, e.Checkpoint+1, e.Got)
}

func (e *SequenceGapError) Unwrap() error { return ErrSequenceGap }

// ReplayDivergenceError reports that a rebuild produced different state
// than incremental application. The projection is halted.
type ReplayDivergenceError struct {
	Projection string
	Checkpoint Checkpoint
	Expected   string
	Actual     string
	Table      string
	Key        string
}

func (e *ReplayDivergenceError) Error() string {
	msg := fmt.Sprintf("projection %s diverged at global_seq %d: live %s, replay %s",
		e.Projection, e.Checkpoint.GlobalSeq, e.Expected, e.Actual)
	if e.Table != "" {
		msg += fmt.Sprintf(" (first difference %s/%s)", e.Table, e.Key)
	}
	return msg
}

func (e *ReplayDivergenceError) Unwrap() error { return ErrReplayDivergence }

// HaltedError carries the recorded reason a projection stopped.
type HaltedError struct {
	Projection string
	Reason     string
}

func (e *HaltedError) Error() string {
	return fmt.Sprintf("projection %s halted: %s", e.Projection, e.Reason)
}

func (e *HaltedError) Unwrap() error { return ErrProjectionHalted }

// RebuildReport describes a completed rebuild.
type RebuildReport struct {
	Projection string     `json:"projection"`
	Events     int        `json:"events"`
	Checkpoint Checkpoint `json:"checkpoint"`
	Checksum   string     `json:"checksum"`
}

// KeySep separates the parts of a composite row key. It sorts below every
// printable character and is legal in Postgres and SQLite text.
const KeySep = "\x1f"

// Key joins composite key parts.
func Key(parts ...string) string { return strings.Join(parts, KeySep) }
