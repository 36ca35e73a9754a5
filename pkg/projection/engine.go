package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sgttomas/solver-ralph-sub008/pkg/events"
	"github.com/sgttomas/solver-ralph-sub008/pkg/observability"
)

// ShadowSuffix names the namespace a rebuild replays into.
const ShadowSuffix = "~rebuild"

const (
	defaultBatchSize    = 500
	defaultPollInterval = 500 * time.Millisecond
)

// Engine drives registered projections. Each projection has exactly one
// writer: its apply loop, or a rebuild while it holds the writer lock.
type Engine struct {
	source EventSource
	rows   RowStore

	mu          sync.Mutex
	projections map[string]Projection
	writers     map[string]*sync.Mutex

	batchSize    int
	pollInterval time.Duration
	clock        func() time.Time
	logger       *slog.Logger
	obs          *observability.Provider
}

// Option configures an Engine.
type Option func(*Engine)

func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithObservability(obs *observability.Provider) Option {
	return func(e *Engine) { e.obs = obs }
}

// NewEngine creates an engine reading from source and writing to rows.
func NewEngine(source EventSource, rows RowStore, opts ...Option) *Engine {
	e := &Engine{
		source:       source,
		rows:         rows,
		projections:  make(map[string]Projection),
		writers:      make(map[string]*sync.Mutex),
		batchSize:    defaultBatchSize,
		pollInterval: defaultPollInterval,
		clock:        time.Now,
		logger:       slog.Default().With("component", "projection"),
		obs:          observability.Disabled(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds a projection. Names are unique and may not contain the
// shadow suffix.
func (e *Engine) Register(p Projection) error {
	name := p.Name()
	if name == "" || strings.Contains(name, "~") {
		return fmt.Errorf("invalid projection name %q", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.projections[name]; dup {
		return fmt.Errorf("projection %s already registered", name)
	}
	e.projections[name] = p
	e.writers[name] = &sync.Mutex{}
	return nil
}

// Projections lists registered names in order.
func (e *Engine) Projections() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.projections))
	for n := range e.projections {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) lookup(name string) (Projection, *sync.Mutex, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.projections[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownProjection, name)
	}
	return p, e.writers[name], nil
}

// Reader exposes the committed rows of a projection.
func (e *Engine) Reader(name string) Reader { return e.rows.Reader(name) }

func (e *Engine) Checkpoint(ctx context.Context, name string) (Checkpoint, error) {
	return e.rows.Checkpoint(ctx, name)
}

func (e *Engine) checkHalted(ctx context.Context, name string) error {
	reason, halted, err := e.rows.Halted(ctx, name)
	if err != nil {
		return err
	}
	if halted {
		return &HaltedError{Projection: name, Reason: reason}
	}
	return nil
}

// Step applies at most one batch of events past the checkpoint and returns
// how many events it consumed.
func (e *Engine) Step(ctx context.Context, name string) (int, error) {
	p, w, err := e.lookup(name)
	if err != nil {
		return 0, err
	}
	w.Lock()
	defer w.Unlock()
	if err := e.checkHalted(ctx, name); err != nil {
		return 0, err
	}

	ctx, done := e.obs.TrackOperation(ctx, "projection.step", observability.ProjectionOperation(name)...)
	n, err := e.step(ctx, p, name, 0)
	done(err)
	return n, err
}

// CatchUp steps until the projection has applied the whole log.
func (e *Engine) CatchUp(ctx context.Context, name string) (int, error) {
	total := 0
	for {
		n, err := e.Step(ctx, name)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

// CatchUpAll catches up every registered projection in name order.
func (e *Engine) CatchUpAll(ctx context.Context) error {
	for _, name := range e.Projections() {
		if _, err := e.CatchUp(ctx, name); err != nil {
			return fmt.Errorf("catch up %s: %w", name, err)
		}
	}
	return nil
}

// step applies one batch into namespace ns. upTo bounds the replay when
// positive. A checkpoint that moved between the read and the lock sends it
// back to read again from the new position.
func (e *Engine) step(ctx context.Context, p Projection, ns string, upTo int64) (int, error) {
	for {
		applied, moved, err := e.stepOnce(ctx, p, ns, upTo)
		if err != nil || !moved {
			return applied, err
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
	}
}

func (e *Engine) stepOnce(ctx context.Context, p Projection, ns string, upTo int64) (applied int, moved bool, err error) {
	start, err := e.rows.Checkpoint(ctx, ns)
	if err != nil {
		return 0, false, err
	}
	limit := e.batchSize
	if upTo > 0 {
		if start.GlobalSeq >= upTo {
			return 0, false, nil
		}
		if remaining := upTo - start.GlobalSeq; remaining < int64(limit) {
			limit = int(remaining)
		}
	}

	batch, err := e.source.ReadGlobal(ctx, start.GlobalSeq, limit)
	if err != nil {
		return 0, false, fmt.Errorf("read events: %w", err)
	}
	if len(batch) == 0 {
		return 0, false, nil
	}

	tx, err := e.rows.Begin(ctx, ns)
	if err != nil {
		return 0, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	cp, err := tx.Checkpoint(ctx)
	if err != nil {
		return 0, false, err
	}
	if cp != start {
		return 0, true, tx.Rollback()
	}

	for _, env := range batch {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		if env.GlobalSeq != cp.GlobalSeq+1 {
			return 0, false, &SequenceGapError{Projection: ns, Checkpoint: cp.GlobalSeq, Got: env.GlobalSeq}
		}
		if p.Handles(env.EventType) {
			if err := e.apply(ctx, p, tx, env); err != nil {
				return 0, false, err
			}
		}
		cp = Checkpoint{GlobalSeq: env.GlobalSeq, EventID: env.EventID}
	}

	if err := tx.SetCheckpoint(ctx, cp); err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit %s: %w", ns, err)
	}
	return len(batch), false, nil
}

func (e *Engine) apply(ctx context.Context, p Projection, tx RowTx, env events.Envelope) error {
	cs := NewChangeSet(ctx, tx)
	if err := p.Apply(ctx, cs, env); err != nil {
		return fmt.Errorf("apply %s (global_seq %d) to %s: %w", env.EventType, env.GlobalSeq, p.Name(), err)
	}
	return cs.flush(ctx, tx)
}

// Checksum hashes the committed rows of a projection.
func (e *Engine) Checksum(ctx context.Context, name string) (string, error) {
	rows, err := e.rows.Rows(ctx, name)
	if err != nil {
		return "", err
	}
	return ChecksumRows(rows), nil
}

// Rebuild replays the log from zero into a shadow namespace and compares
// the result with the live projection. Equal state is promoted over the
// live rows; different state halts the projection with a
// ReplayDivergenceError. A cancelled rebuild keeps the shadow's committed
// progress and resumes from it on the next call.
func (e *Engine) Rebuild(ctx context.Context, name string) (report RebuildReport, err error) {
	p, w, err := e.lookup(name)
	if err != nil {
		return RebuildReport{}, err
	}
	if err := e.checkHalted(ctx, name); err != nil {
		return RebuildReport{}, err
	}

	ctx, done := e.obs.TrackOperation(ctx, "projection.rebuild", observability.ProjectionOperation(name)...)
	defer func() { done(err) }()

	shadow := name + ShadowSuffix
	target, err := e.rows.Checkpoint(ctx, name)
	if err != nil {
		return RebuildReport{}, err
	}
	resumed, err := e.rows.Checkpoint(ctx, shadow)
	if err != nil {
		return RebuildReport{}, err
	}
	if resumed.GlobalSeq > target.GlobalSeq {
		if err := e.rows.Drop(ctx, shadow); err != nil {
			return RebuildReport{}, err
		}
		resumed = Checkpoint{}
	}
	e.logger.InfoContext(ctx, "rebuild started", "projection", name, "target", target.GlobalSeq, "resume_from", resumed.GlobalSeq)

	// Bulk replay runs beside the live loop; only the final catch-up and
	// the swap hold the writer lock.
	if err := e.replayInto(ctx, p, shadow, target.GlobalSeq); err != nil {
		return RebuildReport{}, err
	}

	w.Lock()
	defer w.Unlock()

	live, err := e.rows.Checkpoint(ctx, name)
	if err != nil {
		return RebuildReport{}, err
	}
	if err := e.replayInto(ctx, p, shadow, live.GlobalSeq); err != nil {
		return RebuildReport{}, err
	}

	liveRows, err := e.rows.Rows(ctx, name)
	if err != nil {
		return RebuildReport{}, err
	}
	shadowRows, err := e.rows.Rows(ctx, shadow)
	if err != nil {
		return RebuildReport{}, err
	}
	expected, actual := ChecksumRows(liveRows), ChecksumRows(shadowRows)

	if expected != actual {
		table, key := firstDifference(liveRows, shadowRows)
		divErr := &ReplayDivergenceError{
			Projection: name,
			Checkpoint: live,
			Expected:   expected,
			Actual:     actual,
			Table:      table,
			Key:        key,
		}
		if err := e.rows.Drop(ctx, shadow); err != nil {
			return RebuildReport{}, errors.Join(divErr, err)
		}
		if err := e.rows.Halt(ctx, name, divErr.Error(), e.clock()); err != nil {
			return RebuildReport{}, errors.Join(divErr, err)
		}
		e.logger.ErrorContext(ctx, "replay divergence, projection halted",
			"projection", name,
			"global_seq", live.GlobalSeq,
			"expected", expected,
			"actual", actual,
			"table", table,
			"key", key,
		)
		return RebuildReport{}, divErr
	}

	if err := e.rows.Promote(ctx, shadow, name); err != nil {
		return RebuildReport{}, fmt.Errorf("promote rebuild of %s: %w", name, err)
	}
	e.logger.InfoContext(ctx, "rebuild complete", "projection", name, "global_seq", live.GlobalSeq, "checksum", actual)
	return RebuildReport{
		Projection: name,
		Events:     int(live.GlobalSeq),
		Checkpoint: live,
		Checksum:   actual,
	}, nil
}

func (e *Engine) replayInto(ctx context.Context, p Projection, ns string, upTo int64) error {
	if upTo <= 0 {
		return nil
	}
	for {
		n, err := e.step(ctx, p, ns, upTo)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// Resume clears a halt after the apply function has been fixed.
func (e *Engine) Resume(ctx context.Context, name string) error {
	if _, _, err := e.lookup(name); err != nil {
		return err
	}
	e.logger.WarnContext(ctx, "projection resumed", "projection", name)
	return e.rows.Resume(ctx, name)
}

// Run starts one apply loop per registered projection and blocks until ctx
// is cancelled. A halted projection's loop stops; the others continue.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, name := range e.Projections() {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			e.loop(ctx, name)
		}(name)
	}
	wg.Wait()
	return ctx.Err()
}

func (e *Engine) loop(ctx context.Context, name string) {
	for {
		_, err := e.CatchUp(ctx, name)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrProjectionHalted):
			e.logger.ErrorContext(ctx, "projection loop stopped", "projection", name, "error", err)
			return
		case err != nil:
			e.logger.ErrorContext(ctx, "projection step failed", "projection", name, "error", err)
		}

		timer := time.NewTimer(e.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
