// Package kernel is the external interface of the governance kernel. It
// wires the event store, the projection engine, the dependency graph, the
// gate evaluator and the outbox publisher behind one facade.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sgttomas/solver-ralph-sub008/pkg/artifacts"
	"github.com/sgttomas/solver-ralph-sub008/pkg/events"
	"github.com/sgttomas/solver-ralph-sub008/pkg/evidence"
	"github.com/sgttomas/solver-ralph-sub008/pkg/gate"
	"github.com/sgttomas/solver-ralph-sub008/pkg/graph"
	"github.com/sgttomas/solver-ralph-sub008/pkg/observability"
	"github.com/sgttomas/solver-ralph-sub008/pkg/outbox"
	"github.com/sgttomas/solver-ralph-sub008/pkg/projection"
	"github.com/sgttomas/solver-ralph-sub008/pkg/readmodel"
	"github.com/sgttomas/solver-ralph-sub008/pkg/store"
)

// ErrNoTransport is returned by Publish when no outbox transport is set.
var ErrNoTransport = errors.New("no outbox transport configured")

// NewRegistry returns the event registry with every payload check the
// kernel relies on installed.
func NewRegistry() (*events.Registry, error) {
	return events.NewRegistry(
		events.WithPayloadCheck(events.EvidenceBundleRecorded, evidence.PayloadCheck),
		events.WithPayloadCheck(events.OracleSuiteRegistered, readmodel.SuitePayloadCheck),
		events.WithPayloadCheck(events.OracleSuiteRebased, readmodel.SuitePayloadCheck),
	)
}

type options struct {
	rows           projection.RowStore
	limits         graph.Limits
	blobs          artifacts.Store
	profiles       *gate.Profiles
	transport      outbox.Transport
	outboxOpts     []outbox.Option
	projectionOpts []projection.Option
	clock          func() time.Time
	logger         *slog.Logger
	obs            *observability.Provider
}

type Option func(*options)

// WithRowStore sets where projection rows live. Defaults to memory.
func WithRowStore(rows projection.RowStore) Option { return func(o *options) { o.rows = rows } }

func WithGraphLimits(l graph.Limits) Option { return func(o *options) { o.limits = l } }

// WithArtifactStore sets the blob store evidence artifacts are checked
// against. Defaults to an empty memory store.
func WithArtifactStore(s artifacts.Store) Option { return func(o *options) { o.blobs = s } }

func WithProfiles(p *gate.Profiles) Option { return func(o *options) { o.profiles = p } }

// WithTransport enables the outbox publisher.
func WithTransport(t outbox.Transport, opts ...outbox.Option) Option {
	return func(o *options) {
		o.transport = t
		o.outboxOpts = opts
	}
}

func WithProjectionOptions(opts ...projection.Option) Option {
	return func(o *options) { o.projectionOpts = append(o.projectionOpts, opts...) }
}

func WithClock(clock func() time.Time) Option { return func(o *options) { o.clock = clock } }

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

func WithObservability(p *observability.Provider) Option { return func(o *options) { o.obs = p } }

// Kernel is the governance kernel.
type Kernel struct {
	store     store.EventStore
	engine    *projection.Engine
	graph     *graph.Graph
	query     *graph.Query
	gate      *gate.Service
	publisher *outbox.Publisher
	logger    *slog.Logger
	obs       *observability.Provider
}

// New wires a kernel over st. st must validate with NewRegistry.
func New(st store.EventStore, opts ...Option) (*Kernel, error) {
	o := options{
		limits: graph.DefaultLimits(),
		clock:  time.Now,
		logger: slog.Default().With("component", "kernel"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.rows == nil {
		o.rows = projection.NewMemoryRowStore()
	}
	if o.blobs == nil {
		o.blobs = artifacts.NewMemoryStore()
	}
	if o.profiles == nil {
		ps, err := gate.NewProfiles("")
		if err != nil {
			return nil, err
		}
		o.profiles = ps
	}

	projOpts := append([]projection.Option{
		projection.WithLogger(o.logger.With("component", "projection")),
		projection.WithObservability(o.obs),
	}, o.projectionOpts...)
	engine := projection.NewEngine(st, o.rows, projOpts...)
	for _, p := range readmodel.All() {
		if err := engine.Register(p); err != nil {
			return nil, err
		}
	}
	g := graph.New(o.limits)
	if err := engine.Register(g); err != nil {
		return nil, err
	}
	query := graph.NewQuery(engine.Reader(graph.ProjectionName), g.Limits())

	k := &Kernel{
		store:  st,
		engine: engine,
		graph:  g,
		query:  query,
		logger: o.logger,
		obs:    o.obs,
	}
	k.gate = gate.NewService(st, engine, query,
		evidence.NewVerifier(o.blobs, o.logger.With("component", "evidence")),
		o.profiles,
		gate.WithClock(o.clock),
		gate.WithLogger(o.logger.With("component", "gate")),
		gate.WithObservability(o.obs),
	)
	if o.transport != nil {
		pubOpts := append([]outbox.Option{
			outbox.WithLogger(o.logger.With("component", "outbox")),
			outbox.WithObservability(o.obs),
		}, o.outboxOpts...)
		k.publisher = outbox.NewPublisher(st, o.transport, pubOpts...)
	}
	if err := k.registerGauges(); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *Kernel) registerGauges() error {
	err := k.obs.RegisterGauge("kernel.outbox.backlog", "Committed events not yet acknowledged by the transport",
		func(ctx context.Context) ([]observability.Sample, error) {
			n, err := k.store.UnpublishedCount(ctx)
			if err != nil {
				return nil, err
			}
			return []observability.Sample{{Value: n}}, nil
		})
	if err != nil {
		return err
	}
	return k.obs.RegisterGauge("kernel.projection.lag", "Events committed but not yet applied, per projection",
		func(ctx context.Context) ([]observability.Sample, error) {
			head, err := k.store.Head(ctx)
			if err != nil {
				return nil, err
			}
			var out []observability.Sample
			for _, name := range k.engine.Projections() {
				cp, err := k.engine.Checkpoint(ctx, name)
				if err != nil {
					return nil, err
				}
				out = append(out, observability.Sample{
					Value: head - cp.GlobalSeq,
					Attrs: observability.ProjectionOperation(name),
				})
			}
			return out, nil
		})
}

func (k *Kernel) Store() store.EventStore              { return k.store }
func (k *Kernel) Engine() *projection.Engine           { return k.engine }
func (k *Kernel) Graph() *graph.Query                  { return k.query }
func (k *Kernel) Gate() *gate.Service                  { return k.gate }
func (k *Kernel) Reader(name string) projection.Reader { return k.engine.Reader(name) }

// Append commits one event. A depends_on ref that would close a cycle in
// the dependency graph is rejected as a validation error.
func (k *Kernel) Append(ctx context.Context, req store.AppendRequest) (env events.Envelope, err error) {
	ctx, done := k.obs.TrackOperation(ctx, "kernel.append", observability.AppendOperation(req.StreamID, req.EventType)...)
	defer func() { done(err) }()

	if err := k.checkCycles(ctx, req.Draft); err != nil {
		return events.Envelope{}, err
	}
	env, err = k.store.Append(ctx, req)
	if err != nil {
		return events.Envelope{}, err
	}
	k.logger.DebugContext(ctx, "event appended",
		"event_id", env.EventID,
		"stream_id", env.StreamID,
		"stream_seq", env.StreamSeq,
		"global_seq", env.GlobalSeq,
		"event_type", env.EventType,
	)
	return env, nil
}

func (k *Kernel) checkCycles(ctx context.Context, d events.Draft) error {
	kind := events.SubjectKind(d.EventType)
	if kind == "" {
		return nil
	}
	subject := events.NodeID(kind, d.StreamID)
	checked := false
	for i, ref := range d.Refs {
		if !events.IsBlocking(events.NormalizeRel(ref.Rel)) {
			continue
		}
		target := events.NodeID(ref.Kind, ref.ID)
		if target == subject {
			return events.Invalid(fmt.Sprintf("refs[%d]", i), "%s cannot depend on itself", subject)
		}
		if !checked {
			if _, err := k.engine.CatchUp(ctx, graph.ProjectionName); err != nil {
				return fmt.Errorf("cycle check: %w", err)
			}
			checked = true
		}
		cyclic, err := k.query.WouldCycle(ctx, subject, target, 0)
		if err != nil {
			return fmt.Errorf("cycle check: %w", err)
		}
		if cyclic {
			return events.Invalid(fmt.Sprintf("refs[%d]", i), "depends_on %s would close a cycle through %s", target, subject)
		}
	}
	return nil
}

func (k *Kernel) ReadStream(ctx context.Context, streamID string, fromSeq int64, limit int) ([]events.Envelope, error) {
	return k.store.ReadStream(ctx, streamID, fromSeq, limit)
}

func (k *Kernel) ReadGlobal(ctx context.Context, fromGlobalSeq int64, limit int) ([]events.Envelope, error) {
	return k.store.ReadGlobal(ctx, fromGlobalSeq, limit)
}

func (k *Kernel) StreamVersion(ctx context.Context, streamID string) (int64, error) {
	return k.store.StreamVersion(ctx, streamID)
}

// RebuildProjection replays a projection from the start of the log.
func (k *Kernel) RebuildProjection(ctx context.Context, name string) (projection.RebuildReport, error) {
	return k.engine.Rebuild(ctx, name)
}

// CatchUp applies every committed event to every projection.
func (k *Kernel) CatchUp(ctx context.Context) error {
	return k.engine.CatchUpAll(ctx)
}

func (k *Kernel) Dependencies(ctx context.Context, node string, maxDepth int) (graph.Traversal, error) {
	return k.query.Dependencies(ctx, node, maxDepth)
}

func (k *Kernel) Dependents(ctx context.Context, node string, maxDepth int) (graph.Traversal, error) {
	return k.query.Dependents(ctx, node, maxDepth)
}

func (k *Kernel) HasUnresolvedStaleness(ctx context.Context, node string) (bool, error) {
	return k.query.HasUnresolvedStaleness(ctx, node)
}

// OpenMarkers lists the unresolved staleness markers on node.
func (k *Kernel) OpenMarkers(ctx context.Context, node string) ([]graph.Marker, error) {
	return k.query.OpenMarkers(ctx, node)
}

// EvaluateVerification computes a candidate's status. It writes nothing.
func (k *Kernel) EvaluateVerification(ctx context.Context, candidateID string) (gate.Status, error) {
	return k.gate.Evaluate(ctx, candidateID)
}

// RecordVerification evaluates and records integrity conditions and a
// changed outcome as events.
func (k *Kernel) RecordVerification(ctx context.Context, candidateID string) (gate.Status, error) {
	return k.gate.EvaluateAndRecord(ctx, candidateID)
}

// Publish relays one outbox batch.
func (k *Kernel) Publish(ctx context.Context) (outbox.BatchResult, error) {
	if k.publisher == nil {
		return outbox.BatchResult{}, ErrNoTransport
	}
	return k.publisher.PublishBatch(ctx)
}

// Run drives the projection loops, and the publisher when a transport is
// set, until ctx is cancelled.
func (k *Kernel) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	run := func(fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errs <- err
			}
		}()
	}
	run(k.engine.Run)
	if k.publisher != nil {
		run(k.publisher.Run)
	}
	k.logger.InfoContext(ctx, "kernel running", "projections", k.engine.Projections(), "publisher", k.publisher != nil)
	wg.Wait()
	close(errs)
	return <-errs
}
