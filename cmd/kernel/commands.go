package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sgttomas/solver-ralph-sub008/pkg/events"
	"github.com/sgttomas/solver-ralph-sub008/pkg/graph"
	"github.com/sgttomas/solver-ralph-sub008/pkg/kernel"
	"github.com/sgttomas/solver-ralph-sub008/pkg/outbox"
	"github.com/sgttomas/solver-ralph-sub008/pkg/store"
)

// refList collects repeated --ref kind:id[:rel] flags.
type refList []events.Ref

func (r *refList) String() string {
	parts := make([]string, len(*r))
	for i, ref := range *r {
		parts[i] = ref.Kind + ":" + ref.ID + ":" + ref.Rel
	}
	return strings.Join(parts, ",")
}

func (r *refList) Set(v string) error {
	parts := strings.SplitN(v, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("ref %q: want kind:id[:rel]", v)
	}
	ref := events.Ref{Kind: parts[0], ID: parts[1], Rel: events.RelRelatesTo}
	if len(parts) == 3 && parts[2] != "" {
		ref.Rel = parts[2]
	}
	*r = append(*r, ref)
	return nil
}

func newFlags(env *cmdEnv, name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	return fs
}

func required(env *cmdEnv, flagName, value string) bool {
	if value == "" {
		_, _ = fmt.Fprintf(env.stderr, "Error: --%s is required\n", flagName)
		return false
	}
	return true
}

func runMigrate(ctx context.Context, env *cmdEnv, args []string) int {
	if err := newFlags(env, "migrate").Parse(args); err != nil {
		return 2
	}
	if env.cfg.StoreDriver == "" || env.cfg.StoreDriver == "memory" {
		_, _ = fmt.Fprintln(env.stderr, "Error: migrate needs STORE_DRIVER=postgres or sqlite")
		return 2
	}
	if err := kernel.MigrateDatabase(ctx, env.cfg); err != nil {
		env.fail("migrate", err)
		return 1
	}
	return env.emit(map[string]string{"status": "migrated", "driver": env.cfg.StoreDriver})
}

func runAppend(ctx context.Context, env *cmdEnv, args []string) int {
	fs := newFlags(env, "append")
	var (
		req       store.AppendRequest
		actorKind string
		payload   string
		refs      refList
		supersede string
	)
	fs.StringVar(&req.StreamID, "stream", "", "Stream id (REQUIRED)")
	fs.StringVar(&req.EventType, "type", "", "Event type (REQUIRED)")
	fs.StringVar(&req.EventID, "event-id", "", "Event id; a retry with the same id is idempotent")
	fs.StringVar(&actorKind, "actor-kind", string(events.ActorHuman), "Actor kind")
	fs.StringVar(&req.Actor.ID, "actor-id", "", "Actor id (REQUIRED)")
	fs.StringVar(&req.CorrelationID, "correlation", "", "Correlation id")
	fs.StringVar(&req.CausationID, "causation", "", "Causation id")
	fs.StringVar(&supersede, "supersedes", "", "Comma separated event ids this event supersedes")
	fs.StringVar(&payload, "payload", "{}", "JSON payload, or @path to read it from a file")
	fs.Int64Var(&req.ExpectedVersion, "expected", -1, "Expected stream version; -1 reads the current one")
	fs.Var(&refs, "ref", "Typed reference kind:id[:rel] (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if !required(env, "stream", req.StreamID) || !required(env, "type", req.EventType) || !required(env, "actor-id", req.Actor.ID) {
		return 2
	}
	req.Actor.Kind = events.ActorKind(actorKind)
	req.Refs = refs
	if supersede != "" {
		req.Supersedes = strings.Split(supersede, ",")
	}
	if strings.HasPrefix(payload, "@") {
		data, err := os.ReadFile(payload[1:])
		if err != nil {
			env.fail("read payload", err)
			return 2
		}
		payload = string(data)
	}
	req.Payload = json.RawMessage(payload)

	k, closeFn, ok := env.open(ctx)
	if !ok {
		return 1
	}
	defer func() { _ = closeFn() }()

	if req.ExpectedVersion < 0 {
		v, err := k.StreamVersion(ctx, req.StreamID)
		if err != nil {
			env.fail("stream version", err)
			return 1
		}
		req.ExpectedVersion = v
	}
	stored, err := k.Append(ctx, req)
	if err != nil {
		env.fail("append", err)
		if errors.Is(err, events.ErrValidation) {
			return 2
		}
		return 1
	}
	return env.emit(stored)
}

func runReadStream(ctx context.Context, env *cmdEnv, args []string) int {
	fs := newFlags(env, "read-stream")
	var (
		stream string
		from   int64
		limit  int
	)
	fs.StringVar(&stream, "stream", "", "Stream id (REQUIRED)")
	fs.Int64Var(&from, "from", 0, "Return events after this stream sequence")
	fs.IntVar(&limit, "limit", 0, "Maximum number of events; 0 for all")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if !required(env, "stream", stream) {
		return 2
	}
	k, closeFn, ok := env.open(ctx)
	if !ok {
		return 1
	}
	defer func() { _ = closeFn() }()

	evs, err := k.ReadStream(ctx, stream, from, limit)
	if err != nil {
		env.fail("read stream", err)
		return 1
	}
	return env.emit(evs)
}

func runReadGlobal(ctx context.Context, env *cmdEnv, args []string) int {
	fs := newFlags(env, "read-global")
	var (
		from  int64
		limit int
	)
	fs.Int64Var(&from, "from", 0, "Return events after this global sequence")
	fs.IntVar(&limit, "limit", 0, "Maximum number of events; 0 for all")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	k, closeFn, ok := env.open(ctx)
	if !ok {
		return 1
	}
	defer func() { _ = closeFn() }()

	evs, err := k.ReadGlobal(ctx, from, limit)
	if err != nil {
		env.fail("read global", err)
		return 1
	}
	return env.emit(evs)
}

func runRebuild(ctx context.Context, env *cmdEnv, args []string) int {
	fs := newFlags(env, "rebuild")
	var name string
	fs.StringVar(&name, "projection", "", "Projection name (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if !required(env, "projection", name) {
		return 2
	}
	k, closeFn, ok := env.open(ctx)
	if !ok {
		return 1
	}
	defer func() { _ = closeFn() }()

	if err := k.CatchUp(ctx); err != nil {
		env.fail("catch up", err)
		return 1
	}
	report, err := k.RebuildProjection(ctx, name)
	if err != nil {
		env.fail("rebuild", err)
		return 1
	}
	return env.emit(report)
}

func runDeps(ctx context.Context, env *cmdEnv, args []string) int {
	return runTraversal(ctx, env, "deps", args, (*kernel.Kernel).Dependencies)
}

func runDependents(ctx context.Context, env *cmdEnv, args []string) int {
	return runTraversal(ctx, env, "dependents", args, (*kernel.Kernel).Dependents)
}

func runTraversal(ctx context.Context, env *cmdEnv, name string, args []string,
	traverse func(*kernel.Kernel, context.Context, string, int) (graph.Traversal, error)) int {
	fs := newFlags(env, name)
	var (
		node  string
		depth int
	)
	fs.StringVar(&node, "node", "", "Node id kind:id (REQUIRED)")
	fs.IntVar(&depth, "depth", 0, "Maximum depth; 0 uses GRAPH_MAX_DEPTH")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if !required(env, "node", node) {
		return 2
	}
	k, closeFn, ok := env.open(ctx)
	if !ok {
		return 1
	}
	defer func() { _ = closeFn() }()

	if err := k.CatchUp(ctx); err != nil {
		env.fail("catch up", err)
		return 1
	}
	t, err := traverse(k, ctx, node, depth)
	if err != nil {
		env.fail(name, err)
		return 1
	}
	return env.emit(t)
}

func runStale(ctx context.Context, env *cmdEnv, args []string) int {
	fs := newFlags(env, "stale")
	var node string
	fs.StringVar(&node, "node", "", "Node id kind:id (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if !required(env, "node", node) {
		return 2
	}
	k, closeFn, ok := env.open(ctx)
	if !ok {
		return 1
	}
	defer func() { _ = closeFn() }()

	if err := k.CatchUp(ctx); err != nil {
		env.fail("catch up", err)
		return 1
	}
	markers, err := k.OpenMarkers(ctx, node)
	if err != nil {
		env.fail("stale", err)
		return 1
	}
	return env.emit(struct {
		Node    string         `json:"node"`
		Stale   bool           `json:"stale"`
		Markers []graph.Marker `json:"markers"`
	}{node, len(markers) > 0, markers})
}

func runEvaluate(ctx context.Context, env *cmdEnv, args []string) int {
	fs := newFlags(env, "evaluate")
	var (
		candidate string
		record    bool
	)
	fs.StringVar(&candidate, "candidate", "", "Candidate id (REQUIRED)")
	fs.BoolVar(&record, "record", false, "Append integrity conditions and a changed outcome as events")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if !required(env, "candidate", candidate) {
		return 2
	}
	k, closeFn, ok := env.open(ctx)
	if !ok {
		return 1
	}
	defer func() { _ = closeFn() }()

	if err := k.CatchUp(ctx); err != nil {
		env.fail("catch up", err)
		return 1
	}
	evaluate := k.EvaluateVerification
	if record {
		evaluate = k.RecordVerification
	}
	st, err := evaluate(ctx, candidate)
	if err != nil {
		env.fail("evaluate", err)
		return 1
	}
	return env.emit(st)
}

func runPublish(ctx context.Context, env *cmdEnv, args []string) int {
	if err := newFlags(env, "publish").Parse(args); err != nil {
		return 2
	}
	k, closeFn, ok := env.open(ctx)
	if !ok {
		return 1
	}
	defer func() { _ = closeFn() }()

	var total outbox.BatchResult
	for {
		res, err := k.Publish(ctx)
		if err != nil {
			env.fail("publish", err)
			return 1
		}
		total.Fetched += res.Fetched
		total.Published += res.Published
		if res.Failed() {
			total.FailedSeq, total.RetryAfter = res.FailedSeq, res.RetryAfter
			_ = env.emit(total)
			return 1
		}
		if res.Published == 0 {
			return env.emit(total)
		}
	}
}

func runServe(ctx context.Context, env *cmdEnv, args []string) int {
	if err := newFlags(env, "serve").Parse(args); err != nil {
		return 2
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	k, closeFn, ok := env.open(ctx)
	if !ok {
		return 1
	}
	defer func() { _ = closeFn() }()

	if err := k.Run(ctx); err != nil {
		env.fail("serve", err)
		return 1
	}
	env.logger.Info("kernel stopped")
	return 0
}
