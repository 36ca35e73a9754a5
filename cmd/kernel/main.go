package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/sgttomas/solver-ralph-sub008/pkg/config"
	"github.com/sgttomas/solver-ralph-sub008/pkg/kernel"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// loadConfig is a variable so tests can point commands at a scratch store.
var loadConfig = config.Load

type command func(ctx context.Context, env *cmdEnv, args []string) int

var commands = map[string]struct {
	run  command
	desc string
}{
	"migrate":     {runMigrate, "Apply schema migrations to the SQL store"},
	"append":      {runAppend, "Append one event (--stream, --type, --payload, --ref)"},
	"read-stream": {runReadStream, "Read a stream in order (--stream, --from, --limit)"},
	"read-global": {runReadGlobal, "Read the global log (--from, --limit)"},
	"rebuild":     {runRebuild, "Rebuild a projection from zero (--projection)"},
	"deps":        {runDeps, "List what a node depends on (--node, --depth)"},
	"dependents":  {runDependents, "List what depends on a node (--node, --depth)"},
	"stale":       {runStale, "Show unresolved staleness for a node (--node)"},
	"evaluate":    {runEvaluate, "Evaluate a candidate (--candidate, --record)"},
	"publish":     {runPublish, "Relay pending outbox messages"},
	"serve":       {runServe, "Run projections and the publisher until signalled"},
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}
	name := args[1]
	if name == "help" || name == "--help" || name == "-h" {
		printUsage(stdout)
		return 0
	}
	cmd, ok := commands[name]
	if !ok {
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", name)
		printUsage(stderr)
		return 2
	}

	cfg := loadConfig()
	env := &cmdEnv{cfg: cfg, stdout: stdout, stderr: stderr, logger: newLogger(cfg.LogLevel, stderr)}
	return cmd.run(context.Background(), env, args[2:])
}

type cmdEnv struct {
	cfg    *config.Config
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
}

func (e *cmdEnv) open(ctx context.Context) (*kernel.Kernel, func() error, bool) {
	k, closeFn, err := kernel.Open(ctx, e.cfg, e.logger)
	if err != nil {
		e.fail("open kernel", err)
		return nil, nil, false
	}
	return k, closeFn, true
}

func (e *cmdEnv) fail(what string, err error) {
	_, _ = fmt.Fprintf(e.stderr, "Error: %s: %v\n", what, err)
}

func (e *cmdEnv) emit(v any) int {
	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		e.fail("encode output", err)
		return 1
	}
	return 0
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: kernel <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	for _, name := range []string{
		"migrate", "append", "read-stream", "read-global", "rebuild",
		"deps", "dependents", "stale", "evaluate", "publish", "serve",
	} {
		_, _ = fmt.Fprintf(w, "  %-12s %s\n", name, commands[name].desc)
	}
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Configuration is read from the environment (STORE_DRIVER, DATABASE_URL, SQLITE_PATH, ...).")
}
