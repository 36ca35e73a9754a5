package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgttomas/solver-ralph-sub008/pkg/config"
	"github.com/sgttomas/solver-ralph-sub008/pkg/events"
	"github.com/sgttomas/solver-ralph-sub008/pkg/graph"
)

// useSQLite points every command at a scratch SQLite database.
func useSQLite(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	profiles := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(profiles, []byte("profiles:\n  - name: default\n    suite_id: core\n"), 0o600))
	t.Setenv("ARTIFACT_STORAGE_TYPE", "memory")

	prev := loadConfig
	loadConfig = func() *config.Config {
		cfg := config.Load()
		cfg.StoreDriver = "sqlite"
		cfg.SQLitePath = filepath.Join(dir, "kernel.db")
		cfg.ProfilesPath = profiles
		cfg.RedisAddr = ""
		cfg.LogLevel = "ERROR"
		return cfg
	}
	t.Cleanup(func() { loadConfig = prev })
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"kernel"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Usage(t *testing.T) {
	code, out, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "read-stream")

	code, _, errOut := run("bogus")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: bogus")

	assert.Equal(t, 2, Run([]string{"kernel"}, &bytes.Buffer{}, &bytes.Buffer{}))
}

func TestRun_AppendRequiresFlags(t *testing.T) {
	useSQLite(t)
	code, _, errOut := run("append", "--type", events.WorkItemCreated)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "--stream is required")
}

func TestRun_MigrateRejectsMemory(t *testing.T) {
	prev := loadConfig
	loadConfig = func() *config.Config {
		cfg := config.Load()
		cfg.StoreDriver = "memory"
		return cfg
	}
	t.Cleanup(func() { loadConfig = prev })

	code, _, _ := run("migrate")
	assert.Equal(t, 2, code)
}

func TestRun_AppendReadAndQuery(t *testing.T) {
	useSQLite(t)

	code, _, errOut := run("migrate")
	require.Equal(t, 0, code, errOut)

	code, out, errOut := run("append", "--stream", "A", "--type", events.WorkItemCreated,
		"--actor-kind", "system", "--actor-id", "planner", "--payload", `{"title":"a"}`)
	require.Equal(t, 0, code, errOut)
	var env events.Envelope
	require.NoError(t, json.Unmarshal([]byte(out), &env))
	assert.Equal(t, int64(1), env.StreamSeq)

	code, _, errOut = run("append", "--stream", "B", "--type", events.WorkItemCreated,
		"--actor-kind", "system", "--actor-id", "planner", "--payload", `{"title":"b"}`,
		"--ref", "work_item:A:depends_on")
	require.Equal(t, 0, code, errOut)

	// A stale expected version conflicts.
	code, _, errOut = run("append", "--stream", "A", "--type", events.WorkItemActivated,
		"--actor-kind", "system", "--actor-id", "planner", "--expected", "0")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "concurrency conflict")

	// Closing the loop is a validation error.
	code, _, _ = run("append", "--stream", "A", "--type", events.WorkItemActivated,
		"--actor-kind", "system", "--actor-id", "planner", "--ref", "work_item:B:depends_on")
	assert.Equal(t, 2, code)

	code, out, errOut = run("read-stream", "--stream", "A")
	require.Equal(t, 0, code, errOut)
	var evs []events.Envelope
	require.NoError(t, json.Unmarshal([]byte(out), &evs))
	assert.Len(t, evs, 1)

	code, out, errOut = run("dependents", "--node", "work_item:A")
	require.Equal(t, 0, code, errOut)
	var tr graph.Traversal
	require.NoError(t, json.Unmarshal([]byte(out), &tr))
	assert.Equal(t, []string{"work_item:B"}, tr.IDs())

	code, out, errOut = run("stale", "--node", "work_item:B")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"stale": false`)

	code, out, errOut = run("rebuild", "--projection", "work_items")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"events": 2`)

	code, out, errOut = run("publish")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"published": 2`)

	code, _, errOut = run("evaluate", "--candidate", "nope")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "candidate not found")
}
