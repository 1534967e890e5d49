package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldproof/internal/domain"
	"fieldproof/internal/engine"
)

func run(t *testing.T, workspace, actorID string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--workspace", workspace, "--actor-id", actorID, "--json"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, workspace, actorID string, args ...string) string {
	t.Helper()
	out, err := run(t, workspace, actorID, args...)
	require.NoError(t, err, out)
	return out
}

func TestConfigInitAndShow(t *testing.T) {
	ws := t.TempDir()
	mustRun(t, ws, "ops", "config", "init")
	_, err := os.Stat(filepath.Join(ws, "fieldproof.yml"))
	require.NoError(t, err)

	_, err = run(t, ws, "ops", "config", "init")
	require.Error(t, err)

	t.Setenv("FIELDPROOF_SERVER_JWT_SECRET", "hunter2")
	out := mustRun(t, ws, "ops", "config", "show")
	assert.Contains(t, out, `"***"`)
	assert.NotContains(t, out, "hunter2")
}

func TestTaskLifecycleThroughCLI(t *testing.T) {
	ws := t.TempDir()
	var task domain.Task
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, ws, "req-1",
		"task", "create", "--title", "Storefront", "--lat", "51.5", "--lon", "-0.12", "--bounty", "10000")), &task))
	assert.Equal(t, domain.TaskDraft, task.Status)
	assert.Equal(t, "USDC", task.Bounty.Currency)

	_, err := run(t, ws, "someone", "task", "publish", task.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	var o engine.Outcome
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, ws, "req-1", "task", "publish", task.ID)), &o))
	assert.Equal(t, domain.TaskPosted, o.Task.Status)

	var claim engine.ClaimResult
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, ws, "worker-1", "claim", "create", task.ID)), &claim))
	assert.Equal(t, int64(1000), claim.Stake.Amount)

	_, err = run(t, ws, "worker-2", "claim", "create", task.ID)
	assert.ErrorIs(t, err, domain.ErrClaimConflict)

	require.NoError(t, json.Unmarshal([]byte(mustRun(t, ws, "req-1", "task", "cancel", task.ID, "--reason", "no longer needed")), &o))
	assert.Equal(t, domain.TaskCancelled, o.Task.Status)
	require.NotNil(t, o.Settlement)
	assert.Equal(t, "refund", o.Settlement.Action)

	var tasks []domain.Task
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, ws, "req-1", "task", "list", "--status", domain.TaskCancelled)), &tasks))
	require.Len(t, tasks, 1)

	out := mustRun(t, ws, "ops", "log", "tail", "--type", "task.cancel")
	assert.True(t, strings.Contains(out, task.ID))
}

func TestWorkerQuote(t *testing.T) {
	ws := t.TempDir()
	mustRun(t, ws, "ops", "worker", "set", "worker-1", "--reputation-bps", "9000")
	out := mustRun(t, ws, "ops", "worker", "quote", "worker-1", "--bounty", "10000")
	assert.Contains(t, out, `"stake_bps": 700`)
}

func TestIndexerNeedsChainProvider(t *testing.T) {
	_, err := run(t, t.TempDir(), "ops", "indexer", "poll")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escrow.provider chain")
}
