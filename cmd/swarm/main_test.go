package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"browser-swarm/internal/infrastructure/ledger/ledgertest"
	"browser-swarm/internal/infrastructure/ledger/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig keeps logs and results inside the test's temp dir.
func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "swarm.yaml")
	body := fmt.Sprintf("log:\n  dir: %q\n  console: false\noutput:\n  dir: %q\n",
		filepath.Join(dir, "log"), filepath.Join(dir, "results"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path, dir
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDemoCommand(t *testing.T) {
	cfgPath, dir := writeConfig(t)
	results := filepath.Join(dir, "demo")

	out, err := runCLI(t, "demo", "--config", cfgPath, "--agents", "2", "--output", results)
	require.NoError(t, err, out)

	assert.Contains(t, out, "Stop reason: all_agents_finished")
	assert.Contains(t, out, "Unique URLs: 10")
	assert.Contains(t, out, "broken_link")
	assert.Contains(t, out, "/careers")

	reports, err := filepath.Glob(filepath.Join(results, "report_*.json"))
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}

func TestLedgerCommand(t *testing.T) {
	cfgPath, dir := writeConfig(t)
	dbPath := filepath.Join(dir, "ledger.db")
	ctx := context.Background()

	b, err := sqlite.Open(dbPath, "run-a")
	require.NoError(t, err)
	_, err = b.InsertPage(ctx, ledgertest.Page("home"))
	require.NoError(t, err)
	f := ledgertest.Finding("home", "Uncaught TypeError", "")
	_, err = b.UpsertFinding(ctx, f.Signature(), f)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	out, err := runCLI(t, "ledger", "--config", cfgPath, "--ledger", "sqlite", "--ledger-path", dbPath)
	require.NoError(t, err, out)
	assert.Contains(t, out, "run-a")

	out, err = runCLI(t, "ledger", "--config", cfgPath, "--ledger", "sqlite", "--ledger-path", dbPath, "--run", "run-a")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Pages:       1 (0 complete)")
	assert.Contains(t, out, "Uncaught TypeError")
}

func TestLedgerCommand_RejectsMemoryDriver(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	_, err := runCLI(t, "ledger", "--config", cfgPath, "--ledger", "memory", "--run", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory ledger")
}

func TestRunCommand_RejectsResumeWithMemoryLedger(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	_, err := runCLI(t, "run", "--config", cfgPath, "--base-url", "http://localhost:1", "--ledger", "memory", "--resume", "run-x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--resume")
}
