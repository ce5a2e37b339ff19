package di

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"browser-swarm/internal/domain/entity"
	"browser-swarm/internal/infrastructure/browser/synthetic"
	"browser-swarm/internal/infrastructure/config"
	"browser-swarm/internal/infrastructure/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func demoConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Target.BaseURL = "http://demo.local"
	cfg.Swarm.Agents = 2
	cfg.Swarm.Duration = 20 * time.Second
	cfg.Swarm.MonitorInterval = 20 * time.Millisecond
	cfg.Swarm.ShutdownGrace = 2 * time.Second
	cfg.Agent.StallPause = time.Millisecond
	cfg.Agent.ActionDelay = 0
	cfg.Oracle.Model = ""
	cfg.Ledger.Driver = config.DriverMemory
	cfg.Output.Dir = t.TempDir()
	cfg.Log.Dir = ""
	cfg.Log.Console = false
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNewContainer_RunsDemoSwarm(t *testing.T) {
	cfg := demoConfig(t)
	site := synthetic.DemoSite(cfg.Target.BaseURL)

	c, err := NewContainer(context.Background(), cfg, Options{
		RunID:    "run-di",
		Launcher: synthetic.NewLauncher(site),
		Logger:   logger.NewNop(),
	})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "run-di", c.RunID)
	assert.Equal(t, "run-di", c.Store.RunID())

	rep, err := c.Runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entity.StopAllFinished, rep.StopReason)
	assert.EqualValues(t, len(site.Pages), rep.Stats.Pages)

	entries, err := os.ReadDir(cfg.Output.Dir)
	require.NoError(t, err)
	var reports int
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "report_run-di_") {
			reports++
		}
	}
	assert.Equal(t, 1, reports)

	shots, err := os.ReadDir(filepath.Join(cfg.Output.Dir, "evidence", "run-di"))
	require.NoError(t, err)
	assert.NotEmpty(t, shots)
}

func TestNewContainer_MintsRunID(t *testing.T) {
	cfg := demoConfig(t)
	cfg.Output.Evidence = false

	c, err := NewContainer(context.Background(), cfg, Options{
		Launcher: synthetic.NewLauncher(synthetic.DemoSite(cfg.Target.BaseURL)),
		Logger:   logger.NewNop(),
	})
	require.NoError(t, err)
	defer c.Close()

	assert.True(t, strings.HasPrefix(c.RunID, "run-"))
	assert.NotNil(t, c.Metrics)
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()

	b, err := OpenBackend(ctx, config.LedgerConfig{Driver: config.DriverMemory}, "r1")
	require.NoError(t, err)
	require.NoError(t, b.Close())

	b, err = OpenBackend(ctx, config.LedgerConfig{
		Driver: config.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "ledger.db"),
	}, "r1")
	require.NoError(t, err)
	require.NoError(t, b.Ping(ctx))
	require.NoError(t, b.Close())

	_, err = OpenBackend(ctx, config.LedgerConfig{Driver: "etcd"}, "r1")
	assert.Error(t, err)
}

func TestOracleConfig_RestrictsToTargetHost(t *testing.T) {
	cfg := config.Default()
	cfg.Target.BaseURL = "https://shop.example.com/start"

	oc := oracleConfig(cfg)
	assert.Equal(t, []string{"shop.example.com"}, oc.AllowedHosts)
	assert.Equal(t, cfg.Oracle.Timeout, oc.Timeout)

	cfg.Target.BaseURL = "http://[::1]:3000/"
	assert.Equal(t, []string{"::1"}, oracleConfig(cfg).AllowedHosts)
}

func TestNewLLM_DisabledWithoutModel(t *testing.T) {
	assert.Nil(t, newLLM(config.OracleConfig{}, logger.NewNop()))
	assert.NotNil(t, newLLM(config.OracleConfig{Model: "m", BaseURL: "http://localhost:1/v1"}, logger.NewNop()))
}
