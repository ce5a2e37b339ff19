package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"browser-swarm/internal/domain/entity"
	"browser-swarm/internal/infrastructure/env"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Default()
	cfg.Target.BaseURL = "http://localhost:3000"
	return cfg
}

func TestDefault_NeedsBaseURL(t *testing.T) {
	err := Default().Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, entity.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "target.base_url")

	assert.NoError(t, validConfig().Validate())
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Swarm.Agents = 0
	cfg.Agent.StallThreshold = 0
	cfg.Ledger.Driver = "mongo"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "swarm.agents")
	assert.Contains(t, err.Error(), "agent.stall_threshold")
	assert.Contains(t, err.Error(), `ledger.driver "mongo"`)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swarm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
target:
  base_url: http://app.local:8080
swarm:
  agents: 3
  duration: 90s
agent:
  history_window: 8
  stall_threshold: 4
ledger:
  driver: memory
oracle:
  model: from-yaml
`), 0o644))

	cfg, err := Load(path, env.NewEnvService("CFGTEST_UNSET_"))
	require.NoError(t, err)
	assert.Equal(t, "http://app.local:8080", cfg.Target.BaseURL)
	assert.Equal(t, 3, cfg.Swarm.Agents)
	assert.Equal(t, 90*time.Second, cfg.Swarm.Duration)
	assert.Equal(t, 8, cfg.Agent.HistoryWindow)
	assert.Equal(t, 4, cfg.Agent.StallThreshold)
	assert.Equal(t, DriverMemory, cfg.Ledger.Driver)
	assert.Equal(t, "from-yaml", cfg.Oracle.Model)
	assert.Equal(t, 5*time.Second, cfg.Detectors.SlowPageThreshold, "defaults survive a partial file")
}

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv("SWARM_AGENTS", "7")
	t.Setenv("SWARM_ORACLE_MODEL", "from-env")
	t.Setenv("SWARM_DURATION", "2m")
	t.Setenv("SWARM_LEDGER_DRIVER", "redis")

	cfg := validConfig()
	ApplyEnv(&cfg, env.NewEnvService("SWARM_"))

	assert.Equal(t, 7, cfg.Swarm.Agents)
	assert.Equal(t, "from-env", cfg.Oracle.Model)
	assert.Equal(t, 2*time.Minute, cfg.Swarm.Duration)
	assert.Equal(t, DriverRedis, cfg.Ledger.Driver)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_OverridesWinAndAreValidated(t *testing.T) {
	cfg, err := Load("", nil, func(c *Config) {
		c.Target.BaseURL = "https://flag.example"
		c.Swarm.Agents = 9
	})
	require.NoError(t, err)
	assert.Equal(t, "https://flag.example", cfg.Target.BaseURL)
	assert.Equal(t, 9, cfg.Swarm.Agents)

	_, err = Load("", nil, func(c *Config) {
		c.Target.BaseURL = "https://flag.example"
		c.Swarm.Agents = -1
	})
	assert.ErrorIs(t, err, entity.ErrInvalidConfig)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestAuthConfig_Enabled(t *testing.T) {
	auth := Default().Target.Auth
	assert.False(t, auth.Enabled())
	auth.Username, auth.Password = "u", "p"
	assert.True(t, auth.Enabled())
}
