// Package config loads swarm settings: defaults, then an optional YAML file,
// then SWARM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"browser-swarm/internal/domain/entity"
	"browser-swarm/internal/infrastructure/env"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Target    TargetConfig    `yaml:"target"`
	Swarm     SwarmConfig     `yaml:"swarm"`
	Agent     AgentConfig     `yaml:"agent"`
	Browser   BrowserConfig   `yaml:"browser"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Detectors DetectorsConfig `yaml:"detectors"`
	Output    OutputConfig    `yaml:"output"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type TargetConfig struct {
	BaseURL string     `yaml:"base_url"`
	Auth    AuthConfig `yaml:"auth"`
}

type AuthConfig struct {
	Username          string   `yaml:"username"`
	Password          string   `yaml:"password"`
	UsernameSelectors []string `yaml:"username_selectors"`
	PasswordSelectors []string `yaml:"password_selectors"`
	SubmitSelectors   []string `yaml:"submit_selectors"`
}

func (a AuthConfig) Enabled() bool {
	return a.Username != "" && a.Password != ""
}

type SwarmConfig struct {
	Agents              int           `yaml:"agents"`
	Duration            time.Duration `yaml:"duration"`
	MaxFindings         int           `yaml:"max_findings"`
	MaxCriticalFindings int           `yaml:"max_critical_findings"`
	MonitorInterval     time.Duration `yaml:"monitor_interval"`
	ShutdownGrace       time.Duration `yaml:"shutdown_grace"`
}

type AgentConfig struct {
	HistoryWindow        int           `yaml:"history_window"`
	StallThreshold       int           `yaml:"stall_threshold"`
	MaxActions           int           `yaml:"max_actions"`
	MaxJumps             int           `yaml:"max_jumps"`
	StallPause           time.Duration `yaml:"stall_pause"`
	ActionDelay          time.Duration `yaml:"action_delay"`
	MaxUnavailableCycles int           `yaml:"max_unavailable_cycles"`
}

type BrowserConfig struct {
	Headless   bool          `yaml:"headless"`
	Timeout    time.Duration `yaml:"timeout"`
	Retries    int           `yaml:"retries"`
	NoSandbox  bool          `yaml:"no_sandbox"`
	SlowMotion time.Duration `yaml:"slow_motion"`
}

type OracleConfig struct {
	APIKey            string        `yaml:"api_key"`
	Model             string        `yaml:"model"`
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	Retries           int           `yaml:"retries"`
	Temperature       float32       `yaml:"temperature"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

type LedgerConfig struct {
	Driver        string        `yaml:"driver"`
	Path          string        `yaml:"path"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInitial  time.Duration `yaml:"retry_initial"`
}

type DetectorsConfig struct {
	SlowPageThreshold time.Duration `yaml:"slow_page_threshold"`
	JSErrors          bool          `yaml:"js_errors"`
	HTTPErrors        bool          `yaml:"http_errors"`
	SlowPages         bool          `yaml:"slow_pages"`
	BrokenLinks       bool          `yaml:"broken_links"`
	Accessibility     bool          `yaml:"accessibility"`
}

type OutputConfig struct {
	Dir      string `yaml:"dir"`
	Evidence bool   `yaml:"evidence"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Dir     string `yaml:"dir"`
	Console bool   `yaml:"console"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

func Default() Config {
	return Config{
		Target: TargetConfig{
			Auth: AuthConfig{
				UsernameSelectors: []string{`input[name="username"]`, `input[type="email"]`, "#username", "#email"},
				PasswordSelectors: []string{`input[name="password"]`, `input[type="password"]`, "#password"},
				SubmitSelectors:   []string{`button[type="submit"]`, `input[type="submit"]`},
			},
		},
		Swarm: SwarmConfig{
			Agents:          5,
			Duration:        30 * time.Minute,
			MonitorInterval: 2 * time.Second,
			ShutdownGrace:   30 * time.Second,
		},
		Agent: AgentConfig{
			HistoryWindow:        5,
			StallThreshold:       3,
			MaxActions:           50,
			MaxJumps:             5,
			StallPause:           2 * time.Second,
			ActionDelay:          500 * time.Millisecond,
			MaxUnavailableCycles: 5,
		},
		Browser: BrowserConfig{
			Headless: true,
			Timeout:  30 * time.Second,
			Retries:  1,
		},
		Oracle: OracleConfig{
			Model:             "llama3.2:3b",
			BaseURL:           "http://localhost:11434/v1",
			Timeout:           30 * time.Second,
			Retries:           2,
			Temperature:       0.4,
			RequestsPerSecond: 2,
			BackoffBase:       2 * time.Second,
			BackoffMax:        time.Minute,
		},
		Ledger: LedgerConfig{
			Driver:        DriverSQLite,
			Path:          "test-results/ledger.db",
			RedisAddr:     "localhost:6379",
			RetryAttempts: 3,
			RetryInitial:  50 * time.Millisecond,
		},
		Detectors: DetectorsConfig{
			SlowPageThreshold: 5 * time.Second,
			JSErrors:          true,
			HTTPErrors:        true,
			SlowPages:         true,
			BrokenLinks:       true,
			Accessibility:     true,
		},
		Output: OutputConfig{
			Dir:      "test-results",
			Evidence: true,
		},
		Log: LogConfig{
			Level:   "info",
			Dir:     "log",
			Console: true,
		},
	}
}

// Load applies the YAML file at path (optional), the environment and then
// overrides on top of the defaults and validates the result.
func Load(path string, e *env.EnvService, overrides ...func(*Config)) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if e != nil {
		ApplyEnv(&cfg, e)
	}
	for _, o := range overrides {
		o(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func ApplyEnv(cfg *Config, e *env.EnvService) {
	cfg.Target.BaseURL = e.GetString("BASE_URL", cfg.Target.BaseURL)
	cfg.Target.Auth.Username = e.GetString("AUTH_USERNAME", cfg.Target.Auth.Username)
	cfg.Target.Auth.Password = e.GetString("AUTH_PASSWORD", cfg.Target.Auth.Password)

	cfg.Swarm.Agents = e.GetInt("AGENTS", cfg.Swarm.Agents)
	cfg.Swarm.Duration = e.GetDuration("DURATION", cfg.Swarm.Duration)
	cfg.Swarm.MaxFindings = e.GetInt("MAX_FINDINGS", cfg.Swarm.MaxFindings)
	cfg.Swarm.MaxCriticalFindings = e.GetInt("MAX_CRITICAL_FINDINGS", cfg.Swarm.MaxCriticalFindings)

	cfg.Agent.HistoryWindow = e.GetInt("HISTORY_WINDOW", cfg.Agent.HistoryWindow)
	cfg.Agent.StallThreshold = e.GetInt("STALL_THRESHOLD", cfg.Agent.StallThreshold)
	cfg.Agent.MaxActions = e.GetInt("MAX_ACTIONS", cfg.Agent.MaxActions)

	cfg.Browser.Headless = e.GetBool("HEADLESS", cfg.Browser.Headless)
	cfg.Browser.Timeout = e.GetDuration("BROWSER_TIMEOUT", cfg.Browser.Timeout)

	cfg.Oracle.APIKey = e.GetString("ORACLE_API_KEY", cfg.Oracle.APIKey)
	cfg.Oracle.Model = e.GetString("ORACLE_MODEL", cfg.Oracle.Model)
	cfg.Oracle.BaseURL = e.GetString("ORACLE_BASE_URL", cfg.Oracle.BaseURL)
	cfg.Oracle.Timeout = e.GetDuration("ORACLE_TIMEOUT", cfg.Oracle.Timeout)
	cfg.Oracle.Temperature = float32(e.GetFloat("ORACLE_TEMPERATURE", float64(cfg.Oracle.Temperature)))

	cfg.Ledger.Driver = e.GetString("LEDGER_DRIVER", cfg.Ledger.Driver)
	cfg.Ledger.Path = e.GetString("LEDGER_PATH", cfg.Ledger.Path)
	cfg.Ledger.RedisAddr = e.GetString("REDIS_ADDR", cfg.Ledger.RedisAddr)
	cfg.Ledger.RedisPassword = e.GetString("REDIS_PASSWORD", cfg.Ledger.RedisPassword)

	cfg.Output.Dir = e.GetString("OUTPUT_DIR", cfg.Output.Dir)
	cfg.Log.Level = e.GetString("LOG_LEVEL", cfg.Log.Level)
	cfg.Metrics.Addr = e.GetString("METRICS_ADDR", cfg.Metrics.Addr)
}

func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	u, err := url.Parse(c.Target.BaseURL)
	check(err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "",
		"target.base_url must be an absolute http(s) URL, got %q", c.Target.BaseURL)

	check(c.Swarm.Agents > 0, "swarm.agents must be positive")
	check(c.Swarm.Duration > 0, "swarm.duration must be positive")
	check(c.Swarm.MaxFindings >= 0, "swarm.max_findings must not be negative")
	check(c.Swarm.MaxCriticalFindings >= 0, "swarm.max_critical_findings must not be negative")
	check(c.Swarm.MonitorInterval > 0, "swarm.monitor_interval must be positive")
	check(c.Swarm.ShutdownGrace > 0, "swarm.shutdown_grace must be positive")

	check(c.Agent.HistoryWindow > 0, "agent.history_window must be positive")
	check(c.Agent.StallThreshold > 0, "agent.stall_threshold must be positive")
	check(c.Agent.MaxActions > 0, "agent.max_actions must be positive")
	check(c.Agent.MaxJumps > 0, "agent.max_jumps must be positive")
	check(c.Agent.MaxUnavailableCycles > 0, "agent.max_unavailable_cycles must be positive")

	check(c.Browser.Timeout > 0, "browser.timeout must be positive")
	check(c.Browser.Retries >= 0, "browser.retries must not be negative")

	check(c.Oracle.Timeout > 0, "oracle.timeout must be positive")
	check(c.Oracle.Retries >= 0, "oracle.retries must not be negative")
	check(c.Oracle.RequestsPerSecond >= 0, "oracle.requests_per_second must not be negative")

	switch c.Ledger.Driver {
	case DriverMemory:
	case DriverSQLite:
		check(c.Ledger.Path != "", "ledger.path is required for sqlite")
	case DriverRedis:
		check(c.Ledger.RedisAddr != "", "ledger.redis_addr is required for redis")
	default:
		check(false, "ledger.driver %q is not one of memory, sqlite, redis", c.Ledger.Driver)
	}
	check(c.Ledger.RetryAttempts > 0, "ledger.retry_attempts must be positive")

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", entity.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
