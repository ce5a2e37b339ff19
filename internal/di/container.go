package di

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"browser-swarm/internal/application/port/input"
	"browser-swarm/internal/application/port/output"
	"browser-swarm/internal/application/service"
	"browser-swarm/internal/infrastructure/browser/rod"
	"browser-swarm/internal/infrastructure/config"
	"browser-swarm/internal/infrastructure/evidence"
	"browser-swarm/internal/infrastructure/ledger/memory"
	redisledger "browser-swarm/internal/infrastructure/ledger/redis"
	"browser-swarm/internal/infrastructure/ledger/sqlite"
	"browser-swarm/internal/infrastructure/llm/openrouter"
	"browser-swarm/internal/infrastructure/logger"
	"browser-swarm/internal/infrastructure/metrics"
	"browser-swarm/internal/infrastructure/report"
	"browser-swarm/internal/usecase/agent"
	"browser-swarm/internal/usecase/coordination"
	"browser-swarm/internal/usecase/detector"
	"browser-swarm/internal/usecase/oracle"
	"browser-swarm/internal/usecase/swarm"

	"github.com/google/uuid"
)

const (
	metricsNamespace = "swarm"
	evidenceWidth    = 1024
)

type Container struct {
	RunID    string
	Config   config.Config
	Logger   output.LoggerPort
	Metrics  *metrics.Collector
	Backend  output.LedgerBackend
	Store    *coordination.Store
	Launcher output.BrowserLauncher
	Oracle   *oracle.Adapter
	Runner   input.SwarmRunner

	closers []func() error
}

type Options struct {
	// RunID resumes an existing run when set; otherwise a new id is minted.
	RunID string
	// Launcher replaces the Chrome launcher, e.g. with the synthetic site.
	Launcher output.BrowserLauncher
	// Logger replaces the zap file logger.
	Logger output.LoggerPort
}

// NewRunID returns an id that sorts by start time.
func NewRunID() string {
	return fmt.Sprintf("run-%s-%s", time.Now().UTC().Format("20060102-150405"), uuid.NewString()[:8])
}

func NewContainer(ctx context.Context, cfg config.Config, opts Options) (_ *Container, err error) {
	c := &Container{RunID: opts.RunID, Config: cfg}
	if c.RunID == "" {
		c.RunID = NewRunID()
	}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	if opts.Logger != nil {
		c.Logger = opts.Logger
	} else {
		log, err := logger.NewLoggerAdapter(logger.Config{
			Level:   cfg.Log.Level,
			Dir:     cfg.Log.Dir,
			Name:    c.RunID,
			Console: cfg.Log.Console,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		c.Logger = log
		c.closers = append(c.closers, log.Close)
	}

	c.Metrics = metrics.NewCollector(metricsNamespace)
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := c.Metrics.Serve(ctx, cfg.Metrics.Addr, c.Logger); err != nil {
				c.Logger.Error("Metrics server stopped", "error", err)
			}
		}()
	}

	c.Backend, err = OpenBackend(ctx, cfg.Ledger, c.RunID)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, c.Backend.Close)

	c.Store, err = coordination.Open(ctx, c.Backend, coordination.Options{
		RunID: c.RunID,
		Retry: service.RetryPolicy{
			Attempts:   cfg.Ledger.RetryAttempts,
			Initial:    cfg.Ledger.RetryInitial,
			Max:        2 * time.Second,
			Multiplier: 2,
			Jitter:     0.2,
		},
		Logger:  c.Logger,
		Metrics: c.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open coordination store: %w", err)
	}

	c.Oracle = oracle.New(newLLM(cfg.Oracle, c.Logger), oracleConfig(cfg), c.Logger, c.Metrics)

	detectors := service.NewDetectorRegistry()
	detector.RegisterDefaults(detectors, detector.Config{
		SlowPageThreshold: cfg.Detectors.SlowPageThreshold,
		JSErrors:          cfg.Detectors.JSErrors,
		HTTPErrors:        cfg.Detectors.HTTPErrors,
		SlowPages:         cfg.Detectors.SlowPages,
		BrokenLinks:       cfg.Detectors.BrokenLinks,
		Accessibility:     cfg.Detectors.Accessibility,
	})

	var shots output.EvidenceStore
	if cfg.Output.Evidence {
		fs, err := evidence.NewFileStore(filepath.Join(cfg.Output.Dir, "evidence", c.RunID), evidenceWidth)
		if err != nil {
			return nil, fmt.Errorf("failed to create evidence store: %w", err)
		}
		shots = fs
	}

	if opts.Launcher != nil {
		c.Launcher = opts.Launcher
	} else {
		l, err := rod.NewLauncher(browserConfig(cfg), c.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create browser: %w", err)
		}
		c.Launcher = l
	}
	launcher := c.Launcher
	c.closers = append(c.closers, func() error {
		launcher.Close()
		return nil
	})

	c.Runner = swarm.New(swarm.Config{
		BaseURL:         cfg.Target.BaseURL,
		Agents:          cfg.Swarm.Agents,
		Duration:        cfg.Swarm.Duration,
		MaxFindings:     cfg.Swarm.MaxFindings,
		MaxCritical:     cfg.Swarm.MaxCriticalFindings,
		MonitorInterval: cfg.Swarm.MonitorInterval,
		ShutdownGrace:   cfg.Swarm.ShutdownGrace,
		Agent: agent.Config{
			HistoryWindow:        cfg.Agent.HistoryWindow,
			StallThreshold:       cfg.Agent.StallThreshold,
			MaxActions:           cfg.Agent.MaxActions,
			MaxJumps:             cfg.Agent.MaxJumps,
			MaxUnavailableCycles: cfg.Agent.MaxUnavailableCycles,
			StallPause:           cfg.Agent.StallPause,
			ActionDelay:          cfg.Agent.ActionDelay,
			BrowserTimeout:       cfg.Browser.Timeout,
			BrowserRetries:       cfg.Browser.Retries,
			ExploredHint:         agent.DefaultConfig().ExploredHint,
		},
	}, swarm.Deps{
		Launcher:  c.Launcher,
		Ledger:    c.Store,
		Oracle:    c.Oracle,
		Detectors: detectors.All(),
		Evidence:  shots,
		Reports:   report.NewJSONWriter(cfg.Output.Dir),
		Logger:    c.Logger,
		Metrics:   c.Metrics,
	})

	c.Logger.Info("Container ready",
		"run_id", c.RunID,
		"ledger", cfg.Ledger.Driver,
		"detectors", detectors.Names(),
		"oracle_model", cfg.Oracle.Model,
	)
	return c, nil
}

// OpenBackend opens the ledger backend selected by cfg.Driver for runID.
func OpenBackend(ctx context.Context, cfg config.LedgerConfig, runID string) (output.LedgerBackend, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.New(runID), nil
	case config.DriverSQLite:
		b, err := sqlite.Open(cfg.Path, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite ledger: %w", err)
		}
		return b, nil
	case config.DriverRedis:
		b, err := redisledger.Open(ctx, redisledger.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis ledger: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}

// newLLM returns nil when no model is configured, which leaves the oracle on
// its fallback policy.
func newLLM(cfg config.OracleConfig, log output.LoggerPort) output.LLMPort {
	if cfg.Model == "" {
		return nil
	}
	llmCfg := openrouter.DefaultConfig(cfg.APIKey, cfg.Model)
	if cfg.BaseURL != "" {
		llmCfg.BaseURL = cfg.BaseURL
	}
	llmCfg.Timeout = cfg.Timeout
	llmCfg.Logger = log
	return openrouter.NewOpenRouterAdapter(llmCfg)
}

func oracleConfig(cfg config.Config) oracle.Config {
	oc := oracle.DefaultConfig()
	oc.Timeout = cfg.Oracle.Timeout
	oc.Retries = cfg.Oracle.Retries
	oc.Temperature = cfg.Oracle.Temperature
	oc.RequestsPerSecond = cfg.Oracle.RequestsPerSecond
	if cfg.Oracle.BackoffBase > 0 {
		oc.BackoffBase = cfg.Oracle.BackoffBase
	}
	if cfg.Oracle.BackoffMax > 0 {
		oc.BackoffMax = cfg.Oracle.BackoffMax
	}
	if u, err := url.Parse(cfg.Target.BaseURL); err == nil && u.Hostname() != "" {
		oc.AllowedHosts = []string{u.Hostname()}
	}
	return oc
}

func browserConfig(cfg config.Config) rod.BrowserConfig {
	bc := rod.DefaultConfig()
	bc.BaseURL = cfg.Target.BaseURL
	bc.Headless = cfg.Browser.Headless
	bc.Timeout = cfg.Browser.Timeout
	bc.NoSandbox = cfg.Browser.NoSandbox
	bc.SlowMotion = cfg.Browser.SlowMotion
	bc.Auth = rod.Auth{
		Username:          cfg.Target.Auth.Username,
		Password:          cfg.Target.Auth.Password,
		UsernameSelectors: cfg.Target.Auth.UsernameSelectors,
		PasswordSelectors: cfg.Target.Auth.PasswordSelectors,
		SubmitSelectors:   cfg.Target.Auth.SubmitSelectors,
	}
	return bc
}

// Close releases resources in reverse order of acquisition. The logger is
// closed last.
func (c *Container) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
