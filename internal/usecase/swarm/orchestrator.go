// Package swarm runs a fleet of agents against one target and decides when
// the run is over.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"browser-swarm/internal/application/port/input"
	"browser-swarm/internal/application/port/output"
	"browser-swarm/internal/domain/entity"
	"browser-swarm/internal/usecase/agent"

	"golang.org/x/sync/errgroup"
)

var _ input.SwarmRunner = (*Orchestrator)(nil)

// Ledger is the part of the coordination store the orchestrator needs on
// top of what agents use.
type Ledger interface {
	agent.Store
	RunID() string
	Snapshot() entity.Stats
	Export(ctx context.Context) (*entity.Ledger, error)
}

type Config struct {
	BaseURL         string
	Agents          int
	Duration        time.Duration
	MaxFindings     int
	MaxCritical     int
	MonitorInterval time.Duration
	ShutdownGrace   time.Duration
	Agent           agent.Config
}

func DefaultConfig() Config {
	return Config{
		Agents:          3,
		Duration:        10 * time.Minute,
		MonitorInterval: 5 * time.Second,
		ShutdownGrace:   30 * time.Second,
		Agent:           agent.DefaultConfig(),
	}
}

type Deps struct {
	Launcher  output.BrowserLauncher
	Ledger    Ledger
	Oracle    agent.Oracle
	Detectors []output.DetectorPort
	Evidence  output.EvidenceStore
	Reports   output.ReportWriter
	Logger    output.LoggerPort
	Metrics   output.MetricsPort
}

type Orchestrator struct {
	cfg       Config
	launcher  output.BrowserLauncher
	ledger    Ledger
	oracle    agent.Oracle
	detectors []output.DetectorPort
	evidence  output.EvidenceStore
	reports   output.ReportWriter
	base      output.LoggerPort
	logger    output.LoggerPort
	metrics   output.MetricsPort
}

func New(cfg Config, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = output.NopLogger{}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = output.NopMetrics{}
	}
	base := logger.WithField("run_id", deps.Ledger.RunID())
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = time.Second
	}
	return &Orchestrator{
		cfg:       cfg,
		launcher:  deps.Launcher,
		ledger:    deps.Ledger,
		oracle:    deps.Oracle,
		detectors: deps.Detectors,
		evidence:  deps.Evidence,
		reports:   deps.Reports,
		base:      base,
		logger:    base.WithField("component", "swarm"),
		metrics:   metrics,
	}
}

type member struct {
	agent  *agent.Agent
	cancel context.CancelFunc
	done   chan struct{}
}

func (m *member) exited() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Run spawns the agents, supervises them until a stop condition holds and
// returns the run report. The report is returned even when err is not nil.
func (o *Orchestrator) Run(ctx context.Context) (*entity.RunReport, error) {
	report := &entity.RunReport{
		RunID:     o.ledger.RunID(),
		BaseURL:   o.cfg.BaseURL,
		StartedAt: time.Now(),
	}
	o.logger.Info("Starting swarm", "agents", o.cfg.Agents, "base_url", o.cfg.BaseURL, "duration", o.cfg.Duration)

	// Agents outlive ctx long enough to be stopped gracefully.
	runCtx := context.WithoutCancel(ctx)

	var (
		members []*member
		openErr error
		fatal   = make(chan error, max(1, o.cfg.Agents))
		g       errgroup.Group
	)
	for i := range o.cfg.Agents {
		id := fmt.Sprintf("agent-%d", i+1)
		sess, err := o.launcher.Open(ctx, id)
		if err != nil {
			o.logger.Error("Failed to open browser session", "agent_id", id, "error", err)
			report.Errors = append(report.Errors, fmt.Sprintf("%s: open browser: %v", id, err))
			openErr = errors.Join(openErr, err)
			continue
		}

		m := &member{
			agent: agent.New(id, i, o.cfg.Agent, agent.Deps{
				Session:   sess,
				Store:     o.ledger,
				Oracle:    o.oracle,
				Detectors: o.detectors,
				Evidence:  o.evidence,
				Logger:    o.base,
				Metrics:   o.metrics,
			}),
			done: make(chan struct{}),
		}
		agentCtx, cancel := context.WithCancel(runCtx)
		m.cancel = cancel
		members = append(members, m)

		g.Go(func() error {
			defer close(m.done)
			err := m.agent.Run(agentCtx)
			if errors.Is(err, entity.ErrCoordinationUnavailable) {
				fatal <- err
			}
			return nil
		})
	}
	defer func() {
		for _, m := range members {
			m.cancel()
		}
	}()

	if len(members) == 0 {
		report.StopReason = entity.StopAborted
		report.FinishedAt = time.Now()
		return report, fmt.Errorf("%w: no browser session could be opened: %w", entity.ErrRunFailed, openErr)
	}

	allDone := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(allDone)
	}()

	reason, fatalErr := o.monitor(ctx, members, allDone, fatal)
	report.StopReason = reason
	o.logger.Info("Stopping swarm", "reason", reason)

	o.shutdown(ctx, members, allDone)

	// A coordination failure may surface while agents wind down.
	if fatalErr == nil {
		select {
		case fatalErr = <-fatal:
			report.StopReason = entity.StopCoordination
		default:
		}
	}

	o.finishReport(ctx, report, members)

	switch {
	case fatalErr != nil:
		return report, fmt.Errorf("%w: %w", entity.ErrRunFailed, fatalErr)
	case reason == entity.StopAborted:
		return report, fmt.Errorf("%w: %w", entity.ErrRunAborted, context.Cause(ctx))
	}
	return report, nil
}

func (o *Orchestrator) monitor(ctx context.Context, members []*member, allDone <-chan struct{}, fatal <-chan error) (entity.StopReason, error) {
	ticker := time.NewTicker(o.cfg.MonitorInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if o.cfg.Duration > 0 {
		t := time.NewTimer(o.cfg.Duration)
		defer t.Stop()
		deadline = t.C
	}

	for {
		select {
		case <-deadline:
			return entity.StopDuration, nil
		case <-allDone:
			return entity.StopAllFinished, nil
		case err := <-fatal:
			o.logger.Error("Coordination store unavailable", "error", err)
			return entity.StopCoordination, err
		case <-ctx.Done():
			return entity.StopAborted, nil
		case <-ticker.C:
			if reason, stop := o.tick(members); stop {
				return reason, nil
			}
		}
	}
}

func (o *Orchestrator) tick(members []*member) (entity.StopReason, bool) {
	stats := o.ledger.Snapshot()
	running := 0
	for _, m := range members {
		if !m.agent.Session().Status.Terminal() {
			running++
		}
	}
	o.metrics.Progress(stats, running)
	o.logger.Info("Progress",
		"running", running,
		"pages", stats.Pages,
		"complete_pages", stats.CompletePages,
		"actions", stats.Actions,
		"findings", stats.Findings,
		"critical", stats.BySeverity[entity.SeverityCritical],
	)

	if o.cfg.MaxFindings > 0 && stats.Findings >= int64(o.cfg.MaxFindings) {
		return entity.StopMaxFindings, true
	}
	if o.cfg.MaxCritical > 0 && stats.BySeverity[entity.SeverityCritical] >= int64(o.cfg.MaxCritical) {
		return entity.StopMaxCritical, true
	}
	return "", false
}

// shutdown asks every agent to stop, then force-terminates the ones that are
// still running after the grace period.
func (o *Orchestrator) shutdown(ctx context.Context, members []*member, allDone <-chan struct{}) {
	for _, m := range members {
		m.agent.Stop()
	}
	if waitFor(allDone, o.cfg.ShutdownGrace) {
		return
	}

	for _, m := range members {
		if m.exited() {
			continue
		}
		sess := m.agent.Session()
		o.logger.Warn("Agent ignored stop, terminating", "agent_id", sess.AgentID, "grace", o.cfg.ShutdownGrace)

		m.cancel()
		m.agent.Kill(entity.ErrAgentTimeout)

		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		_, err := o.ledger.RecordFinding(recordCtx, entity.Finding{
			Severity:     entity.SeverityHigh,
			Category:     entity.CategoryAgentTimeout,
			Page:         sess.CurrentPage,
			URL:          sess.CurrentURL,
			Description:  fmt.Sprintf("Agent %s did not stop within %s", sess.AgentID, o.cfg.ShutdownGrace),
			DiscoveredBy: sess.AgentID,
			Timestamp:    time.Now(),
		})
		cancel()
		if err != nil {
			o.logger.Error("Failed to record agent timeout", "agent_id", sess.AgentID, "error", err)
		}
	}

	if !waitFor(allDone, o.cfg.ShutdownGrace) {
		o.logger.Error("Agents still running after termination", "grace", o.cfg.ShutdownGrace)
	}
}

func (o *Orchestrator) finishReport(ctx context.Context, report *entity.RunReport, members []*member) {
	exportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	ledger, err := o.ledger.Export(exportCtx)
	if err != nil {
		o.logger.Error("Failed to export ledger", "error", err)
		report.Errors = append(report.Errors, fmt.Sprintf("export ledger: %v", err))
	} else {
		report.Ledger = ledger
		report.UniqueURLs = ledger.UniqueURLs()
	}
	report.Stats = o.ledger.Snapshot()

	for _, m := range members {
		sess := m.agent.Session()
		report.Agents = append(report.Agents, sess)
		if sess.Status == entity.AgentFailed {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", sess.AgentID, sess.Error))
		}
	}
	report.FinishedAt = time.Now()

	o.logger.Info("Swarm finished",
		"reason", report.StopReason,
		"pages", report.Stats.Pages,
		"unique_urls", report.UniqueURLs,
		"findings", report.Stats.Findings,
		"failed_agents", len(report.FailedAgents()),
		"elapsed", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond),
	)

	if o.reports == nil {
		return
	}
	path, err := o.reports.Write(exportCtx, report)
	if err != nil {
		o.logger.Error("Failed to write report", "error", err)
		report.Errors = append(report.Errors, fmt.Sprintf("write report: %v", err))
		return
	}
	o.logger.Info("Report written", "path", path)
}

func waitFor(done <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
