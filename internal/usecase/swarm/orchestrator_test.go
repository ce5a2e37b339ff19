package swarm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"browser-swarm/internal/application/port/output"
	"browser-swarm/internal/application/service"
	"browser-swarm/internal/domain/entity"
	"browser-swarm/internal/infrastructure/browser/synthetic"
	"browser-swarm/internal/infrastructure/ledger/memory"
	"browser-swarm/internal/usecase/agent"
	"browser-swarm/internal/usecase/coordination"
	"browser-swarm/internal/usecase/detector"
	"browser-swarm/internal/usecase/oracle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseURL = "http://app.test"

type reportSink struct {
	mu      sync.Mutex
	reports []*entity.RunReport
}

func (s *reportSink) Write(_ context.Context, r *entity.RunReport) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return "memory://" + r.RunID, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.Agents = 3
	cfg.Duration = 30 * time.Second
	cfg.MonitorInterval = 5 * time.Millisecond
	cfg.ShutdownGrace = time.Second
	cfg.Agent.MaxActions = 0
	cfg.Agent.ActionDelay = 0
	cfg.Agent.StallPause = time.Millisecond
	cfg.Agent.BrowserTimeout = time.Second
	cfg.Agent.BrowserRetries = 0
	return cfg
}

func newOrchestrator(t *testing.T, cfg Config, backend output.LedgerBackend, sink output.ReportWriter, opts ...synthetic.Option) (*Orchestrator, *synthetic.Launcher) {
	t.Helper()
	if backend == nil {
		backend = memory.New("run-test")
	}
	store, err := coordination.Open(context.Background(), backend, coordination.Options{
		RunID: "run-test",
		Retry: service.RetryPolicy{Attempts: 2, Initial: time.Millisecond, Max: 2 * time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := service.NewDetectorRegistry()
	detector.RegisterDefaults(reg, detector.DefaultConfig())

	launcher := synthetic.NewLauncher(synthetic.DemoSite(baseURL), opts...)
	o := New(cfg, Deps{
		Launcher:  launcher,
		Ledger:    store,
		Oracle:    oracle.New(nil, oracle.DefaultConfig(), nil, nil),
		Detectors: reg.All(),
		Reports:   sink,
	})
	return o, launcher
}

func agentByID(t *testing.T, r *entity.RunReport, id string) entity.AgentSession {
	t.Helper()
	for _, a := range r.Agents {
		if a.AgentID == id {
			return a
		}
	}
	t.Fatalf("agent %s not in report", id)
	return entity.AgentSession{}
}

func TestRun_SwarmExploresDemoSite(t *testing.T) {
	sink := &reportSink{}
	o, launcher := newOrchestrator(t, testConfig(), nil, sink)

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, entity.StopAllFinished, report.StopReason)
	assert.Equal(t, "run-test", report.RunID)
	require.NotNil(t, report.Ledger)
	assert.Len(t, report.Ledger.Pages, 10, "every page state is registered exactly once")
	assert.Equal(t, 10, report.UniqueURLs)
	assert.EqualValues(t, 10, report.Stats.Pages)

	broken := report.Ledger.FindingsByCategory(entity.CategoryBrokenLink)
	require.Len(t, broken, 1)
	assert.Contains(t, broken[0].Description, "/careers")
	assert.Equal(t, 1, broken[0].Occurrences)

	claimed := map[string]bool{}
	for _, c := range report.Ledger.Actions {
		assert.False(t, claimed[c.Key], "action %s claimed twice", c.Key)
		claimed[c.Key] = true
	}

	require.Len(t, report.Agents, 3)
	for _, a := range report.Agents {
		assert.Equal(t, entity.AgentFinished, a.Status, a.AgentID)
	}
	assert.Empty(t, report.Errors)

	for _, s := range launcher.Sessions() {
		assert.True(t, s.Closed())
	}
	require.Len(t, sink.reports, 1)
	assert.Same(t, report, sink.reports[0])
}

func TestRun_PartialFailure(t *testing.T) {
	crash := synthetic.WithFault("agent-2", synthetic.Fault{ExecuteErr: errors.New("renderer crashed")})
	o, _ := newOrchestrator(t, testConfig(), nil, nil, crash, synthetic.WithDelay(time.Millisecond))

	report, err := o.Run(context.Background())
	require.NoError(t, err)

	errs := report.Ledger.FindingsByCategory(entity.CategoryAgentError)
	require.NotEmpty(t, errs)
	for _, f := range errs {
		assert.Equal(t, "agent-2", f.DiscoveredBy)
	}

	progress := 0
	for _, id := range []string{"agent-1", "agent-3"} {
		progress += agentByID(t, report, id).ActionsTaken
	}
	assert.Positive(t, progress)
	assert.Greater(t, len(report.Ledger.Pages), 1)
}

func TestRun_StragglerIsTerminated(t *testing.T) {
	cfg := testConfig()
	cfg.Duration = 100 * time.Millisecond
	cfg.ShutdownGrace = 50 * time.Millisecond
	cfg.Agent.BrowserTimeout = time.Minute
	o, launcher := newOrchestrator(t, cfg, nil, nil, synthetic.WithFault("agent-1", synthetic.Fault{Hang: true}))

	start := time.Now()
	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, entity.StopDuration, report.StopReason)

	stuck := agentByID(t, report, "agent-1")
	assert.Equal(t, entity.AgentFailed, stuck.Status)
	assert.Equal(t, entity.ErrAgentTimeout.Error(), stuck.Error)
	assert.Len(t, report.FailedAgents(), 1)
	assert.NotEmpty(t, report.Errors)

	timeouts := report.Ledger.FindingsByCategory(entity.CategoryAgentTimeout)
	require.Len(t, timeouts, 1)
	assert.Equal(t, entity.SeverityHigh, timeouts[0].Severity)
	assert.Equal(t, "agent-1", timeouts[0].DiscoveredBy)

	for _, s := range launcher.Sessions() {
		assert.True(t, s.Closed())
	}
}

func TestRun_MaxFindingsStopsRun(t *testing.T) {
	cfg := testConfig()
	cfg.Agents = 2
	cfg.MaxFindings = 1
	o, _ := newOrchestrator(t, cfg, nil, nil, synthetic.WithDelay(5*time.Millisecond))

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entity.StopMaxFindings, report.StopReason)
	assert.GreaterOrEqual(t, report.Stats.Findings, int64(1))
	for _, a := range report.Agents {
		assert.Equal(t, entity.AgentFinished, a.Status)
	}
}

func TestRun_OperatorCancel(t *testing.T) {
	o, _ := newOrchestrator(t, testConfig(), nil, nil, synthetic.WithDelay(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	report, err := o.Run(ctx)
	require.ErrorIs(t, err, entity.ErrRunAborted)
	require.NotNil(t, report)
	assert.Equal(t, entity.StopAborted, report.StopReason)
	assert.NotNil(t, report.Ledger)
}

type downBackend struct {
	output.LedgerBackend
}

func (downBackend) InsertPage(context.Context, entity.PageRecord) (bool, error) {
	return false, errors.New("connection refused")
}

func TestRun_CoordinationFailureIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.Agent.MaxUnavailableCycles = 2
	o, _ := newOrchestrator(t, cfg, downBackend{LedgerBackend: memory.New("run-test")}, nil)

	report, err := o.Run(context.Background())
	require.ErrorIs(t, err, entity.ErrRunFailed)
	require.ErrorIs(t, err, entity.ErrCoordinationUnavailable)
	require.NotNil(t, report)
	assert.Equal(t, entity.StopCoordination, report.StopReason)
	assert.NotEmpty(t, report.FailedAgents())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.Agents)
	assert.Equal(t, agent.DefaultConfig(), cfg.Agent)
	assert.Equal(t, 5, cfg.Agent.HistoryWindow)
	assert.Equal(t, 3, cfg.Agent.StallThreshold)
}
