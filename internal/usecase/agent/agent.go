// Package agent drives one browser session through the observe, reason, act,
// detect and report cycle against the shared coordination store.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"browser-swarm/internal/application/port/output"
	"browser-swarm/internal/application/service"
	"browser-swarm/internal/domain/entity"
	"browser-swarm/internal/domain/fingerprint"
	"browser-swarm/internal/usecase/detector"
	"browser-swarm/internal/usecase/oracle"
)

type Store interface {
	RegisterPage(ctx context.Context, page entity.PageRecord) (entity.RegisterResult, error)
	TryClaimAction(ctx context.Context, rec entity.ActionRecord, agentID string) (bool, error)
	IsClaimed(ctx context.Context, rec entity.ActionRecord) (bool, error)
	RecordFinding(ctx context.Context, f entity.Finding) (bool, error)
	MarkPageComplete(ctx context.Context, fp entity.PageFingerprint) error
	IsPageComplete(ctx context.Context, fp entity.PageFingerprint) (bool, error)
	Frontier(ctx context.Context, limit int) ([]entity.PageRecord, error)
}

type Oracle interface {
	Decide(ctx context.Context, req oracle.Request) oracle.Decision
	Fallback(ctx context.Context, req oracle.Request, reason string) oracle.Decision
}

type Config struct {
	HistoryWindow        int
	StallThreshold       int
	MaxActions           int
	MaxJumps             int
	MaxUnavailableCycles int
	StallPause           time.Duration
	ActionDelay          time.Duration
	BrowserTimeout       time.Duration
	BrowserRetries       int
	ExploredHint         int
}

func DefaultConfig() Config {
	return Config{
		HistoryWindow:        5,
		StallThreshold:       3,
		MaxActions:           50,
		MaxJumps:             5,
		MaxUnavailableCycles: 5,
		StallPause:           2 * time.Second,
		ActionDelay:          500 * time.Millisecond,
		BrowserTimeout:       30 * time.Second,
		BrowserRetries:       1,
		ExploredHint:         10,
	}
}

type Deps struct {
	Session   output.BrowserSession
	Store     Store
	Oracle    Oracle
	Detectors []output.DetectorPort
	Evidence  output.EvidenceStore
	Logger    output.LoggerPort
	Metrics   output.MetricsPort
}

type Agent struct {
	id      string
	index   int
	cfg     Config
	session output.BrowserSession
	store   Store
	oracle  Oracle

	detectors []output.DetectorPort
	evidence  output.EvidenceStore
	logger    output.LoggerPort
	metrics   output.MetricsPort

	stop      atomic.Bool
	closeOnce sync.Once

	mu     sync.Mutex
	status entity.AgentSession

	// loop state, owned by the Run goroutine
	current     *entity.PageState
	page        entity.PageFingerprint
	observed    *entity.PageState
	decision    oracle.Decision
	outcome     *entity.ActionOutcome
	pending     []entity.Defect
	history     []oracle.HistoryEntry
	explored    []string
	attempted   map[string]bool
	progressed  bool
	exhausted   bool
	noProgress  int
	jumps       int
	unavailable int
	shots       int
}

// New builds an agent. index rotates the stall jump target so agents spread
// over the frontier.
func New(id string, index int, cfg Config, deps Deps) *Agent {
	logger := deps.Logger
	if logger == nil {
		logger = output.NopLogger{}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = output.NopMetrics{}
	}
	return &Agent{
		id:        id,
		index:     index,
		cfg:       cfg,
		session:   deps.Session,
		store:     deps.Store,
		oracle:    deps.Oracle,
		detectors: deps.Detectors,
		evidence:  deps.Evidence,
		logger:    logger.WithFields(map[string]any{"component": "agent", "agent_id": id}),
		metrics:   metrics,
		attempted: make(map[string]bool),
		status: entity.AgentSession{
			AgentID: id,
			Status:  entity.AgentRunning,
		},
	}
}

func (a *Agent) ID() string { return a.id }

// Stop asks the agent to finish at the next cycle boundary.
func (a *Agent) Stop() {
	a.stop.Store(true)
}

// Session returns a copy of the agent's progress for monitoring.
func (a *Agent) Session() entity.AgentSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Agent) update(fn func(s *entity.AgentSession)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.status)
}

func (a *Agent) setStatus(status entity.AgentStatus) {
	a.update(func(s *entity.AgentSession) {
		if !s.Status.Terminal() {
			s.Status = status
		}
	})
}

// Kill marks the agent failed and closes its browser session. The
// orchestrator calls it for agents that ignored Stop.
func (a *Agent) Kill(err error) {
	a.update(func(s *entity.AgentSession) {
		if s.Status.Terminal() {
			return
		}
		s.Status = entity.AgentFailed
		s.Error = err.Error()
		s.FinishedAt = time.Now()
	})
	a.closeSession()
}

func (a *Agent) closeSession() {
	a.closeOnce.Do(func() {
		if a.session == nil {
			return
		}
		if err := a.session.Close(); err != nil {
			a.logger.Warn("Failed to close browser session", "error", err)
		}
	})
}

func (a *Agent) finish() {
	a.update(func(s *entity.AgentSession) {
		if s.Status.Terminal() {
			return
		}
		s.Status = entity.AgentFinished
		s.FinishedAt = time.Now()
	})
	a.closeSession()
}

func (a *Agent) fail(err error) {
	a.update(func(s *entity.AgentSession) {
		if s.Status.Terminal() {
			return
		}
		s.Status = entity.AgentFailed
		s.Error = err.Error()
		s.FinishedAt = time.Now()
	})
	a.closeSession()
}

// Run executes the state machine until the agent finishes, fails or ctx is
// cancelled. A nil error means the agent finished on its own.
func (a *Agent) Run(ctx context.Context) error {
	a.update(func(s *entity.AgentSession) { s.StartedAt = time.Now() })
	a.logger.Info("Agent started")

	state := StateObserving
	for {
		if err := ctx.Err(); err != nil {
			a.logger.Warn("Agent interrupted", "state", state.String())
			return err
		}
		if state == StateFinished {
			a.finish()
			sess := a.Session()
			a.logger.Info("Agent finished", "actions", sess.ActionsTaken, "pages", sess.PagesVisited, "new_pages", sess.NewPages)
			return nil
		}

		next, err := a.step(ctx, state)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, entity.ErrCoordinationUnavailable) {
				a.fail(err)
				return err
			}

			a.unavailable++
			if a.unavailable >= a.cfg.MaxUnavailableCycles {
				a.logger.Error("Coordination store unavailable, giving up", "cycles", a.unavailable, "error", err)
				a.fail(err)
				return err
			}
			a.logger.Warn("Coordination store unavailable, pausing", "cycle", a.unavailable, "state", state.String(), "error", err)
			a.setStatus(entity.AgentStalled)
			if err := sleep(ctx, a.cfg.StallPause); err != nil {
				return err
			}
			a.setStatus(entity.AgentRunning)
			a.observed = nil
			state = StateObserving
			continue
		}

		if state == StateObserving && next != StateFinished {
			a.unavailable = 0
		}
		if !CanTransition(state, next) {
			err := fmt.Errorf("illegal transition %s -> %s", state, next)
			a.fail(err)
			return err
		}
		a.metrics.AgentTransition(state.String(), next.String())
		a.logger.Debug("Transition", "from", state.String(), "to", next.String())
		state = next
	}
}

func (a *Agent) step(ctx context.Context, state State) (State, error) {
	switch state {
	case StateObserving:
		return a.observe(ctx)
	case StateReasoning:
		return a.reason(ctx)
	case StateActing:
		return a.act(ctx)
	case StateDetecting:
		return a.detect(ctx)
	case StateReporting:
		return a.report(ctx)
	case StateStalled:
		return a.stalled(ctx)
	}
	return StateFinished, fmt.Errorf("unknown state %d", state)
}

func (a *Agent) observe(ctx context.Context) (State, error) {
	if err := a.flush(ctx); err != nil {
		return StateFinished, err
	}
	if a.stop.Load() {
		a.logger.Info("Stop requested")
		return StateFinished, nil
	}
	if a.cfg.MaxActions > 0 && a.Session().ActionsTaken >= a.cfg.MaxActions {
		a.logger.Info("Action budget exhausted", "max_actions", a.cfg.MaxActions)
		return StateFinished, nil
	}

	state := a.observed
	a.observed = nil
	if state == nil {
		var err error
		state, err = a.observePage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return StateFinished, ctx.Err()
			}
			a.logger.Warn("Observe failed", "error", err)
			a.pending = append(a.pending, entity.Defect{
				Severity:    entity.SeverityLow,
				Category:    entity.CategoryAgentError,
				Page:        a.page,
				URL:         a.Session().CurrentURL,
				Description: "Page observation failed: " + firstLine(err),
			})
			if err := a.flush(ctx); err != nil {
				return StateFinished, err
			}
			return StateStalled, nil
		}
	}

	fp := fingerprint.Page(state)
	res, err := a.store.RegisterPage(ctx, entity.PageRecord{
		Fingerprint: fp,
		URL:         state.URL,
		Title:       state.Title,
		FirstSeenBy: a.id,
	})
	if err != nil {
		return StateFinished, err
	}

	a.current = state
	a.page = fp
	a.remember(state.URL)
	a.update(func(s *entity.AgentSession) {
		s.CurrentPage = fp
		s.CurrentURL = state.URL
		s.PagesVisited++
		if res.New {
			s.NewPages++
		}
	})

	if res.New {
		a.progressed = true
		a.logger.Info("Discovered page", "url", state.URL, "fingerprint", fp)
		return StateReasoning, nil
	}

	complete, err := a.store.IsPageComplete(ctx, fp)
	if err != nil {
		return StateFinished, err
	}
	if complete {
		a.logger.Debug("Page already complete", "url", state.URL)
		return StateStalled, nil
	}
	return StateReasoning, nil
}

func (a *Agent) reason(ctx context.Context) (State, error) {
	d := a.oracle.Decide(ctx, a.request())
	if d.Exhausted() {
		a.logger.Info("Page exhausted", "url", a.current.URL, "reason", d.Reason)
		a.exhausted = true
		return StateReporting, nil
	}
	if d.Kind == oracle.Fallback {
		a.logger.Debug("Using fallback action", "reason", d.Reason, "action", d.Action.Kind, "target", d.Action.Descriptor())
	}
	a.decision = d
	return StateActing, nil
}

func (a *Agent) act(ctx context.Context) (State, error) {
	action := a.decision.Action
	won := false
	for tries := 0; tries <= len(a.current.Elements)+1; tries++ {
		rec := entity.NewActionRecord(a.page, action)
		a.attempted[rec.Key()] = true

		ok, err := a.store.TryClaimAction(ctx, rec, a.id)
		if err != nil {
			return StateFinished, err
		}
		if ok {
			won = true
			break
		}

		a.logger.Debug("Claim lost", "action", action.Kind, "target", action.Descriptor())
		d := a.oracle.Fallback(ctx, a.request(), "claim lost on "+action.Descriptor())
		if d.Exhausted() {
			break
		}
		action = d.Action
	}

	if !won {
		a.exhausted = true
		return StateReporting, nil
	}

	a.progressed = true
	a.update(func(s *entity.AgentSession) { s.ActionsTaken++ })

	outcome, err := a.execute(ctx, action)
	if err != nil {
		if ctx.Err() != nil {
			return StateFinished, ctx.Err()
		}
		err = fmt.Errorf("%w: %w", entity.ErrActionExecution, err)
		a.logger.Warn("Action failed", "action", action.Kind, "target", action.Descriptor(), "error", err)
		a.addHistory(action, "failed")
		a.outcome = nil
		a.pending = append(a.pending, entity.Defect{
			Severity:    entity.SeverityLow,
			Category:    entity.CategoryAgentError,
			Page:        a.page,
			URL:         a.current.URL,
			Description: fmt.Sprintf("Action %s %s failed: %s", action.Kind, action.Descriptor(), firstLine(err)),
		})
		return StateReporting, nil
	}

	outcome.Action = action
	outcome.FromPage = a.page
	if outcome.FromURL == "" {
		outcome.FromURL = a.current.URL
	}
	a.outcome = outcome

	result := "ok"
	if outcome.StatusCode >= 400 {
		result = fmt.Sprintf("HTTP %d", outcome.StatusCode)
	}
	a.addHistory(action, result)
	return StateDetecting, nil
}

func (a *Agent) detect(ctx context.Context) (State, error) {
	state, err := a.observePage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return StateFinished, ctx.Err()
		}
		a.logger.Warn("Post-action observe failed", "error", err)
		return StateObserving, nil
	}
	a.observed = state
	fp := fingerprint.Page(state)

	defects := detector.Run(a.detectors, state, a.outcome)
	for i := range defects {
		if defects[i].Page == "" {
			defects[i].Page = fp
		}
		if defects[i].URL == "" {
			defects[i].URL = state.URL
		}
	}

	if len(defects) > 0 {
		if ref := a.captureEvidence(ctx); ref != "" {
			for i := range defects {
				if defects[i].Evidence == "" {
					defects[i].Evidence = ref
				}
			}
		}
	}
	a.pending = append(a.pending, defects...)
	return StateReporting, nil
}

func (a *Agent) report(ctx context.Context) (State, error) {
	if err := a.flush(ctx); err != nil {
		return StateFinished, err
	}

	if a.progressed {
		a.noProgress = 0
		a.jumps = 0
	} else {
		a.noProgress++
	}
	exhausted := a.exhausted
	a.progressed = false
	a.exhausted = false

	if a.noProgress >= a.cfg.StallThreshold {
		a.logger.Info("No progress, stalling", "cycles", a.noProgress)
		// The page is closed only when the last cycle found it exhausted.
		if exhausted {
			if err := a.store.MarkPageComplete(ctx, a.page); err != nil {
				return StateFinished, err
			}
		}
		return StateStalled, nil
	}
	if err := sleep(ctx, a.cfg.ActionDelay); err != nil {
		return StateFinished, err
	}
	return StateObserving, nil
}

// stalled jumps to an unfinished page somewhere else in the application.
func (a *Agent) stalled(ctx context.Context) (State, error) {
	a.setStatus(entity.AgentStalled)
	a.noProgress = 0
	a.observed = nil

	if a.stop.Load() {
		return StateFinished, nil
	}
	if a.jumps >= a.cfg.MaxJumps {
		a.logger.Info("Too many fruitless jumps, finishing", "jumps", a.jumps)
		return StateFinished, nil
	}

	frontier, err := a.store.Frontier(ctx, 0)
	if err != nil {
		return StateFinished, err
	}
	var candidates []entity.PageRecord
	for _, p := range frontier {
		if p.Fingerprint != a.page {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		a.logger.Info("Frontier empty, finishing")
		return StateFinished, nil
	}

	target := candidates[(a.index+a.jumps)%len(candidates)]
	a.jumps++
	a.logger.Info("Jumping to frontier page", "url", target.URL, "jump", a.jumps)

	_, err = a.execute(ctx, entity.Action{Kind: entity.ActionNavigate, URL: target.URL, Reasoning: "stall recovery"})
	if err != nil {
		if ctx.Err() != nil {
			return StateFinished, ctx.Err()
		}
		a.logger.Warn("Jump failed", "url", target.URL, "error", err)
	}
	a.setStatus(entity.AgentRunning)
	return StateObserving, nil
}

// flush records pending defects. Unrecorded defects stay pending when the
// store is unavailable.
func (a *Agent) flush(ctx context.Context) error {
	for len(a.pending) > 0 {
		d := a.pending[0]
		created, err := a.store.RecordFinding(ctx, entity.Finding{
			Severity:     d.Severity,
			Category:     d.Category,
			Page:         d.Page,
			URL:          d.URL,
			Description:  d.Description,
			Evidence:     d.Evidence,
			DiscoveredBy: a.id,
			Timestamp:    time.Now(),
		})
		switch {
		case errors.Is(err, entity.ErrInvalidFinding):
			a.logger.Warn("Dropping invalid defect", "error", err)
		case err != nil:
			return err
		case created:
			a.logger.Info("Finding recorded", "category", d.Category, "severity", d.Severity, "description", d.Description)
		}
		a.pending = a.pending[1:]
	}
	return nil
}

func (a *Agent) request() oracle.Request {
	return oracle.Request{
		AgentID:   a.id,
		Page:      a.page,
		State:     a.current,
		History:   a.history,
		Explored:  a.explored,
		Claimed:   a.store,
		Attempted: a.attempted,
	}
}

func (a *Agent) observePage(ctx context.Context) (*entity.PageState, error) {
	return service.Retry(ctx, a.browserPolicy(), func() (*entity.PageState, error) {
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.BrowserTimeout)
		defer cancel()
		return a.session.Observe(callCtx)
	}, nil)
}

func (a *Agent) execute(ctx context.Context, action entity.Action) (*entity.ActionOutcome, error) {
	return service.Retry(ctx, a.browserPolicy(), func() (*entity.ActionOutcome, error) {
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.BrowserTimeout)
		defer cancel()
		return a.session.Execute(callCtx, action)
	}, nil)
}

func (a *Agent) browserPolicy() service.RetryPolicy {
	return service.RetryPolicy{
		Attempts:   a.cfg.BrowserRetries + 1,
		Initial:    100 * time.Millisecond,
		Max:        time.Second,
		Multiplier: 2,
	}
}

func (a *Agent) captureEvidence(ctx context.Context) string {
	if a.evidence == nil {
		return ""
	}
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.BrowserTimeout)
	defer cancel()

	shot, err := a.session.Screenshot(callCtx)
	if err != nil {
		a.logger.Warn("Screenshot failed", "error", err)
		return ""
	}
	a.shots++
	ref, err := a.evidence.Save(ctx, a.id, a.shots, shot)
	if err != nil {
		a.logger.Warn("Saving evidence failed", "error", err)
		return ""
	}
	return ref
}

func (a *Agent) addHistory(action entity.Action, result string) {
	a.history = append(a.history, oracle.HistoryEntry{Action: action, URL: a.current.URL, Result: result})
	if n := a.cfg.HistoryWindow; n > 0 && len(a.history) > n {
		a.history = append([]oracle.HistoryEntry(nil), a.history[len(a.history)-n:]...)
	}
}

func (a *Agent) remember(url string) {
	for _, u := range a.explored {
		if u == url {
			return
		}
	}
	a.explored = append(a.explored, url)
	if n := a.cfg.ExploredHint; n > 0 && len(a.explored) > n {
		a.explored = append([]string(nil), a.explored[len(a.explored)-n:]...)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func firstLine(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	return msg
}
