// Package oracle turns language-model replies into validated browser actions.
// Whatever goes wrong with the model, Decide still returns something usable.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"browser-swarm/internal/application/port/output"
	"browser-swarm/internal/application/service"
	"browser-swarm/internal/domain/entity"
	"browser-swarm/internal/infrastructure/prompts"

	"golang.org/x/time/rate"
)

const proposeActionTool = "propose_action"

var errDeclined = errors.New("oracle declined")

type Config struct {
	Timeout           time.Duration
	Retries           int
	Temperature       float32
	MaxTokens         int
	RequestsPerSecond float64
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxPromptElements int
	MaxPromptText     int
	UseTools          bool
	// AllowedHosts limits navigation; empty allows every host.
	AllowedHosts   []string
	SystemPrompt   string
	DecisionPrompt string
}

func DefaultConfig() Config {
	return Config{
		Timeout:           30 * time.Second,
		Retries:           2,
		Temperature:       0.4,
		MaxTokens:         512,
		RequestsPerSecond: 2,
		BackoffBase:       2 * time.Second,
		BackoffMax:        time.Minute,
		MaxPromptElements: 25,
		MaxPromptText:     600,
		SystemPrompt:      prompts.DecisionSystemPrompt,
		DecisionPrompt:    prompts.DecisionPrompt,
	}
}

// Adapter is shared by every agent of a run. The only mutable state is the
// consecutive-failure counter behind the back-off window.
type Adapter struct {
	llm     output.LLMPort
	cfg     Config
	logger  output.LoggerPort
	metrics output.MetricsPort
	limiter *rate.Limiter
	now     func() time.Time

	mu        sync.Mutex
	failures  int
	skipUntil time.Time
}

func New(llm output.LLMPort, cfg Config, logger output.LoggerPort, metrics output.MetricsPort) *Adapter {
	if logger == nil {
		logger = output.NopLogger{}
	}
	if metrics == nil {
		metrics = output.NopMetrics{}
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = prompts.DecisionSystemPrompt
	}
	if cfg.DecisionPrompt == "" {
		cfg.DecisionPrompt = prompts.DecisionPrompt
	}
	if cfg.MaxPromptElements <= 0 {
		cfg.MaxPromptElements = 25
	}

	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, int(cfg.RequestsPerSecond))
	}

	return &Adapter{
		llm:     llm,
		cfg:     cfg,
		logger:  logger.WithField("component", "oracle"),
		metrics: metrics,
		limiter: rate.NewLimiter(limit, burst),
		now:     time.Now,
	}
}

// SetClock replaces the clock used for the back-off window.
func (a *Adapter) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

func (a *Adapter) clock() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.now()
}

// Decide asks the oracle for the next action and falls back to the
// deterministic policy on timeout, transport error, malformed or invalid
// replies, a declined page or an open back-off window.
func (a *Adapter) Decide(ctx context.Context, req Request) Decision {
	start := time.Now()
	log := a.logger.WithField("agent_id", req.AgentID)

	if req.State == nil {
		return a.fallback(ctx, req, "no_state", "no page state", start)
	}
	if a.llm == nil {
		return a.fallback(ctx, req, "disabled", "oracle disabled", start)
	}

	if wait := a.backoffRemaining(); wait > 0 {
		return a.fallback(ctx, req, "backoff", fmt.Sprintf("oracle backing off for %s", wait.Round(time.Millisecond)), start)
	}

	action, err := a.ask(ctx, req)
	switch {
	case err == nil:
		a.recordSuccess()
		a.metrics.OracleDecision(string(Decided), "ok", time.Since(start))
		log.Debug("Oracle decided", "action", action.Kind, "target", action.Descriptor())
		return Decision{Kind: Decided, Action: action, Reason: action.Reasoning}

	case errors.Is(err, errDeclined):
		a.recordSuccess()
		return a.fallback(ctx, req, "declined", err.Error(), start)

	case ctx.Err() != nil:
		return a.fallback(ctx, req, "cancelled", err.Error(), start)
	}

	n, wait := a.recordFailure()
	reason := "transport"
	switch {
	case errors.Is(err, entity.ErrOracleTimeout):
		reason = "timeout"
	case errors.Is(err, entity.ErrOracleInvalidResponse):
		reason = "invalid"
	}
	log.Warn("Oracle failed, using fallback", "reason", reason, "error", err, "consecutive_failures", n, "backoff", wait)
	return a.fallback(ctx, req, reason, err.Error(), start)
}

// Fallback applies the deterministic policy directly. Agents use it after
// losing a claim race.
func (a *Adapter) Fallback(ctx context.Context, req Request, reason string) Decision {
	return a.fallback(ctx, req, "claim_lost", reason, time.Now())
}

func (a *Adapter) fallback(ctx context.Context, req Request, kind, reason string, start time.Time) Decision {
	a.metrics.OracleDecision(string(Fallback), kind, time.Since(start))
	return Decision{Kind: Fallback, Action: a.fallbackAction(ctx, req), Reason: reason}
}

// fallbackAction walks the elements in document order: the first one not
// claimed and not attempted by this agent, else the first one not claimed.
func (a *Adapter) fallbackAction(ctx context.Context, req Request) entity.Action {
	if req.State == nil {
		return entity.Action{Kind: entity.ActionNone}
	}

	var candidate *entity.Action
	for _, el := range req.State.Elements {
		act := ActionFor(el)
		if act.Kind == entity.ActionNavigate && !a.inScope(req.State.URL, act.URL) {
			continue
		}
		rec := entity.NewActionRecord(req.Page, act)
		if req.claimed(ctx, rec) {
			continue
		}
		if !req.attempted(rec) {
			return act
		}
		if candidate == nil {
			candidate = &act
		}
	}
	if candidate != nil {
		return *candidate
	}
	return entity.Action{Kind: entity.ActionNone}
}

func (a *Adapter) ask(ctx context.Context, req Request) (entity.Action, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	chat, err := a.chatRequest(callCtx, req)
	if err != nil {
		return entity.Action{}, err
	}

	policy := service.RetryPolicy{
		Attempts:   a.cfg.Retries + 1,
		Initial:    250 * time.Millisecond,
		Max:        2 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
	resp, err := service.Retry(callCtx, policy, func() (*output.ChatResponse, error) {
		if err := a.limiter.Wait(callCtx); err != nil {
			return nil, service.Permanent(fmt.Errorf("%w: rate limit: %w", entity.ErrOracleTimeout, err))
		}
		return a.llm.Chat(callCtx, chat)
	}, nil)
	if err != nil {
		if ctx.Err() == nil && (callCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded)) {
			return entity.Action{}, fmt.Errorf("%w after %s: %w", entity.ErrOracleTimeout, a.cfg.Timeout, err)
		}
		return entity.Action{}, fmt.Errorf("oracle request: %w", err)
	}

	proposed, err := parseAction(resp.Message)
	if err != nil {
		return entity.Action{}, err
	}
	if proposed.IsNone() {
		return entity.Action{}, errDeclined
	}
	return a.validate(ctx, req, proposed)
}

func (a *Adapter) chatRequest(ctx context.Context, req Request) (output.ChatRequest, error) {
	system, err := prompts.GenerateSystemPrompt(a.cfg.SystemPrompt, req.AgentID)
	if err != nil {
		return output.ChatRequest{}, fmt.Errorf("render system prompt: %w", err)
	}

	data := prompts.DecisionPromptData{
		AgentID:  req.AgentID,
		URL:      req.State.URL,
		Title:    req.State.Title,
		Text:     truncate(req.State.Text, a.cfg.MaxPromptText),
		Explored: req.Explored,
	}
	for i, el := range req.State.Elements {
		if i >= a.cfg.MaxPromptElements {
			data.More = len(req.State.Elements) - i
			break
		}
		data.Elements = append(data.Elements, prompts.ElementInfo{
			Ref:   el.Ref,
			Kind:  string(el.Kind),
			Label: elementLabel(el),
			Href:  el.Href,
			Taken: req.claimed(ctx, entity.NewActionRecord(req.Page, ActionFor(el))),
		})
	}
	for _, h := range req.History {
		data.History = append(data.History, h.String())
	}

	user, err := prompts.GenerateDecisionPrompt(a.cfg.DecisionPrompt, data)
	if err != nil {
		return output.ChatRequest{}, fmt.Errorf("render decision prompt: %w", err)
	}

	chat := output.ChatRequest{
		Messages: []entity.Message{
			{Role: entity.RoleSystem, Content: system},
			{Role: entity.RoleUser, Content: user},
		},
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
	}
	if a.cfg.UseTools {
		chat.Tools = []entity.ToolDefinition{proposeActionDefinition()}
	}
	return chat, nil
}

// validate checks a proposal against the observed page and rewrites it into
// the canonical form for its element.
func (a *Adapter) validate(ctx context.Context, req Request, proposed entity.Action) (entity.Action, error) {
	state := req.State
	var act entity.Action

	switch proposed.Kind {
	case entity.ActionClick, entity.ActionFill:
		el, ok := resolveElement(state, proposed)
		if !ok {
			return act, fmt.Errorf("%w: no element %q on page", entity.ErrOracleInvalidResponse, proposed.Descriptor())
		}
		canonical := ActionFor(el)
		if proposed.Kind == entity.ActionFill {
			if canonical.Kind != entity.ActionFill && el.Kind != entity.ElementSelect {
				return act, fmt.Errorf("%w: cannot fill %s %q", entity.ErrOracleInvalidResponse, el.Kind, el.Ref)
			}
			canonical.Kind = entity.ActionFill
			canonical.Value = proposed.Value
			if canonical.Value == "" {
				canonical.Value = FillValue(el.InputType)
			}
		} else if canonical.Kind == entity.ActionFill {
			canonical = entity.Action{Kind: entity.ActionClick, Target: el.Ref, Selector: el.Selector}
		}
		act = canonical

	case entity.ActionNavigate:
		el, ok := resolveLink(state, proposed)
		if !ok {
			return act, fmt.Errorf("%w: no link to %q on page", entity.ErrOracleInvalidResponse, proposed.URL)
		}
		act = ActionFor(el)
		if act.Kind != entity.ActionNavigate {
			return act, fmt.Errorf("%w: %q is not navigable", entity.ErrOracleInvalidResponse, el.Href)
		}

	case entity.ActionScroll, entity.ActionBack:
		act = entity.Action{Kind: proposed.Kind}

	default:
		return act, fmt.Errorf("%w: unknown action type %q", entity.ErrOracleInvalidResponse, proposed.Kind)
	}

	if act.Kind == entity.ActionNavigate && !a.inScope(state.URL, act.URL) {
		return act, fmt.Errorf("%w: %q is outside the target", entity.ErrOracleInvalidResponse, act.URL)
	}
	if req.claimed(ctx, entity.NewActionRecord(req.Page, act)) {
		return act, fmt.Errorf("%w: %s %q already claimed", entity.ErrOracleInvalidResponse, act.Kind, act.Descriptor())
	}

	act.Reasoning = proposed.Reasoning
	return act, nil
}

func (a *Adapter) inScope(base, ref string) bool {
	if len(a.cfg.AllowedHosts) == 0 {
		return true
	}
	u, err := url.Parse(absolute(base, ref))
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range a.cfg.AllowedHosts {
		if host == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

func (a *Adapter) backoffRemaining() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if now := a.now(); now.Before(a.skipUntil) {
		return a.skipUntil.Sub(now)
	}
	return 0
}

func (a *Adapter) recordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = 0
	a.skipUntil = time.Time{}
}

// recordFailure opens a back-off window of min(base*2^(n-1), max) after the
// n-th consecutive failure.
func (a *Adapter) recordFailure() (int, time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures++
	wait := BackoffWindow(a.cfg.BackoffBase, a.cfg.BackoffMax, a.failures)
	a.skipUntil = a.now().Add(wait)
	return a.failures, wait
}

func BackoffWindow(base, maxWait time.Duration, failures int) time.Duration {
	if base <= 0 || failures <= 0 {
		return 0
	}
	wait := base
	for i := 1; i < failures; i++ {
		wait *= 2
		if maxWait > 0 && wait >= maxWait {
			return maxWait
		}
	}
	if maxWait > 0 && wait > maxWait {
		return maxWait
	}
	return wait
}

func parseAction(msg entity.Message) (entity.Action, error) {
	raw := ""
	for _, tc := range msg.ToolCalls {
		if tc.Name == proposeActionTool {
			raw = tc.Arguments
			break
		}
	}
	if raw == "" {
		start := strings.Index(msg.Content, "{")
		end := strings.LastIndex(msg.Content, "}")
		if start < 0 || end <= start {
			return entity.Action{}, fmt.Errorf("%w: no JSON object in reply", entity.ErrOracleInvalidResponse)
		}
		raw = msg.Content[start : end+1]
	}

	var act entity.Action
	if err := json.Unmarshal([]byte(raw), &act); err != nil {
		return entity.Action{}, fmt.Errorf("%w: %w", entity.ErrOracleInvalidResponse, err)
	}
	act.Kind = entity.ActionKind(strings.ToLower(strings.TrimSpace(string(act.Kind))))
	if act.Kind == "" {
		return entity.Action{}, fmt.Errorf("%w: missing action type", entity.ErrOracleInvalidResponse)
	}
	if !act.Kind.Valid() {
		return entity.Action{}, fmt.Errorf("%w: unknown action type %q", entity.ErrOracleInvalidResponse, act.Kind)
	}
	return act, nil
}

func proposeActionDefinition() entity.ToolDefinition {
	return entity.ToolDefinition{
		Name:        proposeActionTool,
		Description: "Propose the single next interaction with the current page",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"type": map[string]interface{}{
					"type": "string",
					"enum": []string{"click", "fill", "navigate", "scroll", "back", "none"},
				},
				"target":    map[string]interface{}{"type": "string", "description": "Element ref such as e3"},
				"url":       map[string]interface{}{"type": "string"},
				"value":     map[string]interface{}{"type": "string"},
				"reasoning": map[string]interface{}{"type": "string"},
			},
			"required": []string{"type"},
		},
	}
}

func elementLabel(el entity.Element) string {
	for _, s := range []string{el.Text, el.AriaLabel, el.Label, el.Name} {
		if s = strings.TrimSpace(s); s != "" {
			return truncate(s, 60)
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
