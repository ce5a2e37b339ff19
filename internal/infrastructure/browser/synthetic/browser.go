package synthetic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/color"
	"sync"
	"time"

	"browser-swarm/internal/application/port/output"
	"browser-swarm/internal/domain/entity"

	"github.com/cespare/xxhash/v2"
	"github.com/disintegration/imaging"
)

var ErrSessionClosed = errors.New("browser session closed")

var _ output.BrowserLauncher = (*Launcher)(nil)
var _ output.BrowserSession = (*Session)(nil)

// Fault makes one agent's session misbehave.
type Fault struct {
	ExecuteErr error
	ObserveErr error
	// Hang blocks Execute until its context is done.
	Hang bool
}

type Launcher struct {
	site   *Site
	faults map[string]Fault
	delay  time.Duration

	mu       sync.Mutex
	sessions []*Session
}

type Option func(*Launcher)

func WithFault(agentID string, f Fault) Option {
	return func(l *Launcher) { l.faults[agentID] = f }
}

// WithDelay adds latency to every Execute, as a real page load would.
func WithDelay(d time.Duration) Option {
	return func(l *Launcher) { l.delay = d }
}

func NewLauncher(site *Site, opts ...Option) *Launcher {
	l := &Launcher{site: site, faults: make(map[string]Fault)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Launcher) Open(ctx context.Context, agentID string) (output.BrowserSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &Session{
		site:  l.site,
		agent: agentID,
		fault: l.faults[agentID],
		delay: l.delay,
	}
	s.visit("/")

	l.mu.Lock()
	l.sessions = append(l.sessions, s)
	l.mu.Unlock()
	return s, nil
}

// Sessions returns every session opened so far.
func (l *Launcher) Sessions() []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Session(nil), l.sessions...)
}

func (l *Launcher) Close() {
	for _, s := range l.Sessions() {
		_ = s.Close()
	}
}

type Session struct {
	site  *Site
	agent string
	fault Fault
	delay time.Duration

	mu      sync.Mutex
	path    string
	back    []string
	console []entity.ConsoleMessage
	closed  bool
}

func (s *Session) visit(path string) {
	s.path = path
	s.console = append(s.console, s.site.Pages[path].Console...)
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Observe(ctx context.Context) (*entity.PageState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.fault.ObserveErr != nil {
		return nil, s.fault.ObserveErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	state := s.site.state(s.path)
	state.Console = s.console
	s.console = nil
	return state, nil
}

func (s *Session) Execute(ctx context.Context, action entity.Action) (*entity.ActionOutcome, error) {
	if s.fault.Hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.fault.ExecuteErr != nil {
		return nil, s.fault.ExecuteErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}

	from := s.site.url(s.path)
	out := &entity.ActionOutcome{Action: action, FromURL: from, URL: from, StatusCode: 200}

	switch action.Kind {
	case entity.ActionNavigate:
		target := action.URL
		if target == "" {
			el, ok := s.element(action)
			if !ok {
				return nil, fmt.Errorf("navigate: no link %s", action.Descriptor())
			}
			target = el.Href
		}
		return s.navigate(out, target)

	case entity.ActionClick:
		el, ok := s.element(action)
		if !ok {
			return nil, fmt.Errorf("click: element %s not found", action.Descriptor())
		}
		if el.Kind == entity.ElementLink {
			return s.navigate(out, el.Href)
		}

	case entity.ActionFill:
		el, ok := s.element(action)
		if !ok {
			return nil, fmt.Errorf("fill: element %s not found", action.Descriptor())
		}
		if el.Kind != entity.ElementInput && el.Kind != entity.ElementTextarea && el.Kind != entity.ElementSelect {
			return nil, fmt.Errorf("fill: element %s is a %s", action.Descriptor(), el.Kind)
		}

	case entity.ActionBack:
		if n := len(s.back); n > 0 {
			prev := s.back[n-1]
			s.back = s.back[:n-1]
			s.visit(prev)
			out.URL = s.site.url(prev)
			out.Navigated = true
		}

	case entity.ActionScroll:

	default:
		return nil, fmt.Errorf("unsupported action %q", action.Kind)
	}

	out.Duration = s.site.Pages[s.path].LoadTime
	return out, nil
}

// navigate follows href. Missing pages answer 404 and leave the session
// where it was.
func (s *Session) navigate(out *entity.ActionOutcome, href string) (*entity.ActionOutcome, error) {
	abs, path, ok := s.site.resolve(out.FromURL, href)
	out.URL = abs
	if !ok {
		return nil, fmt.Errorf("navigate: %s is outside %s", abs, s.site.BaseURL)
	}
	page, exists := s.site.Pages[path]
	if !exists {
		out.StatusCode = 404
		return out, nil
	}
	s.back = append(s.back, s.path)
	s.visit(path)
	out.Navigated = true
	out.Duration = page.LoadTime
	return out, nil
}

func (s *Session) element(action entity.Action) (entity.Element, bool) {
	state := s.site.state(s.path)
	if action.Target != "" {
		if el, ok := state.Element(action.Target); ok {
			return el, true
		}
	}
	if action.Selector != "" {
		return state.ElementBySelector(action.Selector)
	}
	return entity.Element{}, false
}

func (s *Session) Screenshot(ctx context.Context) (*entity.Screenshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	path, closed := s.path, s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrSessionClosed
	}

	const width, height = 320, 200
	h := xxhash.Sum64String(path)
	img := imaging.New(width, height, color.NRGBA{R: uint8(h), G: uint8(h >> 8), B: uint8(h >> 16), A: 255})

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode screenshot: %w", err)
	}
	return &entity.Screenshot{Data: buf.Bytes(), Format: "png", Width: width, Height: height}, nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
