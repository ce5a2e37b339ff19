package rod

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"strings"
	"sync"
	"time"

	"browser-swarm/internal/application/port/output"
	"browser-swarm/internal/domain/entity"
	"browser-swarm/internal/infrastructure/browser/htmlstate"

	"github.com/disintegration/imaging"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
)

var _ output.BrowserLauncher = (*Launcher)(nil)
var _ output.BrowserSession = (*Session)(nil)

const (
	defaultTimeout = 30 * time.Second
	maxShotWidth   = 1024
	idleWait       = 2 * time.Second
)

type Auth struct {
	Username          string
	Password          string
	UsernameSelectors []string
	PasswordSelectors []string
	SubmitSelectors   []string
}

func (a Auth) enabled() bool {
	return a.Username != "" && a.Password != ""
}

type BrowserConfig struct {
	BaseURL    string
	Headless   bool
	SlowMotion time.Duration
	Timeout    time.Duration
	NoSandbox  bool
	DevTools   bool
	Auth       Auth
}

func DefaultConfig() BrowserConfig {
	return BrowserConfig{
		Headless: true,
		Timeout:  defaultTimeout,
	}
}

// Launcher owns one Chrome process. Every agent gets its own incognito
// context, so cookies and storage are not shared between agents.
type Launcher struct {
	cfg      BrowserConfig
	browser  *rod.Browser
	launcher *launcher.Launcher
	logger   output.LoggerPort

	closeOnce sync.Once
}

func NewLauncher(cfg BrowserConfig, logger output.LoggerPort) (*Launcher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = output.NopLogger{}
	}

	l := launcher.New().
		Headless(cfg.Headless).
		Devtools(cfg.DevTools).
		NoSandbox(cfg.NoSandbox).
		Delete("use-mock-keychain")

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).SlowMotion(cfg.SlowMotion)
	if err := browser.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	return &Launcher{
		cfg:      cfg,
		browser:  browser,
		launcher: l,
		logger:   logger.WithField("component", "browser"),
	}, nil
}

func (l *Launcher) Open(ctx context.Context, agentID string) (output.BrowserSession, error) {
	incognito, err := l.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = incognito.Close()
		return nil, fmt.Errorf("open page: %w", err)
	}

	s := &Session{
		cfg:      l.cfg,
		browser:  incognito,
		page:     page,
		logger:   l.logger.WithField("agent_id", agentID),
		requests: make(map[proto.NetworkRequestID]*proto.NetworkRequest),
	}
	s.listen()

	if l.cfg.Auth.enabled() {
		if err := s.login(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("login: %w", err)
		}
	}
	if l.cfg.BaseURL != "" {
		if _, err := s.Execute(ctx, entity.Action{Kind: entity.ActionNavigate, URL: l.cfg.BaseURL}); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("open %s: %w", l.cfg.BaseURL, err)
		}
	}
	return s, nil
}

func (l *Launcher) Close() {
	l.closeOnce.Do(func() {
		if l.browser != nil {
			_ = l.browser.Close()
		}
		if l.launcher != nil {
			l.launcher.Kill()
			l.launcher.Cleanup()
		}
	})
}

type Session struct {
	cfg     BrowserConfig
	browser *rod.Browser
	page    *rod.Page
	logger  output.LoggerPort

	mu        sync.Mutex
	console   []entity.ConsoleMessage
	network   []entity.NetworkEvent
	requests  map[proto.NetworkRequestID]*proto.NetworkRequest
	docStatus int
	closed    bool
	closeOnce sync.Once
}

// listen collects console output and failed requests between observations.
func (s *Session) listen() {
	wait := s.page.EachEvent(
		func(e *proto.RuntimeConsoleAPICalled) {
			level := entity.ConsoleLevel("")
			switch e.Type {
			case proto.RuntimeConsoleAPICalledTypeError, proto.RuntimeConsoleAPICalledTypeAssert:
				level = entity.ConsoleError
			case proto.RuntimeConsoleAPICalledTypeWarning:
				level = entity.ConsoleWarning
			default:
				return
			}
			s.addConsole(entity.ConsoleMessage{Level: level, Text: consoleText(e.Args)})
		},
		func(e *proto.RuntimeExceptionThrown) {
			d := e.ExceptionDetails
			if d == nil {
				return
			}
			text := d.Text
			if d.Exception != nil && d.Exception.Description != "" {
				text = d.Exception.Description
			}
			s.addConsole(entity.ConsoleMessage{Level: entity.ConsoleException, Text: firstLine(text), URL: d.URL})
		},
		func(e *proto.NetworkRequestWillBeSent) {
			s.mu.Lock()
			s.requests[e.RequestID] = e.Request
			s.mu.Unlock()
		},
		func(e *proto.NetworkResponseReceived) {
			if e.Response == nil {
				return
			}
			s.mu.Lock()
			defer s.mu.Unlock()
			method := ""
			if req, ok := s.requests[e.RequestID]; ok {
				method = req.Method
				delete(s.requests, e.RequestID)
			}
			if e.Type == proto.NetworkResourceTypeDocument {
				s.docStatus = e.Response.Status
			}
			if e.Response.Status >= 400 {
				s.network = append(s.network, entity.NetworkEvent{
					URL:          e.Response.URL,
					Method:       method,
					Status:       e.Response.Status,
					ResourceType: string(e.Type),
				})
			}
		},
		func(e *proto.NetworkLoadingFailed) {
			if e.Canceled {
				return
			}
			s.mu.Lock()
			defer s.mu.Unlock()
			ev := entity.NetworkEvent{ResourceType: string(e.Type), Failed: true, ErrorText: e.ErrorText}
			if req, ok := s.requests[e.RequestID]; ok {
				ev.URL = req.URL
				ev.Method = req.Method
				delete(s.requests, e.RequestID)
			}
			s.network = append(s.network, ev)
		},
	)
	go wait()
}

func (s *Session) addConsole(m entity.ConsoleMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.console = append(s.console, m)
}

func (s *Session) drain() ([]entity.ConsoleMessage, []entity.NetworkEvent, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	console, network := s.console, s.network
	s.console, s.network = nil, nil
	return console, network, s.docStatus
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var errClosed = errors.New("browser session closed")

func (s *Session) Observe(ctx context.Context) (*entity.PageState, error) {
	if s.isClosed() {
		return nil, errClosed
	}
	p := s.page.Context(ctx)

	info, err := p.Info()
	if err != nil {
		return nil, fmt.Errorf("page info: %w", err)
	}
	raw, err := p.HTML()
	if err != nil {
		return nil, fmt.Errorf("failed to get HTML: %w", err)
	}

	state, err := htmlstate.Parse(info.URL, raw, nil)
	if err != nil {
		return nil, err
	}
	if state.Title == "" {
		state.Title = info.Title
	}

	if loaded, err := imagesLoaded(p); err == nil {
		for i := range state.Images {
			if ok, known := loaded[state.Images[i].Src]; known {
				state.Images[i].Loaded = ok
			}
		}
	} else {
		s.logger.Debug("Image status unavailable", "error", err)
	}
	if res, err := p.Eval(`() => { const n = performance.getEntriesByType('navigation')[0]; return n ? n.duration : 0 }`); err == nil {
		state.LoadTime = time.Duration(res.Value.Num() * float64(time.Millisecond))
	}

	state.Console, state.Network, state.StatusCode = s.drain()
	return state, nil
}

func imagesLoaded(p *rod.Page) (map[string]bool, error) {
	res, err := p.Eval(`() => Array.from(document.images).map(i => ({src: i.currentSrc || i.src, ok: i.complete && i.naturalWidth > 0}))`)
	if err != nil {
		return nil, err
	}
	var list []struct {
		Src string `json:"src"`
		OK  bool   `json:"ok"`
	}
	if err := res.Value.Unmarshal(&list); err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(list))
	for _, img := range list {
		out[img.Src] = img.OK
	}
	return out, nil
}

func (s *Session) Execute(ctx context.Context, action entity.Action) (*entity.ActionOutcome, error) {
	if s.isClosed() {
		return nil, errClosed
	}
	p := s.page.Context(ctx)
	start := time.Now()

	before, err := p.Info()
	if err != nil {
		return nil, fmt.Errorf("page info: %w", err)
	}
	s.mu.Lock()
	s.docStatus = 0
	s.mu.Unlock()

	switch action.Kind {
	case entity.ActionNavigate:
		if err := p.Navigate(action.URL); err != nil {
			return nil, fmt.Errorf("navigation failed: %w", err)
		}
		if err := p.WaitLoad(); err != nil {
			return nil, fmt.Errorf("wait load: %w", err)
		}

	case entity.ActionClick:
		el, err := p.Element(action.Selector)
		if err != nil {
			return nil, fmt.Errorf("element not found: %s: %w", action.Selector, err)
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return nil, fmt.Errorf("click failed: %w", err)
		}

	case entity.ActionFill:
		el, err := p.Element(action.Selector)
		if err != nil {
			return nil, fmt.Errorf("field not found: %s: %w", action.Selector, err)
		}
		if err := el.SelectAllText(); err == nil {
			_ = el.Input("")
		}
		if err := el.Input(action.Value); err != nil {
			return nil, fmt.Errorf("input failed: %w", err)
		}

	case entity.ActionScroll:
		if _, err := p.Eval(`() => window.scrollBy(0, window.innerHeight)`); err != nil {
			return nil, fmt.Errorf("scroll failed: %w", err)
		}

	case entity.ActionBack:
		if err := p.NavigateBack(); err != nil {
			return nil, fmt.Errorf("back failed: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported action %q", action.Kind)
	}

	_ = p.WaitIdle(idleWait)

	after, err := p.Info()
	if err != nil {
		return nil, fmt.Errorf("page info: %w", err)
	}
	s.mu.Lock()
	status := s.docStatus
	s.mu.Unlock()

	out := &entity.ActionOutcome{
		Action:     action,
		FromURL:    before.URL,
		URL:        after.URL,
		StatusCode: status,
		Navigated:  after.URL != before.URL,
		Duration:   time.Since(start),
	}
	if out.StatusCode == 0 {
		out.StatusCode = 200
	}
	return out, nil
}

func (s *Session) login(ctx context.Context) error {
	auth := s.cfg.Auth
	p := s.page.Context(ctx)

	if s.cfg.BaseURL != "" {
		if err := p.Navigate(s.cfg.BaseURL); err != nil {
			return err
		}
		if err := p.WaitLoad(); err != nil {
			return err
		}
	}

	fill := func(selectors []string, value string) error {
		el, err := firstElement(p, selectors)
		if err != nil {
			return err
		}
		return el.Input(value)
	}
	if err := fill(auth.UsernameSelectors, auth.Username); err != nil {
		return fmt.Errorf("username field: %w", err)
	}
	if err := fill(auth.PasswordSelectors, auth.Password); err != nil {
		return fmt.Errorf("password field: %w", err)
	}
	submit, err := firstElement(p, auth.SubmitSelectors)
	if err != nil {
		return fmt.Errorf("submit button: %w", err)
	}
	if err := submit.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	_ = p.WaitIdle(idleWait)
	s.logger.Info("Logged in", "user", auth.Username)
	return nil
}

func firstElement(p *rod.Page, selectors []string) (*rod.Element, error) {
	for _, sel := range selectors {
		if has, el, err := p.Has(sel); err == nil && has {
			return el, nil
		}
	}
	return nil, fmt.Errorf("none of %s found", strings.Join(selectors, ", "))
}

func (s *Session) Screenshot(ctx context.Context) (*entity.Screenshot, error) {
	if s.isClosed() {
		return nil, errClosed
	}
	imgBytes, err := s.page.Context(ctx).Screenshot(true, &proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatJpeg,
		Quality: gson.Int(80),
	})
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(imgBytes))
	if err != nil {
		return nil, fmt.Errorf("image decode failed: %w", err)
	}
	if img.Bounds().Dx() > maxShotWidth {
		img = imaging.Resize(img, maxShotWidth, 0, imaging.Lanczos)
	}

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, fmt.Errorf("jpeg encode failed: %w", err)
	}

	return &entity.Screenshot{
		Data:   buf.Bytes(),
		Format: "jpeg",
		Width:  img.Bounds().Dx(),
		Height: img.Bounds().Dy(),
	}, nil
}

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if cerr := s.page.Close(); cerr != nil {
			err = cerr
		}
		if cerr := s.browser.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

func consoleText(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		switch {
		case a == nil:
		case a.Description != "":
			parts = append(parts, a.Description)
		default:
			parts = append(parts, a.Value.String())
		}
	}
	return firstLine(strings.Join(parts, " "))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
