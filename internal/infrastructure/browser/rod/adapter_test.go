package rod

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"browser-swarm/internal/domain/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	homeHTML = `<!DOCTYPE html>
<html>
<head><title>Test Home</title></head>
<body>
	<a id="to-form" href="/form">Form</a>
	<a id="to-missing" href="/missing">Missing</a>
	<img src="/nope.png">
	<script>console.error("boom from home")</script>
</body>
</html>`

	formHTML = `<!DOCTYPE html>
<html>
<head><title>Form</title></head>
<body>
	<form>
		<input id="username" type="text" name="username" />
		<input id="password" type="password" name="password" />
		<button id="submit" type="submit">Submit</button>
	</form>
</body>
</html>`
)

func requireChrome(t *testing.T) {
	t.Helper()
	if os.Getenv("SWARM_ROD_TESTS") != "1" {
		t.Skip("set SWARM_ROD_TESTS=1 to run browser tests")
	}
}

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, homeHTML)
	})
	mux.HandleFunc("/form", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, formHTML)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func openSession(t *testing.T, srv *httptest.Server) *Session {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.NoSandbox = true
	cfg.Timeout = 10 * time.Second

	l, err := NewLauncher(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(l.Close)

	s, err := l.Open(context.Background(), "agent-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s.(*Session)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.True(t, cfg.Headless)
	assert.Equal(t, defaultTimeout, cfg.Timeout)
	assert.False(t, cfg.NoSandbox, "Should be secure by default")
	assert.False(t, cfg.DevTools)
	assert.False(t, cfg.Auth.enabled())
}

func TestAuth_Enabled(t *testing.T) {
	assert.False(t, Auth{Username: "u"}.enabled())
	assert.True(t, Auth{Username: "u", Password: "p"}.enabled())
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "TypeError: x", firstLine("TypeError: x\n    at foo.js:1"))
	assert.Equal(t, "plain", firstLine("plain"))
}

func TestSession_ObserveCapturesEvents(t *testing.T) {
	requireChrome(t)
	srv := testServer(t)
	s := openSession(t, srv)
	ctx := context.Background()

	state, err := s.Observe(ctx)
	require.NoError(t, err)

	assert.Equal(t, "Test Home", state.Title)
	assert.Equal(t, 200, state.StatusCode)
	require.Len(t, state.Elements, 2)
	assert.Equal(t, "#to-form", state.Elements[0].Selector)
	assert.Equal(t, srv.URL+"/form", state.Elements[0].Href)

	require.Len(t, state.Images, 1)
	assert.False(t, state.Images[0].Loaded)

	var errs []string
	for _, m := range state.Console {
		if m.Level == entity.ConsoleError {
			errs = append(errs, m.Text)
		}
	}
	assert.Contains(t, errs, "boom from home")
}

func TestSession_ExecuteNavigateAndFill(t *testing.T) {
	requireChrome(t)
	srv := testServer(t)
	s := openSession(t, srv)
	ctx := context.Background()

	out, err := s.Execute(ctx, entity.Action{Kind: entity.ActionNavigate, URL: srv.URL + "/form"})
	require.NoError(t, err)
	assert.True(t, out.Navigated)
	assert.Equal(t, 200, out.StatusCode)

	_, err = s.Execute(ctx, entity.Action{Kind: entity.ActionFill, Selector: "#username", Value: "swarm"})
	require.NoError(t, err)

	res, err := s.page.Eval(`() => document.getElementById('username').value`)
	require.NoError(t, err)
	assert.Equal(t, "swarm", res.Value.String())

	_, err = s.Execute(ctx, entity.Action{Kind: entity.ActionBack})
	require.NoError(t, err)
	state, err := s.Observe(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Test Home", state.Title)
}

func TestSession_BrokenLinkStatus(t *testing.T) {
	requireChrome(t)
	srv := testServer(t)
	s := openSession(t, srv)

	out, err := s.Execute(context.Background(), entity.Action{Kind: entity.ActionNavigate, URL: srv.URL + "/missing"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, out.StatusCode)
}

func TestSession_ScreenshotAndClose(t *testing.T) {
	requireChrome(t)
	srv := testServer(t)
	s := openSession(t, srv)
	ctx := context.Background()

	shot, err := s.Screenshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", shot.Format)
	assert.LessOrEqual(t, shot.Width, maxShotWidth)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")
	_, err = s.Observe(ctx)
	assert.ErrorIs(t, err, errClosed)
}
