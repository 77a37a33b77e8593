package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Bellamy509/FGZ/internal/app"
	"github.com/Bellamy509/FGZ/internal/config"
	"github.com/Bellamy509/FGZ/internal/envconfig"
	"github.com/Bellamy509/FGZ/internal/mcp"
	"github.com/Bellamy509/FGZ/internal/mcp/mock"
)

const baseConfig = `
server:
  listen_addr: "127.0.0.1:0"
  log_level: info
servers:
  - id: filesystem
    name: filesystem
    enabled: {local: true, railway: false}
    command: npx
    args: ["-y", "@modelcontextprotocol/server-filesystem", "{workdir}"]
  - id: search
    name: web-search
    url: https://search.example.com/mcp
    headers: {Authorization: "Bearer {env:SEARCH_TOKEN}"}
`

func parse(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// recorder is a client factory that hands out mock clients and keeps the
// latest one per server id.
type recorder struct {
	mu      sync.Mutex
	clients map[string]*mock.Client
	descs   map[string]mcp.ServerDescriptor
}

func newRecorder() *recorder {
	return &recorder{clients: make(map[string]*mock.Client), descs: make(map[string]mcp.ServerDescriptor)}
}

func (r *recorder) build(desc mcp.ServerDescriptor, _ time.Duration) mcp.Client {
	c := mock.New(desc)
	c.ToolsResult = []mcp.ToolDescriptor{{Name: "query"}}
	r.mu.Lock()
	r.clients[desc.ID] = c
	r.descs[desc.ID] = desc
	r.mu.Unlock()
	return c
}

func (r *recorder) client(id string) *mock.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[id]
}

func (r *recorder) desc(id string) (mcp.ServerDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descs[id]
	return d, ok
}

func env(vars map[string]string) envconfig.LookupFunc {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func newApp(t *testing.T, cfg *config.Config, vars map[string]string, rec *recorder) (*app.App, *slog.LevelVar) {
	t.Helper()
	level := new(slog.LevelVar)
	a, err := app.New(context.Background(), cfg,
		app.WithLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: level})), level),
		app.WithLookup(env(vars)),
		app.WithWorkingDir("/home/dev/fgz"),
		app.WithClientFactory(rec.build),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	return a, level
}

func TestNew_ResolvesForEnvironment(t *testing.T) {
	t.Parallel()

	a, _ := newApp(t, parse(t, baseConfig), map[string]string{"RAILWAY_PROJECT_ID": "p1"}, newRecorder())
	s := a.Summary()
	if s.Environment != envconfig.Railway || !s.Hosted || s.WorkingDirectory != "/app" {
		t.Errorf("summary = %+v", s)
	}
	if len(s.Disabled) != 1 || s.Disabled[0] != "filesystem" {
		t.Errorf("disabled = %v", s.Disabled)
	}
	if len(s.Enabled) != 1 || s.Enabled[0] != "web-search" {
		t.Errorf("enabled = %v", s.Enabled)
	}
}

func TestHandler_LoadsServersOnFirstRequest(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	a, _ := newApp(t, parse(t, baseConfig), map[string]string{"SEARCH_TOKEN": "tok"}, rec)

	resp := httptest.NewRecorder()
	a.Handler().ServeHTTP(resp, httptest.NewRequest("GET", "/v1/servers", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.Code, resp.Body.String())
	}
	var infos []mcp.ClientInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("infos = %+v, want filesystem and web-search", infos)
	}

	fs, _ := rec.desc("filesystem")
	if got := fs.Transport.Stdio.Args[2]; got != "/home/dev/fgz" {
		t.Errorf("filesystem workdir arg = %q", got)
	}
	search, _ := rec.desc("search")
	if got := search.Transport.Remote.Headers["Authorization"]; got != "Bearer tok" {
		t.Errorf("search header = %q", got)
	}
}

func TestRunAndShutdown(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	a, _ := newApp(t, parse(t, baseConfig), nil, rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for a.Manager().Len() != 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := a.Manager().Len(); got != 2 {
		t.Fatalf("registry len = %d, want 2", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown() = %v", err)
	}
	if a.Manager().Len() != 0 {
		t.Error("Shutdown left clients in the registry")
	}
	if got := rec.client("search").CallCount("Disconnect"); got == 0 {
		t.Error("search client was never disconnected")
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Errorf("second Shutdown() = %v", err)
	}
}

func TestRun_ListenFailure(t *testing.T) {
	t.Parallel()

	cfg := parse(t, baseConfig)
	cfg.Server.ListenAddr = "256.0.0.1:99999"
	a, _ := newApp(t, cfg, nil, newRecorder())
	if err := a.Run(context.Background()); err == nil {
		t.Error("expected listen error")
	}
}

func TestShutdown_DeadlineExceeded(t *testing.T) {
	t.Parallel()

	a, _ := newApp(t, parse(t, baseConfig), nil, newRecorder())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown() = %v, want context.Canceled", err)
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	old := parse(t, baseConfig)
	a, level := newApp(t, old, nil, rec)
	if err := a.Manager().Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	searchBefore := rec.client("search")

	updated := parse(t, `
server:
  listen_addr: "127.0.0.1:0"
  log_level: debug
servers:
  - id: search
    name: web-search
    url: https://search-v2.example.com/mcp
  - id: time
    name: time
    command: npx
    args: ["-y", "time-mcp"]
`)
	a.ApplyConfig(context.Background(), old, updated)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if _, ok := a.Manager().Client("filesystem"); ok {
		t.Error("removed server still registered")
	}
	if _, ok := a.Manager().Client("time"); !ok {
		t.Error("added server not registered")
	}
	if got := searchBefore.CallCount("Disconnect"); got != 1 {
		t.Errorf("old search Disconnect = %d, want 1", got)
	}
	search, _ := rec.desc("search")
	if got := search.Transport.Remote.URL; got != "https://search-v2.example.com/mcp" {
		t.Errorf("search url = %q", got)
	}
	if got := a.Summary().Enabled; len(got) != 2 {
		t.Errorf("summary enabled = %v", got)
	}
}

func TestApplyConfig_NoChange(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	cfg := parse(t, baseConfig)
	a, level := newApp(t, cfg, nil, rec)
	if err := a.Manager().Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := rec.client("search")

	a.ApplyConfig(context.Background(), cfg, parse(t, baseConfig))
	if rec.client("search") != before {
		t.Error("unchanged config rebuilt a client")
	}
	if level.Level() != slog.LevelInfo {
		t.Errorf("level = %v", level.Level())
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := app.SlogLevel(in); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
