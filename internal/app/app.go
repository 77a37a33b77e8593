// Package app wires the FGZ subsystems into a running service.
//
// New resolves the server definitions for the detected environment, opens
// storage and builds the manager, API and probes. Run serves HTTP until the
// context ends. Shutdown tears everything down in order.
//
// Tests inject doubles through the functional options (WithClientFactory,
// WithStorage, WithLookup). Anything not injected is built from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Bellamy509/FGZ/internal/api"
	"github.com/Bellamy509/FGZ/internal/config"
	"github.com/Bellamy509/FGZ/internal/envconfig"
	"github.com/Bellamy509/FGZ/internal/health"
	"github.com/Bellamy509/FGZ/internal/mcp"
	"github.com/Bellamy509/FGZ/internal/mcp/bridge"
	"github.com/Bellamy509/FGZ/internal/mcp/manager"
	"github.com/Bellamy509/FGZ/internal/mcp/mcpclient"
	"github.com/Bellamy509/FGZ/internal/mcp/store"
	"github.com/Bellamy509/FGZ/internal/observe"
)

// closer is one named shutdown step.
type closer struct {
	name string
	fn   func(context.Context) error
}

// App owns every subsystem lifetime.
type App struct {
	cfg   *config.Config
	log   *slog.Logger
	level *slog.LevelVar

	lookup    envconfig.LookupFunc
	cwd       string
	detection envconfig.Detection
	registry  *envconfig.Registry

	mu         sync.Mutex
	resolution envconfig.Resolution

	factory   manager.ClientFactory
	storage   manager.Storage
	pgClose   func(context.Context) error
	metrics   *observe.Metrics
	telemetry func(context.Context) error

	mgr    *manager.Manager
	guard  *manager.InitGuard
	bridge *bridge.Bridge
	health *health.Handler
	api    *api.Server
	server *http.Server

	closers  []closer
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the logger and the level variable that hot reloads adjust.
func WithLogger(l *slog.Logger, level *slog.LevelVar) Option {
	return func(a *App) {
		a.log = l
		a.level = level
	}
}

// WithLookup replaces [os.LookupEnv] for environment detection and
// placeholder expansion.
func WithLookup(lookup envconfig.LookupFunc) Option {
	return func(a *App) { a.lookup = lookup }
}

// WithWorkingDir sets the directory used in the local environment instead
// of the process working directory.
func WithWorkingDir(dir string) Option {
	return func(a *App) { a.cwd = dir }
}

// WithClientFactory injects the client constructor instead of building SDK
// clients.
func WithClientFactory(f manager.ClientFactory) Option {
	return func(a *App) { a.factory = f }
}

// WithStorage injects a storage backend instead of creating one from config.
func WithStorage(s manager.Storage) Option {
	return func(a *App) { a.storage = s }
}

// WithMetrics sets the metrics every component records to.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetryShutdown registers the telemetry flush as the last closer.
func WithTelemetryShutdown(fn func(context.Context) error) Option {
	return func(a *App) { a.telemetry = fn }
}

// New wires the application. It does not connect any server; the first
// Init happens in Run or on the first API request.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, lookup: os.LookupEnv}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
	}
	a.level.Set(SlogLevel(cfg.Server.LogLevel))
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("app: working directory: %w", err)
		}
		a.cwd = wd
	}

	// 1. Environment and server definitions.
	a.detection = envconfig.Detect(a.lookup)
	a.registry = envconfig.NewRegistry(a.cwd, envconfig.FromConfig(cfg.Servers),
		envconfig.WithWorkDirOverride(cfg.Manager.WorkDir),
		envconfig.WithLookup(a.lookup),
		envconfig.WithLogger(a.log),
	)
	a.resolution = a.registry.Resolve(ctx, a.detection)
	for id, ok := range a.registry.HealthReport(ctx, a.resolution) {
		if !ok {
			a.log.Warn("MCP server not ready in this environment", "server", id)
		}
	}

	// 2. Storage.
	var checkers []health.Checker
	if err := a.initStorage(ctx); err != nil {
		return nil, fmt.Errorf("app: init storage: %w", err)
	}
	if p, ok := a.storage.(health.Pinger); ok {
		checkers = append(checkers, health.StorageChecker(p))
	}

	// 3. Manager.
	if a.factory == nil {
		a.factory = a.sdkFactory()
	}
	a.mgr = manager.New(a.factory,
		manager.WithStorage(a.storage),
		manager.WithIdleTimeout(cfg.Manager.IdleWindow()),
		manager.WithServerAdditions(cfg.Manager.AdditionsAllowed()),
		manager.WithMetrics(a.metrics),
		manager.WithLogger(a.log),
	)
	a.mgr.Seed(a.resolution.Descriptors())
	a.guard = manager.NewInitGuard(a.mgr, a.log)

	// 4. Tool bridge, probes and HTTP surface.
	a.bridge = bridge.New(a.mgr)
	checkers = append(checkers, health.InitChecker(a.guard))
	a.health = health.New(checkers, health.WithServers(a.mgr))
	a.api = api.New(a.mgr, a.bridge,
		api.WithInitGuard(a.guard),
		api.WithHealth(a.health),
		api.WithMetrics(a.metrics),
		api.WithCORSOrigins(cfg.Server.CORSOrigins),
		api.WithLogger(a.log),
	)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.closers = append(a.closers,
		closer{"http", a.server.Shutdown},
		closer{"manager", a.mgr.Cleanup},
	)
	if a.pgClose != nil {
		a.closers = append(a.closers, closer{"storage", a.pgClose})
	}
	if a.telemetry != nil {
		a.closers = append(a.closers, closer{"telemetry", a.telemetry})
	}
	return a, nil
}

// initStorage opens Postgres when a DSN is configured and falls back to an
// in-memory store otherwise. An injected store is used as is.
func (a *App) initStorage(ctx context.Context) error {
	if a.storage != nil {
		return nil
	}
	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		a.log.Info("no postgres_dsn configured, persisting MCP servers in memory")
		a.storage = store.NewMemStore()
		return nil
	}

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping: %w", err)
	}
	a.storage = store.NewPostgresStore(pool)
	a.pgClose = func(context.Context) error {
		pool.Close()
		return nil
	}
	return nil
}

// sdkFactory builds real clients on the go-sdk.
func (a *App) sdkFactory() manager.ClientFactory {
	hosted := a.detection.Environment.Hosted()
	dialer := mcpclient.NewSDKDialer(
		mcpclient.WithWorkDir(a.resolution.Summary.WorkingDirectory),
		mcpclient.WithRemoteOnly(a.cfg.Manager.RemoteOnly),
	)
	t := a.cfg.Timeouts
	timeouts := mcpclient.Timeouts{
		ConnectLocal:       t.ConnectLocal,
		ConnectHosted:      t.ConnectHosted,
		ToolLoadSlowLocal:  t.ToolLoadSlowLocal,
		ToolLoadSlowHosted: t.ToolLoadSlowHosted,
		ToolLoadFastLocal:  t.ToolLoadFastLocal,
		ToolLoadFastHosted: t.ToolLoadFastHosted,
		SlowCall:           t.SlowCallThreshold,
		SlowConnect:        t.SlowConnectThreshold,
	}
	retry := mcpclient.DefaultRetryPolicy()
	retry.Enabled = a.cfg.Retry.IsEnabled()
	if a.cfg.Retry.FastFailureWindow > 0 {
		retry.FastFailureWindow = a.cfg.Retry.FastFailureWindow
	}
	if a.cfg.Retry.Delay > 0 {
		retry.Delay = a.cfg.Retry.Delay
	}

	return func(desc mcp.ServerDescriptor, idle time.Duration) mcp.Client {
		return mcpclient.New(desc, mcpclient.Options{
			Dialer:         dialer,
			Timeouts:       timeouts,
			Retry:          retry,
			Hosted:         hosted,
			IdleTimeout:    idle,
			IdleWhenHosted: a.cfg.Manager.IdleDisconnectHosted,
			Metrics:        a.metrics,
			Logger:         a.log,
		})
	}
}

// Summary returns the current resolution summary.
func (a *App) Summary() envconfig.Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resolution.Summary
}

// Manager returns the clients manager.
func (a *App) Manager() *manager.Manager { return a.mgr }

// Handler returns the HTTP handler served by Run.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Run listens on the configured address, loads the registry and blocks
// until ctx ends or the server fails.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
	}
	a.log.Info("HTTP server listening", "addr", ln.Addr().String())

	stopSignals := a.mgr.HandleSignals(ctx)
	defer stopSignals()

	serveErr := make(chan error, 1)
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	go func() {
		if err := a.guard.Ensure(ctx); err != nil {
			a.log.Error("initial MCP server load failed, retrying on next request", "err", err)
			return
		}
		a.log.Info("MCP servers loaded",
			"clients", a.mgr.Len(),
			"connected", health.ConnectedCount(a.mgr),
		)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err, ok := <-serveErr:
		if !ok {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ApplyConfig hot-reloads the parts of new that differ from old: the log
// level and the server definitions. Removed servers are disconnected, added
// ones connected and changed ones refreshed with the re-resolved descriptor.
func (a *App) ApplyConfig(ctx context.Context, old, new *config.Config) {
	diff := config.Diff(old, new)
	if diff.IsEmpty() {
		return
	}
	if diff.LogLevelChanged {
		a.level.Set(SlogLevel(diff.NewLogLevel))
		a.log.Info("log level changed", "level", diff.NewLogLevel)
	}
	if !diff.ServersChanged {
		return
	}

	a.registry.Replace(envconfig.FromConfig(new.Servers))
	res := a.registry.Resolve(ctx, a.detection)
	a.mu.Lock()
	a.resolution = res
	a.mu.Unlock()
	a.mgr.Seed(res.Descriptors())

	for _, sd := range diff.ServerChanges {
		desc, enabled := res.Configs[sd.ID]
		_, live := a.mgr.Client(sd.ID)
		var err error
		switch {
		case sd.Removed || !enabled:
			if live {
				err = a.mgr.EvictClient(ctx, sd.ID, "")
			}
		case live:
			err = a.mgr.RefreshClient(ctx, sd.ID, "")
		default:
			_, err = a.mgr.AddClient(ctx, desc, "")
		}
		if err != nil {
			a.log.Warn("failed to apply MCP server change", "server", sd.ID, "err", err)
		}
	}
	a.log.Info("MCP server definitions reloaded", "changed", diff.ChangedIDs())
}

// Shutdown runs the closers in order: HTTP server, manager, storage,
// telemetry. If ctx expires first, the remaining closers are skipped.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		for i, c := range a.closers {
			if err := ctx.Err(); err != nil {
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, err)
				return
			}
			if err := c.fn(ctx); err != nil {
				a.log.Warn("closer error", "closer", c.name, "err", err)
				errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			}
		}
		a.log.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

// SlogLevel maps a config level to a [slog.Level].
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
