package envconfig

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Bellamy509/FGZ/internal/mcp"
)

// BuildContext is what a [Definition] builds its transport from.
type BuildContext struct {
	Environment Environment
	WorkDir     string

	// Lookup reads environment variables for placeholder expansion.
	Lookup LookupFunc
}

// Definition describes one tool server and where it may run.
type Definition struct {
	ID          string
	Name        string
	Description string

	// Enabled maps environments to availability. A nil map enables the
	// definition everywhere; otherwise missing environments are disabled.
	Enabled map[Environment]bool

	// Build returns the transport for the given context. It must not perform
	// I/O.
	Build func(BuildContext) mcp.TransportConfig

	Profile mcp.TransportProfile

	// HealthCheck is an optional readiness probe run by [Registry.HealthReport].
	HealthCheck func(ctx context.Context) error
}

// EnabledIn reports whether d may run in env.
func (d Definition) EnabledIn(env Environment) bool {
	if d.Enabled == nil {
		return true
	}
	return d.Enabled[env]
}

// Summary describes a resolution for startup logs.
type Summary struct {
	Environment      Environment `json:"environment"`
	WorkingDirectory string      `json:"workingDirectory"`
	Hosted           bool        `json:"hosted"`
	Enabled          []string    `json:"enabledServers"`
	Disabled         []string    `json:"disabledServers"`
	Platform         string      `json:"platform"`
	GoVersion        string      `json:"goVersion"`
	DetectionReason  string      `json:"detectionReason"`
}

// Resolution is the output of [Registry.Resolve].
type Resolution struct {
	Configs map[string]mcp.ServerDescriptor
	Summary Summary
}

// Descriptors returns the resolved descriptors sorted by id.
func (r Resolution) Descriptors() []mcp.ServerDescriptor {
	out := make([]mcp.ServerDescriptor, 0, len(r.Configs))
	for _, d := range r.Configs {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b mcp.ServerDescriptor) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Registry holds the server definitions. It is safe for concurrent use.
type Registry struct {
	cwd      string
	override string
	lookup   LookupFunc
	log      *slog.Logger

	mu   sync.RWMutex
	defs []Definition
}

// Option configures a [Registry].
type Option func(*Registry)

// WithWorkDirOverride replaces the detected working directory.
func WithWorkDirOverride(dir string) Option {
	return func(r *Registry) { r.override = dir }
}

// WithLookup sets the variable lookup used for placeholder expansion.
// Defaults to one that finds nothing.
func WithLookup(lookup LookupFunc) Option {
	return func(r *Registry) { r.lookup = lookup }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// NewRegistry returns a registry over defs. cwd is the working directory
// used in the local environment.
func NewRegistry(cwd string, defs []Definition, opts ...Option) *Registry {
	r := &Registry{
		cwd:    cwd,
		lookup: func(string) (string, bool) { return "", false },
		log:    slog.Default(),
		defs:   slices.Clone(defs),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Replace swaps the definitions, for config reloads.
func (r *Registry) Replace(defs []Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = slices.Clone(defs)
}

func (r *Registry) definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := slices.Clone(r.defs)
	slices.SortFunc(defs, func(a, b Definition) int { return strings.Compare(a.ID, b.ID) })
	return defs
}

// Resolve builds the descriptors of every definition enabled for the
// detected environment. Identical inputs give identical output.
func (r *Registry) Resolve(_ context.Context, det Detection) Resolution {
	env := det.Environment
	bc := BuildContext{
		Environment: env,
		WorkDir:     WorkDir(env, r.cwd, r.override),
		Lookup:      r.lookup,
	}

	res := Resolution{
		Configs: make(map[string]mcp.ServerDescriptor),
		Summary: Summary{
			Environment:      env,
			WorkingDirectory: bc.WorkDir,
			Hosted:           env.Hosted(),
			Enabled:          []string{},
			Disabled:         []string{},
			Platform:         runtime.GOOS + "/" + runtime.GOARCH,
			GoVersion:        runtime.Version(),
			DetectionReason:  det.Reason,
		},
	}

	for _, d := range r.definitions() {
		if !d.EnabledIn(env) || d.Build == nil {
			r.log.Debug("MCP server disabled for environment", "server", d.Name, "environment", env)
			res.Summary.Disabled = append(res.Summary.Disabled, d.Name)
			continue
		}
		res.Configs[d.ID] = mcp.ServerDescriptor{
			ID:        d.ID,
			Name:      d.Name,
			Transport: d.Build(bc),
			Profile:   d.Profile,
			Enabled:   true,
		}
		res.Summary.Enabled = append(res.Summary.Enabled, d.Name)
	}

	r.log.Info("resolved MCP server configuration",
		"environment", env,
		"work_dir", bc.WorkDir,
		"enabled", len(res.Summary.Enabled),
		"disabled", len(res.Summary.Disabled),
	)
	return res
}

// HealthReport runs the probes of the resolved definitions concurrently.
// Disabled definitions report false, definitions without a probe report
// true. A failing probe reports false but leaves res untouched.
func (r *Registry) HealthReport(ctx context.Context, res Resolution) map[string]bool {
	defs := r.definitions()
	report := make(map[string]bool, len(defs))
	var mu sync.Mutex
	set := func(id string, ok bool) {
		mu.Lock()
		report[id] = ok
		mu.Unlock()
	}

	var g errgroup.Group
	for _, d := range defs {
		if _, enabled := res.Configs[d.ID]; !enabled {
			set(d.ID, false)
			continue
		}
		if d.HealthCheck == nil {
			set(d.ID, true)
			continue
		}
		g.Go(func() error {
			if err := d.HealthCheck(ctx); err != nil {
				r.log.Warn("MCP server health check failed", "server", d.Name, "err", err)
				set(d.ID, false)
				return nil
			}
			set(d.ID, true)
			return nil
		})
	}
	_ = g.Wait()
	return report
}

// CommandProbe returns a health check that passes when name is found on PATH.
func CommandProbe(name string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := exec.LookPath(name); err != nil {
			return fmt.Errorf("envconfig: %q not found on PATH: %w", name, err)
		}
		return nil
	}
}
