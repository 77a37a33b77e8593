// Package health serves the liveness and readiness probes.
//
//   - /healthz always returns 200 while the process can serve HTTP.
//   - /readyz returns 200 only when every registered [Checker] passes.
//
// Bodies are JSON with a "status" of "ok" or "fail" and a "checks" map keyed
// by checker name.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Bellamy509/FGZ/internal/mcp"
	"github.com/Bellamy509/FGZ/internal/mcp/manager"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type result struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks,omitempty"`
	Servers map[string]string `json:"servers,omitempty"`
}

// ServerLister reports the clients whose status /readyz should list.
// [*manager.Manager] implements it.
type ServerLister interface {
	Clients() []manager.Entry
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
	servers  ServerLister
}

// Option configures a [Handler].
type Option func(*Handler)

// WithServers adds a per-server status map to /readyz. Server status never
// affects readiness: a degraded server leaves the rest usable.
func WithServers(l ServerLister) Option {
	return func(h *Handler) { h.servers = l }
}

// New returns a [Handler] that runs checkers concurrently on each /readyz.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: slices.Clone(checkers)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is the readiness probe. Each checker gets a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	var (
		mu    sync.Mutex
		allOK = true
		g     errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
				return nil
			}
			checks[c.Name] = "ok"
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	if h.servers != nil {
		res.Servers = make(map[string]string)
		for _, e := range h.servers.Clients() {
			info := e.Client.Info()
			status := string(info.Status)
			if info.Error != "" {
				status += ": " + info.Error
			}
			res.Servers[info.Name] = status
		}
	}

	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// StateReporter exposes an initialization state. [*manager.InitGuard]
// implements it.
type StateReporter interface {
	State() manager.InitializationState
}

// InitChecker passes once the manager has finished its first Init.
func InitChecker(g StateReporter) Checker {
	return Checker{Name: "manager", Check: func(context.Context) error {
		if s := g.State(); s != manager.Done {
			return fmt.Errorf("initialization %s", s)
		}
		return nil
	}}
}

// Pinger is a storage backend that can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StorageChecker pings the storage backend.
func StorageChecker(p Pinger) Checker {
	return Checker{Name: "storage", Check: p.Ping}
}

// ConnectedCount returns how many entries are connected. It feeds startup
// logging.
func ConnectedCount(l ServerLister) int {
	n := 0
	for _, e := range l.Clients() {
		if e.Client.Status() == mcp.StatusConnected {
			n++
		}
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
