// Package api is the HTTP JSON surface the chat layer uses to manage tool
// servers and call their tools.
//
// Every route that touches the registry first waits for the manager's
// initial load through an [Ensurer]. Tool calls always answer 200 with a
// normalized result; failures carry "isError", the error text and
// "canRetry".
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/Bellamy509/FGZ/internal/health"
	"github.com/Bellamy509/FGZ/internal/mcp"
	"github.com/Bellamy509/FGZ/internal/mcp/bridge"
	"github.com/Bellamy509/FGZ/internal/mcp/manager"
	"github.com/Bellamy509/FGZ/internal/mcp/store"
	"github.com/Bellamy509/FGZ/internal/observe"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Servers is the part of [*manager.Manager] the API drives.
type Servers interface {
	Clients() []manager.Entry
	UserClients(userID string) []manager.Entry
	PersistClient(ctx context.Context, desc mcp.ServerDescriptor, userID string) (mcp.Client, error)
	RemoveClient(ctx context.Context, idOrName, userID string) error
	RefreshClient(ctx context.Context, id, userID string) error
	CallToolByServerName(ctx context.Context, serverName, toolName string, input map[string]any) *mcp.ToolResult
}

// Tools is the part of [*bridge.Bridge] the API drives.
type Tools interface {
	Definitions(userID string) []bridge.FunctionDefinition
	DispatchFor(ctx context.Context, userID, toolID, argsJSON string) *mcp.ToolResult
}

// Ensurer blocks until the registry is initialized. [*manager.InitGuard]
// implements it.
type Ensurer interface {
	Ensure(ctx context.Context) error
}

// Option configures a [Server].
type Option func(*Server)

// WithCORSOrigins sets the allowed CORS origins. Defaults to "*".
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics records request metrics through m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithInitGuard makes registry routes wait for the initial load.
func WithInitGuard(e Ensurer) Option {
	return func(s *Server) { s.guard = e }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Server holds the handlers. Build one with [New] and mount [Server.Handler].
type Server struct {
	servers  Servers
	tools    Tools
	guard    Ensurer
	health   *health.Handler
	metrics  *observe.Metrics
	gatherer prometheus.Gatherer
	origins  []string
	log      *slog.Logger
}

// New returns a server over servers and tools.
func New(servers Servers, tools Tools, opts ...Option) *Server {
	s := &Server{
		servers:  servers,
		tools:    tools,
		gatherer: prometheus.DefaultGatherer,
		origins:  []string{"*"},
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the full route tree wrapped in tracing, metrics and CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/servers", s.ready(s.listServers))
	mux.HandleFunc("POST /v1/servers", s.ready(s.createServer))
	mux.HandleFunc("DELETE /v1/servers/{id}", s.ready(s.deleteServer))
	mux.HandleFunc("POST /v1/servers/{id}/refresh", s.ready(s.refreshServer))
	mux.HandleFunc("GET /v1/tools", s.ready(s.listTools))
	mux.HandleFunc("POST /v1/tools/{toolID}/call", s.ready(s.callTool))
	mux.HandleFunc("POST /v1/servers/by-name/{name}/tools/{tool}/call", s.ready(s.callToolByName))

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	if s.health != nil {
		s.health.Register(mux)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-User-ID"},
	})
	return c.Handler(observe.Middleware(s.metrics)(mux))
}

// ready wraps h so that it runs after the initial registry load.
func (s *Server) ready(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.guard != nil {
			if err := s.guard.Ensure(r.Context()); err != nil {
				writeError(w, http.StatusServiceUnavailable, err)
				return
			}
		}
		h(w, r)
	}
}

// userID reads the caller's user scope: the ?user= query parameter, then the
// X-User-ID header. Empty means global.
func userID(r *http.Request) string {
	if u := r.URL.Query().Get("user"); u != "" {
		return u
	}
	return r.Header.Get("X-User-ID")
}

func (s *Server) listServers(w http.ResponseWriter, r *http.Request) {
	var entries []manager.Entry
	if u := userID(r); u != "" {
		entries = s.servers.UserClients(u)
	} else {
		entries = s.servers.Clients()
	}
	infos := make([]mcp.ClientInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.Client.Info())
	}
	writeJSON(w, http.StatusOK, infos)
}

// serverRequest is the body of POST /v1/servers.
type serverRequest struct {
	Name      string               `json:"name"`
	Transport mcp.TransportConfig  `json:"transport"`
	Profile   mcp.TransportProfile `json:"profile,omitempty"`
}

func (s *Server) createServer(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	desc := mcp.ServerDescriptor{
		Name:      req.Name,
		Transport: req.Transport,
		Profile:   req.Profile,
		Enabled:   true,
	}

	client, err := s.servers.PersistClient(r.Context(), desc, userID(r))
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, client.Info())
	case errors.Is(err, mcp.ErrServerAdditionDisabled):
		writeError(w, http.StatusForbidden, err)
	case mcp.IsConfigError(err):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrDuplicateName):
		writeError(w, http.StatusConflict, err)
	default:
		s.log.Error("failed to persist MCP server", "name", req.Name, "err", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) deleteServer(w http.ResponseWriter, r *http.Request) {
	err := s.servers.RemoveClient(r.Context(), r.PathValue("id"), userID(r))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, mcp.ErrUnresolvedIdentifier):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) refreshServer(w http.ResponseWriter, r *http.Request) {
	if err := s.servers.RefreshClient(r.Context(), r.PathValue("id"), userID(r)); err != nil {
		status := http.StatusInternalServerError
		if mcp.IsConfigError(err) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) listTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tools.Definitions(userID(r)))
}

func (s *Server) callTool(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res := s.tools.DispatchFor(r.Context(), userID(r), r.PathValue("toolID"), string(body))
	writeJSON(w, http.StatusOK, newToolResponse(res))
}

func (s *Server) callToolByName(w http.ResponseWriter, r *http.Request) {
	var input map[string]any
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res := s.servers.CallToolByServerName(r.Context(), r.PathValue("name"), r.PathValue("tool"), input)
	writeJSON(w, http.StatusOK, newToolResponse(res))
}

// toolResponse is a [mcp.ToolResult] plus retry hints on failure.
type toolResponse struct {
	IsError  bool          `json:"isError"`
	Content  []mcp.Content `json:"content"`
	Error    string        `json:"error,omitempty"`
	CanRetry bool          `json:"canRetry,omitempty"`
}

func newToolResponse(res *mcp.ToolResult) toolResponse {
	if res == nil {
		res = mcp.ErrorResult("tool returned no result")
	}
	out := toolResponse{IsError: res.IsError, Content: res.Content}
	if out.Content == nil {
		out.Content = []mcp.Content{}
	}
	if res.IsError {
		out.Error = res.Text()
		out.CanRetry = true
	}
	return out
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: failed to encode response", "err", err)
	}
}
