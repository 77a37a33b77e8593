package mcpclient

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"slices"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Bellamy509/FGZ/internal/mcp"
)

// Session is the subset of [mcpsdk.ClientSession] a [Client] needs.
type Session interface {
	ListTools(ctx context.Context, params *mcpsdk.ListToolsParams) (*mcpsdk.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
	Close() error
}

// waiter is implemented by sessions that report when the peer goes away.
type waiter interface {
	Wait() error
}

// Dialer opens a [Session] for a descriptor.
type Dialer interface {
	Dial(ctx context.Context, desc mcp.ServerDescriptor) (Session, error)
}

// connectFunc opens a session on an SDK transport.
type connectFunc func(ctx context.Context, t mcpsdk.Transport) (Session, error)

// SDKDialer selects and opens transports with the official MCP Go SDK.
//
// Stdio servers are spawned with the parent environment merged with the
// descriptor's overrides, in WorkDir. Remote servers are tried with
// Streamable HTTP first and legacy SSE second; descriptor headers are sent
// with both attempts.
type SDKDialer struct {
	client     *mcpsdk.Client
	workDir    string
	remoteOnly bool
	httpClient *http.Client
	environ    func() []string
	connect    connectFunc
}

// DialerOption configures an [SDKDialer].
type DialerOption func(*SDKDialer)

// WithWorkDir sets the working directory for spawned servers.
func WithWorkDir(dir string) DialerOption {
	return func(d *SDKDialer) { d.workDir = dir }
}

// WithRemoteOnly disables the stdio transport.
func WithRemoteOnly(remoteOnly bool) DialerOption {
	return func(d *SDKDialer) { d.remoteOnly = remoteOnly }
}

// WithHTTPClient sets the base HTTP client for remote transports.
func WithHTTPClient(c *http.Client) DialerOption {
	return func(d *SDKDialer) {
		if c != nil {
			d.httpClient = c
		}
	}
}

// WithEnviron replaces [os.Environ] as the source of the parent environment.
func WithEnviron(fn func() []string) DialerOption {
	return func(d *SDKDialer) {
		if fn != nil {
			d.environ = fn
		}
	}
}

// NewSDKDialer returns a dialer sharing one SDK client across all sessions.
func NewSDKDialer(opts ...DialerOption) *SDKDialer {
	d := &SDKDialer{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "fgz", Version: "1.0.0"},
			nil,
		),
		httpClient: http.DefaultClient,
		environ:    os.Environ,
	}
	d.connect = func(ctx context.Context, t mcpsdk.Transport) (Session, error) {
		cs, err := d.client.Connect(ctx, t, nil)
		if err != nil {
			return nil, err
		}
		return cs, nil
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial validates the descriptor's transport and opens it. Nothing is spawned
// or dialed for an invalid config.
func (d *SDKDialer) Dial(ctx context.Context, desc mcp.ServerDescriptor) (Session, error) {
	if err := desc.Transport.Validate(); err != nil {
		return nil, err
	}

	switch desc.Transport.Kind() {
	case mcp.TransportStdio:
		if d.remoteOnly {
			return nil, fmt.Errorf("mcpclient: server %q: %w", desc.Name, mcp.ErrUnsupportedTransport)
		}
		sess, err := d.connect(ctx, d.stdioTransport(desc.Transport.Stdio))
		if err != nil {
			return nil, fmt.Errorf("mcpclient: start %q: %w", desc.Name, err)
		}
		return sess, nil

	default:
		return d.dialRemote(ctx, desc.Name, desc.Transport.Remote)
	}
}

// stdioTransport builds the child process. The command is deliberately not
// bound to ctx: the process must outlive the connect deadline and is
// terminated when the session closes.
func (d *SDKDialer) stdioTransport(cfg *mcp.StdioConfig) mcpsdk.Transport {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = mergeEnv(d.environ(), cfg.Env)
	if d.workDir != "" {
		cmd.Dir = d.workDir
	}
	return &mcpsdk.CommandTransport{Command: cmd}
}

// dialRemote tries Streamable HTTP, then SSE against the same URL.
func (d *SDKDialer) dialRemote(ctx context.Context, name string, cfg *mcp.RemoteConfig) (Session, error) {
	httpClient := decorateHTTPClient(d.httpClient, cfg.Headers)

	sess, streamErr := d.connect(ctx, &mcpsdk.StreamableClientTransport{
		Endpoint:   cfg.URL,
		HTTPClient: httpClient,
	})
	if streamErr == nil {
		return sess, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("mcpclient: connect %q: %w", name, err)
	}

	sess, sseErr := d.connect(ctx, &mcpsdk.SSEClientTransport{
		Endpoint:   cfg.URL,
		HTTPClient: httpClient,
	})
	if sseErr != nil {
		return nil, fmt.Errorf("mcpclient: connect %q: streamable error: %v; sse error: %w", name, streamErr, sseErr)
	}
	return sess, nil
}

// mergeEnv appends overrides to base, dropping base entries whose key is
// overridden. Override keys are emitted in sorted order.
func mergeEnv(base []string, overrides map[string]string) []string {
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

// decorateHTTPClient returns a copy of base whose transport sets headers on
// every request. base is returned unchanged when there are no headers.
func decorateHTTPClient(base *http.Client, headers map[string]string) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	if len(headers) == 0 {
		return base
	}
	next := base.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	clone := *base
	clone.Transport = &headerDecorator{next: next, headers: headers}
	return &clone
}

type headerDecorator struct {
	next    http.RoundTripper
	headers map[string]string
}

func (h *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not mutate the caller's request.
	req = req.Clone(req.Context())
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	return h.next.RoundTrip(req)
}
