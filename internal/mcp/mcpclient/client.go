// Package mcpclient implements [mcp.Client] on top of the official MCP Go
// SDK.
//
// A [Client] moves between three states: disconnected, loading and connected.
// Connect opens a transport through a [Dialer], discovers tools and arms the
// idle timer. Concurrent Connect calls share one attempt. Every state
// mutation is fenced by a generation counter, so an attempt abandoned by
// Disconnect can never overwrite newer state.
package mcpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/Bellamy509/FGZ/internal/mcp"
	"github.com/Bellamy509/FGZ/internal/observe"
)

// errSuperseded is returned by a connect that was overtaken by Disconnect.
var errSuperseded = errors.New("mcpclient: connect superseded by disconnect")

// Client is the concrete [mcp.Client]. The zero value is not usable; use [New].
type Client struct {
	desc    mcp.ServerDescriptor
	opts    Options
	log     *slog.Logger
	metrics *observe.Metrics

	group singleflight.Group
	idle  *idleTimer
	calls *callWindow

	mu         sync.Mutex
	status     mcp.Status
	session    Session
	connecting chan struct{}
	lastErr    error
	tools      []mcp.ToolDescriptor
	gen        uint64
}

var _ mcp.Client = (*Client)(nil)

// New returns a disconnected client for desc. No I/O happens until Connect.
func New(desc mcp.ServerDescriptor, opts Options) *Client {
	opts.Timeouts = opts.Timeouts.withDefaults()
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Client{
		desc:    desc,
		opts:    opts,
		log:     opts.Logger.With("server", desc.Name, "server_id", desc.ID),
		metrics: opts.Metrics,
		calls:   newCallWindow(callWindowSize),
		status:  mcp.StatusDisconnected,
	}
	c.idle = newIdleTimer(c.onIdle)
	return c
}

// Descriptor implements [mcp.Client].
func (c *Client) Descriptor() mcp.ServerDescriptor { return c.desc }

// Connect implements [mcp.Client]. The attempt itself is detached from ctx
// so that one impatient caller cannot abort it for the others; ctx only
// bounds how long this caller waits.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.desc.Validate(); err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	connected := c.status == mcp.StatusConnected
	c.mu.Unlock()
	if connected {
		return nil
	}

	ch := c.group.DoChan("connect", func() (any, error) {
		return nil, c.connect(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) connect(ctx context.Context) (err error) {
	c.mu.Lock()
	if c.status == mcp.StatusConnected {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	done := make(chan struct{})
	c.connecting = done
	c.status = mcp.StatusLoading
	c.mu.Unlock()

	start := time.Now()
	ctx, span := observe.StartServerSpan(ctx, "connect", c.desc.Name)
	defer func() {
		c.mu.Lock()
		if c.connecting == done {
			c.connecting = nil
		}
		c.mu.Unlock()
		close(done)
		observe.EndSpan(span, err)
	}()

	bound := c.opts.Timeouts.Connect(c.opts.Hosted)
	c.log.Info("connecting to MCP server", "transport", c.desc.Transport.Kind(), "timeout", bound)

	sess, err := c.dial(ctx, bound)
	if err != nil {
		c.recordFailure(gen, err)
		c.metrics.RecordConnect(ctx, c.desc.Name, string(c.desc.Transport.Kind()), failureReason(err), time.Since(start))
		c.log.Error("failed to connect to MCP server", "err", err, "elapsed", time.Since(start))
		return err
	}

	connectTime := time.Since(start)
	c.log.Info("connected to MCP server", "elapsed", connectTime)
	if connectTime > c.opts.Timeouts.SlowConnect {
		c.log.Warn("slow MCP server connect", "elapsed", connectTime)
	}

	tools := c.discover(ctx, sess, gen)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = sess.Close()
		return errSuperseded
	}
	c.session = sess
	c.status = mcp.StatusConnected
	c.lastErr = nil
	c.setToolsLocked(ctx, tools)
	c.mu.Unlock()

	if w, ok := sess.(waiter); ok {
		go c.watch(w, sess, gen)
	}
	c.idle.rearm(c.opts.idleWindow())
	c.metrics.RecordConnect(ctx, c.desc.Name, string(c.desc.Transport.Kind()), "", time.Since(start))
	return nil
}

// dial opens the transport under bound. A deadline becomes ErrConnectTimeout.
func (c *Client) dial(ctx context.Context, bound time.Duration) (Session, error) {
	dctx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	sess, err := c.opts.Dialer.Dial(dctx, c.desc)
	if err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %v", mcp.ErrConnectTimeout, bound, err)
		}
		return nil, err
	}
	return sess, nil
}

// discover loads tools for a fresh session. A failure is logged and yields
// no tools; for slow-start servers that failed fast a single retry is
// scheduled in the background.
func (c *Client) discover(ctx context.Context, sess Session, gen uint64) []mcp.ToolDescriptor {
	bound := c.opts.Timeouts.ToolLoad(c.desc.Profile, c.opts.Hosted)
	start := time.Now()

	tools, err := loadTools(ctx, sess, bound)
	elapsed := time.Since(start)
	if err != nil {
		c.log.Error("failed to load tools", "err", err, "elapsed", elapsed)
		if c.shouldRetry(elapsed) {
			c.log.Info("retrying tool discovery", "delay", c.opts.Retry.Delay)
			go c.retryDiscovery(ctx, sess, gen)
		}
		return nil
	}

	c.log.Info("loaded tools", "count", len(tools), "elapsed", elapsed)
	if len(tools) == 0 {
		c.log.Warn("no tools found, server may not be responding correctly")
	}
	return tools
}

func (c *Client) shouldRetry(elapsed time.Duration) bool {
	return c.opts.Retry.Enabled &&
		c.desc.Profile.OrDefault() == mcp.ProfileSlowStart &&
		elapsed < c.opts.Retry.FastFailureWindow
}

func (c *Client) retryDiscovery(ctx context.Context, sess Session, gen uint64) {
	t := time.NewTimer(c.opts.Retry.Delay)
	defer t.Stop()
	<-t.C

	if !c.current(gen) {
		return
	}
	tools, err := loadTools(ctx, sess, c.opts.Timeouts.ToolLoad(c.desc.Profile, c.opts.Hosted))
	if err != nil {
		c.log.Error("tool discovery retry failed", "err", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.session != sess {
		return
	}
	c.setToolsLocked(ctx, tools)
	c.log.Info("loaded tools on retry", "count", len(tools))
}

// watch marks the client disconnected when the peer ends the session.
func (c *Client) watch(w waiter, sess Session, gen uint64) {
	err := w.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.session != sess {
		return
	}
	c.gen++
	c.session = nil
	c.status = mcp.StatusDisconnected
	c.setToolsLocked(context.Background(), nil)
	c.idle.stop()
	c.log.Warn("MCP server session ended", "err", err)
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

// recordFailure stores err as the client error if gen is still current.
func (c *Client) recordFailure(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	c.lastErr = err
	c.status = mcp.StatusDisconnected
	c.setToolsLocked(context.Background(), nil)
}

// setToolsLocked replaces the tool set and keeps the discovered tools gauge
// in step. c.mu must be held.
func (c *Client) setToolsLocked(ctx context.Context, tools []mcp.ToolDescriptor) {
	if delta := len(tools) - len(c.tools); delta != 0 {
		c.metrics.DiscoveredTools.Add(ctx, int64(delta), metric.WithAttributes(observe.Attr("server", c.desc.Name)))
	}
	c.tools = tools
}

// Disconnect implements [mcp.Client]. If ctx ends before an in-flight connect
// settles, the transport is torn down anyway and the attempt is fenced off.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	done := c.connecting
	c.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			c.log.Warn("disconnect did not wait for pending connect", "err", ctx.Err())
		}
	}

	c.mu.Lock()
	c.gen++
	sess := c.session
	c.session = nil
	c.status = mcp.StatusDisconnected
	c.setToolsLocked(ctx, nil)
	c.mu.Unlock()

	c.idle.stop()
	if sess == nil {
		return nil
	}
	c.log.Info("disconnecting from MCP server")
	if err := sess.Close(); err != nil {
		c.log.Warn("error closing MCP session", "err", err)
		return fmt.Errorf("mcpclient: close %q: %w", c.desc.Name, err)
	}
	return nil
}

func (c *Client) onIdle() {
	window := c.opts.idleWindow()
	c.log.Info("auto-disconnecting after inactivity", "idle", window)
	c.metrics.RecordIdleDisconnect(context.Background(), c.desc.Name)
	_ = c.Disconnect(context.Background())
}

// CallTool implements [mcp.Client].
func (c *Client) CallTool(ctx context.Context, name string, input map[string]any) *mcp.ToolResult {
	start := time.Now()
	log := c.log.With("tool", name)
	log.Info("tool call started")

	ctx, span := observe.StartServerSpan(ctx, "call_tool", c.desc.Name)
	span.SetAttributes(observe.Attr("mcp.tool", name))

	c.mu.Lock()
	lastErr := c.lastErr
	c.mu.Unlock()
	if lastErr != nil {
		return c.fail(ctx, span, log, name, start, mcp.ErrServerUnhealthy)
	}

	c.idle.rearm(c.opts.idleWindow())

	if err := c.Connect(ctx); err != nil {
		return c.fail(ctx, span, log, name, start, fmt.Errorf("failed to establish connection to MCP server: %w", err))
	}

	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return c.fail(ctx, span, log, name, start, errors.New("failed to establish connection to MCP server"))
	}
	if err := ctx.Err(); err != nil {
		return c.fail(ctx, span, log, name, start, err)
	}

	res, err := sess.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: input})
	if err != nil {
		return c.fail(ctx, span, log, name, start, err)
	}
	if res == nil {
		return c.fail(ctx, span, log, name, start, errors.New("tool call failed with null"))
	}

	out := convertResult(res)
	elapsed := time.Since(start)
	log.Info("tool call completed", "elapsed", elapsed)
	if elapsed > c.opts.Timeouts.SlowCall {
		log.Warn("slow tool call", "elapsed", elapsed)
	}

	status := "ok"
	if out.IsError {
		status = "tool_error"
		log.Error("tool call failed", "content", out.Text())
	}
	c.calls.record(elapsed, out.IsError)
	c.metrics.RecordToolCall(ctx, c.desc.Name, name, status, elapsed)
	observe.EndSpan(span, nil)

	c.idle.rearm(c.opts.idleWindow())
	return out
}

// fail normalizes err into an error result and records the failed call.
func (c *Client) fail(ctx context.Context, span trace.Span, log *slog.Logger, tool string, start time.Time, err error) *mcp.ToolResult {
	elapsed := time.Since(start)
	callErr := &mcp.ToolCallError{Tool: tool, Elapsed: elapsed, Cause: err}
	log.Error("tool call failed", "err", err, "elapsed", elapsed)

	c.calls.record(elapsed, true)
	c.metrics.RecordToolCall(ctx, c.desc.Name, tool, "error", elapsed)
	observe.EndSpan(span, callErr)
	return callErr.Result()
}

// Tools implements [mcp.Client].
func (c *Client) Tools() []mcp.ToolDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.tools)
}

// Status implements [mcp.Client].
func (c *Client) Status() mcp.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Client) statusLocked() mcp.Status {
	if c.connecting != nil {
		return mcp.StatusLoading
	}
	return c.status
}

// Info implements [mcp.Client].
func (c *Client) Info() mcp.ClientInfo {
	c.mu.Lock()
	info := mcp.ClientInfo{
		ID:        c.desc.ID,
		Name:      c.desc.Name,
		Transport: c.desc.Transport.Kind(),
		Profile:   c.desc.Profile.OrDefault(),
		Status:    c.statusLocked(),
		Tools:     slices.Clone(c.tools),
	}
	if c.lastErr != nil {
		info.Error = c.lastErr.Error()
	}
	c.mu.Unlock()

	if info.Tools == nil {
		info.Tools = []mcp.ToolDescriptor{}
	}
	info.Stats = c.calls.snapshot()
	return info
}

// failureReason maps a connect error onto a low-cardinality metric label.
func failureReason(err error) string {
	switch {
	case errors.Is(err, mcp.ErrConnectTimeout):
		return "timeout"
	case errors.Is(err, mcp.ErrUnsupportedTransport):
		return "unsupported_transport"
	case mcp.IsConfigError(err):
		return "config"
	default:
		return "transport"
	}
}
