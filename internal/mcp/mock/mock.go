// Package mock provides an in-memory test double for the [mcp.Client]
// interface.
//
// [Client] records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. It is safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	c := mock.New(desc)
//	c.ToolsResult = []mcp.ToolDescriptor{{Name: "search"}}
//	c.CallToolResult = mcp.TextResult(`{"hits":3}`)
//
//	// inject c through a client factory into the system under test …
//
//	if got := c.CallCount("Disconnect"); got != 1 {
//	    t.Errorf("expected 1 Disconnect call, got %d", got)
//	}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/Bellamy509/FGZ/internal/mcp"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Client is a configurable test double for [mcp.Client].
// All exported *Err fields default to nil (success).
type Client struct {
	mu sync.Mutex

	desc      mcp.ServerDescriptor
	calls     []Call
	connected bool

	// ──── Connect ──────────────────────────────────────────────────────────

	// ConnectErr is returned by [Client.Connect] when non-nil. The client
	// stays disconnected and reports the error in [Client.Info].
	ConnectErr error

	// ConnectHook, when non-nil, runs at the start of every Connect call.
	ConnectHook func()

	// ──── Disconnect ───────────────────────────────────────────────────────

	// DisconnectErr is returned by [Client.Disconnect] when non-nil.
	DisconnectErr error

	// DisconnectHook, when non-nil, runs at the start of every Disconnect.
	DisconnectHook func()

	// ──── Tools ────────────────────────────────────────────────────────────

	// ToolsResult is returned by [Client.Tools] while connected.
	ToolsResult []mcp.ToolDescriptor

	// ──── CallTool ─────────────────────────────────────────────────────────

	// CallToolResult is returned by [Client.CallTool]. When nil, a text
	// result "ok" is returned.
	CallToolResult *mcp.ToolResult
}

var _ mcp.Client = (*Client)(nil)

// New returns a disconnected mock for desc.
func New(desc mcp.ServerDescriptor) *Client {
	return &Client{desc: desc}
}

// Calls returns a copy of all recorded method invocations.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (c *Client) CallCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

// SetConnected forces the connection state without recording a call.
func (c *Client) SetConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

func (c *Client) record(method string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Method: method, Args: args})
}

// Descriptor implements [mcp.Client].
func (c *Client) Descriptor() mcp.ServerDescriptor { return c.desc }

// Connect implements [mcp.Client].
func (c *Client) Connect(_ context.Context) error {
	c.record("Connect")
	c.mu.Lock()
	hook := c.ConnectHook
	c.mu.Unlock()
	if hook != nil {
		hook()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.desc.Validate(); err != nil {
		return err
	}
	if c.ConnectErr != nil {
		c.connected = false
		return c.ConnectErr
	}
	c.connected = true
	return nil
}

// Disconnect implements [mcp.Client].
func (c *Client) Disconnect(_ context.Context) error {
	c.record("Disconnect")
	c.mu.Lock()
	hook := c.DisconnectHook
	c.mu.Unlock()
	if hook != nil {
		hook()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return c.DisconnectErr
}

// CallTool implements [mcp.Client].
func (c *Client) CallTool(_ context.Context, name string, input map[string]any) *mcp.ToolResult {
	c.record("CallTool", name, input)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CallToolResult != nil {
		return c.CallToolResult
	}
	return mcp.TextResult("ok")
}

// Tools implements [mcp.Client]. It returns nothing while disconnected.
func (c *Client) Tools() []mcp.ToolDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	return slices.Clone(c.ToolsResult)
}

// Status implements [mcp.Client].
func (c *Client) Status() mcp.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return mcp.StatusConnected
	}
	return mcp.StatusDisconnected
}

// Info implements [mcp.Client].
func (c *Client) Info() mcp.ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := mcp.ClientInfo{
		ID:        c.desc.ID,
		Name:      c.desc.Name,
		Transport: c.desc.Transport.Kind(),
		Profile:   c.desc.Profile.OrDefault(),
		Status:    mcp.StatusDisconnected,
		Tools:     []mcp.ToolDescriptor{},
	}
	if c.connected {
		info.Status = mcp.StatusConnected
		info.Tools = slices.Clone(c.ToolsResult)
	}
	if c.ConnectErr != nil && !c.connected {
		info.Error = c.ConnectErr.Error()
	}
	return info
}
