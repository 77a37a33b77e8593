// Package mcp defines the data model and client contract for connections to
// Model Context Protocol (MCP) tool servers.
//
// A [Client] owns the connection to exactly one tool server. It discovers the
// server's tools, forwards tool calls, and normalizes every failure into a
// [ToolResult] so that one misbehaving server cannot break the caller.
//
// Lifecycle:
//
//  1. Construct a client for a validated [ServerDescriptor].
//  2. Call [Client.Connect]; concurrent callers share one attempt.
//  3. Use [Client.Tools] and [Client.CallTool] while connected. CallTool
//     reconnects on demand after an idle disconnect.
//  4. Call [Client.Disconnect] to release the transport. It is idempotent.
//
// All methods must be safe for concurrent use.
package mcp

import "context"

// Client is the per-server connection contract consumed by the manager.
type Client interface {
	// Descriptor returns the descriptor the client was created with.
	Descriptor() ServerDescriptor

	// Connect opens the transport and discovers tools. If a connect is
	// already in flight the caller waits for it and observes its outcome.
	// Returns nil immediately when already connected.
	//
	// Failures are recorded on the client (see [ClientInfo.Error]) and also
	// returned for the caller's information. Connect never leaves a
	// half-open transport behind.
	Connect(ctx context.Context) error

	// Disconnect waits for any in-flight connect, closes the transport and
	// marks the client disconnected. Calling it more than once is safe.
	Disconnect(ctx context.Context) error

	// CallTool invokes the named tool with input. The result is never nil;
	// transport and tool failures are returned as results with IsError set.
	CallTool(ctx context.Context, name string, input map[string]any) *ToolResult

	// Tools returns the currently discovered tools, sorted by name.
	Tools() []ToolDescriptor

	// Status reports the current connection state.
	Status() Status

	// Info returns a snapshot of the client's runtime state.
	Info() ClientInfo
}
