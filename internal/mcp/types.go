package mcp

import (
	"fmt"
	"net/url"
	"time"
)

// TransportKind names the wire transport family of a [TransportConfig].
type TransportKind string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio TransportKind = "stdio"

	// TransportRemote talks to an HTTP endpoint, preferring Streamable HTTP
	// and falling back to legacy SSE.
	TransportRemote TransportKind = "remote"
)

// TransportProfile tags a server with its expected cold-start behaviour.
// It replaces any runtime sniffing of the command line.
type TransportProfile string

const (
	// ProfileFastStart marks servers that are ready within a few seconds,
	// such as package-runner launched Node servers.
	ProfileFastStart TransportProfile = "fast-start"

	// ProfileSlowStart marks servers with a slow cold start, typically
	// interpreter-backed ones. They get longer discovery bounds and one retry.
	ProfileSlowStart TransportProfile = "slow-start"
)

// IsValid reports whether p is a recognised profile. The empty profile is
// valid and treated as [ProfileFastStart].
func (p TransportProfile) IsValid() bool {
	return p == "" || p == ProfileFastStart || p == ProfileSlowStart
}

// OrDefault returns p, or [ProfileFastStart] when p is empty.
func (p TransportProfile) OrDefault() TransportProfile {
	if p == "" {
		return ProfileFastStart
	}
	return p
}

// Status is the connection state of a single client.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusLoading      Status = "loading"
	StatusConnected    Status = "connected"
)

// StdioConfig launches a local tool server as a child process.
type StdioConfig struct {
	// Command is the executable to run (e.g. "npx", "python3").
	Command string `json:"command" yaml:"command"`

	// Args are passed to Command verbatim.
	Args []string `json:"args,omitempty" yaml:"args"`

	// Env overrides entries of the parent environment. Values here win on
	// conflict.
	Env map[string]string `json:"env,omitempty" yaml:"env"`
}

// RemoteConfig points at a tool server reachable over HTTP.
type RemoteConfig struct {
	// URL is the MCP endpoint (e.g. "https://tools.example.com/mcp").
	URL string `json:"url" yaml:"url"`

	// Headers are attached to every request of both the streamable and the
	// SSE attempt.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers"`
}

// TransportConfig holds exactly one of Stdio or Remote.
type TransportConfig struct {
	Stdio  *StdioConfig  `json:"stdio,omitempty" yaml:"stdio"`
	Remote *RemoteConfig `json:"remote,omitempty" yaml:"remote"`
}

// Kind returns the transport family, or "" when the config is invalid.
func (c TransportConfig) Kind() TransportKind {
	switch {
	case c.Stdio != nil && c.Remote == nil:
		return TransportStdio
	case c.Remote != nil && c.Stdio == nil:
		return TransportRemote
	default:
		return ""
	}
}

// Validate checks that exactly one transport shape is set and that it is
// usable. The returned error is always a *[ConfigError].
func (c TransportConfig) Validate() error {
	switch {
	case c.Stdio != nil && c.Remote != nil:
		return &ConfigError{Field: "transport", Reason: "both stdio and remote are set"}
	case c.Stdio == nil && c.Remote == nil:
		return &ConfigError{Field: "transport", Reason: "neither stdio nor remote is set"}
	case c.Stdio != nil:
		if c.Stdio.Command == "" {
			return &ConfigError{Field: "transport.stdio.command", Reason: "must not be empty"}
		}
	case c.Remote != nil:
		if c.Remote.URL == "" {
			return &ConfigError{Field: "transport.remote.url", Reason: "must not be empty"}
		}
		u, err := url.Parse(c.Remote.URL)
		if err != nil {
			return &ConfigError{Field: "transport.remote.url", Reason: err.Error()}
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return &ConfigError{Field: "transport.remote.url", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
		}
	}
	return nil
}

// ServerDescriptor identifies one tool server and how to reach it.
type ServerDescriptor struct {
	// ID is the stable registry key. Persisted descriptors carry a UUID.
	ID string `json:"id"`

	// Name is the display label used for lookup by name and in tool ids.
	Name string `json:"name"`

	// Transport selects stdio or remote.
	Transport TransportConfig `json:"transport"`

	// Profile tunes discovery timeouts and retry.
	Profile TransportProfile `json:"profile,omitempty"`

	// Enabled is informational for the storage layer; disabled descriptors
	// are not loaded by the manager.
	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitzero"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// Validate checks the descriptor. Errors are *[ConfigError] values.
func (d *ServerDescriptor) Validate() error {
	if d.Name == "" {
		return &ConfigError{Field: "name", Reason: "must not be empty"}
	}
	if !d.Profile.IsValid() {
		return &ConfigError{Field: "profile", Reason: fmt.Sprintf("unknown profile %q", d.Profile)}
	}
	return d.Transport.Validate()
}

// ToolDescriptor is one tool discovered on a live server.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Content is a single block of a tool result. Type is the MCP block type
// ("text", "image", "audio", "resource", "resource_link"). For text blocks
// Text is the text itself; for every other type it is the block's JSON
// encoding as sent by the server, data and mime type included.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is the normalized outcome of a tool call. Failures of any kind
// are represented with IsError set and a human-readable text block.
type ToolResult struct {
	IsError bool      `json:"isError"`
	Content []Content `json:"content"`
}

// Text concatenates the Text of every block.
func (r *ToolResult) Text() string {
	var s string
	for _, c := range r.Content {
		s += c.Text
	}
	return s
}

// TextResult builds a successful single-block result.
func TextResult(text string) *ToolResult {
	return &ToolResult{Content: []Content{{Type: "text", Text: text}}}
}

// ErrorResult builds a normalized error result carrying msg.
func ErrorResult(msg string) *ToolResult {
	return &ToolResult{IsError: true, Content: []Content{{Type: "text", Text: msg}}}
}

// CallStats summarises recent tool call latencies of one client.
type CallStats struct {
	Calls     int     `json:"calls"`
	ErrorRate float64 `json:"errorRate"`
	P50Ms     int64   `json:"p50Ms"`
	P99Ms     int64   `json:"p99Ms"`
}

// ClientInfo is a read-only snapshot of a client's runtime state.
type ClientInfo struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Transport TransportKind    `json:"transport"`
	Profile   TransportProfile `json:"profile"`
	Status    Status           `json:"status"`
	Error     string           `json:"error,omitempty"`
	Tools     []ToolDescriptor `json:"toolInfo"`
	Stats     CallStats        `json:"stats"`
}
