package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConnectTimeout is recorded when opening a transport exceeds its bound.
	ErrConnectTimeout = errors.New("mcp: connect timed out")

	// ErrToolLoadTimeout is recorded when tool discovery exceeds its bound.
	ErrToolLoadTimeout = errors.New("mcp: tool discovery timed out")

	// ErrUnsupportedTransport is recorded when a stdio server is configured
	// in a remote-only deployment.
	ErrUnsupportedTransport = errors.New("mcp: stdio transport is disabled in remote-only mode")

	// ErrUnresolvedIdentifier is returned when a server name cannot be
	// resolved to a stable id.
	ErrUnresolvedIdentifier = errors.New("mcp: identifier could not be resolved to a server id")

	// ErrServerAdditionDisabled is returned when new servers may not be added.
	ErrServerAdditionDisabled = errors.New("mcp: adding servers is disabled")

	// ErrServerUnhealthy is the user-facing failure of tool calls on a client
	// with a recorded connect error.
	ErrServerUnhealthy = errors.New("MCP Server is currently in an error state. Please check the configuration and try refreshing the server.")
)

// ConfigError reports an invalid server descriptor. It is the only error kind
// that propagates out of the manager's add operations.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("mcp: invalid config: %s %s", e.Field, e.Reason)
}

// ToolCallError describes a failed tool invocation before it is folded into a
// normalized [ToolResult].
type ToolCallError struct {
	Tool    string
	Elapsed time.Duration
	Cause   error
}

func (e *ToolCallError) Error() string {
	return fmt.Sprintf("mcp: tool %q failed after %s: %v", e.Tool, e.Elapsed.Round(time.Millisecond), e.Cause)
}

func (e *ToolCallError) Unwrap() error { return e.Cause }

// Result folds e into a normalized error result whose text is the JSON body
// {"error":{"message","name","executionTime"}}, executionTime in ms.
func (e *ToolCallError) Result() *ToolResult {
	var body struct {
		Error struct {
			Message       string `json:"message"`
			Name          string `json:"name"`
			ExecutionTime int64  `json:"executionTime"`
		} `json:"error"`
	}
	if e.Cause != nil {
		body.Error.Message = e.Cause.Error()
	}
	body.Error.Name = errorName(e.Cause)
	body.Error.ExecutionTime = e.Elapsed.Milliseconds()

	data, err := json.Marshal(body)
	if err != nil {
		return ErrorResult(body.Error.Message)
	}
	return ErrorResult(string(data))
}

// errorName classifies err for the "name" field of a normalized failure.
func errorName(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrConnectTimeout),
		errors.Is(err, ErrToolLoadTimeout):
		return "TimeoutError"
	case errors.Is(err, context.Canceled):
		return "AbortError"
	case IsConfigError(err):
		return "ConfigError"
	default:
		return "ToolCallError"
	}
}

// IsConfigError reports whether err is or wraps a *[ConfigError].
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
