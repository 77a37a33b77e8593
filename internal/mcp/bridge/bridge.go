// Package bridge exposes the manager's flat tool map to an LLM runtime.
//
// A [Bridge] translates between the registry's tool map and the runtime's
// native function-calling interface. [Bridge.Definitions] lists the tools a
// user may call; [Bridge.Dispatch] routes a call made by the model back to
// the owning client.
//
// Typical usage:
//
//	b := bridge.New(mgr)
//	defs := b.Definitions(userID)
//	// hand defs to the model, then for every function call it makes:
//	res := b.DispatchFor(ctx, userID, call.Name, call.Arguments)
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Bellamy509/FGZ/internal/mcp"
	"github.com/Bellamy509/FGZ/internal/mcp/manager"
)

// defaultToolTimeout bounds each dispatched call.
const defaultToolTimeout = 60 * time.Second

// ToolSource provides the flat tool map. [*manager.Manager] implements it.
type ToolSource interface {
	UserTools(userID string) map[string]manager.Tool
}

// FunctionDefinition is one tool as declared to the model.
type FunctionDefinition struct {
	// Name is the flat tool id ("server__tool").
	Name string `json:"name"`

	Description string `json:"description,omitempty"`

	// Parameters is the normalized JSON Schema object of the tool input.
	Parameters map[string]any `json:"parameters"`
}

// Option is a functional option for configuring a [Bridge].
type Option func(*Bridge)

// WithToolTimeout sets the deadline applied to each dispatched call. The
// default is 60 seconds.
func WithToolTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.toolTimeout = d
	}
}

// Bridge is safe for concurrent use. It holds no tool state of its own; every
// call reads the current map from the source.
type Bridge struct {
	source      ToolSource
	toolTimeout time.Duration
}

// New returns a bridge over source.
func New(source ToolSource, opts ...Option) *Bridge {
	b := &Bridge{source: source, toolTimeout: defaultToolTimeout}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Definitions returns the tools visible to userID sorted by name. An empty
// userID lists the global tools only.
func (b *Bridge) Definitions(userID string) []FunctionDefinition {
	tools := b.source.UserTools(userID)
	defs := make([]FunctionDefinition, 0, len(tools))
	for id, t := range tools {
		defs = append(defs, FunctionDefinition{Name: id, Description: t.Description, Parameters: t.InputSchema})
	}
	slices.SortFunc(defs, func(a, b FunctionDefinition) int { return strings.Compare(a.Name, b.Name) })
	return defs
}

// Dispatch calls the global tool toolID with the JSON-encoded argsJSON.
func (b *Bridge) Dispatch(ctx context.Context, toolID, argsJSON string) *mcp.ToolResult {
	return b.DispatchFor(ctx, "", toolID, argsJSON)
}

// DispatchFor calls toolID as seen by userID. Malformed arguments and
// unknown ids come back as normalized error results; the result is never nil.
func (b *Bridge) DispatchFor(ctx context.Context, userID, toolID, argsJSON string) *mcp.ToolResult {
	start := time.Now()

	var input map[string]any
	if strings.TrimSpace(argsJSON) != "" {
		if err := json.Unmarshal([]byte(argsJSON), &input); err != nil {
			return failure(toolID, start, fmt.Errorf("invalid arguments: %w", err))
		}
	}

	tool, ok := b.source.UserTools(userID)[toolID]
	if !ok {
		return failure(toolID, start, fmt.Errorf("unknown tool %q", toolID))
	}

	ctx, cancel := context.WithTimeout(ctx, b.toolTimeout)
	defer cancel()
	return tool.Call(ctx, input)
}

func failure(toolID string, start time.Time, err error) *mcp.ToolResult {
	return (&mcp.ToolCallError{Tool: toolID, Elapsed: time.Since(start), Cause: err}).Result()
}
