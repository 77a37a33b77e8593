package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Bellamy509/FGZ/internal/mcp"
)

// loadTools pages through ListTools until the cursor is exhausted, bounded by
// bound. The returned tools are sorted by name and carry normalized schemas.
func loadTools(ctx context.Context, sess Session, bound time.Duration) ([]mcp.ToolDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	var (
		tools  []mcp.ToolDescriptor
		cursor string
	)
	for {
		res, err := sess.ListTools(ctx, &mcpsdk.ListToolsParams{Cursor: cursor})
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %s", mcp.ErrToolLoadTimeout, bound)
			}
			return nil, fmt.Errorf("mcpclient: list tools: %w", err)
		}
		if res == nil {
			break
		}
		for _, t := range res.Tools {
			if t == nil || t.Name == "" {
				continue
			}
			tools = append(tools, mcp.ToolDescriptor{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: normalizeSchema(t.InputSchema),
			})
		}
		if res.NextCursor == "" || res.NextCursor == cursor {
			break
		}
		cursor = res.NextCursor
	}

	slices.SortFunc(tools, func(a, b mcp.ToolDescriptor) int {
		return strings.Compare(a.Name, b.Name)
	})
	return tools, nil
}

// normalizeSchema converts an SDK input schema into a plain JSON object that
// function-calling runtimes accept: an object type with explicit properties
// and no additional properties.
func normalizeSchema(schema any) map[string]any {
	m := schemaToMap(schema)
	if _, ok := m["type"]; !ok {
		m["type"] = "object"
	}
	if props, ok := m["properties"].(map[string]any); !ok || props == nil {
		m["properties"] = map[string]any{}
	}
	m["additionalProperties"] = false
	return m
}

// schemaToMap round-trips schema through JSON. Unusable schemas become an
// empty map.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{}
	}
	if m, ok := schema.(map[string]any); ok {
		// Copy so normalization never mutates the SDK's value.
		out := make(map[string]any, len(m)+2)
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

// convertResult flattens an SDK result into a normalized one. Non-text blocks
// keep their type and carry their JSON encoding as text.
func convertResult(res *mcpsdk.CallToolResult) *mcp.ToolResult {
	out := &mcp.ToolResult{IsError: res.IsError, Content: make([]mcp.Content, 0, len(res.Content))}
	for _, c := range res.Content {
		switch v := c.(type) {
		case *mcpsdk.TextContent:
			out.Content = append(out.Content, mcp.Content{Type: "text", Text: v.Text})
		default:
			data, err := json.Marshal(c)
			if err != nil {
				continue
			}
			var head struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(data, &head); err != nil || head.Type == "" {
				head.Type = "unknown"
			}
			out.Content = append(out.Content, mcp.Content{Type: head.Type, Text: string(data)})
		}
	}
	return out
}
