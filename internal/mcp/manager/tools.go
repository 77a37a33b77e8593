package manager

import (
	"context"
	"fmt"
	"strings"

	"github.com/Bellamy509/FGZ/internal/mcp"
)

// Tool is one discovered tool in the flat tool map, bound to the client
// that owns it.
type Tool struct {
	// ID is the flat tool id, see [mcp.ToolID].
	ID string

	OriginToolName string
	ServerName     string
	ServerID       string
	UserID         string
	Description    string
	InputSchema    map[string]any

	client mcp.Client
}

// Call invokes the tool on its owning client. A canceled ctx fails before
// anything is sent to the server.
func (t Tool) Call(ctx context.Context, input map[string]any) *mcp.ToolResult {
	if err := ctx.Err(); err != nil {
		return (&mcp.ToolCallError{Tool: t.OriginToolName, Cause: err}).Result()
	}
	if t.client == nil {
		return (&mcp.ToolCallError{Tool: t.OriginToolName, Cause: fmt.Errorf("tool %q is not bound to a server", t.ID)}).Result()
	}
	return t.client.CallTool(ctx, t.OriginToolName, input)
}

// Tools returns the flat tool map of every global client with at least one
// discovered tool.
func (m *Manager) Tools() map[string]Tool {
	return m.UserTools("")
}

// UserTools returns the tools of the global clients plus those of userID.
// A user's tool shadows a global tool with the same id. Within one scope, a
// server whose sanitized name collides with an earlier server (by registry
// key) has its ids built from "name-id" instead, see [mcp.ToolID].
func (m *Manager) UserTools(userID string) map[string]Tool {
	out := make(map[string]Tool)
	entries := m.UserClients(userID)
	m.addScope(out, entries, func(e Entry) bool { return e.UserID == "" })
	m.addScope(out, entries, func(e Entry) bool { return e.UserID != "" })
	return out
}

func (m *Manager) addScope(out map[string]Tool, entries []Entry, inScope func(Entry) bool) {
	prefixes := make(map[string]string)
	for _, e := range entries {
		if inScope(e) {
			m.addTools(out, prefixes, e)
		}
	}
}

// addTools adds e's tools to out. prefixes maps each sanitized server name
// of the scope to the registry key that claimed it first.
func (m *Manager) addTools(out map[string]Tool, prefixes map[string]string, e Entry) {
	tools := e.Client.Tools()
	if len(tools) == 0 {
		return
	}
	desc := e.Client.Descriptor()
	server := desc.Name
	prefix := mcp.SanitizeServerName(server)
	if owner, taken := prefixes[prefix]; taken && owner != e.Key {
		server = disambiguated(desc)
		m.log.Warn("MCP server name collides in tool ids, qualifying with server id",
			"server", desc.Name, "server_id", desc.ID, "owner", owner, "prefix", mcp.SanitizeServerName(server))
	} else {
		prefixes[prefix] = e.Key
	}
	for _, td := range tools {
		id := mcp.ToolID(server, td.Name)
		out[id] = Tool{
			ID:             id,
			OriginToolName: td.Name,
			ServerName:     desc.Name,
			ServerID:       desc.ID,
			UserID:         e.UserID,
			Description:    td.Description,
			InputSchema:    td.InputSchema,
			client:         e.Client,
		}
	}
}

// CallTool invokes toolName on the global server serverID.
func (m *Manager) CallTool(ctx context.Context, serverID, toolName string, input map[string]any) *mcp.ToolResult {
	client, ok := m.Client(serverID)
	if !ok {
		return notFound(toolName, fmt.Errorf("MCP server %q not found", serverID))
	}
	return client.CallTool(ctx, toolName, input)
}

// CallToolByServerName invokes toolName on the server named serverName. The
// name matches exactly, then with underscores read as spaces, then
// case-insensitively.
func (m *Manager) CallToolByServerName(ctx context.Context, serverName, toolName string, input map[string]any) *mcp.ToolResult {
	client := m.clientByName(serverName)
	if client == nil {
		return notFound(toolName, fmt.Errorf("MCP server %q not found", serverName))
	}
	return client.CallTool(ctx, toolName, input)
}

func (m *Manager) clientByName(name string) mcp.Client {
	entries := m.Clients()
	spaced := strings.ReplaceAll(name, "_", " ")
	matchers := []func(Entry) bool{
		func(e Entry) bool { return e.Name == name },
		func(e Entry) bool { return e.Name == spaced },
		func(e Entry) bool { return strings.EqualFold(e.Name, name) || strings.EqualFold(e.Name, spaced) },
		// Server parts of tool ids: a qualified prefix names exactly one
		// server, so it is tried before the bare sanitized name.
		func(e Entry) bool { return mcp.SanitizeServerName(disambiguated(e.Client.Descriptor())) == name },
		func(e Entry) bool { return mcp.SanitizeServerName(e.Name) == name },
	}
	for _, match := range matchers {
		for _, e := range entries {
			if match(e) {
				return e.Client
			}
		}
	}
	return nil
}

// disambiguated is the server part used when desc's sanitized name is
// already taken within its scope.
func disambiguated(desc mcp.ServerDescriptor) string {
	return desc.Name + "-" + desc.ID
}

// toolPrefixOwner returns the name of a server visible to userID whose
// sanitized name equals that of name.
func (m *Manager) toolPrefixOwner(name, userID string) (string, bool) {
	prefix := mcp.SanitizeServerName(name)
	for _, e := range m.UserClients(userID) {
		if e.Name != name && mcp.SanitizeServerName(e.Name) == prefix {
			return e.Name, true
		}
	}
	return "", false
}

func notFound(tool string, err error) *mcp.ToolResult {
	return (&mcp.ToolCallError{Tool: tool, Cause: err}).Result()
}
