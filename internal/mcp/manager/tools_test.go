package manager_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/Bellamy509/FGZ/internal/mcp"
	"github.com/Bellamy509/FGZ/internal/mcp/manager"
	"github.com/Bellamy509/FGZ/internal/mcp/mock"
)

func toolsFor(names ...string) []mcp.ToolDescriptor {
	out := make([]mcp.ToolDescriptor, len(names))
	for i, n := range names {
		out[i] = mcp.ToolDescriptor{Name: n, Description: "does " + n, InputSchema: map[string]any{"type": "object"}}
	}
	return out
}

// setupTools registers "Web Search" (global), "notes" (global, no tools) and
// "Web Search" for user u1, all connected.
func setupTools(t *testing.T) (*manager.Manager, *mockFactory) {
	t.Helper()

	f := &mockFactory{prepare: func(c *mock.Client) {
		switch c.Descriptor().ID {
		case "global-search":
			c.ToolsResult = toolsFor("query", "fetch")
			c.CallToolResult = mcp.TextResult("global")
		case "user-search":
			c.ToolsResult = toolsFor("query")
			c.CallToolResult = mcp.TextResult("user")
		}
	}}
	m := newManager(t, f)
	ctx := context.Background()

	if _, err := m.AddClient(ctx, remote("global-search", "Web Search"), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddClient(ctx, remote("notes", "notes"), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddClient(ctx, remote("user-search", "Web Search"), "u1"); err != nil {
		t.Fatal(err)
	}
	for i := range 3 {
		eventually(t, connected(f.client(i)), "client never connected")
	}
	return m, f
}

func TestTools_FlatMap(t *testing.T) {
	t.Parallel()

	m, _ := setupTools(t)
	tools := m.Tools()

	if len(tools) != 2 {
		t.Fatalf("Tools() len = %d, want 2: %v", len(tools), tools)
	}
	tool, ok := tools["Web-Search__query"]
	if !ok {
		t.Fatalf("Web-Search__query missing: %v", tools)
	}
	if tool.OriginToolName != "query" || tool.ServerID != "global-search" || tool.ServerName != "Web Search" {
		t.Errorf("tool = %+v", tool)
	}
	if tool.Description != "does query" || tool.InputSchema["type"] != "object" {
		t.Errorf("tool metadata = %q %v", tool.Description, tool.InputSchema)
	}
	if got := tool.Call(context.Background(), map[string]any{"q": "go"}).Text(); got != "global" {
		t.Errorf("Call() = %q, want global", got)
	}
}

func TestUserTools_UserShadowsGlobal(t *testing.T) {
	t.Parallel()

	m, f := setupTools(t)
	tools := m.UserTools("u1")

	if len(tools) != 2 {
		t.Fatalf("UserTools(u1) len = %d, want 2", len(tools))
	}
	query := tools["Web-Search__query"]
	if query.UserID != "u1" || query.ServerID != "user-search" {
		t.Errorf("query = %+v, want user tool", query)
	}
	if got := query.Call(context.Background(), nil).Text(); got != "user" {
		t.Errorf("Call() = %q, want user", got)
	}
	if fetch := tools["Web-Search__fetch"]; fetch.ServerID != "global-search" {
		t.Errorf("fetch = %+v, want global tool", fetch)
	}
	if f.client(0).CallCount("CallTool") != 0 {
		t.Error("global client called for shadowed tool")
	}
}

func TestTools_DisconnectedClientContributesNothing(t *testing.T) {
	t.Parallel()

	m, f := setupTools(t)
	f.client(0).SetConnected(false)

	if got := len(m.Tools()); got != 0 {
		t.Errorf("Tools() len = %d, want 0", got)
	}
}

func TestToolCall_CanceledContext(t *testing.T) {
	t.Parallel()

	m, f := setupTools(t)
	tool := m.Tools()["Web-Search__query"]

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := tool.Call(ctx, nil)
	if !res.IsError {
		t.Fatal("expected error result")
	}
	if f.client(0).CallCount("CallTool") != 0 {
		t.Error("CallTool reached the client")
	}
	if !strings.Contains(res.Text(), `"name":"AbortError"`) {
		t.Errorf("result = %s", res.Text())
	}
}

func TestToolCall_Unbound(t *testing.T) {
	t.Parallel()

	res := manager.Tool{ID: "x__y", OriginToolName: "y"}.Call(context.Background(), nil)
	if !res.IsError || !strings.Contains(res.Text(), "not bound") {
		t.Errorf("unbound Call() = %+v", res)
	}
}

func TestCallTool_UnknownServer(t *testing.T) {
	t.Parallel()

	m, _ := setupTools(t)
	res := m.CallTool(context.Background(), "ghost", "query", nil)
	if !res.IsError {
		t.Fatal("expected error result")
	}
	var body struct {
		Error struct {
			Message string `json:"message"`
			Name    string `json:"name"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(res.Text()), &body); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if !strings.Contains(body.Error.Message, `"ghost" not found`) || body.Error.Name != "ToolCallError" {
		t.Errorf("body = %+v", body)
	}

	if got := m.CallTool(context.Background(), "global-search", "query", nil).Text(); got != "global" {
		t.Errorf("CallTool(global-search) = %q", got)
	}
}

func TestCallToolByServerName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		server    string
		wantText  string
		wantError bool
	}{
		{name: "exact", server: "Web Search", wantText: "global"},
		{name: "underscores as spaces", server: "Web_Search", wantText: "global"},
		{name: "case insensitive", server: "web search", wantText: "global"},
		{name: "case insensitive underscores", server: "WEB_SEARCH", wantText: "global"},
		{name: "tool id server part", server: "Web-Search", wantText: "global"},
		{name: "unknown", server: "mail", wantError: true},
	}

	m, _ := setupTools(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := m.CallToolByServerName(context.Background(), tt.server, "query", nil)
			if res.IsError != tt.wantError {
				t.Fatalf("IsError = %v, want %v: %s", res.IsError, tt.wantError, res.Text())
			}
			if !tt.wantError && res.Text() != tt.wantText {
				t.Errorf("text = %q, want %q", res.Text(), tt.wantText)
			}
		})
	}
}

func named(id, name string) mcp.ServerDescriptor {
	d := remote(id, id)
	d.Name = name
	return d
}

func TestTools_SanitizedNameCollision(t *testing.T) {
	t.Parallel()

	f := &mockFactory{prepare: func(c *mock.Client) {
		c.ToolsResult = toolsFor("search")
		c.CallToolResult = mcp.TextResult("from " + c.Descriptor().ID)
	}}
	m := newManager(t, f)
	ctx := context.Background()
	for _, d := range []mcp.ServerDescriptor{named("a", "My Server"), named("b", "My.Server")} {
		if _, err := m.AddClient(ctx, d, ""); err != nil {
			t.Fatal(err)
		}
	}
	for i := range 2 {
		eventually(t, connected(f.client(i)), "client never connected")
	}

	tools := m.Tools()
	want := map[string]string{
		"My-Server__search":   "from a",
		"My-Server-b__search": "from b",
	}
	if len(tools) != len(want) {
		t.Fatalf("Tools() = %v, want ids %v", tools, want)
	}
	for id, text := range want {
		tool, ok := tools[id]
		if !ok {
			t.Errorf("tool %q missing", id)
			continue
		}
		if got := tool.Call(ctx, nil).Text(); got != text {
			t.Errorf("%s Call() = %q, want %q", id, got, text)
		}

		server, name, ok := mcp.ParseToolID(id)
		if !ok {
			t.Fatalf("ParseToolID(%q) failed", id)
		}
		if got := m.CallToolByServerName(ctx, server, name, nil).Text(); got != text {
			t.Errorf("CallToolByServerName(%q, %q) = %q, want %q", server, name, got, text)
		}
	}

	// Repeated snapshots pick the same winner.
	for range 5 {
		if m.Tools()["My-Server__search"].ServerID != "a" {
			t.Fatal("collision resolution is not deterministic")
		}
	}
}

func TestPersistClient_RejectsToolPrefixCollision(t *testing.T) {
	t.Parallel()

	m, _ := setupTools(t)
	_, err := m.PersistClient(context.Background(), remote("", "Web-Search"), "")
	if !mcp.IsConfigError(err) || !strings.Contains(err.Error(), "Web Search") {
		t.Errorf("PersistClient() = %v, want collision ConfigError", err)
	}
	if _, err := m.PersistClient(context.Background(), remote("", "calendar"), ""); err != nil {
		t.Errorf("PersistClient(calendar) = %v", err)
	}
}
