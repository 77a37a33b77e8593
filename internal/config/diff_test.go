package config_test

import (
	"slices"
	"testing"

	"github.com/Bellamy509/FGZ/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Servers: []config.ServerDefinitionConfig{
			{ID: "time", Name: "time", Command: "npx", Args: []string{"-y", "time-mcp"}},
			{ID: "search", Name: "web-search", URL: "https://search.example.com/mcp"},
			{Name: "chart", Command: "npx", Args: []string{"-y", "@antv/mcp-server-chart"}},
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if !d.IsEmpty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	updated := baseConfig()
	updated.Server.LogLevel = config.LogDebug

	d := config.Diff(baseConfig(), updated)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", d)
	}
	if d.ServersChanged {
		t.Error("servers should be unchanged")
	}
}

func TestDiff_Servers(t *testing.T) {
	t.Parallel()

	old := baseConfig()
	updated := baseConfig()
	updated.Servers[0].Args = []string{"-y", "time-mcp@2"}
	updated.Servers = slices.Delete(updated.Servers, 1, 2)
	updated.Servers = append(updated.Servers, config.ServerDefinitionConfig{Name: "ctx", Command: "npx"})

	d := config.Diff(old, updated)
	if !d.ServersChanged {
		t.Fatal("expected servers changed")
	}

	want := []struct {
		id                      string
		added, removed, changed bool
	}{
		{id: "ctx", added: true},
		{id: "search", removed: true},
		{id: "time", changed: true},
	}
	if len(d.ServerChanges) != len(want) {
		t.Fatalf("got %d changes, want %d: %+v", len(d.ServerChanges), len(want), d.ServerChanges)
	}
	for i, w := range want {
		got := d.ServerChanges[i]
		if got.ID != w.id || got.Added != w.added || got.Removed != w.removed || got.Changed != w.changed {
			t.Errorf("change %d = %+v, want %+v", i, got, w)
		}
	}
	if d.ServerChanges[1].Old == nil || d.ServerChanges[1].New != nil {
		t.Error("removed diff should carry only Old")
	}
	if d.ServerChanges[2].New.Args[1] != "time-mcp@2" {
		t.Errorf("changed diff New = %+v", d.ServerChanges[2].New)
	}
	if got := d.ChangedIDs(); !slices.Equal(got, []string{"ctx", "search", "time"}) {
		t.Errorf("ChangedIDs() = %v", got)
	}
}

func TestDiff_EnabledMapChangeIsDetected(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	updated := baseConfig()
	updated.Servers[2].Enabled = map[string]bool{"railway": false}

	d := config.Diff(old, updated)
	if len(d.ServerChanges) != 1 || d.ServerChanges[0].ID != "chart" || !d.ServerChanges[0].Changed {
		t.Errorf("diff = %+v", d.ServerChanges)
	}
}
