package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Bellamy509/FGZ/internal/mcp"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr  = ":8080"
	DefaultIdleTimeout = 30 * time.Minute
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset server and manager fields. Timeouts are left
// zero; the client substitutes its own defaults for those.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"*"}
	}
	if cfg.Manager.IdleTimeout == 0 {
		cfg.Manager.IdleTimeout = DefaultIdleTimeout
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v is out of range [0, 1]", r))
	}

	durations := map[string]time.Duration{
		"timeouts.connect_local":          cfg.Timeouts.ConnectLocal,
		"timeouts.connect_hosted":         cfg.Timeouts.ConnectHosted,
		"timeouts.tool_load_slow_local":   cfg.Timeouts.ToolLoadSlowLocal,
		"timeouts.tool_load_slow_hosted":  cfg.Timeouts.ToolLoadSlowHosted,
		"timeouts.tool_load_fast_local":   cfg.Timeouts.ToolLoadFastLocal,
		"timeouts.tool_load_fast_hosted":  cfg.Timeouts.ToolLoadFastHosted,
		"timeouts.slow_call_threshold":    cfg.Timeouts.SlowCallThreshold,
		"timeouts.slow_connect_threshold": cfg.Timeouts.SlowConnectThreshold,
		"retry.fast_failure_window":       cfg.Retry.FastFailureWindow,
		"retry.delay":                     cfg.Retry.Delay,
	}
	for _, field := range slices.Sorted(maps.Keys(durations)) {
		if durations[field] < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", field))
		}
	}

	seen := make(map[string]int, len(cfg.Servers))
	toolPrefixes := make(map[string]int, len(cfg.Servers))
	for i, srv := range cfg.Servers {
		prefix := fmt.Sprintf("servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else if prev, ok := seen[srv.Key()]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of servers[%d]", prefix, srv.Key(), prev))
		} else {
			seen[srv.Key()] = i
		}
		if srv.Name != "" {
			// Tool ids carry the sanitized name, so it must identify one server.
			tp := mcp.SanitizeServerName(srv.Name)
			if prev, ok := toolPrefixes[tp]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q collides with servers[%d].name in tool ids (%q)", prefix, srv.Name, prev, tp))
			} else {
				toolPrefixes[tp] = i
			}
		}

		switch {
		case srv.Command != "" && srv.URL != "":
			errs = append(errs, fmt.Errorf("%s: command and url are mutually exclusive", prefix))
		case srv.Command == "" && srv.URL == "":
			errs = append(errs, fmt.Errorf("%s: one of command or url is required", prefix))
		}
		if srv.Command == "" && (len(srv.Args) > 0 || len(srv.Env) > 0) {
			errs = append(errs, fmt.Errorf("%s: args and env require command", prefix))
		}
		if srv.URL == "" && len(srv.Headers) > 0 {
			errs = append(errs, fmt.Errorf("%s: headers require url", prefix))
		}
		if srv.Profile != "" && srv.Profile != "fast-start" && srv.Profile != "slow-start" {
			errs = append(errs, fmt.Errorf("%s.profile %q is invalid; valid values: fast-start, slow-start", prefix, srv.Profile))
		}
		for env := range srv.Enabled {
			if !slices.Contains(Environments, env) {
				errs = append(errs, fmt.Errorf("%s.enabled: unknown environment %q", prefix, env))
			}
		}
		if srv.Command != "" && cfg.Manager.RemoteOnly {
			slog.Warn("stdio server configured in remote-only mode; it will fail to connect", "server", srv.Name)
		}
	}

	return errors.Join(errs...)
}
