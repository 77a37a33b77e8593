package envconfig

import (
	"maps"
	"regexp"
	"strings"

	"github.com/Bellamy509/FGZ/internal/config"
	"github.com/Bellamy509/FGZ/internal/mcp"
)

var envPlaceholder = regexp.MustCompile(`\{env:([A-Za-z_][A-Za-z0-9_]*)\}`)

// Expand substitutes {workdir} and {env:NAME} in s. Unset variables expand
// to the empty string.
func Expand(s string, bc BuildContext) string {
	s = strings.ReplaceAll(s, "{workdir}", bc.WorkDir)
	return envPlaceholder.ReplaceAllStringFunc(s, func(m string) string {
		name := envPlaceholder.FindStringSubmatch(m)[1]
		if bc.Lookup == nil {
			return ""
		}
		v, _ := bc.Lookup(name)
		return v
	})
}

// FromConfig turns YAML server definitions into registry definitions.
func FromConfig(servers []config.ServerDefinitionConfig) []Definition {
	defs := make([]Definition, 0, len(servers))
	for _, s := range servers {
		defs = append(defs, fromConfig(s))
	}
	return defs
}

func fromConfig(s config.ServerDefinitionConfig) Definition {
	d := Definition{
		ID:          s.Key(),
		Name:        s.Name,
		Description: s.Description,
		Profile:     mcp.TransportProfile(s.Profile),
	}
	if s.Enabled != nil {
		d.Enabled = make(map[Environment]bool, len(s.Enabled))
		for env, on := range s.Enabled {
			d.Enabled[Environment(env)] = on
		}
	}
	if s.HealthCheckCommand != "" {
		d.HealthCheck = CommandProbe(s.HealthCheckCommand)
	}

	src := s
	d.Build = func(bc BuildContext) mcp.TransportConfig {
		if src.URL != "" {
			return mcp.TransportConfig{Remote: &mcp.RemoteConfig{
				URL:     Expand(src.URL, bc),
				Headers: expandMap(src.Headers, bc),
			}}
		}
		args := make([]string, len(src.Args))
		for i, a := range src.Args {
			args[i] = Expand(a, bc)
		}
		return mcp.TransportConfig{Stdio: &mcp.StdioConfig{
			Command: Expand(src.Command, bc),
			Args:    args,
			Env:     expandMap(src.Env, bc),
		}}
	}
	return d
}

func expandMap(m map[string]string, bc BuildContext) map[string]string {
	if m == nil {
		return nil
	}
	out := maps.Clone(m)
	for k, v := range out {
		out[k] = Expand(v, bc)
	}
	return out
}
