// Package envconfig resolves the set of tool servers to start for the
// deployment environment the process runs in.
//
// [Detect] classifies the environment from marker variables. A [Registry] of
// [Definition] values is then resolved against the detection: definitions
// disabled for the environment are skipped, the rest are built into
// descriptors with the environment's working directory. Resolution performs
// no I/O; [Registry.HealthReport] runs the optional probes separately.
package envconfig

import (
	"fmt"
	"os"
)

// Environment names a deployment environment.
type Environment string

const (
	Local   Environment = "local"
	Railway Environment = "railway"
	Docker  Environment = "docker"
	Vercel  Environment = "vercel"
	AWS     Environment = "aws"
)

// Hosted reports whether e is anything other than [Local].
func (e Environment) Hosted() bool { return e != Local }

// LookupFunc reads an environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// Detection is the outcome of [Detect].
type Detection struct {
	Environment Environment

	// Reason names the marker that matched, e.g. "RAILWAY_PROJECT_ID".
	Reason string
}

type marker struct {
	key   string
	value string // empty matches any non-empty value
}

// detectionOrder is evaluated top to bottom; the first match wins.
var detectionOrder = []struct {
	env     Environment
	markers []marker
}{
	{Railway, []marker{{key: "RAILWAY_ENVIRONMENT"}, {key: "RAILWAY_PROJECT_ID"}, {key: "RAILWAY_SERVICE_ID"}}},
	{Vercel, []marker{{key: "VERCEL"}, {key: "VERCEL_ENV"}, {key: "VERCEL_URL"}}},
	{AWS, []marker{{key: "AWS_EXECUTION_ENV"}, {key: "ECS_CONTAINER_METADATA_URI"}, {key: "AWS_REGION"}}},
	{Docker, []marker{{key: "DOCKER_ENV"}, {key: "KUBERNETES_SERVICE_HOST"}, {key: "CONTAINER", value: "docker"}}},
}

// Detect classifies the environment using lookup. It is a pure function of
// the variables lookup returns.
func Detect(lookup LookupFunc) Detection {
	for _, candidate := range detectionOrder {
		for _, m := range candidate.markers {
			v, ok := lookup(m.key)
			if !ok || v == "" {
				continue
			}
			if m.value != "" && v != m.value {
				continue
			}
			reason := m.key
			if m.value != "" {
				reason = fmt.Sprintf("%s=%s", m.key, m.value)
			}
			return Detection{Environment: candidate.env, Reason: reason}
		}
	}
	return Detection{Environment: Local, Reason: "default (local)"}
}

// DetectProcess runs [Detect] on the process environment.
func DetectProcess() Detection {
	return Detect(os.LookupEnv)
}

// hostedWorkDirs are the fixed working directories of hosted environments.
var hostedWorkDirs = map[Environment]string{
	Railway: "/app",
	Docker:  "/application",
	Vercel:  "/var/task",
	AWS:     "/app",
}

// WorkDir returns the working directory for env. Local uses cwd. A non-empty
// override wins in every environment.
func WorkDir(env Environment, cwd, override string) string {
	if override != "" {
		return override
	}
	if dir, ok := hostedWorkDirs[env]; ok {
		return dir
	}
	return cwd
}
