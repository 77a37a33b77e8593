package mcpclient

import (
	"log/slog"
	"time"

	"github.com/Bellamy509/FGZ/internal/mcp"
	"github.com/Bellamy509/FGZ/internal/observe"
)

// Timeouts bounds every blocking phase of a client. Hosted values apply when
// the process runs on a hosted platform.
type Timeouts struct {
	ConnectLocal  time.Duration
	ConnectHosted time.Duration

	ToolLoadSlowLocal  time.Duration
	ToolLoadSlowHosted time.Duration
	ToolLoadFastLocal  time.Duration
	ToolLoadFastHosted time.Duration

	// SlowCall and SlowConnect only trigger warnings.
	SlowCall    time.Duration
	SlowConnect time.Duration
}

// DefaultTimeouts returns the production defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		ConnectLocal:       30 * time.Second,
		ConnectHosted:      90 * time.Second,
		ToolLoadSlowLocal:  20 * time.Second,
		ToolLoadSlowHosted: 45 * time.Second,
		ToolLoadFastLocal:  10 * time.Second,
		ToolLoadFastHosted: 15 * time.Second,
		SlowCall:           2 * time.Second,
		SlowConnect:        5 * time.Second,
	}
}

// Connect returns the transport open bound.
func (t Timeouts) Connect(hosted bool) time.Duration {
	if hosted {
		return t.ConnectHosted
	}
	return t.ConnectLocal
}

// ToolLoad returns the discovery bound for profile.
func (t Timeouts) ToolLoad(profile mcp.TransportProfile, hosted bool) time.Duration {
	switch {
	case profile.OrDefault() == mcp.ProfileSlowStart && hosted:
		return t.ToolLoadSlowHosted
	case profile.OrDefault() == mcp.ProfileSlowStart:
		return t.ToolLoadSlowLocal
	case hosted:
		return t.ToolLoadFastHosted
	default:
		return t.ToolLoadFastLocal
	}
}

// withDefaults fills zero fields from [DefaultTimeouts].
func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	fill := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&t.ConnectLocal, d.ConnectLocal)
	fill(&t.ConnectHosted, d.ConnectHosted)
	fill(&t.ToolLoadSlowLocal, d.ToolLoadSlowLocal)
	fill(&t.ToolLoadSlowHosted, d.ToolLoadSlowHosted)
	fill(&t.ToolLoadFastLocal, d.ToolLoadFastLocal)
	fill(&t.ToolLoadFastHosted, d.ToolLoadFastHosted)
	fill(&t.SlowCall, d.SlowCall)
	fill(&t.SlowConnect, d.SlowConnect)
	return t
}

// RetryPolicy controls the single discovery retry of slow-start servers.
// A retry happens only when the first discovery failed faster than
// FastFailureWindow, which points at a server that was not ready yet rather
// than one that is hung.
type RetryPolicy struct {
	Enabled           bool
	FastFailureWindow time.Duration
	Delay             time.Duration
}

// DefaultRetryPolicy returns the production retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Enabled: true, FastFailureWindow: 10 * time.Second, Delay: 2 * time.Second}
}

// Options configures a [Client]. Only Dialer is required.
type Options struct {
	Dialer   Dialer
	Timeouts Timeouts
	Retry    RetryPolicy

	// Hosted selects the hosted timeout column.
	Hosted bool

	// IdleTimeout closes the transport after this long without activity.
	// Zero disables idle disconnect.
	IdleTimeout time.Duration

	// IdleWhenHosted keeps idle disconnect active on hosted platforms. When
	// false, Hosted disables the idle timer.
	IdleWhenHosted bool

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// idleWindow is the effective idle window, zero when disabled.
func (o Options) idleWindow() time.Duration {
	if o.Hosted && !o.IdleWhenHosted {
		return 0
	}
	return max(o.IdleTimeout, 0)
}
