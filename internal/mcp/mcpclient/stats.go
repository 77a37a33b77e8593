package mcpclient

import (
	"slices"
	"sync"
	"time"

	"github.com/Bellamy509/FGZ/internal/mcp"
)

// callWindowSize is the number of recent calls kept per client.
const callWindowSize = 100

type callSample struct {
	latency time.Duration
	failed  bool
}

// callWindow is a ring buffer of the most recent tool call outcomes of one
// client. All methods are safe for concurrent use.
type callWindow struct {
	mu      sync.Mutex
	samples []callSample
	next    int
	filled  int
	total   int
}

func newCallWindow(size int) *callWindow {
	if size <= 0 {
		size = callWindowSize
	}
	return &callWindow{samples: make([]callSample, size)}
}

// record stores one call, evicting the oldest when full.
func (w *callWindow) record(latency time.Duration, failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = callSample{latency: latency, failed: failed}
	w.next = (w.next + 1) % len(w.samples)
	w.filled = min(w.filled+1, len(w.samples))
	w.total++
}

// snapshot summarises the window. Calls counts every call ever recorded;
// the rate and percentiles cover the window only.
func (w *callWindow) snapshot() mcp.CallStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	stats := mcp.CallStats{Calls: w.total}
	if w.filled == 0 {
		return stats
	}

	latencies := make([]time.Duration, 0, w.filled)
	failures := 0
	for _, s := range w.samples[:w.filled] {
		latencies = append(latencies, s.latency)
		if s.failed {
			failures++
		}
	}
	slices.Sort(latencies)

	stats.ErrorRate = float64(failures) / float64(w.filled)
	stats.P50Ms = latencies[len(latencies)/2].Milliseconds()
	stats.P99Ms = latencies[int(float64(len(latencies)-1)*0.99)].Milliseconds()
	return stats
}
