package manager

import (
	"context"
	"log/slog"
	"sync"
)

// InitializationState is the lifecycle state of an [InitGuard].
type InitializationState int

const (
	NotStarted InitializationState = iota
	InProgress
	Done
)

func (s InitializationState) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case InProgress:
		return "in-progress"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Initializer is what an [InitGuard] protects. [*Manager] implements it.
type Initializer interface {
	Init(ctx context.Context) error
	Len() int
}

// initRound is one Init run shared by every caller that waits on it.
type initRound struct {
	done chan struct{}
	err  error
}

// InitGuard makes sure Init runs once before the registry is used, no matter
// how many request paths race to trigger it.
//
// If Init reports success but the registry is still empty, Init is run a
// second time; this recovery happens at most once per guard. A failed Init
// puts the guard back to [NotStarted] so that a later call retries.
type InitGuard struct {
	target Initializer
	log    *slog.Logger

	mu        sync.Mutex
	state     InitializationState
	round     *initRound
	recovered bool
}

// NewInitGuard returns a guard for target.
func NewInitGuard(target Initializer, log *slog.Logger) *InitGuard {
	if log == nil {
		log = slog.Default()
	}
	return &InitGuard{target: target, log: log}
}

// State returns the current state.
func (g *InitGuard) State() InitializationState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Ensure runs Init if it has not completed yet, or waits for the run in
// progress. Callers that wait observe the outcome of the run they waited on.
func (g *InitGuard) Ensure(ctx context.Context) error {
	g.mu.Lock()
	switch g.state {
	case Done:
		g.mu.Unlock()
		return nil
	case InProgress:
		round := g.round
		g.mu.Unlock()
		select {
		case <-round.done:
			return round.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	round := &initRound{done: make(chan struct{})}
	g.state = InProgress
	g.round = round
	g.mu.Unlock()

	err := g.target.Init(ctx)
	if err == nil && g.target.Len() == 0 && g.claimRecovery() {
		g.log.Warn("registry empty after init, running recovery init")
		err = g.target.Init(ctx)
	}

	g.mu.Lock()
	if err != nil {
		g.state = NotStarted
		g.log.Error("MCP manager init failed", "err", err)
	} else {
		g.state = Done
	}
	round.err = err
	g.round = nil
	g.mu.Unlock()
	close(round.done)
	return err
}

func (g *InitGuard) claimRecovery() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.recovered {
		return false
	}
	g.recovered = true
	return true
}
