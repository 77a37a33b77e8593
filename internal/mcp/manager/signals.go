package manager

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// signalCleanupTimeout bounds Cleanup after a termination signal.
const signalCleanupTimeout = 10 * time.Second

// HandleSignals runs Cleanup when SIGINT or SIGTERM arrives before ctx ends
// or stop is called.
func (m *Manager) HandleSignals(ctx context.Context) (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			m.log.Info("termination signal received, cleaning up MCP clients", "signal", sig)
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), signalCleanupTimeout)
			defer cancel()
			if err := m.Cleanup(cleanupCtx); err != nil {
				m.log.Warn("cleanup after signal failed", "err", err)
			}
		case <-ctx.Done():
		case <-done:
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
