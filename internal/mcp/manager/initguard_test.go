package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Bellamy509/FGZ/internal/mcp"
	"github.com/Bellamy509/FGZ/internal/mcp/mock"
)

type fakeInitializer struct {
	calls   atomic.Int32
	release chan struct{}
	errs    []error
	lens    []int

	mu sync.Mutex
}

func (f *fakeInitializer) Init(ctx context.Context) error {
	n := int(f.calls.Add(1))
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if n <= len(f.errs) {
		return f.errs[n-1]
	}
	return nil
}

func (f *fakeInitializer) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := int(f.calls.Load())
	if n <= len(f.lens) {
		return f.lens[n-1]
	}
	return 1
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestInitGuard_ConcurrentCallersShareOneInit(t *testing.T) {
	t.Parallel()

	target := &fakeInitializer{release: make(chan struct{})}
	g := NewInitGuard(target, quietLogger())

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- g.Ensure(context.Background())
		}()
	}

	deadline := time.Now().Add(time.Second)
	for g.State() != InProgress && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if g.State() != InProgress {
		t.Fatalf("State() = %v, want in-progress", g.State())
	}
	close(target.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Ensure() = %v", err)
		}
	}
	if got := target.calls.Load(); got != 1 {
		t.Errorf("Init calls = %d, want 1", got)
	}
	if g.State() != Done {
		t.Errorf("State() = %v, want done", g.State())
	}

	if err := g.Ensure(context.Background()); err != nil || target.calls.Load() != 1 {
		t.Errorf("Ensure() after done = %v, calls = %d", err, target.calls.Load())
	}
}

func TestInitGuard_EmptyRegistryRecoveredOnce(t *testing.T) {
	t.Parallel()

	target := &fakeInitializer{lens: []int{0, 0}}
	g := NewInitGuard(target, quietLogger())

	if err := g.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure() = %v", err)
	}
	if got := target.calls.Load(); got != 2 {
		t.Errorf("Init calls = %d, want 2", got)
	}
	if g.State() != Done {
		t.Errorf("State() = %v, want done", g.State())
	}
}

func TestInitGuard_FailureResetsState(t *testing.T) {
	t.Parallel()

	boom := errors.New("database unavailable")
	target := &fakeInitializer{errs: []error{boom}}
	g := NewInitGuard(target, quietLogger())

	if err := g.Ensure(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Ensure() = %v, want %v", err, boom)
	}
	if g.State() != NotStarted {
		t.Fatalf("State() = %v, want not-started", g.State())
	}

	if err := g.Ensure(context.Background()); err != nil {
		t.Fatalf("retry Ensure() = %v", err)
	}
	if g.State() != Done || target.calls.Load() != 2 {
		t.Errorf("State() = %v, calls = %d", g.State(), target.calls.Load())
	}
}

func TestInitGuard_WaiterContextCanceled(t *testing.T) {
	t.Parallel()

	target := &fakeInitializer{release: make(chan struct{})}
	g := NewInitGuard(target, quietLogger())

	go func() { _ = g.Ensure(context.Background()) }()
	deadline := time.Now().Add(time.Second)
	for g.State() != InProgress && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := g.Ensure(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Ensure() = %v, want DeadlineExceeded", err)
	}
	close(target.release)
}

func TestInitializationState_String(t *testing.T) {
	t.Parallel()

	tests := map[InitializationState]string{
		NotStarted:              "not-started",
		InProgress:              "in-progress",
		Done:                    "done",
		InitializationState(42): "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
	}
}

func TestHandleSignals_StopDoesNotCleanup(t *testing.T) {
	t.Parallel()

	var client *mock.Client
	m := New(func(desc mcp.ServerDescriptor, _ time.Duration) mcp.Client {
		client = mock.New(desc)
		return client
	}, WithLogger(quietLogger()))
	desc := mcp.ServerDescriptor{ID: "s1", Name: "s1", Transport: mcp.TransportConfig{Remote: &mcp.RemoteConfig{URL: "https://s1.example.com/mcp"}}}
	if _, err := m.AddClient(context.Background(), desc, ""); err != nil {
		t.Fatal(err)
	}

	stop := m.HandleSignals(context.Background())
	stop()
	stop()

	if m.Len() != 1 {
		t.Errorf("Len() = %d after stop, want 1", m.Len())
	}
	if got := client.CallCount("Disconnect"); got != 0 {
		t.Errorf("Disconnect calls = %d, want 0", got)
	}
}
