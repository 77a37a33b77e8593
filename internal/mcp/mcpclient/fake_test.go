package mcpclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Bellamy509/FGZ/internal/mcp"
)

// fakeSession is a scripted [Session]. Close ends Wait, as the SDK session
// does.
type fakeSession struct {
	mu sync.Mutex

	// pages are returned by successive ListTools calls keyed by cursor.
	pages map[string]*mcpsdk.ListToolsResult

	// listFailures makes the first N ListTools calls fail with listErr.
	listFailures int
	listErr      error
	listBlock    bool
	listCalls    int

	callResult *mcpsdk.CallToolResult
	callErr    error
	callArgs   []*mcpsdk.CallToolParams

	closes   int
	done     chan struct{}
	doneOnce sync.Once
}

func newFakeSession(tools ...string) *fakeSession {
	res := &mcpsdk.ListToolsResult{}
	for _, name := range tools {
		res.Tools = append(res.Tools, &mcpsdk.Tool{
			Name:        name,
			Description: name + " tool",
			InputSchema: map[string]any{"type": "object"},
		})
	}
	return &fakeSession{
		pages:      map[string]*mcpsdk.ListToolsResult{"": res},
		callResult: &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "ok"}}},
		done:       make(chan struct{}),
	}
}

func (s *fakeSession) ListTools(ctx context.Context, p *mcpsdk.ListToolsParams) (*mcpsdk.ListToolsResult, error) {
	s.mu.Lock()
	s.listCalls++
	block := s.listBlock
	fail := s.listCalls <= s.listFailures
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail {
		return nil, s.listErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.pages[p.Cursor]
	if !ok {
		return nil, errors.New("unknown cursor")
	}
	return res, nil
}

func (s *fakeSession) CallTool(ctx context.Context, p *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callArgs = append(s.callArgs, p)
	return s.callResult, s.callErr
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.endPeer()
	return nil
}

func (s *fakeSession) Wait() error {
	<-s.done
	return nil
}

// endPeer simulates the server going away.
func (s *fakeSession) endPeer() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *fakeSession) listCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

// fakeDialer hands out sessions from newSession and counts dials.
type fakeDialer struct {
	dials atomic.Int32

	// delay holds every Dial for this long, or until ctx ends.
	delay time.Duration

	// release, when non-nil, holds every Dial until it is closed.
	release chan struct{}

	err        error
	newSession func() *fakeSession

	mu       sync.Mutex
	sessions []*fakeSession
}

func (d *fakeDialer) Dial(ctx context.Context, desc mcp.ServerDescriptor) (Session, error) {
	d.dials.Add(1)
	if err := desc.Transport.Validate(); err != nil {
		return nil, err
	}
	if d.release != nil {
		<-d.release
	}
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	var s *fakeSession
	if d.newSession != nil {
		s = d.newSession()
	} else {
		s = newFakeSession("search")
	}
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDialer) session(i int) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.sessions) {
		return nil
	}
	return d.sessions[i]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func stdioDescriptor() mcp.ServerDescriptor {
	return mcp.ServerDescriptor{
		ID:        "srv-1",
		Name:      "local tools",
		Enabled:   true,
		Transport: mcp.TransportConfig{Stdio: &mcp.StdioConfig{Command: "node", Args: []string{"server.js"}}},
	}
}

func newTestClient(desc mcp.ServerDescriptor, d Dialer, mutate ...func(*Options)) *Client {
	opts := Options{
		Dialer: d,
		Retry:  RetryPolicy{Enabled: true, FastFailureWindow: 10 * time.Second, Delay: 10 * time.Millisecond},
		Logger: discardLogger(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	return New(desc, opts)
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
