// Package manager owns the registry of live MCP clients.
//
// A [Manager] maps registry keys (a server id, or "userID:serverID") to one
// live [mcp.Client] each. It loads descriptors from an optional [Storage],
// replaces clients atomically, aggregates their tools into one flat map and
// tears everything down on Cleanup. It is constructed explicitly and passed
// to its consumers; there is no package-level instance.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/Bellamy509/FGZ/internal/mcp"
	"github.com/Bellamy509/FGZ/internal/observe"
)

// DefaultIdleTimeout is the idle window handed to new clients.
const DefaultIdleTimeout = 30 * time.Minute

// serverNamePattern restricts names of servers added at runtime.
var serverNamePattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// ClientFactory builds a disconnected client for desc with the given idle
// window.
type ClientFactory func(desc mcp.ServerDescriptor, idle time.Duration) mcp.Client

// Entry is one registry slot.
type Entry struct {
	Key    string
	Name   string
	UserID string
	Client mcp.Client
}

// Option configures a [Manager].
type Option func(*Manager)

// WithStorage enables persistence. Without it the manager is memory-only.
func WithStorage(s Storage) Option {
	return func(m *Manager) { m.storage = s }
}

// WithIdleTimeout sets the idle window of new clients. Zero disables idle
// disconnect.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.idle = d }
}

// WithServerAdditions controls whether [Manager.PersistClient] is allowed.
func WithServerAdditions(allow bool) Option {
	return func(m *Manager) { m.allowAdditions = allow }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// Manager is the registry of live clients. All methods are safe for
// concurrent use.
type Manager struct {
	factory        ClientFactory
	storage        Storage
	idle           time.Duration
	allowAdditions bool
	metrics        *observe.Metrics
	log            *slog.Logger

	initGroup singleflight.Group

	// keys serialises replacement per registry key so that the old client
	// is always disconnected before its successor connects.
	keys keyLocks

	mu      sync.RWMutex
	clients map[string]*Entry
	seeds   map[string]mcp.ServerDescriptor
}

// New returns an empty manager that builds clients with factory.
func New(factory ClientFactory, opts ...Option) *Manager {
	m := &Manager{
		factory:        factory,
		idle:           DefaultIdleTimeout,
		allowAdditions: true,
		clients:        make(map[string]*Entry),
		seeds:          make(map[string]mcp.ServerDescriptor),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

// Seed sets the descriptors added on every [Manager.Init] in addition to the
// persisted ones. Persisted descriptors win on id collision.
func (m *Manager) Seed(descs []mcp.ServerDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seeds = make(map[string]mcp.ServerDescriptor, len(descs))
	for _, d := range descs {
		m.seeds[d.ID] = d
	}
}

// Init clears the registry and adds every seeded and persisted descriptor.
// Concurrent calls share one run. Individual descriptors that fail to add
// are logged and skipped.
func (m *Manager) Init(ctx context.Context) error {
	_, err, _ := m.initGroup.Do("init", func() (any, error) {
		return nil, m.init(ctx)
	})
	return err
}

func (m *Manager) init(ctx context.Context) error {
	m.log.Info("initializing MCP clients manager")
	if err := m.Cleanup(ctx); err != nil {
		m.log.Warn("cleanup before init failed", "err", err)
	}

	m.mu.RLock()
	descs := make(map[string]mcp.ServerDescriptor, len(m.seeds))
	for id, d := range m.seeds {
		descs[id] = d
	}
	m.mu.RUnlock()

	if m.storage != nil {
		if err := m.storage.Init(ctx); err != nil {
			return fmt.Errorf("manager: init storage: %w", err)
		}
		stored, err := m.storage.LoadAll(ctx)
		if err != nil {
			return fmt.Errorf("manager: load servers: %w", err)
		}
		for _, d := range stored {
			descs[d.ID] = d
		}
	}

	var g errgroup.Group
	for _, d := range descs {
		if !d.Enabled {
			m.log.Debug("skipping disabled MCP server", "server", d.Name)
			continue
		}
		g.Go(func() error {
			if _, err := m.AddClient(ctx, d, ""); err != nil {
				m.log.Error("failed to add MCP server", "server", d.Name, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	m.log.Info("MCP clients manager initialized", "clients", m.Len())
	return nil
}

// Len returns the number of registry entries.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// AddClient installs a new client for desc under its registry key and starts
// connecting it in the background. Any client previously under the key is
// disconnected first; calls for other keys proceed concurrently. It returns
// a *[mcp.ConfigError], or ctx's error when ctx ends while another
// replacement of the same key is in progress. Connect failures are recorded
// on the client.
func (m *Manager) AddClient(ctx context.Context, desc mcp.ServerDescriptor, userID string) (mcp.Client, error) {
	if desc.ID == "" {
		desc.ID = desc.Name
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	key := mcp.RegistryKey(desc.ID, userID)

	unlock, err := m.keys.lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("manager: add %q: %w", key, err)
	}
	defer unlock()

	m.mu.RLock()
	prev := m.clients[key]
	m.mu.RUnlock()
	if prev != nil {
		if err := prev.Client.Disconnect(ctx); err != nil {
			m.log.Warn("failed to disconnect replaced MCP client", "key", key, "err", err)
		}
	}

	client := m.factory(desc, m.idle)
	m.mu.Lock()
	// Cleanup may have dropped prev while it was disconnecting.
	_, replaced := m.clients[key]
	m.clients[key] = &Entry{Key: key, Name: desc.Name, UserID: userID, Client: client}
	m.mu.Unlock()
	if !replaced {
		m.metrics.ActiveClients.Add(ctx, 1)
	}

	go func() {
		if err := client.Connect(context.WithoutCancel(ctx)); err != nil {
			m.log.Warn("MCP client failed to connect", "key", key, "err", err)
		}
	}()
	return client, nil
}

// PersistClient saves desc and adds it. Without storage the id falls back to
// the name. New names must match ^[a-zA-Z0-9-]+$.
func (m *Manager) PersistClient(ctx context.Context, desc mcp.ServerDescriptor, userID string) (mcp.Client, error) {
	if !m.allowAdditions {
		return nil, mcp.ErrServerAdditionDisabled
	}
	if !serverNamePattern.MatchString(desc.Name) {
		return nil, &mcp.ConfigError{Field: "name", Reason: "must contain only letters, digits and dashes"}
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if other, ok := m.toolPrefixOwner(desc.Name, userID); ok {
		return nil, &mcp.ConfigError{Field: "name", Reason: fmt.Sprintf("collides with server %q in tool ids", other)}
	}

	if m.storage == nil {
		if desc.ID == "" {
			desc.ID = desc.Name
		}
		return m.AddClient(ctx, desc, userID)
	}

	saved, err := m.storage.Save(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("manager: save %q: %w", desc.Name, err)
	}
	if linker, ok := m.storage.(UserLinker); ok && userID != "" {
		if err := linker.LinkUser(ctx, userID, saved.ID); err != nil {
			return nil, fmt.Errorf("manager: link %q to user: %w", desc.Name, err)
		}
	}
	return m.AddClient(ctx, saved, userID)
}

// RemoveClient deletes a persisted server by id or display name. Names are
// resolved through the registry first and then through [NameLookup]. An
// identifier that does not resolve to a UUID is refused with
// [mcp.ErrUnresolvedIdentifier] and nothing is touched, even when a live
// entry carries it; config-owned servers leave through [Manager.EvictClient].
func (m *Manager) RemoveClient(ctx context.Context, idOrName, userID string) error {
	id := m.resolveID(ctx, idOrName, userID)
	if !isUUID(id) {
		m.log.Warn("refusing to remove MCP server with unresolved identifier", "identifier", idOrName, "user", userID)
		return fmt.Errorf("manager: remove %q: %w", idOrName, mcp.ErrUnresolvedIdentifier)
	}

	if m.storage != nil {
		if err := m.storage.Delete(ctx, id); err != nil {
			return fmt.Errorf("manager: delete %q: %w", id, err)
		}
		if linker, ok := m.storage.(UserLinker); ok && userID != "" {
			if err := linker.UnlinkUser(ctx, userID, id); err != nil {
				m.log.Warn("failed to unlink MCP server from user", "server_id", id, "user", userID, "err", err)
			}
		}
	}

	return m.EvictClient(ctx, id, userID)
}

// EvictClient disconnects and unregisters the client under id without
// touching storage, and forgets its seed when it is global. It is how
// servers owned by the configuration file are dropped on reload. Evicting an
// unknown id is a no-op.
func (m *Manager) EvictClient(ctx context.Context, id, userID string) error {
	key := mcp.RegistryKey(id, userID)
	unlock, err := m.keys.lock(ctx, key)
	if err != nil {
		return fmt.Errorf("manager: evict %q: %w", key, err)
	}
	defer unlock()

	m.mu.Lock()
	entry := m.clients[key]
	delete(m.clients, key)
	if userID == "" {
		delete(m.seeds, id)
	}
	m.mu.Unlock()

	if entry == nil {
		return nil
	}
	m.metrics.ActiveClients.Add(ctx, -1)
	if err := entry.Client.Disconnect(ctx); err != nil {
		m.log.Warn("failed to disconnect removed MCP client", "key", key, "err", err)
	}
	m.log.Info("removed MCP server", "key", key)
	return nil
}

func (m *Manager) resolveID(ctx context.Context, idOrName, userID string) string {
	m.mu.RLock()
	if _, ok := m.clients[mcp.RegistryKey(idOrName, userID)]; ok {
		m.mu.RUnlock()
		return idOrName
	}
	for _, e := range m.clients {
		if e.UserID == userID && e.Name == idOrName {
			m.mu.RUnlock()
			return e.Client.Descriptor().ID
		}
	}
	m.mu.RUnlock()

	if lookup, ok := m.storage.(NameLookup); ok {
		desc, err := lookup.GetByName(ctx, idOrName)
		if err != nil {
			m.log.Warn("name lookup failed", "name", idOrName, "err", err)
		} else if desc != nil {
			return desc.ID
		}
	}
	return idOrName
}

// RefreshClient rebuilds the client under id with the freshest descriptor:
// the persisted one, then the seeded one, then the live one. It is a no-op
// when no such client exists, or when a persisted id has been deleted from
// storage in the meantime.
func (m *Manager) RefreshClient(ctx context.Context, id, userID string) error {
	m.mu.RLock()
	entry := m.clients[mcp.RegistryKey(id, userID)]
	seed, seeded := m.seeds[id]
	m.mu.RUnlock()
	if entry == nil {
		return nil
	}

	desc := entry.Client.Descriptor()
	switch {
	case m.storage != nil && isUUID(id):
		stored, err := m.storage.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("manager: refresh %q: %w", id, err)
		}
		if stored == nil {
			m.log.Info("MCP server no longer persisted, not refreshing", "server_id", id, "key", entry.Key)
			return nil
		}
		desc = *stored
	case seeded && userID == "":
		desc = seed
	}

	m.log.Info("refreshing MCP server", "server", desc.Name, "key", entry.Key)
	_, err := m.AddClient(ctx, desc, userID)
	return err
}

// Cleanup disconnects every client concurrently and empties the registry.
// It does not wait for replacements in progress; ctx bounds each disconnect.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	entries := make([]*Entry, 0, len(m.clients))
	for _, e := range m.clients {
		entries = append(entries, e)
	}
	m.clients = make(map[string]*Entry)
	m.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}
	m.metrics.ActiveClients.Add(ctx, -int64(len(entries)))

	var (
		g    errgroup.Group
		errs = make([]error, len(entries))
	)
	for i, e := range entries {
		g.Go(func() error {
			errs[i] = e.Client.Disconnect(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Clients returns every entry sorted by key.
func (m *Manager) Clients() []Entry {
	m.mu.RLock()
	out := make([]Entry, 0, len(m.clients))
	for _, e := range m.clients {
		out = append(out, *e)
	}
	m.mu.RUnlock()
	sortEntries(out)
	return out
}

// Client returns the global client registered under id.
func (m *Manager) Client(id string) (mcp.Client, bool) {
	return m.UserClient("", id)
}

// UserClient returns the client registered for userID under id.
func (m *Manager) UserClient(userID, id string) (mcp.Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.clients[mcp.RegistryKey(id, userID)]
	if !ok {
		return nil, false
	}
	return e.Client, true
}

// UserClients returns the global clients plus those of userID, sorted by key.
func (m *Manager) UserClients(userID string) []Entry {
	m.mu.RLock()
	out := make([]Entry, 0, len(m.clients))
	for _, e := range m.clients {
		if e.UserID == "" || e.UserID == userID {
			out = append(out, *e)
		}
	}
	m.mu.RUnlock()
	sortEntries(out)
	return out
}

func sortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.Key, b.Key) })
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
