// Package store provides persistence backends for server descriptors: an
// in-memory [MemStore] and the PostgreSQL-backed [PostgresStore]. Both
// implement manager.Storage, manager.NameLookup and manager.UserLinker.
package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Bellamy509/FGZ/internal/mcp"
)

// ErrDuplicateName is returned when saving a descriptor whose name is taken
// by another id.
var ErrDuplicateName = errors.New("server name already exists")

// MemStore keeps descriptors in a map. It is safe for concurrent use.
type MemStore struct {
	mu    sync.RWMutex
	descs map[string]mcp.ServerDescriptor
	users map[string]map[string]struct{}
	now   func() time.Time
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		descs: make(map[string]mcp.ServerDescriptor),
		users: make(map[string]map[string]struct{}),
		now:   time.Now,
	}
}

// Init implements manager.Storage. It is a no-op.
func (s *MemStore) Init(context.Context) error { return nil }

// LoadAll implements manager.Storage. Descriptors are ordered by name.
func (s *MemStore) LoadAll(context.Context) ([]mcp.ServerDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Collect(maps.Values(s.descs))
	slices.SortFunc(out, func(a, b mcp.ServerDescriptor) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// Save implements manager.Storage.
func (s *MemStore) Save(_ context.Context, desc mcp.ServerDescriptor) (mcp.ServerDescriptor, error) {
	if err := desc.Validate(); err != nil {
		return mcp.ServerDescriptor{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if desc.ID == "" {
		desc.ID = uuid.NewString()
	}
	for id, d := range s.descs {
		if d.Name == desc.Name && id != desc.ID {
			return mcp.ServerDescriptor{}, fmt.Errorf("store: %w: %q", ErrDuplicateName, desc.Name)
		}
	}

	now := s.now()
	if prev, ok := s.descs[desc.ID]; ok {
		desc.CreatedAt = prev.CreatedAt
	} else {
		desc.CreatedAt = now
	}
	desc.UpdatedAt = now
	s.descs[desc.ID] = desc
	return desc, nil
}

// Delete implements manager.Storage.
func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.descs, id)
	for _, servers := range s.users {
		delete(servers, id)
	}
	return nil
}

// Has implements manager.Storage.
func (s *MemStore) Has(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.descs[id]
	return ok, nil
}

// Get implements manager.Storage.
func (s *MemStore) Get(_ context.Context, id string) (*mcp.ServerDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.descs[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

// GetByName implements manager.NameLookup.
func (s *MemStore) GetByName(_ context.Context, name string) (*mcp.ServerDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.descs {
		if d.Name == name {
			return &d, nil
		}
	}
	return nil, nil
}

// LinkUser implements manager.UserLinker.
func (s *MemStore) LinkUser(_ context.Context, userID, serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.descs[serverID]; !ok {
		return fmt.Errorf("store: link %q: server not found", serverID)
	}
	if s.users[userID] == nil {
		s.users[userID] = make(map[string]struct{})
	}
	s.users[userID][serverID] = struct{}{}
	return nil
}

// UnlinkUser implements manager.UserLinker.
func (s *MemStore) UnlinkUser(_ context.Context, userID, serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users[userID], serverID)
	return nil
}

// UserServers returns the ids linked to userID, sorted.
func (s *MemStore) UserServers(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.users[userID])), nil
}
