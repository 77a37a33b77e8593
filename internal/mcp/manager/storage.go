package manager

import (
	"context"

	"github.com/Bellamy509/FGZ/internal/mcp"
)

// Storage persists server descriptors. Implementations must be safe for
// concurrent use.
type Storage interface {
	// Init prepares the backend, e.g. runs migrations.
	Init(ctx context.Context) error

	// LoadAll returns every persisted descriptor.
	LoadAll(ctx context.Context) ([]mcp.ServerDescriptor, error)

	// Save inserts or updates desc. An empty ID is assigned a UUID. The
	// persisted descriptor is returned.
	Save(ctx context.Context, desc mcp.ServerDescriptor) (mcp.ServerDescriptor, error)

	// Delete removes id. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	// Has reports whether id is persisted.
	Has(ctx context.Context, id string) (bool, error)

	// Get returns the descriptor for id, or (nil, nil) when absent.
	Get(ctx context.Context, id string) (*mcp.ServerDescriptor, error)
}

// NameLookup is implemented by storages that can resolve a display name.
type NameLookup interface {
	// GetByName returns the descriptor named name, or (nil, nil).
	GetByName(ctx context.Context, name string) (*mcp.ServerDescriptor, error)
}

// UserLinker is implemented by storages that record which users added which
// servers.
type UserLinker interface {
	LinkUser(ctx context.Context, userID, serverID string) error
	UnlinkUser(ctx context.Context, userID, serverID string) error
}
