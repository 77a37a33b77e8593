package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Bellamy509/FGZ/internal/mcp"
)

// Schema is the SQL DDL for the server tables. It is applied by
// [PostgresStore.Init].
const Schema = `
CREATE TABLE IF NOT EXISTS mcp_server (
    id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    name       TEXT NOT NULL UNIQUE,
    config     JSONB NOT NULL,
    profile    TEXT NOT NULL DEFAULT 'fast-start',
    enabled    BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS user_mcp_servers (
    id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    user_id    TEXT NOT NULL,
    server_id  UUID NOT NULL REFERENCES mcp_server(id) ON DELETE CASCADE,
    config     JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (user_id, server_id)
);
CREATE INDEX IF NOT EXISTS idx_user_mcp_servers_user ON user_mcp_servers(user_id);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// PostgresStore persists descriptors in PostgreSQL. The transport config is
// stored as JSONB.
type PostgresStore struct {
	db DB
}

// NewPostgresStore creates a store on db. Call [PostgresStore.Init] before
// issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init applies [Schema].
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Ping checks connectivity for readiness probes.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if p, ok := s.db.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("store: ping: %w", err)
		}
		return nil
	}
	if _, err := s.db.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

const selectColumns = `id::text, name, config, profile, enabled, created_at, updated_at`

// Save upserts desc by id. An empty id is assigned a new UUID.
func (s *PostgresStore) Save(ctx context.Context, desc mcp.ServerDescriptor) (mcp.ServerDescriptor, error) {
	if err := desc.Validate(); err != nil {
		return mcp.ServerDescriptor{}, err
	}
	if desc.ID == "" {
		desc.ID = uuid.NewString()
	} else if _, err := uuid.Parse(desc.ID); err != nil {
		return mcp.ServerDescriptor{}, fmt.Errorf("store: id %q is not a UUID", desc.ID)
	}

	configJSON, err := json.Marshal(desc.Transport)
	if err != nil {
		return mcp.ServerDescriptor{}, fmt.Errorf("store: marshal config: %w", err)
	}

	const query = `
		INSERT INTO mcp_server (id, name, config, profile, enabled)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			config = EXCLUDED.config,
			profile = EXCLUDED.profile,
			enabled = EXCLUDED.enabled,
			updated_at = now()
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		desc.ID, desc.Name, configJSON, string(desc.Profile.OrDefault()), desc.Enabled,
	).Scan(&desc.CreatedAt, &desc.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return mcp.ServerDescriptor{}, fmt.Errorf("store: %w: %q", ErrDuplicateName, desc.Name)
		}
		return mcp.ServerDescriptor{}, fmt.Errorf("store: save %q: %w", desc.Name, err)
	}
	return desc, nil
}

// Get returns the descriptor for id, or (nil, nil) when absent.
func (s *PostgresStore) Get(ctx context.Context, id string) (*mcp.ServerDescriptor, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	desc, err := scanDescriptor(s.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM mcp_server WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get %q: %w", id, err)
	}
	return desc, nil
}

// GetByName returns the descriptor named name, or (nil, nil) when absent.
func (s *PostgresStore) GetByName(ctx context.Context, name string) (*mcp.ServerDescriptor, error) {
	desc, err := scanDescriptor(s.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM mcp_server WHERE name = $1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get by name %q: %w", name, err)
	}
	return desc, nil
}

// Has reports whether id is persisted.
func (s *PostgresStore) Has(ctx context.Context, id string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM mcp_server WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("store: has %q: %w", id, err)
	}
	return exists, nil
}

// Delete removes id. Deleting a missing id is not an error; user links go
// with it.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM mcp_server WHERE id = $1`, id); err != nil {
		return fmt.Errorf("store: delete %q: %w", id, err)
	}
	return nil
}

// LoadAll returns every descriptor ordered by name.
func (s *PostgresStore) LoadAll(ctx context.Context) ([]mcp.ServerDescriptor, error) {
	rows, err := s.db.Query(ctx, `SELECT `+selectColumns+` FROM mcp_server ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: load: %w", err)
	}
	defer rows.Close()

	var descs []mcp.ServerDescriptor
	for rows.Next() {
		desc, err := scanDescriptor(rows)
		if err != nil {
			return nil, fmt.Errorf("store: load scan: %w", err)
		}
		descs = append(descs, *desc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load: %w", err)
	}
	return descs, nil
}

// LinkUser records that userID added serverID.
func (s *PostgresStore) LinkUser(ctx context.Context, userID, serverID string) error {
	const query = `
		INSERT INTO user_mcp_servers (user_id, server_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, server_id) DO UPDATE SET updated_at = now()`
	if _, err := s.db.Exec(ctx, query, userID, serverID); err != nil {
		return fmt.Errorf("store: link %q to %q: %w", serverID, userID, err)
	}
	return nil
}

// UnlinkUser removes the link between userID and serverID.
func (s *PostgresStore) UnlinkUser(ctx context.Context, userID, serverID string) error {
	const query = `DELETE FROM user_mcp_servers WHERE user_id = $1 AND server_id = $2`
	if _, err := s.db.Exec(ctx, query, userID, serverID); err != nil {
		return fmt.Errorf("store: unlink %q from %q: %w", serverID, userID, err)
	}
	return nil
}

// UserServers returns the ids of the servers linked to userID.
func (s *PostgresStore) UserServers(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT server_id::text FROM user_mcp_servers WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: user servers: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("store: user servers: %w", err)
	}
	return ids, nil
}

func scanDescriptor(row pgx.Row) (*mcp.ServerDescriptor, error) {
	var (
		desc       mcp.ServerDescriptor
		configJSON []byte
		profile    string
	)
	if err := row.Scan(&desc.ID, &desc.Name, &configJSON, &profile, &desc.Enabled, &desc.CreatedAt, &desc.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(configJSON, &desc.Transport); err != nil {
		return nil, fmt.Errorf("store: unmarshal config of %q: %w", desc.Name, err)
	}
	desc.Profile = mcp.TransportProfile(profile)
	return &desc, nil
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
