// Package pg implements the external-table storage backend: one row per
// document keyed by (user, project, path), upserted on save. It supplies no
// external-change stream.
package pg

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"pkt.systems/pslog"

	"github.com/MaximeRivest/mrmd-sync/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS mrmd_documents (
	user_name     TEXT NOT NULL,
	project       TEXT NOT NULL,
	path          TEXT NOT NULL,
	opaque_state  BYTEA,
	content_text  TEXT,
	content_hash  TEXT,
	byte_size     BIGINT,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_name, project, path)
)`

const upsertSQL = `
INSERT INTO mrmd_documents (user_name, project, path, opaque_state, content_text, content_hash, byte_size, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (user_name, project, path) DO UPDATE SET
	opaque_state = EXCLUDED.opaque_state,
	content_text = EXCLUDED.content_text,
	content_hash = EXCLUDED.content_hash,
	byte_size    = EXCLUDED.byte_size,
	updated_at   = now()`

const selectSQL = `
SELECT content_text, opaque_state FROM mrmd_documents
WHERE user_name = $1 AND project = $2 AND path = $3`

// Config captures the tunables for the external-table backend.
type Config struct {
	// URL is the postgres connection string.
	URL string
	// User and Project form the composite row key together with the
	// document path.
	User    string
	Project string
	// Logger receives backend events; nil disables logging.
	Logger pslog.Logger
}

// Store implements storage.Backend on a relational table.
type Store struct {
	pool    *pgxpool.Pool
	user    string
	project string
	logger  pslog.Logger
}

// New connects to the database and ensures the documents table exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("pg: connection URL required")
	}
	if cfg.User == "" {
		cfg.User = "default"
	}
	if cfg.Project == "" {
		cfg.Project = "default"
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	pool, err := pgxpool.New(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("pg: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg: ensure schema: %w", err)
	}
	return &Store{
		pool:    pool,
		user:    cfg.User,
		project: cfg.Project,
		logger:  cfg.Logger.With("svc", "storage").With("backend", "pg"),
	}, nil
}

// Resolve maps a document name to its composite row key.
func (s *Store) Resolve(name string) string {
	return strings.Join([]string{s.user, s.project, name}, "/")
}

// Load reads the row for name; a missing row is absence, not an error.
func (s *Store) Load(ctx context.Context, name string) (storage.Document, error) {
	var doc storage.Document
	var text *string
	var state []byte
	err := s.pool.QueryRow(ctx, selectSQL, s.user, s.project, name).Scan(&text, &state)
	if errors.Is(err, pgx.ErrNoRows) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("pg: load %q: %w", name, err)
	}
	if text != nil {
		doc.Text = *text
		doc.HasText = true
	}
	doc.ReplicaState = state
	s.logger.Debug("pg.load.success", "doc", name, "has_text", doc.HasText, "state_bytes", len(state))
	return doc, nil
}

// Save upserts the row for name in a single statement.
func (s *Store) Save(ctx context.Context, name, text string, replicaState []byte) error {
	hash := storage.Hash(text)
	if _, err := s.pool.Exec(ctx, upsertSQL, s.user, s.project, name, replicaState, text, hash, len(text)); err != nil {
		return fmt.Errorf("pg: save %q: %w", name, err)
	}
	s.logger.Debug("pg.save.success", "doc", name, "bytes", len(text), "hash", hash)
	return nil
}

// Flush is Save with shutdown intent.
func (s *Store) Flush(ctx context.Context, name, text string, replicaState []byte) error {
	return s.Save(ctx, name, text, replicaState)
}

// SaveState is unsupported: snapshot slots are a filesystem concern; the row
// already carries the state on every save.
func (s *Store) SaveState(ctx context.Context, name string, replicaState []byte) error {
	return storage.ErrNotSupported
}

// ExternalChanges returns nil: table rows have no out-of-band edit stream.
func (s *Store) ExternalChanges() <-chan storage.ChangeEvent {
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
