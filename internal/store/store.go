// Package store persists canonical records to PostgreSQL. Writes are
// idempotent upserts keyed by the identity key, so re-running the pipeline
// over the same catalog converges instead of duplicating rows.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/Falak-Parmar/Book-Finder/internal/catalog"
	"github.com/Falak-Parmar/Book-Finder/internal/identity"
	"github.com/Falak-Parmar/Book-Finder/pkg/postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS canonical_records (
    identity_key   TEXT PRIMARY KEY,
    identity_kind  TEXT NOT NULL,
    isbn_13        TEXT NOT NULL DEFAULT '',
    external_id    TEXT NOT NULL DEFAULT '',
    title          TEXT NOT NULL,
    author         TEXT NOT NULL DEFAULT '',
    description    TEXT NOT NULL DEFAULT '',
    categories     TEXT[] NOT NULL DEFAULT '{}',
    thumbnail_url  TEXT NOT NULL DEFAULT '',
    published_date TEXT NOT NULL DEFAULT '',
    source_ids     TEXT[] NOT NULL DEFAULT '{}',
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_canonical_records_isbn
    ON canonical_records (isbn_13) WHERE isbn_13 <> '';
`

const upsertQuery = `
INSERT INTO canonical_records (
    identity_key, identity_kind, isbn_13, external_id, title, author,
    description, categories, thumbnail_url, published_date, source_ids,
    updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
ON CONFLICT (identity_key) DO UPDATE SET
    identity_kind  = EXCLUDED.identity_kind,
    isbn_13        = EXCLUDED.isbn_13,
    external_id    = EXCLUDED.external_id,
    title          = EXCLUDED.title,
    author         = EXCLUDED.author,
    description    = EXCLUDED.description,
    categories     = EXCLUDED.categories,
    thumbnail_url  = EXCLUDED.thumbnail_url,
    published_date = EXCLUDED.published_date,
    source_ids     = EXCLUDED.source_ids,
    updated_at     = now()
`

// Store writes canonical records through the shared PostgreSQL client.
type Store struct {
	client *postgres.Client
	logger *slog.Logger
}

// New creates a Store on top of an open client.
func New(client *postgres.Client) *Store {
	return &Store{
		client: client,
		logger: slog.Default().With("component", "store"),
	}
}

// EnsureSchema creates the canonical-records table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.client.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensuring canonical_records schema: %w", err)
	}
	return nil
}

// Upsert writes one canonical record under its identity key. sourceIDs lists
// the catalog records that contributed to the merge.
func (s *Store) Upsert(ctx context.Context, key identity.Key, rec catalog.CanonicalRecord, sourceIDs []string) error {
	err := s.client.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, upsertQuery,
			key.String(),
			string(key.Kind),
			rec.ISBN13,
			rec.ExternalID,
			rec.Title,
			rec.Author,
			rec.Description,
			pq.Array(rec.Categories),
			rec.ThumbnailURL,
			rec.PublishedDate,
			pq.Array(sourceIDs),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upserting canonical record %s: %w", key, err)
	}
	s.logger.Debug("canonical record upserted",
		"identity_key", key.String(),
		"sources", len(sourceIDs),
	)
	return nil
}

// Count returns the number of canonical records currently stored.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.client.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM canonical_records`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting canonical records: %w", err)
	}
	return n, nil
}
