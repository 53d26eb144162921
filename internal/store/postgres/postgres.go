// Package postgres provides the Postgres-backed directory store. Each
// canonical entity is kept as a JSONB document alongside the indexed
// columns the engine queries on: bucket key, sighting keys, review
// flag, and the forwarding pointer.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/placemerge/placemerge/internal/block"
	"github.com/placemerge/placemerge/internal/directory"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements directory.Store on Postgres.
type Store struct {
	pool pgPool
}

// Schema is the DDL the store expects. Applied out of band.
const Schema = `
CREATE TABLE IF NOT EXISTS businesses (
	id            BIGINT PRIMARY KEY,
	bucket_key    TEXT,
	needs_review  BOOLEAN NOT NULL DEFAULT FALSE,
	superseded_by BIGINT NOT NULL DEFAULT 0,
	doc           JSONB NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS businesses_bucket_idx ON businesses (bucket_key) WHERE superseded_by = 0;
CREATE INDEX IF NOT EXISTS businesses_review_idx ON businesses (needs_review) WHERE needs_review;

CREATE TABLE IF NOT EXISTS sightings (
	sighting_key TEXT PRIMARY KEY,
	entity_id    BIGINT NOT NULL
);

CREATE SEQUENCE IF NOT EXISTS business_ids;
`

// New creates a Store backed by a fresh connection pool.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewWithPool(pool pgPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Get loads one entity by ID.
func (s *Store) Get(ctx context.Context, id directory.EntityID) (directory.CanonicalBusiness, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM businesses WHERE id = $1`, int64(id)).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return directory.CanonicalBusiness{}, fmt.Errorf("entity %d: %w", id, directory.ErrNotFound)
	}
	if err != nil {
		return directory.CanonicalBusiness{}, fmt.Errorf("select entity %d: %w", id, err)
	}
	var b directory.CanonicalBusiness
	if err := json.Unmarshal(doc, &b); err != nil {
		return directory.CanonicalBusiness{}, fmt.Errorf("decode entity %d: %w", id, err)
	}
	return b, nil
}

// Upsert writes the entity document and refreshes the sighting rows.
// Superseded entities get a NULL bucket key so candidate queries skip
// them, and leave the sighting rows bound to their survivor.
func (s *Store) Upsert(ctx context.Context, b directory.CanonicalBusiness) error {
	doc, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode entity %d: %w", b.ID, err)
	}
	var bucket *string
	if !b.Superseded() {
		if key := block.EntityKey(b); key != "" {
			k := string(key)
			bucket = &k
		}
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO businesses (id, bucket_key, needs_review, superseded_by, doc, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (id) DO UPDATE
SET bucket_key = EXCLUDED.bucket_key,
    needs_review = EXCLUDED.needs_review,
    superseded_by = EXCLUDED.superseded_by,
    doc = EXCLUDED.doc,
    updated_at = NOW()`,
		int64(b.ID), bucket, b.NeedsReview, int64(b.SupersededBy), doc)
	if err != nil {
		return fmt.Errorf("upsert entity %d: %w", b.ID, err)
	}

	// Tombstones keep their sighting history in the document, but the
	// lookup rows must keep pointing at the surviving entity.
	if b.Superseded() {
		return nil
	}
	for sighting := range b.Sightings {
		_, err = s.pool.Exec(ctx, `
INSERT INTO sightings (sighting_key, entity_id)
VALUES ($1, $2)
ON CONFLICT (sighting_key) DO UPDATE SET entity_id = EXCLUDED.entity_id`,
			sighting, int64(b.ID))
		if err != nil {
			return fmt.Errorf("upsert sighting %q: %w", sighting, err)
		}
	}
	return nil
}

// QueryBucket returns the live entity IDs indexed under key.
func (s *Store) QueryBucket(ctx context.Context, key directory.BucketKey) ([]directory.EntityID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM businesses WHERE bucket_key = $1 AND superseded_by = 0`, string(key))
	if err != nil {
		return nil, fmt.Errorf("query bucket %q: %w", key, err)
	}
	defer rows.Close()
	var ids []directory.EntityID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan bucket row: %w", err)
		}
		ids = append(ids, directory.EntityID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bucket rows: %w", err)
	}
	return ids, nil
}

// NextID allocates the next entity ID from the sequence.
func (s *Store) NextID(ctx context.Context) (directory.EntityID, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('business_ids')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("allocate entity id: %w", err)
	}
	return directory.EntityID(id), nil
}

// BySighting resolves a sighting key to the entity that recorded it.
func (s *Store) BySighting(ctx context.Context, sightingKey string) (directory.EntityID, bool, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT entity_id FROM sightings WHERE sighting_key = $1`, sightingKey).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("select sighting %q: %w", sightingKey, err)
	}
	return directory.EntityID(id), true, nil
}

// List returns all live entities.
func (s *Store) List(ctx context.Context) ([]directory.CanonicalBusiness, error) {
	return s.listWhere(ctx, `SELECT doc FROM businesses WHERE superseded_by = 0 ORDER BY id`)
}

// ListReview returns live entities flagged for human review.
func (s *Store) ListReview(ctx context.Context) ([]directory.CanonicalBusiness, error) {
	return s.listWhere(ctx, `SELECT doc FROM businesses WHERE superseded_by = 0 AND needs_review ORDER BY id`)
}

func (s *Store) listWhere(ctx context.Context, query string) ([]directory.CanonicalBusiness, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()
	var out []directory.CanonicalBusiness
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan entity row: %w", err)
		}
		var b directory.CanonicalBusiness
		if err := json.Unmarshal(doc, &b); err != nil {
			return nil, fmt.Errorf("decode entity row: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entity rows: %w", err)
	}
	return out, nil
}
