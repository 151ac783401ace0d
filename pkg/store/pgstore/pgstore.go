// Package pgstore caches feature records in PostgreSQL. Alongside the raw
// record it stores a time-pooled pgvector embedding per item, which makes
// the cache queryable for nearest-neighbour lookups over the dataset.
//
// The pgvector extension must be available in the target database; Open
// installs it via CREATE EXTENSION IF NOT EXISTS.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/audiolith/featforge/pkg/feature"
	"github.com/audiolith/featforge/pkg/store"
)

// Compile-time assertion that Store implements the cache contract.
var _ store.Store = (*Store)(nil)

// Store is a PostgreSQL-backed record cache. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
	dim  int
}

const ddlRecords = `
CREATE TABLE IF NOT EXISTS feature_records (
    item_id    TEXT         NOT NULL,
    feature    TEXT         NOT NULL,
    rows_n     INT          NOT NULL,
    dim        INT          NOT NULL,
    step_ms    DOUBLE PRECISION NOT NULL,
    record     BYTEA        NOT NULL,
    pooled     vector(%d),
    updated_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (item_id, feature)
);

CREATE INDEX IF NOT EXISTS idx_feature_records_feature
    ON feature_records (feature);
`

// Open establishes a connection pool to the database at dsn, registers
// pgvector types on every connection and ensures the schema exists.
//
// embeddingDim must match the output dimension of the records being cached;
// it sizes the pooled vector column. Changing it after the first migration
// requires a manual schema change.
func Open(ctx context.Context, dsn string, embeddingDim int) (*Store, error) {
	if embeddingDim <= 0 {
		return nil, feature.ConfigErrorf("embedding dimension must be positive, got %d", embeddingDim)
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pg cache: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pg cache: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg cache: ping: %w", err)
	}
	if err := migrate(ctx, pool, embeddingDim); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg cache: migrate: %w", err)
	}
	return &Store{pool: pool, dim: embeddingDim}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool, dim int) error {
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return err
	}
	_, err := pool.Exec(ctx, fmt.Sprintf(ddlRecords, dim))
	return err
}

func (s *Store) Exists(ctx context.Context, key store.Key) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM feature_records WHERE item_id = $1 AND feature = $2)`,
		key.ItemID, key.Feature,
	).Scan(&exists)
	return exists, err
}

func (s *Store) Read(ctx context.Context, key store.Key) (*feature.Record, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM feature_records WHERE item_id = $1 AND feature = $2`,
		key.ItemID, key.Feature,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return store.DecodeRecord(raw)
}

func (s *Store) Write(ctx context.Context, rec *feature.Record) error {
	raw, err := store.EncodeRecord(rec)
	if err != nil {
		return err
	}

	// The pooled column is only populated when the record's width matches
	// the column; stacked and flat features of different widths can share
	// one table, with similarity search limited to the matching ones.
	var pooled any
	if rec.Dim == s.dim && rec.Rows > 0 {
		pooled = pgvector.NewVector(rec.Pooled())
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO feature_records (item_id, feature, rows_n, dim, step_ms, record, pooled, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (item_id, feature) DO UPDATE SET
		    rows_n     = EXCLUDED.rows_n,
		    dim        = EXCLUDED.dim,
		    step_ms    = EXCLUDED.step_ms,
		    record     = EXCLUDED.record,
		    pooled     = EXCLUDED.pooled,
		    updated_at = now()`,
		rec.ItemID, rec.Feature, rec.Rows, rec.Dim, rec.StepMs, raw, pooled,
	)
	return err
}

// Neighbour is one result of a Nearest query.
type Neighbour struct {
	ItemID   string
	Distance float64
}

// Nearest returns up to limit items of the given feature whose time-pooled
// embeddings are closest (by cosine distance) to the query vector.
func (s *Store) Nearest(ctx context.Context, featureName string, query []float32, limit int) ([]Neighbour, error) {
	if len(query) != s.dim {
		return nil, feature.ConfigErrorf("query vector has dimension %d, store expects %d", len(query), s.dim)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT item_id, pooled <=> $1 AS distance
		FROM feature_records
		WHERE feature = $2 AND pooled IS NOT NULL
		ORDER BY distance
		LIMIT $3`,
		pgvector.NewVector(query), featureName, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Neighbour
	for rows.Next() {
		var n Neighbour
		if err := rows.Scan(&n.ItemID, &n.Distance); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
