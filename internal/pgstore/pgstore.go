// Package pgstore keeps documents in Postgres with the pgvector extension.
package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/chriskillpack/whiskers"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

const schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS whiskers_collections (
	name TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS whiskers_documents (
	id TEXT PRIMARY KEY,
	collection TEXT NOT NULL,
	text TEXT NOT NULL,
	embedding vector NOT NULL,
	model TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS whiskers_documents_collection ON whiskers_documents (collection);
`

// PoolConfig holds tunable parameters for the connection pool.
type PoolConfig struct {
	MaxConns int
	MinConns int
}

type Store struct {
	pool *pgxpool.Pool
}

var _ whiskers.Store = &Store{}

// Open connects to dsn and creates the tables if needed.
func Open(ctx context.Context, dsn string, opts ...PoolConfig) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.MaxConns = 4
	if len(opts) > 0 && opts[0].MaxConns > 0 {
		config.MaxConns = int32(opts[0].MaxConns)
	}
	if len(opts) > 0 && opts[0].MinConns > 0 {
		config.MinConns = int32(opts[0].MinConns)
	}
	config.MaxConnIdleTime = 30 * time.Minute

	// The extension has to exist before the types can be registered
	boot, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	defer boot.Close(ctx)
	if _, err := boot.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) CreateCollection(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO whiskers_collections (name) VALUES ($1) ON CONFLICT DO NOTHING", name)
	return err
}

func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT name FROM whiskers_collections ORDER BY name")
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) Insert(ctx context.Context, doc *whiskers.Document) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			"INSERT INTO whiskers_collections (name, created_at) VALUES ($1, $2) ON CONFLICT DO NOTHING",
			doc.Collection, doc.CreatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO whiskers_documents (id, collection, text, embedding, model, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			doc.ID, doc.Collection, doc.Text, pgvector.NewVector(doc.Vector), doc.Model, doc.CreatedAt)
		return err
	})
}

// Search orders by cosine distance; the returned score is 1 - distance.
func (s *Store) Search(ctx context.Context, collection, model string, vector []float32, limit int) ([]whiskers.SearchHit, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, 1 - (embedding <=> $1) AS score, text
		FROM whiskers_documents
		WHERE collection = $2 AND ($4 = '' OR model = $4)
		ORDER BY embedding <=> $1
		LIMIT $3`,
		pgvector.NewVector(vector), collection, limit, model)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var hits []whiskers.SearchHit
	for rows.Next() {
		var h whiskers.SearchHit
		if err := rows.Scan(&h.ID, &h.Score, &h.Text); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *Store) RemoveMatching(ctx context.Context, collection, substr string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM whiskers_documents WHERE collection = $1 AND strpos(text, $2) > 0",
		collection, substr)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) DropCollection(ctx context.Context, collection string) (int, error) {
	var n int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, "DELETE FROM whiskers_documents WHERE collection = $1", collection)
		if err != nil {
			return err
		}
		n = int(tag.RowsAffected())
		_, err = tx.Exec(ctx, "DELETE FROM whiskers_collections WHERE name = $1", collection)
		return err
	})
	return n, err
}
