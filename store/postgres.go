package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Store backed by a PostgreSQL table with upsert-by-id
// semantics.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Postgres{pool: pool}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Postgres) init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			id       TEXT PRIMARY KEY,
			buffer   TEXT NOT NULL,
			saved_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	return err
}

func (s *Postgres) Save(ctx context.Context, docID, buffer string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (id, buffer, saved_at) VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET buffer = EXCLUDED.buffer, saved_at = now()`,
		docID, buffer)
	return err
}

func (s *Postgres) Load(ctx context.Context, docID string) (*Record, error) {
	var rec Record
	err := s.pool.QueryRow(ctx,
		`SELECT buffer, saved_at FROM documents WHERE id = $1`, docID).
		Scan(&rec.Buffer, &rec.SavedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
