// Package postgres implements the durable cache tier on a Postgres table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultTable is the table used when none is configured.
const DefaultTable = "hashnav_kv"

// Store is a Postgres implementation of store.Store.
type Store struct {
	pool  *pgxpool.Pool
	table string
	owned bool
}

// Open connects to dsn and returns a store that owns the pool.
func Open(ctx context.Context, dsn, table string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres: empty DSN")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := NewStore(pool, table)
	s.owned = true
	return s, nil
}

// NewStore wraps an existing pool. The caller keeps ownership of the pool.
func NewStore(pool *pgxpool.Pool, table string) *Store {
	if table == "" {
		table = DefaultTable
	}
	return &Store{pool: pool, table: table}
}

// Migrate creates the key-value table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("nil postgres pool")
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.ident()))
	return err
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if s.pool == nil {
		return "", false, errors.New("nil postgres pool")
	}
	var value string
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, s.ident()),
		key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if s.pool == nil {
		return errors.New("nil postgres pool")
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at`, s.ident()),
		key, value,
	)
	return err
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if s.pool == nil {
		return errors.New("nil postgres pool")
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.ident()), key)
	return err
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s.pool == nil {
		return nil, errors.New("nil postgres pool")
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT key FROM %s WHERE key LIKE $1 ESCAPE '\' ORDER BY key COLLATE "C"`, s.ident()),
		likePrefix(prefix),
	)
	if err != nil {
		return nil, err
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

// Close releases the pool if the store opened it.
func (s *Store) Close() error {
	if s.owned && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) ident() string {
	return pgx.Identifier{s.table}.Sanitize()
}

// likePrefix escapes LIKE wildcards in prefix and appends the match-all suffix.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
