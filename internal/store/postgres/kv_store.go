package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// KVStore implements domain.Persistence on the kv_entries table.
type KVStore struct {
	pool *pgxpool.Pool
}

// NewKVStore creates a KVStore backed by pool.
func NewKVStore(pool *pgxpool.Pool) *KVStore {
	return &KVStore{pool: pool}
}

// Save upserts value under key.
func (s *KVStore) Save(ctx context.Context, key string, value []byte) error {
	const query = `
		INSERT INTO kv_entries (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("postgres: save %s: %w", key, err)
	}
	return nil
}

// Load returns the value for key or domain.ErrNotFound.
func (s *KVStore) Load(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM kv_entries WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: load %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load %s: %w", key, err)
	}
	return value, nil
}

// List returns keys with the given prefix in lexical order.
func (s *KVStore) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key FROM kv_entries WHERE starts_with(key, $1) ORDER BY key`, prefix)
	if err != nil {
		return nil, fmt.Errorf("postgres: list %s: %w", prefix, err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: list %s: %w", prefix, err)
	}
	return keys, nil
}

var _ domain.Persistence = (*KVStore)(nil)
