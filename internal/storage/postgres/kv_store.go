package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/oga-courier/internal/errs"
)

// KVStore keeps values in the kv_store table, scoped by namespace so several
// installs can share one database.
type KVStore struct {
	db        *DB
	namespace string
}

// NewKVStore constructs a store over db for namespace.
func NewKVStore(db *DB, namespace string) *KVStore {
	return &KVStore{db: db, namespace: namespace}
}

// Get selects the value under key.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	const q = `SELECT value FROM kv_store WHERE namespace=$1 AND key=$2`
	var v []byte
	if err := s.db.Pool.QueryRow(ctx, q, s.namespace, key).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("select %s: %w", key, err)
	}
	return v, nil
}

// Set upserts the value under key.
func (s *KVStore) Set(ctx context.Context, key string, value []byte) error {
	const q = `
INSERT INTO kv_store (namespace, key, value, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (namespace, key) DO UPDATE SET value=EXCLUDED.value, updated_at=now()`
	if _, err := s.db.Pool.Exec(ctx, q, s.namespace, key, value); err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

// Remove deletes the row under key; a missing row is not an error.
func (s *KVStore) Remove(ctx context.Context, key string) error {
	const q = `DELETE FROM kv_store WHERE namespace=$1 AND key=$2`
	if _, err := s.db.Pool.Exec(ctx, q, s.namespace, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
