package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RootSet is the SQLite-backed Store holding named roots.
type RootSet struct {
	engine *Engine
}

var _ Store = (*RootSet)(nil)

func (r *RootSet) Get(ctx context.Context, key string) ([]byte, error) {
	if err := r.engine.check(); err != nil {
		return nil, err
	}
	var value []byte
	err := r.engine.db.QueryRowContext(ctx, `SELECT value FROM roots WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
		}
		return nil, fmt.Errorf("query root %q: %w", key, err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (r *RootSet) Put(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return ErrInvalidKey
	}
	if err := r.engine.check(); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	_, err := r.engine.db.ExecContext(ctx, `
INSERT INTO roots (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put root %q: %w", key, err)
	}
	return nil
}

func (r *RootSet) Delete(ctx context.Context, key string) error {
	if err := r.engine.check(); err != nil {
		return err
	}
	if _, err := r.engine.db.ExecContext(ctx, `DELETE FROM roots WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete root %q: %w", key, err)
	}
	return nil
}

func (r *RootSet) List(ctx context.Context) ([]string, error) {
	if err := r.engine.check(); err != nil {
		return nil, err
	}
	rows, err := r.engine.db.QueryContext(ctx, `SELECT key FROM roots ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list roots: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan root row: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate root rows: %w", err)
	}
	return keys, nil
}

func (r *RootSet) Stats(ctx context.Context) (Stats, error) {
	if err := r.engine.check(); err != nil {
		return Stats{}, err
	}
	var s Stats
	err := r.engine.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(value)), 0) FROM roots`).Scan(&s.Keys, &s.Bytes)
	if err != nil {
		return Stats{}, fmt.Errorf("root stats: %w", err)
	}
	return s, nil
}
