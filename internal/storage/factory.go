package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Factory creates immutable objects in the engine. Objects are addressed
// by the id returned from Create and are typically linked from a root.
type Factory struct {
	engine *Engine
}

// Create stores data as a new object and returns its id.
func (f *Factory) Create(ctx context.Context, data []byte) (string, error) {
	if err := f.engine.check(); err != nil {
		return "", err
	}
	if data == nil {
		data = []byte{}
	}
	id := uuid.NewString()
	_, err := f.engine.db.ExecContext(ctx,
		`INSERT INTO objects (id, data, created_at) VALUES (?, ?, ?)`,
		id, data, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("create object: %w", err)
	}
	return id, nil
}

// Read returns the contents of object id.
func (f *Factory) Read(ctx context.Context, id string) ([]byte, error) {
	if err := f.engine.check(); err != nil {
		return nil, err
	}
	var data []byte
	err := f.engine.db.QueryRowContext(ctx, `SELECT data FROM objects WHERE id = ?`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, id)
		}
		return nil, fmt.Errorf("read object %s: %w", id, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}
