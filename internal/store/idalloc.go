package store

import (
	"context"
	"database/sql"
	"fmt"
)

const tempIDCounter = "temp"

// seedTempIDs makes sure the temporary-id counter starts at or below
// -(current unix seconds). An existing lower value is kept, so ids never
// repeat across restarts even if the clock moves backwards.
func (db *DB) seedTempIDs(ctx context.Context) error {
	seed := -db.now().Unix()
	if seed >= 0 {
		seed = -1
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO id_allocator (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = MIN(value, excluded.value)`,
		tempIDCounter, seed)
	if err != nil {
		return fmt.Errorf("failed to seed temp id counter: %w", err)
	}
	return nil
}

// AllocateTempID returns a fresh negative id for an entity created offline.
// Successive calls return strictly decreasing values.
func (db *DB) AllocateTempID(ctx context.Context) (int64, error) {
	var id int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = allocateTempID(ctx, tx)
		return err
	})
	return id, err
}

func allocateTempID(ctx context.Context, q querier) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		`UPDATE id_allocator SET value = value - 1 WHERE name = ? RETURNING value + 1`,
		tempIDCounter).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate temp id: %w", err)
	}
	return id, nil
}
