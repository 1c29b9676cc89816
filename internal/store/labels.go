package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/steveyegge/taskcache/internal/schema"
)

// GetLabel retrieves a single label. Returns ErrNotFound if it is not cached.
func (db *DB) GetLabel(ctx context.Context, id int64) (*schema.Label, error) {
	return getLabel(ctx, db.conn, id)
}

func getLabel(ctx context.Context, q querier, id int64) (*schema.Label, error) {
	var l schema.Label
	var createdAt, updatedAt, state string
	err := q.QueryRowContext(ctx, `
		SELECT id, title, hex_color, created_at, updated_at, sync_state
		FROM labels WHERE id = ?`, id).
		Scan(&l.ID, &l.Title, &l.HexColor, &createdAt, &updatedAt, &state)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("label %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get label %d: %w", id, err)
	}
	l.CreatedAt = parseTime(createdAt)
	l.UpdatedAt = parseTime(updatedAt)
	l.SyncState = schema.SyncState(state)
	return &l, nil
}

// ListLabels returns all cached labels ordered by title.
func (db *DB) ListLabels(ctx context.Context) ([]*schema.Label, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, title, hex_color, created_at, updated_at, sync_state
		FROM labels ORDER BY title ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}
	defer rows.Close()

	var labels []*schema.Label
	for rows.Next() {
		var l schema.Label
		var createdAt, updatedAt, state string
		if err := rows.Scan(&l.ID, &l.Title, &l.HexColor, &createdAt, &updatedAt, &state); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		l.CreatedAt = parseTime(createdAt)
		l.UpdatedAt = parseTime(updatedAt)
		l.SyncState = schema.SyncState(state)
		labels = append(labels, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating labels: %w", err)
	}
	return labels, nil
}

// WatchLabels emits the label list now and after every label change.
func (db *DB) WatchLabels(ctx context.Context) <-chan []*schema.Label {
	return watch(ctx, db, []Topic{TopicLabels}, db.ListLabels)
}

// UpsertLabel inserts or overwrites a label row.
func (db *DB) UpsertLabel(ctx context.Context, l *schema.Label) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return upsertLabel(ctx, tx, l)
	}, TopicLabels, TopicTasks)
}

// DeleteLabel removes a label and its task associations.
// Returns nil if the label doesn't exist (idempotent).
func (db *DB) DeleteLabel(ctx context.Context, id int64) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM labels WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete label %d: %w", id, err)
		}
		return nil
	}, TopicLabels, TopicTasks)
}

// MarkLabelState updates only the local sync flag of a label.
func (db *DB) MarkLabelState(ctx context.Context, id int64, state schema.SyncState) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE labels SET sync_state = ? WHERE id = ?`, string(state), id)
		if err != nil {
			return fmt.Errorf("failed to set sync state of label %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("label %d: %w", id, ErrNotFound)
		}
		return nil
	}, TopicLabels)
}

func upsertLabel(ctx context.Context, q querier, l *schema.Label) error {
	if err := l.Validate(); err != nil {
		return fmt.Errorf("invalid label: %w", err)
	}
	state := l.SyncState
	if state == "" {
		state = schema.SyncStateSynced
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO labels (id, title, hex_color, created_at, updated_at, sync_state)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			hex_color = excluded.hex_color,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			sync_state = excluded.sync_state`,
		l.ID, l.Title, l.HexColor, formatTime(l.CreatedAt), formatTime(l.UpdatedAt), string(state))
	if err != nil {
		return fmt.Errorf("failed to upsert label %d: %w", l.ID, err)
	}
	return nil
}

// ensureLabel inserts a label row only if none exists yet.
func ensureLabel(ctx context.Context, q querier, l *schema.Label) error {
	title := l.Title
	if title == "" {
		title = fmt.Sprintf("label-%d", l.ID)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO labels (id, title, hex_color, created_at, updated_at, sync_state)
		VALUES (?, ?, ?, ?, ?, 'synced')
		ON CONFLICT(id) DO NOTHING`,
		l.ID, title, l.HexColor, formatTime(l.CreatedAt), formatTime(l.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to ensure label %d: %w", l.ID, err)
	}
	return nil
}
