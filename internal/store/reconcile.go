package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/steveyegge/taskcache/internal/schema"
)

// ReplaceTempTask swaps the temporary-id row of a task for the server's
// canonical row in one transaction. Outbox records and id references that
// still point at tempID are rewritten to the server id, and the mapping is
// remembered in id_map.
func (db *DB) ReplaceTempTask(ctx context.Context, tempID int64, canonical *schema.Task) error {
	if !schema.IsTempID(tempID) {
		return fmt.Errorf("task %d is not a temporary id", tempID)
	}
	if schema.IsTempID(canonical.ID) {
		return fmt.Errorf("canonical task carries temporary id %d", canonical.ID)
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if err := deleteTask(ctx, tx, tempID); err != nil {
			return err
		}
		if err := rewriteOutboxEntity(ctx, tx, schema.EntityTask, tempID, canonical.ID); err != nil {
			return err
		}
		if err := recordMapping(ctx, tx, db, schema.EntityTask, tempID, canonical.ID); err != nil {
			return err
		}

		// Deleted locally while the create was in flight.
		deleting, err := hasQueuedAction(ctx, tx, schema.EntityTask, canonical.ID, schema.ActionDelete)
		if err != nil || deleting {
			return err
		}

		row := canonical.Clone()
		state, err := localState(ctx, tx, schema.EntityTask, row.ID, 0)
		if err != nil {
			return err
		}
		row.SyncState = state
		return upsertTask(ctx, tx, row)
	}, TopicTasks, TopicOutbox)
}

// ReplaceTempLabel swaps the temporary-id row of a label for the server's
// canonical row. Task associations move to the server id.
func (db *DB) ReplaceTempLabel(ctx context.Context, tempID int64, canonical *schema.Label) error {
	if !schema.IsTempID(tempID) {
		return fmt.Errorf("label %d is not a temporary id", tempID)
	}
	if schema.IsTempID(canonical.ID) {
		return fmt.Errorf("canonical label carries temporary id %d", canonical.ID)
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if err := rewriteOutboxEntity(ctx, tx, schema.EntityLabel, tempID, canonical.ID); err != nil {
			return err
		}
		if err := recordMapping(ctx, tx, db, schema.EntityLabel, tempID, canonical.ID); err != nil {
			return err
		}

		deleting, err := hasQueuedAction(ctx, tx, schema.EntityLabel, canonical.ID, schema.ActionDelete)
		if err != nil {
			return err
		}
		if deleting {
			_, err := tx.ExecContext(ctx, `DELETE FROM labels WHERE id = ?`, tempID)
			return err
		}

		row := *canonical
		state, err := localState(ctx, tx, schema.EntityLabel, row.ID, 0)
		if err != nil {
			return err
		}
		row.SyncState = state
		if err := upsertLabel(ctx, tx, &row); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO task_labels (task_id, label_id)
			SELECT task_id, ? FROM task_labels WHERE label_id = ?`,
			canonical.ID, tempID); err != nil {
			return fmt.Errorf("failed to move associations of label %d: %w", tempID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM labels WHERE id = ?`, tempID); err != nil {
			return fmt.Errorf("failed to delete temp label %d: %w", tempID, err)
		}
		return nil
	}, TopicLabels, TopicTasks, TopicOutbox)
}

// ResolveID maps a temporary id to its server id. Server ids resolve to
// themselves. The bool is false for a temporary id that has not been
// reconciled yet.
func (db *DB) ResolveID(ctx context.Context, entityType schema.EntityType, id int64) (int64, bool, error) {
	if !schema.IsTempID(id) {
		return id, true, nil
	}
	var serverID int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT server_id FROM id_map WHERE entity_type = ? AND temp_id = ?`,
		string(entityType), id).Scan(&serverID)
	if err == sql.ErrNoRows {
		return id, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to resolve %s %d: %w", entityType, id, err)
	}
	return serverID, true, nil
}

// ApplyCanonicalTask writes a server response for a task unless another
// record for the task is already queued behind it, in which case the local
// row is newer than the response and is kept. Returns whether it wrote.
func (db *DB) ApplyCanonicalTask(ctx context.Context, task *schema.Task, finishedAction int64) (bool, error) {
	var applied bool
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		queued, err := hasQueuedRecord(ctx, tx, schema.EntityTask, task.ID, finishedAction)
		if err != nil || queued {
			return err
		}
		row := task.Clone()
		row.SyncState = schema.SyncStateSynced
		applied = true
		return upsertTask(ctx, tx, row)
	}, TopicTasks)
	return applied, err
}

// ApplyCanonicalLabel is ApplyCanonicalTask for labels.
func (db *DB) ApplyCanonicalLabel(ctx context.Context, label *schema.Label, finishedAction int64) (bool, error) {
	var applied bool
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		queued, err := hasQueuedRecord(ctx, tx, schema.EntityLabel, label.ID, finishedAction)
		if err != nil || queued {
			return err
		}
		row := *label
		row.SyncState = schema.SyncStateSynced
		applied = true
		return upsertLabel(ctx, tx, &row)
	}, TopicLabels, TopicTasks)
	return applied, err
}

func rewriteOutboxEntity(ctx context.Context, q querier, entityType schema.EntityType, from, to int64) error {
	_, err := q.ExecContext(ctx,
		`UPDATE pending_actions SET entity_id = ? WHERE entity_type = ? AND entity_id = ?`,
		to, string(entityType), from)
	if err != nil {
		return fmt.Errorf("failed to rewrite outbox references to %s %d: %w", entityType, from, err)
	}
	return nil
}

func recordMapping(ctx context.Context, q querier, db *DB, entityType schema.EntityType, tempID, serverID int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO id_map (entity_type, temp_id, server_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_type, temp_id) DO UPDATE SET server_id = excluded.server_id`,
		string(entityType), tempID, serverID, formatTime(db.now()))
	if err != nil {
		return fmt.Errorf("failed to record id mapping %d -> %d: %w", tempID, serverID, err)
	}
	return nil
}

// hasQueuedRecord reports whether a pending record other than except exists
// for the entity.
func hasQueuedRecord(ctx context.Context, q querier, entityType schema.EntityType, id, except int64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_actions
		WHERE entity_type = ? AND entity_id = ? AND id != ? AND status = ?`,
		string(entityType), id, except, string(StatusPending)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check queued records for %s %d: %w", entityType, id, err)
	}
	return n > 0, nil
}

// localState derives the sync flag for a row about to be overwritten with
// server data: pending while another record for it is queued.
func localState(ctx context.Context, q querier, entityType schema.EntityType, id, except int64) (schema.SyncState, error) {
	queued, err := hasQueuedRecord(ctx, q, entityType, id, except)
	if err != nil {
		return "", err
	}
	if queued {
		return schema.SyncStatePending, nil
	}
	return schema.SyncStateSynced, nil
}
