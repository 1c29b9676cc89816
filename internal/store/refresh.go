package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/steveyegge/taskcache/internal/schema"
)

// RefreshPage is one page of the authoritative pull.
type RefreshPage struct {
	Tasks    []*schema.Task
	Labels   []*schema.Label
	Projects []*schema.Project
}

// ApplyRefresh overwrites local rows with one page of server data in a single
// transaction. Content is replaced wholesale; the sync flag stays pending for
// entities that still have a queued record. Entities with a queued delete are
// not resurrected.
func (db *DB) ApplyRefresh(ctx context.Context, page RefreshPage) error {
	var topics []Topic
	if len(page.Tasks) > 0 {
		topics = append(topics, TopicTasks)
	}
	if len(page.Labels) > 0 {
		topics = append(topics, TopicLabels, TopicTasks)
	}
	if len(page.Projects) > 0 {
		topics = append(topics, TopicProjects)
	}

	return db.withTx(ctx, func(tx *sql.Tx) error {
		for _, p := range page.Projects {
			if err := upsertProject(ctx, tx, p); err != nil {
				return err
			}
		}
		for _, l := range page.Labels {
			deleting, err := hasQueuedAction(ctx, tx, schema.EntityLabel, l.ID, schema.ActionDelete)
			if err != nil {
				return err
			}
			if deleting {
				continue
			}
			row := *l
			state, err := localState(ctx, tx, schema.EntityLabel, row.ID, 0)
			if err != nil {
				return err
			}
			row.SyncState = state
			if err := upsertLabel(ctx, tx, &row); err != nil {
				return err
			}
		}
		for _, t := range page.Tasks {
			// A queued delete has already removed the row locally.
			deleting, err := hasQueuedAction(ctx, tx, schema.EntityTask, t.ID, schema.ActionDelete)
			if err != nil {
				return err
			}
			if deleting {
				continue
			}
			row := t.Clone()
			if row.Labels == nil {
				row.Labels = []*schema.Label{}
			}
			state, err := localState(ctx, tx, schema.EntityTask, row.ID, 0)
			if err != nil {
				return err
			}
			row.SyncState = state
			if err := upsertTask(ctx, tx, row); err != nil {
				return err
			}
		}
		return nil
	}, topics...)
}

// PruneTasks deletes cached open tasks with server ids that the latest full
// pull did not return and that have no outbox record. These were completed
// or deleted elsewhere. Returns the ids removed.
func (db *DB) PruneTasks(ctx context.Context, seen map[int64]bool) ([]int64, error) {
	var pruned []int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT t.id FROM tasks t
			WHERE t.id > 0 AND t.done = 0
			  AND NOT EXISTS (
				SELECT 1 FROM pending_actions p
				WHERE p.entity_type = ? AND p.entity_id = t.id
			  )`, string(schema.EntityTask))
		if err != nil {
			return fmt.Errorf("failed to query prune candidates: %w", err)
		}
		var candidates []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan prune candidate: %w", err)
			}
			if !seen[id] {
				candidates = append(candidates, id)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("error iterating prune candidates: %w", err)
		}
		rows.Close()

		for _, id := range candidates {
			if err := deleteTask(ctx, tx, id); err != nil {
				return err
			}
		}
		pruned = candidates
		return nil
	}, TopicTasks)
	return pruned, err
}

func hasQueuedAction(ctx context.Context, q querier, entityType schema.EntityType, id int64, action schema.ActionType) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_actions
		WHERE entity_type = ? AND entity_id = ? AND action_type = ? AND status != ?`,
		string(entityType), id, string(action), string(StatusCompleted)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check queued %s for %s %d: %w", action, entityType, id, err)
	}
	return n > 0, nil
}
