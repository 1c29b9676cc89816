package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/steveyegge/taskcache/internal/schema"
)

const taskColumns = `t.id, t.project_id, t.title, t.description, t.done, t.done_at,
	       t.due_at, t.priority, t.created_at, t.updated_at, t.sync_state`

// TaskFilter configures the ListTasks query.
type TaskFilter struct {
	// IncludeDone includes completed tasks
	IncludeDone bool
	// ProjectID filters by project (0 = all projects)
	ProjectID int64
	// LabelID filters to tasks carrying a label (0 = any)
	LabelID int64
	// SyncState filters by local sync state (empty = all)
	SyncState schema.SyncState
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// GetTask retrieves a single task with its labels and attachments.
// Returns ErrNotFound if the task is not cached.
func (db *DB) GetTask(ctx context.Context, id int64) (*schema.Task, error) {
	return getTask(ctx, db.conn, id)
}

func getTask(ctx context.Context, q querier, id int64) (*schema.Task, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query task %d: %w", id, err)
	}
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err := loadTaskRelations(ctx, q, tasks); err != nil {
		return nil, err
	}
	return tasks[0], nil
}

// ListTasks retrieves tasks matching the given filter.
// Open tasks come first, then by due date (undated last), then by id.
func (db *DB) ListTasks(ctx context.Context, filter TaskFilter) ([]*schema.Task, error) {
	var conditions []string
	var args []any

	if !filter.IncludeDone {
		conditions = append(conditions, "t.done = 0")
	}
	if filter.ProjectID != 0 {
		conditions = append(conditions, "t.project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.LabelID != 0 {
		conditions = append(conditions, "t.id IN (SELECT task_id FROM task_labels WHERE label_id = ?)")
		args = append(args, filter.LabelID)
	}
	if filter.SyncState != "" {
		conditions = append(conditions, "t.sync_state = ?")
		args = append(args, string(filter.SyncState))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks t`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY t.done ASC, t.due_at IS NULL, t.due_at ASC, t.id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if err := loadTaskRelations(ctx, db.conn, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// WatchTasks emits the filtered task list now and after every task change.
func (db *DB) WatchTasks(ctx context.Context, filter TaskFilter) <-chan []*schema.Task {
	return watch(ctx, db, []Topic{TopicTasks, TopicLabels}, func(ctx context.Context) ([]*schema.Task, error) {
		return db.ListTasks(ctx, filter)
	})
}

// CountTasks returns the number of cached tasks.
func (db *DB) CountTasks(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return count, nil
}

// UpsertTask inserts or overwrites a task row together with its label
// associations and attachments. The row's sync state is taken from the task
// (empty means synced).
func (db *DB) UpsertTask(ctx context.Context, task *schema.Task) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return upsertTask(ctx, tx, task)
	}, TopicTasks)
}

// DeleteTask removes a task from the cache. Label associations and
// attachments cascade. Returns nil if the task doesn't exist (idempotent).
func (db *DB) DeleteTask(ctx context.Context, id int64) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return deleteTask(ctx, tx, id)
	}, TopicTasks)
}

// MarkTaskState updates only the local sync flag of a task.
func (db *DB) MarkTaskState(ctx context.Context, id int64, state schema.SyncState) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET sync_state = ? WHERE id = ?`, string(state), id)
		if err != nil {
			return fmt.Errorf("failed to set sync state of task %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("task %d: %w", id, ErrNotFound)
		}
		return nil
	}, TopicTasks)
}

func upsertTask(ctx context.Context, q querier, task *schema.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	state := task.SyncState
	if state == "" {
		state = schema.SyncStateSynced
	}

	query := `
	INSERT INTO tasks (
		id, project_id, title, description, done, done_at, due_at,
		priority, created_at, updated_at, sync_state
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		project_id = excluded.project_id,
		title = excluded.title,
		description = excluded.description,
		done = excluded.done,
		done_at = excluded.done_at,
		due_at = excluded.due_at,
		priority = excluded.priority,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		sync_state = excluded.sync_state
	`
	_, err := q.ExecContext(ctx, query,
		task.ID,
		task.ProjectID,
		task.Title,
		task.Description,
		boolToInt(task.Done),
		timeToNullString(task.DoneAt),
		timeToNullString(task.DueAt),
		task.Priority,
		formatTime(task.CreatedAt),
		formatTime(task.UpdatedAt),
		string(state),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert task %d: %w", task.ID, err)
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM task_labels WHERE task_id = ?`, task.ID); err != nil {
		return fmt.Errorf("failed to clear labels of task %d: %w", task.ID, err)
	}
	for _, l := range task.Labels {
		// Embedded label copies only guarantee the row exists; the label's
		// own canonical state comes from label writes and the refresh.
		if err := ensureLabel(ctx, q, l); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO task_labels (task_id, label_id) VALUES (?, ?)`,
			task.ID, l.ID); err != nil {
			return fmt.Errorf("failed to attach label %d to task %d: %w", l.ID, task.ID, err)
		}
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM attachments WHERE task_id = ?`, task.ID); err != nil {
		return fmt.Errorf("failed to clear attachments of task %d: %w", task.ID, err)
	}
	for _, a := range task.Attachments {
		_, err := q.ExecContext(ctx, `
			INSERT INTO attachments (id, task_id, file_name, size, mime_type, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				task_id = excluded.task_id,
				file_name = excluded.file_name,
				size = excluded.size,
				mime_type = excluded.mime_type,
				created_at = excluded.created_at`,
			a.ID, task.ID, a.FileName, a.Size, a.MimeType, formatTime(a.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to upsert attachment %d: %w", a.ID, err)
		}
	}

	return nil
}

func deleteTask(ctx context.Context, q querier, id int64) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete task %d: %w", id, err)
	}
	return nil
}

// scanTasks scans task rows (without relations) and closes rows.
func scanTasks(rows *sql.Rows) ([]*schema.Task, error) {
	defer rows.Close()

	var tasks []*schema.Task
	for rows.Next() {
		var task schema.Task
		var done int
		var doneAt, dueAt sql.NullString
		var createdAt, updatedAt, state string

		err := rows.Scan(
			&task.ID,
			&task.ProjectID,
			&task.Title,
			&task.Description,
			&done,
			&doneAt,
			&dueAt,
			&task.Priority,
			&createdAt,
			&updatedAt,
			&state,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		task.Done = done != 0
		task.DoneAt = nullStringToTime(doneAt)
		task.DueAt = nullStringToTime(dueAt)
		task.CreatedAt = parseTime(createdAt)
		task.UpdatedAt = parseTime(updatedAt)
		task.SyncState = schema.SyncState(state)
		task.Labels = []*schema.Label{}

		tasks = append(tasks, &task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

// loadTaskRelations fills Labels and Attachments for the given tasks.
func loadTaskRelations(ctx context.Context, q querier, tasks []*schema.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	byID := make(map[int64]*schema.Task, len(tasks))
	placeholders := make([]string, 0, len(tasks))
	args := make([]any, 0, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		placeholders = append(placeholders, "?")
		args = append(args, t.ID)
	}
	in := strings.Join(placeholders, ",")

	rows, err := q.QueryContext(ctx, `
		SELECT tl.task_id, l.id, l.title, l.hex_color, l.created_at, l.updated_at, l.sync_state
		FROM task_labels tl
		JOIN labels l ON l.id = tl.label_id
		WHERE tl.task_id IN (`+in+`)
		ORDER BY l.title ASC, l.id ASC`, args...)
	if err != nil {
		return fmt.Errorf("failed to query task labels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var taskID int64
		var l schema.Label
		var createdAt, updatedAt, state string
		if err := rows.Scan(&taskID, &l.ID, &l.Title, &l.HexColor, &createdAt, &updatedAt, &state); err != nil {
			return fmt.Errorf("failed to scan task label: %w", err)
		}
		l.CreatedAt = parseTime(createdAt)
		l.UpdatedAt = parseTime(updatedAt)
		l.SyncState = schema.SyncState(state)
		if t := byID[taskID]; t != nil {
			t.Labels = append(t.Labels, &l)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating task labels: %w", err)
	}

	arows, err := q.QueryContext(ctx, `
		SELECT id, task_id, file_name, size, mime_type, created_at
		FROM attachments
		WHERE task_id IN (`+in+`)
		ORDER BY id ASC`, args...)
	if err != nil {
		return fmt.Errorf("failed to query attachments: %w", err)
	}
	defer arows.Close()
	for arows.Next() {
		var a schema.Attachment
		var createdAt string
		if err := arows.Scan(&a.ID, &a.TaskID, &a.FileName, &a.Size, &a.MimeType, &createdAt); err != nil {
			return fmt.Errorf("failed to scan attachment: %w", err)
		}
		a.CreatedAt = parseTime(createdAt)
		if t := byID[a.TaskID]; t != nil {
			t.Attachments = append(t.Attachments, &a)
		}
	}
	if err := arows.Err(); err != nil {
		return fmt.Errorf("error iterating attachments: %w", err)
	}

	return nil
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
