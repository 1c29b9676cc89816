package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/taskcache/internal/schema"
)

// Status is the lifecycle state of an outbox record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// PendingAction is one queued mutation awaiting replay against the server.
type PendingAction struct {
	ID         int64
	EntityType schema.EntityType
	EntityID   int64
	ActionType schema.ActionType
	Payload    []byte
	Status     Status
	RetryCount int
	// IdempotencyKey stays the same across every retry of this record.
	IdempotencyKey string
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Decode parses the record's payload envelope.
func (a *PendingAction) Decode() (*schema.Payload, error) {
	return schema.DecodePayload(a.Payload)
}

// Counts is the pair of numbers the UI banner shows.
type Counts struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

// Outbox is the durable queue of pending mutations. It shares the cache
// database so that an optimistic write and its record commit together.
//
// Addressing: at most one non-create record per (entity_type, entity_id)
// that is not already being processed; create records are never coalesced.
type Outbox struct {
	db *DB
}

// EnqueueOption adjusts a record before it is inserted.
type EnqueueOption func(*PendingAction)

// WithIdempotencyKey reuses a key already sent with a direct attempt of the
// same mutation, so a request that reached the server before failing is not
// applied twice.
func WithIdempotencyKey(key string) EnqueueOption {
	return func(a *PendingAction) {
		if key != "" {
			a.IdempotencyKey = key
		}
	}
}

const actionColumns = `id, entity_type, entity_id, action_type, payload, status,
	retry_count, idempotency_key, last_error, created_at, updated_at`

// EnqueueCreate always inserts a new pending create record for tempID.
func (o *Outbox) EnqueueCreate(ctx context.Context, entityType schema.EntityType, tempID int64, payload *schema.Payload, opts ...EnqueueOption) (*PendingAction, error) {
	var action *PendingAction
	err := o.db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		action, err = o.enqueueCreate(ctx, tx, entityType, tempID, payload, opts...)
		return err
	}, TopicOutbox)
	return action, err
}

func (o *Outbox) enqueueCreate(ctx context.Context, q querier, entityType schema.EntityType, tempID int64, payload *schema.Payload, opts ...EnqueueOption) (*PendingAction, error) {
	if !schema.IsTempID(tempID) {
		return nil, fmt.Errorf("create must be keyed by a temporary id (got %d)", tempID)
	}
	return o.insert(ctx, q, entityType, tempID, schema.ActionCreate, payload, opts...)
}

// EnqueueNonCreate queues an update, delete, toggle or label association,
// replacing any record already queued for the same entity.
//
// A record the worker has already claimed (processing) is left alone and the
// new record is inserted next to it; the worker finishes the stale one and
// then replays the new one.
func (o *Outbox) EnqueueNonCreate(ctx context.Context, entityType schema.EntityType, entityID int64, actionType schema.ActionType, payload *schema.Payload, opts ...EnqueueOption) (*PendingAction, error) {
	var action *PendingAction
	err := o.db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		action, err = o.enqueueNonCreate(ctx, tx, entityType, entityID, actionType, payload, opts...)
		return err
	}, TopicOutbox)
	return action, err
}

func (o *Outbox) enqueueNonCreate(ctx context.Context, q querier, entityType schema.EntityType, entityID int64, actionType schema.ActionType, payload *schema.Payload, opts ...EnqueueOption) (*PendingAction, error) {
	if actionType == schema.ActionCreate {
		return nil, fmt.Errorf("create actions must use EnqueueCreate")
	}
	_, err := q.ExecContext(ctx, `
		DELETE FROM pending_actions
		WHERE entity_type = ? AND entity_id = ?
		  AND action_type != ? AND status != ?`,
		string(entityType), entityID, string(schema.ActionCreate), string(StatusProcessing))
	if err != nil {
		return nil, fmt.Errorf("failed to coalesce records for %s %d: %w", entityType, entityID, err)
	}
	return o.insert(ctx, q, entityType, entityID, actionType, payload, opts...)
}

func (o *Outbox) insert(ctx context.Context, q querier, entityType schema.EntityType, entityID int64, actionType schema.ActionType, payload *schema.Payload, opts ...EnqueueOption) (*PendingAction, error) {
	if !entityType.IsValid() {
		return nil, fmt.Errorf("invalid entity type %q", entityType)
	}
	if !actionType.IsValid() {
		return nil, fmt.Errorf("invalid action type %q", actionType)
	}
	data, err := payload.Encode()
	if err != nil {
		return nil, err
	}

	now := o.db.now()
	action := &PendingAction{
		EntityType:     entityType,
		EntityID:       entityID,
		ActionType:     actionType,
		Payload:        data,
		Status:         StatusPending,
		IdempotencyKey: uuid.NewString(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, opt := range opts {
		opt(action)
	}

	err = q.QueryRowContext(ctx, `
		INSERT INTO pending_actions (
			entity_type, entity_id, action_type, payload, status,
			retry_count, idempotency_key, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 0, ?, '', ?, ?)
		RETURNING id`,
		string(entityType), entityID, string(actionType), data, string(StatusPending),
		action.IdempotencyKey, now.UnixNano(), now.UnixNano()).Scan(&action.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert %s record for %s %d: %w", actionType, entityType, entityID, err)
	}
	return action, nil
}

// FoldIntoCreate replaces the payload of the not-yet-sent create for tempID,
// so edits to an entity the server has never seen ride along with its
// creation. Returns false if no such create is waiting (it may already be in
// flight), in which case the caller queues a regular record.
func (o *Outbox) FoldIntoCreate(ctx context.Context, entityType schema.EntityType, tempID int64, payload *schema.Payload) (bool, error) {
	var folded bool
	err := o.db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		folded, err = o.foldIntoCreate(ctx, tx, entityType, tempID, payload)
		return err
	}, TopicOutbox)
	return folded, err
}

func (o *Outbox) foldIntoCreate(ctx context.Context, q querier, entityType schema.EntityType, tempID int64, payload *schema.Payload) (bool, error) {
	data, err := payload.Encode()
	if err != nil {
		return false, err
	}
	res, err := q.ExecContext(ctx, `
		UPDATE pending_actions
		SET payload = ?, updated_at = ?
		WHERE entity_type = ? AND entity_id = ? AND action_type = ? AND status IN (?, ?)`,
		data, o.db.now().UnixNano(),
		string(entityType), tempID, string(schema.ActionCreate),
		string(StatusPending), string(StatusFailed))
	if err != nil {
		return false, fmt.Errorf("failed to fold into create for %s %d: %w", entityType, tempID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DropCreate cancels the not-yet-sent create for tempID together with any
// other idle records for that entity. Returns false if the create is already
// in flight or gone.
func (o *Outbox) DropCreate(ctx context.Context, entityType schema.EntityType, tempID int64) (bool, error) {
	var dropped bool
	err := o.db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		dropped, err = o.dropCreate(ctx, tx, entityType, tempID)
		return err
	}, TopicOutbox)
	return dropped, err
}

func (o *Outbox) dropCreate(ctx context.Context, q querier, entityType schema.EntityType, tempID int64) (bool, error) {
	res, err := q.ExecContext(ctx, `
		DELETE FROM pending_actions
		WHERE entity_type = ? AND entity_id = ? AND action_type = ? AND status IN (?, ?)`,
		string(entityType), tempID, string(schema.ActionCreate),
		string(StatusPending), string(StatusFailed))
	if err != nil {
		return false, fmt.Errorf("failed to drop create for %s %d: %w", entityType, tempID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	_, err = q.ExecContext(ctx, `
		DELETE FROM pending_actions
		WHERE entity_type = ? AND entity_id = ? AND status != ?`,
		string(entityType), tempID, string(StatusProcessing))
	if err != nil {
		return false, fmt.Errorf("failed to drop records for %s %d: %w", entityType, tempID, err)
	}
	return true, nil
}

// ListRetryable returns pending records, oldest first.
func (o *Outbox) ListRetryable(ctx context.Context) ([]*PendingAction, error) {
	return o.List(ctx, StatusPending)
}

// List returns records in the given statuses (all when none given), oldest first.
func (o *Outbox) List(ctx context.Context, statuses ...Status) ([]*PendingAction, error) {
	query := `SELECT ` + actionColumns + ` FROM pending_actions`
	var args []any
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, s := range statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := o.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	defer rows.Close()

	var actions []*PendingAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox: %w", err)
	}
	return actions, nil
}

// Get returns a single record. Returns ErrNotFound if it no longer exists.
func (o *Outbox) Get(ctx context.Context, id int64) (*PendingAction, error) {
	row := o.db.conn.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM pending_actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("outbox record %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Claim moves a pending record to processing and returns its current
// contents. Returns ErrNotFound if the record was coalesced away, dropped,
// or is no longer pending.
func (o *Outbox) Claim(ctx context.Context, id int64) (*PendingAction, error) {
	var action *PendingAction
	err := o.db.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE pending_actions SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?
			RETURNING `+actionColumns,
			string(StatusProcessing), o.db.now().UnixNano(), id, string(StatusPending))
		a, err := scanAction(row)
		if err == sql.ErrNoRows {
			return fmt.Errorf("outbox record %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		action = a
		return nil
	}, TopicOutbox)
	return action, err
}

// UpdateStatus transitions a record. retryCount < 0 leaves the counter
// unchanged; the counter never decreases. An empty lastError keeps the
// previous one.
func (o *Outbox) UpdateStatus(ctx context.Context, id int64, status Status, retryCount int, lastError string) error {
	return o.db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pending_actions SET
				status = ?,
				retry_count = MAX(retry_count, ?),
				last_error = CASE WHEN ? = '' THEN last_error ELSE ? END,
				updated_at = ?
			WHERE id = ?`,
			string(status), retryCount, lastError, lastError, o.db.now().UnixNano(), id)
		if err != nil {
			return fmt.Errorf("failed to update outbox record %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("outbox record %d: %w", id, ErrNotFound)
		}
		return nil
	}, TopicOutbox)
}

// DeleteCompleted garbage-collects acknowledged records.
func (o *Outbox) DeleteCompleted(ctx context.Context) (int, error) {
	return o.deleteByStatus(ctx, StatusCompleted)
}

// DeleteFailed drops terminal records without retrying them. Local effects of
// those mutations are left in place.
func (o *Outbox) DeleteFailed(ctx context.Context) (int, error) {
	return o.deleteByStatus(ctx, StatusFailed)
}

func (o *Outbox) deleteByStatus(ctx context.Context, status Status) (int, error) {
	var n int64
	err := o.db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM pending_actions WHERE status = ?`, string(status))
		if err != nil {
			return fmt.Errorf("failed to delete %s records: %w", status, err)
		}
		n, _ = res.RowsAffected()
		return nil
	}, TopicOutbox)
	return int(n), err
}

// ResetAllFailedToPending makes every failed record eligible for the next
// drain. Retry counts are kept.
func (o *Outbox) ResetAllFailedToPending(ctx context.Context) (int, error) {
	return o.moveStatus(ctx, StatusFailed, StatusPending)
}

// RequeueProcessing returns records left processing by an interrupted run to
// pending. Only call it while holding the worker lease.
func (o *Outbox) RequeueProcessing(ctx context.Context) (int, error) {
	return o.moveStatus(ctx, StatusProcessing, StatusPending)
}

func (o *Outbox) moveStatus(ctx context.Context, from, to Status) (int, error) {
	var n int64
	err := o.db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE pending_actions SET status = ?, updated_at = ? WHERE status = ?`,
			string(to), o.db.now().UnixNano(), string(from))
		if err != nil {
			return fmt.Errorf("failed to move %s records to %s: %w", from, to, err)
		}
		n, _ = res.RowsAffected()
		return nil
	}, TopicOutbox)
	return int(n), err
}

// CreateStatus reports the status of the create record for tempID, and false
// when there is none.
func (o *Outbox) CreateStatus(ctx context.Context, entityType schema.EntityType, tempID int64) (Status, bool, error) {
	var status string
	err := o.db.conn.QueryRowContext(ctx, `
		SELECT status FROM pending_actions
		WHERE entity_type = ? AND entity_id = ? AND action_type = ?
		ORDER BY id DESC LIMIT 1`,
		string(entityType), tempID, string(schema.ActionCreate)).Scan(&status)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up create for %s %d: %w", entityType, tempID, err)
	}
	return Status(status), true, nil
}

// HasRecords reports whether any unacknowledged record (pending, processing
// or failed) addresses the entity. A direct write must not overtake those.
func (o *Outbox) HasRecords(ctx context.Context, entityType schema.EntityType, entityID int64) (bool, error) {
	var n int
	err := o.db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_actions
		WHERE entity_type = ? AND entity_id = ? AND status != ?`,
		string(entityType), entityID, string(StatusCompleted)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check outbox for %s %d: %w", entityType, entityID, err)
	}
	return n > 0, nil
}

// HasPendingRecord reports whether a record waiting to be replayed addresses
// the entity. The record being processed does not count.
func (o *Outbox) HasPendingRecord(ctx context.Context, entityType schema.EntityType, entityID int64) (bool, error) {
	return hasQueuedRecord(ctx, o.db.conn, entityType, entityID, 0)
}

// PendingCount counts records not yet acknowledged, including the one being
// processed.
func (o *Outbox) PendingCount(ctx context.Context) (int, error) {
	c, err := o.Counts(ctx)
	return c.Pending, err
}

// FailedCount counts terminal records.
func (o *Outbox) FailedCount(ctx context.Context) (int, error) {
	c, err := o.Counts(ctx)
	return c.Failed, err
}

// Counts returns pending and failed counts in one query.
func (o *Outbox) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := o.db.conn.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status IN (?, ?) THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM pending_actions`,
		string(StatusPending), string(StatusProcessing), string(StatusFailed)).Scan(&c.Pending, &c.Failed)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count outbox: %w", err)
	}
	return c, nil
}

// WatchCounts emits the counts now and after every outbox change.
func (o *Outbox) WatchCounts(ctx context.Context) <-chan Counts {
	return watch(ctx, o.db, []Topic{TopicOutbox}, o.Counts)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*PendingAction, error) {
	var a PendingAction
	var entityType, actionType, status string
	var createdAt, updatedAt int64
	err := row.Scan(
		&a.ID,
		&entityType,
		&a.EntityID,
		&actionType,
		&a.Payload,
		&status,
		&a.RetryCount,
		&a.IdempotencyKey,
		&a.LastError,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox record: %w", err)
	}
	a.EntityType = schema.EntityType(entityType)
	a.ActionType = schema.ActionType(actionType)
	a.Status = Status(status)
	a.CreatedAt = time.Unix(0, createdAt)
	a.UpdatedAt = time.Unix(0, updatedAt)
	return &a, nil
}
