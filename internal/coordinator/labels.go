package coordinator

import (
	"context"
	"fmt"

	"github.com/steveyegge/taskcache/internal/remote"
	"github.com/steveyegge/taskcache/internal/schema"
	"github.com/steveyegge/taskcache/internal/store"
)

func upstreamLabel(l *schema.Label) *schema.Label {
	u := *l
	if schema.IsTempID(u.ID) {
		u.ID = 0
	}
	u.SyncState = ""
	return &u
}

// CreateLabel creates a label. Like CreateTask it returns a temporary id
// when the create was queued.
func (c *Coordinator) CreateLabel(ctx context.Context, draft *schema.Label) (*schema.Label, error) {
	if draft == nil {
		return nil, fmt.Errorf("label cannot be nil")
	}
	now := c.config.Now()

	tempID, err := c.db.AllocateTempID(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := *draft
	snapshot.ID = tempID
	snapshot.CreatedAt = now
	snapshot.UpdatedAt = now
	snapshot.SyncState = schema.SyncStatePending
	if err := snapshot.Validate(); err != nil {
		return nil, fmt.Errorf("invalid label: %w", err)
	}
	if err := c.db.UpsertLabel(ctx, &snapshot); err != nil {
		return nil, err
	}

	key := newKey()
	var created *schema.Label
	result, err := c.attempt(ctx, key, func(ctx context.Context) error {
		var err error
		created, err = c.api.CreateLabel(ctx, upstreamLabel(&snapshot))
		return err
	})

	switch result {
	case applied:
		if err := c.db.ReplaceTempLabel(ctx, tempID, created); err != nil {
			return nil, fmt.Errorf("failed to store created label: %w", err)
		}
		return c.db.GetLabel(ctx, created.ID)
	case queued:
		c.config.Logger.Printf("Queued create of label %d: %v", tempID, err)
		if _, qerr := c.outbox.EnqueueCreate(ctx, schema.EntityLabel, tempID, schema.LabelPayload(&snapshot), store.WithIdempotencyKey(key)); qerr != nil {
			return nil, qerr
		}
		c.config.Trigger.EnqueueWhenOnline()
		return &snapshot, nil
	default:
		return nil, c.reject(ctx, "create", schema.EntityLabel, tempID, err)
	}
}

// UpdateLabel overwrites a label's title and colour.
func (c *Coordinator) UpdateLabel(ctx context.Context, label *schema.Label) (*schema.Label, error) {
	if label == nil {
		return nil, fmt.Errorf("label cannot be nil")
	}
	old, err := c.db.GetLabel(ctx, label.ID)
	if err != nil {
		return nil, err
	}
	snapshot := *label
	snapshot.CreatedAt = old.CreatedAt
	snapshot.UpdatedAt = c.config.Now()
	snapshot.SyncState = schema.SyncStatePending
	if err := snapshot.Validate(); err != nil {
		return nil, fmt.Errorf("invalid label: %w", err)
	}
	if err := c.db.UpsertLabel(ctx, &snapshot); err != nil {
		return nil, err
	}

	key := newKey()
	payload := schema.LabelPayload(&snapshot)

	mustQueue, err := c.mustQueue(ctx, schema.EntityLabel, snapshot.ID)
	if err != nil {
		return nil, err
	}
	if mustQueue {
		if err := c.enqueue(ctx, schema.EntityLabel, snapshot.ID, schema.ActionUpdate, payload, key); err != nil {
			return nil, err
		}
		return &snapshot, nil
	}

	var updated *schema.Label
	result, err := c.attempt(ctx, key, func(ctx context.Context) error {
		var err error
		updated, err = c.api.UpdateLabel(ctx, upstreamLabel(&snapshot))
		return err
	})

	switch result {
	case applied:
		updated.SyncState = schema.SyncStateSynced
		if err := c.db.UpsertLabel(ctx, updated); err != nil {
			return nil, fmt.Errorf("failed to store updated label: %w", err)
		}
		return updated, nil
	case queued:
		c.config.Logger.Printf("Queued update of label %d: %v", snapshot.ID, err)
		if err := c.enqueue(ctx, schema.EntityLabel, snapshot.ID, schema.ActionUpdate, payload, key); err != nil {
			return nil, err
		}
		return &snapshot, nil
	default:
		return nil, c.reject(ctx, "update", schema.EntityLabel, snapshot.ID, err)
	}
}

// DeleteLabel removes a label and its task associations.
func (c *Coordinator) DeleteLabel(ctx context.Context, id int64) error {
	old, err := c.db.GetLabel(ctx, id)
	if err != nil {
		return err
	}
	if err := c.db.DeleteLabel(ctx, id); err != nil {
		return err
	}

	payload := schema.LabelPayload(old)
	key := newKey()

	if schema.IsTempID(id) {
		dropped, err := c.outbox.DropCreate(ctx, schema.EntityLabel, id)
		if err != nil || dropped {
			return err
		}
		_, ok, err := c.outbox.CreateStatus(ctx, schema.EntityLabel, id)
		if err != nil || !ok {
			return err
		}
		if _, err := c.outbox.EnqueueNonCreate(ctx, schema.EntityLabel, id, schema.ActionDelete, payload, store.WithIdempotencyKey(key)); err != nil {
			return err
		}
		c.config.Trigger.EnqueueWhenOnline()
		return nil
	}

	mustQueue, err := c.mustQueue(ctx, schema.EntityLabel, id)
	if err != nil {
		return err
	}
	if mustQueue {
		return c.enqueue(ctx, schema.EntityLabel, id, schema.ActionDelete, payload, key)
	}

	result, err := c.attempt(ctx, key, func(ctx context.Context) error {
		err := c.api.DeleteLabel(ctx, id)
		if remote.AlreadyApplied(schema.ActionDelete, err) {
			return nil
		}
		return err
	})

	switch result {
	case applied:
		return nil
	case queued:
		c.config.Logger.Printf("Queued delete of label %d: %v", id, err)
		return c.enqueue(ctx, schema.EntityLabel, id, schema.ActionDelete, payload, key)
	default:
		return c.reject(ctx, "delete", schema.EntityLabel, id, err)
	}
}
