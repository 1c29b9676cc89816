package coordinator

import (
	"context"
	"fmt"

	"github.com/steveyegge/taskcache/internal/remote"
	"github.com/steveyegge/taskcache/internal/schema"
	"github.com/steveyegge/taskcache/internal/store"
)

// upstreamTask is the representation sent to the server: the full snapshot
// without local-only fields. Temporary ids never leave the client.
func upstreamTask(t *schema.Task) *schema.Task {
	u := t.Clone()
	if schema.IsTempID(u.ID) {
		u.ID = 0
	}
	u.SyncState = ""
	return u
}

// CreateTask creates a task from draft. Labels on the draft are ignored;
// attach them afterwards with AddLabel.
//
// The returned task carries the server id on direct success, or a temporary
// (negative) id when the create was queued.
func (c *Coordinator) CreateTask(ctx context.Context, draft *schema.Task) (*schema.Task, error) {
	if draft == nil {
		return nil, fmt.Errorf("task cannot be nil")
	}
	now := c.config.Now()

	tempID, err := c.db.AllocateTempID(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := draft.Clone()
	snapshot.ID = tempID
	snapshot.Labels = []*schema.Label{}
	snapshot.Attachments = nil
	snapshot.CreatedAt = now
	snapshot.UpdatedAt = now
	if snapshot.Done && snapshot.DoneAt == nil {
		snapshot.SetDone(true, now)
	}
	snapshot.SyncState = schema.SyncStatePending
	if err := snapshot.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task: %w", err)
	}

	if err := c.db.UpsertTask(ctx, snapshot); err != nil {
		return nil, err
	}
	c.config.Reminders.ScheduleForEntity(snapshot)

	key := newKey()
	var created *schema.Task
	result, err := c.attempt(ctx, key, func(ctx context.Context) error {
		var err error
		created, err = c.api.CreateTask(ctx, upstreamTask(snapshot))
		return err
	})

	switch result {
	case applied:
		if err := c.db.ReplaceTempTask(ctx, tempID, created); err != nil {
			return nil, fmt.Errorf("failed to store created task: %w", err)
		}
		c.config.Reminders.CancelForEntity(tempID)
		c.config.Reminders.ScheduleForEntity(created)
		return c.db.GetTask(ctx, created.ID)

	case queued:
		c.config.Logger.Printf("Queued create of task %d: %v", tempID, err)
		if _, qerr := c.outbox.EnqueueCreate(ctx, schema.EntityTask, tempID, schema.TaskPayload(snapshot), store.WithIdempotencyKey(key)); qerr != nil {
			return nil, qerr
		}
		c.config.Trigger.EnqueueWhenOnline()
		return snapshot, nil

	default:
		return nil, c.reject(ctx, "create", schema.EntityTask, tempID, err)
	}
}

// UpdateTask overwrites a task's editable fields with those of task. Labels
// and attachments are kept from the cached row.
func (c *Coordinator) UpdateTask(ctx context.Context, task *schema.Task) (*schema.Task, error) {
	if task == nil {
		return nil, fmt.Errorf("task cannot be nil")
	}
	old, err := c.db.GetTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}

	snapshot := task.Clone()
	snapshot.CreatedAt = old.CreatedAt
	snapshot.UpdatedAt = c.config.Now()
	snapshot.Labels = old.Labels
	snapshot.Attachments = old.Attachments
	if snapshot.Done != old.Done {
		snapshot.SetDone(snapshot.Done, snapshot.UpdatedAt)
	}
	if err := snapshot.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task: %w", err)
	}

	return c.writeTask(ctx, "update", schema.ActionUpdate, old, snapshot)
}

// ToggleDone flips a task's completion state.
func (c *Coordinator) ToggleDone(ctx context.Context, id int64) (*schema.Task, error) {
	old, err := c.db.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	snapshot := old.Clone()
	snapshot.UpdatedAt = c.config.Now()
	snapshot.SetDone(!old.Done, snapshot.UpdatedAt)

	return c.writeTask(ctx, "toggle_done", schema.ActionToggleDone, old, snapshot)
}

// writeTask runs the optimistic-write / remote / fallback sequence for a
// full-snapshot task update.
func (c *Coordinator) writeTask(ctx context.Context, op string, action schema.ActionType, old, snapshot *schema.Task) (*schema.Task, error) {
	snapshot.SyncState = schema.SyncStatePending
	if err := c.db.UpsertTask(ctx, snapshot); err != nil {
		return nil, err
	}
	c.notifyReminders(old, snapshot)

	key := newKey()
	payload := schema.TaskPayload(snapshot)

	mustQueue, err := c.mustQueue(ctx, schema.EntityTask, snapshot.ID)
	if err != nil {
		return nil, err
	}
	if mustQueue {
		if err := c.enqueue(ctx, schema.EntityTask, snapshot.ID, action, payload, key); err != nil {
			return nil, err
		}
		return snapshot, nil
	}

	var updated *schema.Task
	result, err := c.attempt(ctx, key, func(ctx context.Context) error {
		var err error
		updated, err = c.api.UpdateTask(ctx, upstreamTask(snapshot))
		return err
	})

	switch result {
	case applied:
		updated.SyncState = schema.SyncStateSynced
		if err := c.db.UpsertTask(ctx, updated); err != nil {
			return nil, fmt.Errorf("failed to store updated task: %w", err)
		}
		c.notifyReminders(snapshot, updated)
		return updated, nil

	case queued:
		c.config.Logger.Printf("Queued %s of task %d: %v", op, snapshot.ID, err)
		if err := c.enqueue(ctx, schema.EntityTask, snapshot.ID, action, payload, key); err != nil {
			return nil, err
		}
		return snapshot, nil

	default:
		return nil, c.reject(ctx, op, schema.EntityTask, snapshot.ID, err)
	}
}

// DeleteTask removes a task. The local row goes first; a rejected delete
// leaves it gone locally with no server-side effect.
func (c *Coordinator) DeleteTask(ctx context.Context, id int64) error {
	old, err := c.db.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if err := c.db.DeleteTask(ctx, id); err != nil {
		return err
	}
	c.config.Reminders.CancelForEntity(id)

	payload := schema.TaskPayload(old)
	key := newKey()

	if schema.IsTempID(id) {
		dropped, err := c.outbox.DropCreate(ctx, schema.EntityTask, id)
		if err != nil {
			return err
		}
		if dropped {
			return nil
		}
		status, ok, err := c.outbox.CreateStatus(ctx, schema.EntityTask, id)
		if err != nil || !ok {
			// Never reached the server: nothing to delete there.
			return err
		}
		c.config.Logger.Printf("Task %d create is %s; queuing delete behind it", id, status)
		if _, err := c.outbox.EnqueueNonCreate(ctx, schema.EntityTask, id, schema.ActionDelete, payload, store.WithIdempotencyKey(key)); err != nil {
			return err
		}
		c.config.Trigger.EnqueueWhenOnline()
		return nil
	}

	mustQueue, err := c.mustQueue(ctx, schema.EntityTask, id)
	if err != nil {
		return err
	}
	if mustQueue {
		return c.enqueue(ctx, schema.EntityTask, id, schema.ActionDelete, payload, key)
	}

	result, err := c.attempt(ctx, key, func(ctx context.Context) error {
		err := c.api.DeleteTask(ctx, id)
		if remote.AlreadyApplied(schema.ActionDelete, err) {
			return nil
		}
		return err
	})

	switch result {
	case applied:
		return nil
	case queued:
		c.config.Logger.Printf("Queued delete of task %d: %v", id, err)
		return c.enqueue(ctx, schema.EntityTask, id, schema.ActionDelete, payload, key)
	default:
		return c.reject(ctx, "delete", schema.EntityTask, id, err)
	}
}

// AddLabel attaches a cached label to a task.
func (c *Coordinator) AddLabel(ctx context.Context, taskID, labelID int64) (*schema.Task, error) {
	return c.associate(ctx, schema.ActionAddLabel, taskID, labelID)
}

// RemoveLabel detaches a label from a task.
func (c *Coordinator) RemoveLabel(ctx context.Context, taskID, labelID int64) (*schema.Task, error) {
	return c.associate(ctx, schema.ActionRemoveLabel, taskID, labelID)
}

func (c *Coordinator) associate(ctx context.Context, action schema.ActionType, taskID, labelID int64) (*schema.Task, error) {
	old, err := c.db.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	snapshot := old.Clone()
	switch action {
	case schema.ActionAddLabel:
		if old.HasLabel(labelID) {
			return old, nil
		}
		label, err := c.db.GetLabel(ctx, labelID)
		if err != nil {
			return nil, err
		}
		snapshot.Labels = append(snapshot.Labels, label)
	case schema.ActionRemoveLabel:
		if !old.HasLabel(labelID) {
			return old, nil
		}
		kept := make([]*schema.Label, 0, len(snapshot.Labels))
		for _, l := range snapshot.Labels {
			if l.ID != labelID {
				kept = append(kept, l)
			}
		}
		snapshot.Labels = kept
	}
	snapshot.SyncState = schema.SyncStatePending
	if err := c.db.UpsertTask(ctx, snapshot); err != nil {
		return nil, err
	}

	key := newKey()
	payload := schema.AssociationPayload(snapshot, labelID)

	mustQueue, err := c.mustQueue(ctx, schema.EntityTask, taskID)
	if err != nil {
		return nil, err
	}
	if mustQueue || schema.IsTempID(labelID) {
		if err := c.enqueue(ctx, schema.EntityTask, taskID, action, payload, key); err != nil {
			return nil, err
		}
		return snapshot, nil
	}

	result, err := c.attempt(ctx, key, func(ctx context.Context) error {
		var err error
		if action == schema.ActionAddLabel {
			err = c.api.AddLabelToTask(ctx, taskID, labelID)
		} else {
			err = c.api.RemoveLabelFromTask(ctx, taskID, labelID)
		}
		if remote.AlreadyApplied(action, err) {
			return nil
		}
		return err
	})

	switch result {
	case applied:
		if err := c.db.MarkTaskState(ctx, taskID, schema.SyncStateSynced); err != nil {
			return nil, err
		}
		snapshot.SyncState = schema.SyncStateSynced
		return snapshot, nil
	case queued:
		c.config.Logger.Printf("Queued %s on task %d: %v", action, taskID, err)
		if err := c.enqueue(ctx, schema.EntityTask, taskID, action, payload, key); err != nil {
			return nil, err
		}
		return snapshot, nil
	default:
		return nil, c.reject(ctx, string(action), schema.EntityTask, taskID, err)
	}
}

// notifyReminders re-arms or cancels the reminder when a change touches
// due date, completion or title.
func (c *Coordinator) notifyReminders(old, updated *schema.Task) {
	if !updated.ReminderRelevantChange(old) {
		return
	}
	if updated.Done || updated.DueAt == nil {
		c.config.Reminders.CancelForEntity(updated.ID)
		return
	}
	c.config.Reminders.ScheduleForEntity(updated)
}
