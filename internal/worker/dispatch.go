package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/steveyegge/taskcache/internal/remote"
	"github.com/steveyegge/taskcache/internal/schema"
	"github.com/steveyegge/taskcache/internal/store"
)

var (
	// errDeferred: the record addresses a temporary id whose create has not
	// been replayed yet. It stays pending.
	errDeferred = errors.New("waiting for create")

	// errOrphaned: the record addresses a temporary id whose create failed
	// or was cleared. It can never succeed.
	errOrphaned = errors.New("create of referenced entity failed")
)

func (w *Worker) dispatch(ctx context.Context, a *store.PendingAction) error {
	payload, err := a.Decode()
	if err != nil {
		return err
	}
	ctx = remote.WithIdempotencyKey(ctx, a.IdempotencyKey)

	switch a.EntityType {
	case schema.EntityTask:
		if payload.Task == nil {
			return fmt.Errorf("record %d has no task payload", a.ID)
		}
		switch a.ActionType {
		case schema.ActionCreate:
			return w.createTask(ctx, a, payload.Task)
		case schema.ActionUpdate, schema.ActionToggleDone:
			return w.updateTask(ctx, a, payload.Task)
		case schema.ActionDelete:
			return w.deleteTask(ctx, a)
		case schema.ActionAddLabel, schema.ActionRemoveLabel:
			return w.associate(ctx, a, payload.Task, payload.LabelID)
		}
	case schema.EntityLabel:
		if payload.Label == nil {
			return fmt.Errorf("record %d has no label payload", a.ID)
		}
		switch a.ActionType {
		case schema.ActionCreate:
			return w.createLabel(ctx, a, payload.Label)
		case schema.ActionUpdate:
			return w.updateLabel(ctx, a, payload.Label)
		case schema.ActionDelete:
			return w.deleteLabel(ctx, a)
		}
	}
	return fmt.Errorf("unsupported record: %s %s", a.ActionType, a.EntityType)
}

// resolve maps an id to its server id. Unreconciled temporary ids yield
// errDeferred while their create is still queued and errOrphaned otherwise.
func (w *Worker) resolve(ctx context.Context, entityType schema.EntityType, id int64) (int64, error) {
	serverID, ok, err := w.db.ResolveID(ctx, entityType, id)
	if err != nil {
		return 0, err
	}
	if ok {
		return serverID, nil
	}
	status, exists, err := w.outbox.CreateStatus(ctx, entityType, id)
	if err != nil {
		return 0, err
	}
	if !exists || status == store.StatusFailed {
		return 0, fmt.Errorf("%s %d: %w", entityType, id, errOrphaned)
	}
	return 0, fmt.Errorf("%s %d: %w", entityType, id, errDeferred)
}

func (w *Worker) createTask(ctx context.Context, a *store.PendingAction, snapshot *schema.Task) error {
	upstream := snapshot.Clone()
	upstream.ID = 0
	upstream.SyncState = ""

	created, err := w.api.CreateTask(ctx, upstream)
	if err != nil {
		return err
	}

	w.setState(StateReconciling)
	defer w.setState(StateDraining)

	plan, err := w.planLabels(ctx, snapshot.Labels)
	if err != nil {
		return err
	}
	canonical := created.Clone()
	canonical.Labels = plan.local
	if err := w.db.ReplaceTempTask(ctx, a.EntityID, canonical); err != nil {
		return fmt.Errorf("failed to reconcile task %d -> %d: %w", a.EntityID, created.ID, err)
	}
	w.config.Logger.Printf("Created task %d (was %d): %s", created.ID, a.EntityID, created.Title)

	w.config.Reminders.CancelForEntity(a.EntityID)
	w.config.Reminders.ScheduleForEntity(canonical)

	// The create is done whatever happens to the labels; a label failure
	// becomes a follow-up update carrying the full snapshot.
	if err := w.applyLabels(ctx, created.ID, created.Labels, plan.wanted); err != nil || !plan.complete {
		w.followUp(ctx, canonical, err)
	}
	return nil
}

func (w *Worker) updateTask(ctx context.Context, a *store.PendingAction, snapshot *schema.Task) error {
	id, err := w.resolve(ctx, schema.EntityTask, a.EntityID)
	if err != nil {
		return err
	}
	upstream := snapshot.Clone()
	upstream.ID = id
	upstream.SyncState = ""

	updated, err := w.api.UpdateTask(ctx, upstream)
	if err != nil {
		return err
	}

	plan, err := w.planLabels(ctx, snapshot.Labels)
	if err != nil {
		return err
	}
	canonical := updated.Clone()
	canonical.Labels = plan.local

	labelErr := w.applyLabels(ctx, id, updated.Labels, plan.wanted)
	if labelErr != nil || !plan.complete {
		w.followUp(ctx, canonical, labelErr)
	}

	applied, err := w.db.ApplyCanonicalTask(ctx, canonical, a.ID)
	if err != nil {
		return fmt.Errorf("failed to store task %d: %w", id, err)
	}
	if applied {
		w.notifyReminders(canonical)
	}
	return nil
}

func (w *Worker) deleteTask(ctx context.Context, a *store.PendingAction) error {
	id, err := w.resolve(ctx, schema.EntityTask, a.EntityID)
	if err != nil {
		return err
	}
	err = w.api.DeleteTask(ctx, id)
	if err != nil && !remote.AlreadyApplied(schema.ActionDelete, err) {
		return err
	}
	if err := w.db.DeleteTask(ctx, id); err != nil && !store.IsNotFound(err) {
		return err
	}
	w.config.Reminders.CancelForEntity(id)
	w.config.Logger.Printf("Deleted task %d", id)
	return nil
}

// associate replays an add_label or remove_label record. Coalescing may
// have folded an earlier edit of the task into it, so the record goes out
// as a full snapshot update followed by a label diff, never as the bare
// association call.
func (w *Worker) associate(ctx context.Context, a *store.PendingAction, snapshot *schema.Task, labelID int64) error {
	if _, err := w.resolve(ctx, schema.EntityTask, a.EntityID); err != nil {
		return err
	}
	_, labelErr := w.resolve(ctx, schema.EntityLabel, labelID)
	switch {
	case labelErr == nil:
	case a.ActionType == schema.ActionRemoveLabel && (errors.Is(labelErr, errOrphaned) || errors.Is(labelErr, errDeferred)):
		// The label never reached the server, so neither did the
		// association; only the task itself needs sending.
		labelErr = nil
	case errors.Is(labelErr, errDeferred):
		return labelErr
	case !errors.Is(labelErr, errOrphaned):
		return labelErr
	}

	if err := w.updateTask(ctx, a, snapshot); err != nil {
		return err
	}
	// An attach to a label whose create failed stays visible as failed,
	// after the rest of the snapshot has been delivered.
	return labelErr
}

func (w *Worker) createLabel(ctx context.Context, a *store.PendingAction, snapshot *schema.Label) error {
	upstream := *snapshot
	upstream.ID = 0
	upstream.SyncState = ""

	created, err := w.api.CreateLabel(ctx, &upstream)
	if err != nil {
		return err
	}

	w.setState(StateReconciling)
	defer w.setState(StateDraining)

	if err := w.db.ReplaceTempLabel(ctx, a.EntityID, created); err != nil {
		return fmt.Errorf("failed to reconcile label %d -> %d: %w", a.EntityID, created.ID, err)
	}
	w.config.Logger.Printf("Created label %d (was %d): %s", created.ID, a.EntityID, created.Title)
	return nil
}

func (w *Worker) updateLabel(ctx context.Context, a *store.PendingAction, snapshot *schema.Label) error {
	id, err := w.resolve(ctx, schema.EntityLabel, a.EntityID)
	if err != nil {
		return err
	}
	upstream := *snapshot
	upstream.ID = id
	upstream.SyncState = ""

	updated, err := w.api.UpdateLabel(ctx, &upstream)
	if err != nil {
		return err
	}
	if _, err := w.db.ApplyCanonicalLabel(ctx, updated, a.ID); err != nil {
		return fmt.Errorf("failed to store label %d: %w", id, err)
	}
	return nil
}

func (w *Worker) deleteLabel(ctx context.Context, a *store.PendingAction) error {
	id, err := w.resolve(ctx, schema.EntityLabel, a.EntityID)
	if err != nil {
		return err
	}
	err = w.api.DeleteLabel(ctx, id)
	if err != nil && !remote.AlreadyApplied(schema.ActionDelete, err) {
		return err
	}
	if err := w.db.DeleteLabel(ctx, id); err != nil && !store.IsNotFound(err) {
		return err
	}
	w.config.Logger.Printf("Deleted label %d", id)
	return nil
}

// labelPlan is a task snapshot's label set resolved against id_map.
type labelPlan struct {
	// wanted holds the server ids that should be attached upstream
	wanted []int64
	// local is the label list for the cached row, with reconciled ids
	local []*schema.Label
	// complete is false when some label is still waiting for its create
	complete bool
}

func (w *Worker) planLabels(ctx context.Context, labels []*schema.Label) (*labelPlan, error) {
	plan := &labelPlan{local: make([]*schema.Label, 0, len(labels)), complete: true}
	for _, l := range labels {
		c := *l
		id, err := w.resolve(ctx, schema.EntityLabel, l.ID)
		switch {
		case err == nil:
			c.ID = id
			plan.wanted = append(plan.wanted, id)
		case errors.Is(err, errDeferred):
			plan.complete = false
		case errors.Is(err, errOrphaned):
			// Local only; never attached upstream.
		default:
			return nil, err
		}
		plan.local = append(plan.local, &c)
	}
	return plan, nil
}

// applyLabels attaches and detaches labels until the server's set for the
// task equals wanted.
func (w *Worker) applyLabels(ctx context.Context, taskID int64, current []*schema.Label, wanted []int64) error {
	have := make(map[int64]bool, len(current))
	for _, l := range current {
		have[l.ID] = true
	}
	want := make(map[int64]bool, len(wanted))
	for _, id := range wanted {
		want[id] = true
		if have[id] {
			continue
		}
		if err := w.api.AddLabelToTask(ctx, taskID, id); err != nil && !remote.AlreadyApplied(schema.ActionAddLabel, err) {
			return err
		}
	}
	for id := range have {
		if want[id] {
			continue
		}
		if err := w.api.RemoveLabelFromTask(ctx, taskID, id); err != nil && !remote.AlreadyApplied(schema.ActionRemoveLabel, err) {
			return err
		}
	}
	return nil
}

// followUp queues a full-snapshot update for a task whose labels could not
// all be applied. The next pass re-sends the task and diffs its labels
// again. A record already queued for the task carries a newer snapshot and
// takes precedence.
func (w *Worker) followUp(ctx context.Context, task *schema.Task, cause error) {
	if cause != nil {
		w.config.Logger.Printf("WARNING: Labels of task %d not applied: %v", task.ID, cause)
	}
	ctx = context.WithoutCancel(ctx)
	queued, err := w.outbox.HasPendingRecord(ctx, schema.EntityTask, task.ID)
	if err != nil {
		w.config.Logger.Printf("WARNING: Failed to check outbox for task %d: %v", task.ID, err)
		return
	}
	if queued {
		return
	}
	if _, err := w.outbox.EnqueueNonCreate(ctx, schema.EntityTask, task.ID, schema.ActionUpdate, schema.TaskPayload(task)); err != nil {
		w.config.Logger.Printf("WARNING: Failed to queue label follow-up for task %d: %v", task.ID, err)
	}
}

func (w *Worker) notifyReminders(task *schema.Task) {
	if task.Done || task.DueAt == nil {
		w.config.Reminders.CancelForEntity(task.ID)
		return
	}
	w.config.Reminders.ScheduleForEntity(task)
}
