package store

import (
	"context"
	"testing"
	"time"

	"github.com/steveyegge/taskcache/internal/schema"
)

func TestReplaceTempTask(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	outbox := db.Outbox()

	tempID, err := db.AllocateTempID(ctx)
	if err != nil {
		t.Fatalf("AllocateTempID() failed: %v", err)
	}
	local := newTask(tempID, "Buy milk")
	local.SyncState = schema.SyncStatePending
	if err := db.UpsertTask(ctx, local); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	create, err := outbox.EnqueueCreate(ctx, schema.EntityTask, tempID, schema.TaskPayload(local))
	if err != nil {
		t.Fatalf("EnqueueCreate() failed: %v", err)
	}
	follow, err := outbox.EnqueueNonCreate(ctx, schema.EntityTask, tempID, schema.ActionAddLabel, schema.AssociationPayload(local, 4))
	if err != nil {
		t.Fatalf("EnqueueNonCreate() failed: %v", err)
	}
	if _, err := outbox.Claim(ctx, create.ID); err != nil {
		t.Fatalf("Claim() failed: %v", err)
	}

	canonical := newTask(101, "Buy milk")
	if err := db.ReplaceTempTask(ctx, tempID, canonical); err != nil {
		t.Fatalf("ReplaceTempTask() failed: %v", err)
	}

	if _, err := db.GetTask(ctx, tempID); !IsNotFound(err) {
		t.Errorf("temp row still present: %v", err)
	}
	got, err := db.GetTask(ctx, 101)
	if err != nil {
		t.Fatalf("GetTask(101) failed: %v", err)
	}
	if got.Title != "Buy milk" {
		t.Errorf("Title = %q, want %q", got.Title, "Buy milk")
	}
	// The queued add_label keeps the row pending.
	if got.SyncState != schema.SyncStatePending {
		t.Errorf("SyncState = %q, want pending", got.SyncState)
	}

	rewritten, err := outbox.Get(ctx, follow.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if rewritten.EntityID != 101 {
		t.Errorf("follow-up EntityID = %d, want 101", rewritten.EntityID)
	}

	resolved, ok, err := db.ResolveID(ctx, schema.EntityTask, tempID)
	if err != nil {
		t.Fatalf("ResolveID() failed: %v", err)
	}
	if !ok || resolved != 101 {
		t.Errorf("ResolveID() = %d, %v, want 101, true", resolved, ok)
	}
}

func TestReplaceTempLabel_MovesAssociations(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	label := &schema.Label{ID: -50, Title: "errands", SyncState: schema.SyncStatePending}
	label.SetDefaults(time.Now())
	if err := db.UpsertLabel(ctx, label); err != nil {
		t.Fatalf("UpsertLabel() failed: %v", err)
	}
	task := newTask(8, "post office")
	task.Labels = []*schema.Label{label}
	if err := db.UpsertTask(ctx, task); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}

	canonical := &schema.Label{ID: 12, Title: "errands"}
	canonical.SetDefaults(time.Now())
	if err := db.ReplaceTempLabel(ctx, -50, canonical); err != nil {
		t.Fatalf("ReplaceTempLabel() failed: %v", err)
	}

	if _, err := db.GetLabel(ctx, -50); !IsNotFound(err) {
		t.Errorf("temp label still present: %v", err)
	}
	got, err := db.GetTask(ctx, 8)
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if len(got.Labels) != 1 || got.Labels[0].ID != 12 {
		t.Errorf("Labels = %+v, want label 12", got.Labels)
	}
}

func TestResolveID_Unmapped(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id, ok, err := db.ResolveID(ctx, schema.EntityLabel, -9)
	if err != nil {
		t.Fatalf("ResolveID() failed: %v", err)
	}
	if ok || id != -9 {
		t.Errorf("ResolveID(-9) = %d, %v, want -9, false", id, ok)
	}
	id, ok, err = db.ResolveID(ctx, schema.EntityLabel, 9)
	if err != nil {
		t.Fatalf("ResolveID() failed: %v", err)
	}
	if !ok || id != 9 {
		t.Errorf("ResolveID(9) = %d, %v, want 9, true", id, ok)
	}
}

func TestApplyCanonicalTask_SkipsWhenNewerQueued(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	outbox := db.Outbox()

	inFlight, _ := outbox.EnqueueNonCreate(ctx, schema.EntityTask, 5, schema.ActionUpdate, schema.TaskPayload(newTask(5, "v1")))
	if _, err := outbox.Claim(ctx, inFlight.ID); err != nil {
		t.Fatalf("Claim() failed: %v", err)
	}
	newer := newTask(5, "v2")
	newer.SyncState = schema.SyncStatePending
	if err := db.UpsertTask(ctx, newer); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	if _, err := outbox.EnqueueNonCreate(ctx, schema.EntityTask, 5, schema.ActionUpdate, schema.TaskPayload(newer)); err != nil {
		t.Fatalf("EnqueueNonCreate() failed: %v", err)
	}

	applied, err := db.ApplyCanonicalTask(ctx, newTask(5, "v1"), inFlight.ID)
	if err != nil {
		t.Fatalf("ApplyCanonicalTask() failed: %v", err)
	}
	if applied {
		t.Error("ApplyCanonicalTask() = true, want false while a newer record is queued")
	}
	got, _ := db.GetTask(ctx, 5)
	if got.Title != "v2" {
		t.Errorf("Title = %q, want local v2 kept", got.Title)
	}
}

func TestApplyRefresh_And_Prune(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	outbox := db.Outbox()

	for _, task := range []*schema.Task{newTask(1, "stays"), newTask(2, "vanished"), newTask(3, "queued"), newTask(-4, "offline")} {
		if err := db.UpsertTask(ctx, task); err != nil {
			t.Fatalf("UpsertTask() failed: %v", err)
		}
	}
	if _, err := outbox.EnqueueNonCreate(ctx, schema.EntityTask, 3, schema.ActionUpdate, schema.TaskPayload(newTask(3, "queued"))); err != nil {
		t.Fatalf("EnqueueNonCreate() failed: %v", err)
	}

	page := RefreshPage{
		Tasks:    []*schema.Task{newTask(1, "stays (server)")},
		Labels:   []*schema.Label{{ID: 20, Title: "server label"}},
		Projects: []*schema.Project{{ID: 1, Title: "Inbox"}},
	}
	if err := db.ApplyRefresh(ctx, page); err != nil {
		t.Fatalf("ApplyRefresh() failed: %v", err)
	}

	got, err := db.GetTask(ctx, 1)
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if got.Title != "stays (server)" {
		t.Errorf("Title = %q, want server copy", got.Title)
	}

	pruned, err := db.PruneTasks(ctx, map[int64]bool{1: true})
	if err != nil {
		t.Fatalf("PruneTasks() failed: %v", err)
	}
	if len(pruned) != 1 || pruned[0] != 2 {
		t.Errorf("PruneTasks() = %v, want [2]", pruned)
	}
	for _, id := range []int64{1, 3, -4} {
		if _, err := db.GetTask(ctx, id); err != nil {
			t.Errorf("task %d should survive prune: %v", id, err)
		}
	}

	labels, err := db.ListLabels(ctx)
	if err != nil {
		t.Fatalf("ListLabels() failed: %v", err)
	}
	if len(labels) != 1 || labels[0].ID != 20 {
		t.Errorf("ListLabels() = %+v, want label 20", labels)
	}
}
