package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/taskcache/internal/schema"
)

// testClock hands out strictly increasing timestamps.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

// openTestDB opens a fresh database in a temp dir.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	db, err := Open(filepath.Join(t.TempDir(), "cache.db"), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTask(id int64, title string) *schema.Task {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	task := &schema.Task{ID: id, Title: title}
	task.SetDefaults(now)
	return task
}

func TestOpen_Success(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
}

func TestInitSchema_Tables(t *testing.T) {
	db := openTestDB(t)

	tables := []string{"tasks", "labels", "task_labels", "projects", "attachments", "pending_actions", "id_map", "id_allocator"}
	for _, table := range tables {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}

	if err := db.InitSchema(context.Background()); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

func TestAllocateTempID_Decreasing(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first, err := db.AllocateTempID(ctx)
	if err != nil {
		t.Fatalf("AllocateTempID() failed: %v", err)
	}
	if first >= 0 {
		t.Fatalf("AllocateTempID() = %d, want negative", first)
	}
	if want := -time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Unix(); first > want {
		t.Errorf("first temp id = %d, want <= %d", first, want)
	}

	prev := first
	for i := 0; i < 5; i++ {
		id, err := db.AllocateTempID(ctx)
		if err != nil {
			t.Fatalf("AllocateTempID() failed: %v", err)
		}
		if id >= prev {
			t.Errorf("AllocateTempID() = %d, want < %d", id, prev)
		}
		prev = id
	}
}

func TestAllocateTempID_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	last, err := db.AllocateTempID(ctx)
	if err != nil {
		t.Fatalf("AllocateTempID() failed: %v", err)
	}
	db.Close()

	// A clock that went backwards must not reuse ids.
	db, err = Open(path, WithClock(func() time.Time { return time.Unix(100, 0) }))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	next, err := db.AllocateTempID(ctx)
	if err != nil {
		t.Fatalf("AllocateTempID() failed: %v", err)
	}
	if next >= last {
		t.Errorf("temp id after reopen = %d, want < %d", next, last)
	}
}

func TestUpsertTask_WithLabelsAndAttachments(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	task := newTask(5, "Write report")
	due := time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC)
	task.DueAt = &due
	task.Priority = 3
	task.Labels = []*schema.Label{{ID: 7, Title: "work", HexColor: "ff0000"}}
	task.Attachments = []*schema.Attachment{{ID: 1, FileName: "notes.txt", Size: 42, MimeType: "text/plain"}}

	if err := db.UpsertTask(ctx, task); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}

	got, err := db.GetTask(ctx, 5)
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if got.Title != "Write report" || got.Priority != 3 {
		t.Errorf("GetTask() = %+v", got)
	}
	if got.DueAt == nil || !got.DueAt.Equal(due) {
		t.Errorf("DueAt = %v, want %v", got.DueAt, due)
	}
	if len(got.Labels) != 1 || got.Labels[0].ID != 7 {
		t.Errorf("Labels = %+v, want label 7", got.Labels)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].FileName != "notes.txt" {
		t.Errorf("Attachments = %+v", got.Attachments)
	}
	if got.SyncState != schema.SyncStateSynced {
		t.Errorf("SyncState = %q, want synced", got.SyncState)
	}

	// Overwrite drops the label association.
	task.Labels = nil
	task.Title = "Write final report"
	if err := db.UpsertTask(ctx, task); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	got, err = db.GetTask(ctx, 5)
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if got.Title != "Write final report" || len(got.Labels) != 0 {
		t.Errorf("after overwrite: title=%q labels=%d", got.Title, len(got.Labels))
	}
}

func TestGetTask_NotFound(t *testing.T) {
	db := openTestDB(t)

	_, err := db.GetTask(context.Background(), 99)
	if !IsNotFound(err) {
		t.Errorf("GetTask() error = %v, want ErrNotFound", err)
	}
}

func TestListTasks_Filters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	open := newTask(1, "open")
	done := newTask(2, "done")
	done.SetDone(true, time.Now())
	labelled := newTask(3, "labelled")
	labelled.Labels = []*schema.Label{{ID: 9, Title: "home"}}
	pending := newTask(-4, "offline")
	pending.SyncState = schema.SyncStatePending

	for _, task := range []*schema.Task{open, done, labelled, pending} {
		if err := db.UpsertTask(ctx, task); err != nil {
			t.Fatalf("UpsertTask() failed: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter TaskFilter
		want   int
	}{
		{"open only", TaskFilter{}, 3},
		{"include done", TaskFilter{IncludeDone: true}, 4},
		{"by label", TaskFilter{LabelID: 9}, 1},
		{"pending only", TaskFilter{SyncState: schema.SyncStatePending}, 1},
		{"limit", TaskFilter{IncludeDone: true, Limit: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks, err := db.ListTasks(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListTasks() failed: %v", err)
			}
			if len(tasks) != tt.want {
				t.Errorf("ListTasks() returned %d tasks, want %d", len(tasks), tt.want)
			}
		})
	}
}

func TestDeleteTask_Idempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.UpsertTask(ctx, newTask(1, "gone soon")); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	if err := db.DeleteTask(ctx, 1); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}
	if err := db.DeleteTask(ctx, 1); err != nil {
		t.Errorf("second DeleteTask() failed: %v", err)
	}
	if _, err := db.GetTask(ctx, 1); !IsNotFound(err) {
		t.Errorf("GetTask() after delete error = %v, want ErrNotFound", err)
	}
}

func TestMarkTaskState(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.UpsertTask(ctx, newTask(1, "flag me")); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	if err := db.MarkTaskState(ctx, 1, schema.SyncStateLocalOnly); err != nil {
		t.Fatalf("MarkTaskState() failed: %v", err)
	}
	got, err := db.GetTask(ctx, 1)
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if got.SyncState != schema.SyncStateLocalOnly {
		t.Errorf("SyncState = %q, want local_only", got.SyncState)
	}
	if err := db.MarkTaskState(ctx, 2, schema.SyncStateSynced); !IsNotFound(err) {
		t.Errorf("MarkTaskState() on missing task error = %v, want ErrNotFound", err)
	}
}

func TestDeleteLabel_CascadesAssociations(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	task := newTask(1, "tagged")
	task.Labels = []*schema.Label{{ID: 3, Title: "urgent"}}
	if err := db.UpsertTask(ctx, task); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	if err := db.DeleteLabel(ctx, 3); err != nil {
		t.Fatalf("DeleteLabel() failed: %v", err)
	}

	got, err := db.GetTask(ctx, 1)
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if len(got.Labels) != 0 {
		t.Errorf("Labels = %+v, want none", got.Labels)
	}
}

func TestEnsureLabel_KeepsExistingRow(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	local := &schema.Label{ID: 3, Title: "renamed locally", SyncState: schema.SyncStatePending}
	local.SetDefaults(time.Now())
	if err := db.UpsertLabel(ctx, local); err != nil {
		t.Fatalf("UpsertLabel() failed: %v", err)
	}

	task := newTask(1, "tagged")
	task.Labels = []*schema.Label{{ID: 3, Title: "stale copy"}}
	if err := db.UpsertTask(ctx, task); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}

	got, err := db.GetLabel(ctx, 3)
	if err != nil {
		t.Fatalf("GetLabel() failed: %v", err)
	}
	if got.Title != "renamed locally" || got.SyncState != schema.SyncStatePending {
		t.Errorf("GetLabel() = %+v, want local row untouched", got)
	}
}

func TestWatchTasks_EmitsOnChange(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := db.WatchTasks(ctx, TaskFilter{})

	select {
	case tasks := <-ch:
		if len(tasks) != 0 {
			t.Fatalf("initial emission has %d tasks, want 0", len(tasks))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initial emission")
	}

	if err := db.UpsertTask(ctx, newTask(1, "watched")); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}

	select {
	case tasks := <-ch:
		if len(tasks) != 1 || tasks[0].Title != "watched" {
			t.Errorf("emission = %+v, want the new task", tasks)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for change emission")
	}

	cancel()
	for range ch {
	}
}

func TestUpsertProjects_ArchivedFilter(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	projects := []*schema.Project{
		{ID: 1, Title: "Inbox"},
		{ID: 2, Title: "Old", Archived: true},
	}
	if err := db.UpsertProjects(ctx, projects); err != nil {
		t.Fatalf("UpsertProjects() failed: %v", err)
	}

	active, err := db.ListProjects(ctx, false)
	if err != nil {
		t.Fatalf("ListProjects() failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != 1 {
		t.Errorf("ListProjects(false) = %+v, want only project 1", active)
	}

	all, err := db.ListProjects(ctx, true)
	if err != nil {
		t.Fatalf("ListProjects() failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("ListProjects(true) returned %d, want 2", len(all))
	}
}
