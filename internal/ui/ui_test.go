package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/taskcache/internal/schema"
	"github.com/steveyegge/taskcache/internal/store"
)

func TestNewRenderer_NotATerminal(t *testing.T) {
	u := NewRenderer(&bytes.Buffer{})
	if u.Styled() {
		t.Error("Styled() = true for a buffer")
	}
}

func TestBanner(t *testing.T) {
	u := NewRenderer(&bytes.Buffer{})
	tests := []struct {
		counts store.Counts
		online bool
		want   string
	}{
		{store.Counts{}, true, "all changes synced"},
		{store.Counts{Pending: 2}, true, "2 pending"},
		{store.Counts{Pending: 2, Failed: 1}, true, "2 pending · 1 failed"},
		{store.Counts{Failed: 1}, false, "offline · 1 failed"},
	}
	for _, tt := range tests {
		if got := u.Banner(tt.counts, tt.online); got != tt.want {
			t.Errorf("Banner(%+v, %v) = %q, want %q", tt.counts, tt.online, got, tt.want)
		}
	}
}

func TestTask(t *testing.T) {
	u := NewRenderer(&bytes.Buffer{})
	due := time.Now().Add(48 * time.Hour)
	task := &schema.Task{
		ID:        -3,
		Title:     "Buy milk",
		Priority:  2,
		DueAt:     &due,
		Labels:    []*schema.Label{{ID: 7, Title: "home", HexColor: "ff0000"}},
		SyncState: schema.SyncStatePending,
	}

	got := u.Task(task)
	for _, want := range []string{"[ ]", "~3", "!! Buy milk", "due ", "#home", "pending"} {
		if !strings.Contains(got, want) {
			t.Errorf("Task() = %q, missing %q", got, want)
		}
	}

	task.Done = true
	task.SyncState = schema.SyncStateLocalOnly
	got = u.Task(task)
	if !strings.HasPrefix(got, "[x]") || !strings.Contains(got, "not synced") {
		t.Errorf("Task() = %q", got)
	}
}

func TestTasks_Empty(t *testing.T) {
	u := NewRenderer(&bytes.Buffer{})
	if got := u.Tasks(nil); got != "no tasks" {
		t.Errorf("Tasks(nil) = %q", got)
	}
}

func TestAction(t *testing.T) {
	u := NewRenderer(&bytes.Buffer{})
	a := &store.PendingAction{
		ID:         4,
		EntityType: schema.EntityTask,
		EntityID:   12,
		ActionType: schema.ActionUpdate,
		Status:     store.StatusFailed,
		RetryCount: 5,
		LastError:  "server returned 503",
	}
	got := u.Action(a)
	for _, want := range []string{"update", "task", "#12", "failed", "retries: 5", "server returned 503"} {
		if !strings.Contains(got, want) {
			t.Errorf("Action() = %q, missing %q", got, want)
		}
	}
}

func TestParseID(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"12", 12, false},
		{"#12", 12, false},
		{"~3", -3, false},
		{"0", 0, true},
		{"-3", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseID(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseID(%q) = %d, %v; want %d, err=%v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
	for _, id := range []int64{5, -5} {
		if got, _ := ParseID(FormatID(id)); got != id {
			t.Errorf("ParseID(FormatID(%d)) = %d", id, got)
		}
	}
}
