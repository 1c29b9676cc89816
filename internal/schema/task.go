// Package schema defines the entities held in the local task cache and the
// payload envelope stored in outbox records.
package schema

import (
	"fmt"
	"time"
)

// SyncState describes how a local row relates to the server copy.
// It is app-local and never serialized upstream.
type SyncState string

const (
	// SyncStateSynced means the row is the server's canonical copy.
	SyncStateSynced SyncState = "synced"
	// SyncStatePending means the row carries an optimistic write not yet acknowledged.
	SyncStatePending SyncState = "pending"
	// SyncStateLocalOnly means the server rejected the write; the local row diverges.
	SyncStateLocalOnly SyncState = "local_only"
)

// Task is a single to-do item.
//
// Every field is sent on create and update: the server treats absent fields
// as explicit zero values, so there is no omitempty on mutable fields.
type Task struct {
	ID          int64      `json:"id"`
	ProjectID   int64      `json:"project_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Done        bool       `json:"done"`
	DoneAt      *time.Time `json:"done_at"`
	DueAt       *time.Time `json:"due_at"`
	Priority    int        `json:"priority"`

	Labels      []*Label      `json:"labels"`
	Attachments []*Attachment `json:"attachments,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	SyncState SyncState `json:"-"`
}

// MaxPriority is the highest accepted priority value (0 = unset).
const MaxPriority = 5

// Validate checks if the Task has valid field values.
func (t *Task) Validate() error {
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > 250 {
		return fmt.Errorf("title must be 250 characters or less (got %d)", len(t.Title))
	}
	if t.Priority < 0 || t.Priority > MaxPriority {
		return fmt.Errorf("priority must be between 0 and %d (got %d)", MaxPriority, t.Priority)
	}
	if t.ProjectID < 0 {
		return fmt.Errorf("project_id must not be negative")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (t *Task) SetDefaults(now time.Time) {
	if t.Labels == nil {
		t.Labels = []*Label{}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	if t.SyncState == "" {
		t.SyncState = SyncStateSynced
	}
}

// Clone returns a deep copy so callers can build an optimistic snapshot
// without aliasing the cached value.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.DoneAt = cloneTime(t.DoneAt)
	c.DueAt = cloneTime(t.DueAt)
	if t.Labels != nil {
		c.Labels = make([]*Label, len(t.Labels))
		for i, l := range t.Labels {
			lc := *l
			c.Labels[i] = &lc
		}
	}
	if t.Attachments != nil {
		c.Attachments = make([]*Attachment, len(t.Attachments))
		for i, a := range t.Attachments {
			ac := *a
			c.Attachments[i] = &ac
		}
	}
	return &c
}

// SetDone flips completion state and keeps DoneAt consistent with it.
func (t *Task) SetDone(done bool, now time.Time) {
	t.Done = done
	if done {
		ts := now
		t.DoneAt = &ts
	} else {
		t.DoneAt = nil
	}
}

// HasLabel reports whether the task carries the given label id.
func (t *Task) HasLabel(labelID int64) bool {
	for _, l := range t.Labels {
		if l.ID == labelID {
			return true
		}
	}
	return false
}

// LabelIDs returns the ids of the task's labels in order.
func (t *Task) LabelIDs() []int64 {
	ids := make([]int64, 0, len(t.Labels))
	for _, l := range t.Labels {
		ids = append(ids, l.ID)
	}
	return ids
}

// ReminderRelevantChange reports whether going from old to t changes
// anything the reminder scheduler cares about.
func (t *Task) ReminderRelevantChange(old *Task) bool {
	if old == nil {
		return true
	}
	if t.Done != old.Done || t.Title != old.Title {
		return true
	}
	return !timesEqual(t.DueAt, old.DueAt)
}

func cloneTime(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	c := *ts
	return &c
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
