package schema

import (
	"fmt"
	"regexp"
	"time"
)

var hexColorPattern = regexp.MustCompile(`^[0-9a-fA-F]{6}$`)

// Label tags tasks. Labels can be created and edited offline.
type Label struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	HexColor  string    `json:"hex_color"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	SyncState SyncState `json:"-"`
}

// Validate checks if the Label has valid field values.
func (l *Label) Validate() error {
	if l.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(l.Title) > 250 {
		return fmt.Errorf("title must be 250 characters or less (got %d)", len(l.Title))
	}
	if l.HexColor != "" && !hexColorPattern.MatchString(l.HexColor) {
		return fmt.Errorf("hex_color must be six hex digits (got %q)", l.HexColor)
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (l *Label) SetDefaults(now time.Time) {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = now
	}
	if l.SyncState == "" {
		l.SyncState = SyncStateSynced
	}
}

// Project groups tasks. Projects are read-only in the cache: they only
// arrive through the full refresh.
type Project struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Archived    bool      `json:"archived"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Attachment is file metadata hanging off a task. Attachments travel inside
// the task representation returned by the server.
type Attachment struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task_id"`
	FileName  string    `json:"file_name"`
	Size      int64     `json:"size"`
	MimeType  string    `json:"mime_type"`
	CreatedAt time.Time `json:"created_at"`
}
