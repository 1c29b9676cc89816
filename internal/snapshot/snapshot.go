// Package snapshot dumps the local cache and the outbox as JSONL, one
// record per line, for backups and debugging.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/steveyegge/taskcache/internal/schema"
	"github.com/steveyegge/taskcache/internal/store"
)

// Kind tags each line.
type Kind string

const (
	KindProject Kind = "project"
	KindLabel   Kind = "label"
	KindTask    Kind = "task"
	KindAction  Kind = "action"
)

// Action is the exported form of an outbox record.
type Action struct {
	ID             int64             `json:"id"`
	EntityType     schema.EntityType `json:"entity_type"`
	EntityID       int64             `json:"entity_id"`
	ActionType     schema.ActionType `json:"action_type"`
	Payload        json.RawMessage   `json:"payload"`
	Status         store.Status      `json:"status"`
	RetryCount     int               `json:"retry_count"`
	IdempotencyKey string            `json:"idempotency_key"`
	LastError      string            `json:"last_error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Record is one JSONL line. Exactly one of the entity fields is set.
type Record struct {
	Kind      Kind             `json:"kind"`
	SyncState schema.SyncState `json:"sync_state,omitempty"`
	Project   *schema.Project  `json:"project,omitempty"`
	Label     *schema.Label    `json:"label,omitempty"`
	Task      *schema.Task     `json:"task,omitempty"`
	Action    *Action          `json:"action,omitempty"`
}

// ExportResult contains statistics about an export
type ExportResult struct {
	Projects int
	Labels   int
	Tasks    int
	Actions  int
}

// Export writes projects, labels, tasks (done ones included) and every
// outbox record to w.
func Export(ctx context.Context, db *store.DB, w io.Writer) (*ExportResult, error) {
	enc := json.NewEncoder(w)
	res := &ExportResult{}

	projects, err := db.ListProjects(ctx, true)
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		if err := enc.Encode(&Record{Kind: KindProject, Project: p}); err != nil {
			return nil, fmt.Errorf("failed to write project %d: %w", p.ID, err)
		}
		res.Projects++
	}

	labels, err := db.ListLabels(ctx)
	if err != nil {
		return nil, err
	}
	for _, l := range labels {
		if err := enc.Encode(&Record{Kind: KindLabel, SyncState: l.SyncState, Label: l}); err != nil {
			return nil, fmt.Errorf("failed to write label %d: %w", l.ID, err)
		}
		res.Labels++
	}

	tasks, err := db.ListTasks(ctx, store.TaskFilter{IncludeDone: true})
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if err := enc.Encode(&Record{Kind: KindTask, SyncState: t.SyncState, Task: t}); err != nil {
			return nil, fmt.Errorf("failed to write task %d: %w", t.ID, err)
		}
		res.Tasks++
	}

	actions, err := db.Outbox().List(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range actions {
		rec := &Record{Kind: KindAction, Action: &Action{
			ID:             a.ID,
			EntityType:     a.EntityType,
			EntityID:       a.EntityID,
			ActionType:     a.ActionType,
			Payload:        json.RawMessage(a.Payload),
			Status:         a.Status,
			RetryCount:     a.RetryCount,
			IdempotencyKey: a.IdempotencyKey,
			LastError:      a.LastError,
			CreatedAt:      a.CreatedAt,
			UpdatedAt:      a.UpdatedAt,
		}}
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("failed to write action %d: %w", a.ID, err)
		}
		res.Actions++
	}

	return res, nil
}

// ReadAll parses a snapshot. The sync state of each entity is restored
// from its record.
func ReadAll(r io.Reader) ([]*Record, error) {
	var records []*Record
	decoder := json.NewDecoder(r)
	lineNum := 0

	for {
		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++

		switch rec.Kind {
		case KindProject:
			if rec.Project == nil {
				return nil, fmt.Errorf("line %d: project record without project", lineNum)
			}
		case KindLabel:
			if rec.Label == nil {
				return nil, fmt.Errorf("line %d: label record without label", lineNum)
			}
			rec.Label.SyncState = rec.SyncState
		case KindTask:
			if rec.Task == nil {
				return nil, fmt.Errorf("line %d: task record without task", lineNum)
			}
			rec.Task.SyncState = rec.SyncState
		case KindAction:
			if rec.Action == nil {
				return nil, fmt.Errorf("line %d: action record without action", lineNum)
			}
		default:
			return nil, fmt.Errorf("line %d: unknown record kind %q", lineNum, rec.Kind)
		}

		records = append(records, &rec)
	}

	return records, nil
}
