package schema

import (
	"encoding/json"
	"fmt"
)

// EntityType names the kind of entity an outbox record addresses.
type EntityType string

const (
	EntityTask  EntityType = "task"
	EntityLabel EntityType = "label"
)

// IsValid reports whether the entity type can be queued.
func (e EntityType) IsValid() bool {
	return e == EntityTask || e == EntityLabel
}

// ActionType is the mutation an outbox record replays.
type ActionType string

const (
	ActionCreate      ActionType = "create"
	ActionUpdate      ActionType = "update"
	ActionDelete      ActionType = "delete"
	ActionToggleDone  ActionType = "toggle_done"
	ActionAddLabel    ActionType = "add_label"
	ActionRemoveLabel ActionType = "remove_label"
)

// IsValid reports whether the action type is known.
func (a ActionType) IsValid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionToggleDone, ActionAddLabel, ActionRemoveLabel:
		return true
	}
	return false
}

// Payload is the self-describing snapshot stored with an outbox record.
// Replaying it re-sends the latest known state, never a delta.
type Payload struct {
	Task    *Task  `json:"task,omitempty"`
	Label   *Label `json:"label,omitempty"`
	LabelID int64  `json:"label_id,omitempty"`
}

// TaskPayload wraps a task snapshot.
func TaskPayload(t *Task) *Payload { return &Payload{Task: t} }

// LabelPayload wraps a label snapshot.
func LabelPayload(l *Label) *Payload { return &Payload{Label: l} }

// AssociationPayload wraps a task snapshot plus the label being attached or detached.
func AssociationPayload(t *Task, labelID int64) *Payload {
	return &Payload{Task: t, LabelID: labelID}
}

// Encode serializes the payload for storage.
func (p *Payload) Encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// DecodePayload parses a stored payload.
func DecodePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return &p, nil
}

// IsTempID reports whether id was allocated client-side for an entity the
// server has not created yet.
func IsTempID(id int64) bool {
	return id < 0
}
