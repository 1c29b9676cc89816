// Package coordinator is the single entry point for mutating cached entities.
//
// Every mutation follows the same shape:
//  1. build the optimistic snapshot and write it to the cache
//  2. try the server synchronously
//  3. success: overwrite with the canonical response
//  4. retriable failure: queue the snapshot in the outbox and ask the
//     scheduler for a run once online; the caller sees success
//  5. fatal failure: flag the row local_only and return a *MutationError
//
// A direct call is skipped when the entity already has outbox records (it
// must not overtake them) or when the server is known to be unreachable.
// Entities with a temporary id never reach the server directly: their edits
// are folded into the pending create.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/taskcache/internal/classify"
	"github.com/steveyegge/taskcache/internal/reminder"
	"github.com/steveyegge/taskcache/internal/remote"
	"github.com/steveyegge/taskcache/internal/schema"
	"github.com/steveyegge/taskcache/internal/store"
)

// ErrFatal marks a mutation the server rejected. Use errors.Is.
var ErrFatal = errors.New("rejected by server")

// MutationError is returned when the server rejects a mutation. The local
// optimistic write is kept and flagged local_only.
type MutationError struct {
	Op         string
	EntityType schema.EntityType
	EntityID   int64
	Err        error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s %s %d: %v", e.Op, e.EntityType, e.EntityID, e.Err)
}

// Unwrap exposes both ErrFatal and the underlying transport error.
func (e *MutationError) Unwrap() []error {
	return []error{ErrFatal, e.Err}
}

// Trigger is the scheduler surface the coordinator needs.
type Trigger interface {
	EnqueueWhenOnline()
	EnqueueImmediate()
}

// NopTrigger drops every request.
type NopTrigger struct{}

func (NopTrigger) EnqueueWhenOnline() {}
func (NopTrigger) EnqueueImmediate()  {}

// Config holds the coordinator's collaborators. Every field is optional.
type Config struct {
	// Reminders is told about due date and completion changes
	Reminders reminder.Scheduler

	// Trigger requests sync runs after queuing
	Trigger Trigger

	// Online reports known connectivity; when it returns false the network
	// call is skipped and treated as retriable
	Online func() bool

	// Observe receives reachability learned from direct calls
	Observe func(online bool)

	// Now is the time source
	Now func() time.Time

	// Logger for coordinator activity
	Logger *log.Logger
}

// DefaultConfig returns a config with no-op collaborators.
func DefaultConfig() *Config {
	return &Config{
		Reminders: reminder.Nop{},
		Trigger:   NopTrigger{},
		Now:       time.Now,
		Logger:    log.New(os.Stderr, "[coordinator] ", log.LstdFlags),
	}
}

// Coordinator applies mutations to the cache and the server.
type Coordinator struct {
	db     *store.DB
	outbox *store.Outbox
	api    remote.API
	config *Config
}

// New creates a coordinator.
func New(db *store.DB, api remote.API, config *Config) (*Coordinator, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if api == nil {
		return nil, fmt.Errorf("api cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.Reminders == nil {
		config.Reminders = def.Reminders
	}
	if config.Trigger == nil {
		config.Trigger = def.Trigger
	}
	if config.Now == nil {
		config.Now = def.Now
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	return &Coordinator{db: db, outbox: db.Outbox(), api: api, config: config}, nil
}

// outcome is what a remote attempt resolved to.
type outcome int

const (
	applied outcome = iota
	queued
	rejected
)

// attempt runs call unless the server is known to be offline, and
// classifies the failure.
func (c *Coordinator) attempt(ctx context.Context, key string, call func(ctx context.Context) error) (outcome, error) {
	var err error
	if c.config.Online != nil && !c.config.Online() {
		err = remote.ErrOffline
	} else {
		err = call(remote.WithIdempotencyKey(ctx, key))
		c.observe(err)
	}
	if err == nil {
		return applied, nil
	}
	if classify.IsRetriable(err) {
		return queued, err
	}
	return rejected, err
}

// observe reports reachability learned from a direct call.
func (c *Coordinator) observe(err error) {
	if c.config.Observe == nil {
		return
	}
	if err == nil {
		c.config.Observe(true)
		return
	}
	var se *remote.StatusError
	if errors.As(err, &se) {
		// The server answered.
		c.config.Observe(true)
		return
	}
	if classify.IsRetriable(err) {
		c.config.Observe(false)
	}
}

// mustQueue reports whether the entity has outbox records a direct call
// would overtake.
func (c *Coordinator) mustQueue(ctx context.Context, entityType schema.EntityType, id int64) (bool, error) {
	if schema.IsTempID(id) {
		return true, nil
	}
	return c.outbox.HasRecords(ctx, entityType, id)
}

// enqueue queues a non-create record for an entity, folding it into the
// pending create when the entity has a temporary id.
func (c *Coordinator) enqueue(ctx context.Context, entityType schema.EntityType, id int64, action schema.ActionType, payload *schema.Payload, key string) error {
	if schema.IsTempID(id) {
		folded, err := c.outbox.FoldIntoCreate(ctx, entityType, id, payload)
		if err != nil {
			return err
		}
		if folded {
			c.config.Trigger.EnqueueWhenOnline()
			return nil
		}
		status, ok, err := c.outbox.CreateStatus(ctx, entityType, id)
		if err != nil {
			return err
		}
		if !ok {
			// The create was rejected and cleared: the entity only exists here.
			c.config.Logger.Printf("%s %d is local only; %s not queued", entityType, id, action)
			return c.markState(ctx, entityType, id, schema.SyncStateLocalOnly)
		}
		c.config.Logger.Printf("%s %d create is %s; queuing %s behind it", entityType, id, status, action)
	}

	if _, err := c.outbox.EnqueueNonCreate(ctx, entityType, id, action, payload, store.WithIdempotencyKey(key)); err != nil {
		return err
	}
	c.config.Trigger.EnqueueWhenOnline()
	return nil
}

func (c *Coordinator) markState(ctx context.Context, entityType schema.EntityType, id int64, state schema.SyncState) error {
	var err error
	switch entityType {
	case schema.EntityTask:
		err = c.db.MarkTaskState(ctx, id, state)
	case schema.EntityLabel:
		err = c.db.MarkLabelState(ctx, id, state)
	}
	if store.IsNotFound(err) {
		return nil
	}
	return err
}

// reject flags the entity local_only and wraps err.
func (c *Coordinator) reject(ctx context.Context, op string, entityType schema.EntityType, id int64, err error) error {
	if markErr := c.markState(ctx, entityType, id, schema.SyncStateLocalOnly); markErr != nil {
		c.config.Logger.Printf("Failed to flag %s %d local_only: %v", entityType, id, markErr)
	}
	c.config.Logger.Printf("Server rejected %s of %s %d: %v", op, entityType, id, err)
	return &MutationError{Op: op, EntityType: entityType, EntityID: id, Err: err}
}

// RetryAllFailed makes every failed record pending again and requests an
// immediate sync. Returns how many records were reset.
func (c *Coordinator) RetryAllFailed(ctx context.Context) (int, error) {
	n, err := c.outbox.ResetAllFailedToPending(ctx)
	if err != nil {
		return 0, err
	}
	c.config.Logger.Printf("Reset %d failed records", n)
	c.config.Trigger.EnqueueImmediate()
	return n, nil
}

// ClearFailedActions deletes failed records without retrying them. Their
// local effects stay in place.
func (c *Coordinator) ClearFailedActions(ctx context.Context) (int, error) {
	n, err := c.outbox.DeleteFailed(ctx)
	if err != nil {
		return 0, err
	}
	c.config.Logger.Printf("Cleared %d failed records", n)
	return n, nil
}

// SyncNow requests an immediate sync run.
func (c *Coordinator) SyncNow() {
	c.config.Trigger.EnqueueImmediate()
}

func newKey() string {
	return uuid.NewString()
}
