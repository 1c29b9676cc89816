// Package worker replays the outbox against the server and refreshes the
// local cache from it.
//
// One run moves through Idle → Draining → Reconciling → Refreshing and ends
// in Done or RetryScheduled:
//
//	outbox (pending, oldest first)
//	     ↓ claim → call server → completed | pending (retry) | failed
//	reconcile temp ids of completed creates
//	     ↓
//	garbage-collect completed records
//	     ↓
//	paginated pull of projects, labels and open tasks → cache
//
// Only one run executes at a time. Within a process that is a mutex; across
// processes sharing a data directory it is a file lock.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"

	"github.com/steveyegge/taskcache/internal/classify"
	"github.com/steveyegge/taskcache/internal/reminder"
	"github.com/steveyegge/taskcache/internal/remote"
	"github.com/steveyegge/taskcache/internal/store"
)

// ErrBusy is returned by Run when another run holds the lock.
var ErrBusy = errors.New("sync already in progress")

// DefaultMaxRetries is how many retriable failures a record survives before
// it becomes terminal.
const DefaultMaxRetries = 5

// State is the phase a run is in.
type State int32

const (
	StateIdle State = iota
	StateDraining
	StateReconciling
	StateRefreshing
	StateDone
	StateRetryScheduled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateReconciling:
		return "reconciling"
	case StateRefreshing:
		return "refreshing"
	case StateDone:
		return "done"
	case StateRetryScheduled:
		return "retry_scheduled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Result summarises one run.
type Result struct {
	Attempted int
	Completed int
	Retried   int
	Failed    int
	// Deferred counts records skipped because they wait on an unreconciled
	// create.
	Deferred int

	// RetryNeeded is set when any record was left pending; the caller should
	// schedule another run with backoff.
	RetryNeeded bool

	Collected int
	Pruned    int

	// RefreshErr is the error of the final pull, if any. It does not fail
	// the run.
	RefreshErr error
}

// Config holds configuration for the worker.
type Config struct {
	// MaxRetries before a retriable failure becomes terminal (default 5)
	MaxRetries int

	// PageSize for the authoritative pull (default 50)
	PageSize int

	// LockPath is the cross-process lock file; empty disables it
	LockPath string

	// Reminders is told about reconciled ids and rebuilt after a refresh
	Reminders reminder.Scheduler

	// Logger for worker activity
	Logger *log.Logger
}

// DefaultConfig returns a config with default settings.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries: DefaultMaxRetries,
		PageSize:   50,
		Reminders:  reminder.Nop{},
		Logger:     log.New(os.Stderr, "[worker] ", log.LstdFlags),
	}
}

// Worker drains the outbox and refreshes the cache.
type Worker struct {
	db     *store.DB
	outbox *store.Outbox
	api    remote.API
	config *Config

	running sync.Mutex
	state   atomic.Int32
}

// New creates a worker.
//
// If config is nil, DefaultConfig() is used; zero fields take defaults.
func New(db *store.DB, api remote.API, config *Config) (*Worker, error) {
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
	if config.MaxRetries <= 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.PageSize <= 0 {
		config.PageSize = def.PageSize
	}
	if config.Reminders == nil {
		config.Reminders = def.Reminders
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	return &Worker{db: db, outbox: db.Outbox(), api: api, config: config}, nil
}

// State returns the phase of the current or most recent run.
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// Run performs one complete sync pass. It returns ErrBusy without doing
// anything when another run is in flight, here or in another process.
//
// A failing refresh is reported in Result.RefreshErr, not as an error;
// Run only fails when the outbox itself cannot be read or written, or when
// ctx is cancelled mid-drain.
func (w *Worker) Run(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !w.running.TryLock() {
		return nil, ErrBusy
	}
	defer w.running.Unlock()

	if w.config.LockPath != "" {
		lock := flock.New(w.config.LockPath)
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire sync lock: %w", err)
		}
		if !locked {
			return nil, ErrBusy
		}
		defer func() {
			if err := lock.Unlock(); err != nil {
				w.config.Logger.Printf("WARNING: Failed to release sync lock: %v", err)
			}
		}()
	}

	w.setState(StateDraining)

	// Records left processing belong to a run that died; nobody else can
	// hold them while we have the lock.
	n, err := w.outbox.RequeueProcessing(ctx)
	if err != nil {
		w.setState(StateIdle)
		return nil, err
	}
	if n > 0 {
		w.config.Logger.Printf("Requeued %d records from an interrupted run", n)
	}

	res := &Result{}
	if err := w.drain(ctx, res); err != nil {
		w.setState(StateIdle)
		return res, err
	}

	collected, err := w.outbox.DeleteCompleted(ctx)
	if err != nil {
		w.config.Logger.Printf("WARNING: Failed to collect completed records: %v", err)
	}
	res.Collected = collected

	w.setState(StateRefreshing)
	pruned, err := w.refresh(ctx)
	if err != nil {
		w.config.Logger.Printf("WARNING: Refresh failed: %v", err)
		res.RefreshErr = err
	}
	res.Pruned = pruned

	if res.RetryNeeded {
		w.setState(StateRetryScheduled)
	} else {
		w.setState(StateDone)
	}
	w.config.Logger.Printf("Sync complete: attempted=%d completed=%d retried=%d failed=%d deferred=%d pruned=%d",
		res.Attempted, res.Completed, res.Retried, res.Failed, res.Deferred, res.Pruned)
	return res, nil
}

// drain attempts every pending record once. The list is re-read after each
// record so that records coalesced or enqueued during the run are seen.
func (w *Worker) drain(ctx context.Context, res *Result) error {
	attempted := make(map[int64]bool)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		actions, err := w.outbox.ListRetryable(ctx)
		if err != nil {
			return fmt.Errorf("failed to list outbox: %w", err)
		}
		var next *store.PendingAction
		for _, a := range actions {
			if !attempted[a.ID] {
				next = a
				break
			}
		}
		if next == nil {
			return nil
		}
		attempted[next.ID] = true
		if err := w.process(ctx, next, res); err != nil {
			return err
		}
	}
}

// process claims one record, replays it and records the outcome.
func (w *Worker) process(ctx context.Context, a *store.PendingAction, res *Result) error {
	claimed, err := w.outbox.Claim(ctx, a.ID)
	if store.IsNotFound(err) {
		// Coalesced or dropped since it was listed.
		return nil
	}
	if err != nil {
		return err
	}
	res.Attempted++

	// Status writes must land even when ctx is cancelled mid-call.
	bg := context.WithoutCancel(ctx)

	err = w.dispatch(ctx, claimed)
	switch {
	case err == nil:
		res.Completed++
		return w.outbox.UpdateStatus(bg, claimed.ID, store.StatusCompleted, -1, "")

	case errors.Is(err, errDeferred):
		res.Deferred++
		res.RetryNeeded = true
		return w.outbox.UpdateStatus(bg, claimed.ID, store.StatusPending, -1, err.Error())

	case errors.Is(err, errOrphaned):
		res.Failed++
		w.config.Logger.Printf("WARNING: %s %s %d failed: %v", claimed.ActionType, claimed.EntityType, claimed.EntityID, err)
		return w.outbox.UpdateStatus(bg, claimed.ID, store.StatusFailed, -1, err.Error())

	case ctx.Err() != nil:
		if uerr := w.outbox.UpdateStatus(bg, claimed.ID, store.StatusPending, -1, ""); uerr != nil {
			return uerr
		}
		return ctx.Err()

	case classify.IsRetriable(err) && claimed.RetryCount < w.config.MaxRetries:
		res.Retried++
		res.RetryNeeded = true
		w.config.Logger.Printf("Retrying %s %s %d later (attempt %d): %v",
			claimed.ActionType, claimed.EntityType, claimed.EntityID, claimed.RetryCount+1, err)
		return w.outbox.UpdateStatus(bg, claimed.ID, store.StatusPending, claimed.RetryCount+1, err.Error())

	default:
		res.Failed++
		w.config.Logger.Printf("WARNING: %s %s %d failed: %v", claimed.ActionType, claimed.EntityType, claimed.EntityID, err)
		return w.outbox.UpdateStatus(bg, claimed.ID, store.StatusFailed, -1, err.Error())
	}
}
