// Package reminder schedules due-date reminders for cached tasks.
//
// The sync core only talks to the Scheduler interface; Timers is the
// in-process implementation used by the daemon.
package reminder

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/taskcache/internal/schema"
)

// Scheduler is notified whenever a task's due date or completion changes.
type Scheduler interface {
	// ScheduleForEntity arms (or re-arms) the reminder for task. Done tasks
	// and tasks without a future due date are cancelled instead.
	ScheduleForEntity(task *schema.Task)
	// CancelForEntity disarms the reminder for a task id.
	CancelForEntity(id int64)
	// RescheduleAll rebuilds every reminder from the cache.
	RescheduleAll(ctx context.Context) error
}

// Nop ignores every call.
type Nop struct{}

func (Nop) ScheduleForEntity(*schema.Task)      {}
func (Nop) CancelForEntity(int64)               {}
func (Nop) RescheduleAll(context.Context) error { return nil }

// TaskSource lists the tasks reminders are rebuilt from.
type TaskSource func(ctx context.Context) ([]*schema.Task, error)

// Config holds configuration for Timers.
type Config struct {
	// Fire is called from a timer goroutine when a reminder is due
	Fire func(task *schema.Task)

	// Now is the time source (default time.Now)
	Now func() time.Time

	// Logger for reminder activity
	Logger *log.Logger
}

// DefaultConfig returns a config that only logs fired reminders.
func DefaultConfig() *Config {
	logger := log.New(os.Stderr, "[reminder] ", log.LstdFlags)
	return &Config{
		Fire: func(task *schema.Task) {
			logger.Printf("Task %d due: %s", task.ID, task.Title)
		},
		Now:    time.Now,
		Logger: logger,
	}
}

type armed struct {
	timer *time.Timer
	due   time.Time
}

// Timers keeps one time.Timer per task with a future due date.
type Timers struct {
	source TaskSource
	config *Config

	mu      sync.Mutex
	timers  map[int64]*armed
	stopped bool
}

var _ Scheduler = (*Timers)(nil)

// NewTimers creates a timer-backed reminder scheduler.
func NewTimers(source TaskSource, config *Config) *Timers {
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.Fire == nil {
		config.Fire = def.Fire
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	return &Timers{
		source: source,
		config: config,
		timers: make(map[int64]*armed),
	}
}

func (r *Timers) ScheduleForEntity(task *schema.Task) {
	if task == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduleLocked(task.Clone())
}

func (r *Timers) scheduleLocked(task *schema.Task) {
	r.cancelLocked(task.ID)
	if r.stopped || task.Done || task.DueAt == nil {
		return
	}
	wait := task.DueAt.Sub(r.config.Now())
	if wait <= 0 {
		return
	}

	id := task.ID
	a := &armed{due: *task.DueAt}
	a.timer = time.AfterFunc(wait, func() {
		r.mu.Lock()
		current := r.timers[id] == a
		if current {
			delete(r.timers, id)
		}
		r.mu.Unlock()
		if current {
			r.config.Fire(task)
		}
	})
	r.timers[id] = a
}

func (r *Timers) CancelForEntity(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelLocked(id)
}

func (r *Timers) cancelLocked(id int64) {
	if a, ok := r.timers[id]; ok {
		a.timer.Stop()
		delete(r.timers, id)
	}
}

// RescheduleAll cancels every armed reminder and re-arms from the source.
func (r *Timers) RescheduleAll(ctx context.Context) error {
	if r.source == nil {
		return nil
	}
	tasks, err := r.source(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tasks for reminders: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.timers {
		r.cancelLocked(id)
	}
	for _, t := range tasks {
		r.scheduleLocked(t.Clone())
	}
	r.config.Logger.Printf("Rescheduled %d reminders", len(r.timers))
	return nil
}

// Armed returns the ids with a pending reminder, sorted.
func (r *Timers) Armed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.timers))
	for id := range r.timers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stop disarms everything; later schedule calls are ignored.
func (r *Timers) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.timers {
		r.cancelLocked(id)
	}
	r.stopped = true
}
