// Package scheduler decides when the sync worker runs.
//
// Three triggers feed one queue slot:
//   - EnqueueWhenOnline (keep): ignored while a run is queued, backing off
//     or in flight; waits for connectivity before starting.
//   - EnqueueImmediate (replace): supersedes whatever is queued, including a
//     pending backoff, and starts without a connectivity check.
//   - the periodic ticker, which behaves like EnqueueWhenOnline.
//
// At most one run executes at a time. A run that leaves records pending is
// retried after an exponential backoff.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/steveyegge/taskcache/internal/worker"
)

// Runner executes one sync pass.
type Runner interface {
	Run(ctx context.Context) (*worker.Result, error)
}

// Connectivity reports reachability and its changes.
type Connectivity interface {
	Online() bool
	Subscribe() (<-chan bool, func())
}

// Config holds configuration for the scheduler.
type Config struct {
	// Interval of the periodic safety-net run (default 15m, <0 disables)
	Interval time.Duration

	// BackoffBase is the delay after the first run that needs a retry (default 30s)
	BackoffBase time.Duration

	// BackoffMax caps the doubling backoff (default 1h)
	BackoffMax time.Duration

	// OnResult is called after every run
	OnResult func(res *worker.Result, err error)

	// Logger for scheduler activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:    15 * time.Minute,
		BackoffBase: 30 * time.Second,
		BackoffMax:  time.Hour,
		Logger:      log.New(os.Stderr, "[scheduler] ", log.LstdFlags),
	}
}

// Status is a snapshot of the scheduler's bookkeeping.
type Status struct {
	Running  bool
	Queued   bool
	Failures int
	// NextRetry is zero unless a backoff retry is pending
	NextRetry  time.Time
	LastRun    time.Time
	LastResult *worker.Result
	LastError  error
}

// Scheduler owns the single queue slot in front of the worker.
type Scheduler struct {
	runner Runner
	conn   Connectivity
	config *Config

	mu            sync.Mutex
	queued        bool
	requireOnline bool
	running       bool
	failures      int
	retryAt       time.Time
	lastRun       time.Time
	lastResult    *worker.Result
	lastErr       error

	wake  chan struct{}
	retry *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. conn may be nil, in which case the server is
// assumed reachable.
func New(runner Runner, conn Connectivity, config *Config) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.Interval == 0 {
		config.Interval = def.Interval
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = def.BackoffBase
	}
	if config.BackoffMax <= 0 {
		config.BackoffMax = def.BackoffMax
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	retry := time.NewTimer(time.Hour)
	retry.Stop()

	return &Scheduler{
		runner: runner,
		conn:   conn,
		config: config,
		wake:   make(chan struct{}, 1),
		retry:  retry,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches the scheduling loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop cancels the loop and waits for an in-flight run to return.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.retry.Stop()
}

// EnqueueWhenOnline requests a run once the server is reachable. It is a
// no-op while a run is queued, backing off or in flight.
func (s *Scheduler) EnqueueWhenOnline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued || s.running || !s.retryAt.IsZero() {
		return
	}
	s.queued = true
	s.requireOnline = true
	s.signal()
}

// EnqueueImmediate requests a run now, replacing any queued run and any
// pending backoff. A run already in flight is not interrupted; the new one
// starts after it.
func (s *Scheduler) EnqueueImmediate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = true
	s.requireOnline = false
	s.retryAt = time.Time{}
	s.signal()
}

// signal wakes the loop. Caller holds mu.
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Status returns the current bookkeeping.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:    s.running,
		Queued:     s.queued,
		Failures:   s.failures,
		NextRetry:  s.retryAt,
		LastRun:    s.lastRun,
		LastResult: s.lastResult,
		LastError:  s.lastErr,
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.config.Interval > 0 {
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var edges <-chan bool
	if s.conn != nil {
		ch, unsubscribe := s.conn.Subscribe()
		defer unsubscribe()
		edges = ch
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-tick:
			s.EnqueueWhenOnline()
		case online := <-edges:
			if online {
				s.config.Logger.Println("Connectivity restored")
				s.EnqueueWhenOnline()
			}
		case <-s.retry.C:
			s.mu.Lock()
			if !s.retryAt.IsZero() {
				s.retryAt = time.Time{}
				s.queued = true
				s.requireOnline = true
			}
			s.mu.Unlock()
		case <-s.wake:
		}

		for s.startNext() {
		}
	}
}

// startNext runs the queued run if its preconditions hold. Returns true
// when it ran, so the caller can check for a run queued meanwhile.
func (s *Scheduler) startNext() bool {
	s.mu.Lock()
	if !s.queued || s.running || s.ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	if s.requireOnline && s.conn != nil && !s.conn.Online() {
		// Stays queued until the next online edge.
		s.mu.Unlock()
		return false
	}
	s.queued = false
	s.running = true
	s.mu.Unlock()

	res, err := s.runner.Run(s.ctx)

	s.mu.Lock()
	s.running = false
	s.lastRun = time.Now()
	s.lastResult = res
	s.lastErr = err
	delay := s.recordOutcome(res, err)
	s.mu.Unlock()

	if delay > 0 {
		s.retry.Reset(delay)
	}
	if s.config.OnResult != nil {
		s.config.OnResult(res, err)
	}
	return true
}

// recordOutcome updates the failure streak and returns the backoff delay
// before the next retry, or 0 when none is needed. Caller holds mu.
func (s *Scheduler) recordOutcome(res *worker.Result, err error) time.Duration {
	switch {
	case errors.Is(err, worker.ErrBusy):
		s.config.Logger.Println("Sync already running elsewhere")
		return 0
	case errors.Is(err, context.Canceled) && s.ctx.Err() != nil:
		return 0
	case err != nil:
		s.config.Logger.Printf("Sync failed: %v", err)
	case !res.RetryNeeded:
		s.failures = 0
		s.retryAt = time.Time{}
		return 0
	}

	if s.queued && !s.requireOnline {
		// An immediate run is already waiting.
		return 0
	}
	s.failures++
	delay := Backoff(s.config.BackoffBase, s.config.BackoffMax, s.failures)
	s.retryAt = time.Now().Add(delay)
	s.config.Logger.Printf("Retry %d scheduled in %s", s.failures, delay)
	return delay
}

// Backoff returns base doubled for every failure after the first, capped
// at limit.
func Backoff(base, limit time.Duration, failures int) time.Duration {
	if failures < 1 {
		return 0
	}
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return min(d, limit)
}
