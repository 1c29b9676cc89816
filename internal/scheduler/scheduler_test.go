package scheduler

import (
	"context"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/steveyegge/taskcache/internal/worker"
)

// fakeRunner counts runs and can hold a run open until released.
type fakeRunner struct {
	mu      sync.Mutex
	runs    int
	results []*worker.Result
	errs    []error
	hold    chan struct{}
	started chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{started: make(chan struct{}, 16)}
}

func (r *fakeRunner) Run(ctx context.Context) (*worker.Result, error) {
	r.mu.Lock()
	i := r.runs
	r.runs++
	hold := r.hold
	r.mu.Unlock()

	r.started <- struct{}{}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if i < len(r.errs) {
		err = r.errs[i]
	}
	if i < len(r.results) && r.results[i] != nil {
		return r.results[i], err
	}
	return &worker.Result{}, err
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

type fakeConn struct {
	online atomic.Bool
	ch     chan bool
}

func newFakeConn(online bool) *fakeConn {
	c := &fakeConn{ch: make(chan bool, 1)}
	c.online.Store(online)
	return c
}

func (c *fakeConn) Online() bool { return c.online.Load() }

func (c *fakeConn) Subscribe() (<-chan bool, func()) { return c.ch, func() {} }

func (c *fakeConn) set(online bool) {
	c.online.Store(online)
	c.ch <- online
}

func testConfig() *Config {
	return &Config{
		Interval:    -1,
		BackoffBase: 20 * time.Millisecond,
		BackoffMax:  80 * time.Millisecond,
		Logger:      log.New(io.Discard, "", 0),
	}
}

func waitStarted(t *testing.T, r *fakeRunner) {
	t.Helper()
	select {
	case <-r.started:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not start")
	}
}

func expectNoStart(t *testing.T, r *fakeRunner, d time.Duration) {
	t.Helper()
	select {
	case <-r.started:
		t.Fatal("unexpected run")
	case <-time.After(d):
	}
}

func startScheduler(t *testing.T, r Runner, conn Connectivity, config *Config) *Scheduler {
	t.Helper()
	s, err := New(r, conn, config)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, nil, nil); err == nil {
		t.Error("New(nil, ...) should fail")
	}
}

func TestEnqueueWhenOnline_Runs(t *testing.T) {
	r := newFakeRunner()
	s := startScheduler(t, r, newFakeConn(true), testConfig())

	s.EnqueueWhenOnline()
	waitStarted(t, r)
}

func TestEnqueueWhenOnline_WaitsForConnectivity(t *testing.T) {
	r := newFakeRunner()
	conn := newFakeConn(false)
	s := startScheduler(t, r, conn, testConfig())

	s.EnqueueWhenOnline()
	expectNoStart(t, r, 50*time.Millisecond)
	if !s.Status().Queued {
		t.Error("run should stay queued while offline")
	}

	conn.set(true)
	waitStarted(t, r)
}

func TestConnectivityEdgeTriggersRun(t *testing.T) {
	r := newFakeRunner()
	conn := newFakeConn(false)
	startScheduler(t, r, conn, testConfig())

	conn.set(true)
	waitStarted(t, r)
}

func TestEnqueueImmediate_IgnoresConnectivity(t *testing.T) {
	r := newFakeRunner()
	s := startScheduler(t, r, newFakeConn(false), testConfig())

	s.EnqueueImmediate()
	waitStarted(t, r)
}

func TestKeepPolicy_CoalescesWhileRunning(t *testing.T) {
	r := newFakeRunner()
	r.hold = make(chan struct{})
	s := startScheduler(t, r, newFakeConn(true), testConfig())

	s.EnqueueWhenOnline()
	waitStarted(t, r)
	for i := 0; i < 5; i++ {
		s.EnqueueWhenOnline()
	}
	close(r.hold)

	expectNoStart(t, r, 50*time.Millisecond)
	if n := r.count(); n != 1 {
		t.Errorf("runs = %d, want 1", n)
	}
}

func TestReplacePolicy_RunsAfterInFlight(t *testing.T) {
	r := newFakeRunner()
	r.hold = make(chan struct{})
	s := startScheduler(t, r, newFakeConn(true), testConfig())

	s.EnqueueWhenOnline()
	waitStarted(t, r)
	s.EnqueueImmediate()
	s.EnqueueImmediate()
	close(r.hold)

	waitStarted(t, r)
	expectNoStart(t, r, 50*time.Millisecond)
	if n := r.count(); n != 2 {
		t.Errorf("runs = %d, want 2", n)
	}
}

func TestRetryBackoff(t *testing.T) {
	r := newFakeRunner()
	r.results = []*worker.Result{{RetryNeeded: true}, {RetryNeeded: true}, {}}

	var outcomes atomic.Int32
	config := testConfig()
	config.OnResult = func(*worker.Result, error) { outcomes.Add(1) }
	s := startScheduler(t, r, newFakeConn(true), config)

	s.EnqueueImmediate()
	waitStarted(t, r)
	waitStarted(t, r)
	waitStarted(t, r)

	deadline := time.Now().Add(2 * time.Second)
	for outcomes.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	st := s.Status()
	if st.Failures != 0 || !st.NextRetry.IsZero() {
		t.Errorf("Status() = %+v, want streak reset after success", st)
	}
}

func TestBackoffBlocksKeepButNotReplace(t *testing.T) {
	r := newFakeRunner()
	r.results = []*worker.Result{{RetryNeeded: true}}
	config := testConfig()
	config.BackoffBase = time.Hour
	config.BackoffMax = time.Hour
	s := startScheduler(t, r, newFakeConn(true), config)

	s.EnqueueImmediate()
	waitStarted(t, r)

	deadline := time.Now().Add(2 * time.Second)
	for s.Status().NextRetry.IsZero() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Status().Failures != 1 {
		t.Fatalf("Failures = %d, want 1", s.Status().Failures)
	}

	s.EnqueueWhenOnline()
	expectNoStart(t, r, 50*time.Millisecond)

	s.EnqueueImmediate()
	waitStarted(t, r)
}

func TestBusyIsNotAFailure(t *testing.T) {
	r := newFakeRunner()
	r.errs = []error{worker.ErrBusy}
	done := make(chan struct{})
	config := testConfig()
	config.OnResult = func(*worker.Result, error) { close(done) }
	s := startScheduler(t, r, newFakeConn(true), config)

	s.EnqueueWhenOnline()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish")
	}
	if st := s.Status(); st.Failures != 0 || !st.NextRetry.IsZero() {
		t.Errorf("Status() = %+v, want no backoff for a busy worker", st)
	}
}

func TestPeriodic(t *testing.T) {
	r := newFakeRunner()
	config := testConfig()
	config.Interval = 10 * time.Millisecond
	startScheduler(t, r, nil, config)

	waitStarted(t, r)
	waitStarted(t, r)
}

func TestBackoff(t *testing.T) {
	base, limit := 30*time.Second, time.Hour
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{7, 32 * time.Minute},
		{8, time.Hour},
		{50, time.Hour},
	}
	for _, tt := range tests {
		if got := Backoff(base, limit, tt.failures); got != tt.want {
			t.Errorf("Backoff(%d) = %s, want %s", tt.failures, got, tt.want)
		}
	}
}
