// Package connectivity tracks whether the task server is reachable.
//
// The Monitor probes the server's health endpoint on a fixed cadence and
// publishes offline->online edges, which the scheduler turns into a sync run.
// Other components can report what they observed (a request that failed to
// connect, or succeeded) through Observe, so the flag reacts faster than the
// probe interval.
package connectivity

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// Prober checks reachability. *remote.Client satisfies it.
type Prober interface {
	Health(ctx context.Context) error
}

// Config holds configuration for the monitor.
type Config struct {
	// ProbeInterval is how often the health endpoint is polled
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single probe
	ProbeTimeout time.Duration

	// Logger for connectivity transitions
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
		Logger:        log.New(os.Stderr, "[connectivity] ", log.LstdFlags),
	}
}

// Monitor holds the current online flag. It starts out online: the first
// failed request or probe flips it.
type Monitor struct {
	prober Prober
	config *Config

	mu     sync.Mutex
	online bool
	next   int
	subs   map[int]chan bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor. Call Start to begin probing.
func NewMonitor(prober Prober, config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = def.ProbeInterval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = def.ProbeTimeout
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		prober: prober,
		config: config,
		online: true,
		subs:   make(map[int]chan bool),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start probes once immediately and then every ProbeInterval until Stop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.probeLoop()
}

// Stop ends probing and waits for the probe goroutine.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) probeLoop() {
	defer m.wg.Done()

	m.Probe(m.ctx)

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Probe(m.ctx)
		}
	}
}

// Probe checks the server now, records the result and returns it.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.prober == nil {
		return m.Online()
	}
	ctx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	err := m.prober.Health(ctx)
	if err != nil && m.ctx.Err() != nil {
		// Shutting down; don't record a spurious offline.
		return m.Online()
	}
	online := err == nil
	if err != nil {
		m.config.Logger.Printf("Probe failed: %v", err)
	}
	m.Observe(online)
	return online
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Observe records a reachability observation and notifies subscribers if
// the state changed.
func (m *Monitor) Observe(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online == online {
		return
	}
	m.online = online
	if online {
		m.config.Logger.Println("Server reachable again")
	} else {
		m.config.Logger.Println("Server unreachable")
	}

	for _, ch := range m.subs {
		// Keep only the newest state in each subscriber's buffer.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- online:
		default:
		}
	}
}

// Subscribe returns a channel receiving every state change, and a function
// that ends the subscription. Slow readers only see the latest state.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan bool, 1)
	id := m.next
	m.next++
	m.subs[id] = ch

	return ch, func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}
