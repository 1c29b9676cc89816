package daemon

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Request is the kind of run a trigger file asks for.
type Request int

const (
	// RequestWhenOnline asks for a run once the server is reachable.
	RequestWhenOnline Request = iota
	// RequestImmediate asks for a run now.
	RequestImmediate
)

// String returns a human-readable representation of the request.
func (r Request) String() string {
	switch r {
	case RequestWhenOnline:
		return "when_online"
	case RequestImmediate:
		return "immediate"
	default:
		return "unknown"
	}
}

// TriggerWatcher watches a data directory for trigger file writes.
type TriggerWatcher struct {
	watcher  *fsnotify.Watcher
	requests chan Request
	errors   chan error
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	dir      string
}

// NewTriggerWatcher creates a watcher. It emits nothing until Start.
func NewTriggerWatcher() (*TriggerWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &TriggerWatcher{
		watcher:  watcher,
		requests: make(chan Request, 16),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching dir.
func (tw *TriggerWatcher) Start(dir string) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.running {
		return fmt.Errorf("watcher already running")
	}
	if err := tw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	tw.dir = dir
	tw.running = true
	tw.wg.Add(1)
	go tw.processEvents()

	return nil
}

// Stop stops watching and closes the channels. It blocks until the event
// loop has exited.
func (tw *TriggerWatcher) Stop() error {
	tw.mu.Lock()
	if !tw.running {
		tw.mu.Unlock()
		return tw.watcher.Close()
	}
	tw.running = false
	tw.mu.Unlock()

	close(tw.done)

	if err := tw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	tw.wg.Wait()

	close(tw.requests)
	close(tw.errors)

	return nil
}

// Requests returns the channel of run requests. Closed by Stop.
func (tw *TriggerWatcher) Requests() <-chan Request {
	return tw.requests
}

// Errors returns the channel of watcher errors. Closed by Stop.
func (tw *TriggerWatcher) Errors() <-chan error {
	return tw.errors
}

func (tw *TriggerWatcher) processEvents() {
	defer tw.wg.Done()

	for {
		select {
		case <-tw.done:
			return

		case event, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			req, ok := convertEvent(event)
			if !ok {
				continue
			}
			select {
			case tw.requests <- req:
			case <-tw.done:
				return
			}

		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case tw.errors <- err:
			case <-tw.done:
				return
			}
		}
	}
}

// convertEvent maps a create or write of a trigger file to a request.
func convertEvent(event fsnotify.Event) (Request, bool) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return 0, false
	}
	switch filepath.Base(event.Name) {
	case SyncNowFile:
		return RequestImmediate, true
	case SyncOnlineFile:
		return RequestWhenOnline, true
	default:
		return 0, false
	}
}

// IsRunning reports whether the watcher has been started and not stopped.
func (tw *TriggerWatcher) IsRunning() bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.running
}
