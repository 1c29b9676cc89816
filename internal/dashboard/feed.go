package dashboard

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/steveyegge/taskcache/internal/schema"
	"github.com/steveyegge/taskcache/internal/store"
	"github.com/steveyegge/taskcache/internal/worker"
)

// SyncCompleteData is the payload of a sync_complete message.
type SyncCompleteData struct {
	Attempted    int    `json:"attempted"`
	Completed    int    `json:"completed"`
	Retried      int    `json:"retried"`
	Failed       int    `json:"failed"`
	Deferred     int    `json:"deferred"`
	Pruned       int    `json:"pruned"`
	RetryNeeded  bool   `json:"retry_needed"`
	Error        string `json:"error,omitempty"`
	RefreshError string `json:"refresh_error,omitempty"`
}

// ReminderData is the payload of a reminder message.
type ReminderData struct {
	TaskID int64      `json:"task_id"`
	Title  string     `json:"title"`
	DueAt  *time.Time `json:"due_at,omitempty"`
}

// Feed turns cache changes and sync outcomes into dashboard messages.
type Feed struct {
	server *Server
	db     *store.DB
	logger *log.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFeed creates a feed that broadcasts through server.
func NewFeed(server *Server, db *store.DB, logger *log.Logger) *Feed {
	if logger == nil {
		logger = log.Default()
	}
	return &Feed{server: server, db: db, logger: logger}
}

// Welcome returns the snapshot a newly connected client starts from. It is
// meant for Config.Welcome.
func (f *Feed) Welcome(ctx context.Context) []Message {
	counts, err := f.db.Outbox().Counts(ctx)
	if err != nil {
		f.logger.Printf("WARNING: Failed to read outbox counts: %v", err)
		return nil
	}
	msg, err := NewMessage(MessageTypeOutboxCounts, counts)
	if err != nil {
		return nil
	}
	return []Message{msg}
}

// Start begins watching the cache.
func (f *Feed) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel

	counts := f.db.Outbox().WatchCounts(ctx)
	tasks, unsubTasks := f.db.Subscribe(store.TopicTasks)
	labels, unsubLabels := f.db.Subscribe(store.TopicLabels)

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer unsubTasks()
		defer unsubLabels()
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-counts:
				if !ok {
					return
				}
				f.send(MessageTypeOutboxCounts, c)
			case <-tasks:
				f.send(MessageTypeTasksChanged, nil)
			case <-labels:
				f.send(MessageTypeLabelsChanged, nil)
			}
		}
	}()
}

// Stop ends the watchers.
func (f *Feed) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
}

// OnSyncResult reports a finished run. Its signature matches the
// scheduler's OnResult hook.
func (f *Feed) OnSyncResult(res *worker.Result, err error) {
	data := SyncCompleteData{}
	if res != nil {
		data.Attempted = res.Attempted
		data.Completed = res.Completed
		data.Retried = res.Retried
		data.Failed = res.Failed
		data.Deferred = res.Deferred
		data.Pruned = res.Pruned
		data.RetryNeeded = res.RetryNeeded
		if res.RefreshErr != nil {
			data.RefreshError = res.RefreshErr.Error()
		}
	}
	if err != nil {
		data.Error = err.Error()
	}
	f.send(MessageTypeSyncComplete, data)
}

// OnReminder announces a due task.
func (f *Feed) OnReminder(task *schema.Task) {
	f.logger.Printf("Task %d due: %s", task.ID, task.Title)
	f.send(MessageTypeReminder, ReminderData{TaskID: task.ID, Title: task.Title, DueAt: task.DueAt})
}

func (f *Feed) send(typ MessageType, data any) {
	msg, err := NewMessage(typ, data)
	if err != nil {
		f.logger.Printf("Failed to build %s message: %v", typ, err)
		return
	}
	f.server.Broadcast(msg)
}
