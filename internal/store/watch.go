package store

import (
	"context"
	"sync"
)

// Topic names a group of tables whose change subscribers care about.
type Topic string

const (
	TopicTasks    Topic = "tasks"
	TopicLabels   Topic = "labels"
	TopicProjects Topic = "projects"
	TopicOutbox   Topic = "outbox"
)

// notifier fans out change signals. A subscriber's channel holds at most one
// pending signal; observers re-query on wake-up, so coalescing is lossless.
type notifier struct {
	mu   sync.Mutex
	next int
	subs map[int]*subscription
}

type subscription struct {
	topics map[Topic]bool
	ch     chan struct{}
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[int]*subscription)}
}

func (n *notifier) subscribe(topics ...Topic) (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub := &subscription{
		topics: make(map[Topic]bool, len(topics)),
		ch:     make(chan struct{}, 1),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	id := n.next
	n.next++
	n.subs[id] = sub

	return sub.ch, func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

func (n *notifier) publish(topics ...Topic) {
	if len(topics) == 0 {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	for _, sub := range n.subs {
		for _, t := range topics {
			if !sub.topics[t] {
				continue
			}
			select {
			case sub.ch <- struct{}{}:
			default:
			}
			break
		}
	}
}

// Subscribe returns a channel signalled after every committed change to any
// of the given topics, and a function that ends the subscription.
func (db *DB) Subscribe(topics ...Topic) (<-chan struct{}, func()) {
	return db.notify.subscribe(topics...)
}

// watch emits load()'s result once immediately and again after every change
// to topics, until ctx is done. The returned channel is closed on exit.
func watch[T any](ctx context.Context, db *DB, topics []Topic, load func(context.Context) (T, error)) <-chan T {
	out := make(chan T, 1)
	signal, cancel := db.notify.subscribe(topics...)

	go func() {
		defer close(out)
		defer cancel()

		emit := func() bool {
			v, err := load(ctx)
			if err != nil {
				if ctx.Err() == nil {
					db.logger.Printf("Watch query failed: %v", err)
				}
				return ctx.Err() == nil
			}
			select {
			case out <- v:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-signal:
				if !emit() {
					return
				}
			}
		}
	}()

	return out
}
