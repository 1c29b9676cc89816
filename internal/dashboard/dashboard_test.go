package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/steveyegge/taskcache/internal/schema"
	"github.com/steveyegge/taskcache/internal/store"
	"github.com/steveyegge/taskcache/internal/worker"
)

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func openDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// startFeed starts a server with a feed attached and connects one client.
func startFeed(t *testing.T, db *store.DB) (*Server, *Feed, *websocket.Conn) {
	t.Helper()

	config := &Config{Port: 0, Logger: quietLogger()}
	server := NewServer(config)
	feed := NewFeed(server, db, quietLogger())
	config.Welcome = feed.Welcome

	if err := server.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	feed.Start()
	t.Cleanup(feed.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return server, feed, conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	return msg
}

// readUntil skips messages until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ MessageType) Message {
	t.Helper()
	for i := 0; i < 20; i++ {
		if msg := readMessage(t, conn); msg.Type == typ {
			return msg
		}
	}
	t.Fatalf("no %s message received", typ)
	return Message{}
}

// waitClients blocks until the server has registered n clients.
func waitClients(t *testing.T, server *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want %d", server.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: quietLogger()})
	if err := server.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if server.Addr() == "" {
		t.Fatal("Addr() is empty")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
}

func TestWelcomeCarriesCounts(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	task := &schema.Task{ID: 5, Title: "buy milk"}
	task.SetDefaults(time.Now())
	if _, err := db.Outbox().EnqueueNonCreate(ctx, schema.EntityTask, 5, schema.ActionUpdate, schema.TaskPayload(task)); err != nil {
		t.Fatalf("EnqueueNonCreate() failed: %v", err)
	}

	_, _, conn := startFeed(t, db)

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeOutboxCounts {
		t.Fatalf("first message = %s, want %s", msg.Type, MessageTypeOutboxCounts)
	}
	var counts store.Counts
	if err := json.Unmarshal(msg.Data, &counts); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if counts.Pending != 1 || counts.Failed != 0 {
		t.Errorf("counts = %+v, want 1 pending", counts)
	}
}

func TestTaskChangeBroadcast(t *testing.T) {
	db := openDB(t)
	server, _, conn := startFeed(t, db)
	readMessage(t, conn)
	waitClients(t, server, 1)

	task := &schema.Task{ID: 9, Title: "water plants"}
	task.SetDefaults(time.Now())
	if err := db.UpsertTask(context.Background(), task); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}

	readUntil(t, conn, MessageTypeTasksChanged)
}

func TestSyncResultBroadcast(t *testing.T) {
	db := openDB(t)
	server, feed, conn := startFeed(t, db)
	readMessage(t, conn)
	waitClients(t, server, 1)

	feed.OnSyncResult(&worker.Result{Attempted: 3, Completed: 2, Retried: 1, RetryNeeded: true, RefreshErr: errors.New("offline")}, nil)

	msg := readUntil(t, conn, MessageTypeSyncComplete)
	var data SyncCompleteData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if data.Attempted != 3 || data.Completed != 2 || !data.RetryNeeded || data.RefreshError != "offline" {
		t.Errorf("data = %+v", data)
	}
}

func TestReminderBroadcast(t *testing.T) {
	db := openDB(t)
	server, feed, conn := startFeed(t, db)
	readMessage(t, conn)
	waitClients(t, server, 1)

	feed.OnReminder(&schema.Task{ID: 4, Title: "call mom"})

	msg := readUntil(t, conn, MessageTypeReminder)
	var data ReminderData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if data.TaskID != 4 || data.Title != "call mom" {
		t.Errorf("data = %+v", data)
	}
}

func TestClientDisconnect(t *testing.T) {
	db := openDB(t)
	server, _, conn := startFeed(t, db)
	readMessage(t, conn)
	waitClients(t, server, 1)

	conn.Close(websocket.StatusNormalClosure, "")
	waitClients(t, server, 0)
}
