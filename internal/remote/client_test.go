package remote_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/steveyegge/taskcache/internal/remote"
	"github.com/steveyegge/taskcache/internal/remote/remotetest"
	"github.com/steveyegge/taskcache/internal/schema"
)

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"empty", "", true},
		{"no scheme", "tasks.example.com", true},
		{"ftp", "ftp://tasks.example.com", true},
		{"https", "https://tasks.example.com/", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := remote.NewClient(remote.Config{BaseURL: tt.url})
			if (err != nil) != tt.wantErr {
				t.Errorf("NewClient(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestClient_TaskRoundTrip(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	client := srv.Client(5 * time.Second)
	ctx := context.Background()

	created, err := client.CreateTask(ctx, &schema.Task{Title: "Buy milk", Priority: 2})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if created.ID <= 0 {
		t.Fatalf("CreateTask() id = %d, want positive", created.ID)
	}

	created.Title = "Buy oat milk"
	updated, err := client.UpdateTask(ctx, created)
	if err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}
	if updated.Title != "Buy oat milk" {
		t.Errorf("UpdateTask() title = %q", updated.Title)
	}

	if err := client.DeleteTask(ctx, created.ID); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}
	err = client.DeleteTask(ctx, created.ID)
	if !remote.IsStatus(err, http.StatusNotFound) {
		t.Errorf("second DeleteTask() error = %v, want 404", err)
	}
}

func TestClient_LabelAssociations(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	client := srv.Client(5 * time.Second)
	ctx := context.Background()

	task, err := client.CreateTask(ctx, &schema.Task{Title: "tag me"})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	label, err := client.CreateLabel(ctx, &schema.Label{Title: "home", HexColor: "00ff00"})
	if err != nil {
		t.Fatalf("CreateLabel() failed: %v", err)
	}

	if err := client.AddLabelToTask(ctx, task.ID, label.ID); err != nil {
		t.Fatalf("AddLabelToTask() failed: %v", err)
	}
	if err := client.AddLabelToTask(ctx, task.ID, label.ID); !remote.IsStatus(err, http.StatusConflict) {
		t.Errorf("second AddLabelToTask() error = %v, want 409", err)
	}
	if got := srv.Task(task.ID); !got.HasLabel(label.ID) {
		t.Errorf("server task labels = %v, want %d", got.LabelIDs(), label.ID)
	}

	if err := client.RemoveLabelFromTask(ctx, task.ID, label.ID); err != nil {
		t.Fatalf("RemoveLabelFromTask() failed: %v", err)
	}
	if err := client.RemoveLabelFromTask(ctx, task.ID, label.ID); !remote.IsStatus(err, http.StatusNotFound) {
		t.Errorf("second RemoveLabelFromTask() error = %v, want 404", err)
	}
}

func TestClient_IdempotentCreate(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	client := srv.Client(5 * time.Second)
	ctx := remote.WithIdempotencyKey(context.Background(), "key-1")

	first, err := client.CreateTask(ctx, &schema.Task{Title: "once"})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	second, err := client.CreateTask(ctx, &schema.Task{Title: "once"})
	if err != nil {
		t.Fatalf("replayed CreateTask() failed: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("replay created id %d, want %d", second.ID, first.ID)
	}
	if n := len(srv.Tasks()); n != 1 {
		t.Errorf("server has %d tasks, want 1", n)
	}
}

func TestClient_StatusAndDecodeErrors(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	client := srv.Client(5 * time.Second)

	srv.FailNext(http.StatusForbidden, 1, "POST /tasks")
	_, err := client.CreateTask(context.Background(), &schema.Task{Title: "nope"})
	var se *remote.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusForbidden {
		t.Fatalf("CreateTask() error = %v, want 403 StatusError", err)
	}

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{not json"))
	}))
	defer garbage.Close()
	gc, err := remote.NewClient(remote.Config{BaseURL: garbage.URL})
	if err != nil {
		t.Fatalf("NewClient() failed: %v", err)
	}
	_, err = gc.ListLabels(context.Background(), 1, 10)
	var de *remote.DecodeError
	if !errors.As(err, &de) {
		t.Errorf("ListLabels() error = %v, want DecodeError", err)
	}
}

func TestClient_Timeout(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	srv.SetDelay(500 * time.Millisecond)
	client := srv.Client(50 * time.Millisecond)

	err := client.Health(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Health() error = %v, want deadline exceeded", err)
	}
}

func TestClient_AuthToken(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	srv.Token = "secret"

	ok := srv.Client(5 * time.Second)
	if _, err := ok.ListTasks(context.Background(), 1, 10); err != nil {
		t.Errorf("ListTasks() with token failed: %v", err)
	}

	bad, err := remote.NewClient(remote.Config{BaseURL: srv.URL, Token: "wrong"})
	if err != nil {
		t.Fatalf("NewClient() failed: %v", err)
	}
	if _, err := bad.ListTasks(context.Background(), 1, 10); !remote.IsStatus(err, http.StatusUnauthorized) {
		t.Errorf("ListTasks() with wrong token error = %v, want 401", err)
	}
}

func TestPaginate_ShortPageStops(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	for i := 1; i <= 7; i++ {
		srv.PutTask(&schema.Task{ID: int64(i), Title: "t"})
	}
	client := srv.Client(5 * time.Second)

	var pages, total int
	err := remote.Paginate(context.Background(), 3, client.ListTasks, func(items []*schema.Task) error {
		pages++
		total += len(items)
		return nil
	})
	if err != nil {
		t.Fatalf("Paginate() failed: %v", err)
	}
	if pages != 3 || total != 7 {
		t.Errorf("Paginate() saw %d pages / %d items, want 3 / 7", pages, total)
	}
}
