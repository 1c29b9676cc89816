package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "taskcache.log")
	out := Open(Options{File: path, MaxSizeMB: 1, MaxBackups: 1})

	out.Logger("worker").Printf("Sync complete: attempted=%d", 2)
	if err := out.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if !strings.Contains(string(data), "[worker] ") || !strings.Contains(string(data), "attempted=2") {
		t.Errorf("log file = %q", data)
	}
}

func TestOpen_Rotate(t *testing.T) {
	dir := t.TempDir()
	out := Open(Options{File: filepath.Join(dir, "taskcache.log")})
	defer out.Close()

	out.Logger("daemon").Println("before")
	if err := out.Rotate(); err != nil {
		t.Fatalf("Rotate() failed: %v", err)
	}
	out.Logger("daemon").Println("after")

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("files after rotate = %d, want 2", len(entries))
	}
}

func TestOpen_Discard(t *testing.T) {
	out := Open(Options{})
	out.Logger("cli").Println("dropped")
	if err := out.Rotate(); err != nil {
		t.Errorf("Rotate() failed: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
}
