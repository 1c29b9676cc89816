package daemon

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Trigger files in the data directory. Any process sharing the directory
// can request a run by writing one of them; a running daemon picks it up.
const (
	SyncNowFile    = "sync.now"
	SyncOnlineFile = "sync.online"
)

// FileTrigger requests sync runs by touching trigger files. It lets
// short-lived processes such as CLI commands hand work to the daemon.
type FileTrigger struct {
	dir    string
	logger *log.Logger
}

// NewFileTrigger creates a trigger writing into dir.
func NewFileTrigger(dir string, logger *log.Logger) *FileTrigger {
	if logger == nil {
		logger = log.Default()
	}
	return &FileTrigger{dir: dir, logger: logger}
}

// EnqueueWhenOnline asks for a run once the server is reachable.
func (t *FileTrigger) EnqueueWhenOnline() {
	if err := t.touch(SyncOnlineFile); err != nil {
		t.logger.Printf("WARNING: %v", err)
	}
}

// EnqueueImmediate asks for a run now.
func (t *FileTrigger) EnqueueImmediate() {
	if err := t.touch(SyncNowFile); err != nil {
		t.logger.Printf("WARNING: %v", err)
	}
}

func (t *FileTrigger) touch(name string) error {
	path := filepath.Join(t.dir, name)
	stamp := time.Now().UTC().Format(time.RFC3339Nano) + "\n"
	if err := os.WriteFile(path, []byte(stamp), 0o644); err != nil {
		return fmt.Errorf("failed to write trigger %s: %w", path, err)
	}
	return nil
}
