package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.File != "" {
		t.Errorf("File = %q, want empty for a missing file", cfg.File)
	}
	if cfg.Server.Timeout != 10*time.Second {
		t.Errorf("Server.Timeout = %s, want 10s", cfg.Server.Timeout)
	}
	if cfg.Sync.Interval != 15*time.Minute || cfg.Sync.BackoffBase != 30*time.Second || cfg.Sync.BackoffMax != time.Hour {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	if cfg.Sync.MaxRetries != 5 || cfg.Sync.PageSize != 50 {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	if cfg.Data.Dir != filepath.Join(home, ".taskcache") {
		t.Errorf("Data.Dir = %q", cfg.Data.Dir)
	}
	if cfg.DatabasePath() != filepath.Join(home, ".taskcache", "cache.db") {
		t.Errorf("DatabasePath() = %q", cfg.DatabasePath())
	}
	if !cfg.Log.Compress || cfg.Log.MaxSizeMB != 10 {
		t.Errorf("Log = %+v", cfg.Log)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
url = "https://tasks.example.com"
timeout = "3s"

[sync]
page_size = 20
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	t.Setenv("TASKCACHE_SYNC_PAGE_SIZE", "7")
	t.Setenv("TASKCACHE_SERVER_TOKEN", "secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.File != path {
		t.Errorf("File = %q, want %q", cfg.File, path)
	}
	if cfg.Server.URL != "https://tasks.example.com" || cfg.Server.Timeout != 3*time.Second {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Sync.PageSize != 7 {
		t.Errorf("PageSize = %d, want env override 7", cfg.Sync.PageSize)
	}
	if cfg.Server.Token != "secret" {
		t.Errorf("Token = %q, want env value", cfg.Server.Token)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero retries", "[sync]\nmax_retries = 0\n"},
		{"zero page size", "[sync]\npage_size = 0\n"},
		{"backoff above max", "[sync]\nbackoff_base = \"2h\"\nbackoff_max = \"1h\"\n"},
		{"port out of range", "[dashboard]\nport = 70000\n"},
		{"malformed", "[sync\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatalf("WriteFile() failed: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load() should fail")
			}
		})
	}
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	if err := WriteDefault(path, false); err != nil {
		t.Fatalf("WriteDefault() failed: %v", err)
	}
	if err := WriteDefault(path, false); err == nil {
		t.Error("WriteDefault() should refuse to overwrite")
	}
	if err := WriteDefault(path, true); err != nil {
		t.Fatalf("WriteDefault(force) failed: %v", err)
	}

	fromFile, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	fromDefaults, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	fromFile.File = ""
	if *fromFile != *fromDefaults {
		t.Errorf("written defaults differ:\n%+v\n%+v", fromFile, fromDefaults)
	}
}

func TestYAML_RedactsToken(t *testing.T) {
	t.Setenv("TASKCACHE_SERVER_TOKEN", "secret")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	out, err := cfg.YAML()
	if err != nil {
		t.Fatalf("YAML() failed: %v", err)
	}
	if strings.Contains(string(out), "secret") {
		t.Errorf("YAML() leaks the token:\n%s", out)
	}
	if !strings.Contains(string(out), "page_size: 50") {
		t.Errorf("YAML() missing page_size:\n%s", out)
	}
	if cfg.Server.Token != "secret" {
		t.Error("YAML() modified the config")
	}
}
