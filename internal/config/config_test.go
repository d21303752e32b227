package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{
		ServerURL: "https://chat.example.com",
		Token:     "secret",
		SelfID:    "u1",
		SelfName:  "Diego",
		Timing: Timing{
			TypingDebounce: Duration(1200 * time.Millisecond),
			DedupWindow:    Duration(5 * time.Second),
		},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.ServerURL != cfg.ServerURL {
		t.Errorf("ServerURL = %q, want %q", loaded.ServerURL, cfg.ServerURL)
	}
	if loaded.SelfID != "u1" {
		t.Errorf("SelfID = %q, want %q", loaded.SelfID, "u1")
	}
	if got := loaded.Timing.TypingDebounce.Std(); got != 1200*time.Millisecond {
		t.Errorf("TypingDebounce = %v, want 1.2s", got)
	}
	if got := loaded.Timing.DedupWindow.Std(); got != 5*time.Second {
		t.Errorf("DedupWindow = %v, want 5s", got)
	}
}

func TestUnsetTimingIsZero(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{ServerURL: "https://x"}); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := loaded.Timing.TypingIdleTimeout.Std(); got != 0 {
		t.Errorf("TypingIdleTimeout = %v, want 0 (component default applies)", got)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{Token: "secret"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
