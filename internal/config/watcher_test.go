package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestWatcherDetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duplex.yaml")
	base := time.Now().Add(-time.Minute)
	writeConfig(t, path, "server:\n  log_level: info\n", base)

	changed := make(chan *Config, 1)
	w, err := NewWatcher(path, func(old, new *Config) {
		changed <- new
	}, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Stop()

	if got := w.Current().Server.LogLevel; got != LogInfo {
		t.Fatalf("initial LogLevel = %q, want info", got)
	}

	writeConfig(t, path, "server:\n  log_level: debug\n", base.Add(time.Second))

	select {
	case cfg := <-changed:
		if cfg.Server.LogLevel != LogDebug {
			t.Errorf("reloaded LogLevel = %q, want debug", cfg.Server.LogLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("change was not detected")
	}

	if got := w.Current().Server.LogLevel; got != LogDebug {
		t.Errorf("Current() LogLevel = %q, want debug", got)
	}
}

func TestWatcherKeepsPreviousConfigOnInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duplex.yaml")
	base := time.Now().Add(-time.Minute)
	writeConfig(t, path, "server:\n  log_level: info\n", base)

	w, err := NewWatcher(path, func(old, new *Config) {
		t.Error("onChange fired for an invalid config")
	}, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Stop()

	writeConfig(t, path, "server:\n  log_level: loud\n", base.Add(time.Second))
	time.Sleep(100 * time.Millisecond)

	if got := w.Current().Server.LogLevel; got != LogInfo {
		t.Errorf("Current() LogLevel = %q, want the previous value", got)
	}
}

func TestWatcherInitialLoadFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := NewWatcher(path, nil); err == nil {
		t.Fatal("NewWatcher() on a missing file succeeded")
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duplex.yaml")
	writeConfig(t, path, "", time.Now())

	w, err := NewWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w.Stop()
	w.Stop()
}
