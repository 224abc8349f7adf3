package manager

import (
	"os"
	"path/filepath"
	"testing"

	"egress-proxy/internal/config"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
}

func TestReloadSwapsConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "log_level: \"info\"\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	cm := New(cfg, path)

	writeConfig(t, path, "log_level: \"debug\"\n")
	if err := cm.Reload(); err != nil {
		t.Fatalf("Reload() = %v", err)
	}
	if got := cm.Get().LogLevel; got != "debug" {
		t.Fatalf("LogLevel after reload = %q, want %q", got, "debug")
	}
}

func TestReloadKeepsOldConfigOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "log_level: \"warn\"\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	cm := New(cfg, path)

	writeConfig(t, path, "dns:\n  strategy: \"bogus\"\n")
	if err := cm.Reload(); err == nil {
		t.Fatal("Reload() with invalid config did not fail")
	}
	if got := cm.Get().LogLevel; got != "warn" {
		t.Fatalf("LogLevel after failed reload = %q, want %q", got, "warn")
	}
}
