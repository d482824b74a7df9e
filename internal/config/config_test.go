package config

import (
	"path/filepath"
	"testing"
)

func TestEnsureExistsWritesDefaultThenSkipsOnSecondCall(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s3cacheproxy.toml")

	if err := EnsureExists(path, false); err != nil {
		t.Fatalf("EnsureExists: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.Addr != ":8443" {
		t.Fatalf("Listen.Addr = %q", cfg.Listen.Addr)
	}

	// Mutate on disk, then ensure a second non-forced call leaves it alone.
	cfg.Listen.Addr = ":9999"
	if err := Write(path, cfg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := EnsureExists(path, false); err != nil {
		t.Fatalf("EnsureExists (second): %v", err)
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Listen.Addr != ":9999" {
		t.Fatalf("expected existing file preserved, got %q", reloaded.Listen.Addr)
	}
}

func TestEnsureExistsForceOverwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s3cacheproxy.toml")
	cfg := Default()
	cfg.Listen.Addr = ":1111"
	if err := Write(path, cfg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := EnsureExists(path, true); err != nil {
		t.Fatalf("EnsureExists(force): %v", err)
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Listen.Addr != ":8443" {
		t.Fatalf("expected default restored, got %q", reloaded.Listen.Addr)
	}
}
