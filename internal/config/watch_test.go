package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boxsync.json")
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Config, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := Watch(ctx, path, func(c Config) { got <- c }); err != nil {
			t.Errorf("watch: %v", err)
		}
	}()

	// Let the watcher attach before writing.
	time.Sleep(100 * time.Millisecond)

	cfg := Default()
	cfg.Identity.Username = "updated"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-got:
		if c.Identity.Username != "updated" {
			t.Fatalf("reloaded username = %q", c.Identity.Username)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reload never fired")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch did not stop on cancel")
	}
}

func TestWatchSkipsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boxsync.json")
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Config, 4)
	go func() {
		_ = Watch(ctx, path, func(c Config) { got <- c })
	}()
	time.Sleep(100 * time.Millisecond)

	// A half-saved file must not reach onChange.
	if err := os.WriteFile(path, []byte(`{"identity":{"user`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-got:
		t.Fatalf("invalid config delivered: %+v", c)
	case <-time.After(500 * time.Millisecond):
	}
}
