package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hostbeat.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Backend != "badger" {
		t.Errorf("default backend = %q, want badger", cfg.Backend)
	}
	if cfg.Heartbeat.Interval.D() != 60*time.Second || cfg.Heartbeat.TTL.D() != 120*time.Second {
		t.Errorf("default heartbeat = %+v", cfg.Heartbeat)
	}
	if cfg.Retention.MaxStorageBytes != 1<<30 {
		t.Errorf("default size cap = %d, want 1 GiB", cfg.Retention.MaxStorageBytes)
	}
}

func TestLoad_FileOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
backend: memory
heartbeat:
  interval: 30s
  ttl: 90s
retention:
  raw_samples: 48h
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Listen != ":9000" || cfg.Backend != "memory" {
		t.Errorf("overlay not applied: listen %q backend %q", cfg.Listen, cfg.Backend)
	}
	if cfg.Heartbeat.Interval.D() != 30*time.Second {
		t.Errorf("interval = %v, want 30s", cfg.Heartbeat.Interval.D())
	}
	if cfg.Retention.RawSamples.D() != 48*time.Hour {
		t.Errorf("raw_samples = %v, want 48h", cfg.Retention.RawSamples.D())
	}
	// Untouched keys keep their defaults.
	if cfg.Retention.Rollup1h.D() != 365*24*time.Hour {
		t.Errorf("rollup_1h default lost: %v", cfg.Retention.Rollup1h.D())
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"non-monotonic tiers", func(c *Config) {
			c.Retention.RawSamples = Duration(30 * 24 * time.Hour)
			c.Retention.Rollup1m = Duration(24 * time.Hour)
		}},
		{"ttl under interval", func(c *Config) {
			c.Heartbeat.TTL = Duration(10 * time.Second)
		}},
		{"zero interval", func(c *Config) {
			c.Heartbeat.Interval = 0
		}},
		{"bad percent", func(c *Config) {
			c.DiskGuard.MinFreePercent = 150
		}},
		{"unknown backend", func(c *Config) {
			c.Backend = "sqlite"
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidate_DefaultsAreValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestDuration_UnmarshalForms(t *testing.T) {
	path := writeConfig(t, `
heartbeat:
  interval: 1m30s
  ttl: 300s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Heartbeat.Interval.D() != 90*time.Second {
		t.Errorf("interval = %v, want 1m30s", cfg.Heartbeat.Interval.D())
	}
	if cfg.Heartbeat.TTL.D() != 5*time.Minute {
		t.Errorf("ttl = %v, want 5m", cfg.Heartbeat.TTL.D())
	}
}

func TestLoad_InvalidFileRejected(t *testing.T) {
	path := writeConfig(t, `backend: "nope"`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for unknown backend")
	}
}

// rewrite replaces the file and forces its mtime forward so the watcher's
// mtime comparison sees a change regardless of filesystem granularity.
func rewrite(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("set mtime: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestManager_WatchReloadsOnChange(t *testing.T) {
	path := writeConfig(t, "listen: \":7001\"\n")
	m, err := NewManager(path, slog.Default())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	m.poll = 2 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	rewrite(t, path, "listen: \":7002\"\n", time.Now().Add(time.Hour))
	waitFor(t, func() bool { return m.Current().Listen == ":7002" },
		"watcher never swapped in the rewritten snapshot")

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch returned %v on cancel", err)
	}
}

func TestManager_WatchKeepsOldSnapshotOnInvalidRewrite(t *testing.T) {
	path := writeConfig(t, "listen: \":7001\"\n")
	m, err := NewManager(path, slog.Default())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	m.poll = 2 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	rewrite(t, path, "backend: \"nope\"\n", time.Now().Add(time.Hour))

	// Give the watcher many poll intervals to look at the bad file, then
	// check nothing leaked into the live snapshot.
	time.Sleep(100 * time.Millisecond)
	if got := m.Current(); got.Listen != ":7001" || got.Backend != "badger" {
		t.Errorf("invalid rewrite leaked into snapshot: %+v", got)
	}

	// A later valid rewrite still lands, so rejection did not wedge the loop.
	rewrite(t, path, "listen: \":7003\"\n", time.Now().Add(2*time.Hour))
	waitFor(t, func() bool { return m.Current().Listen == ":7003" },
		"watcher never recovered after rejecting the invalid file")
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch returned %v on cancel", err)
	}
}
