package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Default()
	cfg.Identity = Identity{ID: "alice", Name: "Alice"}
	cfg.Coordinator.URL = "wss://coord.example.org/socket"
	return cfg
}

func TestValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		cfg := validConfig()
		if err := cfg.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("trims identity id", func(t *testing.T) {
		cfg := validConfig()
		cfg.Identity.ID = "  alice  "
		if err := cfg.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Identity.ID != "alice" {
			t.Fatalf("id = %q, want alice", cfg.Identity.ID)
		}
	})

	bad := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty identity id", func(c *Config) { c.Identity.ID = "" }},
		{"missing coordinator url", func(c *Config) { c.Coordinator.URL = "" }},
		{"bad coordinator scheme", func(c *Config) { c.Coordinator.URL = "ftp://x.example" }},
		{"zero ring timeout", func(c *Config) { c.Call.RingTimeoutSec = 0 }},
		{"zero frame interval", func(c *Config) { c.Call.FrameIntervalMs = 0 }},
		{"bad stun url", func(c *Config) { c.Media.StunServers = []string{"turn:relay.example"} }},
		{"inverted backoff", func(c *Config) {
			c.Coordinator.ReconnectMinMs = 5000
			c.Coordinator.ReconnectMaxMs = 100
		}},
	}
	for _, tc := range bad {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"identity":{"id":"bob"},"coordinator":{"url":"ws://127.0.0.1:9000/socket"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Call.RingTimeoutSec != 40 {
		t.Fatalf("ring timeout = %d, want default 40", cfg.Call.RingTimeoutSec)
	}
	if cfg.Call.FrameIntervalMs != 500 {
		t.Fatalf("frame interval = %d, want default 500", cfg.Call.FrameIntervalMs)
	}
	if len(cfg.Media.StunServers) == 0 {
		t.Fatal("stun servers default missing")
	}
}

func TestLoadStripsBOM(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"id":"bob"},"coordinator":{"url":"ws://h:1/s"}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load with BOM: %v", err)
	}
}

func TestEnsureCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg, created, err := Ensure(path, Identity{ID: "carol", Name: "Carol"})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !created {
		t.Fatal("expected created=true on first call")
	}
	if cfg.Identity.ID != "carol" {
		t.Fatalf("identity = %q, want carol", cfg.Identity.ID)
	}

	again, created, err := Ensure(path, Identity{ID: "ignored"})
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if created {
		t.Fatal("expected created=false on second call")
	}
	if again.Identity.ID != "carol" {
		t.Fatalf("identity after reload = %q, want carol", again.Identity.ID)
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := Save(path, validConfig()); err != nil {
		t.Fatal(err)
	}

	var reloads atomic.Int32
	var lastTimeout atomic.Int32
	stop, err := Watch(path, func(cfg Config) {
		lastTimeout.Store(int32(cfg.Call.RingTimeoutSec))
		reloads.Add(1)
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stop()

	cfg := validConfig()
	cfg.Call.RingTimeoutSec = 25
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if reloads.Load() > 0 {
			if got := lastTimeout.Load(); got != 25 {
				t.Fatalf("reloaded ring timeout = %d, want 25", got)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("config change was not observed")
}

func TestWatchKeepsCurrentOnInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := Save(path, validConfig()); err != nil {
		t.Fatal(err)
	}

	var reloads atomic.Int32
	stop, err := Watch(path, func(Config) { reloads.Add(1) })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stop()

	if err := os.WriteFile(path, []byte(`{"identity":{"id":""}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(600 * time.Millisecond)
	if n := reloads.Load(); n != 0 {
		t.Fatalf("invalid config triggered %d reload(s)", n)
	}
}
