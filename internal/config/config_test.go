package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.EchoSuppress() != 500*time.Millisecond {
		t.Fatalf("echo suppress = %s", cfg.EchoSuppress())
	}
	if cfg.SeekDebounce() != 300*time.Millisecond {
		t.Fatalf("seek debounce = %s", cfg.SeekDebounce())
	}
	if cfg.OfferDelay() != time.Second {
		t.Fatalf("offer delay = %s", cfg.OfferDelay())
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty username", func(c *Config) { c.Identity.Username = "  " }},
		{"empty backend url", func(c *Config) { c.Backend.BaseURL = "" }},
		{"zero backend timeout", func(c *Config) { c.Backend.TimeoutSec = 0 }},
		{"empty broker endpoint", func(c *Config) { c.Broker.Endpoint = "" }},
		{"http broker endpoint", func(c *Config) { c.Broker.Endpoint = "http://host/ws" }},
		{"zero reconnect delay", func(c *Config) { c.Broker.ReconnectDelaySec = 0 }},
		{"zero redial budget", func(c *Config) { c.Broker.MaxRedials = 0 }},
		{"zero echo window", func(c *Config) { c.Sync.EchoSuppressMs = 0 }},
		{"zero seek debounce", func(c *Config) { c.Sync.SeekDebounceMs = 0 }},
		{"zero offer delay", func(c *Config) { c.Call.OfferDelayMs = 0 }},
		{"no ice servers", func(c *Config) { c.Call.ICEServers = nil }},
		{"mesh without mdns tag", func(c *Config) {
			c.Mesh.Enabled = true
			c.Mesh.MdnsTag = ""
		}},
		{"mesh bad port", func(c *Config) {
			c.Mesh.Enabled = true
			c.Mesh.ListenPort = 70000
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestMeshModeSkipsBrokerChecks(t *testing.T) {
	cfg := Default()
	cfg.Mesh.Enabled = true
	cfg.Broker = Broker{} // broker unused, must not fail validation
	if err := cfg.Validate(); err != nil {
		t.Fatalf("mesh config invalid: %v", err)
	}
}

func TestLoadOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boxsync.json")
	os.WriteFile(path, []byte(`{"identity":{"username":"alice"},"sync":{"echo_suppress_ms":250,"seek_debounce_ms":300}}`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Identity.Username != "alice" {
		t.Fatalf("username = %q", cfg.Identity.Username)
	}
	if cfg.Sync.EchoSuppressMs != 250 {
		t.Fatalf("echo = %d", cfg.Sync.EchoSuppressMs)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Broker.Endpoint != "ws://localhost:8080/ws" {
		t.Fatalf("broker endpoint = %q", cfg.Broker.Endpoint)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boxsync.json")
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"username":"bom"}}`)...)
	os.WriteFile(path, data, 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Identity.Username != "bom" {
		t.Fatalf("username = %q", cfg.Identity.Username)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boxsync.json")
	os.WriteFile(path, []byte(`{"identity":{"username":""}}`), 0o644)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid config")
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "boxsync.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected file to be created")
	}
	if cfg.Identity.Username != "guest" {
		t.Fatalf("username = %q", cfg.Identity.Username)
	}

	cfg2, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("second Ensure must load, not create")
	}
	if cfg2.Broker.Endpoint != cfg.Broker.Endpoint {
		t.Fatal("reloaded config differs")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boxsync.json")
	cfg := Default()
	cfg.Identity.Username = "roundtrip"
	cfg.Call.OfferDelayMs = 1500

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Identity.Username != "roundtrip" || got.Call.OfferDelayMs != 1500 {
		t.Fatalf("round trip lost data: %+v", got)
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	cfg := Default()
	cfg.Identity.Username = ""
	if err := Save(filepath.Join(t.TempDir(), "x.json"), cfg); err == nil {
		t.Fatal("expected validation error")
	}
}
