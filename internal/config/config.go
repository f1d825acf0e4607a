// Package config holds the client configuration file. JSON on disk, loaded
// over defaults so missing fields stay initialized.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Identity Identity `json:"identity"`
	Backend  Backend  `json:"backend"`
	Broker   Broker   `json:"broker"`
	Mesh     Mesh     `json:"mesh"`
	Sync     Sync     `json:"sync"`
	Call     Call     `json:"call"`
}

// Identity of this client inside a box. UserID empty means the backend
// login response supplies it.
type Identity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// Backend is the REST API that owns boxes, movies and users.
type Backend struct {
	BaseURL    string `json:"base_url"`
	TimeoutSec int    `json:"timeout_seconds"`
}

// Broker is the websocket pub/sub link.
type Broker struct {
	Endpoint          string `json:"endpoint"`
	ReconnectDelaySec int    `json:"reconnect_delay_seconds"`
	MaxRedials        int    `json:"max_redials"`
}

// Mesh configures the serverless LAN transport. When Enabled, the broker
// link is not used at all.
type Mesh struct {
	Enabled    bool     `json:"enabled"`
	KeyFile    string   `json:"key_file"`
	ListenPort int      `json:"listen_port"`
	MdnsTag    string   `json:"mdns_tag"`
	Bootstrap  []string `json:"bootstrap,omitempty"`
}

// Sync tunes the room sync engine.
type Sync struct {
	EchoSuppressMs int `json:"echo_suppress_ms"`
	SeekDebounceMs int `json:"seek_debounce_ms"`
}

// Call tunes the call engine.
type Call struct {
	OfferDelayMs int      `json:"offer_delay_ms"`
	ICEServers   []string `json:"ice_servers"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			Username: "guest",
		},
		Backend: Backend{
			BaseURL:    "http://localhost:8080/api",
			TimeoutSec: 5,
		},
		Broker: Broker{
			Endpoint:          "ws://localhost:8080/ws",
			ReconnectDelaySec: 2,
			MaxRedials:        5,
		},
		Mesh: Mesh{
			Enabled:    false,
			KeyFile:    "data/identity.key",
			ListenPort: 0,
			MdnsTag:    "boxsync-mdns",
		},
		Sync: Sync{
			EchoSuppressMs: 500,
			SeekDebounceMs: 300,
		},
		Call: Call{
			OfferDelayMs: 1000,
			ICEServers:   []string{"stun:stun.l.google.com:19302"},
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.Username) == "" {
		return errors.New("identity.username is required")
	}

	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return errors.New("backend.base_url is required")
	}
	if _, err := url.Parse(c.Backend.BaseURL); err != nil {
		return fmt.Errorf("backend.base_url: %w", err)
	}
	if c.Backend.TimeoutSec <= 0 {
		return errors.New("backend.timeout_seconds must be > 0")
	}

	if !c.Mesh.Enabled {
		ep := strings.TrimSpace(c.Broker.Endpoint)
		if ep == "" {
			return errors.New("broker.endpoint is required when mesh is disabled")
		}
		u, err := url.Parse(ep)
		if err != nil {
			return fmt.Errorf("broker.endpoint: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.New("broker.endpoint scheme must be ws or wss")
		}
		if c.Broker.ReconnectDelaySec <= 0 {
			return errors.New("broker.reconnect_delay_seconds must be > 0")
		}
		if c.Broker.MaxRedials <= 0 {
			return errors.New("broker.max_redials must be > 0")
		}
	} else {
		if c.Mesh.ListenPort < 0 || c.Mesh.ListenPort > 65535 {
			return errors.New("mesh.listen_port must be 0..65535")
		}
		if strings.TrimSpace(c.Mesh.MdnsTag) == "" {
			return errors.New("mesh.mdns_tag is required when mesh is enabled")
		}
	}

	if c.Sync.EchoSuppressMs <= 0 {
		return errors.New("sync.echo_suppress_ms must be > 0")
	}
	if c.Sync.SeekDebounceMs <= 0 {
		return errors.New("sync.seek_debounce_ms must be > 0")
	}
	if c.Call.OfferDelayMs <= 0 {
		return errors.New("call.offer_delay_ms must be > 0")
	}
	if len(c.Call.ICEServers) == 0 {
		return errors.New("call.ice_servers must not be empty")
	}

	return nil
}

// BackendTimeout returns the HTTP client timeout as a duration.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSec) * time.Second
}

// ReconnectDelay returns the redial interval as a duration.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Broker.ReconnectDelaySec) * time.Second
}

// EchoSuppress returns the echo window as a duration.
func (c *Config) EchoSuppress() time.Duration {
	return time.Duration(c.Sync.EchoSuppressMs) * time.Millisecond
}

// SeekDebounce returns the seek coalescing delay as a duration.
func (c *Config) SeekDebounce() time.Duration {
	return time.Duration(c.Sync.SeekDebounceMs) * time.Millisecond
}

// OfferDelay returns the glare-avoidance delay as a duration.
func (c *Config) OfferDelay() time.Duration {
	return time.Duration(c.Call.OfferDelayMs) * time.Millisecond
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip a UTF-8 BOM — common when the file was edited on Windows.
	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Ensure loads the config if the file exists, otherwise writes the default
// one. Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}
