package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/etopia1/ridelink/internal/util"
)

type Config struct {
	Identity    Identity    `json:"identity"`
	Coordinator Coordinator `json:"coordinator"`
	Call        Call        `json:"call"`
	Media       Media       `json:"media"`
}

type Identity struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

type Coordinator struct {
	// URL of the signaling coordinator's websocket endpoint.
	// Example: wss://coord.example.org/socket  or  ws://1.2.3.4:8080/socket
	URL string `json:"url"`

	// Reconnect backoff bounds (milliseconds). 0 = use defaults.
	ReconnectMinMs int `json:"reconnect_min_ms"`
	ReconnectMaxMs int `json:"reconnect_max_ms"`
}

type Call struct {
	// How long an outgoing call rings before it is treated as unanswered.
	RingTimeoutSec int `json:"ring_timeout_seconds"`

	// Cadence of the fallback base64 frame relay.
	FrameIntervalMs int `json:"frame_interval_ms"`

	// Cadence of the connected-time counter. Production wants 1000.
	DurationTickMs int `json:"duration_tick_ms"`
}

type Media struct {
	// STUN server URLs handed to the peer connections.
	// No TURN: when both sides are behind symmetric NAT the negotiated
	// connection fails and the call degrades to the frame-relay path.
	StunServers []string `json:"stun_servers"`

	// Force audio-only capture even for video calls.
	VoiceOnly bool `json:"voice_only"`

	// Skip local device capture entirely (receive-only sessions).
	DisableCapture bool `json:"disable_capture"`
}

func Default() Config {
	return Config{
		Coordinator: Coordinator{
			ReconnectMinMs: 500,
			ReconnectMaxMs: 10_000,
		},
		Call: Call{
			RingTimeoutSec:  40,
			FrameIntervalMs: 500,
			DurationTickMs:  1000,
		},
		Media: Media{
			StunServers: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	id, err := util.ValidateUserID(c.Identity.ID)
	if err != nil {
		return fmt.Errorf("identity.id: %w", err)
	}
	c.Identity.ID = id

	// Coordinator
	cu := strings.TrimSpace(c.Coordinator.URL)
	if cu == "" {
		return errors.New("coordinator.url is required")
	}
	if err := validateCoordinatorURL(cu); err != nil {
		return fmt.Errorf("coordinator.url: %w", err)
	}
	if c.Coordinator.ReconnectMinMs < 0 || c.Coordinator.ReconnectMaxMs < 0 {
		return errors.New("coordinator reconnect bounds must be >= 0")
	}
	if c.Coordinator.ReconnectMaxMs > 0 && c.Coordinator.ReconnectMinMs > c.Coordinator.ReconnectMaxMs {
		return errors.New("coordinator.reconnect_min_ms must be <= coordinator.reconnect_max_ms")
	}

	// Call timings
	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_seconds must be > 0")
	}
	if c.Call.FrameIntervalMs <= 0 {
		return errors.New("call.frame_interval_ms must be > 0")
	}
	if c.Call.DurationTickMs <= 0 {
		return errors.New("call.duration_tick_ms must be > 0")
	}

	// Media
	for _, s := range c.Media.StunServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			return fmt.Errorf("media.stun_servers: %q must start with stun: or stuns:", s)
		}
	}

	return nil
}

func validateCoordinatorURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return errors.New("scheme must be ws, wss, http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// seeded with the given identity. Returns (cfg, createdNew, err).
func Ensure(path string, identity Identity) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity = identity
	if cfg.Coordinator.URL == "" {
		cfg.Coordinator.URL = "ws://127.0.0.1:8080/socket"
	}
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
