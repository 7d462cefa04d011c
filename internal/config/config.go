package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/util"
)

type Config struct {
	Identity   Identity   `json:"identity"`
	Relay      Relay      `json:"relay"`
	Call       Call       `json:"call"`
	Viewer     Viewer     `json:"viewer"`
	Log        Log        `json:"log"`
	Rendezvous Rendezvous `json:"rendezvous"`
}

// Identity is the local user as known to the relay's directory.
type Identity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Relay is the client side view of the relay service.
type Relay struct {
	// Base URL of the relay, e.g. http://127.0.0.1:8790. REST calls go to
	// {url}/api, WebSockets to {url}/ws/chat and {url}/ws/signal.
	URL string `json:"url"`
}

type Call struct {
	// How long an outbound dial or an inbound ring may stay unanswered
	// before it is cancelled.
	RingTimeoutSec int      `json:"ring_timeout_seconds"`
	STUNServers    []string `json:"stun_servers"`
	PreferredCam   string   `json:"preferred_cam"`
	PreferredMic   string   `json:"preferred_mic"`
	VideoDisabled  bool     `json:"video_disabled"` // audio-only capture
	ChatHistoryCap int      `json:"chat_history_cap"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
}

type Log struct {
	Level string `json:"level"`
}

// Rendezvous configures the relay server (`goopcall relay`).
type Rendezvous struct {
	Bind                string `json:"bind"`
	Port                int    `json:"port"`
	DBPath              string `json:"db_path"`
	MaxMessagesPerSec   int    `json:"max_messages_per_second"`
	MaxSignalFrameBytes int    `json:"max_signal_frame_bytes"`
}

func Default() Config {
	return Config{
		Relay: Relay{
			URL: "http://127.0.0.1:8790",
		},
		Call: Call{
			RingTimeoutSec: 30,
			STUNServers:    []string{"stun:stun.l.google.com:19302"},
			ChatHistoryCap: 500,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8791",
		},
		Log: Log{
			Level: "info",
		},
		Rendezvous: Rendezvous{
			Bind:                "127.0.0.1",
			Port:                8790,
			DBPath:              "data/relay.db",
			MaxMessagesPerSec:   50,
			MaxSignalFrameBytes: 64 * 1024,
		},
	}
}

// Validate checks the settings every subcommand needs.
func (c *Config) Validate() error {
	if _, err := logging.LevelFromString(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	if c.Call.RingTimeoutSec <= 0 || c.Call.RingTimeoutSec > 600 {
		return errors.New("call.ring_timeout_seconds must be 1..600")
	}
	if c.Call.ChatHistoryCap <= 0 {
		return errors.New("call.chat_history_cap must be > 0")
	}
	for _, s := range c.Call.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			return fmt.Errorf("call.stun_servers: %q is not a stun: URL", s)
		}
	}

	if c.Viewer.HTTPAddr != "" {
		if _, _, err := net.SplitHostPort(c.Viewer.HTTPAddr); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	if c.Rendezvous.Port <= 0 || c.Rendezvous.Port > 65535 {
		return errors.New("rendezvous.port must be 1..65535")
	}
	if b := c.Rendezvous.Bind; b != "" && net.ParseIP(b) == nil {
		return errors.New("rendezvous.bind must be a valid IP address")
	}
	if c.Rendezvous.MaxMessagesPerSec <= 0 {
		return errors.New("rendezvous.max_messages_per_second must be > 0")
	}
	if c.Rendezvous.MaxSignalFrameBytes < 1024 {
		return errors.New("rendezvous.max_signal_frame_bytes must be >= 1024")
	}
	return nil
}

// ValidatePeer adds the checks needed to run a client peer.
func (c *Config) ValidatePeer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if _, err := util.ValidateIdentity(c.Identity.UserID); err != nil {
		return fmt.Errorf("identity.user_id: %w", err)
	}
	if err := validateRelayURL(c.Relay.URL); err != nil {
		return fmt.Errorf("relay.url: %w", err)
	}
	return nil
}

func validateRelayURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("missing hostname")
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		return errors.New("host must not be unspecified")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
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

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
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
