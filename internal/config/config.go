// Package config loads the notebridge gateway configuration from an
// optional TOML file with environment-variable overrides, so the gateway
// runs equally well from a config file or a bare container environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultSTUNServers are the public STUN servers used when none are configured.
var DefaultSTUNServers = []string{
	"stun:stun.cloudflare.com:3478",
	"stun:stun.l.google.com:19302",
}

// Config is the top-level configuration for the notebridge gateway.
type Config struct {
	Jupyter   JupyterConfig   `toml:"jupyter"`
	Signaling SignalingConfig `toml:"signaling"`
	ICE       ICEConfig       `toml:"ice"`
	Limits    LimitsConfig    `toml:"limits"`
	Log       LogConfig       `toml:"log"`
}

// JupyterConfig locates the local Jupyter server the gateway fronts.
type JupyterConfig struct {
	// URL is the base URL of the Jupyter server (e.g. "http://127.0.0.1:8888").
	URL string `toml:"url"`

	// Token is the Jupyter API token sent as "Authorization: Token <token>"
	// on every REST and websocket request.
	Token string `toml:"token"`
}

// SignalingConfig controls the HTTP endpoint that exchanges SDP offers
// for answers.
type SignalingConfig struct {
	// ListenAddr is the listen address of the signaling HTTP server.
	ListenAddr string `toml:"listen_addr"`
}

// ICEConfig lists the STUN/TURN servers handed to pion for NAT traversal.
type ICEConfig struct {
	// STUNServers is a list of STUN URIs (e.g. "stun:stun.cloudflare.com:3478").
	STUNServers []string `toml:"stun_servers"`

	// TURNURL is an optional TURN URI (e.g. "turn:turn.example.com:3478").
	TURNURL string `toml:"turn_url"`

	// TURNUsername and TURNPassword are static TURN long-term credentials.
	TURNUsername string `toml:"turn_username"`
	TURNPassword string `toml:"turn_password"`

	// TURNSecret, when set, takes precedence over the static credentials:
	// each admitted peer gets time-limited TURN REST API credentials
	// derived from this shared secret (the coturn use-auth-secret scheme).
	TURNSecret string `toml:"turn_secret"`

	// ForceRelay restricts ICE to relay candidates only.
	ForceRelay bool `toml:"force_relay,omitempty"`
}

// LimitsConfig bounds the gateway's queues and tracking sets.
type LimitsConfig struct {
	// PeerQueue is the per-peer inbound frame queue capacity.
	PeerQueue int `toml:"peer_queue"`

	// KernelQueue is the per-kernel outbound send queue capacity.
	KernelQueue int `toml:"kernel_queue"`

	// DedupCap is the maximum number of msg_ids the deduplicator retains.
	DedupCap int `toml:"dedup_cap"`

	// DedupTTLMinutes is the time window after which a seen msg_id expires.
	DedupTTLMinutes int `toml:"dedup_ttl_minutes"`

	// SaveDebounceMS is the quiet period after the last document update
	// before a notebook save is triggered.
	SaveDebounceMS int `toml:"save_debounce_ms"`
}

// LogConfig controls log output.
type LogConfig struct {
	// Dir, when set, directs logs to <dir>/notebridge.log instead of stderr.
	Dir string `toml:"dir,omitempty"`
}

// DefaultConfig returns a Config populated with sensible defaults.
// The Jupyter URL and token must be supplied by file or environment.
func DefaultConfig() *Config {
	return &Config{
		Signaling: SignalingConfig{ListenAddr: ":9000"},
		ICE: ICEConfig{
			STUNServers: append([]string(nil), DefaultSTUNServers...),
		},
		Limits: LimitsConfig{
			PeerQueue:       1024,
			KernelQueue:     256,
			DedupCap:        10000,
			DedupTTLMinutes: 10,
			SaveDebounceMS:  2000,
		},
	}
}

// Load reads the TOML config at path (skipped when path is empty), applies
// environment overrides, fills defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields. A missing Jupyter URL is an
// unrecoverable init failure.
func (c *Config) Validate() error {
	if c.Jupyter.URL == "" {
		return errors.New("jupyter url is not set (jupyter.url or NOTEBRIDGE_JUPYTER_URL)")
	}
	if !strings.HasPrefix(c.Jupyter.URL, "http://") && !strings.HasPrefix(c.Jupyter.URL, "https://") {
		return fmt.Errorf("jupyter url %q must be http or https", c.Jupyter.URL)
	}
	if c.Signaling.ListenAddr == "" {
		return errors.New("signaling listen address is not set")
	}
	return nil
}

// Environment variable names recognized by applyEnv.
const (
	EnvJupyterURL   = "NOTEBRIDGE_JUPYTER_URL"
	EnvJupyterToken = "NOTEBRIDGE_JUPYTER_TOKEN"
	EnvListenAddr   = "NOTEBRIDGE_LISTEN_ADDR"
	EnvSTUNServers  = "NOTEBRIDGE_STUN_SERVERS"
	EnvTURNURL      = "NOTEBRIDGE_TURN_URL"
	EnvTURNUsername = "NOTEBRIDGE_TURN_USERNAME"
	EnvTURNPassword = "NOTEBRIDGE_TURN_PASSWORD"
	EnvTURNSecret   = "NOTEBRIDGE_TURN_SECRET"
	EnvLogDir       = "NOTEBRIDGE_LOG_DIR"
)

// applyEnv overrides file values with environment variables when set.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvJupyterURL); v != "" {
		cfg.Jupyter.URL = v
	}
	if v := os.Getenv(EnvJupyterToken); v != "" {
		cfg.Jupyter.Token = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.Signaling.ListenAddr = v
	}
	if v := os.Getenv(EnvSTUNServers); v != "" {
		cfg.ICE.STUNServers = splitList(v)
	}
	if v := os.Getenv(EnvTURNURL); v != "" {
		cfg.ICE.TURNURL = v
	}
	if v := os.Getenv(EnvTURNUsername); v != "" {
		cfg.ICE.TURNUsername = v
	}
	if v := os.Getenv(EnvTURNPassword); v != "" {
		cfg.ICE.TURNPassword = v
	}
	if v := os.Getenv(EnvTURNSecret); v != "" {
		cfg.ICE.TURNSecret = v
	}
	if v := os.Getenv(EnvLogDir); v != "" {
		cfg.Log.Dir = v
	}
}

// applyDefaults fills in default values for optional fields that are
// zero-valued after decoding.
func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if len(cfg.ICE.STUNServers) == 0 {
		cfg.ICE.STUNServers = append([]string(nil), DefaultSTUNServers...)
	}
	if cfg.Signaling.ListenAddr == "" {
		cfg.Signaling.ListenAddr = def.Signaling.ListenAddr
	}
	if cfg.Limits.PeerQueue <= 0 {
		cfg.Limits.PeerQueue = def.Limits.PeerQueue
	}
	if cfg.Limits.KernelQueue <= 0 {
		cfg.Limits.KernelQueue = def.Limits.KernelQueue
	}
	if cfg.Limits.DedupCap <= 0 {
		cfg.Limits.DedupCap = def.Limits.DedupCap
	}
	if cfg.Limits.DedupTTLMinutes <= 0 {
		cfg.Limits.DedupTTLMinutes = def.Limits.DedupTTLMinutes
	}
	if cfg.Limits.SaveDebounceMS <= 0 {
		cfg.Limits.SaveDebounceMS = def.Limits.SaveDebounceMS
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
