// Package config loads node settings from defaults and PIGEON_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PeerPigeon/PigeonMatch/internal/resolver"
)

var ErrInvalidConfig = errors.New("config: invalid")

type Config struct {
	PeerID         string
	ListenAddr     string
	NetworkID      string
	BootstrapPeers []string
	Strategy       string

	SyncInterval      time.Duration
	HeartbeatInterval time.Duration
	PeerTimeout       time.Duration

	LogLevel  string
	LogFormat string

	// MetricsAddr serves /metrics and /state; empty disables the HTTP server.
	MetricsAddr   string
	TraceEndpoint string

	SharedSecret string
	JoinSecret   string
	Signing      bool
	Observer     bool
}

func Default() Config {
	return Config{
		ListenAddr:        "0.0.0.0:7946",
		NetworkID:         "default",
		Strategy:          resolver.NameClockDominant,
		SyncInterval:      5 * time.Second,
		HeartbeatInterval: 2 * time.Second,
		PeerTimeout:       10 * time.Second,
		LogLevel:          "info",
		LogFormat:         "json",
		MetricsAddr:       "127.0.0.1:9464",
	}
}

// FromEnv overlays PIGEON_* variables on Default. A missing peer id is
// replaced by a random UUID.
func FromEnv() (Config, error) {
	def := Default()
	cfg := Config{
		PeerID:         envOr("PIGEON_PEER_ID", uuid.NewString()),
		ListenAddr:     envOr("PIGEON_LISTEN", def.ListenAddr),
		NetworkID:      envOr("PIGEON_NETWORK", def.NetworkID),
		BootstrapPeers: ParsePeers(os.Getenv("PIGEON_PEERS")),
		Strategy:       envOr("PIGEON_STRATEGY", def.Strategy),
		LogLevel:       envOr("PIGEON_LOG_LEVEL", def.LogLevel),
		LogFormat:      envOr("PIGEON_LOG_FORMAT", def.LogFormat),
		MetricsAddr:    envOr("PIGEON_METRICS_ADDR", def.MetricsAddr),
		TraceEndpoint:  os.Getenv("PIGEON_TRACE_ENDPOINT"),
		SharedSecret:   os.Getenv("PIGEON_SHARED_SECRET"),
		JoinSecret:     os.Getenv("PIGEON_JOIN_SECRET"),
	}

	var err error
	if cfg.SyncInterval, err = durationOr("PIGEON_SYNC_INTERVAL", def.SyncInterval); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval, err = durationOr("PIGEON_HEARTBEAT_INTERVAL", def.HeartbeatInterval); err != nil {
		return Config{}, err
	}
	if cfg.PeerTimeout, err = durationOr("PIGEON_PEER_TIMEOUT", def.PeerTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Signing, err = boolOr("PIGEON_SIGNING", false); err != nil {
		return Config{}, err
	}
	if cfg.Observer, err = boolOr("PIGEON_OBSERVER", false); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first problem found.
func (c Config) Validate() error {
	switch {
	case c.PeerID == "":
		return fmt.Errorf("%w: peer id is empty", ErrInvalidConfig)
	case strings.ContainsAny(c.PeerID, " \t\n"):
		return fmt.Errorf("%w: peer id %q contains whitespace", ErrInvalidConfig, c.PeerID)
	case c.NetworkID == "" || strings.ContainsAny(c.NetworkID, " \t\n"):
		return fmt.Errorf("%w: network id %q", ErrInvalidConfig, c.NetworkID)
	case c.SyncInterval <= 0:
		return fmt.Errorf("%w: sync interval must be positive", ErrInvalidConfig)
	case c.HeartbeatInterval <= 0:
		return fmt.Errorf("%w: heartbeat interval must be positive", ErrInvalidConfig)
	case c.PeerTimeout <= c.HeartbeatInterval:
		return fmt.Errorf("%w: peer timeout %s must exceed heartbeat interval %s", ErrInvalidConfig, c.PeerTimeout, c.HeartbeatInterval)
	}
	if _, err := resolver.New(c.Strategy); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ParsePeers splits a comma separated address list, dropping blanks.
func ParsePeers(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationOr(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	return d, nil
}

func boolOr(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	return b, nil
}
