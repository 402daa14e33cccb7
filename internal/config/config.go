// Package config loads the broker daemon configuration from TOML,
// overlaying only keys the file actually defines onto built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Broker is the resolved daemon configuration.
type Broker struct {
	// BusGroup is the UDP multicast group carrying the frame bus.
	BusGroup string
	// StoreBackend selects persistence: "file", "sqlite" or "memory".
	StoreBackend string
	// StorePath locates the file or sqlite database.
	StorePath string
	// AdminListenAddr enables the HTTP admin/metrics surface when set.
	AdminListenAddr string

	LivenessEnabled bool
	PingInterval    time.Duration
	MaxMissedPings  uint8
}

func DefaultBroker() Broker {
	return Broker{
		BusGroup:       "239.77.42.1:9911",
		StoreBackend:   "file",
		StorePath:      "canbus-broker.db",
		PingInterval:   5000 * time.Millisecond,
		MaxMissedPings: 2,
	}
}

type fileConfig struct {
	BusGroup        string `toml:"bus_group"`
	StoreBackend    string `toml:"store_backend"`
	StorePath       string `toml:"store_path"`
	AdminListenAddr string `toml:"admin_listen_addr"`

	LivenessEnabled bool `toml:"liveness_enabled"`
	PingIntervalMs  int  `toml:"ping_interval_ms"`
	MaxMissedPings  int  `toml:"max_missed_pings"`
}

// LoadBroker reads path and overlays its defined keys onto the defaults.
func LoadBroker(path string) (Broker, error) {
	cfg := DefaultBroker()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Broker{}, fmt.Errorf("load broker config: %w", err)
	}

	if meta.IsDefined("bus_group") {
		cfg.BusGroup = strings.TrimSpace(raw.BusGroup)
	}
	if meta.IsDefined("store_backend") {
		cfg.StoreBackend = strings.ToLower(strings.TrimSpace(raw.StoreBackend))
	}
	if meta.IsDefined("store_path") {
		cfg.StorePath = strings.TrimSpace(raw.StorePath)
	}
	if meta.IsDefined("admin_listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if meta.IsDefined("liveness_enabled") {
		cfg.LivenessEnabled = raw.LivenessEnabled
	}
	if meta.IsDefined("ping_interval_ms") {
		if raw.PingIntervalMs <= 0 {
			return Broker{}, fmt.Errorf("load broker config: ping_interval_ms must be positive")
		}
		cfg.PingInterval = time.Duration(raw.PingIntervalMs) * time.Millisecond
	}
	if meta.IsDefined("max_missed_pings") {
		if raw.MaxMissedPings <= 0 || raw.MaxMissedPings > 255 {
			return Broker{}, fmt.Errorf("load broker config: max_missed_pings out of range")
		}
		cfg.MaxMissedPings = uint8(raw.MaxMissedPings)
	}

	switch cfg.StoreBackend {
	case "file", "sqlite", "memory":
	default:
		return Broker{}, fmt.Errorf(
			"load broker config: unsupported store backend %q (expected file, sqlite or memory)",
			cfg.StoreBackend,
		)
	}
	if cfg.BusGroup == "" {
		return Broker{}, fmt.Errorf("load broker config: bus_group is required")
	}
	return cfg, nil
}
