package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"scanbridge/backend"
	"scanbridge/common/config"
	"scanbridge/protocol"
	"scanbridge/scan"
	"scanbridge/session"
)

const configFileName = "config.toml"

// shutdownGrace is added to the scan timeout when draining in-flight scans.
const shutdownGrace = 5 * time.Second

// BridgeConfig represents the bridge configuration
type BridgeConfig struct {
	Server  ServerConfig         `toml:"server"`
	Backend BackendConfig        `toml:"backend"`
	Scan    ScanConfig           `toml:"scan"`
	Session SessionConfig        `toml:"session"`
	Demo    DemoConfig           `toml:"demo"`
	Storage StorageConfig        `toml:"storage"`
	Logging config.LoggingConfig `toml:"logging"`
}

// ServerConfig holds control-channel settings
type ServerConfig struct {
	Listen         string   `toml:"listen"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// BackendConfig selects and configures the scanning backend.
// Kind is "auto", "wia" or "sane".
type BackendConfig struct {
	Kind string             `toml:"kind"`
	WIA  backend.WIAConfig  `toml:"wia"`
	SANE backend.SANEConfig `toml:"sane"`
}

// ScanConfig holds scan parameters. They apply to every scan; clients cannot
// override them.
type ScanConfig struct {
	TimeoutSeconds int    `toml:"timeout_seconds"`
	MaxOutputMB    int    `toml:"max_output_mb"`
	Resolution     int    `toml:"resolution"`
	ColorMode      string `toml:"color_mode"`
	PageSize       string `toml:"page_size"`
}

// SessionConfig holds per-connection settings
type SessionConfig struct {
	ThrottleMs int `toml:"throttle_ms"`
}

// DemoConfig overrides the built-in demo image
type DemoConfig struct {
	SampleImage string `toml:"sample_image"`
}

// StorageConfig holds the scan job audit settings.
// An empty Path means <data dir>/scanbridge.db.
type StorageConfig struct {
	Enabled       bool   `toml:"enabled"`
	Path          string `toml:"path"`
	RetentionDays int    `toml:"retention_days"`
}

// DefaultBridgeConfig returns configuration with sensible defaults
func DefaultBridgeConfig() *BridgeConfig {
	settings := backend.DefaultScanSettings()
	return &BridgeConfig{
		Server: ServerConfig{
			Listen:         protocol.DefaultListen,
			AllowedOrigins: []string{},
		},
		Backend: BackendConfig{
			Kind: backend.KindAuto,
			WIA: backend.WIAConfig{
				ListScript: "scripts/list-scanners.ps1",
				ScanScript: "scripts/scan.ps1",
			},
			SANE: backend.SANEConfig{Command: "scanimage"},
		},
		Scan: ScanConfig{
			TimeoutSeconds: int(scan.DefaultTimeout / time.Second),
			MaxOutputMB:    scan.DefaultMaxOutput >> 20,
			Resolution:     settings.Resolution,
			ColorMode:      settings.ColorMode,
			PageSize:       settings.PageSize,
		},
		Session: SessionConfig{
			ThrottleMs: int(session.DefaultThrottle / time.Millisecond),
		},
		Storage: StorageConfig{
			Enabled:       true,
			RetentionDays: 30,
		},
		Logging: config.LoggingConfig{
			Level: "info",
		},
	}
}

// LoadBridgeConfig loads configuration from a TOML file and applies
// environment overrides. Returns an error if the file is missing or invalid.
func LoadBridgeConfig(configPath string) (*BridgeConfig, error) {
	cfg := DefaultBridgeConfig()
	if _, err := os.Stat(configPath); err != nil {
		return nil, err
	}
	if err := config.LoadTOML(configPath, cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// WriteDefaultBridgeConfig writes a default configuration file
func WriteDefaultBridgeConfig(configPath string) error {
	return config.WriteDefaultTOML(configPath, DefaultBridgeConfig())
}

func applyEnvOverrides(cfg *BridgeConfig) {
	env := func(name string) string {
		return strings.TrimSpace(os.Getenv(config.EnvPrefix + "_" + name))
	}

	if val := env("LISTEN"); val != "" {
		cfg.Server.Listen = val
	}
	if val := env("BACKEND"); val != "" {
		cfg.Backend.Kind = strings.ToLower(val)
	}
	if val := env("SCAN_TIMEOUT_SECONDS"); val != "" {
		if secs, err := strconv.Atoi(val); err == nil && secs > 0 {
			cfg.Scan.TimeoutSeconds = secs
		}
	}
	if val := env("ALLOWED_ORIGINS"); val != "" {
		var origins []string
		for _, o := range strings.Split(val, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.Server.AllowedOrigins = origins
	}
	if val := env("DB_PATH"); val != "" {
		cfg.Storage.Path = val
	}
	if val := env("AUDIT_ENABLED"); val != "" {
		cfg.Storage.Enabled = config.ParseBool(val)
	}
	config.ApplyLoggingEnvOverrides(&cfg.Logging)
}

// scanSettings converts the [scan] section for the backend adapters.
func (c *BridgeConfig) scanSettings() backend.ScanSettings {
	s := backend.DefaultScanSettings()
	if c.Scan.Resolution > 0 {
		s.Resolution = c.Scan.Resolution
	}
	if c.Scan.ColorMode != "" {
		s.ColorMode = c.Scan.ColorMode
	}
	if c.Scan.PageSize != "" {
		s.PageSize = c.Scan.PageSize
	}
	return s
}

func (c *BridgeConfig) scanTimeout() time.Duration {
	if c.Scan.TimeoutSeconds <= 0 {
		return scan.DefaultTimeout
	}
	return time.Duration(c.Scan.TimeoutSeconds) * time.Second
}

// drainTimeout bounds shutdown: long enough for a scan started just before
// the signal to finish or hit its own timeout.
func (c *BridgeConfig) drainTimeout() time.Duration {
	return c.scanTimeout() + shutdownGrace
}

func (c *BridgeConfig) maxOutputBytes() int64 {
	if c.Scan.MaxOutputMB <= 0 {
		return scan.DefaultMaxOutput
	}
	return int64(c.Scan.MaxOutputMB) << 20
}

func (c *BridgeConfig) throttle() time.Duration {
	if c.Session.ThrottleMs <= 0 {
		return session.DefaultThrottle
	}
	return time.Duration(c.Session.ThrottleMs) * time.Millisecond
}
