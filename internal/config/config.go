package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so it can be written as "30s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents the global ~/.pigeon/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	Server    Server    `toml:"server"`
	Reconnect Reconnect `toml:"reconnect"`
	Gesture   Gesture   `toml:"gesture"`
	Push      Push      `toml:"push"`
	Metrics   Metrics   `toml:"metrics"`
}

// Server holds the REST and broker endpoints.
type Server struct {
	RestURL   string `toml:"rest_url"`
	BrokerURL string `toml:"broker_url"`
}

// Reconnect controls the transport reconnection policy.
type Reconnect struct {
	BaseDelay  Duration `toml:"base_delay"`
	MaxDelay   Duration `toml:"max_delay"`
	MaxRetries int      `toml:"max_retries"`
}

// Gesture holds the tunable gesture thresholds. Fixed thresholds
// (long-press delay, movement slop) live in the gesture package.
type Gesture struct {
	RefreshThresholdPx float64 `toml:"refresh_threshold_px"`
}

// Push controls the notification subscription flow.
type Push struct {
	Enabled bool `toml:"enabled"`
}

// Metrics controls the Prometheus endpoint.
type Metrics struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// Default returns a Config with working defaults for every section.
func Default() *Config {
	return &Config{
		Server: Server{
			RestURL:   "https://localhost:8443/api",
			BrokerURL: "wss://localhost:8443/ws",
		},
		Reconnect: Reconnect{
			BaseDelay:  Duration{time.Second},
			MaxDelay:   Duration{2 * time.Minute},
			MaxRetries: 0, // retry forever
		},
		Gesture: Gesture{
			RefreshThresholdPx: 60,
		},
		Push: Push{
			Enabled: true,
		},
		Metrics: Metrics{
			Enabled: false,
			Port:    9311,
		},
	}
}

// Load reads config from the given path, applying defaults for absent
// fields. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Server.RestURL == "" {
		return fmt.Errorf("server.rest_url must not be empty")
	}
	if c.Server.BrokerURL == "" {
		return fmt.Errorf("server.broker_url must not be empty")
	}
	if c.Reconnect.BaseDelay.Duration <= 0 {
		return fmt.Errorf("reconnect.base_delay must be positive")
	}
	if c.Reconnect.MaxDelay.Duration <= 0 {
		return fmt.Errorf("reconnect.max_delay must be positive")
	}
	if c.Reconnect.BaseDelay.Duration > c.Reconnect.MaxDelay.Duration {
		return fmt.Errorf("reconnect.base_delay must not exceed reconnect.max_delay")
	}
	if c.Reconnect.MaxRetries < 0 {
		return fmt.Errorf("reconnect.max_retries must be non-negative")
	}
	if c.Gesture.RefreshThresholdPx <= 0 {
		return fmt.Errorf("gesture.refresh_threshold_px must be positive")
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port %d out of range", c.Metrics.Port)
	}
	return nil
}
