// Package config loads the broker's configuration surface (spec §6): a
// JSON file supplying routes and broker-wide settings, overlaid by
// environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
)

// CaptureMode selects how much of an event a route's sink persists.
type CaptureMode string

const (
	CaptureFull        CaptureMode = "full"
	CapturePayloadOnly CaptureMode = "payloadOnly"
	CaptureBodyOnly    CaptureMode = "bodyOnly"
)

// RecordFormat names a route's on-disk record encoding. It is read from and
// written to the config file, but the broker's sink does not consult it:
// every persisted record is written as one JSON object per line.
type RecordFormat string

const (
	FormatText  RecordFormat = "text"
	FormatJSON  RecordFormat = "json"
	FormatJSONL RecordFormat = "jsonl"
)

// Route is one entry in the broker's route table (spec §3 RouteConfig).
// Output is "console" or a file path.
type Route struct {
	RoutePrefix string       `json:"routePrefix"`
	Output      string       `json:"output"`
	Capture     CaptureMode  `json:"capture"`
	Format      RecordFormat `json:"format"`
}

// Config is the broker's full configuration surface.
type Config struct {
	Port              int     `json:"port" envconfig:"PORT"`
	Host              string  `json:"host" envconfig:"HOST"`
	HeartbeatSeconds  int     `json:"heartbeatSeconds" envconfig:"HEARTBEAT_SECONDS"`
	Compression       bool    `json:"compression" envconfig:"COMPRESSION"`
	LogRetentionDays  int     `json:"logRetention" envconfig:"LOG_RETENTION_DAYS"`
	Routes            []Route `json:"routes"`
	Logging           LogConfig
	RateLimit         RateLimitConfig
}

// LogConfig controls the broker's own diagnostic logger (internal/obslog).
type LogConfig struct {
	Level       string `json:"level" envconfig:"LOG_LEVEL"`
	Development bool   `json:"development" envconfig:"LOG_DEV"`
}

// RateLimitConfig throttles new link attempts per source IP.
type RateLimitConfig struct {
	RequestsPerSecond int  `json:"requestsPerSecond" envconfig:"RATE_LIMIT_RPS"`
	Burst             int  `json:"burst" envconfig:"RATE_LIMIT_BURST"`
	Enabled           bool `json:"enabled" envconfig:"RATE_LIMIT_ENABLED"`
}

// Default returns the broker's default configuration: a single catch-all
// route to stdout.
func Default() *Config {
	return &Config{
		Port:             9090,
		Host:             "0.0.0.0",
		HeartbeatSeconds: 30,
		Compression:      false,
		LogRetentionDays: 0,
		Routes: []Route{
			{RoutePrefix: "/", Output: "console", Capture: CaptureFull, Format: FormatJSONL},
		},
		Logging:   LogConfig{Level: "info", Development: false},
		RateLimit: RateLimitConfig{RequestsPerSecond: 50, Burst: 100, Enabled: true},
	}
}

// Load reads a JSON config file at path, then overlays any environment
// variables set on top of it (spec §6 "--config <path>"). A missing file
// is not an error: defaults are used and only the environment overlay
// applies.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("config: environment overlay: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes the default configuration to path as indented JSON,
// for the broker CLI's "--create-config" flag.
func WriteDefault(path string) error {
	raw, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
