// Package config loads the YAML configuration shared by cmd/server and
// cmd/client, grounded on the retrieval pack's LoadConfig style
// (unmarshal onto a struct seeded with defaults, merge CLI overrides
// afterward). Every duration-shaped knob defaults to the timeout table in
// spec §5; nothing here changes core semantics, only where the numbers
// come from.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kj5hst/airrelay/internal/wire"
)

// Config is the top-level on-disk configuration for either binary. Each
// binary ignores the other side's section; Default fills in both.
type Config struct {
	// Server holds server-only settings; ignored by cmd/client.
	Server ServerConfig `yaml:"server"`
	// Client holds client-only settings; ignored by cmd/server.
	Client ClientConfig `yaml:"client"`

	Format  StreamFormatConfig `yaml:"format"`
	Policy  BufferPolicyConfig `yaml:"buffer_policy"`
	Timeouts TimeoutConfig     `yaml:"timeouts"`

	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig covers spec §4.7's accept loop and roster.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	MaxClients int    `yaml:"max_clients"`
}

// ClientConfig covers spec §4.8's connect handshake.
type ClientConfig struct {
	ServerAddr    string `yaml:"server_addr"`
	Name          string `yaml:"name"`
	Callsign      string `yaml:"callsign"`
	Location      string `yaml:"location"`
	AutoReconnect bool   `yaml:"auto_reconnect"`
}

// StreamFormatConfig mirrors wire.StreamFormat for YAML round-tripping.
type StreamFormatConfig struct {
	SampleRateHz  uint32 `yaml:"sample_rate_hz"`
	BitsPerSample uint8  `yaml:"bits_per_sample"`
	Channels      uint8  `yaml:"channels"`
	FrameMs       uint16 `yaml:"frame_ms"`
}

func (f StreamFormatConfig) toWire() wire.StreamFormat {
	return wire.StreamFormat{
		SampleRateHz:  f.SampleRateHz,
		BitsPerSample: f.BitsPerSample,
		Channels:      f.Channels,
		FrameMs:       f.FrameMs,
	}
}

// BufferPolicyConfig mirrors wire.BufferPolicy for YAML round-tripping.
type BufferPolicyConfig struct {
	TargetMs uint16 `yaml:"target_ms"`
	MinMs    uint16 `yaml:"min_ms"`
	MaxMs    uint16 `yaml:"max_ms"`
}

func (p BufferPolicyConfig) toWire() wire.BufferPolicy {
	return wire.BufferPolicy{TargetMs: p.TargetMs, MinMs: p.MinMs, MaxMs: p.MaxMs}
}

// TimeoutConfig exposes the timing knobs from spec §5, including the CRC
// escalation bound spec §9 flags as an Open Question resolved in favor of
// a config knob rather than a hardcoded constant.
type TimeoutConfig struct {
	MaxConsecutiveFrameErrors int `yaml:"max_consecutive_frame_errors"`

	ReconnectDelayMs       int `yaml:"reconnect_delay_ms"`
	MaxReconnectDelayMs    int `yaml:"max_reconnect_delay_ms"`
	MaxReconnectAttempts   int `yaml:"max_reconnect_attempts"`
	MinStableConnectionMs  int `yaml:"min_stable_connection_ms"`
}

// LoggingConfig configures internal/obslog.
type LoggingConfig struct {
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Debug      bool   `yaml:"debug"`
}

// MetricsConfig configures internal/metrics' optional HTTP endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultListenPort is the spec's default server port (spec §6).
const DefaultListenPort = 4533

// Default returns a Config populated with spec §5's default timings and a
// sensible stream format/buffer policy, before any file or flag overlay.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: fmt.Sprintf(":%d", DefaultListenPort),
			MaxClients: 32,
		},
		Client: ClientConfig{
			ServerAddr:    fmt.Sprintf("127.0.0.1:%d", DefaultListenPort),
			Name:          "airrelay-client",
			AutoReconnect: true,
		},
		Format: StreamFormatConfig{
			SampleRateHz:  wire.DefaultStreamFormat.SampleRateHz,
			BitsPerSample: wire.DefaultStreamFormat.BitsPerSample,
			Channels:      wire.DefaultStreamFormat.Channels,
			FrameMs:       wire.DefaultStreamFormat.FrameMs,
		},
		Policy: BufferPolicyConfig{
			TargetMs: wire.DefaultBufferPolicy.TargetMs,
			MinMs:    wire.DefaultBufferPolicy.MinMs,
			MaxMs:    wire.DefaultBufferPolicy.MaxMs,
		},
		Timeouts: TimeoutConfig{
			MaxConsecutiveFrameErrors: 5,
			ReconnectDelayMs:          1000,
			MaxReconnectDelayMs:       30000,
			MaxReconnectAttempts:      10,
			MinStableConnectionMs:     5000,
		},
		Metrics: MetricsConfig{ListenAddr: ":9090"},
	}
}

// Load reads path as YAML and merges it over Default(). An empty path or a
// missing file is not an error — Default() alone is returned. Any other
// read error, and a YAML parse error, is returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// StreamFormat converts the YAML-shaped format into wire.StreamFormat.
func (c Config) StreamFormat() wire.StreamFormat { return c.Format.toWire() }

// BufferPolicy converts the YAML-shaped policy into wire.BufferPolicy.
func (c Config) BufferPolicy() wire.BufferPolicy { return c.Policy.toWire() }

// ReconnectDelay returns the configured reconnect start delay as a Duration.
func (c Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Timeouts.ReconnectDelayMs) * time.Millisecond
}

// MaxReconnectDelay returns the configured reconnect cap as a Duration.
func (c Config) MaxReconnectDelay() time.Duration {
	return time.Duration(c.Timeouts.MaxReconnectDelayMs) * time.Millisecond
}

// MinStableConnection returns the configured stability window as a Duration.
func (c Config) MinStableConnection() time.Duration {
	return time.Duration(c.Timeouts.MinStableConnectionMs) * time.Millisecond
}
