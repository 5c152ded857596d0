package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps the level onto the slog scale.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the optional YAML configuration file. Flags override it.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Audio   AudioConfig   `yaml:"audio"`
	Session SessionConfig `yaml:"session"`
}

// ServerConfig names the remote session endpoint.
type ServerConfig struct {
	// URL of the live session endpoint (ws://, wss://, http://, https://).
	URL string `yaml:"url"`

	// AuthToken for the hello handshake. The DUPLEX_AUTH_TOKEN
	// environment variable takes precedence.
	AuthToken string `yaml:"auth_token"`
}

// AudioConfig selects the wire encoding and stream formats.
type AudioConfig struct {
	// Encoding is pcm_s16le or opus.
	Encoding string `yaml:"encoding"`

	In  FormatConfig `yaml:"in"`
	Out FormatConfig `yaml:"out"`
}

// FormatConfig is one direction's PCM format.
type FormatConfig struct {
	SampleRateHz int `yaml:"sample_rate_hz"`
	Channels     int `yaml:"channels"`
}

// SessionConfig tunes engine behavior.
type SessionConfig struct {
	// GraceMs holds the speaking signal across chunk seams.
	GraceMs int `yaml:"grace_ms"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MeterIntervalMs is the spectrum meter refresh period.
	MeterIntervalMs int `yaml:"meter_interval_ms"`
}

// LoadConfig reads the YAML configuration file at path. A missing path
// returns the zero config so the binary can run on flags alone.
func LoadConfig(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Config{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadConfigFromReader(f)
	if err != nil {
		return Config{}, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadConfigFromReader decodes a YAML config from r and validates the
// result. Unknown fields are rejected.
func LoadConfigFromReader(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("decode yaml: %w", err)
	}
	if err := ValidateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidateConfig checks that cfg contains a coherent set of values. It
// returns a joined error listing all failures found.
func ValidateConfig(cfg Config) error {
	var errs []error

	switch cfg.Audio.Encoding {
	case "", "pcm_s16le", "opus":
	default:
		errs = append(errs, fmt.Errorf("audio.encoding %q is invalid; valid values: pcm_s16le, opus", cfg.Audio.Encoding))
	}
	if cfg.Audio.In.SampleRateHz < 0 {
		errs = append(errs, fmt.Errorf("audio.in.sample_rate_hz %d must not be negative", cfg.Audio.In.SampleRateHz))
	}
	if cfg.Audio.Out.SampleRateHz < 0 {
		errs = append(errs, fmt.Errorf("audio.out.sample_rate_hz %d must not be negative", cfg.Audio.Out.SampleRateHz))
	}
	if cfg.Audio.In.Channels < 0 || cfg.Audio.In.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.in.channels %d is out of range [0, 2]", cfg.Audio.In.Channels))
	}
	if cfg.Audio.Out.Channels < 0 || cfg.Audio.Out.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.out.channels %d is out of range [0, 2]", cfg.Audio.Out.Channels))
	}
	if cfg.Session.GraceMs < 0 {
		errs = append(errs, fmt.Errorf("session.grace_ms %d must not be negative", cfg.Session.GraceMs))
	}
	if cfg.Session.MeterIntervalMs < 0 {
		errs = append(errs, fmt.Errorf("session.meter_interval_ms %d must not be negative", cfg.Session.MeterIntervalMs))
	}
	if cfg.Session.LogLevel != "" && !cfg.Session.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("session.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Session.LogLevel))
	}

	return errors.Join(errs...)
}
