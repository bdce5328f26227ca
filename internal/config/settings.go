package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nupi-ai/proxyscope/internal/telemetry"
)

// Settings is the user-tunable part of the configuration, read from
// settings.yaml. Durations are written as Go duration strings ("1s").
type Settings struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	MaxRetries       int           `yaml:"max_retries"`
	LogLevel         string        `yaml:"log_level"`
	LogBuffer        int           `yaml:"log_buffer"`
	WatchInterval    time.Duration `yaml:"watch_interval"`
}

// DefaultSettings returns the settings used when no file exists.
func DefaultSettings() Settings {
	return Settings{
		HandshakeTimeout: 10 * time.Second,
		RetryInterval:    telemetry.DefaultRetryInterval,
		MaxRetries:       telemetry.DefaultMaxRetries,
		LogLevel:         string(telemetry.LevelInfo),
		LogBuffer:        500,
		WatchInterval:    2 * time.Second,
	}
}

// LoadSettings reads path on top of the defaults. A missing file is not an
// error; keys absent from the file keep their default.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return settings, nil
		}
		return settings, fmt.Errorf("config: read settings %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return settings, fmt.Errorf("config: parse settings %s: %w", path, err)
	}
	if err := settings.Validate(); err != nil {
		return settings, fmt.Errorf("config: %s: %w", path, err)
	}
	return settings, nil
}

// SaveSettings writes settings to path, creating the parent directory.
func SaveSettings(path string, settings Settings) error {
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("config: marshal settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: create settings dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write settings %s: %w", path, err)
	}
	return nil
}

// Validate reports the first invalid field.
func (s Settings) Validate() error {
	switch {
	case s.HandshakeTimeout <= 0:
		return fmt.Errorf("handshake_timeout must be positive, got %s", s.HandshakeTimeout)
	case s.RetryInterval <= 0:
		return fmt.Errorf("retry_interval must be positive, got %s", s.RetryInterval)
	case s.MaxRetries < 1:
		return fmt.Errorf("max_retries must be at least 1, got %d", s.MaxRetries)
	case s.LogBuffer < 1:
		return fmt.Errorf("log_buffer must be at least 1, got %d", s.LogBuffer)
	case s.WatchInterval <= 0:
		return fmt.Errorf("watch_interval must be positive, got %s", s.WatchInterval)
	}
	if _, err := telemetry.ParseLevel(s.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// Level returns the configured log filter, falling back to info.
func (s Settings) Level() telemetry.Level {
	lvl, err := telemetry.ParseLevel(s.LogLevel)
	if err != nil {
		return telemetry.LevelInfo
	}
	return lvl
}

// ChannelOptions maps the settings onto telemetry channel options.
func (s Settings) ChannelOptions(name string) telemetry.Options {
	return telemetry.Options{
		Name:          name,
		Dialer:        telemetry.NewWebsocketDialer(s.HandshakeTimeout),
		RetryInterval: s.RetryInterval,
		MaxRetries:    s.MaxRetries,
	}
}
