package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	Transport TransportConfig `toml:"transport"`
	Queue     QueueConfig     `toml:"queue"`
	AI        AIConfig        `toml:"ai"`
}

// TransportConfig tunes the streaming connection.
type TransportConfig struct {
	URL                 string `toml:"url"`
	HeartbeatIntervalMS int    `toml:"heartbeat_interval_ms"`
	PongTimeoutMS       int    `toml:"pong_timeout_ms"`
	ReconnectBaseMS     int    `toml:"reconnect_base_ms"`
	ReconnectMaxMS      int    `toml:"reconnect_max_ms"`
}

// QueueConfig tunes the offline queue retry behaviour.
type QueueConfig struct {
	MaxAttempts int `toml:"max_attempts"`
	RetryBaseMS int `toml:"retry_base_ms"`
}

// AIConfig tunes the AI responder toggle coordinator.
type AIConfig struct {
	EndpointURL string `toml:"endpoint_url"`
	DebounceMS  int    `toml:"debounce_ms"`
	MaxAttempts int    `toml:"max_attempts"`
	RetryBaseMS int    `toml:"retry_base_ms"`
}

// Default returns a config populated with production defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Transport.HeartbeatIntervalMS == 0 {
		c.Transport.HeartbeatIntervalMS = 25000
	}
	if c.Transport.PongTimeoutMS == 0 {
		c.Transport.PongTimeoutMS = 10000
	}
	if c.Transport.ReconnectBaseMS == 0 {
		c.Transport.ReconnectBaseMS = 1000
	}
	if c.Transport.ReconnectMaxMS == 0 {
		c.Transport.ReconnectMaxMS = 30000
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.RetryBaseMS == 0 {
		c.Queue.RetryBaseMS = 2000
	}
	if c.AI.DebounceMS == 0 {
		c.AI.DebounceMS = 400
	}
	if c.AI.MaxAttempts == 0 {
		c.AI.MaxAttempts = 3
	}
	if c.AI.RetryBaseMS == 0 {
		c.AI.RetryBaseMS = 1000
	}
}

// HeartbeatInterval returns the heartbeat interval as a duration.
func (c *TransportConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// PongTimeout returns the pong timeout as a duration.
func (c *TransportConfig) PongTimeout() time.Duration {
	return time.Duration(c.PongTimeoutMS) * time.Millisecond
}

// ReconnectBase returns the minimum reconnect backoff delay.
func (c *TransportConfig) ReconnectBase() time.Duration {
	return time.Duration(c.ReconnectBaseMS) * time.Millisecond
}

// ReconnectMax returns the reconnect backoff cap.
func (c *TransportConfig) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxMS) * time.Millisecond
}

// RetryBase returns the base delay between queue retry attempts.
func (c *QueueConfig) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseMS) * time.Millisecond
}

// Debounce returns the toggle debounce window.
func (c *AIConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

// RetryBase returns the base delay between toggle retry attempts.
func (c *AIConfig) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseMS) * time.Millisecond
}

// Load reads config from the given path and applies defaults for any key
// the file leaves unset. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
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
