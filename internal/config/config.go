package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"nativebridge/internal/jsoncodec"
)

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration bytes, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := jsoncodec.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.AppName == "" {
		cfg.AppName = DefaultAppName
	}
	if cfg.NativeHost.CallTimeout == 0 {
		cfg.NativeHost.CallTimeout = DefaultCallTimeout
	}
	if cfg.NativeHost.MessageTimeout == 0 {
		cfg.NativeHost.MessageTimeout = DefaultMessageTimeout
	}
	if cfg.NativeHost.ReconnectInterval == 0 {
		cfg.NativeHost.ReconnectInterval = DefaultReconnectInterval
	}
	// PingInterval is only defaulted when unset; a negative value disables pings
	if cfg.NativeHost.PingInterval == 0 {
		cfg.NativeHost.PingInterval = DefaultPingInterval
	}
	if cfg.NativeHost.PingInterval < 0 {
		cfg.NativeHost.PingInterval = 0
	}
	if cfg.DedupCacheSize == 0 {
		cfg.DedupCacheSize = DefaultDedupCacheSize
	}
	if cfg.EventBufferSize == 0 {
		cfg.EventBufferSize = DefaultEventBufferSize
	}
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if cfg.NativeHost.URL == "" {
		return errors.New("nativeHost.url is required")
	}
	u, err := url.Parse(cfg.NativeHost.URL)
	if err != nil {
		return fmt.Errorf("nativeHost.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("nativeHost.url must use ws or wss scheme, got '%s'", u.Scheme)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	if cfg.NativeHost.CallTimeout < 0 {
		return fmt.Errorf("nativeHost.callTimeout must be non-negative")
	}
	if cfg.NativeHost.MessageTimeout < 0 {
		return fmt.Errorf("nativeHost.messageTimeout must be non-negative")
	}
	if cfg.NativeHost.ReconnectInterval < 0 {
		return fmt.Errorf("nativeHost.reconnectInterval must be non-negative")
	}

	if cfg.DedupCacheSize < 0 {
		return fmt.Errorf("dedupCacheSize must be non-negative")
	}
	if cfg.EventBufferSize < 0 {
		return fmt.Errorf("eventBufferSize must be non-negative")
	}

	seen := make(map[string]bool)
	for i, db := range cfg.Databases {
		if db.URL == "" {
			return fmt.Errorf("databases[%d]: url is required", i)
		}
		if seen[db.URL] {
			return fmt.Errorf("databases[%d]: duplicate url '%s'", i, db.URL)
		}
		seen[db.URL] = true
	}

	if cfg.Scripts != nil && cfg.Scripts.Timeout < 0 {
		return fmt.Errorf("scripts.timeout must be non-negative")
	}

	return nil
}
