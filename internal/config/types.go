package config

import "time"

// Config represents the main configuration structure
type Config struct {
	LogLevel        string           `json:"logLevel"`
	Debug           bool             `json:"debug"` // trace every native event and interest call
	AppName         string           `json:"appName"`
	NativeHost      NativeHostConfig `json:"nativeHost"`
	Databases       []DatabaseConfig `json:"databases"`
	DedupCacheSize  int              `json:"dedupCacheSize"`
	EventBufferSize int              `json:"eventBufferSize"`
	Scripts         *ScriptsConfig   `json:"scripts,omitempty"`
	Metrics         *MetricsConfig   `json:"metrics,omitempty"`
}

// NativeHostConfig describes the connection to the native host process
type NativeHostConfig struct {
	URL               string `json:"url"`
	CallTimeout       int    `json:"callTimeout"`       // ms - timeout for a single native call
	MessageTimeout    int    `json:"messageTimeout"`    // ms - read deadline on the host connection
	ReconnectInterval int    `json:"reconnectInterval"` // ms - interval between reconnection attempts
	PingInterval      int    `json:"pingInterval"`      // ms - 0 disables pings
}

// DatabaseConfig is a custom database URL scope created at startup
type DatabaseConfig struct {
	URL string `json:"url"`
}

// ScriptsConfig represents application script configuration
type ScriptsConfig struct {
	Enabled   bool   `json:"enabled"`
	Directory string `json:"directory"`
	Timeout   int    `json:"timeout"` // ms - timeout for evaluating a single script
}

// MetricsConfig represents the prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// Default values
const (
	DefaultLogLevel          = "info"
	DefaultAppName           = "[DEFAULT]"
	DefaultCallTimeout       = 10000 // ms
	DefaultMessageTimeout    = 60000 // ms
	DefaultReconnectInterval = 5000  // ms
	DefaultPingInterval      = 30000 // ms
	DefaultDedupCacheSize    = 10000
	DefaultEventBufferSize   = 1024
	DefaultScriptsDirectory  = "./scripts"
	DefaultScriptsTimeout    = 30000 // ms
	DefaultMetricsAddr       = ":9464"
)

// GetCallTimeoutDuration returns native call timeout as time.Duration
func (c *Config) GetCallTimeoutDuration() time.Duration {
	return time.Duration(c.NativeHost.CallTimeout) * time.Millisecond
}

// GetMessageTimeoutDuration returns host read timeout as time.Duration
func (c *Config) GetMessageTimeoutDuration() time.Duration {
	return time.Duration(c.NativeHost.MessageTimeout) * time.Millisecond
}

// GetReconnectIntervalDuration returns reconnect interval as time.Duration
func (c *Config) GetReconnectIntervalDuration() time.Duration {
	return time.Duration(c.NativeHost.ReconnectInterval) * time.Millisecond
}

// GetPingIntervalDuration returns ping interval as time.Duration
func (c *Config) GetPingIntervalDuration() time.Duration {
	return time.Duration(c.NativeHost.PingInterval) * time.Millisecond
}

// IsScriptsEnabled returns true if scripts are configured and enabled
func (c *Config) IsScriptsEnabled() bool {
	return c.Scripts != nil && c.Scripts.Enabled
}

// GetScriptsDirectory returns the scripts directory path
func (c *Config) GetScriptsDirectory() string {
	if c.Scripts == nil || c.Scripts.Directory == "" {
		return DefaultScriptsDirectory
	}
	return c.Scripts.Directory
}

// GetScriptsTimeoutDuration returns script evaluation timeout as time.Duration
func (c *Config) GetScriptsTimeoutDuration() time.Duration {
	if c.Scripts == nil || c.Scripts.Timeout == 0 {
		return time.Duration(DefaultScriptsTimeout) * time.Millisecond
	}
	return time.Duration(c.Scripts.Timeout) * time.Millisecond
}

// IsMetricsEnabled returns true if the metrics endpoint is enabled
func (c *Config) IsMetricsEnabled() bool {
	return c.Metrics != nil && c.Metrics.Enabled
}

// GetMetricsAddr returns the metrics listen address
func (c *Config) GetMetricsAddr() string {
	if c.Metrics == nil || c.Metrics.Addr == "" {
		return DefaultMetricsAddr
	}
	return c.Metrics.Addr
}

// DatabaseURLs returns the configured custom database URLs
func (c *Config) DatabaseURLs() []string {
	urls := make([]string, 0, len(c.Databases))
	for _, db := range c.Databases {
		urls = append(urls, db.URL)
	}
	return urls
}
