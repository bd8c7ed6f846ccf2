// Package config loads the gateway configuration.
//
// DESIGN: Configuration is resolved exactly once at startup:
//
//	defaults < YAML file (${VAR} expanded) < environment < CLI flags
//
// The resulting *Config is treated as immutable for the process lifetime and
// passed explicitly to gateway.New. Nothing in the request path mutates it.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Log formats.
const (
	LogFormatAuto    = "auto"
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// Telemetry sinks.
const (
	SinkJSONL  = "jsonl"
	SinkSQLite = "sqlite"
)

// Environment variables read at startup.
const (
	EnvUpstreamBaseURL = "LMSTUDIO_API_BASE"
	EnvUpstreamAPIKey  = "LMSTUDIO_API_KEY"
	EnvProxyModel      = "LMSTUDIO_PROXY_MODEL_NAME"
	EnvTimeout         = "PROXY_TIMEOUT"
	EnvPort            = "GATEWAY_PORT"
	EnvLogLevel        = "LOG_LEVEL"
	EnvLogFormat       = "LOG_FORMAT"
)

// Config is the full gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Logging    LoggingConfig    `yaml:"logging"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServerConfig controls the inbound HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// UpstreamConfig describes the single inference server behind the gateway.
type UpstreamConfig struct {
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	Model         string        `yaml:"model"` // only used to fill absent fields, never forced upstream
	Timeout       time.Duration `yaml:"timeout"`
	ModelsTimeout time.Duration `yaml:"models_timeout"`
	UserAgent     string        `yaml:"user_agent"`
}

// LoggingConfig controls the global zerolog logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // auto, json, console
}

// MonitoringConfig controls metrics and request telemetry.
type MonitoringConfig struct {
	MetricsEnabled bool            `yaml:"metrics_enabled"`
	Telemetry      TelemetryConfig `yaml:"telemetry"`
}

// TelemetryConfig controls per-request event recording.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Sink    string `yaml:"sink"` // jsonl, sqlite
	Path    string `yaml:"path"`
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            DefaultPort,
			ReadTimeout:     DefaultServerReadTimeout,
			WriteTimeout:    DefaultServerWriteTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Upstream: UpstreamConfig{
			BaseURL:       DefaultUpstreamBaseURL,
			Model:         DefaultProxyModel,
			Timeout:       DefaultUpstreamTimeout,
			ModelsTimeout: DefaultModelsTimeout,
			UserAgent:     DefaultUserAgent,
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled: true,
			Telemetry: TelemetryConfig{
				Sink: DefaultTelemetrySink,
				Path: DefaultTelemetryPath,
			},
		},
	}
}

// Load builds the configuration from an optional YAML file and the process environment.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an injectable environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		expanded := os.Expand(string(data), func(key string) string {
			v, _ := lookup(key)
			return v
		})
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookupNonEmpty(lookup, EnvUpstreamBaseURL); ok {
		c.Upstream.BaseURL = v
	}
	// An explicitly empty key disables the Authorization header.
	if v, ok := lookup(EnvUpstreamAPIKey); ok {
		c.Upstream.APIKey = strings.TrimSpace(v)
	}
	if v, ok := lookupNonEmpty(lookup, EnvProxyModel); ok {
		c.Upstream.Model = v
	}
	if v, ok := lookupNonEmpty(lookup, EnvTimeout); ok {
		d, err := ParseTimeout(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTimeout, err)
		}
		c.Upstream.Timeout = d
	}
	if v, ok := lookupNonEmpty(lookup, EnvPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid port %q", EnvPort, v)
		}
		c.Server.Port = port
	}
	if v, ok := lookupNonEmpty(lookup, EnvLogLevel); ok {
		c.Logging.Level = v
	}
	if v, ok := lookupNonEmpty(lookup, EnvLogFormat); ok {
		c.Logging.Format = v
	}
	return nil
}

func lookupNonEmpty(lookup func(string) (string, bool), key string) (string, bool) {
	v, ok := lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// ParseTimeout accepts whole seconds ("300") or a Go duration ("5m").
func ParseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q", s)
	}
	return d, nil
}

func (c *Config) normalize() {
	c.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(c.Upstream.BaseURL), "/")
	c.Upstream.APIKey = strings.TrimSpace(c.Upstream.APIKey)
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = DefaultUserAgent
	}
	if c.Upstream.Model == "" {
		c.Upstream.Model = DefaultProxyModel
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.Logging.Format = strings.ToLower(c.Logging.Format)
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Monitoring.Telemetry.Sink == "" {
		c.Monitoring.Telemetry.Sink = DefaultTelemetrySink
	}
	if c.Monitoring.Telemetry.Path == "" {
		c.Monitoring.Telemetry.Path = DefaultTelemetryPath
	}
}

// Validate checks the configuration for values the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.Upstream.BaseURL)
	switch {
	case c.Upstream.BaseURL == "":
		errs = append(errs, errors.New("upstream.base_url is required"))
	case err != nil:
		errs = append(errs, fmt.Errorf("upstream.base_url: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("upstream.base_url: unsupported scheme %q", u.Scheme))
	case u.Host == "":
		errs = append(errs, errors.New("upstream.base_url: missing host"))
	}

	if c.Upstream.Timeout <= 0 {
		errs = append(errs, errors.New("upstream.timeout must be positive"))
	}
	if c.Upstream.ModelsTimeout <= 0 {
		errs = append(errs, errors.New("upstream.models_timeout must be positive"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		errs = append(errs, errors.New("server read/write timeouts must not be negative"))
	}
	// Shutdown with an already expired context would cut in-flight streams at once.
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}

	switch c.Logging.Format {
	case LogFormatAuto, LogFormatJSON, LogFormatConsole:
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}

	switch c.Monitoring.Telemetry.Sink {
	case SinkJSONL, SinkSQLite:
	default:
		errs = append(errs, fmt.Errorf("monitoring.telemetry.sink: unknown sink %q", c.Monitoring.Telemetry.Sink))
	}

	return errors.Join(errs...)
}

// ListenAddr returns the address the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
