package sentry_gateway

import (
	"time"

	"github.com/roadrunner-server/errors"
)

const PluginName = "sentry_gateway"

// Config represents the plugin configuration
type Config struct {
	// Enable/disable the plugin
	Enabled bool `mapstructure:"enabled"`

	// Sentry DSN, empty DSN runs the gateway in dry-run mode
	DSN string `mapstructure:"dsn"`

	// Name of the active environment
	Environment string `mapstructure:"environment"`

	// Environments in which events are sent to Sentry
	EnabledEnvironments []string `mapstructure:"enabled_environments"`

	// Debug exposes underlying transmission errors to callers
	Debug bool `mapstructure:"debug"`

	// Extra variables sent with every event
	ExtraVariables map[string]any `mapstructure:"extra"`

	// Options passed to the reporting client
	Options ClientOptions `mapstructure:"options"`

	// HTTP transport settings
	Transport TransportConfig `mapstructure:"transport"`

	// Retry configuration
	Retry RetryConfig `mapstructure:"retry"`

	// Error handler configuration
	ErrorHandler ErrorHandlerConfig `mapstructure:"error_handler"`

	// Log route configuration
	LogRoute LogRouteConfig `mapstructure:"log_route"`
}

// ClientOptions are the options the reporting client is constructed with.
type ClientOptions struct {
	// Name of the logger
	Logger string `mapstructure:"logger"`
	// Attach stack traces to messages
	AutoLogStacks bool `mapstructure:"auto_log_stacks"`
	// Name of the server
	ServerName string `mapstructure:"server_name"`
	// Name of the installation
	Site string `mapstructure:"site"`
	// Key/value pairs attached to every event
	Tags map[string]string `mapstructure:"tags"`
	// Send stack traces with exceptions
	Trace *bool `mapstructure:"trace"`
	// Timeout when connecting to Sentry, in seconds
	Timeout int `mapstructure:"timeout"`
	// Type names of exceptions which are never sent
	Exclude []string `mapstructure:"exclude"`
	// Drop the gateway's own frames from captured stack traces
	ShiftVars bool `mapstructure:"shift_vars"`
	// Event processors applied in order
	Processors []string `mapstructure:"processors"`
}

// SendStackTrace reports whether exception stack traces are sent.
func (o ClientOptions) SendStackTrace() bool {
	return o.Trace == nil || *o.Trace
}

// TransportConfig contains HTTP transport settings
type TransportConfig struct {
	// Request timeout
	Timeout time.Duration `mapstructure:"timeout"`
	// Connection timeout
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// Enable gzip compression
	Compression *bool `mapstructure:"compression"`
	// SSL verification
	SSLVerify *bool `mapstructure:"ssl_verify"`
	// Proxy URL
	Proxy string `mapstructure:"proxy"`
}

// RetryConfig contains retry settings for a single event delivery
type RetryConfig struct {
	// Maximum delivery attempts, 1 disables retries
	MaxAttempts int `mapstructure:"max_attempts"`
	// Initial backoff duration
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	// Backoff multiplier
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
	// Maximum backoff duration
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
}

// ErrorHandlerConfig contains error handler settings
type ErrorHandlerConfig struct {
	// Error reporting mask, errors with severities outside of it are not captured
	Mask *Severity `mapstructure:"mask"`
}

// LogRouteConfig contains log route settings
type LogRouteConfig struct {
	// Levels routed to Sentry, empty means all
	Levels []string `mapstructure:"levels"`
	// Categories routed to Sentry, empty means all
	Categories []string `mapstructure:"categories"`
}

// InitDefaults initializes default configuration values
func (cfg *Config) InitDefaults() {
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.EnabledEnvironments == nil {
		cfg.EnabledEnvironments = []string{"production", "staging"}
	}
	if cfg.ExtraVariables == nil {
		cfg.ExtraVariables = map[string]any{}
	}

	if cfg.Options.Logger == "" {
		cfg.Options.Logger = DefaultLoggerName
	}

	if cfg.Transport.Timeout == 0 {
		cfg.Transport.Timeout = 30 * time.Second
	}
	if cfg.Options.Timeout > 0 {
		cfg.Transport.Timeout = time.Duration(cfg.Options.Timeout) * time.Second
	}
	if cfg.Transport.ConnectTimeout == 0 {
		cfg.Transport.ConnectTimeout = 10 * time.Second
	}
	if cfg.Transport.Compression == nil {
		cfg.Transport.Compression = ptrTo(true)
	}
	if cfg.Transport.SSLVerify == nil {
		cfg.Transport.SSLVerify = ptrTo(true)
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.Retry.BackoffMultiplier == 0 {
		cfg.Retry.BackoffMultiplier = 2.0
	}
	if cfg.Retry.MaxBackoff == 0 {
		cfg.Retry.MaxBackoff = 2 * time.Second
	}

	if cfg.ErrorHandler.Mask == nil {
		cfg.ErrorHandler.Mask = ptrTo(SeverityAll)
	}
}

// Validate validates the configuration
func (cfg *Config) Validate() error {
	const op = errors.Op("sentry_gateway_config_validate")

	if cfg.DSN != "" {
		if _, err := ParseDSN(cfg.DSN); err != nil {
			return configurationError(op, "%s", err.Error())
		}
	}

	if cfg.Options.Timeout < 0 {
		return configurationError(op, "options.timeout must not be negative, got %d", cfg.Options.Timeout)
	}
	if cfg.Transport.Timeout < 0 || cfg.Transport.ConnectTimeout < 0 {
		return configurationError(op, "transport timeouts must not be negative")
	}

	for _, name := range cfg.Options.Processors {
		if _, ok := processors[name]; !ok {
			return configurationError(op, "unknown event processor %q", name)
		}
	}

	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}

	return nil
}

// IsEnvironmentEnabled returns whether the active environment is enabled.
func (cfg *Config) IsEnvironmentEnabled() bool {
	for _, env := range cfg.EnabledEnvironments {
		if env == cfg.Environment {
			return true
		}
	}
	return false
}
