package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// MatchType defines how a path pattern is interpreted.
type MatchType string

const (
	// MatchTypeExact matches the path exactly.
	MatchTypeExact MatchType = "Exact"
	// MatchTypePrefix matches any path starting with the prefix.
	MatchTypePrefix MatchType = "Prefix"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Default values applied by LoadConfig when a field is absent.
const (
	DefaultServerAddress           = ":8443"
	DefaultGracefulShutdownTimeout = 30 * time.Second
	DefaultLeakWarningDelay        = 10 * time.Second
	DefaultMaxStreamsPerSecond     = 100.0
	DefaultMinStreamsPerSecond     = 1.0
	DefaultStreamBurst             = 10
	DefaultBackpressureCooldown    = 5 * time.Second
	DefaultResponseTimeout         = 30 * time.Second
	DefaultBackpressureMarker      = "ENHANCE_YOUR_CALM"
	DefaultLogFormat               = "json"
)

// Config is the top-level configuration structure.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty"`
	Client  *ClientConfig  `json:"client,omitempty" toml:"client,omitempty"`
	Stream  *StreamConfig  `json:"stream,omitempty" toml:"stream,omitempty"`
	Routing *RoutingConfig `json:"routing,omitempty" toml:"routing,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`

	originalFilePath string
}

// OriginalFilePath returns the path the configuration was loaded from.
func (c *Config) OriginalFilePath() string {
	if c == nil {
		return ""
	}
	return c.originalFilePath
}

// ServerConfig holds settings for the HTTP/2 server.
type ServerConfig struct {
	Address                 *string   `json:"address,omitempty" toml:"address,omitempty"`
	GracefulShutdownTimeout *Duration `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty"`
	// TLSCertFile and TLSKeyFile switch the server from h2c to h2 over TLS.
	// Both or neither must be set.
	TLSCertFile *string `json:"tls_cert_file,omitempty" toml:"tls_cert_file,omitempty"`
	TLSKeyFile  *string `json:"tls_key_file,omitempty" toml:"tls_key_file,omitempty"`
	// MetricsAddress serves Prometheus metrics over HTTP/1.1 when set.
	MetricsAddress *string `json:"metrics_address,omitempty" toml:"metrics_address,omitempty"`
}

// TLSEnabled reports whether a certificate and key were configured.
func (s *ServerConfig) TLSEnabled() bool {
	return s != nil && s.TLSCertFile != nil && *s.TLSCertFile != "" && s.TLSKeyFile != nil && *s.TLSKeyFile != ""
}

// ClientConfig holds settings for client sessions.
type ClientConfig struct {
	// AllowHTTP enables cleartext HTTP/2 (h2c) for http:// URLs.
	AllowHTTP            *bool     `json:"allow_http,omitempty" toml:"allow_http,omitempty"`
	MaxStreamsPerSecond  *float64  `json:"max_streams_per_second,omitempty" toml:"max_streams_per_second,omitempty"`
	MinStreamsPerSecond  *float64  `json:"min_streams_per_second,omitempty" toml:"min_streams_per_second,omitempty"`
	Burst                *int      `json:"burst,omitempty" toml:"burst,omitempty"`
	BackpressureCooldown *Duration `json:"backpressure_cooldown,omitempty" toml:"backpressure_cooldown,omitempty"`
	ResponseTimeout      *Duration `json:"response_timeout,omitempty" toml:"response_timeout,omitempty"`
}

// StreamConfig tunes the per-stream lifecycle handling.
type StreamConfig struct {
	LeakWarningDelay    *Duration `json:"leak_warning_delay,omitempty" toml:"leak_warning_delay,omitempty"`
	BackpressureMarkers []string  `json:"backpressure_markers,omitempty" toml:"backpressure_markers,omitempty"`
}

// RoutingConfig contains the list of routes.
type RoutingConfig struct {
	Routes []Route `json:"routes,omitempty" toml:"routes,omitempty"`
}

// Route defines a single routing rule.
type Route struct {
	PathPattern   string                 `json:"path_pattern" toml:"path_pattern"`
	MatchType     MatchType              `json:"match_type" toml:"match_type"`
	HandlerType   string                 `json:"handler_type" toml:"handler_type"`
	HandlerConfig map[string]interface{} `json:"handler_config,omitempty" toml:"handler_config,omitempty"`
}

// HandlerConfigJSON returns the route's handler configuration as raw JSON,
// regardless of whether it was loaded from JSON or TOML.
func (r Route) HandlerConfigJSON() (json.RawMessage, error) {
	if r.HandlerConfig == nil {
		return nil, nil
	}
	raw, err := json.Marshal(r.HandlerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to encode handler_config for path_pattern '%s': %w", r.PathPattern, err)
	}
	return raw, nil
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty"`
}

// AccessLogConfig configures per-stream access logging on the server.
type AccessLogConfig struct {
	Enabled *bool   `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Target  *string `json:"target,omitempty" toml:"target,omitempty"`
}

// ErrorLogConfig configures diagnostic logging.
type ErrorLogConfig struct {
	Target *string `json:"target,omitempty" toml:"target,omitempty"`
	// Format is "json" or "console".
	Format string `json:"format,omitempty" toml:"format,omitempty"`
}

// IsFilePath reports whether a log target refers to a file rather than a
// standard stream.
func IsFilePath(target string) bool {
	return target != "stdout" && target != "stderr"
}

// Duration is a time.Duration that unmarshals from strings like "10s" in
// both JSON and TOML.
type Duration struct {
	d time.Duration
}

// NewDuration wraps d.
func NewDuration(d time.Duration) *Duration {
	return &Duration{d: d}
}

// Value returns the wrapped time.Duration. A nil receiver yields zero.
func (d *Duration) Value() time.Duration {
	if d == nil {
		return 0
	}
	return d.d
}

func (d Duration) String() string {
	return d.d.String()
}

// UnmarshalText implements encoding.TextUnmarshaler; TOML uses it directly.
func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "" {
		return fmt.Errorf("duration string cannot be empty")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration string %q: %w", s, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("duration must be positive, got %q", s)
	}
	d.d = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.d.String()), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return d.UnmarshalText(nil)
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration should be a string, got %s", string(data))
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.d.String())
}
