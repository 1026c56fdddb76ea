package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// LoadConfig reads, parses, defaults and validates the configuration file at
// path. The format is chosen by extension (.json, .toml); any other
// extension is auto-detected by trying JSON first, then TOML.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	cfg, err := parseConfig(data, strings.ToLower(filepath.Ext(path)))
	if err != nil {
		return nil, err
	}
	cfg.originalFilePath = path

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// Prepare applies defaults to a configuration built in code and validates
// it, exactly as LoadConfig does for a file.
func Prepare(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func parseConfig(data []byte, ext string) (*Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("configuration file is empty")
	}

	switch ext {
	case ".json":
		var cfg Config
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
		return &cfg, nil
	case ".toml":
		var cfg Config
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
		return &cfg, nil
	}

	var jsonCfg Config
	jsonErr := json.Unmarshal(data, &jsonCfg)
	if jsonErr == nil {
		return &jsonCfg, nil
	}
	var tomlCfg Config
	_, tomlErr := toml.Decode(string(data), &tomlCfg)
	if tomlErr == nil {
		return &tomlCfg, nil
	}
	return nil, fmt.Errorf("failed to auto-detect and parse config: JSON error: %v; TOML error: %v", jsonErr, tomlErr)
}

func applyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	if cfg.Server.Address == nil {
		addr := DefaultServerAddress
		cfg.Server.Address = &addr
	}
	if cfg.Server.GracefulShutdownTimeout == nil {
		cfg.Server.GracefulShutdownTimeout = NewDuration(DefaultGracefulShutdownTimeout)
	}

	if cfg.Client == nil {
		cfg.Client = &ClientConfig{}
	}
	ApplyClientDefaults(cfg.Client)

	if cfg.Stream == nil {
		cfg.Stream = &StreamConfig{}
	}
	ApplyStreamDefaults(cfg.Stream)

	if cfg.Routing == nil {
		cfg.Routing = &RoutingConfig{}
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.LogLevel == "" {
		cfg.Logging.LogLevel = LogLevelInfo
	}
	if cfg.Logging.ErrorLog == nil {
		cfg.Logging.ErrorLog = &ErrorLogConfig{}
	}
	if cfg.Logging.ErrorLog.Target == nil {
		target := "stderr"
		cfg.Logging.ErrorLog.Target = &target
	}
	if cfg.Logging.ErrorLog.Format == "" {
		cfg.Logging.ErrorLog.Format = DefaultLogFormat
	}
	if cfg.Logging.AccessLog == nil {
		cfg.Logging.AccessLog = &AccessLogConfig{}
	}
	if cfg.Logging.AccessLog.Enabled == nil {
		enabled := true
		cfg.Logging.AccessLog.Enabled = &enabled
	}
	if cfg.Logging.AccessLog.Target == nil {
		target := "stdout"
		cfg.Logging.AccessLog.Target = &target
	}
}

// ApplyClientDefaults fills unset client fields. It is exported for callers
// that build a ClientConfig in code rather than loading a file.
func ApplyClientDefaults(c *ClientConfig) {
	if c.AllowHTTP == nil {
		allow := false
		c.AllowHTTP = &allow
	}
	if c.MaxStreamsPerSecond == nil {
		v := DefaultMaxStreamsPerSecond
		c.MaxStreamsPerSecond = &v
	}
	if c.MinStreamsPerSecond == nil {
		v := DefaultMinStreamsPerSecond
		c.MinStreamsPerSecond = &v
	}
	if c.Burst == nil {
		v := DefaultStreamBurst
		c.Burst = &v
	}
	if c.BackpressureCooldown == nil {
		c.BackpressureCooldown = NewDuration(DefaultBackpressureCooldown)
	}
	if c.ResponseTimeout == nil {
		c.ResponseTimeout = NewDuration(DefaultResponseTimeout)
	}
}

// ApplyStreamDefaults fills unset stream fields.
func ApplyStreamDefaults(s *StreamConfig) {
	if s.LeakWarningDelay == nil {
		s.LeakWarningDelay = NewDuration(DefaultLeakWarningDelay)
	}
	if len(s.BackpressureMarkers) == 0 {
		s.BackpressureMarkers = []string{DefaultBackpressureMarker}
	}
}

func validate(cfg *Config) error {
	if *cfg.Server.Address == "" {
		return fmt.Errorf("server.address cannot be empty")
	}
	hasCert := cfg.Server.TLSCertFile != nil && *cfg.Server.TLSCertFile != ""
	hasKey := cfg.Server.TLSKeyFile != nil && *cfg.Server.TLSKeyFile != ""
	if hasCert != hasKey {
		return fmt.Errorf("server.tls_cert_file and server.tls_key_file must be set together")
	}

	c := cfg.Client
	if *c.MaxStreamsPerSecond <= 0 {
		return fmt.Errorf("client.max_streams_per_second must be positive, got %v", *c.MaxStreamsPerSecond)
	}
	if *c.MinStreamsPerSecond <= 0 {
		return fmt.Errorf("client.min_streams_per_second must be positive, got %v", *c.MinStreamsPerSecond)
	}
	if *c.MinStreamsPerSecond > *c.MaxStreamsPerSecond {
		return fmt.Errorf("client.min_streams_per_second (%v) cannot exceed client.max_streams_per_second (%v)", *c.MinStreamsPerSecond, *c.MaxStreamsPerSecond)
	}
	if *c.Burst < 1 {
		return fmt.Errorf("client.burst must be at least 1, got %d", *c.Burst)
	}

	for i, m := range cfg.Stream.BackpressureMarkers {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("stream.backpressure_markers[%d] cannot be empty", i)
		}
	}

	if err := validateRoutes(cfg.Routing.Routes); err != nil {
		return err
	}
	return validateLogging(cfg.Logging)
}

func validateRoutes(routes []Route) error {
	seen := make(map[string]struct{}, len(routes))
	for i, r := range routes {
		if r.PathPattern == "" {
			return fmt.Errorf("routing.routes[%d].path_pattern cannot be empty", i)
		}
		if !strings.HasPrefix(r.PathPattern, "/") {
			return fmt.Errorf("routing.routes[%d].path_pattern '%s' must start with '/'", i, r.PathPattern)
		}
		if r.HandlerType == "" {
			return fmt.Errorf("routing.routes[%d].handler_type cannot be empty for path_pattern '%s'", i, r.PathPattern)
		}
		switch r.MatchType {
		case MatchTypeExact:
			if r.PathPattern != "/" && strings.HasSuffix(r.PathPattern, "/") {
				return fmt.Errorf("path_pattern '%s' with MatchType 'Exact' must not end with '/' unless it is the root path '/'", r.PathPattern)
			}
		case MatchTypePrefix:
			if !strings.HasSuffix(r.PathPattern, "/") {
				return fmt.Errorf("path_pattern '%s' with MatchType 'Prefix' must end with '/'", r.PathPattern)
			}
		case "":
			return fmt.Errorf("routing.routes[%d].match_type is missing for path_pattern '%s'; must be 'Exact' or 'Prefix'", i, r.PathPattern)
		default:
			return fmt.Errorf("routing.routes[%d].match_type '%s' is invalid for path_pattern '%s'; must be 'Exact' or 'Prefix'", i, r.MatchType, r.PathPattern)
		}
		key := string(r.MatchType) + " " + r.PathPattern
		if _, dup := seen[key]; dup {
			return fmt.Errorf("ambiguous route: duplicate PathPattern '%s' and MatchType '%s' found", r.PathPattern, r.MatchType)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func validateLogging(l *LoggingConfig) error {
	switch l.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("logging.log_level '%s' is invalid; must be one of 'DEBUG', 'INFO', 'WARNING', 'ERROR'", l.LogLevel)
	}

	if err := validateTarget("logging.error_log.target", *l.ErrorLog.Target); err != nil {
		return err
	}
	switch l.ErrorLog.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.error_log.format '%s' is invalid; must be 'json' or 'console'", l.ErrorLog.Format)
	}
	return validateTarget("logging.access_log.target", *l.AccessLog.Target)
}

func validateTarget(field, target string) error {
	if target == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}
	if IsFilePath(target) && !filepath.IsAbs(target) {
		return fmt.Errorf("%s path '%s' must be absolute", field, target)
	}
	return nil
}
