package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Cache       CacheConfig       `yaml:"cache"`
	Join        JoinConfig        `yaml:"join"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Fingerprint FingerprintConfig `yaml:"fingerprint"`
	Rules       RulesConfig       `yaml:"rules"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Port            int    `yaml:"port"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// CacheConfig contains cache-related configuration
type CacheConfig struct {
	Backend      string `yaml:"backend"` // "memory", "bounded" or "disk"
	Freshness    string `yaml:"freshness"`
	MaxFreshness string `yaml:"max_freshness"`
	MaxEntries   int    `yaml:"max_entries"` // bounded backend only
	Folder       string `yaml:"folder"`      // disk backend only
	Clean        bool   `yaml:"clean"`       // drop all cached state at startup
}

// JoinConfig controls how concurrent duplicate requests are coalesced
type JoinConfig struct {
	FollowerTimeout string `yaml:"follower_timeout"`
	MaxAttempts     int    `yaml:"max_attempts"`
}

// UpstreamConfig controls the calls made to the origin
type UpstreamConfig struct {
	Timeout         string            `yaml:"timeout"`
	ArtificialDelay string            `yaml:"artificial_delay"`
	SuccessStatuses []string          `yaml:"success_statuses"` // e.g. "200", "2xx"
	DialOverrides   map[string]string `yaml:"dial_overrides"`   // declared host:port -> address to dial
	DNSCacheRefresh string            `yaml:"dns_cache_refresh"`
}

// FingerprintConfig controls which request attributes make up the cache key
type FingerprintConfig struct {
	NormalizeDefaultPorts bool     `yaml:"normalize_default_ports"`
	Headers               []string `yaml:"headers"`
}

// RulesConfig contains caching rules configuration
type RulesConfig struct {
	Mode  string      `yaml:"mode"` // "whitelist" or "blacklist"
	Rules []CacheRule `yaml:"rules"`
}

// CacheRule defines a caching rule
type CacheRule struct {
	BaseURI string   `yaml:"base_uri"`
	Methods []string `yaml:"methods"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"` // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns a configuration with every default applied
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: "15s",
		},
		Cache: CacheConfig{
			Backend:      "memory",
			Freshness:    "30s",
			MaxFreshness: "10m",
			MaxEntries:   10_000,
			Folder:       "./cache",
		},
		Join: JoinConfig{
			FollowerTimeout: "45s",
			MaxAttempts:     2,
		},
		Upstream: UpstreamConfig{
			Timeout:         "30s",
			ArtificialDelay: "0s",
			SuccessStatuses: []string{"2xx"},
			DNSCacheRefresh: "5m",
		},
		Rules: RulesConfig{
			Mode: "blacklist",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
			Tracing: TracingConfig{SampleRate: 1.0},
		},
	}
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	data = expandEnv(data)

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	return config, nil
}

func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s format: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative, got: %s", name, value)
	}
	return d, nil
}

// GetFreshness returns the default freshness window for cache reads
func (c *Config) GetFreshness() (time.Duration, error) {
	return parseDuration("cache freshness", c.Cache.Freshness)
}

// GetMaxFreshness returns the upper bound for per-request freshness overrides
func (c *Config) GetMaxFreshness() (time.Duration, error) {
	return parseDuration("cache max_freshness", c.Cache.MaxFreshness)
}

// GetRetention returns how long a store keeps a value at all: the widest
// window any read may ask for
func (c *Config) GetRetention() (time.Duration, error) {
	freshness, err := c.GetFreshness()
	if err != nil {
		return 0, err
	}
	maxFreshness, err := c.GetMaxFreshness()
	if err != nil {
		return 0, err
	}
	return max(freshness, maxFreshness), nil
}

// GetFollowerTimeout returns how long a joined request waits for its leader
func (c *Config) GetFollowerTimeout() (time.Duration, error) {
	return parseDuration("join follower_timeout", c.Join.FollowerTimeout)
}

// GetUpstreamTimeout returns the timeout of a single origin call
func (c *Config) GetUpstreamTimeout() (time.Duration, error) {
	return parseDuration("upstream timeout", c.Upstream.Timeout)
}

// GetArtificialDelay returns the delay injected before each origin call
func (c *Config) GetArtificialDelay() (time.Duration, error) {
	return parseDuration("upstream artificial_delay", c.Upstream.ArtificialDelay)
}

// GetDNSCacheRefresh returns the DNS cache refresh interval, 0 disables it
func (c *Config) GetDNSCacheRefresh() (time.Duration, error) {
	return parseDuration("upstream dns_cache_refresh", c.Upstream.DNSCacheRefresh)
}

// GetShutdownTimeout returns the graceful shutdown budget
func (c *Config) GetShutdownTimeout() (time.Duration, error) {
	return parseDuration("server shutdown_timeout", c.Server.ShutdownTimeout)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if _, err := c.GetShutdownTimeout(); err != nil {
		return err
	}

	switch c.Cache.Backend {
	case "memory":
	case "bounded":
		if c.Cache.MaxEntries <= 0 {
			return fmt.Errorf("cache max_entries must be positive for the bounded backend, got: %d", c.Cache.MaxEntries)
		}
	case "disk":
		if c.Cache.Folder == "" {
			return fmt.Errorf("cache folder is required for the disk backend")
		}
	default:
		return fmt.Errorf("cache backend must be 'memory', 'bounded' or 'disk', got: %s", c.Cache.Backend)
	}

	freshness, err := c.GetFreshness()
	if err != nil {
		return err
	}
	if freshness == 0 {
		return fmt.Errorf("cache freshness is required")
	}
	maxFreshness, err := c.GetMaxFreshness()
	if err != nil {
		return err
	}
	if maxFreshness != 0 && maxFreshness < freshness {
		return fmt.Errorf("cache max_freshness (%s) is shorter than freshness (%s)", maxFreshness, freshness)
	}

	followerTimeout, err := c.GetFollowerTimeout()
	if err != nil {
		return err
	}
	if followerTimeout == 0 {
		return fmt.Errorf("join follower_timeout is required")
	}
	if c.Join.MaxAttempts < 2 {
		return fmt.Errorf("join max_attempts must be at least 2, got: %d", c.Join.MaxAttempts)
	}

	for _, get := range []func() (time.Duration, error){c.GetUpstreamTimeout, c.GetArtificialDelay, c.GetDNSCacheRefresh} {
		if _, err := get(); err != nil {
			return err
		}
	}

	if len(c.Upstream.SuccessStatuses) == 0 {
		return fmt.Errorf("upstream success_statuses must not be empty")
	}
	for _, pattern := range c.Upstream.SuccessStatuses {
		if !validStatusPattern(pattern) {
			return fmt.Errorf("invalid status code pattern: %s", pattern)
		}
	}

	for declared, addr := range c.Upstream.DialOverrides {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid dial override for %s: %w", declared, err)
		}
	}

	if c.Rules.Mode != "whitelist" && c.Rules.Mode != "blacklist" {
		return fmt.Errorf("rules mode must be 'whitelist' or 'blacklist', got: %s", c.Rules.Mode)
	}

	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging format must be 'text' or 'json', got: %s", c.Logging.Format)
	}

	if c.Telemetry.Tracing.Enabled && c.Telemetry.Tracing.Endpoint == "" {
		return fmt.Errorf("telemetry tracing endpoint is required when tracing is enabled")
	}

	return nil
}

func validStatusPattern(pattern string) bool {
	if len(pattern) != 3 {
		return false
	}
	if strings.HasSuffix(strings.ToLower(pattern), "xx") {
		return pattern[0] >= '1' && pattern[0] <= '5'
	}
	code, err := strconv.Atoi(pattern)
	return err == nil && code >= 100 && code <= 599
}

// MatchesStatusCode reports whether code matches a pattern such as "200" or "2xx"
func MatchesStatusCode(code int, pattern string) bool {
	if !validStatusPattern(pattern) {
		return false
	}
	if strings.HasSuffix(strings.ToLower(pattern), "xx") {
		return code/100 == int(pattern[0]-'0')
	}
	return strconv.Itoa(code) == pattern
}
