// Package config loads the relay's YAML configuration.
//
// Values start from Default, are overlaid by the file passed to LoadFile,
// then by command line flags. ${VAR} references in paths, URLs and tokens
// are expanded from the environment so secrets stay out of the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/url"
	"os"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the relay configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Collector CollectorConfig `yaml:"collector"`
	Batch     BatchConfig     `yaml:"batch"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Queries   QueriesConfig   `yaml:"queries"`
	Capture   CaptureConfig   `yaml:"capture"`
	Memory    MemoryConfig    `yaml:"memory"`
	Audit     AuditConfig     `yaml:"audit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig configures the local HTTP surface.
type ServerConfig struct {
	// Address to listen on. Default: 127.0.0.1:7890
	Address string `yaml:"address"`

	// AuthToken enables bearer authentication when set.
	AuthToken string `yaml:"auth_token"`

	// MaxConnections limits concurrent connections. 0 disables the limit.
	MaxConnections int `yaml:"max_connections"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// CollectorConfig configures delivery to the remote collector.
type CollectorConfig struct {
	// URL of the collector. Required.
	URL string `yaml:"url"`

	// Token is sent as a bearer token when set.
	Token string `yaml:"token"`

	// Timeout bounds each request. Default: 10s
	Timeout time.Duration `yaml:"timeout"`

	// CompressionThreshold is the body size above which requests are
	// zstd-compressed. Default: 2048
	CompressionThreshold int `yaml:"compression_threshold"`

	// SyncInterval is how often pending commands and results are
	// exchanged. Default: 1s
	SyncInterval time.Duration `yaml:"sync_interval"`

	// ResultQueue bounds undelivered command results. Default: 1000
	ResultQueue int `yaml:"result_queue"`
}

// BatchConfig configures every telemetry batcher.
type BatchConfig struct {
	// MaxSize triggers a flush. Default: 50
	MaxSize int `yaml:"max_size"`

	// Interval between timed flushes. Default: 1s
	Interval time.Duration `yaml:"interval"`

	// MaxBuffered caps items waiting per kind. Default: 1000
	MaxBuffered int `yaml:"max_buffered"`
}

// BreakerConfig configures the shared collector circuit breaker.
type BreakerConfig struct {
	// Threshold is the consecutive failures that open it. Default: 5
	Threshold int `yaml:"threshold"`

	// Cooldown is the first open period. Default: 1s
	Cooldown time.Duration `yaml:"cooldown"`

	// MaxCooldown caps the backed-off cooldown. Default: 60s
	MaxCooldown time.Duration `yaml:"max_cooldown"`
}

// QueriesConfig configures the command dispatcher.
type QueriesConfig struct {
	// DefaultTimeout bounds a query that sets none. Default: 30s
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// PendingTTL expires unsettled queries. Default: 60s
	PendingTTL time.Duration `yaml:"pending_ttl"`

	// SweepInterval is how often expired queries are swept. Default: 5s
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// HistorySize is the number of failed results kept. Default: 100
	HistorySize int `yaml:"history_size"`

	// BridgeURL is the page bridge execute_js posts to. execute_js is
	// disabled when empty.
	BridgeURL string `yaml:"bridge_url"`

	// ScriptCacheSize is the number of compiled scripts kept. Default: 50
	ScriptCacheSize int `yaml:"script_cache_size"`
}

// CaptureConfig configures redaction and error grouping.
type CaptureConfig struct {
	// RedactPatterns are extra regular expressions, keyed by name.
	RedactPatterns map[string]string `yaml:"redact_patterns"`

	// ErrorGroups is the number of error groups kept. Default: 100
	ErrorGroups int `yaml:"error_groups"`

	// ErrorGroupWindow is how long a group suppresses repeats. Default: 1h
	ErrorGroupWindow time.Duration `yaml:"error_group_window"`
}

// MemoryConfig configures memory pressure detection.
type MemoryConfig struct {
	// SoftLimitMB is the heap size reported as soft pressure. Default: 256
	SoftLimitMB uint64 `yaml:"soft_limit_mb"`

	// HardLimitMB is the heap size reported as hard pressure. Default: 512
	HardLimitMB uint64 `yaml:"hard_limit_mb"`

	// CheckInterval is how often the heap is sampled. Default: 10s
	CheckInterval time.Duration `yaml:"check_interval"`
}

// AuditConfig configures the result journal.
type AuditConfig struct {
	// Path of the bbolt database. The journal is disabled when empty.
	Path string `yaml:"path"`

	// Retention is how long results are kept. Default: 168h
	Retention time.Duration `yaml:"retention"`

	// ReapInterval is how often old results are deleted. Default: 5m
	ReapInterval time.Duration `yaml:"reap_interval"`
}

// MetricsConfig configures metrics export.
type MetricsConfig struct {
	// Prometheus serves /metrics. Default: true
	Prometheus bool `yaml:"prometheus"`

	// OTLPEndpoint enables OTLP gRPC export when set.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// OTLPInsecure disables TLS for OTLP export.
	OTLPInsecure bool `yaml:"otlp_insecure"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error. Default: info
	Level string `yaml:"level"`

	// Format is text or json. Default: text
	Format string `yaml:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         "127.0.0.1:7890",
			ShutdownTimeout: 10 * time.Second,
		},
		Collector: CollectorConfig{
			Timeout:              10 * time.Second,
			CompressionThreshold: 2048,
			SyncInterval:         time.Second,
			ResultQueue:          1000,
		},
		Batch: BatchConfig{
			MaxSize:     50,
			Interval:    time.Second,
			MaxBuffered: 1000,
		},
		Breaker: BreakerConfig{
			Threshold:   5,
			Cooldown:    time.Second,
			MaxCooldown: 60 * time.Second,
		},
		Queries: QueriesConfig{
			DefaultTimeout:  30 * time.Second,
			PendingTTL:      60 * time.Second,
			SweepInterval:   5 * time.Second,
			HistorySize:     100,
			ScriptCacheSize: 50,
		},
		Capture: CaptureConfig{
			ErrorGroups:      100,
			ErrorGroupWindow: time.Hour,
		},
		Memory: MemoryConfig{
			SoftLimitMB:   256,
			HardLimitMB:   512,
			CheckInterval: 10 * time.Second,
		},
		Audit: AuditConfig{
			Retention:    7 * 24 * time.Hour,
			ReapInterval: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Prometheus: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFile reads path over the defaults. Fields absent from the file keep
// their default values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg and expands environment references.
// Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing config: %w", err)
	}
	cfg.expandVariables()
	return nil
}

func (c *Config) expandVariables() {
	c.Server.AuthToken = expandVars(c.Server.AuthToken)
	c.Collector.URL = expandVars(c.Collector.URL)
	c.Collector.Token = expandVars(c.Collector.Token)
	c.Queries.BridgeURL = expandVars(c.Queries.BridgeURL)
	c.Audit.Path = expandVars(c.Audit.Path)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} from the environment.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

// Validate checks the configuration. Every problem is reported, each
// wrapping ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Server.Address == "" {
		invalid("server.address is required")
	}
	if c.Server.MaxConnections < 0 {
		invalid("server.max_connections must not be negative")
	}

	if c.Collector.URL == "" {
		invalid("collector.url is required")
	} else if u, err := url.Parse(c.Collector.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		invalid("collector.url must be an http(s) URL: %q", c.Collector.URL)
	}
	if c.Queries.BridgeURL != "" {
		if u, err := url.Parse(c.Queries.BridgeURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			invalid("queries.bridge_url must be an http(s) URL: %q", c.Queries.BridgeURL)
		}
	}

	positive := map[string]time.Duration{
		"collector.timeout":          c.Collector.Timeout,
		"collector.sync_interval":    c.Collector.SyncInterval,
		"batch.interval":             c.Batch.Interval,
		"breaker.cooldown":           c.Breaker.Cooldown,
		"capture.error_group_window": c.Capture.ErrorGroupWindow,
		"queries.default_timeout":    c.Queries.DefaultTimeout,
		"queries.pending_ttl":        c.Queries.PendingTTL,
		"queries.sweep_interval":     c.Queries.SweepInterval,
		"memory.check_interval":      c.Memory.CheckInterval,
	}
	for _, name := range slices.Sorted(maps.Keys(positive)) {
		if positive[name] <= 0 {
			invalid("%s must be positive", name)
		}
	}
	if c.Breaker.MaxCooldown < c.Breaker.Cooldown {
		invalid("breaker.max_cooldown must be at least breaker.cooldown")
	}
	if c.Queries.PendingTTL > 0 && c.Queries.PendingTTL < c.Queries.DefaultTimeout {
		invalid("queries.pending_ttl must be at least queries.default_timeout")
	}

	if c.Batch.MaxSize <= 0 {
		invalid("batch.max_size must be positive")
	}
	if c.Batch.MaxBuffered < c.Batch.MaxSize {
		invalid("batch.max_buffered must be at least batch.max_size")
	}
	if c.Breaker.Threshold <= 0 {
		invalid("breaker.threshold must be positive")
	}
	if c.Memory.HardLimitMB <= c.Memory.SoftLimitMB {
		invalid("memory.hard_limit_mb must exceed memory.soft_limit_mb")
	}
	for name, pattern := range c.Capture.RedactPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			invalid("capture.redact_patterns.%s: %v", name, err)
		}
	}
	if c.Audit.Path != "" && (c.Audit.Retention <= 0 || c.Audit.ReapInterval <= 0) {
		invalid("audit.retention and audit.reap_interval must be positive")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		invalid("log.level must be debug, info, warn or error: %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		invalid("log.format must be text or json: %q", c.Log.Format)
	}

	return errors.Join(errs...)
}
