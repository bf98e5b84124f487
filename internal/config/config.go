package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`             // Default: false
	Exporter    string  `json:"exporter" yaml:"exporter"`           // otlp-http, stdout
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`           // localhost:4318
	ServiceName string  `json:"service_name" yaml:"service_name"`   // hhrf
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`     // 1.0
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled          bool      `json:"enabled" yaml:"enabled"`                     // Default: true
	Namespace        string    `json:"namespace" yaml:"namespace"`                 // hhrf
	HistogramBuckets []float64 `json:"histogram_buckets" yaml:"histogram_buckets"` // Latency buckets in ms
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level          string `json:"level" yaml:"level"`                       // debug, info, warn, error
	Format         string `json:"format" yaml:"format"`                     // text, json
	IncludeTraceID bool   `json:"include_trace_id" yaml:"include_trace_id"` // Correlate with traces
	RequestLogPath string `json:"request_log_path" yaml:"request_log_path"` // JSON per-invocation log file, empty disables
}

// ObservabilityConfig groups all observability-related settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// CacheConfig holds library cache settings (component D).
type CacheConfig struct {
	IdleTTL         time.Duration `json:"idle_ttl" yaml:"idle_ttl"`                 // Default: 5m
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"` // Default: 1m
}

// InvokeConfig holds invocation pipeline settings (component E).
type InvokeConfig struct {
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"` // Default: 30s
	TransportMode  string        `json:"transport_mode" yaml:"transport_mode"`   // "in-process" or "subprocess"
	RunnerPath     string        `json:"runner_path" yaml:"runner_path"`         // FEZZ_RUNNER override
}

// GatewayConfig holds the thin HTTP gateway settings (component G).
type GatewayConfig struct {
	ListenAddr   string `json:"listen_addr" yaml:"listen_addr"`       // Default: 0.0.0.0:3000
	MaxBodyBytes int64  `json:"max_body_bytes" yaml:"max_body_bytes"` // Default: 10MiB
}

// Config is the central configuration struct embedding every component's
// settings.
type Config struct {
	RootDir       string              `json:"root_dir" yaml:"root_dir"`
	Gateway       GatewayConfig       `json:"gateway" yaml:"gateway"`
	Cache         CacheConfig         `json:"cache" yaml:"cache"`
	Invoke        InvokeConfig        `json:"invoke" yaml:"invoke"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
}

// DefaultConfig returns a Config with sensible defaults for every
// documented env-var override.
func DefaultConfig() *Config {
	return &Config{
		RootDir: "./HHRF_ROOT",
		Gateway: GatewayConfig{
			ListenAddr:   "0.0.0.0:3000",
			MaxBodyBytes: 10 * 1024 * 1024,
		},
		Cache: CacheConfig{
			IdleTTL:         5 * time.Minute,
			CleanupInterval: 1 * time.Minute,
		},
		Invoke: InvokeConfig{
			DefaultTimeout: 30 * time.Second,
			TransportMode:  "in-process",
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "hhrf",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:          true,
				Namespace:        "hhrf",
				HistogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			Logging: LoggingConfig{
				Level:          "info",
				Format:         "text",
				IncludeTraceID: true,
			},
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file (selected by
// extension: .yaml/.yml use YAML, everything else JSON), applied on top
// of DefaultConfig so an absent key keeps its default value.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to cfg.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("HHRF_ROOT"); v != "" {
		cfg.RootDir = v
	}
	if v := os.Getenv("HHRF_LISTEN_ADDR"); v != "" {
		cfg.Gateway.ListenAddr = v
	}
	if v := os.Getenv("HHRF_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Gateway.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("HHRF_IDLE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.IdleTTL = d
		}
	}
	if v := os.Getenv("HHRF_CLEANUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.CleanupInterval = d
		}
	}
	if v := os.Getenv("HHRF_DEFAULT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Invoke.DefaultTimeout = d
		}
	}
	if v := os.Getenv("HHRF_TRANSPORT_MODE"); v != "" {
		cfg.Invoke.TransportMode = v
	}
	if v := os.Getenv("FEZZ_RUNNER"); v != "" {
		cfg.Invoke.RunnerPath = v
	}

	if v := os.Getenv("HHRF_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("HHRF_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("HHRF_TRACING_EXPORTER"); v != "" {
		cfg.Observability.Tracing.Exporter = v
	}
	if v := os.Getenv("HHRF_TRACING_SERVICE_NAME"); v != "" {
		cfg.Observability.Tracing.ServiceName = v
	}
	if v := os.Getenv("HHRF_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Observability.Tracing.SampleRate = f
		}
	}
	if v := os.Getenv("HHRF_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("HHRF_METRICS_NAMESPACE"); v != "" {
		cfg.Observability.Metrics.Namespace = v
	}
	if v := os.Getenv("HHRF_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("HHRF_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("HHRF_LOG_INCLUDE_TRACE_ID"); v != "" {
		cfg.Observability.Logging.IncludeTraceID = parseBool(v)
	}
	if v := os.Getenv("HHRF_REQUEST_LOG_PATH"); v != "" {
		cfg.Observability.Logging.RequestLogPath = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
