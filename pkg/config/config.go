// Package config loads and validates the redress.yaml configuration
// file, expanding environment variables and merging user values over
// built-in defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration.
type Config struct {
	configDir string

	System       SystemConfig       `yaml:"system"`
	Database     DatabaseConfig     `yaml:"database"`
	Streaming    StreamingConfig    `yaml:"streaming"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Packs        PacksConfig        `yaml:"packs"`
	SLO          SLOConfig          `yaml:"slo"`
	Runtime      RuntimeConfig      `yaml:"runtime"`
	Tools        map[string]ToolConfig `yaml:"tools"`
}

// SystemConfig groups system-wide infrastructure settings.
type SystemConfig struct {
	ListenAddr       string      `yaml:"listen_addr"`
	AllowedWSOrigins []string    `yaml:"allowed_ws_origins"`
	Slack            SlackConfig `yaml:"slack"`
}

// SlackConfig holds SLO and backpressure alert delivery settings.
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"`
	Channel  string `yaml:"channel"`
}

// DatabaseConfig holds PostgreSQL settings. An empty URL with an
// empty Host selects the in-memory stores.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int32  `yaml:"max_conns"`
}

// Enabled reports whether a Postgres backend is configured.
func (d DatabaseConfig) Enabled() bool {
	return d.URL != "" || d.Host != ""
}

// StreamingConfig selects and tunes the ingestion backend.
type StreamingConfig struct {
	Enabled   bool        `yaml:"enabled"`
	Backend   string      `yaml:"backend"` // "stub" or "kafka"
	QueueSize int         `yaml:"queue_size"`
	Workers   int         `yaml:"workers"`
	Kafka     KafkaConfig `yaml:"kafka"`
}

// KafkaConfig holds Kafka consumer settings.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// BackpressureConfig mirrors the controller policy.
type BackpressureConfig struct {
	MaxQueueDepth      int     `yaml:"max_queue_depth"`
	MaxInFlight        int     `yaml:"max_in_flight"`
	RateLimitPerTenant float64 `yaml:"rate_limit_per_tenant"`
	WarningThreshold   float64 `yaml:"warning_threshold"`
	CriticalThreshold  float64 `yaml:"critical_threshold"`
	DropLowPriority    bool    `yaml:"drop_low_priority"`
	AlertCooldown      time.Duration `yaml:"alert_cooldown"`
}

// PipelineConfig tunes the orchestrator.
type PipelineConfig struct {
	StageTimeout  time.Duration `yaml:"stage_timeout"`
	MaxParallel   int           `yaml:"max_parallel"`
	SnapshotsDir  string        `yaml:"snapshots_dir"`
}

// PacksConfig points at domain and tenant policy pack files.
type PacksConfig struct {
	Dir string `yaml:"dir"`
}

// SLOConfig points at SLO target files and tunes the evaluator.
type SLOConfig struct {
	Dir      string        `yaml:"dir"`
	Interval time.Duration `yaml:"interval"`
	OutDir   string        `yaml:"out_dir"`
}

// RuntimeConfig groups writable directories.
type RuntimeConfig struct {
	AuditDir    string `yaml:"audit_dir"`
	EvidenceDir string `yaml:"evidence_dir"`
	MetricsDir  string `yaml:"metrics_dir"`
}

// ToolConfig describes one remediation tool endpoint.
type ToolConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Method   string        `yaml:"method"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string { return c.configDir }

// Initialize loads, merges, and validates configuration from
// configDir/redress.yaml. A missing file yields pure defaults.
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg := DefaultConfig()
	cfg.configDir = configDir

	loaded, err := loadYAML(filepath.Join(configDir, "redress.yaml"))
	if err != nil {
		return nil, NewLoadError("redress.yaml", err)
	}
	if loaded != nil {
		// User values override defaults; unset fields keep defaults.
		if err := mergo.Merge(cfg, loaded, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge configuration: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log.Info("Configuration initialized successfully",
		"streaming_backend", cfg.Streaming.Backend,
		"database", cfg.Database.Enabled(),
		"tools", len(cfg.Tools))
	return cfg, nil
}

// loadYAML reads and parses one file; a missing file returns nil.
func loadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No configuration file found, using defaults", "path", path)
			return nil, nil
		}
		return nil, err
	}

	data = ExpandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Streaming.Backend {
	case "stub", "kafka":
	default:
		return NewValidationError("streaming.backend",
			fmt.Sprintf("must be stub or kafka, got %q", c.Streaming.Backend))
	}
	if c.Streaming.Backend == "kafka" && c.Streaming.Enabled {
		if len(c.Streaming.Kafka.Brokers) == 0 {
			return NewValidationError("streaming.kafka.brokers", "at least one broker is required")
		}
		if c.Streaming.Kafka.Topic == "" {
			return NewValidationError("streaming.kafka.topic", "topic is required")
		}
	}
	if c.Backpressure.WarningThreshold >= c.Backpressure.CriticalThreshold {
		return NewValidationError("backpressure.warning_threshold",
			"must be below critical_threshold")
	}
	if c.Pipeline.MaxParallel < 1 {
		return NewValidationError("pipeline.max_parallel", "must be at least 1")
	}
	for name, tool := range c.Tools {
		if tool.Endpoint == "" {
			return NewValidationError("tools."+name+".endpoint", "endpoint is required")
		}
	}
	return nil
}
