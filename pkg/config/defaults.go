package config

import "time"

// Built-in defaults; redress.yaml values override these.
const (
	DefaultListenAddr    = ":8080"
	DefaultQueueSize     = 256
	DefaultWorkers       = 4
	DefaultStageTimeout  = 30 * time.Second
	DefaultMaxParallel   = 8
	DefaultSLOInterval   = time.Minute
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		System: SystemConfig{
			ListenAddr: DefaultListenAddr,
			Slack: SlackConfig{
				TokenEnv: "SLACK_BOT_TOKEN",
			},
		},
		Database: DatabaseConfig{
			SSLMode:  "disable",
			MaxConns: 10,
		},
		Streaming: StreamingConfig{
			Backend:   "stub",
			QueueSize: DefaultQueueSize,
			Workers:   DefaultWorkers,
		},
		Backpressure: BackpressureConfig{
			MaxQueueDepth:      1000,
			MaxInFlight:        100,
			RateLimitPerTenant: 50,
			WarningThreshold:   0.7,
			CriticalThreshold:  0.9,
			AlertCooldown:      60 * time.Second,
		},
		Pipeline: PipelineConfig{
			StageTimeout: DefaultStageTimeout,
			MaxParallel:  DefaultMaxParallel,
			SnapshotsDir: "./runtime/snapshots",
		},
		Packs: PacksConfig{
			Dir: "./config/packs",
		},
		SLO: SLOConfig{
			Dir:      "./config/slo",
			Interval: DefaultSLOInterval,
			OutDir:   "./runtime/slo",
		},
		Runtime: RuntimeConfig{
			AuditDir:    "./runtime/audit",
			EvidenceDir: "./runtime/evidence",
			MetricsDir:  "./runtime/metrics",
		},
	}
}
