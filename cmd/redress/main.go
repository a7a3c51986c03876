// Redress control plane server: ingests exceptions, drives the
// resolution pipeline, evaluates SLOs, and serves the HTTP API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/redress-ops/redress/pkg/agent"
	"github.com/redress-ops/redress/pkg/api"
	"github.com/redress-ops/redress/pkg/audit"
	"github.com/redress-ops/redress/pkg/backpressure"
	"github.com/redress-ops/redress/pkg/config"
	"github.com/redress-ops/redress/pkg/database"
	"github.com/redress-ops/redress/pkg/events"
	"github.com/redress-ops/redress/pkg/evidence"
	"github.com/redress-ops/redress/pkg/explain"
	"github.com/redress-ops/redress/pkg/ingest"
	"github.com/redress-ops/redress/pkg/masking"
	"github.com/redress-ops/redress/pkg/metrics"
	"github.com/redress-ops/redress/pkg/models"
	"github.com/redress-ops/redress/pkg/notify"
	"github.com/redress-ops/redress/pkg/pipeline"
	"github.com/redress-ops/redress/pkg/playbook"
	"github.com/redress-ops/redress/pkg/policy"
	"github.com/redress-ops/redress/pkg/runbook"
	"github.com/redress-ops/redress/pkg/slo"
	"github.com/redress-ops/redress/pkg/storage"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// stageTimeouts expands a single per-stage budget into the explicit
// map the orchestrator expects. A non-positive budget means no
// timeouts at all.
func stageTimeouts(budget time.Duration) map[string]time.Duration {
	if budget <= 0 {
		return nil
	}
	timeouts := make(map[string]time.Duration, len(models.StageOrder))
	for _, stage := range models.StageOrder {
		timeouts[stage] = budget
	}
	return timeouts
}

// applyStreamingOverrides lets the environment flip the streaming
// backend without editing redress.yaml, matching container deploys
// where brokers are injected at runtime.
func applyStreamingOverrides(cfg *config.Config) {
	if v := os.Getenv("STREAMING_ENABLED"); v != "" {
		cfg.Streaming.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("STREAMING_BACKEND"); v != "" {
		cfg.Streaming.Backend = v
	}
	if v := os.Getenv("KAFKA_BOOTSTRAP_SERVERS"); v != "" {
		cfg.Streaming.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.Streaming.Kafka.Topic = v
	}
	if v := os.Getenv("KAFKA_GROUP_ID"); v != "" {
		cfg.Streaming.Kafka.GroupID = v
	}
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting redress", "config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	applyStreamingOverrides(cfg)

	// 2. Select storage backend: PostgreSQL when configured, otherwise
	// in-memory stores for single-process deployments.
	var (
		eventLog storage.EventLog
		store    storage.ExceptionStore
		dbClient *database.Client
	)
	if cfg.Database.Enabled() {
		dbClient, err = database.NewClient(ctx, database.Config{
			URL:      cfg.Database.URL,
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Database,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.MaxConns,
		})
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbClient.Close()
		eventLog = storage.NewPostgresEventLog(dbClient.Pool())
		store = storage.NewPostgresExceptionStore(dbClient.Pool())
		slog.Info("Connected to PostgreSQL database")
	} else {
		eventLog = storage.NewMemoryEventLog()
		store = storage.NewMemoryExceptionStore()
		slog.Info("Using in-memory stores")
	}

	// 3. Audit, evidence, and metrics infrastructure
	masker := masking.NewService(nil)
	auditor, err := audit.NewLogger(cfg.Runtime.AuditDir, masker)
	if err != nil {
		slog.Error("Failed to initialize audit logger", "error", err)
		os.Exit(1)
	}
	defer auditor.Close()

	tracker, err := evidence.NewTracker(cfg.Runtime.EvidenceDir)
	if err != nil {
		slog.Error("Failed to initialize evidence tracker", "error", err)
		os.Exit(1)
	}
	collector := metrics.NewCollector(cfg.Runtime.MetricsDir)
	slog.Info("Audit, evidence, and metrics initialized",
		"audit_dir", cfg.Runtime.AuditDir,
		"evidence_dir", cfg.Runtime.EvidenceDir)

	// 4. Notifications and backpressure
	var notifier *notify.Service
	if cfg.System.Slack.Enabled {
		notifier = notify.NewService(notify.ServiceConfig{
			Token:   os.Getenv(cfg.System.Slack.TokenEnv),
			Channel: cfg.System.Slack.Channel,
		})
		if notifier == nil {
			slog.Warn("Slack notifications enabled but token or channel missing, alerts disabled",
				"token_env", cfg.System.Slack.TokenEnv)
		}
	}

	pressure := backpressure.NewController(backpressure.Policy{
		MaxQueueDepth:      cfg.Backpressure.MaxQueueDepth,
		MaxInFlight:        cfg.Backpressure.MaxInFlight,
		RateLimitPerTenant: cfg.Backpressure.RateLimitPerTenant,
		WarningThreshold:   cfg.Backpressure.WarningThreshold,
		CriticalThreshold:  cfg.Backpressure.CriticalThreshold,
		DropLowPriority:    cfg.Backpressure.DropLowPriority,
		AlertCooldown:      cfg.Backpressure.AlertCooldown,
	}, nil)
	pressure.OnAlert(func(a backpressure.Alert) {
		notifier.NotifyBackpressureAlert(ctx, string(a.From), string(a.To), a.Utilization)
	})

	// 5. Policy packs and pipeline agents
	policyStore, err := policy.NewStore(cfg.Packs.Dir)
	if err != nil {
		slog.Error("Failed to load policy packs", "dir", cfg.Packs.Dir, "error", err)
		os.Exit(1)
	}
	resolver := policy.NewResolver(policyStore, nil)
	matcher := playbook.NewMatcher(nil)

	deps := agent.Deps{
		Resolver: resolver,
		Matcher:  matcher,
		EventLog: eventLog,
		Audit:    auditor,
		Evidence: tracker,
		Metrics:  collector,
	}

	var executor agent.ToolExecutor = agent.NewStubToolExecutor()
	if len(cfg.Tools) > 0 {
		executor = agent.NewHTTPToolExecutor(cfg.Tools)
		slog.Info("HTTP tool executor configured", "tools", len(cfg.Tools))
	}

	bus := events.NewBus(nil)
	defer bus.Close()

	orch := pipeline.New(deps, executor, store, bus, pressure, pipeline.Options{
		StageTimeouts: stageTimeouts(cfg.Pipeline.StageTimeout),
		MaxParallel:   cfg.Pipeline.MaxParallel,
		SnapshotsDir:  cfg.Pipeline.SnapshotsDir,
	}, nil)
	slog.Info("Pipeline orchestrator initialized",
		"max_parallel", cfg.Pipeline.MaxParallel,
		"stage_timeout", cfg.Pipeline.StageTimeout)

	// 6. Streaming ingestion (optional)
	var ingestSvc *ingest.Service
	if cfg.Streaming.Enabled {
		var ingestor ingest.Ingestor
		switch cfg.Streaming.Backend {
		case "kafka":
			ingestor = ingest.NewKafkaIngestor(cfg.Streaming.Kafka, nil)
			slog.Info("Kafka ingestor configured",
				"brokers", cfg.Streaming.Kafka.Brokers,
				"topic", cfg.Streaming.Kafka.Topic)
		default:
			ingestor = ingest.NewStubIngestor()
			slog.Info("Stub ingestor configured")
		}

		// The orchestrator runs intake itself, so the service skips
		// pre-normalization.
		ingestSvc = ingest.NewService(ingestor, pressure, nil,
			func(ctx context.Context, rec *models.ExceptionRecord) {
				orch.Execute(ctx, rec)
			},
			ingest.ServiceOptions{
				QueueSize: cfg.Streaming.QueueSize,
				Workers:   cfg.Streaming.Workers,
			}, nil)
		if err := ingestSvc.Start(ctx); err != nil {
			slog.Error("Failed to start ingestion service", "error", err)
			os.Exit(1)
		}
		slog.Info("Ingestion service started", "backend", cfg.Streaming.Backend)
	}

	// 7. SLO engine
	suggester := runbook.NewSuggester(runbook.SuggesterConfig{
		RepoURL:     os.Getenv("RUNBOOK_REPO_URL"),
		GitHubToken: os.Getenv("GITHUB_TOKEN"),
	}, nil)
	sloEngine := slo.NewEngine(collector, notifier, suggester, slo.Options{
		TargetsDir: cfg.SLO.Dir,
		OutDir:     cfg.SLO.OutDir,
		Interval:   cfg.SLO.Interval,
	}, nil)
	if err := sloEngine.Start(ctx); err != nil {
		slog.Error("Failed to start SLO engine", "error", err)
		os.Exit(1)
	}
	slog.Info("SLO engine started", "targets_dir", cfg.SLO.Dir, "interval", cfg.SLO.Interval)

	// 8. Explanation service and HTTP server
	reader := audit.Reader{Dir: cfg.Runtime.AuditDir}
	explainer := explain.NewService(store, reader, tracker, auditor, collector, nil)

	httpServer := api.NewServer(api.Deps{
		Store:            store,
		EventLog:         eventLog,
		Orchestrator:     orch,
		Metrics:          collector,
		Explainer:        explainer,
		AuditReader:      reader,
		Evidence:         tracker,
		Bus:              bus,
		DB:               dbClient,
		AllowedWSOrigins: cfg.System.AllowedWSOrigins,
	})

	// 9. Start HTTP server (non-blocking)
	addr := cfg.System.ListenAddr
	if port := os.Getenv("HTTP_PORT"); port != "" {
		addr = ":" + port
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Redress started successfully",
		"streaming", cfg.Streaming.Enabled,
		"database", cfg.Database.Enabled())

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown. Ingestion stops first so no new work
	// enters the pipeline while the rest drains.
	if ingestSvc != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		done := make(chan struct{})
		go func() {
			if err := ingestSvc.Stop(); err != nil {
				slog.Error("Error stopping ingestion service", "error", err)
			}
			close(done)
		}()
		select {
		case <-done:
			slog.Info("Ingestion service stopped gracefully")
		case <-shutdownCtx.Done():
			slog.Warn("Ingestion shutdown timeout exceeded")
		}
		cancel()
	}

	sloEngine.Stop()
	slog.Info("SLO engine stopped")

	// Stop HTTP server with its own timeout budget
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
