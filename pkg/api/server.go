// Package api is the thin HTTP wrapper over the control plane:
// exception intake, record and metrics reads, explanations, audit
// queries, approvals, and a live event stream.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/redress-ops/redress/pkg/audit"
	"github.com/redress-ops/redress/pkg/database"
	"github.com/redress-ops/redress/pkg/events"
	"github.com/redress-ops/redress/pkg/evidence"
	"github.com/redress-ops/redress/pkg/explain"
	"github.com/redress-ops/redress/pkg/metrics"
	"github.com/redress-ops/redress/pkg/pipeline"
	"github.com/redress-ops/redress/pkg/storage"
)

// Deps collects the collaborators the server exposes over HTTP.
// DB is optional; when nil the health endpoint skips the reachability
// probe.
type Deps struct {
	Store        storage.ExceptionStore
	EventLog     storage.EventLog
	Orchestrator *pipeline.Orchestrator
	Metrics      *metrics.Collector
	Explainer    *explain.Service
	AuditReader  audit.Reader
	Evidence     *evidence.Tracker
	Bus          *events.Bus
	DB           *database.Client

	AllowedWSOrigins []string
	Logger           *slog.Logger
}

// Server is the HTTP server. Handlers translate between the wire and
// the collaborators; no domain logic lives here.
type Server struct {
	store        storage.ExceptionStore
	eventLog     storage.EventLog
	orchestrator *pipeline.Orchestrator
	metrics      *metrics.Collector
	explainer    *explain.Service
	auditReader  audit.Reader
	evidence     *evidence.Tracker
	bus          *events.Bus
	db           *database.Client

	allowedWSOrigins []string
	logger           *slog.Logger

	echo *echo.Echo
	http *http.Server
}

// NewServer wires routes and middleware.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		store:            deps.Store,
		eventLog:         deps.EventLog,
		orchestrator:     deps.Orchestrator,
		metrics:          deps.Metrics,
		explainer:        deps.Explainer,
		auditReader:      deps.AuditReader,
		evidence:         deps.Evidence,
		bus:              deps.Bus,
		db:               deps.DB,
		allowedWSOrigins: deps.AllowedWSOrigins,
		logger:           logger.With("component", "api"),
	}

	e := echo.New()
	e.Use(securityHeaders())
	e.Use(requestLogger(s.logger))
	s.registerRoutes(e)
	s.echo = e
	return s
}

func (s *Server) registerRoutes(e *echo.Echo) {
	e.GET("/health", s.healthHandler)

	e.POST("/exceptions/:tenant_id", s.submitExceptionsHandler)
	e.GET("/exceptions/:tenant_id/:exception_id", s.getExceptionHandler)
	e.POST("/exceptions/:tenant_id/:exception_id/approve", s.approveExceptionHandler)

	e.GET("/metrics", s.allMetricsHandler)
	e.GET("/metrics/:tenant_id", s.tenantMetricsHandler)

	e.GET("/explanations/:exception_id", s.explanationHandler)
	e.GET("/explanations/:exception_id/timeline", s.timelineHandler)
	e.GET("/explanations/:exception_id/evidence", s.evidenceHandler)

	e.GET("/api/audit/exceptions/:tenant_id/:exception_id", s.auditExceptionHandler)
	e.GET("/api/audit/tenants/:tenant_id", s.auditTenantHandler)

	e.GET("/ws", s.wsHandler)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
