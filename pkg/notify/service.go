package notify

import (
	"context"
	"log/slog"
	"time"
)

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token   string
	Channel string
}

// Service delivers operator notifications. Nil-safe: all methods are
// no-ops when the service is nil, so callers never branch on
// configuration.
type Service struct {
	client *Client
	logger *slog.Logger
}

// NewService creates a notification service. Returns nil if Token or
// Channel is empty.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Service{
		client: NewClient(cfg.Token, cfg.Channel),
		logger: slog.Default().With("component", "notify-service"),
	}
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client) *Service {
	return &Service{
		client: client,
		logger: slog.Default().With("component", "notify-service"),
	}
}

// NotifySLOViolation posts a violation summary with suggested
// runbooks. Fail-open: errors are logged, never returned.
func (s *Service) NotifySLOViolation(ctx context.Context, tenantID, domain string, failed []FailedDimension, runbooks []string) {
	if s == nil {
		return
	}
	blocks := BuildSLOViolationMessage(tenantID, domain, failed, runbooks)
	if err := s.client.PostMessage(ctx, blocks, 10*time.Second); err != nil {
		s.logger.Error("Failed to send SLO violation notification",
			"tenant_id", tenantID, "domain", domain, "error", err)
	}
}

// NotifyBackpressureAlert posts a load state transition. Fail-open.
func (s *Service) NotifyBackpressureAlert(ctx context.Context, from, to string, utilization float64) {
	if s == nil {
		return
	}
	blocks := BuildBackpressureMessage(from, to, utilization)
	if err := s.client.PostMessage(ctx, blocks, 5*time.Second); err != nil {
		s.logger.Error("Failed to send backpressure notification",
			"from", from, "to", to, "error", err)
	}
}
