package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/redress-ops/redress/pkg/agent"
	"github.com/redress-ops/redress/pkg/backpressure"
	"github.com/redress-ops/redress/pkg/models"
)

// consumePollInterval paces the pause loop while the controller says
// not to consume.
const consumePollInterval = 50 * time.Millisecond

// Handler receives each ingested exception record.
type Handler func(ctx context.Context, rec *models.ExceptionRecord)

// ServiceOptions tune the ingestion service.
type ServiceOptions struct {
	QueueSize int
	Workers   int
}

// Service wires a streaming backend to the pipeline: backpressure
// pre-checks per message, optional intake normalization, and a bounded
// work queue drained by worker goroutines.
type Service struct {
	ingestor   Ingestor
	pressure   *backpressure.Controller
	normalizer agent.Agent
	handler    Handler
	logger     *slog.Logger

	queue   chan *models.ExceptionRecord
	workers int

	mu                 sync.Mutex
	cancel             context.CancelFunc
	droppedRateLimited int
	droppedLowPrio     int

	wg sync.WaitGroup
}

// NewService assembles the ingestion service. The normalizer is
// optional; without it raw messages pass through unchanged.
func NewService(ingestor Ingestor, pressure *backpressure.Controller, normalizer agent.Agent, handler Handler, opts ServiceOptions, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := opts.QueueSize
	if queueSize < 1 {
		queueSize = 256
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	return &Service{
		ingestor:   ingestor,
		pressure:   pressure,
		normalizer: normalizer,
		handler:    handler,
		logger:     logger.With("component", "ingestion_service"),
		queue:      make(chan *models.ExceptionRecord, queueSize),
		workers:    workers,
	}
}

// Start launches the workers and the backend.
func (s *Service) Start(ctx context.Context) error {
	if s.handler == nil {
		return errors.New("ingestion service has no handler")
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("ingestion service already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.work(runCtx)
	}

	s.ingestor.SetHandler(func(msg Message) { s.onMessage(runCtx, msg) })
	if err := s.ingestor.Start(runCtx); err != nil {
		cancel()
		return err
	}
	s.logger.Info("Ingestion service started", "workers", s.workers, "queue_size", cap(s.queue))
	return nil
}

// Stop halts the backend, then drains and stops the workers.
func (s *Service) Stop() error {
	err := s.ingestor.Stop()

	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return err
}

// Dropped returns the rate-limited and low-priority drop counts.
func (s *Service) Dropped() (rateLimited, lowPriority int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.droppedRateLimited, s.droppedLowPrio
}

// onMessage applies the backpressure pre-checks and enqueues the
// normalized record.
func (s *Service) onMessage(ctx context.Context, msg Message) {
	// Consumption pauses while the controller is in a shedding state.
	for s.pressure != nil && !s.pressure.ShouldConsume() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(consumePollInterval):
		}
	}

	if s.pressure != nil {
		if !s.pressure.CheckRateLimit(msg.TenantID, 1) {
			s.mu.Lock()
			s.droppedRateLimited++
			s.mu.Unlock()
			s.logger.Warn("Dropping rate-limited message",
				"tenant_id", msg.TenantID, "source_system", msg.SourceSystem)
			return
		}
		if s.pressure.ShouldDropLowPriority() && msg.LowPriority() {
			s.mu.Lock()
			s.droppedLowPrio++
			s.mu.Unlock()
			s.logger.Warn("Dropping low-priority message under overload",
				"tenant_id", msg.TenantID, "source_system", msg.SourceSystem)
			return
		}
		if delay := s.pressure.AdaptiveDelay(); delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}

	rec := s.normalize(ctx, msg)

	select {
	case s.queue <- rec:
		if s.pressure != nil {
			s.pressure.SetQueueDepth(len(s.queue))
		}
	case <-ctx.Done():
	}
}

// normalize runs the intake agent when configured, falling back to the
// raw message on error.
func (s *Service) normalize(ctx context.Context, msg Message) *models.ExceptionRecord {
	rec := msg.Record()
	if s.normalizer == nil {
		return rec
	}

	runCtx := map[string]any{agent.CtxRunID: uuid.New().String()}
	if _, err := s.normalizer.Execute(ctx, rec, runCtx); err != nil {
		s.logger.Warn("Intake normalization failed, passing raw message through",
			"tenant_id", msg.TenantID, "source_system", msg.SourceSystem, "error", err)
		return msg.Record()
	}
	return rec
}

func (s *Service) work(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-s.queue:
			if s.pressure != nil {
				s.pressure.SetQueueDepth(len(s.queue))
			}
			s.handler(ctx, rec)
		}
	}
}
