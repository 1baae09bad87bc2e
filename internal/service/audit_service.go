package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/enroll-engine/internal/models"
	"github.com/noah-isme/enroll-engine/pkg/config"
	"github.com/noah-isme/enroll-engine/pkg/jobs"
)

type auditWriter interface {
	Insert(ctx context.Context, event *models.AuditEvent) error
}

// AuditService decouples audit emission from the request path: events are
// queued in memory and persisted by background workers with retry. When the
// queue is not running, Record degrades to a synchronous write so nothing is
// lost in tests or simple wiring.
type AuditService struct {
	writer auditWriter
	queue  *jobs.Queue
	logger *zap.Logger
}

// NewAuditService constructs the audit sink.
func NewAuditService(writer auditWriter, logger *zap.Logger, cfg config.AuditConfig) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AuditService{writer: writer, logger: logger}
	s.queue = jobs.NewQueue("audit", s.handle, jobs.Options{
		Workers:     cfg.Workers,
		Depth:       cfg.BufferSize,
		MaxAttempts: cfg.MaxRetries,
		Backoff:     cfg.RetryDelay,
		Logger:      logger,
	})
	return s
}

// Start launches the background workers.
func (s *AuditService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the workers.
func (s *AuditService) Stop() {
	s.queue.Stop()
}

// Record enqueues one audit event for persistence.
func (s *AuditService) Record(ctx context.Context, event *models.AuditEvent) error {
	err := s.queue.Enqueue(jobs.Task{ID: event.ID, Kind: event.Action, Payload: event})
	if err == nil {
		return nil
	}
	// Queue not started, full, or shutting down: write inline.
	return s.writer.Insert(ctx, event)
}

func (s *AuditService) handle(ctx context.Context, task jobs.Task) error {
	event, ok := task.Payload.(*models.AuditEvent)
	if !ok {
		return fmt.Errorf("unexpected audit payload type %T", task.Payload)
	}
	return s.writer.Insert(ctx, event)
}
