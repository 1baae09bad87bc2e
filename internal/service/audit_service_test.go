package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/enroll-engine/internal/models"
	"github.com/noah-isme/enroll-engine/pkg/config"
)

type auditWriterStub struct {
	mu      sync.Mutex
	events  []*models.AuditEvent
	written chan struct{}
}

func newAuditWriterStub() *auditWriterStub {
	return &auditWriterStub{written: make(chan struct{}, 16)}
}

func (w *auditWriterStub) Insert(ctx context.Context, event *models.AuditEvent) error {
	w.mu.Lock()
	w.events = append(w.events, event)
	w.mu.Unlock()
	w.written <- struct{}{}
	return nil
}

func (w *auditWriterStub) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

func TestAuditServiceRecordsThroughQueue(t *testing.T) {
	writer := newAuditWriterStub()
	svc := NewAuditService(writer, nil, config.AuditConfig{Workers: 1, BufferSize: 4})
	svc.Start(context.Background())
	defer svc.Stop()

	event := &models.AuditEvent{ClassID: "class-1", Actor: "admin-1", Action: models.AuditActionPolicyUpdate}
	require.NoError(t, svc.Record(context.Background(), event))

	select {
	case <-writer.written:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audit write")
	}
	assert.Equal(t, 1, writer.count())
}

func TestAuditServiceFallsBackSynchronously(t *testing.T) {
	writer := newAuditWriterStub()
	svc := NewAuditService(writer, nil, config.AuditConfig{})

	// Queue never started: Record must still persist the event.
	event := &models.AuditEvent{ClassID: "class-1", Actor: "system", Action: models.AuditActionPromotion}
	require.NoError(t, svc.Record(context.Background(), event))
	assert.Equal(t, 1, writer.count())
}
