package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/enroll-engine/internal/models"
)

// AuditRepository persists the append-only audit trail.
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository constructs the repository.
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Insert appends one audit event. Events are never updated or deleted.
func (r *AuditRepository) Insert(ctx context.Context, event *models.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO enrollment_audit (id, class_id, actor, action, resource, before_state, after_state, outcome, created_at)
        VALUES (:id, :class_id, :actor, :action, :resource, :before_state, :after_state, :outcome, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, event); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListByClass returns the audit trail for a class, newest first.
func (r *AuditRepository) ListByClass(ctx context.Context, classID string, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const query = `SELECT id, class_id, actor, action, resource, before_state, after_state, outcome, created_at
        FROM enrollment_audit WHERE class_id = $1 ORDER BY created_at DESC LIMIT $2`
	var events []models.AuditEvent
	if err := r.db.SelectContext(ctx, &events, query, classID, limit); err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return events, nil
}
