package service

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/enroll-engine/internal/repository"
	"github.com/noah-isme/enroll-engine/pkg/config"
)

// Engine bundles the wired services for embedding hosts. The surrounding
// application calls into Policies and Admissions; Audit and Metrics are the
// operational sidecars.
type Engine struct {
	Policies   *PolicyService
	Admissions *AdmissionService
	Audit      *AuditService
	Metrics    *MetricsService
}

// NewEngine wires repositories and services on top of the given stores.
// redisClient may be nil; the policy snapshot cache then degrades to
// read-through without caching.
func NewEngine(db *sqlx.DB, redisClient *redis.Client, logger *zap.Logger, cfg *config.Config) *Engine {
	validate := validator.New()
	metrics := NewMetricsService()

	policyRepo := repository.NewPolicyRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logger)

	audit := NewAuditService(auditRepo, logger, cfg.Audit)
	policies := NewPolicyService(policyRepo, enrollmentRepo, cacheRepo, audit, metrics, validate, logger, PolicyServiceConfig{
		Defaults: cfg.Policy,
		CacheTTL: cfg.Cache.PolicyTTL,
	})
	admissions := NewAdmissionService(policies, enrollmentRepo, audit, metrics, validate, logger)

	return &Engine{
		Policies:   policies,
		Admissions: admissions,
		Audit:      audit,
		Metrics:    metrics,
	}
}

// Start launches background workers.
func (e *Engine) Start(ctx context.Context) {
	e.Audit.Start(ctx)
}

// Stop drains background workers.
func (e *Engine) Stop() {
	e.Audit.Stop()
}
