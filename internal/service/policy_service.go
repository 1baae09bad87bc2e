package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/enroll-engine/internal/models"
	"github.com/noah-isme/enroll-engine/internal/validation"
	"github.com/noah-isme/enroll-engine/pkg/config"
	appErrors "github.com/noah-isme/enroll-engine/pkg/errors"
)

type policyStore interface {
	Get(ctx context.Context, classID string) (*models.EnrollmentPolicy, error)
	CASWrite(ctx context.Context, policy *models.EnrollmentPolicy, expectedRevision int64) error
	ListPrerequisites(ctx context.Context, classID string) ([]models.Prerequisite, error)
	GetPrerequisite(ctx context.Context, id string) (*models.Prerequisite, error)
	InsertPrerequisite(ctx context.Context, prereq *models.Prerequisite) error
	UpdatePrerequisite(ctx context.Context, prereq *models.Prerequisite, expectedVersion int64) error
	DeletePrerequisite(ctx context.Context, id string, expectedVersion int64) error
	ListRestrictions(ctx context.Context, classID string) ([]models.Restriction, error)
	GetRestriction(ctx context.Context, id string) (*models.Restriction, error)
	InsertRestriction(ctx context.Context, restriction *models.Restriction) error
	UpdateRestriction(ctx context.Context, restriction *models.Restriction, expectedVersion int64) error
	DeleteRestriction(ctx context.Context, id string, expectedVersion int64) error
}

type occupancyReader interface {
	Occupancy(ctx context.Context, classID string) (models.Occupancy, error)
}

type snapshotCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type auditSink interface {
	Record(ctx context.Context, event *models.AuditEvent) error
}

// cascadeRule describes the settings a transition to an enrollment type
// forces. Rules with yieldToExplicit keep values the caller set explicitly
// in the same update.
type cascadeRule struct {
	autoApprove           *bool
	requiresJustification *bool
	yieldToExplicit       bool
}

var cascadeRules = map[models.EnrollmentType]cascadeRule{
	models.EnrollmentTypeOpen: {
		autoApprove:           boolPtr(true),
		requiresJustification: boolPtr(false),
	},
	models.EnrollmentTypeRestricted: {
		requiresJustification: boolPtr(true),
		yieldToExplicit:       true,
	},
}

// PolicyServiceConfig tunes defaulting and caching behaviour.
type PolicyServiceConfig struct {
	Defaults config.PolicyDefaultsConfig
	CacheTTL time.Duration
}

// PolicyService orchestrates enrollment policy reads and writes: it merges
// partial updates, applies enrollment-type cascades, runs the policy
// validator and performs the compare-and-swap write, emitting one audit
// event per successful mutation.
type PolicyService struct {
	store     policyStore
	occupancy occupancyReader
	cache     snapshotCache
	audit     auditSink
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	cfg       PolicyServiceConfig
}

// NewPolicyService constructs a PolicyService.
func NewPolicyService(store policyStore, occupancy occupancyReader, cache snapshotCache, audit auditSink, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, cfg PolicyServiceConfig) *PolicyService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Defaults.Capacity < 1 {
		cfg.Defaults.Capacity = 30
	}
	if cfg.Defaults.WaitlistCapacity < 0 {
		cfg.Defaults.WaitlistCapacity = 10
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &PolicyService{
		store:     store,
		occupancy: occupancy,
		cache:     cache,
		audit:     audit,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
	}
}

// GetPolicy returns the class's policy with defaults applied. A class with
// no stored policy yet gets the default policy at revision 0.
func (s *PolicyService) GetPolicy(ctx context.Context, classID string) (*models.EnrollmentPolicy, error) {
	policy, err := s.store.Get(ctx, classID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.defaultPolicy(classID), nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load policy")
	}
	return policy, nil
}

// GetSnapshot returns the policy bundled with the class's prerequisite and
// restriction rules, through the cache when one is configured.
func (s *PolicyService) GetSnapshot(ctx context.Context, classID string) (*models.PolicySnapshot, error) {
	key := "policy:" + classID
	if s.cache != nil {
		var cached models.PolicySnapshot
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			s.metrics.ObserveCacheHit(true)
			return &cached, nil
		} else if !errors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("policy cache read failed", zap.String("class_id", classID), zap.Error(err))
		}
		s.metrics.ObserveCacheHit(false)
	}

	policy, err := s.GetPolicy(ctx, classID)
	if err != nil {
		return nil, err
	}
	prereqs, err := s.store.ListPrerequisites(ctx, classID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load prerequisites")
	}
	restrictions, err := s.store.ListRestrictions(ctx, classID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load restrictions")
	}

	snapshot := &models.PolicySnapshot{Policy: *policy, Prerequisites: prereqs, Restrictions: restrictions}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, snapshot, s.cfg.CacheTTL); err != nil {
			s.logger.Warn("policy cache write failed", zap.String("class_id", classID), zap.Error(err))
		}
	}
	return snapshot, nil
}

// UpdatePolicy merges changes over the current policy, cascades enrollment
// type transitions, validates the result and writes it with compare-and-swap
// keyed on the revision read here. Returns the updated policy together with
// any validator warnings. Fails with CONFIG_STALE when another admin wrote
// concurrently and with CONFIG_INVALID carrying the validator's error list.
func (s *PolicyService) UpdatePolicy(ctx context.Context, classID string, changes models.PolicyChanges, actor string) (*models.EnrollmentPolicy, []validation.Issue, error) {
	if changes.Empty() {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "no fields to update")
	}

	current, err := s.GetPolicy(ctx, classID)
	if err != nil {
		return nil, nil, err
	}

	proposed := mergePolicy(current, changes)
	applyCascade(current, &proposed, changes)

	enrolled := 0
	if s.occupancy != nil {
		occ, err := s.occupancy.Occupancy(ctx, classID)
		if err != nil {
			return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read occupancy")
		}
		enrolled = occ.Enrolled
	}

	result := validation.ValidatePolicy(&proposed, enrolled)
	if !result.Valid {
		return nil, result.Warnings, appErrors.ErrConfigInvalid.WithDetails(result.Errors)
	}

	if actor != "" {
		proposed.UpdatedBy = &actor
	}
	if err := s.store.CASWrite(ctx, &proposed, current.Revision); err != nil {
		if errors.Is(err, appErrors.ErrConfigStale) {
			s.metrics.ObserveCASConflict()
			return nil, nil, appErrors.Clone(appErrors.ErrConfigStale, "")
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to write policy")
	}

	s.invalidateSnapshot(ctx, classID)
	s.emitMutationAudit(ctx, classID, actor, models.AuditActionPolicyUpdate, "policy", current, &proposed)

	return &proposed, result.Warnings, nil
}

// AddPrerequisiteRequest describes a new prerequisite rule.
type AddPrerequisiteRequest struct {
	ClassID     string                  `json:"class_id" validate:"required"`
	Type        models.PrerequisiteType `json:"type" validate:"required"`
	Requirement string                  `json:"requirement"`
	Strict      bool                    `json:"strict"`
}

// AddPrerequisite validates and persists a new prerequisite rule.
func (s *PolicyService) AddPrerequisite(ctx context.Context, req AddPrerequisiteRequest, actor string) (*models.Prerequisite, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid prerequisite payload")
	}
	if result := validation.ValidatePrerequisite(req.Type, req.Requirement); !result.Valid {
		return nil, appErrors.ErrValidation.WithDetails(result.Errors)
	}

	prereq := &models.Prerequisite{
		ClassID:     req.ClassID,
		Type:        req.Type,
		Requirement: req.Requirement,
		Strict:      req.Strict,
	}
	if err := s.store.InsertPrerequisite(ctx, prereq); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create prerequisite")
	}

	s.invalidateSnapshot(ctx, req.ClassID)
	s.emitMutationAudit(ctx, req.ClassID, actor, models.AuditActionPrerequisiteCreate, "prerequisite", nil, prereq)
	return prereq, nil
}

// UpdatePrerequisiteRequest describes a prerequisite rewrite.
type UpdatePrerequisiteRequest struct {
	Type        models.PrerequisiteType `json:"type" validate:"required"`
	Requirement string                  `json:"requirement"`
	Strict      bool                    `json:"strict"`
}

// UpdatePrerequisite rewrites a prerequisite rule. The row's own version,
// not the policy revision, governs the compare-and-swap.
func (s *PolicyService) UpdatePrerequisite(ctx context.Context, id string, req UpdatePrerequisiteRequest, actor string) (*models.Prerequisite, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid prerequisite payload")
	}
	if result := validation.ValidatePrerequisite(req.Type, req.Requirement); !result.Valid {
		return nil, appErrors.ErrValidation.WithDetails(result.Errors)
	}

	current, err := s.store.GetPrerequisite(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "prerequisite not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load prerequisite")
	}

	updated := *current
	updated.Type = req.Type
	updated.Requirement = req.Requirement
	updated.Strict = req.Strict
	if err := s.store.UpdatePrerequisite(ctx, &updated, current.Version); err != nil {
		if errors.Is(err, appErrors.ErrConfigStale) {
			s.metrics.ObserveCASConflict()
			return nil, appErrors.Clone(appErrors.ErrConfigStale, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update prerequisite")
	}

	s.invalidateSnapshot(ctx, current.ClassID)
	s.emitMutationAudit(ctx, current.ClassID, actor, models.AuditActionPrerequisiteUpdate, "prerequisite", current, &updated)
	return &updated, nil
}

// RemovePrerequisite deletes a prerequisite rule.
func (s *PolicyService) RemovePrerequisite(ctx context.Context, id string, actor string) error {
	current, err := s.store.GetPrerequisite(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "prerequisite not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load prerequisite")
	}
	if err := s.store.DeletePrerequisite(ctx, id, current.Version); err != nil {
		if errors.Is(err, appErrors.ErrConfigStale) {
			s.metrics.ObserveCASConflict()
			return appErrors.Clone(appErrors.ErrConfigStale, "")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete prerequisite")
	}

	s.invalidateSnapshot(ctx, current.ClassID)
	s.emitMutationAudit(ctx, current.ClassID, actor, models.AuditActionPrerequisiteDelete, "prerequisite", current, nil)
	return nil
}

// AddRestrictionRequest describes a new restriction rule.
type AddRestrictionRequest struct {
	ClassID     string                 `json:"class_id" validate:"required"`
	Type        models.RestrictionType `json:"type" validate:"required"`
	Condition   string                 `json:"condition"`
	Overridable bool                   `json:"overridable"`
}

// AddRestriction validates and persists a new restriction rule.
func (s *PolicyService) AddRestriction(ctx context.Context, req AddRestrictionRequest, actor string) (*models.Restriction, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid restriction payload")
	}
	if result := validation.ValidateRestriction(req.Type, req.Condition); !result.Valid {
		return nil, appErrors.ErrValidation.WithDetails(result.Errors)
	}

	restriction := &models.Restriction{
		ClassID:     req.ClassID,
		Type:        req.Type,
		Condition:   req.Condition,
		Overridable: req.Overridable,
	}
	if err := s.store.InsertRestriction(ctx, restriction); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create restriction")
	}

	s.invalidateSnapshot(ctx, req.ClassID)
	s.emitMutationAudit(ctx, req.ClassID, actor, models.AuditActionRestrictionCreate, "restriction", nil, restriction)
	return restriction, nil
}

// UpdateRestrictionRequest describes a restriction rewrite.
type UpdateRestrictionRequest struct {
	Type        models.RestrictionType `json:"type" validate:"required"`
	Condition   string                 `json:"condition"`
	Overridable bool                   `json:"overridable"`
}

// UpdateRestriction rewrites a restriction rule under its own version CAS.
func (s *PolicyService) UpdateRestriction(ctx context.Context, id string, req UpdateRestrictionRequest, actor string) (*models.Restriction, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid restriction payload")
	}
	if result := validation.ValidateRestriction(req.Type, req.Condition); !result.Valid {
		return nil, appErrors.ErrValidation.WithDetails(result.Errors)
	}

	current, err := s.store.GetRestriction(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "restriction not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load restriction")
	}

	updated := *current
	updated.Type = req.Type
	updated.Condition = req.Condition
	updated.Overridable = req.Overridable
	if err := s.store.UpdateRestriction(ctx, &updated, current.Version); err != nil {
		if errors.Is(err, appErrors.ErrConfigStale) {
			s.metrics.ObserveCASConflict()
			return nil, appErrors.Clone(appErrors.ErrConfigStale, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update restriction")
	}

	s.invalidateSnapshot(ctx, current.ClassID)
	s.emitMutationAudit(ctx, current.ClassID, actor, models.AuditActionRestrictionUpdate, "restriction", current, &updated)
	return &updated, nil
}

// RemoveRestriction deletes a restriction rule.
func (s *PolicyService) RemoveRestriction(ctx context.Context, id string, actor string) error {
	current, err := s.store.GetRestriction(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "restriction not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load restriction")
	}
	if err := s.store.DeleteRestriction(ctx, id, current.Version); err != nil {
		if errors.Is(err, appErrors.ErrConfigStale) {
			s.metrics.ObserveCASConflict()
			return appErrors.Clone(appErrors.ErrConfigStale, "")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete restriction")
	}

	s.invalidateSnapshot(ctx, current.ClassID)
	s.emitMutationAudit(ctx, current.ClassID, actor, models.AuditActionRestrictionDelete, "restriction", current, nil)
	return nil
}

func (s *PolicyService) defaultPolicy(classID string) *models.EnrollmentPolicy {
	return &models.EnrollmentPolicy{
		ClassID:          classID,
		Type:             models.EnrollmentTypeOpen,
		Capacity:         s.cfg.Defaults.Capacity,
		WaitlistCapacity: s.cfg.Defaults.WaitlistCapacity,
		AllowWaitlist:    s.cfg.Defaults.AllowWaitlist,
		// Open classes auto-approve by default; justification is only
		// required by default on restricted classes.
		AutoApprove:           true,
		RequiresJustification: false,
		Revision:              0,
	}
}

// mergePolicy lays the non-nil change fields over the current policy.
func mergePolicy(current *models.EnrollmentPolicy, changes models.PolicyChanges) models.EnrollmentPolicy {
	merged := *current
	if changes.Type != nil {
		merged.Type = *changes.Type
	}
	if changes.Capacity != nil {
		merged.Capacity = *changes.Capacity
	}
	if changes.WaitlistCapacity != nil {
		merged.WaitlistCapacity = *changes.WaitlistCapacity
	}
	if changes.AllowWaitlist != nil {
		merged.AllowWaitlist = *changes.AllowWaitlist
	}
	if changes.MaxWaitlistPosition != nil {
		merged.MaxWaitlistPosition = changes.MaxWaitlistPosition
	}
	if changes.EnrollmentStart != nil {
		merged.EnrollmentStart = changes.EnrollmentStart
	}
	if changes.EnrollmentEnd != nil {
		merged.EnrollmentEnd = changes.EnrollmentEnd
	}
	if changes.DropDeadline != nil {
		merged.DropDeadline = changes.DropDeadline
	}
	if changes.WithdrawDeadline != nil {
		merged.WithdrawDeadline = changes.WithdrawDeadline
	}
	if changes.AutoApprove != nil {
		merged.AutoApprove = *changes.AutoApprove
	}
	if changes.RequiresJustification != nil {
		merged.RequiresJustification = *changes.RequiresJustification
	}
	if changes.Notifications != nil {
		merged.Notifications = *changes.Notifications
	}
	return merged
}

// applyCascade applies the enrollment-type transition table once per update.
func applyCascade(current *models.EnrollmentPolicy, proposed *models.EnrollmentPolicy, changes models.PolicyChanges) {
	if changes.Type == nil || *changes.Type == current.Type {
		return
	}
	rule, ok := cascadeRules[*changes.Type]
	if !ok {
		return
	}
	if rule.autoApprove != nil && !(rule.yieldToExplicit && changes.AutoApprove != nil) {
		proposed.AutoApprove = *rule.autoApprove
	}
	if rule.requiresJustification != nil && !(rule.yieldToExplicit && changes.RequiresJustification != nil) {
		proposed.RequiresJustification = *rule.requiresJustification
	}
}

func (s *PolicyService) invalidateSnapshot(ctx context.Context, classID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, "policy:"+classID); err != nil {
		s.logger.Warn("policy cache invalidation failed", zap.String("class_id", classID), zap.Error(err))
	}
}

func (s *PolicyService) emitMutationAudit(ctx context.Context, classID, actor, action, resource string, before, after interface{}) {
	if s.audit == nil {
		return
	}
	if actor == "" {
		actor = models.SystemActor
	}
	event := &models.AuditEvent{ClassID: classID, Actor: actor, Action: action, Resource: resource}
	if before != nil {
		event.Before, _ = json.Marshal(before)
	}
	if after != nil {
		event.After, _ = json.Marshal(after)
	}
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Warn("failed to record mutation audit", zap.String("class_id", classID), zap.String("action", action), zap.Error(err))
	}
}

func boolPtr(value bool) *bool {
	result := value
	return &result
}
