package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/enroll-engine/internal/models"
	"github.com/noah-isme/enroll-engine/internal/validation"
	appErrors "github.com/noah-isme/enroll-engine/pkg/errors"
)

type snapshotProvider interface {
	GetSnapshot(ctx context.Context, classID string) (*models.PolicySnapshot, error)
}

// enrollmentStore is the atomic occupancy contract. Each method is one
// all-or-nothing unit serialized per class: two concurrent claims on the
// same class can never both observe the same free seat.
type enrollmentStore interface {
	TryAdmit(ctx context.Context, classID, studentID string, capacity int) (models.SeatClaim, error)
	TryWaitlist(ctx context.Context, classID, studentID string, waitlistCapacity, maxPosition int) (models.WaitlistClaim, error)
	PromoteNext(ctx context.Context, classID string, capacity int) (string, bool, error)
	MarkLeft(ctx context.Context, classID, studentID string, status models.EnrollmentStatus) (bool, error)
}

// EnrollmentRequest is one student's attempt to enroll in a class. The
// attribute snapshot comes from the caller; attribute sourcing is an
// external collaborator concern.
type EnrollmentRequest struct {
	ClassID       string                   `json:"class_id" validate:"required"`
	StudentID     string                   `json:"student_id" validate:"required"`
	Attributes    models.StudentAttributes `json:"attributes"`
	Invited       bool                     `json:"invited"`
	Justification string                   `json:"justification"`
}

// AdmissionService decides admit / waitlist / reject for enrollment requests
// and promotes waitlisted students when seats free up. It holds no long-lived
// state; all coordination lives in the store's per-class atomic unit.
type AdmissionService struct {
	policies  snapshotProvider
	store     enrollmentStore
	audit     auditSink
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewAdmissionService constructs an AdmissionService.
func NewAdmissionService(policies snapshotProvider, store enrollmentStore, audit auditSink, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *AdmissionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdmissionService{
		policies:  policies,
		store:     store,
		audit:     audit,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RequestEnrollment runs the admission state machine for one request.
// Rejections are decisions, not errors: the error return is reserved for
// store failures, where the outcome is undetermined and the caller must
// re-query before retrying.
func (s *AdmissionService) RequestEnrollment(ctx context.Context, req EnrollmentRequest) (models.Decision, error) {
	decision := models.Decision{ClassID: req.ClassID, StudentID: req.StudentID}
	if err := s.validator.Struct(req); err != nil {
		return decision, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment request")
	}

	snapshot, err := s.policies.GetSnapshot(ctx, req.ClassID)
	if err != nil {
		return decision, err
	}
	policy := snapshot.Policy
	start := s.now()

	if !policy.EnrollmentOpenAt(start) {
		return s.finishDecision(ctx, reject(decision, models.RejectionEnrollmentNotOpen), start), nil
	}
	if policy.Type == models.EnrollmentTypeInvitationOnly && !req.Invited {
		return s.finishDecision(ctx, reject(decision, models.RejectionRestricted), start), nil
	}
	if !prerequisitesMet(snapshot.Prerequisites, req.Attributes) {
		return s.finishDecision(ctx, reject(decision, models.RejectionPrerequisitesNotMet), start), nil
	}
	if restrictionApplies(snapshot.Restrictions, req.Attributes) {
		return s.finishDecision(ctx, reject(decision, models.RejectionRestricted), start), nil
	}

	claim, err := s.store.TryAdmit(ctx, req.ClassID, req.StudentID, policy.Capacity)
	if err != nil {
		return decision, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "admission attempt failed")
	}

	switch claim.Status {
	case models.SeatClaimAdmitted:
		decision.Outcome = models.DecisionAdmitted
		decision.RequiresApproval = !policy.AutoApprove && policy.Type != models.EnrollmentTypeInvitationOnly
	case models.SeatClaimAlreadyEnrolled:
		decision.Outcome = models.DecisionAdmitted
		decision.Held = models.HeldAlreadyEnrolled
	case models.SeatClaimAlreadyWaitlisted:
		decision.Outcome = models.DecisionWaitlisted
		decision.Position = claim.Position
		decision.Held = models.HeldAlreadyWaitlisted
	case models.SeatClaimFull:
		decision, err = s.tryWaitlist(ctx, decision, policy)
		if err != nil {
			return decision, err
		}
	}

	return s.finishDecision(ctx, decision, start), nil
}

func (s *AdmissionService) tryWaitlist(ctx context.Context, decision models.Decision, policy models.EnrollmentPolicy) (models.Decision, error) {
	if !policy.AllowWaitlist || policy.WaitlistCapacity <= 0 {
		return reject(decision, models.RejectionClassFull), nil
	}
	maxPosition := 0
	if policy.MaxWaitlistPosition != nil {
		maxPosition = *policy.MaxWaitlistPosition
	}
	claim, err := s.store.TryWaitlist(ctx, decision.ClassID, decision.StudentID, policy.WaitlistCapacity, maxPosition)
	if err != nil {
		return decision, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "waitlist attempt failed")
	}
	switch claim.Status {
	case models.WaitlistClaimAdded:
		decision.Outcome = models.DecisionWaitlisted
		decision.Position = claim.Position
	case models.WaitlistClaimAlreadyWaitlisted:
		decision.Outcome = models.DecisionWaitlisted
		decision.Position = claim.Position
		decision.Held = models.HeldAlreadyWaitlisted
	case models.WaitlistClaimAlreadyEnrolled:
		decision.Outcome = models.DecisionAdmitted
		decision.Held = models.HeldAlreadyEnrolled
	case models.WaitlistClaimFull:
		decision = reject(decision, models.RejectionClassFull)
	}
	return decision, nil
}

// Drop transitions an enrolled seat to DROPPED (or WITHDRAWN) and promotes
// the front of the waitlist into the freed seat. Returns the promoted
// student's ID when a promotion happened.
func (s *AdmissionService) Drop(ctx context.Context, classID, studentID string, withdraw bool, actor string) (string, bool, error) {
	snapshot, err := s.policies.GetSnapshot(ctx, classID)
	if err != nil {
		return "", false, err
	}
	policy := snapshot.Policy
	now := s.now()

	status := models.EnrollmentStatusDropped
	if withdraw {
		status = models.EnrollmentStatusWithdrawn
		if policy.WithdrawDeadline != nil && now.After(*policy.WithdrawDeadline) {
			return "", false, appErrors.Clone(appErrors.ErrValidation, "withdraw deadline has passed")
		}
	} else if policy.DropDeadline != nil && now.After(*policy.DropDeadline) {
		return "", false, appErrors.Clone(appErrors.ErrValidation, "drop deadline has passed")
	}

	left, err := s.store.MarkLeft(ctx, classID, studentID, status)
	if err != nil {
		return "", false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to release seat")
	}
	if !left {
		return "", false, appErrors.Clone(appErrors.ErrNotFound, "no enrolled seat to release")
	}

	s.emitDecisionAudit(ctx, classID, actor, models.AuditActionDrop, map[string]interface{}{
		"student_id": studentID,
		"status":     status,
	})

	return s.PromoteWaitlist(ctx, classID)
}

// PromoteWaitlist moves the lowest-position waitlist entry into an enrolled
// seat if one is free. Invoked after every drop/withdraw; safe to call when
// the waitlist is empty or the class is still full.
func (s *AdmissionService) PromoteWaitlist(ctx context.Context, classID string) (string, bool, error) {
	snapshot, err := s.policies.GetSnapshot(ctx, classID)
	if err != nil {
		return "", false, err
	}

	studentID, promoted, err := s.store.PromoteNext(ctx, classID, snapshot.Policy.Capacity)
	if err != nil {
		return "", false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "promotion failed")
	}
	if !promoted {
		return "", false, nil
	}

	s.metrics.ObservePromotion()
	s.emitDecisionAudit(ctx, classID, models.SystemActor, models.AuditActionPromotion, map[string]interface{}{
		"student_id": studentID,
	})
	return studentID, true, nil
}

// prerequisitesMet evaluates every strict prerequisite against the student's
// attribute snapshot. Non-strict prerequisites are advisory and never block.
// Custom prerequisites cannot be machine-evaluated and are treated as
// satisfied here; enforcing them is a staff concern.
func prerequisitesMet(prereqs []models.Prerequisite, attrs models.StudentAttributes) bool {
	for _, prereq := range prereqs {
		if !prereq.Strict {
			continue
		}
		switch prereq.Type {
		case models.PrerequisiteTypeCourse:
			if !attrs.HasCompleted(prereq.Requirement) {
				return false
			}
		case models.PrerequisiteTypeGPA:
			if required, ok := validation.ParseGPA(prereq.Requirement); ok && attrs.GPA < required {
				return false
			}
		case models.PrerequisiteTypeYear:
			if required, ok := validation.ParseYearLevel(prereq.Requirement); ok && attrs.YearLevel < required {
				return false
			}
		}
	}
	return true
}

// restrictionApplies reports whether any non-overridable restriction blocks
// the student. A restriction applies when its condition is not met.
// Overridable restrictions never block automatic admission; custom
// conditions cannot be machine-evaluated and do not block.
func restrictionApplies(restrictions []models.Restriction, attrs models.StudentAttributes) bool {
	for _, restriction := range restrictions {
		if restriction.Overridable {
			continue
		}
		switch restriction.Type {
		case models.RestrictionTypeGPA:
			if required, ok := validation.ParseGPA(restriction.Condition); ok && attrs.GPA < required {
				return true
			}
		case models.RestrictionTypeYearLevel:
			if required, ok := validation.ParseYearLevel(restriction.Condition); ok && attrs.YearLevel < required {
				return true
			}
		}
	}
	return false
}

func reject(decision models.Decision, reason models.RejectionReason) models.Decision {
	decision.Outcome = models.DecisionRejected
	decision.Reason = reason
	return decision
}

func (s *AdmissionService) finishDecision(ctx context.Context, decision models.Decision, start time.Time) models.Decision {
	s.metrics.ObserveDecision(string(decision.Outcome), string(decision.Reason), s.now().Sub(start))
	s.emitDecisionAudit(ctx, decision.ClassID, decision.StudentID, models.AuditActionAdmission, decision)
	return decision
}

func (s *AdmissionService) emitDecisionAudit(ctx context.Context, classID, actor, action string, outcome interface{}) {
	if s.audit == nil {
		return
	}
	if actor == "" {
		actor = models.SystemActor
	}
	payload, _ := json.Marshal(outcome)
	event := &models.AuditEvent{
		ClassID:  classID,
		Actor:    actor,
		Action:   action,
		Resource: "enrollment",
		Outcome:  payload,
	}
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Warn("failed to record decision audit", zap.String("class_id", classID), zap.String("action", action), zap.Error(err))
	}
}
