package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/enroll-engine/internal/models"
	appErrors "github.com/noah-isme/enroll-engine/pkg/errors"
)

// PolicyRepository handles persistence of enrollment policies and their
// prerequisite/restriction rules. Policy writes are compare-and-swap keyed
// on the revision counter; prerequisite and restriction rows carry their own
// version counters, independent of the policy revision.
type PolicyRepository struct {
	db *sqlx.DB
}

// NewPolicyRepository constructs the repository.
func NewPolicyRepository(db *sqlx.DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

// policyRow flattens EnrollmentPolicy for sqlx scanning.
type policyRow struct {
	ClassID               string     `db:"class_id"`
	Type                  string     `db:"enrollment_type"`
	Capacity              int        `db:"capacity"`
	WaitlistCapacity      int        `db:"waitlist_capacity"`
	AllowWaitlist         bool       `db:"allow_waitlist"`
	MaxWaitlistPosition   *int       `db:"max_waitlist_position"`
	EnrollmentStart       *time.Time `db:"enrollment_start"`
	EnrollmentEnd         *time.Time `db:"enrollment_end"`
	DropDeadline          *time.Time `db:"drop_deadline"`
	WithdrawDeadline      *time.Time `db:"withdraw_deadline"`
	AutoApprove           bool       `db:"auto_approve"`
	RequiresJustification bool       `db:"requires_justification"`
	NotifyOnEnroll        bool       `db:"notify_on_enroll"`
	NotifyOnWaitlist      bool       `db:"notify_on_waitlist"`
	NotifyOnPromotion     bool       `db:"notify_on_promotion"`
	NotifyOnDrop          bool       `db:"notify_on_drop"`
	Revision              int64      `db:"revision"`
	UpdatedBy             *string    `db:"updated_by"`
	UpdatedAt             time.Time  `db:"updated_at"`
}

func (r policyRow) toModel() *models.EnrollmentPolicy {
	return &models.EnrollmentPolicy{
		ClassID:               r.ClassID,
		Type:                  models.EnrollmentType(r.Type),
		Capacity:              r.Capacity,
		WaitlistCapacity:      r.WaitlistCapacity,
		AllowWaitlist:         r.AllowWaitlist,
		MaxWaitlistPosition:   r.MaxWaitlistPosition,
		EnrollmentStart:       r.EnrollmentStart,
		EnrollmentEnd:         r.EnrollmentEnd,
		DropDeadline:          r.DropDeadline,
		WithdrawDeadline:      r.WithdrawDeadline,
		AutoApprove:           r.AutoApprove,
		RequiresJustification: r.RequiresJustification,
		Notifications: models.NotificationSettings{
			NotifyOnEnroll:    r.NotifyOnEnroll,
			NotifyOnWaitlist:  r.NotifyOnWaitlist,
			NotifyOnPromotion: r.NotifyOnPromotion,
			NotifyOnDrop:      r.NotifyOnDrop,
		},
		Revision:  r.Revision,
		UpdatedBy: r.UpdatedBy,
		UpdatedAt: r.UpdatedAt,
	}
}

const policyColumns = `class_id, enrollment_type, capacity, waitlist_capacity, allow_waitlist,
        max_waitlist_position, enrollment_start, enrollment_end, drop_deadline, withdraw_deadline,
        auto_approve, requires_justification, notify_on_enroll, notify_on_waitlist,
        notify_on_promotion, notify_on_drop, revision, updated_by, updated_at`

// Get returns the stored policy for a class. Returns sql.ErrNoRows when the
// class has no explicit policy yet; the service layer synthesizes defaults.
func (r *PolicyRepository) Get(ctx context.Context, classID string) (*models.EnrollmentPolicy, error) {
	query := fmt.Sprintf(`SELECT %s FROM class_policies WHERE class_id = $1`, policyColumns)
	var row policyRow
	if err := r.db.GetContext(ctx, &row, query, classID); err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// CASWrite persists the policy iff the stored revision still matches
// expectedRevision. expectedRevision 0 means "no row yet" and inserts.
// Returns appErrors.ErrConfigStale when another writer got there first.
func (r *PolicyRepository) CASWrite(ctx context.Context, policy *models.EnrollmentPolicy, expectedRevision int64) error {
	now := time.Now().UTC()
	policy.UpdatedAt = now
	policy.Revision = expectedRevision + 1

	args := []interface{}{
		policy.ClassID, string(policy.Type), policy.Capacity, policy.WaitlistCapacity,
		policy.AllowWaitlist, policy.MaxWaitlistPosition,
		policy.EnrollmentStart, policy.EnrollmentEnd, policy.DropDeadline, policy.WithdrawDeadline,
		policy.AutoApprove, policy.RequiresJustification,
		policy.Notifications.NotifyOnEnroll, policy.Notifications.NotifyOnWaitlist,
		policy.Notifications.NotifyOnPromotion, policy.Notifications.NotifyOnDrop,
		policy.Revision, policy.UpdatedBy, now,
	}

	var result sql.Result
	var err error
	if expectedRevision == 0 {
		const insertQuery = `INSERT INTO class_policies (class_id, enrollment_type, capacity, waitlist_capacity, allow_waitlist,
        max_waitlist_position, enrollment_start, enrollment_end, drop_deadline, withdraw_deadline,
        auto_approve, requires_justification, notify_on_enroll, notify_on_waitlist,
        notify_on_promotion, notify_on_drop, revision, updated_by, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
        ON CONFLICT (class_id) DO NOTHING`
		result, err = r.db.ExecContext(ctx, insertQuery, args...)
	} else {
		const updateQuery = `UPDATE class_policies SET enrollment_type = $2, capacity = $3, waitlist_capacity = $4,
        allow_waitlist = $5, max_waitlist_position = $6, enrollment_start = $7, enrollment_end = $8,
        drop_deadline = $9, withdraw_deadline = $10, auto_approve = $11, requires_justification = $12,
        notify_on_enroll = $13, notify_on_waitlist = $14, notify_on_promotion = $15, notify_on_drop = $16,
        revision = $17, updated_by = $18, updated_at = $19
        WHERE class_id = $1 AND revision = $20`
		result, err = r.db.ExecContext(ctx, updateQuery, append(args, expectedRevision)...)
	}
	if err != nil {
		return fmt.Errorf("write policy: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("write policy result: %w", err)
	}
	if affected == 0 {
		return appErrors.ErrConfigStale
	}
	return nil
}

// ListPrerequisites returns all prerequisite rules for a class.
func (r *PolicyRepository) ListPrerequisites(ctx context.Context, classID string) ([]models.Prerequisite, error) {
	const query = `SELECT id, class_id, type, requirement, strict, version, created_at, updated_at
        FROM class_prerequisites WHERE class_id = $1 ORDER BY created_at`
	var prereqs []models.Prerequisite
	if err := r.db.SelectContext(ctx, &prereqs, query, classID); err != nil {
		return nil, fmt.Errorf("list prerequisites: %w", err)
	}
	return prereqs, nil
}

// GetPrerequisite returns one prerequisite by ID.
func (r *PolicyRepository) GetPrerequisite(ctx context.Context, id string) (*models.Prerequisite, error) {
	const query = `SELECT id, class_id, type, requirement, strict, version, created_at, updated_at
        FROM class_prerequisites WHERE id = $1`
	var prereq models.Prerequisite
	if err := r.db.GetContext(ctx, &prereq, query, id); err != nil {
		return nil, err
	}
	return &prereq, nil
}

// InsertPrerequisite persists a new prerequisite rule.
func (r *PolicyRepository) InsertPrerequisite(ctx context.Context, prereq *models.Prerequisite) error {
	if prereq.ID == "" {
		prereq.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	prereq.Version = 1
	prereq.CreatedAt = now
	prereq.UpdatedAt = now
	const query = `INSERT INTO class_prerequisites (id, class_id, type, requirement, strict, version, created_at, updated_at)
        VALUES (:id, :class_id, :type, :requirement, :strict, :version, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, prereq); err != nil {
		return fmt.Errorf("insert prerequisite: %w", err)
	}
	return nil
}

// UpdatePrerequisite rewrites a prerequisite iff its version still matches.
func (r *PolicyRepository) UpdatePrerequisite(ctx context.Context, prereq *models.Prerequisite, expectedVersion int64) error {
	prereq.Version = expectedVersion + 1
	prereq.UpdatedAt = time.Now().UTC()
	const query = `UPDATE class_prerequisites SET type = $2, requirement = $3, strict = $4, version = $5, updated_at = $6
        WHERE id = $1 AND version = $7`
	result, err := r.db.ExecContext(ctx, query, prereq.ID, string(prereq.Type), prereq.Requirement, prereq.Strict,
		prereq.Version, prereq.UpdatedAt, expectedVersion)
	if err != nil {
		return fmt.Errorf("update prerequisite: %w", err)
	}
	return casOutcome(result)
}

// DeletePrerequisite removes a prerequisite iff its version still matches.
func (r *PolicyRepository) DeletePrerequisite(ctx context.Context, id string, expectedVersion int64) error {
	const query = `DELETE FROM class_prerequisites WHERE id = $1 AND version = $2`
	result, err := r.db.ExecContext(ctx, query, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("delete prerequisite: %w", err)
	}
	return casOutcome(result)
}

// ListRestrictions returns all restriction rules for a class.
func (r *PolicyRepository) ListRestrictions(ctx context.Context, classID string) ([]models.Restriction, error) {
	const query = `SELECT id, class_id, type, condition, overridable, version, created_at, updated_at
        FROM class_restrictions WHERE class_id = $1 ORDER BY created_at`
	var restrictions []models.Restriction
	if err := r.db.SelectContext(ctx, &restrictions, query, classID); err != nil {
		return nil, fmt.Errorf("list restrictions: %w", err)
	}
	return restrictions, nil
}

// GetRestriction returns one restriction by ID.
func (r *PolicyRepository) GetRestriction(ctx context.Context, id string) (*models.Restriction, error) {
	const query = `SELECT id, class_id, type, condition, overridable, version, created_at, updated_at
        FROM class_restrictions WHERE id = $1`
	var restriction models.Restriction
	if err := r.db.GetContext(ctx, &restriction, query, id); err != nil {
		return nil, err
	}
	return &restriction, nil
}

// InsertRestriction persists a new restriction rule.
func (r *PolicyRepository) InsertRestriction(ctx context.Context, restriction *models.Restriction) error {
	if restriction.ID == "" {
		restriction.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	restriction.Version = 1
	restriction.CreatedAt = now
	restriction.UpdatedAt = now
	const query = `INSERT INTO class_restrictions (id, class_id, type, condition, overridable, version, created_at, updated_at)
        VALUES (:id, :class_id, :type, :condition, :overridable, :version, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, restriction); err != nil {
		return fmt.Errorf("insert restriction: %w", err)
	}
	return nil
}

// UpdateRestriction rewrites a restriction iff its version still matches.
func (r *PolicyRepository) UpdateRestriction(ctx context.Context, restriction *models.Restriction, expectedVersion int64) error {
	restriction.Version = expectedVersion + 1
	restriction.UpdatedAt = time.Now().UTC()
	const query = `UPDATE class_restrictions SET type = $2, condition = $3, overridable = $4, version = $5, updated_at = $6
        WHERE id = $1 AND version = $7`
	result, err := r.db.ExecContext(ctx, query, restriction.ID, string(restriction.Type), restriction.Condition,
		restriction.Overridable, restriction.Version, restriction.UpdatedAt, expectedVersion)
	if err != nil {
		return fmt.Errorf("update restriction: %w", err)
	}
	return casOutcome(result)
}

// DeleteRestriction removes a restriction iff its version still matches.
func (r *PolicyRepository) DeleteRestriction(ctx context.Context, id string, expectedVersion int64) error {
	const query = `DELETE FROM class_restrictions WHERE id = $1 AND version = $2`
	result, err := r.db.ExecContext(ctx, query, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("delete restriction: %w", err)
	}
	return casOutcome(result)
}

func casOutcome(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("cas result: %w", err)
	}
	if affected == 0 {
		return appErrors.ErrConfigStale
	}
	return nil
}
