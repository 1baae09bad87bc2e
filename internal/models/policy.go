package models

import "time"

// EnrollmentType determines how students gain access to a class.
type EnrollmentType string

// Supported enrollment types.
const (
	EnrollmentTypeOpen           EnrollmentType = "OPEN"
	EnrollmentTypeRestricted     EnrollmentType = "RESTRICTED"
	EnrollmentTypeInvitationOnly EnrollmentType = "INVITATION_ONLY"
)

// Valid reports whether the enrollment type is one of the known values.
func (t EnrollmentType) Valid() bool {
	switch t {
	case EnrollmentTypeOpen, EnrollmentTypeRestricted, EnrollmentTypeInvitationOnly:
		return true
	}
	return false
}

// NotificationSettings toggles outbound notifications per enrollment event.
// Delivery itself is handled outside the engine; these flags are only stored
// and surfaced alongside the policy.
type NotificationSettings struct {
	NotifyOnEnroll    bool `db:"notify_on_enroll" json:"notify_on_enroll"`
	NotifyOnWaitlist  bool `db:"notify_on_waitlist" json:"notify_on_waitlist"`
	NotifyOnPromotion bool `db:"notify_on_promotion" json:"notify_on_promotion"`
	NotifyOnDrop      bool `db:"notify_on_drop" json:"notify_on_drop"`
}

// EnrollmentPolicy is the per-class admission configuration. The revision
// counter increments on every successful write and keys the compare-and-swap
// update path.
type EnrollmentPolicy struct {
	ClassID               string               `db:"class_id" json:"class_id"`
	Type                  EnrollmentType       `db:"enrollment_type" json:"enrollment_type"`
	Capacity              int                  `db:"capacity" json:"capacity"`
	WaitlistCapacity      int                  `db:"waitlist_capacity" json:"waitlist_capacity"`
	AllowWaitlist         bool                 `db:"allow_waitlist" json:"allow_waitlist"`
	MaxWaitlistPosition   *int                 `db:"max_waitlist_position" json:"max_waitlist_position,omitempty"`
	EnrollmentStart       *time.Time           `db:"enrollment_start" json:"enrollment_start,omitempty"`
	EnrollmentEnd         *time.Time           `db:"enrollment_end" json:"enrollment_end,omitempty"`
	DropDeadline          *time.Time           `db:"drop_deadline" json:"drop_deadline,omitempty"`
	WithdrawDeadline      *time.Time           `db:"withdraw_deadline" json:"withdraw_deadline,omitempty"`
	AutoApprove           bool                 `db:"auto_approve" json:"auto_approve"`
	RequiresJustification bool                 `db:"requires_justification" json:"requires_justification"`
	Notifications         NotificationSettings `json:"notifications"`
	Revision              int64                `db:"revision" json:"revision"`
	UpdatedBy             *string              `db:"updated_by" json:"updated_by,omitempty"`
	UpdatedAt             time.Time            `db:"updated_at" json:"updated_at"`
}

// EnrollmentOpenAt reports whether the enrollment window admits requests at
// the given instant. Unset bounds are treated as open-ended.
func (p *EnrollmentPolicy) EnrollmentOpenAt(now time.Time) bool {
	if p.EnrollmentStart != nil && now.Before(*p.EnrollmentStart) {
		return false
	}
	if p.EnrollmentEnd != nil && now.After(*p.EnrollmentEnd) {
		return false
	}
	return true
}

// PolicySnapshot bundles a class's resolved policy with its requirement
// rules. Admission decisions consume one snapshot; it may be stale by at
// most one concurrent policy write.
type PolicySnapshot struct {
	Policy        EnrollmentPolicy `json:"policy"`
	Prerequisites []Prerequisite   `json:"prerequisites"`
	Restrictions  []Restriction    `json:"restrictions"`
}

// PolicyChanges is a partial update to an EnrollmentPolicy. Nil fields are
// left untouched by the merge.
type PolicyChanges struct {
	Type                  *EnrollmentType       `json:"enrollment_type,omitempty"`
	Capacity              *int                  `json:"capacity,omitempty"`
	WaitlistCapacity      *int                  `json:"waitlist_capacity,omitempty"`
	AllowWaitlist         *bool                 `json:"allow_waitlist,omitempty"`
	MaxWaitlistPosition   *int                  `json:"max_waitlist_position,omitempty"`
	EnrollmentStart       *time.Time            `json:"enrollment_start,omitempty"`
	EnrollmentEnd         *time.Time            `json:"enrollment_end,omitempty"`
	DropDeadline          *time.Time            `json:"drop_deadline,omitempty"`
	WithdrawDeadline      *time.Time            `json:"withdraw_deadline,omitempty"`
	AutoApprove           *bool                 `json:"auto_approve,omitempty"`
	RequiresJustification *bool                 `json:"requires_justification,omitempty"`
	Notifications         *NotificationSettings `json:"notifications,omitempty"`
}

// Empty reports whether the change set touches no fields.
func (c PolicyChanges) Empty() bool {
	return c.Type == nil && c.Capacity == nil && c.WaitlistCapacity == nil &&
		c.AllowWaitlist == nil && c.MaxWaitlistPosition == nil &&
		c.EnrollmentStart == nil && c.EnrollmentEnd == nil &&
		c.DropDeadline == nil && c.WithdrawDeadline == nil &&
		c.AutoApprove == nil && c.RequiresJustification == nil &&
		c.Notifications == nil
}
