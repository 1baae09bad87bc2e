package validation

import (
	"fmt"

	"github.com/noah-isme/enroll-engine/internal/models"
)

// Validation codes for policy mutations. Errors mark states that would make
// the policy self-contradictory or unenforceable; anything merely surprising
// is a warning so staff can converge on a consistent state incrementally.
const (
	CodeInvalidCapacity         = "INVALID_CAPACITY"
	CodeInvalidWaitlistCapacity = "INVALID_WAITLIST_CAPACITY"
	CodeInvalidDateRange        = "INVALID_DATE_RANGE"
	CodeInvalidDeadlineOrder    = "INVALID_DEADLINE_ORDER"
	CodeInvalidWaitlistPosition = "INVALID_WAITLIST_POSITION"
	CodeInvalidEnrollmentType   = "INVALID_ENROLLMENT_TYPE"
	CodeCapacityBelowEnrollment = "CAPACITY_BELOW_ENROLLMENT"
	CodeIncompatibleSetting     = "INCOMPATIBLE_SETTING"
)

// ValidatePolicy checks a fully merged policy for internal consistency.
// enrolledCount is the class's current admitted seat count; reducing
// capacity below it is allowed (existing enrollees are never evicted) but
// flagged as a warning.
func ValidatePolicy(proposed *models.EnrollmentPolicy, enrolledCount int) Result {
	res := OK()

	if !proposed.Type.Valid() {
		res.addError("enrollment_type", CodeInvalidEnrollmentType,
			fmt.Sprintf("unknown enrollment type %q", proposed.Type))
	}

	if proposed.Capacity < 1 {
		res.addError("capacity", CodeInvalidCapacity, "capacity must be at least 1")
	} else if proposed.Capacity < enrolledCount {
		res.addWarning("capacity", CodeCapacityBelowEnrollment,
			fmt.Sprintf("capacity %d is below current enrollment %d; existing enrollees are kept", proposed.Capacity, enrolledCount))
	}

	if proposed.WaitlistCapacity < 0 {
		res.addError("waitlist_capacity", CodeInvalidWaitlistCapacity, "waitlist capacity cannot be negative")
	}

	if proposed.EnrollmentStart != nil && proposed.EnrollmentEnd != nil &&
		!proposed.EnrollmentStart.Before(*proposed.EnrollmentEnd) {
		res.addError("enrollment_start", CodeInvalidDateRange, "enrollment start must be before enrollment end")
	}

	if proposed.DropDeadline != nil && proposed.WithdrawDeadline != nil &&
		!proposed.DropDeadline.Before(*proposed.WithdrawDeadline) {
		res.addError("drop_deadline", CodeInvalidDeadlineOrder, "drop deadline must be before withdraw deadline")
	}

	if proposed.MaxWaitlistPosition != nil && *proposed.MaxWaitlistPosition > proposed.WaitlistCapacity {
		res.addError("max_waitlist_position", CodeInvalidWaitlistPosition,
			"max waitlist position cannot exceed waitlist capacity")
	}

	// Invitation-only bypasses auto-approve semantics entirely, so the
	// combination is surprising but not self-contradictory.
	if proposed.Type == models.EnrollmentTypeInvitationOnly && proposed.AutoApprove {
		res.addWarning("auto_approve", CodeIncompatibleSetting,
			"auto approve has no effect on invitation-only enrollment")
	}

	return res
}
