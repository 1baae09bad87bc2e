package models

// DecisionOutcome is the result of one admission request.
type DecisionOutcome string

// Admission outcomes. Rejections are decisions of the state machine, not
// errors; they are always returned as values.
const (
	DecisionAdmitted   DecisionOutcome = "ADMITTED"
	DecisionWaitlisted DecisionOutcome = "WAITLISTED"
	DecisionRejected   DecisionOutcome = "REJECTED"
)

// RejectionReason explains a REJECTED outcome.
type RejectionReason string

// Rejection reasons.
const (
	RejectionEnrollmentNotOpen   RejectionReason = "ENROLLMENT_NOT_OPEN"
	RejectionPrerequisitesNotMet RejectionReason = "PREREQUISITES_NOT_MET"
	RejectionRestricted          RejectionReason = "RESTRICTED"
	RejectionClassFull           RejectionReason = "CLASS_FULL"
)

// Held codes mark idempotent replays: the student already holds a seat or a
// waitlist position, and the decision echoes the existing state.
const (
	HeldAlreadyEnrolled   = "ALREADY_ENROLLED"
	HeldAlreadyWaitlisted = "ALREADY_WAITLISTED"
)

// Decision is the typed result of RequestEnrollment.
type Decision struct {
	ClassID   string          `json:"class_id"`
	StudentID string          `json:"student_id"`
	Outcome   DecisionOutcome `json:"outcome"`
	// Position is set when the outcome is WAITLISTED.
	Position int `json:"position,omitempty"`
	// Reason is set when the outcome is REJECTED.
	Reason RejectionReason `json:"reason,omitempty"`
	// Held carries ALREADY_ENROLLED / ALREADY_WAITLISTED when the request
	// was an idempotent replay of an existing state.
	Held string `json:"held,omitempty"`
	// RequiresApproval flags decisions on non-auto-approve policies that an
	// administrator still has to confirm downstream.
	RequiresApproval bool `json:"requires_approval,omitempty"`
}

// Admitted reports whether the request ended with a seat.
func (d Decision) Admitted() bool { return d.Outcome == DecisionAdmitted }

// Waitlisted reports whether the request ended on the waitlist.
func (d Decision) Waitlisted() bool { return d.Outcome == DecisionWaitlisted }

// Rejected reports whether the request was turned away.
func (d Decision) Rejected() bool { return d.Outcome == DecisionRejected }
