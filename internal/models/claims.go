package models

// SeatClaimStatus is the outcome of one atomic seat claim attempt.
type SeatClaimStatus string

// Seat claim outcomes. Already* statuses make client retries idempotent: the
// store reports the existing state instead of inserting a duplicate row.
const (
	SeatClaimAdmitted          SeatClaimStatus = "ADMITTED"
	SeatClaimAlreadyEnrolled   SeatClaimStatus = "ALREADY_ENROLLED"
	SeatClaimAlreadyWaitlisted SeatClaimStatus = "ALREADY_WAITLISTED"
	SeatClaimFull              SeatClaimStatus = "FULL"
)

// SeatClaim is the result of EnrollmentStore.TryAdmit.
type SeatClaim struct {
	Status SeatClaimStatus
	// Position is the existing waitlist position when Status is
	// ALREADY_WAITLISTED.
	Position int
}

// WaitlistClaimStatus is the outcome of one atomic waitlist append attempt.
type WaitlistClaimStatus string

// Waitlist claim outcomes.
const (
	WaitlistClaimAdded             WaitlistClaimStatus = "ADDED"
	WaitlistClaimAlreadyEnrolled   WaitlistClaimStatus = "ALREADY_ENROLLED"
	WaitlistClaimAlreadyWaitlisted WaitlistClaimStatus = "ALREADY_WAITLISTED"
	WaitlistClaimFull              WaitlistClaimStatus = "FULL"
)

// WaitlistClaim is the result of EnrollmentStore.TryWaitlist.
type WaitlistClaim struct {
	Status   WaitlistClaimStatus
	Position int
}
