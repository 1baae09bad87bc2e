package models

import "time"

// EnrollmentStatus represents the lifecycle of an enrollment seat.
type EnrollmentStatus string

// Possible enrollment statuses. Waitlisted students live in the waitlist
// table, not here; an Enrollment row always started as an admitted seat.
const (
	EnrollmentStatusEnrolled  EnrollmentStatus = "ENROLLED"
	EnrollmentStatusDropped   EnrollmentStatus = "DROPPED"
	EnrollmentStatusWithdrawn EnrollmentStatus = "WITHDRAWN"
)

// Enrollment captures a student's admitted seat in a class.
type Enrollment struct {
	ID         string           `db:"id" json:"id"`
	ClassID    string           `db:"class_id" json:"class_id"`
	StudentID  string           `db:"student_id" json:"student_id"`
	Status     EnrollmentStatus `db:"status" json:"status"`
	EnrolledAt time.Time        `db:"enrolled_at" json:"enrolled_at"`
	LeftAt     *time.Time       `db:"left_at" json:"left_at,omitempty"`
}

// WaitlistEntry is a student's place in the FIFO queue for a freed seat.
// Positions are 1-based and contiguous per class.
type WaitlistEntry struct {
	ID        string    `db:"id" json:"id"`
	ClassID   string    `db:"class_id" json:"class_id"`
	StudentID string    `db:"student_id" json:"student_id"`
	Position  int       `db:"position" json:"position"`
	AddedAt   time.Time `db:"added_at" json:"added_at"`
}

// Occupancy is a snapshot of a class's seat and waitlist usage.
type Occupancy struct {
	Enrolled   int `db:"enrolled" json:"enrolled"`
	Waitlisted int `db:"waitlisted" json:"waitlisted"`
}
