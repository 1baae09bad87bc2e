package models

import "time"

// PrerequisiteType classifies the requirement string format.
type PrerequisiteType string

// Supported prerequisite types.
const (
	PrerequisiteTypeCourse PrerequisiteType = "COURSE"
	PrerequisiteTypeGPA    PrerequisiteType = "GPA"
	PrerequisiteTypeYear   PrerequisiteType = "YEAR"
	PrerequisiteTypeCustom PrerequisiteType = "CUSTOM"
)

// Valid reports whether the prerequisite type is known.
func (t PrerequisiteType) Valid() bool {
	switch t {
	case PrerequisiteTypeCourse, PrerequisiteTypeGPA, PrerequisiteTypeYear, PrerequisiteTypeCustom:
		return true
	}
	return false
}

// Prerequisite is a requirement a student must satisfy before enrolling.
// Strict prerequisites block admission; non-strict ones are advisory. Each
// row carries its own version counter for compare-and-swap updates,
// independent of the policy revision.
type Prerequisite struct {
	ID          string           `db:"id" json:"id"`
	ClassID     string           `db:"class_id" json:"class_id"`
	Type        PrerequisiteType `db:"type" json:"type"`
	Requirement string           `db:"requirement" json:"requirement"`
	Strict      bool             `db:"strict" json:"strict"`
	Version     int64            `db:"version" json:"version"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time        `db:"updated_at" json:"updated_at"`
}

// RestrictionType classifies the restriction condition format.
type RestrictionType string

// Supported restriction types.
const (
	RestrictionTypeGPA       RestrictionType = "GPA"
	RestrictionTypeYearLevel RestrictionType = "YEAR_LEVEL"
	RestrictionTypeCustom    RestrictionType = "CUSTOM"
)

// Valid reports whether the restriction type is known.
func (t RestrictionType) Valid() bool {
	switch t {
	case RestrictionTypeGPA, RestrictionTypeYearLevel, RestrictionTypeCustom:
		return true
	}
	return false
}

// Restriction limits who may enroll independent of prerequisites.
// Overridable restrictions can be waived by staff; non-overridable ones
// reject the request outright.
type Restriction struct {
	ID          string          `db:"id" json:"id"`
	ClassID     string          `db:"class_id" json:"class_id"`
	Type        RestrictionType `db:"type" json:"type"`
	Condition   string          `db:"condition" json:"condition"`
	Overridable bool            `db:"overridable" json:"overridable"`
	Version     int64           `db:"version" json:"version"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// StudentAttributes carries the student facts needed to evaluate
// prerequisites and restrictions. The engine treats the attribute source as
// an opaque external lookup; callers supply a snapshot with the request.
type StudentAttributes struct {
	GPA              float64  `json:"gpa"`
	YearLevel        int      `json:"year_level"`
	CompletedCourses []string `json:"completed_courses"`
}

// HasCompleted reports whether the student finished the given course code.
func (a StudentAttributes) HasCompleted(courseCode string) bool {
	for _, code := range a.CompletedCourses {
		if code == courseCode {
			return true
		}
	}
	return false
}
