package validation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/noah-isme/enroll-engine/internal/models"
)

// Bounds for numeric requirement values.
const (
	MinGPA       = 0.0
	MaxGPA       = 4.0
	MinYearLevel = 1
	MaxYearLevel = 8

	minCourseCodeLen = 3
)

// Validation codes for requirement strings.
const (
	CodeInvalidCourseCode = "INVALID_COURSE_CODE"
	CodeInvalidGPA        = "INVALID_GPA"
	CodeInvalidYearLevel  = "INVALID_YEAR_LEVEL"
	CodeUnknownType       = "UNKNOWN_TYPE"
)

// ValidatePrerequisite checks the requirement string against its declared
// type. Course codes must be at least three characters, GPA must parse as a
// number in [0.0, 4.0], year level as an integer in [1, 8]. Custom
// requirements have no format check.
func ValidatePrerequisite(t models.PrerequisiteType, requirement string) Result {
	res := OK()
	switch t {
	case models.PrerequisiteTypeCourse:
		if len(strings.TrimSpace(requirement)) < minCourseCodeLen {
			res.addError("requirement", CodeInvalidCourseCode,
				fmt.Sprintf("course code must be at least %d characters", minCourseCodeLen))
		}
	case models.PrerequisiteTypeGPA:
		validateGPAString(&res, "requirement", requirement)
	case models.PrerequisiteTypeYear:
		validateYearString(&res, "requirement", requirement)
	case models.PrerequisiteTypeCustom:
		// No format check.
	default:
		res.addError("type", CodeUnknownType, fmt.Sprintf("unknown prerequisite type %q", t))
	}
	return res
}

// ValidateRestriction checks the condition string against its declared type.
// GPA and year-level conditions follow the same numeric rules as
// prerequisites; custom conditions are unchecked.
func ValidateRestriction(t models.RestrictionType, condition string) Result {
	res := OK()
	switch t {
	case models.RestrictionTypeGPA:
		validateGPAString(&res, "condition", condition)
	case models.RestrictionTypeYearLevel:
		validateYearString(&res, "condition", condition)
	case models.RestrictionTypeCustom:
		// No format check.
	default:
		res.addError("type", CodeUnknownType, fmt.Sprintf("unknown restriction type %q", t))
	}
	return res
}

// ParseGPA parses a GPA requirement string, reporting whether it is a number
// within bounds.
func ParseGPA(raw string) (float64, bool) {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, false
	}
	if value < MinGPA || value > MaxGPA {
		return 0, false
	}
	return value, true
}

// ParseYearLevel parses a year-level requirement string, reporting whether
// it is an integer within bounds.
func ParseYearLevel(raw string) (int, bool) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	if value < MinYearLevel || value > MaxYearLevel {
		return 0, false
	}
	return value, true
}

func validateGPAString(res *Result, field, raw string) {
	if _, ok := ParseGPA(raw); !ok {
		res.addError(field, CodeInvalidGPA,
			fmt.Sprintf("GPA must be a number between %.1f and %.1f", MinGPA, MaxGPA))
	}
}

func validateYearString(res *Result, field, raw string) {
	if _, ok := ParseYearLevel(raw); !ok {
		res.addError(field, CodeInvalidYearLevel,
			fmt.Sprintf("year level must be an integer between %d and %d", MinYearLevel, MaxYearLevel))
	}
}
