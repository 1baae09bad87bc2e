package validation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/enroll-engine/internal/models"
)

func basePolicy() *models.EnrollmentPolicy {
	return &models.EnrollmentPolicy{
		ClassID:          "class-1",
		Type:             models.EnrollmentTypeOpen,
		Capacity:         30,
		WaitlistCapacity: 10,
		AllowWaitlist:    true,
		AutoApprove:      true,
	}
}

func issueCodes(issues []Issue) []string {
	codes := make([]string, 0, len(issues))
	for _, issue := range issues {
		codes = append(codes, issue.Code)
	}
	return codes
}

func TestValidatePolicyCapacityBoundary(t *testing.T) {
	p := basePolicy()
	p.Capacity = 0
	res := ValidatePolicy(p, 0)
	require.False(t, res.Valid)
	assert.Contains(t, issueCodes(res.Errors), CodeInvalidCapacity)

	p.Capacity = 1
	res = ValidatePolicy(p, 0)
	assert.True(t, res.Valid)
}

func TestValidatePolicyCapacityBelowEnrollmentWarns(t *testing.T) {
	p := basePolicy()
	p.Capacity = 5
	res := ValidatePolicy(p, 12)
	assert.True(t, res.Valid, "shrinking below enrollment must not block the write")
	assert.Contains(t, issueCodes(res.Warnings), CodeCapacityBelowEnrollment)
	assert.Empty(t, res.Errors)
}

func TestValidatePolicyNegativeWaitlistCapacity(t *testing.T) {
	p := basePolicy()
	p.WaitlistCapacity = -1
	res := ValidatePolicy(p, 0)
	require.False(t, res.Valid)
	assert.Contains(t, issueCodes(res.Errors), CodeInvalidWaitlistCapacity)
}

func TestValidatePolicyDateRange(t *testing.T) {
	start := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)

	p := basePolicy()
	p.EnrollmentStart = &start
	p.EnrollmentEnd = &end
	res := ValidatePolicy(p, 0)
	require.False(t, res.Valid)
	assert.Contains(t, issueCodes(res.Errors), CodeInvalidDateRange)

	// Equal instants are also invalid: the window would be empty.
	p.EnrollmentEnd = &start
	res = ValidatePolicy(p, 0)
	assert.False(t, res.Valid)

	// Only one bound set is fine.
	p.EnrollmentEnd = nil
	res = ValidatePolicy(p, 0)
	assert.True(t, res.Valid)
}

func TestValidatePolicyDeadlineOrder(t *testing.T) {
	drop := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	withdraw := drop.Add(-24 * time.Hour)

	p := basePolicy()
	p.DropDeadline = &drop
	p.WithdrawDeadline = &withdraw
	res := ValidatePolicy(p, 0)
	require.False(t, res.Valid)
	assert.Contains(t, issueCodes(res.Errors), CodeInvalidDeadlineOrder)
}

func TestValidatePolicyWaitlistPosition(t *testing.T) {
	p := basePolicy()
	maxPos := 15
	p.MaxWaitlistPosition = &maxPos
	res := ValidatePolicy(p, 0)
	require.False(t, res.Valid)
	assert.Contains(t, issueCodes(res.Errors), CodeInvalidWaitlistPosition)

	maxPos = 10
	res = ValidatePolicy(p, 0)
	assert.True(t, res.Valid)
}

func TestValidatePolicyInvitationOnlyAutoApproveWarns(t *testing.T) {
	p := basePolicy()
	p.Type = models.EnrollmentTypeInvitationOnly
	p.AutoApprove = true
	res := ValidatePolicy(p, 0)
	assert.True(t, res.Valid, "incompatible setting is a warning, not an error")
	assert.Contains(t, issueCodes(res.Warnings), CodeIncompatibleSetting)
}

func TestValidatePolicyUnknownType(t *testing.T) {
	p := basePolicy()
	p.Type = models.EnrollmentType("LOTTERY")
	res := ValidatePolicy(p, 0)
	require.False(t, res.Valid)
	assert.Contains(t, issueCodes(res.Errors), CodeInvalidEnrollmentType)
}

func TestResultMergeAccumulates(t *testing.T) {
	res := OK()
	res.Merge(ValidatePrerequisite(models.PrerequisiteTypeGPA, "9.9"))
	res.Merge(ValidatePrerequisite(models.PrerequisiteTypeCourse, "OK"))
	require.False(t, res.Valid)
	assert.Len(t, res.Errors, 2)
}
