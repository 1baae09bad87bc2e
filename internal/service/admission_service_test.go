package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/enroll-engine/internal/models"
)

// memEnrollmentStore implements the atomic occupancy contract in memory,
// serialized per class the same way the SQL store is.
type memEnrollmentStore struct {
	mu       sync.Mutex
	enrolled map[string]map[string]bool
	waitlist map[string][]string
}

func newMemEnrollmentStore() *memEnrollmentStore {
	return &memEnrollmentStore{
		enrolled: make(map[string]map[string]bool),
		waitlist: make(map[string][]string),
	}
}

func (s *memEnrollmentStore) TryAdmit(ctx context.Context, classID, studentID string, capacity int) (models.SeatClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enrolled[classID][studentID] {
		return models.SeatClaim{Status: models.SeatClaimAlreadyEnrolled}, nil
	}
	for i, waiting := range s.waitlist[classID] {
		if waiting == studentID {
			return models.SeatClaim{Status: models.SeatClaimAlreadyWaitlisted, Position: i + 1}, nil
		}
	}
	if len(s.enrolled[classID]) >= capacity {
		return models.SeatClaim{Status: models.SeatClaimFull}, nil
	}
	if s.enrolled[classID] == nil {
		s.enrolled[classID] = make(map[string]bool)
	}
	s.enrolled[classID][studentID] = true
	return models.SeatClaim{Status: models.SeatClaimAdmitted}, nil
}

func (s *memEnrollmentStore) TryWaitlist(ctx context.Context, classID, studentID string, waitlistCapacity, maxPosition int) (models.WaitlistClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enrolled[classID][studentID] {
		return models.WaitlistClaim{Status: models.WaitlistClaimAlreadyEnrolled}, nil
	}
	for i, waiting := range s.waitlist[classID] {
		if waiting == studentID {
			return models.WaitlistClaim{Status: models.WaitlistClaimAlreadyWaitlisted, Position: i + 1}, nil
		}
	}
	next := len(s.waitlist[classID]) + 1
	if len(s.waitlist[classID]) >= waitlistCapacity || (maxPosition > 0 && next > maxPosition) {
		return models.WaitlistClaim{Status: models.WaitlistClaimFull}, nil
	}
	s.waitlist[classID] = append(s.waitlist[classID], studentID)
	return models.WaitlistClaim{Status: models.WaitlistClaimAdded, Position: next}, nil
}

func (s *memEnrollmentStore) PromoteNext(ctx context.Context, classID string, capacity int) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.enrolled[classID]) >= capacity || len(s.waitlist[classID]) == 0 {
		return "", false, nil
	}
	studentID := s.waitlist[classID][0]
	s.waitlist[classID] = s.waitlist[classID][1:]
	if s.enrolled[classID] == nil {
		s.enrolled[classID] = make(map[string]bool)
	}
	s.enrolled[classID][studentID] = true
	return studentID, true, nil
}

func (s *memEnrollmentStore) MarkLeft(ctx context.Context, classID, studentID string, status models.EnrollmentStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enrolled[classID][studentID] {
		return false, nil
	}
	delete(s.enrolled[classID], studentID)
	return true, nil
}

func (s *memEnrollmentStore) enrolledCount(classID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.enrolled[classID])
}

func (s *memEnrollmentStore) waitlistOrder(classID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.waitlist[classID]))
	copy(out, s.waitlist[classID])
	return out
}

type snapshotStub struct {
	snapshot models.PolicySnapshot
	err      error
}

func (s snapshotStub) GetSnapshot(ctx context.Context, classID string) (*models.PolicySnapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	snap := s.snapshot
	snap.Policy.ClassID = classID
	return &snap, nil
}

type auditSinkStub struct {
	mu     sync.Mutex
	events []*models.AuditEvent
}

func (a *auditSinkStub) Record(ctx context.Context, event *models.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *auditSinkStub) byAction(action string) []*models.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*models.AuditEvent
	for _, event := range a.events {
		if event.Action == action {
			out = append(out, event)
		}
	}
	return out
}

func openPolicy(capacity, waitlistCapacity int) models.PolicySnapshot {
	return models.PolicySnapshot{
		Policy: models.EnrollmentPolicy{
			Type:             models.EnrollmentTypeOpen,
			Capacity:         capacity,
			WaitlistCapacity: waitlistCapacity,
			AllowWaitlist:    true,
			AutoApprove:      true,
		},
	}
}

func newAdmissionFixture(snapshot models.PolicySnapshot) (*AdmissionService, *memEnrollmentStore, *auditSinkStub) {
	store := newMemEnrollmentStore()
	audit := &auditSinkStub{}
	svc := NewAdmissionService(snapshotStub{snapshot: snapshot}, store, audit, nil, nil, nil)
	return svc, store, audit
}

func TestRequestEnrollmentScenario(t *testing.T) {
	svc, store, _ := newAdmissionFixture(openPolicy(2, 1))
	ctx := context.Background()

	d1, err := svc.RequestEnrollment(ctx, EnrollmentRequest{ClassID: "class-1", StudentID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAdmitted, d1.Outcome)

	d2, err := svc.RequestEnrollment(ctx, EnrollmentRequest{ClassID: "class-1", StudentID: "s2"})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAdmitted, d2.Outcome)

	d3, err := svc.RequestEnrollment(ctx, EnrollmentRequest{ClassID: "class-1", StudentID: "s3"})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionWaitlisted, d3.Outcome)
	assert.Equal(t, 1, d3.Position)

	d4, err := svc.RequestEnrollment(ctx, EnrollmentRequest{ClassID: "class-1", StudentID: "s4"})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionRejected, d4.Outcome)
	assert.Equal(t, models.RejectionClassFull, d4.Reason)

	// S1 drops: S3 is promoted, waitlist empties.
	promoted, ok, err := svc.Drop(ctx, "class-1", "s1", false, "registrar")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "s3", promoted)
	assert.Equal(t, 2, store.enrolledCount("class-1"))
	assert.Empty(t, store.waitlistOrder("class-1"))
}

func TestRequestEnrollmentIdempotent(t *testing.T) {
	svc, store, _ := newAdmissionFixture(openPolicy(1, 2))
	ctx := context.Background()

	first, err := svc.RequestEnrollment(ctx, EnrollmentRequest{ClassID: "class-1", StudentID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAdmitted, first.Outcome)
	assert.Empty(t, first.Held)

	again, err := svc.RequestEnrollment(ctx, EnrollmentRequest{ClassID: "class-1", StudentID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAdmitted, again.Outcome)
	assert.Equal(t, models.HeldAlreadyEnrolled, again.Held)
	assert.Equal(t, 1, store.enrolledCount("class-1"))

	waitlisted, err := svc.RequestEnrollment(ctx, EnrollmentRequest{ClassID: "class-1", StudentID: "s2"})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionWaitlisted, waitlisted.Outcome)

	replay, err := svc.RequestEnrollment(ctx, EnrollmentRequest{ClassID: "class-1", StudentID: "s2"})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionWaitlisted, replay.Outcome)
	assert.Equal(t, models.HeldAlreadyWaitlisted, replay.Held)
	assert.Equal(t, 1, replay.Position)
	assert.Len(t, store.waitlistOrder("class-1"), 1)
}

func TestPromoteWaitlistFIFO(t *testing.T) {
	svc, store, _ := newAdmissionFixture(openPolicy(1, 5))
	ctx := context.Background()

	for _, student := range []string{"owner", "a", "b", "c"} {
		_, err := svc.RequestEnrollment(ctx, EnrollmentRequest{ClassID: "class-1", StudentID: student})
		require.NoError(t, err)
	}
	require.Equal(t, []string{"a", "b", "c"}, store.waitlistOrder("class-1"))

	promoted, ok, err := svc.Drop(ctx, "class-1", "owner", false, "registrar")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", promoted)
	assert.Equal(t, []string{"b", "c"}, store.waitlistOrder("class-1"))
}

func TestRequestEnrollmentWindowClosed(t *testing.T) {
	past := time.Now().UTC().Add(-2 * time.Hour)
	closed := time.Now().UTC().Add(-time.Hour)
	snapshot := openPolicy(5, 5)
	snapshot.Policy.EnrollmentStart = &past
	snapshot.Policy.EnrollmentEnd = &closed

	svc, _, _ := newAdmissionFixture(snapshot)
	decision, err := svc.RequestEnrollment(context.Background(), EnrollmentRequest{ClassID: "class-1", StudentID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionRejected, decision.Outcome)
	assert.Equal(t, models.RejectionEnrollmentNotOpen, decision.Reason)
}

func TestRequestEnrollmentNotYetOpen(t *testing.T) {
	start := time.Now().UTC().Add(time.Hour)
	snapshot := openPolicy(5, 5)
	snapshot.Policy.EnrollmentStart = &start

	svc, _, _ := newAdmissionFixture(snapshot)
	decision, err := svc.RequestEnrollment(context.Background(), EnrollmentRequest{ClassID: "class-1", StudentID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, models.RejectionEnrollmentNotOpen, decision.Reason)
}

func TestRequestEnrollmentPrerequisites(t *testing.T) {
	snapshot := openPolicy(5, 5)
	snapshot.Prerequisites = []models.Prerequisite{
		{Type: models.PrerequisiteTypeCourse, Requirement: "MATH101", Strict: true},
		{Type: models.PrerequisiteTypeGPA, Requirement: "3.0", Strict: true},
		{Type: models.PrerequisiteTypeCourse, Requirement: "ART200", Strict: false},
	}
	svc, _, _ := newAdmissionFixture(snapshot)
	ctx := context.Background()

	// Missing the strict course fails even with a fine GPA.
	decision, err := svc.RequestEnrollment(ctx, EnrollmentRequest{
		ClassID: "class-1", StudentID: "s1",
		Attributes: models.StudentAttributes{GPA: 3.5},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RejectionPrerequisitesNotMet, decision.Reason)

	// Non-strict prerequisites never block.
	decision, err = svc.RequestEnrollment(ctx, EnrollmentRequest{
		ClassID: "class-1", StudentID: "s2",
		Attributes: models.StudentAttributes{GPA: 3.0, CompletedCourses: []string{"MATH101"}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAdmitted, decision.Outcome)
}

func TestRequestEnrollmentRestrictions(t *testing.T) {
	snapshot := openPolicy(5, 5)
	snapshot.Restrictions = []models.Restriction{
		{Type: models.RestrictionTypeYearLevel, Condition: "3", Overridable: false},
		{Type: models.RestrictionTypeGPA, Condition: "3.5", Overridable: true},
	}
	svc, _, _ := newAdmissionFixture(snapshot)
	ctx := context.Background()

	decision, err := svc.RequestEnrollment(ctx, EnrollmentRequest{
		ClassID: "class-1", StudentID: "s1",
		Attributes: models.StudentAttributes{YearLevel: 2, GPA: 4.0},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RejectionRestricted, decision.Reason)

	// Overridable restrictions do not block automatic admission.
	decision, err = svc.RequestEnrollment(ctx, EnrollmentRequest{
		ClassID: "class-1", StudentID: "s2",
		Attributes: models.StudentAttributes{YearLevel: 3, GPA: 2.0},
	})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAdmitted, decision.Outcome)
}

func TestRequestEnrollmentInvitationOnly(t *testing.T) {
	snapshot := openPolicy(5, 5)
	snapshot.Policy.Type = models.EnrollmentTypeInvitationOnly
	svc, _, _ := newAdmissionFixture(snapshot)
	ctx := context.Background()

	decision, err := svc.RequestEnrollment(ctx, EnrollmentRequest{ClassID: "class-1", StudentID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, models.RejectionRestricted, decision.Reason)

	decision, err = svc.RequestEnrollment(ctx, EnrollmentRequest{ClassID: "class-1", StudentID: "s1", Invited: true})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAdmitted, decision.Outcome)
}

func TestRequestEnrollmentRequiresApproval(t *testing.T) {
	snapshot := openPolicy(5, 5)
	snapshot.Policy.Type = models.EnrollmentTypeRestricted
	snapshot.Policy.AutoApprove = false
	svc, _, _ := newAdmissionFixture(snapshot)

	decision, err := svc.RequestEnrollment(context.Background(), EnrollmentRequest{ClassID: "class-1", StudentID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAdmitted, decision.Outcome)
	assert.True(t, decision.RequiresApproval)
}

func TestRequestEnrollmentMaxWaitlistPosition(t *testing.T) {
	snapshot := openPolicy(1, 5)
	maxPos := 1
	snapshot.Policy.MaxWaitlistPosition = &maxPos
	svc, _, _ := newAdmissionFixture(snapshot)
	ctx := context.Background()

	_, err := svc.RequestEnrollment(ctx, EnrollmentRequest{ClassID: "class-1", StudentID: "s1"})
	require.NoError(t, err)

	first, err := svc.RequestEnrollment(ctx, EnrollmentRequest{ClassID: "class-1", StudentID: "s2"})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionWaitlisted, first.Outcome)

	// Position 2 would exceed the cap even though the waitlist has room.
	second, err := svc.RequestEnrollment(ctx, EnrollmentRequest{ClassID: "class-1", StudentID: "s3"})
	require.NoError(t, err)
	assert.Equal(t, models.RejectionClassFull, second.Reason)
}

func TestRequestEnrollmentNoWaitlist(t *testing.T) {
	snapshot := openPolicy(1, 5)
	snapshot.Policy.AllowWaitlist = false
	svc, store, _ := newAdmissionFixture(snapshot)
	ctx := context.Background()

	_, err := svc.RequestEnrollment(ctx, EnrollmentRequest{ClassID: "class-1", StudentID: "s1"})
	require.NoError(t, err)

	decision, err := svc.RequestEnrollment(ctx, EnrollmentRequest{ClassID: "class-1", StudentID: "s2"})
	require.NoError(t, err)
	assert.Equal(t, models.RejectionClassFull, decision.Reason)
	assert.Empty(t, store.waitlistOrder("class-1"))
}

func TestDropWithoutSeat(t *testing.T) {
	svc, _, _ := newAdmissionFixture(openPolicy(2, 2))
	_, _, err := svc.Drop(context.Background(), "class-1", "ghost", false, "registrar")
	require.Error(t, err)
}

func TestDropAfterDeadline(t *testing.T) {
	deadline := time.Now().UTC().Add(-time.Hour)
	snapshot := openPolicy(2, 2)
	snapshot.Policy.DropDeadline = &deadline
	svc, _, _ := newAdmissionFixture(snapshot)
	ctx := context.Background()

	_, err := svc.RequestEnrollment(ctx, EnrollmentRequest{ClassID: "class-1", StudentID: "s1"})
	require.NoError(t, err)

	_, _, err = svc.Drop(ctx, "class-1", "s1", false, "registrar")
	require.Error(t, err)

	// Withdraw has its own, later deadline.
	later := time.Now().UTC().Add(time.Hour)
	snapshot.Policy.WithdrawDeadline = &later
	svc2, store, _ := newAdmissionFixture(snapshot)
	_, err = svc2.RequestEnrollment(ctx, EnrollmentRequest{ClassID: "class-1", StudentID: "s1"})
	require.NoError(t, err)
	_, _, err = svc2.Drop(ctx, "class-1", "s1", true, "registrar")
	require.NoError(t, err)
	assert.Equal(t, 0, store.enrolledCount("class-1"))
}

func TestRequestEnrollmentValidatesPayload(t *testing.T) {
	svc, _, _ := newAdmissionFixture(openPolicy(2, 2))
	_, err := svc.RequestEnrollment(context.Background(), EnrollmentRequest{ClassID: "class-1"})
	require.Error(t, err)
}

func TestDecisionAuditTrail(t *testing.T) {
	svc, _, audit := newAdmissionFixture(openPolicy(1, 1))
	ctx := context.Background()

	_, err := svc.RequestEnrollment(ctx, EnrollmentRequest{ClassID: "class-1", StudentID: "s1"})
	require.NoError(t, err)
	_, err = svc.RequestEnrollment(ctx, EnrollmentRequest{ClassID: "class-1", StudentID: "s2"})
	require.NoError(t, err)

	_, _, err = svc.Drop(ctx, "class-1", "s1", false, "registrar")
	require.NoError(t, err)

	assert.Len(t, audit.byAction(models.AuditActionAdmission), 2)
	assert.Len(t, audit.byAction(models.AuditActionDrop), 1)
	assert.Len(t, audit.byAction(models.AuditActionPromotion), 1)
}

func TestConcurrentAdmissionNeverOversells(t *testing.T) {
	const capacity = 3
	const waitlistCapacity = 4
	const students = 20

	svc, store, _ := newAdmissionFixture(openPolicy(capacity, waitlistCapacity))
	ctx := context.Background()

	var wg sync.WaitGroup
	decisions := make([]models.Decision, students)
	for i := 0; i < students; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := svc.RequestEnrollment(ctx, EnrollmentRequest{
				ClassID:   "class-1",
				StudentID: string(rune('A' + i)),
			})
			assert.NoError(t, err)
			decisions[i] = d
		}(i)
	}
	wg.Wait()

	admitted, waitlisted, rejected := 0, 0, 0
	for _, d := range decisions {
		switch d.Outcome {
		case models.DecisionAdmitted:
			admitted++
		case models.DecisionWaitlisted:
			waitlisted++
		case models.DecisionRejected:
			rejected++
		}
	}
	assert.Equal(t, capacity, admitted)
	assert.Equal(t, waitlistCapacity, waitlisted)
	assert.Equal(t, students-capacity-waitlistCapacity, rejected)
	assert.Equal(t, capacity, store.enrolledCount("class-1"))
	assert.Len(t, store.waitlistOrder("class-1"), waitlistCapacity)
}
