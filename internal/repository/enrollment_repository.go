package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/enroll-engine/internal/models"
)

// EnrollmentRepository handles persistence of enrollments and waitlist
// entries. Every mutation runs inside a single transaction serialized
// per class by a FOR UPDATE lock on the class seat row: two concurrent
// requests on the same class are totally ordered, requests on different
// classes never block each other.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// lockClass serializes the transaction against all other seat mutations for
// the class. The lock row is created lazily on first use.
func lockClass(ctx context.Context, tx *sqlx.Tx, classID string) error {
	const ensureQuery = `INSERT INTO class_seat_locks (class_id) VALUES ($1) ON CONFLICT (class_id) DO NOTHING`
	if _, err := tx.ExecContext(ctx, ensureQuery, classID); err != nil {
		return fmt.Errorf("ensure class lock row: %w", err)
	}
	const lockQuery = `SELECT class_id FROM class_seat_locks WHERE class_id = $1 FOR UPDATE`
	var locked string
	if err := tx.GetContext(ctx, &locked, lockQuery, classID); err != nil {
		return fmt.Errorf("lock class: %w", err)
	}
	return nil
}

// TryAdmit claims a seat for the student iff enrolled < capacity, inside one
// transaction. Re-running for a student who already holds a seat or a
// waitlist position reports the existing state instead of inserting again.
func (r *EnrollmentRepository) TryAdmit(ctx context.Context, classID, studentID string, capacity int) (claim models.SeatClaim, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return claim, fmt.Errorf("begin admission transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = lockClass(ctx, tx, classID); err != nil {
		return claim, err
	}

	var held string
	if held, err = heldState(ctx, tx, classID, studentID, &claim.Position); err != nil {
		return claim, err
	}
	switch held {
	case models.HeldAlreadyEnrolled:
		claim.Status = models.SeatClaimAlreadyEnrolled
	case models.HeldAlreadyWaitlisted:
		claim.Status = models.SeatClaimAlreadyWaitlisted
	default:
		var enrolled int
		const countQuery = `SELECT COUNT(*) FROM class_enrollments WHERE class_id = $1 AND status = $2`
		if err = tx.GetContext(ctx, &enrolled, countQuery, classID, models.EnrollmentStatusEnrolled); err != nil {
			return claim, fmt.Errorf("count enrolled: %w", err)
		}
		if enrolled >= capacity {
			claim.Status = models.SeatClaimFull
		} else {
			if err = insertEnrollment(ctx, tx, classID, studentID); err != nil {
				return claim, err
			}
			claim.Status = models.SeatClaimAdmitted
		}
	}

	if err = tx.Commit(); err != nil {
		return claim, fmt.Errorf("commit admission: %w", err)
	}
	return claim, nil
}

// TryWaitlist appends the student to the class waitlist iff the waitlist has
// room and, when maxPosition > 0, the next position would not exceed it.
// Positions are FIFO: max(existing)+1, restarting at 1 when empty.
func (r *EnrollmentRepository) TryWaitlist(ctx context.Context, classID, studentID string, waitlistCapacity, maxPosition int) (claim models.WaitlistClaim, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return claim, fmt.Errorf("begin waitlist transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = lockClass(ctx, tx, classID); err != nil {
		return claim, err
	}

	var held string
	if held, err = heldState(ctx, tx, classID, studentID, &claim.Position); err != nil {
		return claim, err
	}
	switch held {
	case models.HeldAlreadyEnrolled:
		claim.Status = models.WaitlistClaimAlreadyEnrolled
	case models.HeldAlreadyWaitlisted:
		claim.Status = models.WaitlistClaimAlreadyWaitlisted
	default:
		var tail struct {
			Count  int `db:"count"`
			MaxPos int `db:"max_pos"`
		}
		const tailQuery = `SELECT COUNT(*) AS count, COALESCE(MAX(position), 0) AS max_pos
        FROM class_waitlist WHERE class_id = $1`
		if err = tx.GetContext(ctx, &tail, tailQuery, classID); err != nil {
			return claim, fmt.Errorf("read waitlist tail: %w", err)
		}
		next := tail.MaxPos + 1
		if tail.Count >= waitlistCapacity || (maxPosition > 0 && next > maxPosition) {
			claim.Status = models.WaitlistClaimFull
		} else {
			const insertQuery = `INSERT INTO class_waitlist (id, class_id, student_id, position, added_at)
        VALUES ($1, $2, $3, $4, $5)`
			if _, err = tx.ExecContext(ctx, insertQuery, uuid.NewString(), classID, studentID, next, time.Now().UTC()); err != nil {
				return claim, fmt.Errorf("insert waitlist entry: %w", err)
			}
			claim.Status = models.WaitlistClaimAdded
			claim.Position = next
		}
	}

	if err = tx.Commit(); err != nil {
		return claim, fmt.Errorf("commit waitlist: %w", err)
	}
	return claim, nil
}

// PromoteNext moves the front of the waitlist into an enrolled seat when one
// is free: pops the lowest position, shifts the remaining entries down by
// one so positions stay contiguous from 1, and inserts the enrollment. All
// in the same per-class atomic unit as TryAdmit, so a promotion and a fresh
// admission can never both take the same freed seat. Returns the promoted
// student ID, or ok=false when the waitlist is empty or the class is still
// full.
func (r *EnrollmentRepository) PromoteNext(ctx context.Context, classID string, capacity int) (studentID string, ok bool, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin promotion transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = lockClass(ctx, tx, classID); err != nil {
		return "", false, err
	}

	var enrolled int
	const countQuery = `SELECT COUNT(*) FROM class_enrollments WHERE class_id = $1 AND status = $2`
	if err = tx.GetContext(ctx, &enrolled, countQuery, classID, models.EnrollmentStatusEnrolled); err != nil {
		return "", false, fmt.Errorf("count enrolled: %w", err)
	}
	if enrolled >= capacity {
		if err = tx.Commit(); err != nil {
			return "", false, fmt.Errorf("commit promotion: %w", err)
		}
		return "", false, nil
	}

	var front models.WaitlistEntry
	const frontQuery = `SELECT id, class_id, student_id, position, added_at
        FROM class_waitlist WHERE class_id = $1 ORDER BY position LIMIT 1 FOR UPDATE`
	if err = tx.GetContext(ctx, &front, frontQuery, classID); err != nil {
		if err == sql.ErrNoRows {
			err = nil
			if err = tx.Commit(); err != nil {
				return "", false, fmt.Errorf("commit promotion: %w", err)
			}
			return "", false, nil
		}
		return "", false, fmt.Errorf("read waitlist front: %w", err)
	}

	const deleteQuery = `DELETE FROM class_waitlist WHERE id = $1`
	if _, err = tx.ExecContext(ctx, deleteQuery, front.ID); err != nil {
		return "", false, fmt.Errorf("pop waitlist front: %w", err)
	}
	const shiftQuery = `UPDATE class_waitlist SET position = position - 1 WHERE class_id = $1 AND position > $2`
	if _, err = tx.ExecContext(ctx, shiftQuery, classID, front.Position); err != nil {
		return "", false, fmt.Errorf("resequence waitlist: %w", err)
	}
	if err = insertEnrollment(ctx, tx, classID, front.StudentID); err != nil {
		return "", false, err
	}

	if err = tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit promotion: %w", err)
	}
	return front.StudentID, true, nil
}

// MarkLeft transitions an enrolled seat to DROPPED or WITHDRAWN. Returns
// false when the student holds no enrolled seat in the class.
func (r *EnrollmentRepository) MarkLeft(ctx context.Context, classID, studentID string, status models.EnrollmentStatus) (left bool, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin drop transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = lockClass(ctx, tx, classID); err != nil {
		return false, err
	}

	const query = `UPDATE class_enrollments SET status = $4, left_at = $5
        WHERE class_id = $1 AND student_id = $2 AND status = $3`
	result, err := tx.ExecContext(ctx, query, classID, studentID, models.EnrollmentStatusEnrolled, status, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark enrollment left: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark enrollment left result: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit drop: %w", err)
	}
	return affected > 0, nil
}

// Occupancy returns the current enrolled and waitlisted counts for a class.
func (r *EnrollmentRepository) Occupancy(ctx context.Context, classID string) (models.Occupancy, error) {
	const query = `SELECT
        (SELECT COUNT(*) FROM class_enrollments WHERE class_id = $1 AND status = $2) AS enrolled,
        (SELECT COUNT(*) FROM class_waitlist WHERE class_id = $1) AS waitlisted`
	var occ models.Occupancy
	if err := r.db.GetContext(ctx, &occ, query, classID, models.EnrollmentStatusEnrolled); err != nil {
		return occ, fmt.Errorf("read occupancy: %w", err)
	}
	return occ, nil
}

// WaitlistEntries returns the class waitlist ordered by position.
func (r *EnrollmentRepository) WaitlistEntries(ctx context.Context, classID string) ([]models.WaitlistEntry, error) {
	const query = `SELECT id, class_id, student_id, position, added_at
        FROM class_waitlist WHERE class_id = $1 ORDER BY position`
	var entries []models.WaitlistEntry
	if err := r.db.SelectContext(ctx, &entries, query, classID); err != nil {
		return nil, fmt.Errorf("list waitlist entries: %w", err)
	}
	return entries, nil
}

// FindEnrollment returns the student's enrollment row for the class, if any.
func (r *EnrollmentRepository) FindEnrollment(ctx context.Context, classID, studentID string) (*models.Enrollment, error) {
	const query = `SELECT id, class_id, student_id, status, enrolled_at, left_at
        FROM class_enrollments WHERE class_id = $1 AND student_id = $2
        ORDER BY enrolled_at DESC LIMIT 1`
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, classID, studentID); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// heldState reports whether the student already holds an enrolled seat or a
// waitlist position in the class. Must run inside the per-class lock.
func heldState(ctx context.Context, tx *sqlx.Tx, classID, studentID string, position *int) (string, error) {
	var exists int
	const enrolledQuery = `SELECT 1 FROM class_enrollments WHERE class_id = $1 AND student_id = $2 AND status = $3 LIMIT 1`
	err := tx.GetContext(ctx, &exists, enrolledQuery, classID, studentID, models.EnrollmentStatusEnrolled)
	if err == nil {
		return models.HeldAlreadyEnrolled, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("check enrolled state: %w", err)
	}

	var pos int
	const waitlistQuery = `SELECT position FROM class_waitlist WHERE class_id = $1 AND student_id = $2`
	err = tx.GetContext(ctx, &pos, waitlistQuery, classID, studentID)
	if err == nil {
		*position = pos
		return models.HeldAlreadyWaitlisted, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("check waitlist state: %w", err)
	}
	return "", nil
}

func insertEnrollment(ctx context.Context, tx *sqlx.Tx, classID, studentID string) error {
	const query = `INSERT INTO class_enrollments (id, class_id, student_id, status, enrolled_at)
        VALUES ($1, $2, $3, $4, $5)`
	if _, err := tx.ExecContext(ctx, query, uuid.NewString(), classID, studentID, models.EnrollmentStatusEnrolled, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert enrollment: %w", err)
	}
	return nil
}
