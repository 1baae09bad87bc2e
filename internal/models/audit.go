package models

import "time"

// Audit actions emitted by the engine. One event per successful policy or
// requirement mutation, one per admission, waitlist or promotion decision.
const (
	AuditActionPolicyUpdate       = "POLICY_UPDATE"
	AuditActionPrerequisiteCreate = "PREREQUISITE_CREATE"
	AuditActionPrerequisiteUpdate = "PREREQUISITE_UPDATE"
	AuditActionPrerequisiteDelete = "PREREQUISITE_DELETE"
	AuditActionRestrictionCreate  = "RESTRICTION_CREATE"
	AuditActionRestrictionUpdate  = "RESTRICTION_UPDATE"
	AuditActionRestrictionDelete  = "RESTRICTION_DELETE"
	AuditActionAdmission          = "ENROLLMENT_DECISION"
	AuditActionPromotion          = "WAITLIST_PROMOTION"
	AuditActionDrop               = "ENROLLMENT_DROP"
)

// SystemActor identifies events produced by the engine itself rather than a
// staff member, e.g. waitlist promotions triggered by a drop.
const SystemActor = "system"

// AuditEvent is an append-only trail record.
type AuditEvent struct {
	ID        string    `db:"id" json:"id"`
	ClassID   string    `db:"class_id" json:"class_id"`
	Actor     string    `db:"actor" json:"actor"`
	Action    string    `db:"action" json:"action"`
	Resource  string    `db:"resource" json:"resource"`
	// Before and After hold JSON snapshots for mutations; Outcome holds the
	// decision payload for admission events.
	Before    []byte    `db:"before_state" json:"before_state,omitempty"`
	After     []byte    `db:"after_state" json:"after_state,omitempty"`
	Outcome   []byte    `db:"outcome" json:"outcome,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
