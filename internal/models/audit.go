package models

import "time"

// Audit action names. Security events are distinguished so they can be
// filtered and alerted on separately.
const (
	AuditFileUploaded     = "file.uploaded"
	AuditFileDeleted      = "file.deleted"
	AuditFileExpired      = "file.expired"
	AuditFileDownloaded   = "file.downloaded"
	AuditJobCreated       = "job.created"
	AuditJobCompleted     = "job.completed"
	AuditJobDeadLettered  = "job.dead_lettered"
	AuditJobCancelled     = "job.cancelled"
	AuditShareCreated     = "share.created"
	AuditShareRedeemed    = "share.redeemed"
	AuditShareRevoked     = "share.revoked"
	AuditOwnerRebound     = "file.owner_rebound"
	AuditCrossOwnerAccess = "security.cross_owner_access"
	AuditAdminAccess      = "admin.accessed"
)

// AuditLog is an append-only record of a notable action.
type AuditLog struct {
	ID        int64     `db:"id" json:"id"`
	Action    string    `db:"action" json:"action"`
	ActorID   *string   `db:"actor_id" json:"actor_id,omitempty"`
	ActorKind ActorKind `db:"actor_kind" json:"actor_kind"`
	TargetID  *string   `db:"target_id" json:"target_id,omitempty"`
	RequestID string    `db:"request_id" json:"request_id,omitempty"`
	Metadata  Metadata  `db:"metadata" json:"metadata,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
