package domain

import "time"

// AuditAction names the event recorded in an audit entry.
type AuditAction string

const (
	AuditEnqueued           AuditAction = "enqueued"
	AuditRejected           AuditAction = "rejected"
	AuditSigned             AuditAction = "signed"
	AuditDelivered          AuditAction = "delivered"
	AuditTerminalFailure    AuditAction = "terminal_failure"
	AuditSuppressionAdded   AuditAction = "suppression_added"
	AuditSuppressionRemoved AuditAction = "suppression_removed"
	AuditRollback           AuditAction = "rollback"
	AuditCancelled          AuditAction = "cancelled"
)

// AuditEntry is the append-only record of admission decisions, signed
// sends, and suppression mutations. Never consulted by the hot path.
type AuditEntry struct {
	ID        string      `json:"id" db:"id"`
	TenantID  string      `json:"tenant_id,omitempty" db:"tenant_id"`
	JobID     string      `json:"job_id,omitempty" db:"job_id"`
	Action    AuditAction `json:"action" db:"action"`
	Detail    string      `json:"detail" db:"detail"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}
