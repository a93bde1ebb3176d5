package postgres

import (
	"context"
	"database/sql"

	"github.com/ultrazend/mailroom/internal/domain"
	"github.com/ultrazend/mailroom/internal/pkg/logger"
)

// AuditRepo appends audit entries. Writes are best-effort: the audit
// log is never consulted on the hot path, so a failed insert logs and
// moves on instead of failing the operation it describes.
type AuditRepo struct{ db *sql.DB }

// NewAuditRepo creates a Postgres-backed audit log.
func NewAuditRepo(db *sql.DB) *AuditRepo { return &AuditRepo{db: db} }

// Append writes one audit entry.
func (r *AuditRepo) Append(ctx context.Context, e *domain.AuditEntry) {
	var tenantID, jobID interface{}
	if e.TenantID != "" {
		tenantID = e.TenantID
	}
	if e.JobID != "" {
		jobID = e.JobID
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO mailroom_audit_log (tenant_id, job_id, action, detail)
		VALUES ($1, $2, $3, $4)
	`, tenantID, jobID, string(e.Action), e.Detail)
	if err != nil {
		logger.Warn("audit append failed",
			"action", string(e.Action), "error", err.Error())
	}
}
