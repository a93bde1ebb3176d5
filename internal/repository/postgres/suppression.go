package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ultrazend/mailroom/internal/domain"
	"github.com/ultrazend/mailroom/internal/service/suppression"
)

// SuppressionRepo implements suppression.Repository against PostgreSQL.
type SuppressionRepo struct{ db *sql.DB }

// NewSuppressionRepo creates a Postgres-backed suppression repository.
func NewSuppressionRepo(db *sql.DB) *SuppressionRepo { return &SuppressionRepo{db: db} }

func (r *SuppressionRepo) IsSuppressed(ctx context.Context, tenantID, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM mailroom_suppressions
			WHERE email = $2 AND (tenant_id = $1 OR tenant_id IS NULL)
		)
	`, tenantID, email).Scan(&exists)
	return exists, err
}

func (r *SuppressionRepo) Upsert(ctx context.Context, e *domain.SuppressionEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal suppression metadata: %w", err)
	}

	// Partial unique indexes split the tenant and global namespaces, so
	// the conflict target differs per case.
	if e.TenantID != nil {
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO mailroom_suppressions
				(id, tenant_id, email, type, bounce_type, reason, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (tenant_id, email) WHERE tenant_id IS NOT NULL
			DO UPDATE SET type = $4, bounce_type = $5, reason = $6,
			              metadata = mailroom_suppressions.metadata || $7,
			              updated_at = NOW()
		`, e.ID, *e.TenantID, e.Email, string(e.Type), string(e.BounceType), e.Reason, meta)
	} else {
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO mailroom_suppressions
				(id, tenant_id, email, type, bounce_type, reason, metadata)
			VALUES ($1, NULL, $2, $3, $4, $5, $6)
			ON CONFLICT (email) WHERE tenant_id IS NULL
			DO UPDATE SET type = $3, bounce_type = $4, reason = $5,
			              metadata = mailroom_suppressions.metadata || $6,
			              updated_at = NOW()
		`, e.ID, e.Email, string(e.Type), string(e.BounceType), e.Reason, meta)
	}
	if err != nil {
		return fmt.Errorf("upsert suppression: %w", err)
	}
	return nil
}

func (r *SuppressionRepo) Remove(ctx context.Context, tenantID, email string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM mailroom_suppressions WHERE tenant_id = $1 AND email = $2
	`, tenantID, email)
	if err != nil {
		return fmt.Errorf("remove suppression: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return suppression.ErrNotFound
	}
	return nil
}

func (r *SuppressionRepo) List(ctx context.Context, tenantID string, f suppression.ListFilter) ([]domain.SuppressionEntry, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mailroom_suppressions WHERE tenant_id = $1`,
		tenantID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count suppressions: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = total
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, email, type, bounce_type, reason, created_at, updated_at
		FROM mailroom_suppressions
		WHERE tenant_id = $1
		  AND ($2 = '' OR type = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, tenantID, f.Type, limit, f.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list suppressions: %w", err)
	}
	defer rows.Close()

	var out []domain.SuppressionEntry
	for rows.Next() {
		var e domain.SuppressionEntry
		var typ, bounceType string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Email, &typ, &bounceType,
			&e.Reason, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan suppression: %w", err)
		}
		e.Type = domain.SuppressionType(typ)
		e.BounceType = domain.BounceType(bounceType)
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// PurgeSoftBounces removes soft-bounce rows older than the retention
// window. Soft bounces only time-expire; they never escalate.
func (r *SuppressionRepo) PurgeSoftBounces(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM mailroom_suppressions
		WHERE type = 'bounce' AND bounce_type = 'soft'
		  AND updated_at < NOW() - $1::interval
	`, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("purge soft bounces: %w", err)
	}
	return res.RowsAffected()
}
