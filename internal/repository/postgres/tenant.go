package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ultrazend/mailroom/internal/domain"
	"github.com/ultrazend/mailroom/internal/service/tenant"
)

// TenantRepo implements tenant.Repository against PostgreSQL.
type TenantRepo struct{ db *sql.DB }

// NewTenantRepo creates a Postgres-backed tenant repository.
func NewTenantRepo(db *sql.DB) *TenantRepo { return &TenantRepo{db: db} }

func (r *TenantRepo) Get(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	var t domain.Tenant
	var plan string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, active, plan, daily_cap, hourly_cap, per_minute_cap,
		       historical_reputation, created_at
		FROM mailroom_tenants WHERE id = $1
	`, tenantID).Scan(&t.ID, &t.Name, &t.Active, &plan, &t.DailyCap,
		&t.HourlyCap, &t.PerMinuteCap, &t.HistoricalReputation, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, tenant.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	t.Plan = domain.PlanTier(plan)

	rows, err := r.db.QueryContext(ctx, `
		SELECT domain FROM mailroom_sending_domains
		WHERE tenant_id = $1 AND verified = true
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("tenant sender domains: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		t.SenderDomains = append(t.SenderDomains, d)
	}
	return &t, rows.Err()
}

func (r *TenantRepo) SendingDomain(ctx context.Context, name string) (*domain.SendingDomain, error) {
	var d domain.SendingDomain
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, domain, verified, created_at
		FROM mailroom_sending_domains WHERE domain = $1
	`, name).Scan(&d.ID, &d.TenantID, &d.Domain, &d.Verified, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, tenant.ErrDomainNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sending domain: %w", err)
	}
	return &d, nil
}
