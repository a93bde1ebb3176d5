package tenant

import (
	"context"

	"github.com/ultrazend/mailroom/internal/domain"
)

// Repository is the storage contract for tenant accounts.
type Repository interface {
	// Get returns the tenant with its verified sender domains, or
	// ErrNotFound.
	Get(ctx context.Context, tenantID string) (*domain.Tenant, error)

	// SendingDomain looks up a sending domain by name, or
	// ErrDomainNotFound.
	SendingDomain(ctx context.Context, name string) (*domain.SendingDomain, error)
}
