package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/ultrazend/mailroom/internal/domain"
)

// ErrInactive is returned when the tenant account is disabled.
var ErrInactive = errors.New("tenant is inactive")

// ErrDomainNotAllowed is returned when the envelope-from domain is not
// among the tenant's verified sender domains.
var ErrDomainNotAllowed = errors.New("sender domain not allowed for tenant")

// RateLimitError reports which quota cap denied an admit.
type RateLimitError struct {
	Tier domain.QuotaTier
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limit exceeded", e.Tier)
}

// Service resolves tenants and authorizes send operations against
// their account state, quotas, and sender domains.
type Service struct {
	repo  Repository
	quota *QuotaLimiter
}

// NewService creates a tenant service.
func NewService(repo Repository, quota *QuotaLimiter) *Service {
	return &Service{repo: repo, quota: quota}
}

// Get returns the tenant, or ErrNotFound.
func (s *Service) Get(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	return s.repo.Get(ctx, tenantID)
}

// ValidateOperation checks the tenant may send from the given address:
// account active and envelope-from domain among its verified sender
// domains. Quota is consumed separately by ConsumeQuota so callers can
// order cheaper policy checks first.
func (s *Service) ValidateOperation(ctx context.Context, tenantID, fromEmail string) (*domain.Tenant, error) {
	t, err := s.repo.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !t.Active {
		return nil, ErrInactive
	}

	senderDomain := domain.EmailDomain(fromEmail)
	if senderDomain == "" || !t.AllowsSenderDomain(senderDomain) {
		return nil, fmt.Errorf("%w: %s", ErrDomainNotAllowed, senderDomain)
	}
	return t, nil
}

// ConsumeQuota atomically takes one unit of the tenant's per-minute,
// hourly, and daily quota. The unit is never refunded: a job admitted
// and later cancelled or failed still consumed quota.
func (s *Service) ConsumeQuota(ctx context.Context, t *domain.Tenant) error {
	allowed, exhausted, err := s.quota.CheckAndIncrement(ctx, t)
	if err != nil {
		return err
	}
	if !allowed {
		return &RateLimitError{Tier: exhausted}
	}
	return nil
}

// SendingDomain looks up a sending domain by name.
func (s *Service) SendingDomain(ctx context.Context, name string) (*domain.SendingDomain, error) {
	return s.repo.SendingDomain(ctx, name)
}

// Usage returns the tenant's live quota counters.
func (s *Service) Usage(ctx context.Context, tenantID string) (*domain.TenantUsage, error) {
	return s.quota.Usage(ctx, tenantID)
}
