package suppression

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ultrazend/mailroom/internal/domain"
	"github.com/ultrazend/mailroom/internal/pkg/logger"
)

// Service wraps the suppression repository with normalization, bounce
// classification, and the fail-open lookup policy.
type Service struct {
	repo Repository
}

// NewService creates a suppression service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsSuppressed reports whether the address is blocked for the tenant.
// Store errors fail open: the caller proceeds and the error is logged,
// so a degraded suppression store never drops mail on its own.
func (s *Service) IsSuppressed(ctx context.Context, tenantID, email string) bool {
	suppressed, err := s.repo.IsSuppressed(ctx, tenantID, normalizeEmail(email))
	if err != nil {
		logger.Error("suppression lookup failed, allowing send",
			"tenant_id", tenantID, "email", email, "error", err.Error())
		return false
	}
	return suppressed
}

// Add records a manual suppression entry for the tenant.
func (s *Service) Add(ctx context.Context, tenantID, email, reason string) error {
	email = normalizeEmail(email)
	if domain.EmailDomain(email) == "" {
		return ErrInvalidEmail
	}
	entry := &domain.SuppressionEntry{
		TenantID: &tenantID,
		Email:    email,
		Type:     domain.SuppressionManual,
		Reason:   reason,
	}
	if err := s.repo.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("add suppression: %w", err)
	}
	return nil
}

// AddGlobal records a global suppression entry that blocks the address
// for every tenant.
func (s *Service) AddGlobal(ctx context.Context, email, reason string) error {
	email = normalizeEmail(email)
	if domain.EmailDomain(email) == "" {
		return ErrInvalidEmail
	}
	entry := &domain.SuppressionEntry{
		Email:  email,
		Type:   domain.SuppressionGlobal,
		Reason: reason,
	}
	if err := s.repo.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("add global suppression: %w", err)
	}
	return nil
}

// RecordBounce classifies the SMTP response and records a suppression
// entry for hard bounces and policy blocks. Soft bounces are logged
// only; the retry path owns them.
func (s *Service) RecordBounce(ctx context.Context, tenantID, email, smtpResponse string) (domain.BounceType, error) {
	email = normalizeEmail(email)
	bounceType := ClassifyBounce(smtpResponse)

	if bounceType == domain.BounceSoft {
		logger.Info("soft bounce, not suppressing",
			"tenant_id", tenantID, "email", email)
		return bounceType, nil
	}

	entry := &domain.SuppressionEntry{
		TenantID:   &tenantID,
		Email:      email,
		Type:       domain.SuppressionBounce,
		BounceType: bounceType,
		Reason:     smtpResponse,
		Metadata:   map[string]string{"smtp_response": smtpResponse},
	}
	if err := s.repo.Upsert(ctx, entry); err != nil {
		return bounceType, fmt.Errorf("record bounce: %w", err)
	}
	return bounceType, nil
}

// RecordComplaint records a spam complaint. Complaints always suppress.
func (s *Service) RecordComplaint(ctx context.Context, tenantID, email, source string) error {
	email = normalizeEmail(email)
	if domain.EmailDomain(email) == "" {
		return ErrInvalidEmail
	}
	entry := &domain.SuppressionEntry{
		TenantID: &tenantID,
		Email:    email,
		Type:     domain.SuppressionComplaint,
		Reason:   "spam complaint",
		Metadata: map[string]string{"source": source},
	}
	if err := s.repo.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("record complaint: %w", err)
	}
	return nil
}

// Remove deletes a tenant-scoped entry.
func (s *Service) Remove(ctx context.Context, tenantID, email string) error {
	return s.repo.Remove(ctx, tenantID, normalizeEmail(email))
}

// List returns the tenant's suppression entries.
func (s *Service) List(ctx context.Context, tenantID string, f ListFilter) ([]domain.SuppressionEntry, int, error) {
	return s.repo.List(ctx, tenantID, f)
}

// PurgeSoftBounces removes soft-bounce entries older than the window.
func (s *Service) PurgeSoftBounces(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.repo.PurgeSoftBounces(ctx, olderThan)
}
