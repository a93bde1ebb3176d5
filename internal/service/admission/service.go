package admission

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ultrazend/mailroom/internal/domain"
	"github.com/ultrazend/mailroom/internal/pkg/logger"
	"github.com/ultrazend/mailroom/internal/service/tenant"
)

// Store is the queue surface admission writes to.
type Store interface {
	Enqueue(ctx context.Context, job *domain.DeliveryJob) error
	Cancel(ctx context.Context, tenantID, jobID string) (bool, error)
	MarkCancelRequested(ctx context.Context, tenantID, jobID string) (bool, error)
	Get(ctx context.Context, jobID string) (*domain.DeliveryJob, error)
	Stats(ctx context.Context, tenantID string) (*domain.TenantStats, error)
}

// Tenants resolves and authorizes tenant accounts.
type Tenants interface {
	Get(ctx context.Context, tenantID string) (*domain.Tenant, error)
	ValidateOperation(ctx context.Context, tenantID, fromEmail string) (*domain.Tenant, error)
	ConsumeQuota(ctx context.Context, t *domain.Tenant) error
	Usage(ctx context.Context, tenantID string) (*domain.TenantUsage, error)
}

// Suppressions answers the do-not-send check.
type Suppressions interface {
	IsSuppressed(ctx context.Context, tenantID, email string) bool
}

// Reputations gates recipients by domain reputation.
type Reputations interface {
	CheckDeliveryAllowed(ctx context.Context, domainName string) (*domain.DeliveryCheck, error)
	GetDomain(ctx context.Context, domainName string) (*domain.DomainReputation, error)
}

// Auditor records admission decisions.
type Auditor interface {
	Append(ctx context.Context, e *domain.AuditEntry)
}

// Gate is the rollout flag consulted at request time.
type Gate interface {
	Admits(key string) bool
}

// EnqueueRequest is one fully rendered message for one recipient.
type EnqueueRequest struct {
	TenantID   string            `json:"tenant_id"`
	From       string            `json:"from"`
	To         string            `json:"to"`
	Subject    string            `json:"subject"`
	TextBody   string            `json:"text_body"`
	HTMLBody   string            `json:"html_body"`
	Headers    map[string]string `json:"headers"`
	MessageID  string            `json:"message_id"`
	CampaignID *string           `json:"campaign_id"`
}

// EnqueueResult is returned on successful admission.
type EnqueueResult struct {
	JobID     string `json:"job_id"`
	MessageID string `json:"message_id"`
}

// TenantStats combines delivery counts with the tenant's remaining caps.
type TenantStats struct {
	Delivery  *domain.TenantStats `json:"delivery"`
	Usage     *domain.TenantUsage `json:"usage"`
	Remaining struct {
		Minute int64 `json:"minute"`
		Hour   int64 `json:"hour"`
		Day    int64 `json:"day"`
	} `json:"remaining"`
}

// Service is the admission front door.
type Service struct {
	store        Store
	tenants      Tenants
	suppressions Suppressions
	reputations  Reputations
	audit        Auditor
	gate         Gate
}

// NewService wires the admission service.
func NewService(store Store, tenants Tenants, suppressions Suppressions, reputations Reputations, audit Auditor, gate Gate) *Service {
	return &Service{
		store:        store,
		tenants:      tenants,
		suppressions: suppressions,
		reputations:  reputations,
		audit:        audit,
		gate:         gate,
	}
}

// Enqueue validates the request and writes a pending job. Checks run
// in fixed order: field validation, rollout gate, tenant policy,
// suppression, reputation, quota, store insert.
func (s *Service) Enqueue(ctx context.Context, req *EnqueueRequest) (*EnqueueResult, error) {
	if verr := validate(req); verr != nil {
		return nil, verr
	}

	if s.gate != nil && !s.gate.Admits(req.TenantID) {
		return nil, ErrRolloutClosed
	}

	t, err := s.tenants.ValidateOperation(ctx, req.TenantID, req.From)
	if err != nil {
		return nil, s.reject(ctx, req, mapTenantError(err))
	}

	recipient := strings.ToLower(strings.TrimSpace(req.To))
	if s.suppressions.IsSuppressed(ctx, req.TenantID, recipient) {
		return nil, s.reject(ctx, req, ErrSuppressed)
	}

	recipientDomain := domain.EmailDomain(recipient)
	check, err := s.reputations.CheckDeliveryAllowed(ctx, recipientDomain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !check.Allowed && recommendsBlock(check) {
		return nil, s.reject(ctx, req, ErrReputationBlocked)
	}

	priority := s.computePriority(ctx, t, recipientDomain)

	messageID := req.MessageID
	if messageID == "" {
		messageID = generateMessageID(req.From)
	}

	if err := s.tenants.ConsumeQuota(ctx, t); err != nil {
		return nil, s.reject(ctx, req, mapTenantError(err))
	}

	job := &domain.DeliveryJob{
		MessageID:  messageID,
		TenantID:   req.TenantID,
		CampaignID: req.CampaignID,
		FromEmail:  strings.ToLower(strings.TrimSpace(req.From)),
		ToEmail:    recipient,
		Subject:    req.Subject,
		TextBody:   req.TextBody,
		HTMLBody:   req.HTMLBody,
		Headers:    req.Headers,
		State:      domain.JobPending,
		Priority:   priority,
	}
	if err := s.store.Enqueue(ctx, job); err != nil {
		if errors.Is(err, domain.ErrDuplicateMessage) {
			return nil, ErrDuplicateMessage
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.audit.Append(ctx, &domain.AuditEntry{
		TenantID: req.TenantID,
		JobID:    job.ID,
		Action:   domain.AuditEnqueued,
		Detail:   fmt.Sprintf("to=%s priority=%d", recipient, priority),
	})
	logger.Info("job admitted",
		"tenant_id", req.TenantID, "job_id", job.ID, "priority", priority)

	return &EnqueueResult{JobID: job.ID, MessageID: messageID}, nil
}

// Cancel transitions a pending or deferred job to failed("cancelled").
// A processing job is flagged instead: the in-flight attempt completes
// and the deliverer applies the cancel afterwards. Terminal jobs are a
// no-op returning false.
func (s *Service) Cancel(ctx context.Context, tenantID, jobID string) (bool, error) {
	ok, err := s.store.Cancel(ctx, tenantID, jobID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if ok {
		s.audit.Append(ctx, &domain.AuditEntry{
			TenantID: tenantID,
			JobID:    jobID,
			Action:   domain.AuditCancelled,
		})
		return true, nil
	}
	flagged, err := s.store.MarkCancelRequested(ctx, tenantID, jobID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return flagged, nil
}

// GetTenantStats returns 24h delivery counts plus remaining caps.
func (s *Service) GetTenantStats(ctx context.Context, tenantID string) (*TenantStats, error) {
	t, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, mapTenantError(err)
	}

	delivery, err := s.store.Stats(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	usage, err := s.tenants.Usage(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	stats := &TenantStats{Delivery: delivery, Usage: usage}
	stats.Remaining.Minute = remaining(int64(t.PerMinuteCap), usage.Minute)
	stats.Remaining.Hour = remaining(int64(t.HourlyCap), usage.Hour)
	stats.Remaining.Day = remaining(int64(t.DailyCap), usage.Day)
	return stats, nil
}

// computePriority applies the admission priority formula: base 50,
// plus the plan boost, a reputation adjustment for known recipient
// domains, and a bonus for tenants with strong history; clamped to the
// valid priority range.
func (s *Service) computePriority(ctx context.Context, t *domain.Tenant, recipientDomain string) int {
	p := 50 + t.Plan.PriorityBoost()

	rep, err := s.reputations.GetDomain(ctx, recipientDomain)
	if err == nil {
		if rep.Score >= 80 {
			p += 10
		} else if rep.Score <= 30 {
			p -= 10
		}
	}

	if t.HistoricalReputation >= 0.9 {
		p += 5
	}

	if p < domain.MinPriority {
		p = domain.MinPriority
	}
	if p > domain.MaxPriority {
		p = domain.MaxPriority
	}
	return p
}

func (s *Service) reject(ctx context.Context, req *EnqueueRequest, err error) error {
	s.audit.Append(ctx, &domain.AuditEntry{
		TenantID: req.TenantID,
		Action:   domain.AuditRejected,
		Detail:   err.Error(),
	})
	return err
}

func validate(req *EnqueueRequest) *ValidationError {
	var missing []string
	if strings.TrimSpace(req.TenantID) == "" {
		missing = append(missing, "tenant_id")
	}
	if domain.EmailDomain(req.From) == "" {
		missing = append(missing, "from")
	}
	to := strings.TrimSpace(req.To)
	if domain.EmailDomain(to) == "" || strings.ContainsAny(to, ",;") {
		missing = append(missing, "to")
	}
	if strings.TrimSpace(req.Subject) == "" {
		missing = append(missing, "subject")
	}
	if req.TextBody == "" && req.HTMLBody == "" {
		missing = append(missing, "body")
	}
	if len(missing) > 0 {
		return &ValidationError{Fields: missing}
	}
	return nil
}

func mapTenantError(err error) error {
	var rle *tenant.RateLimitError
	switch {
	case errors.Is(err, tenant.ErrInactive):
		return ErrTenantInactive
	case errors.Is(err, tenant.ErrDomainNotAllowed):
		return ErrDomainNotAllowed
	case errors.Is(err, tenant.ErrNotFound):
		return &ValidationError{Fields: []string{"tenant_id"}}
	case errors.As(err, &rle):
		return &RateExceededError{Tier: rle.Tier}
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

func recommendsBlock(check *domain.DeliveryCheck) bool {
	for _, r := range check.Recommendations {
		if strings.Contains(strings.ToLower(r), "block") {
			return true
		}
	}
	return false
}

// generateMessageID issues "<epoch-ms.rand@from-domain>" without the
// angle brackets; the message builder adds those on the wire.
func generateMessageID(from string) string {
	var buf [6]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%d.%s@%s",
		time.Now().UnixMilli(), hex.EncodeToString(buf[:]), domain.EmailDomain(from))
}

func remaining(limit, used int64) int64 {
	if used >= limit {
		return 0
	}
	return limit - used
}
