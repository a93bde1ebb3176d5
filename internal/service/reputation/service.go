package reputation

import (
	"context"
	"fmt"
	"time"

	"github.com/ultrazend/mailroom/internal/domain"
	"github.com/ultrazend/mailroom/internal/pkg/logger"
)

// recentFailurePenalty is subtracted from the score when a failure
// lands while the previous failure is within recentFailureWindow.
const (
	recentFailurePenalty = 5.0
	recentFailureWindow  = 24 * time.Hour
)

// bounceRateWarnThreshold triggers an advisory warning on delivery checks.
const bounceRateWarnThreshold = 0.10

// Service computes reputation scores from recorded delivery outcomes
// and answers pre-send gate checks.
type Service struct {
	repo Repository
}

// NewService creates a reputation service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// scoreFor computes the success-ratio score. The penalty applies only
// on failure outcomes, when the prior failure was recent.
func scoreFor(successful, failed int64, penalize bool) float64 {
	total := successful + failed
	if total == 0 {
		return 100
	}
	score := float64(successful) / float64(total) * 100
	if penalize {
		score -= recentFailurePenalty
	}
	if score < 0 {
		score = 0
	}
	return score
}

// RecordSuccess folds a successful delivery into the recipient domain's
// and MX server's statistics.
func (s *Service) RecordSuccess(ctx context.Context, domainName, mxServer string, responseMs int64) error {
	now := time.Now()
	_, err := s.repo.UpsertDomain(ctx, domainName, func(r *domain.DomainReputation) {
		r.Successful++
		r.LastSuccess = &now
		r.Score = scoreFor(r.Successful, r.Failed, false)
		r.Tier = domain.TierForScore(r.Score)
		if total := r.Successful + r.Failed; total > 0 {
			r.BounceRate = float64(r.Failed) / float64(total)
		}
	})
	if err != nil {
		return fmt.Errorf("record domain success: %w", err)
	}
	if mxServer == "" {
		return nil
	}
	_, err = s.repo.UpsertMX(ctx, mxServer, domainName, func(r *domain.MXServerReputation) {
		r.Successful++
		r.LastSuccess = &now
		// Incremental mean over successful attempts; failures carry no
		// response time and must not dilute it.
		r.AvgResponseMs += (float64(responseMs) - r.AvgResponseMs) / float64(r.Successful)
		r.Score = scoreFor(r.Successful, r.Failed, false)
	})
	if err != nil {
		return fmt.Errorf("record mx success: %w", err)
	}
	return nil
}

// RecordFailure folds a failed delivery into the recipient domain's and
// MX server's statistics. The failure reason joins the MX's bounded
// ring of recent reasons, newest first.
func (s *Service) RecordFailure(ctx context.Context, domainName, mxServer, reason string) error {
	now := time.Now()
	_, err := s.repo.UpsertDomain(ctx, domainName, func(r *domain.DomainReputation) {
		penalize := r.LastFailure != nil && now.Sub(*r.LastFailure) < recentFailureWindow
		r.Failed++
		r.LastFailure = &now
		r.Score = scoreFor(r.Successful, r.Failed, penalize)
		r.Tier = domain.TierForScore(r.Score)
		if total := r.Successful + r.Failed; total > 0 {
			r.BounceRate = float64(r.Failed) / float64(total)
		}
	})
	if err != nil {
		return fmt.Errorf("record domain failure: %w", err)
	}
	if mxServer == "" {
		return nil
	}
	_, err = s.repo.UpsertMX(ctx, mxServer, domainName, func(r *domain.MXServerReputation) {
		penalize := r.LastFailure != nil && now.Sub(*r.LastFailure) < recentFailureWindow
		r.Failed++
		r.LastFailure = &now
		r.FailureReasons = append([]string{reason}, r.FailureReasons...)
		if len(r.FailureReasons) > domain.MXFailureRingSize {
			r.FailureReasons = r.FailureReasons[:domain.MXFailureRingSize]
		}
		r.Score = scoreFor(r.Successful, r.Failed, penalize)
	})
	if err != nil {
		return fmt.Errorf("record mx failure: %w", err)
	}
	return nil
}

// CheckDeliveryAllowed is the pre-send reputation gate for a recipient
// domain. Domains with no history are allowed at full score. Only the
// blocked tier denies; lower tiers and a high bounce rate surface as
// warnings so operators can act before the gate closes.
func (s *Service) CheckDeliveryAllowed(ctx context.Context, domainName string) (*domain.DeliveryCheck, error) {
	rep, err := s.repo.GetDomain(ctx, domainName)
	if err == ErrUnknownDomain {
		return &domain.DeliveryCheck{
			Allowed:  true,
			Score:    100,
			Warnings: []string{"new domain with no delivery history"},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check delivery: %w", err)
	}

	check := &domain.DeliveryCheck{Allowed: true, Score: rep.Score}
	switch rep.Tier {
	case domain.TierBlocked:
		check.Allowed = false
		check.Recommendations = append(check.Recommendations,
			"domain is blocked due to sustained failures; pause sending and review recent bounces")
	case domain.TierPoor:
		check.Warnings = append(check.Warnings, "domain reputation is poor")
		check.Recommendations = append(check.Recommendations,
			"reduce send volume to this domain until the score recovers")
	case domain.TierWarning:
		check.Warnings = append(check.Warnings, "domain reputation is degraded")
	}
	if rep.BounceRate > bounceRateWarnThreshold {
		check.Warnings = append(check.Warnings,
			fmt.Sprintf("bounce rate %.1f%% exceeds %.0f%% threshold",
				rep.BounceRate*100, bounceRateWarnThreshold*100))
	}
	return check, nil
}

// GetDomain returns the raw statistics for a domain.
func (s *Service) GetDomain(ctx context.Context, domainName string) (*domain.DomainReputation, error) {
	return s.repo.GetDomain(ctx, domainName)
}

// RecomputeFromAttempts rebuilds domain counters from the attempt log,
// correcting drift accumulated by incremental updates.
func (s *Service) RecomputeFromAttempts(ctx context.Context, window time.Duration) (int64, error) {
	n, err := s.repo.RecomputeWindow(ctx, window)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Info("reputation recomputed from attempt log", "domains", n)
	}
	return n, nil
}

// PurgeAttempts deletes attempt rows older than the retention window.
func (s *Service) PurgeAttempts(ctx context.Context, olderThan time.Duration, batch int) (int64, error) {
	return s.repo.PurgeAttempts(ctx, olderThan, batch)
}
