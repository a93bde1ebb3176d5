package domain

import "time"

// ReputationTier buckets a numeric score into an admission decision.
type ReputationTier string

const (
	TierExcellent ReputationTier = "excellent"
	TierGood      ReputationTier = "good"
	TierWarning   ReputationTier = "warning"
	TierPoor      ReputationTier = "poor"
	TierBlocked   ReputationTier = "blocked"
)

// TierForScore maps a score in [0,100] to its reputation tier.
func TierForScore(score float64) ReputationTier {
	switch {
	case score >= 95:
		return TierExcellent
	case score >= 80:
		return TierGood
	case score >= 60:
		return TierWarning
	case score >= 40:
		return TierPoor
	default:
		return TierBlocked
	}
}

// DomainReputation holds rolling per-recipient-domain delivery statistics.
type DomainReputation struct {
	Domain      string         `json:"domain" db:"domain"`
	Score       float64        `json:"score" db:"score"`
	Successful  int64          `json:"successful" db:"successful"`
	Failed      int64          `json:"failed" db:"failed"`
	BounceRate  float64        `json:"bounce_rate" db:"bounce_rate"`
	LastSuccess *time.Time     `json:"last_success,omitempty" db:"last_success"`
	LastFailure *time.Time     `json:"last_failure,omitempty" db:"last_failure"`
	Tier        ReputationTier `json:"tier" db:"tier"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}

// MXFailureRingSize bounds the per-MX rolling failure-reason buffer.
const MXFailureRingSize = 10

// MXServerReputation tracks rolling statistics for one (mx, domain) pair.
type MXServerReputation struct {
	MXServer      string     `json:"mx_server" db:"mx_server"`
	Domain        string     `json:"domain" db:"domain"`
	Score         float64    `json:"score" db:"score"`
	Successful    int64      `json:"successful" db:"successful"`
	Failed        int64      `json:"failed" db:"failed"`
	AvgResponseMs float64    `json:"avg_response_ms" db:"avg_response_ms"`
	LastSuccess   *time.Time `json:"last_success,omitempty" db:"last_success"`
	LastFailure   *time.Time `json:"last_failure,omitempty" db:"last_failure"`
	// FailureReasons holds the last MXFailureRingSize failure strings,
	// newest first.
	FailureReasons []string  `json:"failure_reasons" db:"failure_reasons"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// DeliveryCheck is the result of a pre-send reputation gate.
type DeliveryCheck struct {
	Allowed         bool     `json:"allowed"`
	Score           float64  `json:"score"`
	Warnings        []string `json:"warnings,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}
