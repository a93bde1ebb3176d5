package domain

import (
	"strings"
	"time"
)

// PlanTier identifies a tenant's subscription plan.
type PlanTier string

const (
	PlanBasic        PlanTier = "basic"
	PlanProfessional PlanTier = "professional"
	PlanEnterprise   PlanTier = "enterprise"
)

// PriorityBoost returns the admission priority bonus for the plan.
func (p PlanTier) PriorityBoost() int {
	switch p {
	case PlanEnterprise:
		return 20
	case PlanProfessional:
		return 10
	default:
		return 0
	}
}

// Tenant is an isolated customer account: the unit of quota, rate
// limiting, and data scoping.
type Tenant struct {
	ID           string   `json:"id" db:"id"`
	Name         string   `json:"name" db:"name"`
	Active       bool     `json:"active" db:"active"`
	Plan         PlanTier `json:"plan" db:"plan"`
	DailyCap     int      `json:"daily_cap" db:"daily_cap"`
	HourlyCap    int      `json:"hourly_cap" db:"hourly_cap"`
	PerMinuteCap int      `json:"per_minute_cap" db:"per_minute_cap"`
	// HistoricalReputation is the tenant's long-run acceptance quality
	// in [0,1], recomputed out of band.
	HistoricalReputation float64 `json:"historical_reputation" db:"historical_reputation"`
	// SenderDomains lists the verified domains this tenant may use as
	// envelope-from.
	SenderDomains []string  `json:"sender_domains" db:"-"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// AllowsSenderDomain reports whether the domain is among the tenant's
// verified sender domains.
func (t *Tenant) AllowsSenderDomain(domain string) bool {
	domain = strings.ToLower(domain)
	for _, d := range t.SenderDomains {
		if strings.ToLower(d) == domain {
			return true
		}
	}
	return false
}

// TenantUsage holds the tenant's live rolling counters as read from the
// counter store.
type TenantUsage struct {
	Minute int64 `json:"minute"`
	Hour   int64 `json:"hour"`
	Day    int64 `json:"day"`
}

// TenantStats summarizes a tenant's last 24 hours of delivery activity.
type TenantStats struct {
	ByState        map[string]int64 `json:"by_state"`
	AvgDeliveryMs  float64          `json:"avg_delivery_ms"`
	AcceptedLast24 int64            `json:"accepted_last_24h"`
}

// QuotaTier names which cap was exhausted on a rate-limit denial.
type QuotaTier string

const (
	QuotaPerMinute QuotaTier = "per-minute"
	QuotaHourly    QuotaTier = "hourly"
	QuotaDaily     QuotaTier = "daily"
)

// EmailDomain returns the lowercased domain part of an email address,
// or "" when the address is malformed.
func EmailDomain(email string) string {
	parts := strings.SplitN(email, "@", 2)
	if len(parts) != 2 || parts[1] == "" {
		return ""
	}
	return strings.ToLower(parts[1])
}
