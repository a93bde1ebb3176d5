package domain

import "time"

// SuppressionType enumerates why an address is blocked from sending.
type SuppressionType string

const (
	SuppressionBounce    SuppressionType = "bounce"
	SuppressionComplaint SuppressionType = "complaint"
	SuppressionManual    SuppressionType = "manual"
	SuppressionGlobal    SuppressionType = "global"
)

// BounceType classifies an SMTP failure response.
type BounceType string

const (
	BounceHard  BounceType = "hard"
	BounceSoft  BounceType = "soft"
	BounceBlock BounceType = "block"
)

// SuppressionEntry is a single row on the suppression list. TenantID is
// nil for global entries that block the address for every tenant.
// Unique on (TenantID, Email).
type SuppressionEntry struct {
	ID         string            `json:"id" db:"id"`
	TenantID   *string           `json:"tenant_id,omitempty" db:"tenant_id"`
	Email      string            `json:"email" db:"email"`
	Type       SuppressionType   `json:"type" db:"type"`
	BounceType BounceType        `json:"bounce_type,omitempty" db:"bounce_type"`
	Reason     string            `json:"reason,omitempty" db:"reason"`
	Metadata   map[string]string `json:"metadata,omitempty" db:"metadata"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at" db:"updated_at"`
}

// IsGlobal reports whether the entry applies to all tenants.
func (s *SuppressionEntry) IsGlobal() bool { return s.TenantID == nil }
