package admission

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ultrazend/mailroom/internal/domain"
)

var (
	// ErrTenantInactive rejects sends from disabled accounts.
	ErrTenantInactive = errors.New("tenant inactive")

	// ErrDomainNotAllowed rejects envelope-from domains the tenant has
	// not verified.
	ErrDomainNotAllowed = errors.New("sender domain not allowed")

	// ErrSuppressed rejects recipients on the suppression list.
	ErrSuppressed = errors.New("recipient suppressed")

	// ErrReputationBlocked rejects recipients whose domain reputation
	// is in the blocked tier.
	ErrReputationBlocked = errors.New("recipient domain reputation blocked")

	// ErrDuplicateMessage rejects a reused message-id.
	ErrDuplicateMessage = errors.New("duplicate message id")

	// ErrStoreUnavailable signals the queue store could not be reached.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrRolloutClosed rejects requests outside the current rollout
	// percentage, including everything after a full rollback.
	ErrRolloutClosed = errors.New("delivery pipeline rollout closed for this tenant")
)

// ValidationError lists the missing or malformed request fields.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Fields, ", ")
}

// RateExceededError reports which quota tier denied the request.
type RateExceededError struct {
	Tier domain.QuotaTier
}

func (e *RateExceededError) Error() string {
	return fmt.Sprintf("rate exceeded: %s cap", e.Tier)
}
