package suppression

import (
	"context"
	"time"

	"github.com/ultrazend/mailroom/internal/domain"
)

// ListFilter narrows and paginates List results. An empty Type matches
// all entry types. Limit <= 0 means no limit.
type ListFilter struct {
	Type   string
	Limit  int
	Offset int
}

// Repository is the storage contract for suppression entries.
type Repository interface {
	// IsSuppressed reports whether email is blocked for the tenant,
	// either by a tenant-scoped entry or a global one.
	IsSuppressed(ctx context.Context, tenantID, email string) (bool, error)

	// Upsert inserts the entry or refreshes an existing row for the
	// same (tenant, email), merging metadata.
	Upsert(ctx context.Context, entry *domain.SuppressionEntry) error

	// Remove deletes a tenant-scoped entry. Returns ErrNotFound when no
	// row matched.
	Remove(ctx context.Context, tenantID, email string) error

	// List returns the tenant's entries newest first plus the total count.
	List(ctx context.Context, tenantID string, f ListFilter) ([]domain.SuppressionEntry, int, error)

	// PurgeSoftBounces deletes soft-bounce entries older than the window.
	PurgeSoftBounces(ctx context.Context, olderThan time.Duration) (int64, error)
}
