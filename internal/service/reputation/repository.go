package reputation

import (
	"context"
	"time"

	"github.com/ultrazend/mailroom/internal/domain"
)

// Repository is the storage contract for reputation rows. Upserts take
// a mutator that the store runs with the row locked, so concurrent
// outcome recording stays consistent without the service holding locks.
type Repository interface {
	// GetDomain returns the domain's statistics, or ErrUnknownDomain.
	GetDomain(ctx context.Context, name string) (*domain.DomainReputation, error)

	// UpsertDomain creates the row if needed, applies mutate under a
	// row lock, and returns the updated statistics.
	UpsertDomain(ctx context.Context, name string, mutate func(*domain.DomainReputation)) (*domain.DomainReputation, error)

	// UpsertMX does the same for an (mx, domain) pair.
	UpsertMX(ctx context.Context, mxServer, name string, mutate func(*domain.MXServerReputation)) (*domain.MXServerReputation, error)

	// RecomputeWindow rebuilds domain counters from the attempt log.
	RecomputeWindow(ctx context.Context, window time.Duration) (int64, error)

	// PurgeAttempts deletes attempts older than the retention window,
	// at most batch rows per call.
	PurgeAttempts(ctx context.Context, olderThan time.Duration, batch int) (int64, error)
}
