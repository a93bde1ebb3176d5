package worker

import (
	"context"
	"time"

	"github.com/ultrazend/mailroom/internal/pkg/logger"
)

// Maintenance intervals and retention windows.
const (
	inflightSweepInterval = 2 * time.Minute
	retentionInterval     = 24 * time.Hour

	terminalJobRetention = 30 * 24 * time.Hour
	softBounceRetention  = 30 * 24 * time.Hour
	attemptRetention     = 90 * 24 * time.Hour
	recomputeWindow      = 30 * 24 * time.Hour

	purgeBatchSize = 1000
)

// MaintenanceQueue is the queue surface the janitor sweeps.
type MaintenanceQueue interface {
	SweepInflight(ctx context.Context, threshold time.Duration) (int64, error)
	PurgeTerminal(ctx context.Context, olderThan time.Duration, batch int) (int64, error)
}

// SuppressionMaintainer expires soft-bounce suppression entries.
type SuppressionMaintainer interface {
	PurgeSoftBounces(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ReputationMaintainer rebuilds and prunes reputation data.
type ReputationMaintainer interface {
	RecomputeFromAttempts(ctx context.Context, window time.Duration) (int64, error)
	PurgeAttempts(ctx context.Context, olderThan time.Duration, batch int) (int64, error)
}

// Janitor owns the background maintenance passes: the inflight-leak
// sweep that reclaims jobs abandoned in processing, and the daily
// retention pass that purges aged rows and recomputes reputation from
// the attempt log.
type Janitor struct {
	queue        MaintenanceQueue
	suppressions SuppressionMaintainer
	reputations  ReputationMaintainer

	// leakWindow is attempt_timeout x inflight_leak_factor: longer than
	// any legitimate attempt, short enough to honor at-least-once
	// redelivery promptly.
	leakWindow time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewJanitor wires the maintenance loops.
func NewJanitor(queue MaintenanceQueue, suppressions SuppressionMaintainer, reputations ReputationMaintainer, leakWindow time.Duration) *Janitor {
	if leakWindow <= 0 {
		leakWindow = 90 * time.Second
	}
	return &Janitor{
		queue:        queue,
		suppressions: suppressions,
		reputations:  reputations,
		leakWindow:   leakWindow,
	}
}

// Start launches the sweep and retention loops.
func (j *Janitor) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	j.cancel = cancel
	j.done = make(chan struct{})

	go func() {
		defer close(j.done)
		sweep := time.NewTicker(inflightSweepInterval)
		retention := time.NewTicker(retentionInterval)
		defer sweep.Stop()
		defer retention.Stop()

		// One retention pass at startup so a freshly restarted process
		// does not wait a day to purge.
		j.RunRetention(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sweep.C:
				j.RunInflightSweep(ctx)
			case <-retention.C:
				j.RunRetention(ctx)
			}
		}
	}()
	logger.Info("janitor started", "leak_window", j.leakWindow.String())
}

// Stop halts the loops.
func (j *Janitor) Stop() {
	if j.cancel == nil {
		return
	}
	j.cancel()
	<-j.done
}

// RunInflightSweep requeues jobs stuck in processing past the leak
// window.
func (j *Janitor) RunInflightSweep(ctx context.Context) {
	n, err := j.queue.SweepInflight(ctx, j.leakWindow)
	if err != nil {
		logger.Error("inflight sweep failed", "error", err.Error())
		return
	}
	if n > 0 {
		logger.Warn("requeued leaked processing jobs", "count", n)
	}
}

// RunRetention executes one full retention and recompute pass.
func (j *Janitor) RunRetention(ctx context.Context) {
	for {
		n, err := j.queue.PurgeTerminal(ctx, terminalJobRetention, purgeBatchSize)
		if err != nil {
			logger.Error("terminal job purge failed", "error", err.Error())
			break
		}
		if n > 0 {
			logger.Info("purged terminal jobs", "count", n)
		}
		if n < purgeBatchSize {
			break
		}
	}

	if n, err := j.suppressions.PurgeSoftBounces(ctx, softBounceRetention); err != nil {
		logger.Error("soft bounce purge failed", "error", err.Error())
	} else if n > 0 {
		logger.Info("expired soft bounce suppressions", "count", n)
	}

	if _, err := j.reputations.RecomputeFromAttempts(ctx, recomputeWindow); err != nil {
		logger.Error("reputation recompute failed", "error", err.Error())
	}

	for {
		n, err := j.reputations.PurgeAttempts(ctx, attemptRetention, purgeBatchSize)
		if err != nil {
			logger.Error("attempt purge failed", "error", err.Error())
			break
		}
		if n < purgeBatchSize {
			break
		}
	}
}
