package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ultrazend/mailroom/internal/config"
	"github.com/ultrazend/mailroom/internal/domain"
	"github.com/ultrazend/mailroom/internal/metrics"
	"github.com/ultrazend/mailroom/internal/pkg/logger"
)

// ClaimQueue is the queue surface the scheduler claims from.
type ClaimQueue interface {
	PendingTenants(ctx context.Context) ([]string, error)
	ClaimPending(ctx context.Context, tenantID string, limit int) ([]domain.DeliveryJob, error)
	ReleaseProcessing(ctx context.Context) (int64, error)
}

// JobRunner executes one claimed job. Deliverer implements this.
type JobRunner interface {
	Deliver(ctx context.Context, job *domain.DeliveryJob)
}

// Scheduler is the single long-running dispatch loop. It walks tenants
// with due work, claims up to each tenant's plan-share, and runs every
// claimed job on its own goroutine under the global concurrency cap.
type Scheduler struct {
	queue   ClaimQueue
	tenants TenantReader
	runner  JobRunner
	cfg     config.SchedulerConfig
	metrics *metrics.Metrics

	inflight atomic.Int64
	wake     chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}

	// Workers run on their own context so a loop shutdown lets in-flight
	// attempts drain; workerCancel fires only after the drain timeout.
	workerCtx    context.Context
	workerCancel context.CancelFunc
}

// NewScheduler wires the dispatch loop. m may be nil.
func NewScheduler(queue ClaimQueue, tenants TenantReader, runner JobRunner, cfg config.SchedulerConfig, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		queue:   queue,
		tenants: tenants,
		runner:  runner,
		cfg:     cfg,
		metrics: m,
		wake:    make(chan struct{}, 1),
	}
}

// InFlight returns the current number of executing workers.
func (s *Scheduler) InFlight() int { return int(s.inflight.Load()) }

// Start launches the scheduler loop.
func (s *Scheduler) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.workerCtx, s.workerCancel = context.WithCancel(context.Background())

	tick := time.Duration(s.cfg.TickSeconds) * time.Second
	if tick <= 0 {
		tick = 5 * time.Second
	}

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-s.wake:
			}
			s.dispatch(ctx)
		}
	}()
	logger.Info("scheduler started",
		"concurrency_cap", s.cfg.ConcurrencyCap, "tick_seconds", s.cfg.TickSeconds)
}

// Stop prevents new claims, waits for in-flight workers up to the drain
// timeout, then persists any stragglers back to pending.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	drain := time.Duration(s.cfg.DrainTimeoutSeconds) * time.Second
	if drain <= 0 {
		drain = 30 * time.Second
	}
	select {
	case <-drained:
	case <-time.After(drain):
		logger.Warn("drain timeout expired with workers in flight",
			"inflight", s.inflight.Load())
	}
	s.workerCancel()

	releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if n, err := s.queue.ReleaseProcessing(releaseCtx); err != nil {
		logger.Error("processing jobs not released on shutdown", "error", err.Error())
	} else if n > 0 {
		logger.Info("released processing jobs back to pending", "count", n)
	}
}

// dispatch runs one fair-share pass.
func (s *Scheduler) dispatch(ctx context.Context) {
	if int(s.inflight.Load()) >= s.cfg.ConcurrencyCap {
		return
	}

	tenantIDs, err := s.queue.PendingTenants(ctx)
	if err != nil {
		logger.Error("pending tenant scan failed", "error", err.Error())
		return
	}

	for _, id := range tenantIDs {
		free := s.cfg.ConcurrencyCap - int(s.inflight.Load())
		if free <= 0 {
			return
		}

		t, err := s.tenants.Get(ctx, id)
		if err != nil {
			logger.Error("tenant lookup failed during dispatch", "tenant_id", id, "error", err.Error())
			continue
		}
		if !t.Active {
			logger.Warn("skipping inactive tenant with pending jobs", "tenant_id", id)
			continue
		}

		allowance := s.planShare(t.Plan)
		if allowance > free {
			allowance = free
		}
		jobs, err := s.queue.ClaimPending(ctx, id, allowance)
		if err != nil {
			logger.Error("claim failed", "tenant_id", id, "error", err.Error())
			continue
		}

		for i := range jobs {
			job := jobs[i]
			s.inflight.Add(1)
			if s.metrics != nil {
				s.metrics.InFlight.Inc()
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer func() {
					s.inflight.Add(-1)
					if s.metrics != nil {
						s.metrics.InFlight.Dec()
					}
					s.kick()
				}()
				s.runner.Deliver(s.workerCtx, &job)
			}()
		}
	}
}

// kick wakes the loop after a worker completes so freed capacity is
// reused without waiting for the next tick.
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) planShare(plan domain.PlanTier) int {
	if share, ok := s.cfg.PlanShares[string(plan)]; ok && share > 0 {
		return share
	}
	return 1
}
