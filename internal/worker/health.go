package worker

import (
	"context"
	"database/sql"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Probes run on this cadence; /health serves the cached snapshot so a
// scrape storm cannot multiply load on an already struggling store.
const healthProbeInterval = 30 * time.Second

// HealthStatus is the probe snapshot served on /health.
type HealthStatus struct {
	Store     bool      `json:"store"`
	Counters  bool      `json:"counters"`
	SmartHost bool      `json:"smart_host"`
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
}

// Health probes the pipeline's hard dependencies on a fixed interval:
// the relational store, the counter store, and the configured smart
// host (TCP reachability only; no SMTP transaction).
type Health struct {
	db        *sql.DB
	redis     *redis.Client
	smartHost string
	timeout   time.Duration

	mu   sync.Mutex
	last *HealthStatus

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealth creates the probe set. smartHost may be empty when delivery
// goes directly to recipient MXes.
func NewHealth(db *sql.DB, rdb *redis.Client, smartHost string, timeout time.Duration) *Health {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Health{db: db, redis: rdb, smartHost: smartHost, timeout: timeout}
}

// Start launches the probe loop with an immediate first pass.
func (h *Health) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	h.cancel = cancel
	h.done = make(chan struct{})

	go func() {
		defer close(h.done)
		h.refresh(ctx)

		ticker := time.NewTicker(healthProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.refresh(ctx)
			}
		}
	}()
}

// Stop halts the probe loop.
func (h *Health) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
}

// Check returns the latest snapshot. Before the first probe pass has
// completed (or when the loop was never started) it probes inline.
func (h *Health) Check(ctx context.Context) *HealthStatus {
	h.mu.Lock()
	last := h.last
	h.mu.Unlock()
	if last != nil {
		return last
	}
	return h.refresh(ctx)
}

// refresh runs all probes and replaces the snapshot. The store probe is
// the only one that gates overall health: the counter store degrades to
// fail-open quotas and the smart host only affects new attempts.
func (h *Health) refresh(ctx context.Context) *HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	status := &HealthStatus{CheckedAt: time.Now(), SmartHost: true}
	status.Store = h.db.PingContext(ctx) == nil
	status.Counters = h.redis.Ping(ctx).Err() == nil

	if h.smartHost != "" {
		conn, err := (&net.Dialer{Timeout: h.timeout}).DialContext(ctx, "tcp", h.smartHost)
		if err != nil {
			status.SmartHost = false
		} else {
			conn.Close()
		}
	}

	status.Healthy = status.Store

	h.mu.Lock()
	h.last = status
	h.mu.Unlock()
	return status
}
