package worker

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/ultrazend/mailroom/internal/config"
)

// Planner computes the retry schedule for failed attempts:
// delay = min(base * multiplier^(attempt-1) * (1 + jitter), max_delay),
// with jitter drawn uniformly from [0, cfg.Jitter].
type Planner struct {
	cfg config.RetryConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPlanner creates a backoff planner from the retry configuration.
func NewPlanner(cfg config.RetryConfig) *Planner {
	return &Planner{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the wait before the next attempt, given the number of
// attempts already made (1-based).
func (p *Planner) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := float64(p.cfg.Base()) * math.Pow(p.cfg.Multiplier, float64(attempts-1))

	p.mu.Lock()
	j := p.rng.Float64() * p.cfg.Jitter
	p.mu.Unlock()
	d *= 1 + j

	if max := float64(p.cfg.MaxDelay()); d > max {
		d = max
	}
	return time.Duration(d)
}

// Exhausted reports whether the attempt budget is spent.
func (p *Planner) Exhausted(attempts int) bool {
	return attempts >= p.cfg.Cap
}
