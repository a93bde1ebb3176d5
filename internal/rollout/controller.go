package rollout

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ultrazend/mailroom/internal/config"
	"github.com/ultrazend/mailroom/internal/domain"
	"github.com/ultrazend/mailroom/internal/pkg/logger"
)

// Severity of a tripped trigger.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Execution records one controller action: prior and new state together,
// written atomically under the controller lock.
type Execution struct {
	Time         time.Time `json:"time"`
	Severity     Severity  `json:"severity"`
	Trigger      string    `json:"trigger"`
	PriorPercent int       `json:"prior_percent"`
	NewPercent   int       `json:"new_percent"`
}

// executionRingSize bounds the retained execution history.
const executionRingSize = 50

// minSampleSize is the minimum number of outcomes in a window before
// rate triggers fire; rate math over a couple of outcomes is noise.
const minSampleSize = 10

type observation struct {
	at        time.Time
	success   bool
	latencyMs int64
	critical  bool
}

// Auditor persists controller actions to the audit log.
type Auditor interface {
	Append(ctx context.Context, e *domain.AuditEntry)
}

// Controller watches the outcome stream and writes the rollout gate.
// It never reads from the in-flight path.
type Controller struct {
	cfg   config.RolloutConfig
	gate  *Gate
	audit Auditor

	mu         sync.Mutex
	window     []observation
	prevErrors int
	executions []Execution

	cancel context.CancelFunc
	done   chan struct{}
}

// NewController creates a rollback controller over the gate.
func NewController(cfg config.RolloutConfig, gate *Gate, audit Auditor) *Controller {
	return &Controller{cfg: cfg, gate: gate, audit: audit}
}

// Observe folds one delivery outcome into the current window. Called by
// the deliverer after every attempt.
func (c *Controller) Observe(success bool, latencyMs int64, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window = append(c.window, observation{
		at:        time.Now(),
		success:   success,
		latencyMs: latencyMs,
		critical:  critical,
	})
}

// Start launches the periodic evaluation loop.
func (c *Controller) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	c.done = make(chan struct{})

	interval := time.Duration(c.cfg.EvalIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 2 * time.Minute
	}

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Evaluate(ctx)
			}
		}
	}()
}

// Stop halts the evaluation loop and waits for it to exit.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

// Evaluate inspects the current window and applies the trigger table,
// critical triggers first. Any hit mutates the gate and records an
// execution; the window then resets.
func (c *Controller) Evaluate(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	window := c.window
	c.window = nil

	total := len(window)
	var failures, criticals int
	latencies := make([]int64, 0, total)
	for _, o := range window {
		if !o.success {
			failures++
		}
		if o.critical {
			criticals++
		}
		latencies = append(latencies, o.latencyMs)
	}

	errCount := failures
	baseline := c.prevErrors
	c.prevErrors = errCount

	if total < minSampleSize {
		return
	}

	successRate := float64(total-failures) / float64(total) * 100
	p50 := percentile50(latencies)

	// Critical triggers, in table order.
	switch {
	case successRate < c.cfg.MinSuccessRate:
		c.execute(ctx, SeverityCritical, "success rate below critical threshold", 0)
		return
	case p50 > c.cfg.MaxP50LatencyMs:
		c.execute(ctx, SeverityCritical, "p50 latency above critical threshold", 0)
		return
	case baseline > 0 && float64(errCount) > c.cfg.ErrorRatioBaseline*float64(baseline):
		c.execute(ctx, SeverityCritical, "errors exceed baseline ratio", 0)
		return
	case criticals > c.cfg.MaxSimultaneous:
		c.execute(ctx, SeverityCritical, "simultaneous critical errors", 0)
		return
	}

	// Warning triggers halve the percent, floor 5, then 0.
	halved := halve(c.gate.Percent())
	switch {
	case successRate < c.cfg.WarnSuccessRate:
		c.execute(ctx, SeverityWarning, "success rate below warning threshold", halved)
	case p50 > c.cfg.WarnLatencyMs:
		c.execute(ctx, SeverityWarning, "latency above warning threshold", halved)
	case errCount > c.cfg.WarnErrorCount && errCount > baseline:
		c.execute(ctx, SeverityWarning, "error trend rising", halved)
	}
}

// execute applies the new percent and records prior and new state under
// the already-held controller lock.
func (c *Controller) execute(ctx context.Context, sev Severity, trigger string, newPercent int) {
	prior := c.gate.Percent()
	if prior == newPercent {
		return
	}
	c.gate.SetPercent(newPercent)

	exec := Execution{
		Time:         time.Now(),
		Severity:     sev,
		Trigger:      trigger,
		PriorPercent: prior,
		NewPercent:   newPercent,
	}
	c.executions = append(c.executions, exec)
	if len(c.executions) > executionRingSize {
		c.executions = c.executions[len(c.executions)-executionRingSize:]
	}

	logger.Warn("rollout changed",
		"severity", string(sev), "trigger", trigger,
		"prior_percent", prior, "new_percent", newPercent)

	if c.audit != nil {
		c.audit.Append(ctx, &domain.AuditEntry{
			Action: domain.AuditRollback,
			Detail: trigger,
		})
	}
}

// Executions returns a copy of the retained execution history, oldest
// first.
func (c *Controller) Executions() []Execution {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Execution, len(c.executions))
	copy(out, c.executions)
	return out
}

func halve(p int) int {
	if p <= 5 {
		return 0
	}
	h := p / 2
	if h < 5 {
		return 5
	}
	return h
}

func percentile50(latencies []int64) int64 {
	if len(latencies) == 0 {
		return 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	return latencies[len(latencies)/2]
}
