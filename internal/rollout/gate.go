// Package rollout holds the delivery pipeline's rollout percentage and
// the controller that automatically rolls it back on SLO breach.
package rollout

import (
	"hash/fnv"
	"sync/atomic"
)

// Gate is the configuration flag admission consults at request time.
// The controller only ever writes it; the hot path only reads it.
type Gate struct {
	percent atomic.Int64
}

// NewGate creates a gate admitting the given percentage of cohort keys.
func NewGate(percent int) *Gate {
	g := &Gate{}
	g.SetPercent(percent)
	return g
}

// Admits reports whether the key's cohort bucket falls inside the
// current rollout percentage. Bucketing is a stable hash, so a key
// stays in or out consistently as long as the percentage holds.
func (g *Gate) Admits(key string) bool {
	p := g.percent.Load()
	if p >= 100 {
		return true
	}
	if p <= 0 {
		return false
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int64(h.Sum32()%100) < p
}

// Percent returns the current rollout percentage.
func (g *Gate) Percent() int { return int(g.percent.Load()) }

// SetPercent clamps and stores the rollout percentage.
func (g *Gate) SetPercent(p int) {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	g.percent.Store(int64(p))
}
