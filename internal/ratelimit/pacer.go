// Package ratelimit paces outbound catalog calls to a process-wide
// requests-per-second ceiling shared by all concurrent scans.
package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rankwatch/rankwatch/internal/scan"
	"github.com/rankwatch/rankwatch/internal/telemetry"
)

// Pacer serializes outbound calls by advancing a single shared next-allowed
// timestamp. Each Acquire reserves the next slot under the lock and then
// sleeps outside it, so concurrent callers queue up with even 1/rps spacing
// between slot times regardless of scheduling order.
type Pacer struct {
	mu          sync.Mutex
	nextAllowed time.Time
	clock       scan.Clock
	logger      *zap.Logger
}

// New creates a Pacer using the given clock for time and sleeping.
func New(clock scan.Clock, logger *zap.Logger) *Pacer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pacer{clock: clock, logger: logger}
}

// Acquire blocks until one more call may be issued without exceeding
// targetRPS globally. targetRPS <= 0 disables pacing and returns immediately.
func (p *Pacer) Acquire(targetRPS float64) {
	if p == nil || targetRPS <= 0 {
		return
	}
	interval := time.Duration(float64(time.Second) / targetRPS)

	p.mu.Lock()
	now := p.clock.Now()
	wait := p.nextAllowed.Sub(now)
	if wait < 0 {
		wait = 0
	}
	// Reserve this caller's slot before releasing the lock so the next
	// caller spaces off it.
	slot := now.Add(wait)
	p.nextAllowed = slot.Add(interval)
	p.mu.Unlock()

	if wait > 0 {
		p.logger.Debug("pacing outbound call",
			zap.Duration("wait", wait),
			zap.Float64("target_rps", targetRPS),
		)
		telemetry.ObservePacerWait(wait)
		p.clock.Sleep(wait)
	}
}
