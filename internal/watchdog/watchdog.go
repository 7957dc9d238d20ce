// Package watchdog periodically fails scans that claim to be running but have
// shown no activity, so crashed or wedged executions cannot stay running
// forever.
package watchdog

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rankwatch/rankwatch/internal/events"
	"github.com/rankwatch/rankwatch/internal/scan"
	"github.com/rankwatch/rankwatch/internal/telemetry"
)

const (
	minInterval = 30 * time.Second
	maxInterval = 5 * time.Minute

	minStuck = 1 * time.Minute
	maxStuck = 180 * time.Minute
)

// Config tunes the sweep cadence and the staleness threshold.
type Config struct {
	// Interval between sweeps, clamped to [30s, 5m].
	Interval time.Duration
	// Stuck is how long a running scan may go without activity before it is
	// failed, clamped to [1m, 180m].
	Stuck time.Duration
}

// Watchdog sweeps the store for stuck scans.
type Watchdog struct {
	store  scan.Store
	bus    *events.Bus
	clock  scan.Clock
	logger *zap.Logger
	cfg    Config
}

// New constructs a Watchdog, clamping out-of-range config values.
func New(cfg Config, store scan.Store, bus *events.Bus, clock scan.Clock, logger *zap.Logger) *Watchdog {
	if cfg.Interval < minInterval {
		cfg.Interval = minInterval
	}
	if cfg.Interval > maxInterval {
		cfg.Interval = maxInterval
	}
	if cfg.Stuck < minStuck {
		cfg.Stuck = minStuck
	}
	if cfg.Stuck > maxStuck {
		cfg.Stuck = maxStuck
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watchdog{store: store, bus: bus, clock: clock, logger: logger, cfg: cfg}
}

// Run sweeps on the configured interval until ctx is done. A panicking sweep
// is recovered and the loop keeps going.
func (w *Watchdog) Run(ctx context.Context) {
	w.logger.Info("watchdog started",
		zap.Duration("interval", w.cfg.Interval),
		zap.Duration("stuck_after", w.cfg.Stuck),
	)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopped")
			return
		case <-ticker.C:
			w.safeSweep(ctx)
		}
	}
}

func (w *Watchdog) safeSweep(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("watchdog sweep panicked", zap.Any("panic", rec))
		}
	}()
	w.sweep(ctx)
}

// sweep fails every running scan whose last activity predates the cutoff.
func (w *Watchdog) sweep(ctx context.Context) {
	now := w.clock.Now()
	cutoff := now.Add(-w.cfg.Stuck)
	stuck, err := w.store.ListStuck(ctx, cutoff)
	if err != nil {
		w.logger.Error("list stuck scans failed", zap.Error(err))
		return
	}
	for _, sc := range stuck {
		last := sc.LastEventAt
		if last.IsZero() {
			last = sc.UpdatedAt
		}
		if last.IsZero() {
			last = sc.CreatedAt
		}
		// Report how long the scan has actually been idle, not the threshold.
		msg := fmt.Sprintf("no activity for %d minutes", int(now.Sub(last).Minutes()))
		applied, err := w.store.FinishScan(ctx, sc.ID, scan.StatusFailed, scan.ReasonStuckNoProgress, &msg, now)
		if err != nil {
			w.logger.Error("fail stuck scan failed",
				zap.String("scan_id", sc.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if !applied {
			// The scan finished between the listing and the update.
			continue
		}
		w.bus.Publish(sc.ID, events.Event{
			Type:    events.TypeFailed,
			ScanID:  sc.ID.String(),
			Message: msg,
		})
		telemetry.ObserveScanFinished(string(scan.StatusFailed))
		w.logger.Warn("stuck scan failed by watchdog",
			zap.String("scan_id", sc.ID.String()),
			zap.Time("last_activity", last),
		)
	}
}
