package runner

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rankwatch/rankwatch/internal/events"
	"github.com/rankwatch/rankwatch/internal/scan"
	"github.com/rankwatch/rankwatch/internal/telemetry"
)

// CheckCancellation reads the durable scan record fresh and reports whether
// execution must stop. When a cancellation was requested but not yet applied
// it performs the cancelled transition; the conditional store update makes
// the transition and its event exactly-once under concurrent callers.
func (r *Runner) CheckCancellation(ctx context.Context, scanID uuid.UUID, checkpoint string) bool {
	sc, err := r.store.GetScan(ctx, scanID)
	if err != nil {
		r.logger.Warn("cancellation check failed",
			zap.String("scan_id", scanID.String()),
			zap.String("checkpoint", checkpoint),
			zap.Error(err),
		)
		return false
	}
	if sc.Status.IsTerminal() {
		return true
	}
	if sc.CancelRequestedAt == nil {
		return false
	}

	msg := "scan cancelled"
	applied, err := r.store.FinishScan(ctx, scanID, scan.StatusCancelled, scan.ReasonCancelled, &msg, r.clock.Now())
	if err != nil {
		r.logger.Error("apply cancellation failed",
			zap.String("scan_id", scanID.String()),
			zap.Error(err),
		)
		return true
	}
	if applied {
		r.bus.Publish(scanID, events.Event{
			Type:    events.TypeCancelled,
			ScanID:  scanID.String(),
			Message: msg,
		})
		telemetry.ObserveScanFinished(string(scan.StatusCancelled))
		r.logger.Info("scan cancelled",
			zap.String("scan_id", scanID.String()),
			zap.String("checkpoint", checkpoint),
		)
	}
	return true
}
