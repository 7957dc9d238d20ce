package scan

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested scan does not exist.
var ErrNotFound = errors.New("scan not found")

// Store is the durable record store for scans. Terminal transitions are
// conditional: implementations must apply them only while the scan is still
// in a non-terminal status and report whether the update took effect, so that
// concurrent finishers (runner, cancellation check, watchdog) resolve to
// exactly one winner.
type Store interface {
	// CreateScan persists a new scan in status queued.
	CreateScan(ctx context.Context, sc *Scan) error
	// GetScan loads a scan fresh from durable storage or returns ErrNotFound.
	GetScan(ctx context.Context, id uuid.UUID) (Scan, error)
	// ListScans returns scans filtered by optional status, newest first.
	ListScans(ctx context.Context, status *Status, limit, offset int) ([]Scan, error)
	// DeleteScan removes a scan and all of its queries and results.
	DeleteScan(ctx context.Context, id uuid.UUID) error

	// MarkRunning performs the queued->running transition, setting started_at.
	// It reports false when the scan was no longer queued.
	MarkRunning(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// UpdateProgress persists the unit counters and ETA and touches
	// last_event_at.
	UpdateProgress(ctx context.Context, id uuid.UUID, completed, total, pct int, etaMillis *int64, etaHuman string, at time.Time) error
	// SetSnapshotFollowers records the once-per-scan follower snapshot.
	SetSnapshotFollowers(ctx context.Context, id uuid.UUID, followers int64, at time.Time) error
	// RequestCancel stamps cancel_requested_at if the scan is not yet
	// terminal. Idempotent; repeated requests keep the first timestamp.
	RequestCancel(ctx context.Context, id uuid.UUID, at time.Time) error
	// FinishScan moves a non-terminal scan into the given terminal status,
	// setting finished_at (and cancelled_at for cancellations) if unset. The
	// returned bool is false when another finisher already won.
	FinishScan(ctx context.Context, id uuid.UUID, status Status, reason ErrorReason, message *string, at time.Time) (bool, error)

	// AppendQuery writes a query and its result rows as one durable write and
	// sets the tracked rank after the rows land.
	AppendQuery(ctx context.Context, q ScanQuery, results []ScanResult) error
	// ListQueries returns the queries of a scan in execution order.
	ListQueries(ctx context.Context, scanID uuid.UUID) ([]ScanQuery, error)
	// ListResults returns the ranked rows of one query, best rank first.
	ListResults(ctx context.Context, queryID uuid.UUID) ([]ScanResult, error)

	// ListStuck returns queued/running scans whose last activity (falling back
	// to updated_at, then created_at) is older than cutoff, oldest first.
	ListStuck(ctx context.Context, cutoff time.Time) ([]Scan, error)
}
