// Package scan defines the domain model shared by the scan runner, the
// watchdog, the event bus, and the persistence layer.
package scan

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Scan. Transitions are monotonic: once a
// terminal status is persisted the scan never changes again.
type Status string

// Scan statuses persisted in scans.status.
const (
	StatusQueued           Status = "queued"
	StatusRunning          Status = "running"
	StatusCompleted        Status = "completed"
	StatusCompletedPartial Status = "completed_partial"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedPartial, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ErrorReason classifies why a scan ended unsuccessfully.
type ErrorReason string

// Error reasons persisted in scans.error_reason.
const (
	ReasonNone            ErrorReason = ""
	ReasonValidation      ErrorReason = "validation"
	ReasonException       ErrorReason = "exception"
	ReasonCancelled       ErrorReason = "cancelled"
	ReasonStuckNoProgress ErrorReason = "stuck_no_progress"
	ReasonPlaylistMissing ErrorReason = "tracked_subject_missing"
)

// Scan is one execution of the country x keyword search matrix for a tracked
// playlist. It is mutated only by the runner, the cancellation check, and the
// watchdog.
type Scan struct {
	ID uuid.UUID
	// PlaylistID identifies the tracked playlist in the catalog. Either it or
	// PlaylistURL must be set; when only the URL is given the ID is resolved
	// from it before the first iteration.
	PlaylistID  string
	PlaylistURL string
	// Countries and Keywords form the scan matrix in the order given at
	// creation; iteration order is countries outer, keywords inner.
	Countries []string
	Keywords  []string

	Status Status

	StartedAt  *time.Time
	FinishedAt *time.Time
	// LastEventAt is touched on every meaningful mutation; the watchdog uses
	// it to detect scans that stopped making progress.
	LastEventAt       time.Time
	CancelRequestedAt *time.Time
	CancelledAt       *time.Time

	CompletedUnits int
	TotalUnits     int
	ProgressPct    int
	ETAMillis      *int64
	ETAHuman       string

	ErrorMessage *string
	ErrorReason  ErrorReason

	// SnapshotFollowers is the tracked playlist's follower count captured once
	// per scan, when the subject is resolved.
	SnapshotFollowers *int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Units returns the matrix size, floored at one so progress math never
// divides by zero.
func (s *Scan) Units() int {
	n := len(s.Countries) * len(s.Keywords)
	if n < 1 {
		return 1
	}
	return n
}

// ScanQuery records one (country, keyword) search. After creation only
// TrackedRank is set, once the result rows have been written.
type ScanQuery struct {
	ID          uuid.UUID
	ScanID      uuid.UUID
	Country     string
	Keyword     string
	SearchedAt  time.Time
	TrackedRank *int
	FoundInTopN bool
}

// ScanResult is one ranked playlist returned for a query. Rows are children
// of exactly one ScanQuery and are deleted with the parent scan.
type ScanResult struct {
	ID               uuid.UUID
	QueryID          uuid.UUID
	Rank             int
	PlaylistID       string
	Name             string
	Owner            string
	Followers        *int64
	TrackCount       *int
	Description      string
	URL              string
	LastTrackAddedAt *time.Time
	IsTracked        bool
}

// Metadata holds playlist enrichment fetched once per scan and reused across
// every query in that scan. A failed fetch still produces an entry so one
// playlist cannot stall the batch; Resolved is false in that case.
type Metadata struct {
	PlaylistID       string
	Name             string
	Owner            string
	Followers        *int64
	TrackCount       *int
	Description      string
	URL              string
	LastTrackAddedAt *time.Time
	Resolved         bool
}

// Clock abstracts wall time and sleeping so pacing and ETA logic can run on
// fake time in tests.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// IDGenerator mints scan and row identifiers.
type IDGenerator interface {
	New() uuid.UUID
}
