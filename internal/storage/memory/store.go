// Package memory provides an in-memory scan.Store used by tests and for
// running the service without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rankwatch/rankwatch/internal/scan"
)

// Store keeps scans and their query/result rows in process memory. All
// methods are safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	scans   map[uuid.UUID]*scan.Scan
	queries map[uuid.UUID][]scan.ScanQuery
	results map[uuid.UUID][]scan.ScanResult
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		scans:   make(map[uuid.UUID]*scan.Scan),
		queries: make(map[uuid.UUID][]scan.ScanQuery),
		results: make(map[uuid.UUID][]scan.ScanResult),
	}
}

// CreateScan persists a new scan.
func (s *Store) CreateScan(_ context.Context, sc *scan.Scan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneScan(sc)
	s.scans[sc.ID] = &cp
	return nil
}

// GetScan returns a copy of the stored scan or scan.ErrNotFound.
func (s *Store) GetScan(_ context.Context, id uuid.UUID) (scan.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[id]
	if !ok {
		return scan.Scan{}, scan.ErrNotFound
	}
	return cloneScan(sc), nil
}

// ListScans returns scans filtered by optional status, newest first.
func (s *Store) ListScans(_ context.Context, status *scan.Status, limit, offset int) ([]scan.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []scan.Scan
	for _, sc := range s.scans {
		if status != nil && sc.Status != *status {
			continue
		}
		out = append(out, cloneScan(sc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteScan removes the scan and its child rows.
func (s *Store) DeleteScan(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scans[id]; !ok {
		return scan.ErrNotFound
	}
	for _, q := range s.queries[id] {
		delete(s.results, q.ID)
	}
	delete(s.queries, id)
	delete(s.scans, id)
	return nil
}

// MarkRunning performs queued->running, reporting whether it applied.
func (s *Store) MarkRunning(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[id]
	if !ok {
		return false, scan.ErrNotFound
	}
	if sc.Status != scan.StatusQueued {
		return false, nil
	}
	sc.Status = scan.StatusRunning
	sc.StartedAt = &at
	sc.LastEventAt = at
	sc.UpdatedAt = at
	return true, nil
}

// UpdateProgress persists unit counters and touches last_event_at.
func (s *Store) UpdateProgress(_ context.Context, id uuid.UUID, completed, total, pct int, etaMillis *int64, etaHuman string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[id]
	if !ok {
		return scan.ErrNotFound
	}
	sc.CompletedUnits = completed
	sc.TotalUnits = total
	sc.ProgressPct = pct
	sc.ETAMillis = etaMillis
	sc.ETAHuman = etaHuman
	sc.LastEventAt = at
	sc.UpdatedAt = at
	return nil
}

// SetSnapshotFollowers records the follower snapshot.
func (s *Store) SetSnapshotFollowers(_ context.Context, id uuid.UUID, followers int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[id]
	if !ok {
		return scan.ErrNotFound
	}
	sc.SnapshotFollowers = &followers
	sc.LastEventAt = at
	sc.UpdatedAt = at
	return nil
}

// RequestCancel stamps cancel_requested_at once on non-terminal scans.
func (s *Store) RequestCancel(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[id]
	if !ok {
		return scan.ErrNotFound
	}
	if sc.Status.IsTerminal() || sc.CancelRequestedAt != nil {
		return nil
	}
	sc.CancelRequestedAt = &at
	sc.LastEventAt = at
	sc.UpdatedAt = at
	return nil
}

// FinishScan applies a terminal transition once; later callers get false.
func (s *Store) FinishScan(_ context.Context, id uuid.UUID, status scan.Status, reason scan.ErrorReason, message *string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[id]
	if !ok {
		return false, scan.ErrNotFound
	}
	if sc.Status.IsTerminal() {
		return false, nil
	}
	sc.Status = status
	sc.ErrorReason = reason
	sc.ErrorMessage = message
	if sc.FinishedAt == nil {
		sc.FinishedAt = &at
	}
	if status == scan.StatusCancelled && sc.CancelledAt == nil {
		sc.CancelledAt = &at
	}
	sc.LastEventAt = at
	sc.UpdatedAt = at
	return true, nil
}

// AppendQuery stores the query with its rows and sets the tracked rank.
func (s *Store) AppendQuery(_ context.Context, q scan.ScanQuery, results []scan.ScanResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[q.ScanID]
	if !ok {
		return scan.ErrNotFound
	}
	s.queries[q.ScanID] = append(s.queries[q.ScanID], q)
	s.results[q.ID] = append([]scan.ScanResult(nil), results...)
	sc.LastEventAt = q.SearchedAt
	sc.UpdatedAt = q.SearchedAt
	return nil
}

// ListQueries returns the scan's queries in insertion order.
func (s *Store) ListQueries(_ context.Context, scanID uuid.UUID) ([]scan.ScanQuery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scan.ScanQuery(nil), s.queries[scanID]...), nil
}

// ListResults returns the result rows of one query.
func (s *Store) ListResults(_ context.Context, queryID uuid.UUID) ([]scan.ScanResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scan.ScanResult(nil), s.results[queryID]...), nil
}

// ListStuck returns queued/running scans with no activity since cutoff,
// oldest first.
func (s *Store) ListStuck(_ context.Context, cutoff time.Time) ([]scan.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []scan.Scan
	for _, sc := range s.scans {
		if sc.Status != scan.StatusQueued && sc.Status != scan.StatusRunning {
			continue
		}
		if lastActivity(sc).Before(cutoff) {
			out = append(out, cloneScan(sc))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		return lastActivity(&a).Before(lastActivity(&b))
	})
	return out, nil
}

func lastActivity(sc *scan.Scan) time.Time {
	if !sc.LastEventAt.IsZero() {
		return sc.LastEventAt
	}
	if !sc.UpdatedAt.IsZero() {
		return sc.UpdatedAt
	}
	return sc.CreatedAt
}

func cloneScan(sc *scan.Scan) scan.Scan {
	cp := *sc
	cp.Countries = append([]string(nil), sc.Countries...)
	cp.Keywords = append([]string(nil), sc.Keywords...)
	return cp
}
