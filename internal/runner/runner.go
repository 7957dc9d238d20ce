// Package runner drives a scan from queued to a terminal status: it walks the
// country x keyword matrix, calls the catalog API, resolves the tracked
// playlist's rank per query, and publishes live progress.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rankwatch/rankwatch/internal/catalog"
	"github.com/rankwatch/rankwatch/internal/events"
	"github.com/rankwatch/rankwatch/internal/prefetch"
	"github.com/rankwatch/rankwatch/internal/progress"
	"github.com/rankwatch/rankwatch/internal/scan"
	"github.com/rankwatch/rankwatch/internal/telemetry"
)

// Cancellation checkpoints. Cancellation is cooperative: it is observed at
// exactly these points, so an in-flight catalog call always runs to
// completion first.
const (
	checkpointLoopStart     = "loop_start"
	checkpointAfterSearch   = "after_search"
	checkpointAfterPrefetch = "after_prefetch"
)

const defaultTopN = 20

// CatalogFactory opens per-scan catalog sessions.
type CatalogFactory interface {
	NewSession() catalog.API
}

// Config tunes the runner.
type Config struct {
	// TopN is how many of the fetched hits are kept and ranked per query.
	TopN int
}

// Runner executes scans. One Runner serves the whole process; each scan runs
// on its own goroutine started by Start.
type Runner struct {
	store      scan.Store
	bus        *events.Bus
	catalog    CatalogFactory
	prefetcher *prefetch.Prefetcher
	clock      scan.Clock
	ids        scan.IDGenerator
	logger     *zap.Logger
	cfg        Config
}

// New constructs a Runner.
func New(
	store scan.Store,
	bus *events.Bus,
	factory CatalogFactory,
	prefetcher *prefetch.Prefetcher,
	clock scan.Clock,
	ids scan.IDGenerator,
	logger *zap.Logger,
	cfg Config,
) *Runner {
	if cfg.TopN <= 0 {
		cfg.TopN = defaultTopN
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		store:      store,
		bus:        bus,
		catalog:    factory,
		prefetcher: prefetcher,
		clock:      clock,
		ids:        ids,
		logger:     logger,
		cfg:        cfg,
	}
}

// Start launches the scan on its own supervised goroutine. The caller does
// not block on completion; a panic inside the execution is recovered,
// converted into the failed terminal transition, and logged.
func (r *Runner) Start(scanID uuid.UUID) {
	go func() {
		telemetry.ScanStarted()
		defer telemetry.ScanEnded()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("scan execution panicked",
					zap.String("scan_id", scanID.String()),
					zap.Any("panic", rec),
				)
				msg := fmt.Sprintf("internal error: %v", rec)
				r.finishFailed(context.Background(), scanID, scan.ReasonException, msg)
			}
		}()
		if err := r.Execute(context.Background(), scanID); err != nil {
			r.logger.Error("scan execution failed",
				zap.String("scan_id", scanID.String()),
				zap.Error(err),
			)
		}
	}()
}

// Execute runs the scan synchronously to its terminal status.
func (r *Runner) Execute(ctx context.Context, scanID uuid.UUID) error {
	sc, err := r.store.GetScan(ctx, scanID)
	if err != nil {
		return fmt.Errorf("load scan: %w", err)
	}

	started := r.clock.Now()
	applied, err := r.store.MarkRunning(ctx, scanID, started)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if !applied {
		r.logger.Info("scan no longer queued, skipping execution",
			zap.String("scan_id", scanID.String()),
			zap.String("status", string(sc.Status)),
		)
		return nil
	}

	totalUnits := sc.Units()
	if err := r.store.UpdateProgress(ctx, scanID, 0, totalUnits, 0, nil, "", started); err != nil {
		return fmt.Errorf("persist initial progress: %w", err)
	}

	sess := r.catalog.NewSession()
	if err := sess.Authenticate(ctx); err != nil {
		r.finishFailed(ctx, scanID, scan.ReasonException, fmt.Sprintf("authenticate: %v", err))
		return nil
	}

	trackedID, cache, ok := r.resolveSubject(ctx, scanID, &sc, sess)
	if !ok {
		return nil
	}

	var (
		skipped      int
		totalResults int
		step         int
		outcomes     []events.QueryOutcome
	)

	for _, country := range sc.Countries {
		for _, keyword := range sc.Keywords {
			step++

			if r.CheckCancellation(ctx, scanID, checkpointLoopStart) {
				return nil
			}

			est := progress.Compute(started, step-1, totalUnits, r.clock.Now())
			if err := r.store.UpdateProgress(ctx, scanID, step-1, totalUnits, est.Pct, est.ETAMillis, est.ETAHuman, r.clock.Now()); err != nil {
				r.finishFailed(ctx, scanID, scan.ReasonException, fmt.Sprintf("persist progress: %v", err))
				return nil
			}
			r.bus.Publish(scanID, events.Event{
				Type:      events.TypeProgress,
				ScanID:    scanID.String(),
				Message:   fmt.Sprintf("searching %s for %q", country, keyword),
				Step:      step,
				Total:     totalUnits,
				Percent:   est.Pct,
				ETAMillis: est.ETAMillis,
				ETAHuman:  est.ETAHuman,
			})

			hits, err := sess.SearchPlaylists(ctx, country, keyword)
			if err != nil {
				if isFatal(err) {
					r.finishFailed(ctx, scanID, scan.ReasonException, fmt.Sprintf("search %s/%q: %v", country, keyword, err))
					return nil
				}
				skipped++
				r.logger.Warn("search iteration skipped",
					zap.String("scan_id", scanID.String()),
					zap.String("country", country),
					zap.String("keyword", keyword),
					zap.Error(err),
				)
				continue
			}

			if r.CheckCancellation(ctx, scanID, checkpointAfterSearch) {
				return nil
			}

			if len(hits) > r.cfg.TopN {
				hits = hits[:r.cfg.TopN]
			}
			ids := make([]string, 0, len(hits))
			for _, hit := range hits {
				ids = append(ids, hit.ID)
			}
			r.prefetcher.Prefetch(ctx, sess, cache, ids)

			if r.CheckCancellation(ctx, scanID, checkpointAfterPrefetch) {
				return nil
			}

			rank := rankOf(hits, trackedID)
			outcome := events.QueryOutcome{
				Country:     country,
				Keyword:     keyword,
				Rank:        rank,
				FoundInTopN: rank != nil,
			}

			query, results := r.buildRows(scanID, country, keyword, hits, cache, trackedID, rank)
			if err := r.store.AppendQuery(ctx, query, results); err != nil {
				r.finishFailed(ctx, scanID, scan.ReasonException, fmt.Sprintf("persist query %s/%q: %v", country, keyword, err))
				return nil
			}
			totalResults += len(results)
			outcomes = append(outcomes, outcome)
		}
	}

	r.finalize(ctx, scanID, started, totalUnits, skipped, totalResults, outcomes)
	return nil
}

// resolveSubject determines the tracked playlist ID, captures the follower
// snapshot, and seeds the metadata cache. ok is false when the scan was
// finished here.
func (r *Runner) resolveSubject(ctx context.Context, scanID uuid.UUID, sc *scan.Scan, sess catalog.API) (string, *prefetch.Cache, bool) {
	trackedID := sc.PlaylistID
	if trackedID == "" {
		id, err := catalog.ResolvePlaylistID(sc.PlaylistURL)
		if err != nil {
			r.finishFailed(ctx, scanID, scan.ReasonPlaylistMissing, fmt.Sprintf("resolve tracked playlist: %v", err))
			return "", nil, false
		}
		trackedID = id
	}

	meta, err := sess.GetPlaylist(ctx, trackedID)
	if err != nil {
		if errors.Is(err, catalog.ErrPlaylistNotFound) {
			r.finishFailed(ctx, scanID, scan.ReasonPlaylistMissing, fmt.Sprintf("tracked playlist %s not found", trackedID))
		} else {
			r.finishFailed(ctx, scanID, scan.ReasonException, fmt.Sprintf("load tracked playlist: %v", err))
		}
		return "", nil, false
	}

	if meta.Followers != nil {
		if err := r.store.SetSnapshotFollowers(ctx, scanID, *meta.Followers, r.clock.Now()); err != nil {
			r.logger.Warn("persist follower snapshot failed",
				zap.String("scan_id", scanID.String()),
				zap.Error(err),
			)
		}
	}

	cache := prefetch.NewCache()
	cache.Put(meta)
	return trackedID, cache, true
}

func (r *Runner) buildRows(
	scanID uuid.UUID,
	country, keyword string,
	hits []catalog.Playlist,
	cache *prefetch.Cache,
	trackedID string,
	rank *int,
) (scan.ScanQuery, []scan.ScanResult) {
	now := r.clock.Now()
	query := scan.ScanQuery{
		ID:          r.ids.New(),
		ScanID:      scanID,
		Country:     country,
		Keyword:     keyword,
		SearchedAt:  now,
		TrackedRank: rank,
		FoundInTopN: rank != nil,
	}
	results := make([]scan.ScanResult, 0, len(hits))
	for i, hit := range hits {
		row := scan.ScanResult{
			ID:               r.ids.New(),
			QueryID:          query.ID,
			Rank:             i + 1,
			PlaylistID:       hit.ID,
			Name:             hit.Name,
			Owner:            hit.Owner,
			Followers:        hit.Followers,
			TrackCount:       hit.TrackCount,
			Description:      hit.Description,
			URL:              hit.URL,
			LastTrackAddedAt: hit.LastTrackAddedAt,
			IsTracked:        hit.ID == trackedID,
		}
		// Search hits can be sparse; the prefetched detail entry fills the
		// gaps.
		if meta, ok := cache.Get(hit.ID); ok && meta.Resolved {
			if row.Followers == nil {
				row.Followers = meta.Followers
			}
			if row.TrackCount == nil {
				row.TrackCount = meta.TrackCount
			}
			if row.LastTrackAddedAt == nil {
				row.LastTrackAddedAt = meta.LastTrackAddedAt
			}
			if row.Description == "" {
				row.Description = meta.Description
			}
			if row.URL == "" {
				row.URL = meta.URL
			}
		}
		results = append(results, row)
	}
	return query, results
}

// finalize derives the terminal status from the skip and result counters and
// publishes the terminal event if this goroutine wins the transition.
func (r *Runner) finalize(
	ctx context.Context,
	scanID uuid.UUID,
	started time.Time,
	totalUnits, skipped, totalResults int,
	outcomes []events.QueryOutcome,
) {
	now := r.clock.Now()
	est := progress.Compute(started, totalUnits, totalUnits, now)
	if err := r.store.UpdateProgress(ctx, scanID, totalUnits, totalUnits, est.Pct, est.ETAMillis, est.ETAHuman, now); err != nil {
		r.logger.Warn("persist final progress failed",
			zap.String("scan_id", scanID.String()),
			zap.Error(err),
		)
	}

	status := scan.StatusCompleted
	reason := scan.ReasonNone
	var message *string
	eventType := events.TypeDone
	switch {
	case skipped > 0 && totalResults > 0:
		status = scan.StatusCompletedPartial
		eventType = events.TypeCompletedPartial
		msg := fmt.Sprintf("%d of %d iterations skipped", skipped, totalUnits)
		message = &msg
	case skipped > 0:
		status = scan.StatusFailed
		reason = scan.ReasonException
		eventType = events.TypeError
		msg := fmt.Sprintf("all %d iterations skipped, no results", skipped)
		message = &msg
	}

	applied, err := r.store.FinishScan(ctx, scanID, status, reason, message, now)
	if err != nil {
		r.logger.Error("persist terminal status failed",
			zap.String("scan_id", scanID.String()),
			zap.Error(err),
		)
		return
	}
	if !applied {
		// Another finisher (cancellation, watchdog) already won.
		r.logger.Info("scan already finished elsewhere",
			zap.String("scan_id", scanID.String()),
		)
		return
	}

	evt := events.Event{
		Type:    eventType,
		ScanID:  scanID.String(),
		Step:    totalUnits,
		Total:   totalUnits,
		Percent: est.Pct,
		Results: outcomes,
	}
	if message != nil {
		evt.Message = *message
	}
	r.bus.Publish(scanID, evt)
	telemetry.ObserveScanFinished(string(status))

	r.logger.Info("scan finished",
		zap.String("scan_id", scanID.String()),
		zap.String("status", string(status)),
		zap.Duration("duration", now.Sub(started)),
		zap.Int("total_units", totalUnits),
		zap.Int("skipped", skipped),
		zap.Int("results", totalResults),
	)
}

// finishFailed applies the failed terminal transition and publishes the error
// event when this caller wins it.
func (r *Runner) finishFailed(ctx context.Context, scanID uuid.UUID, reason scan.ErrorReason, message string) {
	now := r.clock.Now()
	applied, err := r.store.FinishScan(ctx, scanID, scan.StatusFailed, reason, &message, now)
	if err != nil {
		r.logger.Error("persist failed status failed",
			zap.String("scan_id", scanID.String()),
			zap.Error(err),
		)
		return
	}
	if !applied {
		return
	}
	r.bus.Publish(scanID, events.Event{
		Type:    events.TypeError,
		ScanID:  scanID.String(),
		Message: message,
	})
	telemetry.ObserveScanFinished(string(scan.StatusFailed))
	r.logger.Warn("scan failed",
		zap.String("scan_id", scanID.String()),
		zap.String("reason", string(reason)),
		zap.String("message", message),
	)
}

func rankOf(hits []catalog.Playlist, trackedID string) *int {
	for i, hit := range hits {
		if hit.ID == trackedID {
			rank := i + 1
			return &rank
		}
	}
	return nil
}

func isFatal(err error) bool {
	return errors.Is(err, catalog.ErrRateLimited) || errors.Is(err, catalog.ErrUnauthorized)
}
