// Package postgres provides the Postgres-backed scan store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rankwatch/rankwatch/internal/scan"
)

// DB is the pool surface the store needs; *pgxpool.Pool satisfies it and so
// does a pgxmock pool in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Store implements scan.Store on Postgres. Terminal transitions are plain
// conditional UPDATEs guarded by the non-terminal statuses, so exactly-once
// semantics hold across processes, not just goroutines.
type Store struct {
	db DB
}

// New connects a pool and returns the store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{db: pool}, nil
}

// NewWithDB constructs a store from an existing pool (primarily for testing).
func NewWithDB(db DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

const scanColumns = `
	id, playlist_id, playlist_url, countries, keywords, status,
	started_at, finished_at, last_event_at, cancel_requested_at, cancelled_at,
	completed_units, total_units, progress_pct, eta_ms, eta_human,
	error_message, error_reason, snapshot_followers, created_at, updated_at`

// CreateScan persists a new scan in status queued.
func (s *Store) CreateScan(ctx context.Context, sc *scan.Scan) error {
	query := `
		INSERT INTO scans (` + scanColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21);
	`
	_, err := s.db.Exec(ctx, query,
		sc.ID,
		sc.PlaylistID,
		sc.PlaylistURL,
		sc.Countries,
		sc.Keywords,
		sc.Status,
		sc.StartedAt,
		sc.FinishedAt,
		sc.LastEventAt,
		sc.CancelRequestedAt,
		sc.CancelledAt,
		sc.CompletedUnits,
		sc.TotalUnits,
		sc.ProgressPct,
		sc.ETAMillis,
		sc.ETAHuman,
		sc.ErrorMessage,
		sc.ErrorReason,
		sc.SnapshotFollowers,
		sc.CreatedAt,
		sc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert scan: %w", err)
	}
	return nil
}

// GetScan loads a scan or returns scan.ErrNotFound.
func (s *Store) GetScan(ctx context.Context, id uuid.UUID) (scan.Scan, error) {
	query := `SELECT ` + scanColumns + ` FROM scans WHERE id = $1;`
	sc, err := scanRow(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.Scan{}, scan.ErrNotFound
		}
		return scan.Scan{}, fmt.Errorf("get scan: %w", err)
	}
	return sc, nil
}

// ListScans returns scans filtered by optional status, newest first.
func (s *Store) ListScans(ctx context.Context, status *scan.Status, limit, offset int) ([]scan.Scan, error) {
	query := `
		SELECT ` + scanColumns + `
		FROM scans
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.db.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	var out []scan.Scan
	for rows.Next() {
		sc, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// DeleteScan removes the scan; queries and results go with it via ON DELETE
// CASCADE.
func (s *Store) DeleteScan(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM scans WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("delete scan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scan.ErrNotFound
	}
	return nil
}

// MarkRunning performs queued->running, reporting whether it applied.
func (s *Store) MarkRunning(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE scans
		SET status = 'running', started_at = $2, last_event_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'queued';
	`
	tag, err := s.db.Exec(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("mark running: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateProgress persists unit counters and touches last_event_at. Terminal
// scans are left untouched.
func (s *Store) UpdateProgress(ctx context.Context, id uuid.UUID, completed, total, pct int, etaMillis *int64, etaHuman string, at time.Time) error {
	query := `
		UPDATE scans
		SET completed_units = $2, total_units = $3, progress_pct = $4,
		    eta_ms = $5, eta_human = $6, last_event_at = $7, updated_at = $7
		WHERE id = $1 AND status IN ('queued', 'running');
	`
	if _, err := s.db.Exec(ctx, query, id, completed, total, pct, etaMillis, etaHuman, at); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// SetSnapshotFollowers records the once-per-scan follower snapshot.
func (s *Store) SetSnapshotFollowers(ctx context.Context, id uuid.UUID, followers int64, at time.Time) error {
	query := `
		UPDATE scans
		SET snapshot_followers = $2, last_event_at = $3, updated_at = $3
		WHERE id = $1 AND status IN ('queued', 'running');
	`
	if _, err := s.db.Exec(ctx, query, id, followers, at); err != nil {
		return fmt.Errorf("set snapshot followers: %w", err)
	}
	return nil
}

// RequestCancel stamps cancel_requested_at once on non-terminal scans.
func (s *Store) RequestCancel(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE scans
		SET cancel_requested_at = COALESCE(cancel_requested_at, $2), updated_at = $2
		WHERE id = $1 AND status IN ('queued', 'running');
	`
	if _, err := s.db.Exec(ctx, query, id, at); err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	return nil
}

// FinishScan applies a terminal transition; the status guard makes it
// exactly-once under concurrent finishers.
func (s *Store) FinishScan(ctx context.Context, id uuid.UUID, status scan.Status, reason scan.ErrorReason, message *string, at time.Time) (bool, error) {
	query := `
		UPDATE scans
		SET status = $2, error_reason = $3, error_message = $4,
		    finished_at = COALESCE(finished_at, $5),
		    cancelled_at = CASE WHEN $2 = 'cancelled' THEN COALESCE(cancelled_at, $5) ELSE cancelled_at END,
		    last_event_at = $5, updated_at = $5
		WHERE id = $1 AND status IN ('queued', 'running');
	`
	tag, err := s.db.Exec(ctx, query, id, status, reason, message, at)
	if err != nil {
		return false, fmt.Errorf("finish scan: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AppendQuery writes the query with its result rows in one transaction and
// touches the scan's last activity.
func (s *Store) AppendQuery(ctx context.Context, q scan.ScanQuery, results []scan.ScanResult) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append query: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO scan_queries (id, scan_id, country, keyword, searched_at, tracked_rank, found_in_top_n)
		VALUES ($1,$2,$3,$4,$5,$6,$7);
	`, q.ID, q.ScanID, q.Country, q.Keyword, q.SearchedAt, q.TrackedRank, q.FoundInTopN)
	if err != nil {
		return fmt.Errorf("insert query: %w", err)
	}

	for _, r := range results {
		_, err = tx.Exec(ctx, `
			INSERT INTO scan_results (
				id, query_id, rank, playlist_id, name, owner, followers,
				track_count, description, url, last_track_added_at, is_tracked
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12);
		`, r.ID, r.QueryID, r.Rank, r.PlaylistID, r.Name, r.Owner, r.Followers,
			r.TrackCount, r.Description, r.URL, r.LastTrackAddedAt, r.IsTracked)
		if err != nil {
			return fmt.Errorf("insert result rank %d: %w", r.Rank, err)
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE scans SET last_event_at = $2, updated_at = $2 WHERE id = $1;
	`, q.ScanID, q.SearchedAt)
	if err != nil {
		return fmt.Errorf("touch scan activity: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append query: %w", err)
	}
	return nil
}

// ListQueries returns the scan's queries in execution order.
func (s *Store) ListQueries(ctx context.Context, scanID uuid.UUID) ([]scan.ScanQuery, error) {
	query := `
		SELECT id, scan_id, country, keyword, searched_at, tracked_rank, found_in_top_n
		FROM scan_queries
		WHERE scan_id = $1
		ORDER BY searched_at ASC;
	`
	rows, err := s.db.Query(ctx, query, scanID)
	if err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}
	defer rows.Close()

	var out []scan.ScanQuery
	for rows.Next() {
		var q scan.ScanQuery
		if err := rows.Scan(&q.ID, &q.ScanID, &q.Country, &q.Keyword, &q.SearchedAt, &q.TrackedRank, &q.FoundInTopN); err != nil {
			return nil, fmt.Errorf("scan query row: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// ListResults returns the ranked rows of one query, best rank first.
func (s *Store) ListResults(ctx context.Context, queryID uuid.UUID) ([]scan.ScanResult, error) {
	query := `
		SELECT id, query_id, rank, playlist_id, name, owner, followers,
		       track_count, description, url, last_track_added_at, is_tracked
		FROM scan_results
		WHERE query_id = $1
		ORDER BY rank ASC;
	`
	rows, err := s.db.Query(ctx, query, queryID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []scan.ScanResult
	for rows.Next() {
		var r scan.ScanResult
		err := rows.Scan(&r.ID, &r.QueryID, &r.Rank, &r.PlaylistID, &r.Name, &r.Owner,
			&r.Followers, &r.TrackCount, &r.Description, &r.URL, &r.LastTrackAddedAt, &r.IsTracked)
		if err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListStuck returns queued/running scans with no activity since cutoff,
// oldest first.
func (s *Store) ListStuck(ctx context.Context, cutoff time.Time) ([]scan.Scan, error) {
	query := `
		SELECT ` + scanColumns + `
		FROM scans
		WHERE status IN ('queued', 'running')
		  AND COALESCE(last_event_at, updated_at, created_at) < $1
		ORDER BY COALESCE(last_event_at, updated_at, created_at) ASC;
	`
	rows, err := s.db.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stuck scans: %w", err)
	}
	defer rows.Close()

	var out []scan.Scan
	for rows.Next() {
		sc, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stuck row: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func scanRow(row pgx.Row) (scan.Scan, error) {
	var sc scan.Scan
	err := row.Scan(
		&sc.ID,
		&sc.PlaylistID,
		&sc.PlaylistURL,
		&sc.Countries,
		&sc.Keywords,
		&sc.Status,
		&sc.StartedAt,
		&sc.FinishedAt,
		&sc.LastEventAt,
		&sc.CancelRequestedAt,
		&sc.CancelledAt,
		&sc.CompletedUnits,
		&sc.TotalUnits,
		&sc.ProgressPct,
		&sc.ETAMillis,
		&sc.ETAHuman,
		&sc.ErrorMessage,
		&sc.ErrorReason,
		&sc.SnapshotFollowers,
		&sc.CreatedAt,
		&sc.UpdatedAt,
	)
	return sc, err
}
