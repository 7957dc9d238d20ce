package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/rankwatch/rankwatch/internal/scan"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewWithDB(mock), mock
}

func TestMarkRunningAppliesOnce(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	id := uuid.New()
	at := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("UPDATE scans").
		WithArgs(id, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE scans").
		WithArgs(id, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	applied, err := store.MarkRunning(context.Background(), id, at)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = store.MarkRunning(context.Background(), id, at)
	require.NoError(t, err)
	require.False(t, applied)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishScanReportsLostRace(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	id := uuid.New()
	at := time.Unix(1700000000, 0).UTC()
	msg := "scan cancelled"

	mock.ExpectExec("UPDATE scans").
		WithArgs(id, scan.StatusCancelled, scan.ReasonCancelled, &msg, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	applied, err := store.FinishScan(context.Background(), id, scan.StatusCancelled, scan.ReasonCancelled, &msg, at)
	require.NoError(t, err)
	require.False(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetScanNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM scans").
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetScan(context.Background(), id)
	require.ErrorIs(t, err, scan.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetScanRoundTrip(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	id := uuid.New()
	now := time.Unix(1700000000, 0).UTC()
	started := now.Add(time.Second)
	eta := int64(4200)
	followers := int64(9001)

	rows := pgxmock.NewRows([]string{
		"id", "playlist_id", "playlist_url", "countries", "keywords", "status",
		"started_at", "finished_at", "last_event_at", "cancel_requested_at", "cancelled_at",
		"completed_units", "total_units", "progress_pct", "eta_ms", "eta_human",
		"error_message", "error_reason", "snapshot_followers", "created_at", "updated_at",
	}).AddRow(
		id, "tracked", "", []string{"US", "DE"}, []string{"lofi"}, scan.StatusRunning,
		&started, (*time.Time)(nil), started, (*time.Time)(nil), (*time.Time)(nil),
		1, 2, 50, &eta, "4s",
		(*string)(nil), scan.ReasonNone, &followers, now, started,
	)
	mock.ExpectQuery("SELECT (.+) FROM scans").WithArgs(id).WillReturnRows(rows)

	sc, err := store.GetScan(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, id, sc.ID)
	require.Equal(t, scan.StatusRunning, sc.Status)
	require.Equal(t, []string{"US", "DE"}, sc.Countries)
	require.Equal(t, 50, sc.ProgressPct)
	require.NotNil(t, sc.ETAMillis)
	require.Equal(t, eta, *sc.ETAMillis)
	require.NotNil(t, sc.SnapshotFollowers)
	require.Equal(t, followers, *sc.SnapshotFollowers)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendQueryCommitsOneTransaction(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	scanID := uuid.New()
	now := time.Unix(1700000000, 0).UTC()
	rank := 2
	q := scan.ScanQuery{
		ID:          uuid.New(),
		ScanID:      scanID,
		Country:     "US",
		Keyword:     "lofi",
		SearchedAt:  now,
		TrackedRank: &rank,
		FoundInTopN: true,
	}
	results := []scan.ScanResult{
		{ID: uuid.New(), QueryID: q.ID, Rank: 1, PlaylistID: "a", Name: "A"},
		{ID: uuid.New(), QueryID: q.ID, Rank: 2, PlaylistID: "tracked", Name: "T", IsTracked: true},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO scan_queries").
		WithArgs(q.ID, q.ScanID, q.Country, q.Keyword, q.SearchedAt, q.TrackedRank, q.FoundInTopN).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	for _, r := range results {
		mock.ExpectExec("INSERT INTO scan_results").
			WithArgs(r.ID, r.QueryID, r.Rank, r.PlaylistID, r.Name, r.Owner, r.Followers,
				r.TrackCount, r.Description, r.URL, r.LastTrackAddedAt, r.IsTracked).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectExec("UPDATE scans").
		WithArgs(scanID, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, store.AppendQuery(context.Background(), q, results))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendQueryRollsBackOnError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	q := scan.ScanQuery{ID: uuid.New(), ScanID: uuid.New(), Country: "US", Keyword: "lofi", SearchedAt: time.Now().UTC()}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO scan_queries").
		WithArgs(q.ID, q.ScanID, q.Country, q.Keyword, q.SearchedAt, q.TrackedRank, q.FoundInTopN).
		WillReturnError(errors.New("duplicate key"))
	mock.ExpectRollback()

	err := store.AppendQuery(context.Background(), q, nil)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteScanNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec("DELETE FROM scans").
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.ErrorIs(t, store.DeleteScan(context.Background(), id), scan.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListStuckReturnsOldestFirst(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	cutoff := time.Unix(1700000000, 0).UTC()
	oldID := uuid.New()
	newID := uuid.New()

	rows := pgxmock.NewRows([]string{
		"id", "playlist_id", "playlist_url", "countries", "keywords", "status",
		"started_at", "finished_at", "last_event_at", "cancel_requested_at", "cancelled_at",
		"completed_units", "total_units", "progress_pct", "eta_ms", "eta_human",
		"error_message", "error_reason", "snapshot_followers", "created_at", "updated_at",
	})
	for _, id := range []uuid.UUID{oldID, newID} {
		rows.AddRow(
			id, "tracked", "", []string{"US"}, []string{"lofi"}, scan.StatusRunning,
			(*time.Time)(nil), (*time.Time)(nil), cutoff.Add(-time.Hour), (*time.Time)(nil), (*time.Time)(nil),
			0, 1, 0, (*int64)(nil), "",
			(*string)(nil), scan.ReasonNone, (*int64)(nil), cutoff.Add(-2*time.Hour), cutoff.Add(-time.Hour),
		)
	}
	mock.ExpectQuery("SELECT (.+) FROM scans").WithArgs(cutoff).WillReturnRows(rows)

	stuck, err := store.ListStuck(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, stuck, 2)
	require.Equal(t, oldID, stuck[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
