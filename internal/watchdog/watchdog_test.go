package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rankwatch/rankwatch/internal/events"
	"github.com/rankwatch/rankwatch/internal/scan"
	"github.com/rankwatch/rankwatch/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time        { return c.now }
func (c fixedClock) Sleep(_ time.Duration) {}

func seedRunning(t *testing.T, store *memory.Store, lastActivity time.Time) uuid.UUID {
	t.Helper()
	sc := &scan.Scan{
		ID:          uuid.New(),
		PlaylistID:  "tracked",
		Countries:   []string{"US"},
		Keywords:    []string{"lofi"},
		Status:      scan.StatusQueued,
		TotalUnits:  1,
		CreatedAt:   lastActivity,
		LastEventAt: lastActivity,
	}
	require.NoError(t, store.CreateScan(context.Background(), sc))
	applied, err := store.MarkRunning(context.Background(), sc.ID, lastActivity)
	require.NoError(t, err)
	require.True(t, applied)
	return sc.ID
}

// TestSweepFailsOnlyStaleScans fails the scan idle past the threshold, leaves
// the recently active one running, and records the observed idle time rather
// than the configured threshold.
func TestSweepFailsOnlyStaleScans(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := memory.New()
	bus := events.NewBus(events.Config{ChannelBuffer: 16, PollInterval: 10 * time.Millisecond, IdleTimeout: time.Minute}, store, nil)

	staleID := seedRunning(t, store, now.Add(-15*time.Minute))
	freshID := seedRunning(t, store, now.Add(-5*time.Minute))
	ch := bus.CreateChannel(staleID)

	w := New(Config{Interval: time.Minute, Stuck: 10 * time.Minute}, store, bus, fixedClock{now: now}, nil)
	w.sweep(context.Background())

	stale, err := store.GetScan(context.Background(), staleID)
	require.NoError(t, err)
	require.Equal(t, scan.StatusFailed, stale.Status)
	require.Equal(t, scan.ReasonStuckNoProgress, stale.ErrorReason)
	require.NotNil(t, stale.ErrorMessage)
	require.Equal(t, "no activity for 15 minutes", *stale.ErrorMessage)

	fresh, err := store.GetScan(context.Background(), freshID)
	require.NoError(t, err)
	require.Equal(t, scan.StatusRunning, fresh.Status)

	select {
	case evt := <-ch:
		require.Equal(t, events.TypeFailed, evt.Type)
		require.Equal(t, staleID.String(), evt.ScanID)
	default:
		t.Fatal("expected a failed event for the stuck scan")
	}
}

// TestSweepSkipsAlreadyFinished leaves a terminal scan alone even when its
// last activity is stale.
func TestSweepSkipsAlreadyFinished(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := memory.New()
	bus := events.NewBus(events.Config{ChannelBuffer: 16, PollInterval: 10 * time.Millisecond, IdleTimeout: time.Minute}, store, nil)

	id := seedRunning(t, store, now.Add(-30*time.Minute))
	msg := "done elsewhere"
	applied, err := store.FinishScan(context.Background(), id, scan.StatusCompleted, scan.ReasonNone, &msg, now.Add(-20*time.Minute))
	require.NoError(t, err)
	require.True(t, applied)

	w := New(Config{Interval: time.Minute, Stuck: 10 * time.Minute}, store, bus, fixedClock{now: now}, nil)
	w.sweep(context.Background())

	sc, err := store.GetScan(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, scan.StatusCompleted, sc.Status)
}

// TestNewClampsConfig keeps the cadence and threshold inside their bounds.
func TestNewClampsConfig(t *testing.T) {
	t.Parallel()

	w := New(Config{Interval: time.Second, Stuck: 0}, memory.New(), nil, fixedClock{}, nil)
	require.Equal(t, 30*time.Second, w.cfg.Interval)
	require.Equal(t, time.Minute, w.cfg.Stuck)

	w = New(Config{Interval: time.Hour, Stuck: 24 * time.Hour}, memory.New(), nil, fixedClock{}, nil)
	require.Equal(t, 5*time.Minute, w.cfg.Interval)
	require.Equal(t, 180*time.Minute, w.cfg.Stuck)
}

// TestRunStopsOnContextCancel returns promptly once ctx is done.
func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	store := memory.New()
	bus := events.NewBus(events.Config{ChannelBuffer: 16, PollInterval: 10 * time.Millisecond, IdleTimeout: time.Minute}, store, nil)
	w := New(Config{Interval: time.Minute, Stuck: 10 * time.Minute}, store, bus, fixedClock{now: time.Now().UTC()}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not stop")
	}
}
