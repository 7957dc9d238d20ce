// Package system exercises the real-time clock adapter.
package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestClockNowUTC ensures the clock returns UTC timestamps.
func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.False(t, got.Before(before))
	require.False(t, got.After(after))
}

// TestClockSleep checks Sleep blocks for roughly the requested duration.
func TestClockSleep(t *testing.T) {
	t.Parallel()

	clk := New()
	start := time.Now()
	clk.Sleep(10 * time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}
