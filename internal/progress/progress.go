// Package progress computes completion percentage and remaining-time
// estimates for a running scan.
package progress

import (
	"fmt"
	"math"
	"time"
)

// Estimate is the progress snapshot persisted with each unit and published on
// the event stream.
type Estimate struct {
	// Pct is the rounded completion percentage, 0-100.
	Pct int
	// ETAMillis is the estimated remaining wall-clock time in milliseconds.
	// Nil while no unit has completed yet or no time has elapsed.
	ETAMillis *int64
	// ETAHuman is ETAMillis rendered for display, empty when unknown.
	ETAHuman string
}

// Compute derives the estimate from elapsed time and unit counts. The average
// time per completed unit is extrapolated over the remaining units.
func Compute(startedAt time.Time, completed, total int, now time.Time) Estimate {
	if total < 1 {
		total = 1
	}
	est := Estimate{Pct: pct(completed, total)}

	elapsed := now.Sub(startedAt)
	if completed <= 0 || elapsed <= 0 {
		return est
	}
	avgPerUnit := float64(elapsed) / float64(completed)
	remaining := time.Duration(avgPerUnit * float64(total-completed))
	if remaining < 0 {
		remaining = 0
	}
	ms := remaining.Milliseconds()
	est.ETAMillis = &ms
	est.ETAHuman = Humanize(remaining)
	return est
}

// Humanize renders a duration as "Ns", "Mm Ss", or "Hh Mm".
func Humanize(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d.Round(time.Second) / time.Second)
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm %ds", secs/60, secs%60)
	default:
		return fmt.Sprintf("%dh %dm", secs/3600, (secs%3600)/60)
	}
}

func pct(completed, total int) int {
	if completed < 0 {
		completed = 0
	}
	if completed > total {
		completed = total
	}
	return int(math.Round(100 * float64(completed) / float64(total)))
}
