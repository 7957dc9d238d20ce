package events

import (
	"fmt"

	"github.com/rankwatch/rankwatch/internal/scan"
)

// Type denotes the kind of event on a scan's stream.
type Type string

// Supported event types. done, completed_partial, error, cancelled, and
// failed are terminal: a stream ends after delivering one of them.
const (
	TypeProgress         Type = "progress"
	TypeDone             Type = "done"
	TypeCompletedPartial Type = "completed_partial"
	TypeError            Type = "error"
	TypeCancelled        Type = "cancelled"
	TypeFailed           Type = "failed"
)

// Terminal reports whether the type ends a stream.
func (t Type) Terminal() bool {
	switch t {
	case TypeDone, TypeCompletedPartial, TypeError, TypeCancelled, TypeFailed:
		return true
	}
	return false
}

// QueryOutcome is the per-unit rank summary attached to terminal events.
type QueryOutcome struct {
	Country     string `json:"country"`
	Keyword     string `json:"keyword"`
	Rank        *int   `json:"rank"`
	FoundInTopN bool   `json:"found_in_top_n"`
}

// Event is one frame on a scan's stream, serialized as JSON for SSE delivery.
type Event struct {
	Type      Type           `json:"type"`
	ScanID    string         `json:"scan_id"`
	Message   string         `json:"message,omitempty"`
	Step      int            `json:"step,omitempty"`
	Total     int            `json:"total,omitempty"`
	Percent   int            `json:"percent"`
	ETAMillis *int64         `json:"eta_ms,omitempty"`
	ETAHuman  string         `json:"eta_human,omitempty"`
	Results   []QueryOutcome `json:"results,omitempty"`
}

// TerminalFromScan synthesizes the terminal event matching a scan's durable
// terminal status, for subscribers that attached too late to see the live one.
func TerminalFromScan(sc *scan.Scan) Event {
	evt := Event{
		ScanID:  sc.ID.String(),
		Percent: sc.ProgressPct,
		Step:    sc.CompletedUnits,
		Total:   sc.TotalUnits,
	}
	if sc.ErrorMessage != nil {
		evt.Message = *sc.ErrorMessage
	}
	switch sc.Status {
	case scan.StatusCompleted:
		evt.Type = TypeDone
	case scan.StatusCompletedPartial:
		evt.Type = TypeCompletedPartial
	case scan.StatusCancelled:
		evt.Type = TypeCancelled
	case scan.StatusFailed:
		if sc.ErrorReason == scan.ReasonStuckNoProgress {
			evt.Type = TypeFailed
		} else {
			evt.Type = TypeError
		}
	default:
		evt.Type = TypeError
		evt.Message = fmt.Sprintf("scan in unexpected status %q", sc.Status)
	}
	return evt
}
