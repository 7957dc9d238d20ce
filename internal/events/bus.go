// Package events carries live scan progress from the runner to at most one
// streaming consumer per scan.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rankwatch/rankwatch/internal/scan"
)

const (
	defaultChannelBuffer = 64
	defaultPollInterval  = time.Second
	defaultIdleTimeout   = 900 * time.Second
)

// Config tunes the Bus. Zero values fall back to defaults.
type Config struct {
	// ChannelBuffer is the per-scan channel capacity.
	ChannelBuffer int
	// PollInterval is how often Stream wakes up to check the idle deadline.
	PollInterval time.Duration
	// IdleTimeout ends a stream that saw no events for this long.
	IdleTimeout time.Duration
}

// Bus is a per-scan publish/subscribe channel. Publishing is best-effort:
// events published while no channel exists, or while the consumer is not
// keeping up, are dropped.
type Bus struct {
	cfg      Config
	mu       sync.Mutex
	channels map[uuid.UUID]chan Event
	store    scan.Store
	logger   *zap.Logger
}

// NewBus creates a Bus. store may be nil; when set it is used to synthesize a
// terminal event for subscribers that attach after the scan already finished.
func NewBus(cfg Config, store scan.Store, logger *zap.Logger) *Bus {
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = defaultChannelBuffer
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		cfg:      cfg,
		channels: make(map[uuid.UUID]chan Event),
		store:    store,
		logger:   logger,
	}
}

// CreateChannel installs a fresh delivery channel for the scan, replacing any
// previous one. The displaced consumer keeps its reference and simply stops
// receiving; it ends on its own idle deadline.
func (b *Bus) CreateChannel(scanID uuid.UUID) chan Event {
	ch := make(chan Event, b.cfg.ChannelBuffer)
	b.mu.Lock()
	b.channels[scanID] = ch
	b.mu.Unlock()
	return ch
}

// Publish delivers an event to the scan's channel without blocking. Events
// are dropped when no channel exists or the buffer is full.
func (b *Bus) Publish(scanID uuid.UUID, evt Event) {
	b.mu.Lock()
	ch := b.channels[scanID]
	b.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- evt:
	default:
		b.logger.Debug("event dropped, consumer not keeping up",
			zap.String("scan_id", scanID.String()),
			zap.String("type", string(evt.Type)),
		)
	}
	if evt.Type.Terminal() {
		// Nothing follows a terminal event, so the map entry must not outlive
		// the scan. An attached consumer keeps its channel reference and still
		// drains the buffered event; anyone attaching later gets the terminal
		// event synthesized from the durable record.
		b.releaseChannel(scanID, ch)
	}
}

// Drop removes the scan's channel, if any.
func (b *Bus) Drop(scanID uuid.UUID) {
	b.mu.Lock()
	delete(b.channels, scanID)
	b.mu.Unlock()
}

// Stream returns a finite sequence of events for one consumer. The sequence
// ends after the first terminal event, after the idle timeout (yielding one
// synthesized error event), or when ctx is cancelled. A subscriber attaching
// after the scan already reached a terminal durable status receives the
// terminal event synthesized from the record instead of hanging.
func (b *Bus) Stream(ctx context.Context, scanID uuid.UUID) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		b.stream(ctx, scanID, out)
	}()
	return out
}

func (b *Bus) stream(ctx context.Context, scanID uuid.UUID, out chan<- Event) {
	if b.store != nil {
		if sc, err := b.store.GetScan(ctx, scanID); err == nil && sc.Status.IsTerminal() {
			// The scan is already over; any channel left behind for it would
			// never be consumed.
			b.Drop(scanID)
			b.deliver(ctx, out, TerminalFromScan(&sc))
			return
		}
	}

	b.mu.Lock()
	ch, ok := b.channels[scanID]
	b.mu.Unlock()
	if !ok {
		ch = b.CreateChannel(scanID)
	}
	defer b.releaseChannel(scanID, ch)

	idleDeadline := time.Now().Add(b.cfg.IdleTimeout)
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-ch:
			if !b.deliver(ctx, out, evt) {
				return
			}
			if evt.Type.Terminal() {
				return
			}
			idleDeadline = time.Now().Add(b.cfg.IdleTimeout)
		case <-time.After(b.cfg.PollInterval):
			if time.Now().After(idleDeadline) {
				b.logger.Warn("event stream idle timeout",
					zap.String("scan_id", scanID.String()),
					zap.Duration("idle_timeout", b.cfg.IdleTimeout),
				)
				b.deliver(ctx, out, Event{
					Type:    TypeError,
					ScanID:  scanID.String(),
					Message: "stream timed out waiting for scan activity",
				})
				return
			}
		}
	}
}

func (b *Bus) deliver(ctx context.Context, out chan<- Event, evt Event) bool {
	select {
	case out <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}

// releaseChannel removes the map entry only if it still points at the channel
// this stream consumed; a replacement installed by a newer consumer stays.
func (b *Bus) releaseChannel(scanID uuid.UUID, ch chan Event) {
	b.mu.Lock()
	if cur, ok := b.channels[scanID]; ok && cur == ch {
		delete(b.channels, scanID)
	}
	b.mu.Unlock()
}
