// Package prefetch fills a scan-scoped metadata cache by fetching playlist
// details over a small bounded worker pool.
package prefetch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rankwatch/rankwatch/internal/scan"
)

const (
	defaultWorkers = 3
	defaultDelay   = 150 * time.Millisecond
)

// Detailer is the catalog surface the prefetcher needs.
type Detailer interface {
	GetPlaylist(ctx context.Context, id string) (scan.Metadata, error)
}

// Cache is a fill-once metadata cache living for one scan execution.
type Cache struct {
	mu      sync.Mutex
	entries map[string]scan.Metadata
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]scan.Metadata)}
}

// Get returns the cached entry for id, if any.
func (c *Cache) Get(id string) (scan.Metadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	meta, ok := c.entries[id]
	return meta, ok
}

// Put stores an entry, keeping an existing one (first write wins).
func (c *Cache) Put(meta scan.Metadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[meta.PlaylistID]; ok {
		return
	}
	c.entries[meta.PlaylistID] = meta
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Config tunes the worker pool.
type Config struct {
	// Workers bounds concurrent detail fetches.
	Workers int
	// Delay is slept by each worker between calls to stay under burst
	// limits independent of the global pacer.
	Delay time.Duration
}

// Prefetcher batches detail fetches for playlists a scan has newly seen.
type Prefetcher struct {
	cfg    Config
	clock  scan.Clock
	logger *zap.Logger
}

// New creates a Prefetcher.
func New(cfg Config, clock scan.Clock, logger *zap.Logger) *Prefetcher {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Delay < 0 {
		cfg.Delay = defaultDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prefetcher{cfg: cfg, clock: clock, logger: logger}
}

// Prefetch fetches metadata for every id not already cached. Duplicates are
// collapsed first. A failed fetch fills a placeholder entry so one playlist
// cannot block the rest of the batch.
func (p *Prefetcher) Prefetch(ctx context.Context, api Detailer, cache *Cache, ids []string) {
	missing := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := cache.Get(id); !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return
	}

	jobs := make(chan string)
	var wg sync.WaitGroup
	workers := p.cfg.Workers
	if workers > len(missing) {
		workers = len(missing)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				p.fetchOne(ctx, api, cache, id)
				if p.cfg.Delay > 0 {
					p.clock.Sleep(p.cfg.Delay)
				}
			}
		}()
	}
	for _, id := range missing {
		select {
		case jobs <- id:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()
}

func (p *Prefetcher) fetchOne(ctx context.Context, api Detailer, cache *Cache, id string) {
	meta, err := api.GetPlaylist(ctx, id)
	if err != nil {
		p.logger.Warn("playlist metadata fetch failed",
			zap.String("playlist_id", id),
			zap.Error(err),
		)
		cache.Put(scan.Metadata{PlaylistID: id})
		return
	}
	meta.PlaylistID = id
	cache.Put(meta)
}
