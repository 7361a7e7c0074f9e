// Package cache holds the time-bounded per-device cache of last known
// positions obtained via polling. Expiry is checked lazily on read; there is
// no background sweep.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"tracker-monitor/internal/common/contextx"
	"tracker-monitor/internal/common/log"
	"tracker-monitor/internal/tracking/domain"
)

const DefaultTTL = 30 * time.Second

// entry is owned exclusively by the cache. It is replaced whole on refresh,
// never partially mutated.
type entry struct {
	position  domain.NormalizedPosition
	fetchedAt time.Time
}

type PositionCache struct {
	fetcher domain.PositionFetcher
	logger  *slog.Logger
	ttl     time.Duration
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]entry

	group singleflight.Group
}

func New(fetcher domain.PositionFetcher, logger *slog.Logger, ttl time.Duration) *PositionCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PositionCache{
		fetcher: fetcher,
		logger:  logger,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// Get returns the cached position when it is younger than the TTL, otherwise
// fetches, stores and returns a fresh one. Concurrent misses for the same
// device are coalesced into a single fetch.
func (c *PositionCache) Get(ctx context.Context, deviceID string) (domain.NormalizedPosition, error) {
	if pos, ok := c.fresh(deviceID); ok {
		return pos, nil
	}

	v, err, _ := c.group.Do(deviceID, func() (any, error) {
		// another caller may have refreshed the entry while we waited
		if pos, ok := c.fresh(deviceID); ok {
			return pos, nil
		}

		pos, err := c.fetcher.FetchPosition(ctx, deviceID)
		if err != nil {
			return domain.NormalizedPosition{}, err
		}

		c.mu.Lock()
		c.entries[deviceID] = entry{position: pos, fetchedAt: c.now()}
		c.mu.Unlock()
		return pos, nil
	})
	if err != nil {
		return domain.NormalizedPosition{}, err
	}
	return v.(domain.NormalizedPosition), nil
}

// GetMany fans out one fetch per device id in parallel. Failed lookups are
// logged and omitted from the result; the survivors keep the input order.
// The aggregate call itself never fails.
func (c *PositionCache) GetMany(ctx context.Context, deviceIDs []string) []domain.NormalizedPosition {
	results := make([]*domain.NormalizedPosition, len(deviceIDs))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range deviceIDs {
		g.Go(func() error {
			pos, err := c.Get(gctx, id)
			if err != nil {
				log.Warn(contextx.WithDeviceID(ctx, id), c.logger, "position_fetch_failed",
					"Dropping device from bulk result: "+err.Error())
				return nil
			}
			results[i] = &pos
			return nil
		})
	}
	_ = g.Wait()

	out := make([]domain.NormalizedPosition, 0, len(deviceIDs))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// Clear evicts every entry immediately. Used on logout and manual refresh.
func (c *PositionCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// Stats reports the current cache contents.
func (c *PositionCache) Stats() domain.CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return domain.CacheStats{Size: len(c.entries), Keys: keys}
}

func (c *PositionCache) fresh(deviceID string) (domain.NormalizedPosition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[deviceID]
	if !ok || c.now().Sub(e.fetchedAt) >= c.ttl {
		return domain.NormalizedPosition{}, false
	}
	return e.position, true
}
