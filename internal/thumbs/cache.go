package thumbs

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Default cache parameters.
const (
	DefaultCapacity   = 100
	DefaultWidth      = 160
	DefaultHeight     = 90
	DefaultTimeBucket = time.Second
	DefaultGenTimeout = 5 * time.Second

	// preloadConcurrency bounds parallel generations during a preload.
	preloadConcurrency = 2
)

// Config holds thumbnail cache configuration.
type Config struct {
	// Capacity is the maximum number of cached thumbnails.
	Capacity int

	// Width and Height bound the rendered thumbnail size.
	Width  int
	Height int

	// TimeBucket quantizes request times, so nearby seeks share one
	// thumbnail.
	TimeBucket time.Duration

	// GenerateTimeout bounds a single generation.
	GenerateTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:        DefaultCapacity,
		Width:           DefaultWidth,
		Height:          DefaultHeight,
		TimeBucket:      DefaultTimeBucket,
		GenerateTimeout: DefaultGenTimeout,
	}
}

// cacheKey identifies a thumbnail by source and quantized time.
type cacheKey struct {
	sourceID string
	bucket   int64
}

func (k cacheKey) String() string {
	return fmt.Sprintf("%s@%d", k.sourceID, k.bucket)
}

type cacheEntry struct {
	key  cacheKey
	data []byte
}

// Cache is an LRU of encoded thumbnails. Concurrent requests for the same
// key share a single generation; a failed generation caches nothing, so
// the next request retries.
type Cache struct {
	config    Config
	generator Generator
	logger    *slog.Logger

	group singleflight.Group

	mu      sync.Mutex
	order   *list.List
	entries map[cacheKey]*list.Element

	hits   uint64
	misses uint64
}

// NewCache creates a thumbnail cache backed by the given generator.
func NewCache(config Config, generator Generator, logger *slog.Logger) *Cache {
	if config.Capacity <= 0 {
		config.Capacity = DefaultCapacity
	}
	if config.Width <= 0 || config.Height <= 0 {
		config.Width = DefaultWidth
		config.Height = DefaultHeight
	}
	if config.TimeBucket <= 0 {
		config.TimeBucket = DefaultTimeBucket
	}
	if config.GenerateTimeout <= 0 {
		config.GenerateTimeout = DefaultGenTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		config:    config,
		generator: generator,
		logger:    logger,
		order:     list.New(),
		entries:   make(map[cacheKey]*list.Element),
	}
}

// Get returns the encoded thumbnail for (sourceID, t), generating it on a
// miss. Concurrent callers for the same key block on one generation and
// share its result. On failure nothing is cached and the error is
// returned; a later Get retries.
func (c *Cache) Get(ctx context.Context, sourceID string, t time.Duration) ([]byte, error) {
	key := c.keyFor(sourceID, t)

	if data, ok := c.lookup(key); ok {
		return data, nil
	}

	data, err, shared := c.group.Do(key.String(), func() (any, error) {
		// Double-check: the key may have been inserted between the lookup
		// and joining the flight.
		if data, ok := c.lookup(key); ok {
			return data, nil
		}
		return c.generate(ctx, sourceID, key)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("thumbnail generation shared",
			slog.String("source", sourceID),
			slog.Int64("bucket", key.bucket),
		)
	}
	return data.([]byte), nil
}

// Preload generates thumbnails for the given times ahead of need, a few
// at a time. The first generation failure cancels the rest.
func (c *Cache) Preload(ctx context.Context, sourceID string, times []time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(preloadConcurrency)

	for _, t := range times {
		g.Go(func() error {
			_, err := c.Get(ctx, sourceID, t)
			return err
		})
	}
	return g.Wait()
}

// Len returns the number of cached thumbnails.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns hit and miss counts.
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Clear drops every cached thumbnail.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[cacheKey]*list.Element)
}

func (c *Cache) keyFor(sourceID string, t time.Duration) cacheKey {
	return cacheKey{sourceID: sourceID, bucket: int64(t / c.config.TimeBucket)}
}

// lookup returns a cached thumbnail and refreshes its recency.
func (c *Cache) lookup(key cacheKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(elem)
	c.hits++
	return elem.Value.(*cacheEntry).data, true
}

// generate renders, encodes, and caches one thumbnail.
func (c *Cache) generate(ctx context.Context, sourceID string, key cacheKey) ([]byte, error) {
	genCtx, cancel := context.WithTimeout(ctx, c.config.GenerateTimeout)
	defer cancel()

	t := time.Duration(key.bucket) * c.config.TimeBucket
	still, err := c.generator.Generate(genCtx, sourceID, t)
	if err != nil {
		return nil, fmt.Errorf("generating thumbnail for %s at %s: %w", sourceID, t, err)
	}

	data, err := renderThumbnail(still, c.config.Width, c.config.Height)
	if err != nil {
		return nil, err
	}

	c.insert(key, data)
	return data, nil
}

// insert adds an entry, evicting the least recently used past capacity.
func (c *Cache) insert(key cacheKey, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value.(*cacheEntry).data = data
		c.order.MoveToFront(elem)
		return
	}

	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, data: data})

	for c.order.Len() > c.config.Capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}
