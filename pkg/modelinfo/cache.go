// Package modelinfo implements C2, the model-info cache: resolving a model
// id to its context window with a TTL that shortens automatically while the
// model is still loading.
package modelinfo

import (
	"context"
	"sync"
	"time"

	"github.com/zergont/local-responses/pkg/config"
	"github.com/zergont/local-responses/pkg/logx"
	"github.com/zergont/local-responses/pkg/metrics"
	"github.com/zergont/local-responses/pkg/upstream"
)

var log = logx.NewLogger("modelinfo") //nolint:gochecknoglobals

// Info is the cached, resolved view of a model's context window.
type Info struct {
	LoadedContextLength int
	HasLoaded           bool
	MaxContextLength    int
	HasMax              bool
	State               string
	Source              string
	Err                 error
}

// Provisional reports whether this record should only be cached briefly:
// source is "default", state isn't "loaded", or the loaded length is
// missing.
func (i Info) Provisional() bool {
	return i.Source == "default" || (i.State != "" && i.State != "loaded") || !i.HasLoaded
}

type cacheEntry struct {
	info    Info
	expires time.Time
}

// Cache is a process-wide, TTL-bound model-info cache with a per-key mutex
// guarding the refresh section so concurrent callers don't stampede the
// upstream probe.
type Cache struct {
	client *upstream.Client
	cfg    *config.Config

	mu      sync.Mutex
	entries map[string]cacheEntry
	locks   map[string]*sync.Mutex
}

// New builds a Cache against the given upstream client.
func New(client *upstream.Client, cfg *config.Config) *Cache {
	return &Cache{
		client:  client,
		cfg:     cfg,
		entries: make(map[string]cacheEntry),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (c *Cache) keyLock(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

func (c *Cache) read(key string) (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expires) {
		return Info{}, false
	}
	return e.info, true
}

func (c *Cache) write(key string, info Info) {
	ttl := 2 * time.Second
	if !info.Provisional() {
		ttl = time.Duration(c.cfg.CtxModelInfoTTLSec) * time.Second
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{info: info, expires: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// Fetch resolves modelID's context window, refreshing from upstream on a
// cache miss or expiry. At most one refresh per key runs concurrently.
func (c *Cache) Fetch(ctx context.Context, modelID string) Info {
	if info, ok := c.read(modelID); ok {
		metrics.Default().RecordModelInfoCache("hit")
		return info
	}

	lock := c.keyLock(modelID)
	lock.Lock()
	defer lock.Unlock()

	// Re-check: another goroutine may have refreshed while we waited.
	if info, ok := c.read(modelID); ok {
		metrics.Default().RecordModelInfoCache("hit")
		return info
	}
	metrics.Default().RecordModelInfoCache("miss")

	raw := c.client.FetchModelInfo(ctx, modelID)
	info := Info{
		LoadedContextLength: raw.LoadedContextLength,
		HasLoaded:           raw.HasLoaded,
		MaxContextLength:    raw.MaxContextLength,
		HasMax:              raw.HasMax,
		State:               raw.State,
		Source:              raw.Source,
		Err:                 raw.Err,
	}
	if info.Err != nil {
		log.Warn("model-info probe failed for %s: %v", modelID, info.Err)
	}
	c.write(modelID, info)
	return info
}

// WaitForLoad busy-polls the cache (bypassing a fresh provisional entry's
// short TTL by re-fetching) until loaded_context_length appears or the
// budget of attempts is exhausted. Used by the budget solver when the model
// reports as still loading.
func (c *Cache) WaitForLoad(ctx context.Context, modelID string, attempts int, interval time.Duration) Info {
	info := c.Fetch(ctx, modelID)
	for i := 0; i < attempts && !info.HasLoaded; i++ {
		select {
		case <-ctx.Done():
			return info
		case <-time.After(interval):
		}
		c.invalidate(modelID)
		info = c.Fetch(ctx, modelID)
	}
	return info
}

func (c *Cache) invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// ResolveWindow picks C_base per §4.3 step 1: loaded if known, else max,
// else the configured default.
func (i Info) ResolveWindow(defaultLength int) int {
	if i.HasLoaded && i.LoadedContextLength > 0 {
		return i.LoadedContextLength
	}
	if i.HasMax && i.MaxContextLength > 0 {
		return i.MaxContextLength
	}
	return defaultLength
}
