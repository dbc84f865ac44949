package enrich

import (
	"container/list"
	"context"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// Clamp bands. Values outside these keep a misconfigured deployment from
// defeating the cache or unbounding memory.
const (
	MinTTL      = 10 * time.Minute
	MaxTTL      = 30 * time.Minute
	MinCapacity = 100
	MaxCapacity = 50000
)

type entry struct {
	key     string
	site    CellSite
	found   bool // explicit not-found marker when false
	expires time.Time
}

type flight struct {
	done   chan struct{}
	result map[string]CellSite
	err    error
}

// Cache is a time-boxed, size-bounded LRU cache over a Backend lookup.
// Concurrent FetchMany calls with the identical miss-set share one
// in-flight backend call.
type Cache struct {
	backend  Backend
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used

	flightMu sync.Mutex
	inflight map[string]*flight

	now func() time.Time
}

// NewCache builds a cache over the given backend. TTL and capacity are
// clamped to their safe bands.
func NewCache(backend Backend, ttl time.Duration, capacity int) *Cache {
	clampedTTL := ttl
	if clampedTTL < MinTTL {
		clampedTTL = MinTTL
	} else if clampedTTL > MaxTTL {
		clampedTTL = MaxTTL
	}
	clampedCap := capacity
	if clampedCap < MinCapacity {
		clampedCap = MinCapacity
	} else if clampedCap > MaxCapacity {
		clampedCap = MaxCapacity
	}
	if clampedTTL != ttl || clampedCap != capacity {
		slog.Warn("Cell-site cache settings clamped",
			"ttl", clampedTTL, "capacity", clampedCap)
	}

	return &Cache{
		backend:  backend,
		ttl:      clampedTTL,
		capacity: clampedCap,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		inflight: make(map[string]*flight),
		now:      time.Now,
	}
}

// FetchMany resolves a batch of raw CGIs to cell sites, keyed by their
// normalized form. Keys that cannot be resolved (not found, or backend
// failure) are absent from the result; backend failures are never
// cached, so the next call retries them.
func (c *Cache) FetchMany(ctx context.Context, cgis []string) map[string]CellSite {
	keys, spellings := normalizeKeys(cgis)
	if len(keys) == 0 {
		return map[string]CellSite{}
	}

	result := make(map[string]CellSite, len(keys))
	var misses, missSpellings []string

	c.mu.Lock()
	for _, key := range keys {
		site, found, ok := c.getLocked(key)
		if !ok {
			misses = append(misses, key)
			missSpellings = append(missSpellings, spellings[key]...)
			continue
		}
		if found {
			result[key] = site
		}
		// cached not-found: resolved, contributes nothing
	}
	c.mu.Unlock()

	if len(misses) == 0 {
		return result
	}

	resolved, err := c.lookupCoalesced(ctx, misses, missSpellings)
	if err != nil {
		// degrade to no enrichment for the affected keys
		slog.Warn("Cell-site lookup failed, returning unenriched", "keys", len(misses), "error", err)
		return result
	}
	for k, v := range resolved {
		result[k] = v
	}
	return result
}

// lookupCoalesced shares one backend call between callers requesting the
// exact same miss-set of normalized keys; the first caller's raw
// spellings serve the whole flight. The registry entry is released only
// after the awaited call completes; no lock is held across the backend
// call.
func (c *Cache) lookupCoalesced(ctx context.Context, misses, spellings []string) (map[string]CellSite, error) {
	sort.Strings(misses)
	flightKey := strings.Join(misses, "|")

	c.flightMu.Lock()
	if f, ok := c.inflight[flightKey]; ok {
		c.flightMu.Unlock()
		select {
		case <-f.done:
			return f.result, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	c.inflight[flightKey] = f
	c.flightMu.Unlock()

	f.result, f.err = c.lookupAndStore(ctx, misses, spellings)

	c.flightMu.Lock()
	delete(c.inflight, flightKey)
	c.flightMu.Unlock()
	close(f.done)

	return f.result, f.err
}

// lookupAndStore queries the backend with the raw spellings and caches
// the outcome, positive or not-found, under the normalized keys.
func (c *Cache) lookupAndStore(ctx context.Context, keys, spellings []string) (map[string]CellSite, error) {
	sites, err := c.backend.LookupCGIs(ctx, spellings)
	if err != nil {
		return nil, err
	}

	expires := c.now().Add(c.ttl)
	c.mu.Lock()
	for _, key := range keys {
		site, found := sites[key]
		c.putLocked(entry{key: key, site: site, found: found, expires: expires})
	}
	c.mu.Unlock()

	found := make(map[string]CellSite, len(sites))
	for k, v := range sites {
		found[k] = v
	}
	return found, nil
}

// getLocked returns (site, found, ok). ok=false means a genuine miss;
// found=false with ok=true is a cached not-found.
func (c *Cache) getLocked(key string) (CellSite, bool, bool) {
	el, ok := c.entries[key]
	if !ok {
		return CellSite{}, false, false
	}
	e := el.Value.(*entry)
	if c.now().After(e.expires) {
		c.order.Remove(el)
		delete(c.entries, key)
		return CellSite{}, false, false
	}
	c.order.MoveToFront(el)
	return e.site, e.found, true
}

func (c *Cache) putLocked(e entry) {
	if el, ok := c.entries[e.key]; ok {
		el.Value = &e
		c.order.MoveToFront(el)
		return
	}
	c.entries[e.key] = c.order.PushFront(&e)
	for len(c.entries) > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).key)
	}
}

// Len reports the number of live entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// normalizeKeys dedupes raw CGIs by their normalized form, retaining
// every distinct raw spelling per key. Reference tables store the
// operator spelling, so the backend lookup needs the spellings, not the
// normalized keys.
func normalizeKeys(cgis []string) ([]string, map[string][]string) {
	spellings := make(map[string][]string, len(cgis))
	out := make([]string, 0, len(cgis))
	for _, raw := range cgis {
		raw = strings.TrimSpace(raw)
		key := NormalizeCGI(raw)
		if key == "" {
			continue
		}
		if _, ok := spellings[key]; !ok {
			out = append(out, key)
		}
		if !slices.Contains(spellings[key], raw) {
			spellings[key] = append(spellings[key], raw)
		}
	}
	return out, spellings
}
