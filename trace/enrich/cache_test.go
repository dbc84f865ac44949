package enrich

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingBackend struct {
	mu    sync.Mutex
	calls int32
	sites map[string]CellSite
	err   error
	gate  chan struct{} // when non-nil, LookupCGIs blocks until closed
}

// LookupCGIs matches the spellings it is handed against the stored raw
// spellings and keys the result by normalized CGI, as the real store
// does.
func (b *countingBackend) LookupCGIs(ctx context.Context, cgis []string) (map[string]CellSite, error) {
	atomic.AddInt32(&b.calls, 1)
	if b.gate != nil {
		<-b.gate
	}
	if b.err != nil {
		return nil, b.err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]CellSite)
	for _, cgi := range cgis {
		if s, ok := b.sites[cgi]; ok {
			out[NormalizeCGI(cgi)] = s
		}
	}
	return out, nil
}

func siteFixture(cgi, name string) CellSite {
	return CellSite{CGI: cgi, Longitude: 17.45, Latitude: -14.67, SiteName: name, Priority: 1}
}

func TestNormalizeCGI(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"FourNumericGroups", "608-01-0012-04021", "608-1-12-4021"},
		{"MixedSeparators", "608.01/0012 04021", "608-1-12-4021"},
		{"LowercaseTrimmed", "  608-01-0012-04021  ", "608-1-12-4021"},
		{"MalformedKeptVerbatim", "cgi-001", "CGI-001"},
		{"ThreeGroupsKeptVerbatim", "608-01-0012", "608-01-0012"},
		{"ZeroGroup", "608-0-0012-04021", "608-0-12-4021"},
		{"Empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeCGI(tt.raw))
		})
	}
}

func TestFetchManyCachesWithinTTL(t *testing.T) {
	backend := &countingBackend{sites: map[string]CellSite{"CGI-001": siteFixture("CGI-001", "Alpha BTS")}}
	cache := NewCache(backend, 15*time.Minute, 1000)

	first := cache.FetchMany(context.Background(), []string{"CGI-001"})
	require.Len(t, first, 1)
	assert.Equal(t, "Alpha BTS", first["CGI-001"].SiteName)

	second := cache.FetchMany(context.Background(), []string{"cgi-001"})
	require.Len(t, second, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.calls), "second fetch before TTL expiry must not hit the backend")
}

func TestFetchManyMatchesStoredSpelling(t *testing.T) {
	// the backend stores the zero-padded operator spelling; the cache must
	// hand that spelling through, not its normalized form
	backend := &countingBackend{sites: map[string]CellSite{
		"608-01-0012-04021": siteFixture("608-01-0012-04021", "Alpha BTS"),
	}}
	cache := NewCache(backend, 15*time.Minute, 1000)

	got := cache.FetchMany(context.Background(), []string{"608-01-0012-04021"})
	require.Len(t, got, 1)
	assert.Equal(t, "Alpha BTS", got["608-1-12-4021"].SiteName, "result keyed by normalized CGI")

	// any other spelling of the same cell is a cache hit
	again := cache.FetchMany(context.Background(), []string{"608.01/0012 04021"})
	require.Len(t, again, 1)
	assert.Equal(t, "Alpha BTS", again["608-1-12-4021"].SiteName)
	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.calls))
}

func TestFetchManyRefreshesAfterTTL(t *testing.T) {
	backend := &countingBackend{sites: map[string]CellSite{"CGI-001": siteFixture("CGI-001", "Alpha BTS")}}
	cache := NewCache(backend, 15*time.Minute, 1000)

	cache.FetchMany(context.Background(), []string{"CGI-001"})

	// move the clock past the entry's expiry
	cache.now = func() time.Time { return time.Now().Add(16 * time.Minute) }
	cache.FetchMany(context.Background(), []string{"CGI-001"})
	assert.Equal(t, int32(2), atomic.LoadInt32(&backend.calls))
}

func TestFetchManyCachesNotFound(t *testing.T) {
	backend := &countingBackend{sites: map[string]CellSite{}}
	cache := NewCache(backend, 15*time.Minute, 1000)

	first := cache.FetchMany(context.Background(), []string{"CGI-404"})
	assert.Empty(t, first)

	second := cache.FetchMany(context.Background(), []string{"CGI-404"})
	assert.Empty(t, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.calls), "explicit not-found must be cached")
}

func TestFetchManyBackendErrorIsNotCached(t *testing.T) {
	backend := &countingBackend{err: errors.New("reference tables unreachable")}
	cache := NewCache(backend, 15*time.Minute, 1000)

	first := cache.FetchMany(context.Background(), []string{"CGI-001"})
	assert.Empty(t, first, "backend errors degrade to no enrichment")

	backend.err = nil
	backend.sites = map[string]CellSite{"CGI-001": siteFixture("CGI-001", "Alpha BTS")}
	second := cache.FetchMany(context.Background(), []string{"CGI-001"})
	assert.Len(t, second, 1, "a failed lookup must be retried, not cached as negative")
	assert.Equal(t, int32(2), atomic.LoadInt32(&backend.calls))
}

func TestLRUEvictionOrder(t *testing.T) {
	sites := make(map[string]CellSite)
	for i := 0; i <= MinCapacity; i++ {
		key := fmt.Sprintf("K%03d", i)
		sites[key] = siteFixture(key, key)
	}
	backend := &countingBackend{sites: sites}
	cache := NewCache(backend, 15*time.Minute, 1) // clamped up to MinCapacity

	// fill to capacity: K000 .. K(cap-1)
	for i := 0; i < MinCapacity; i++ {
		cache.FetchMany(context.Background(), []string{fmt.Sprintf("K%03d", i)})
	}
	require.Equal(t, MinCapacity, cache.Len())

	// touch K000 so K001 becomes least recently used
	cache.FetchMany(context.Background(), []string{"K000"})
	callsBefore := atomic.LoadInt32(&backend.calls)

	// overflow by one: K001 must be evicted, K000 must survive
	cache.FetchMany(context.Background(), []string{fmt.Sprintf("K%03d", MinCapacity)})
	assert.Equal(t, MinCapacity, cache.Len())

	cache.FetchMany(context.Background(), []string{"K000"})
	assert.Equal(t, callsBefore+1, atomic.LoadInt32(&backend.calls), "K000 should still be cached")

	cache.FetchMany(context.Background(), []string{"K001"})
	assert.Equal(t, callsBefore+2, atomic.LoadInt32(&backend.calls), "K001 should have been evicted")
}

func TestIdenticalMissSetsShareOneLookup(t *testing.T) {
	gate := make(chan struct{})
	backend := &countingBackend{
		sites: map[string]CellSite{"CGI-001": siteFixture("CGI-001", "Alpha BTS")},
		gate:  gate,
	}
	cache := NewCache(backend, 15*time.Minute, 1000)

	var wg sync.WaitGroup
	results := make([]map[string]CellSite, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = cache.FetchMany(context.Background(), []string{"CGI-001"})
		}(i)
	}

	// let all callers queue behind the single in-flight lookup
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.calls), "exact-duplicate miss sets share one backend call")
	for _, r := range results {
		assert.Equal(t, "Alpha BTS", r["CGI-001"].SiteName)
	}
}

func TestOverlappingMissSetsDoNotCoalesce(t *testing.T) {
	backend := &countingBackend{sites: map[string]CellSite{
		"A-1-1-1": siteFixture("A-1-1-1", "A"),
		"B-1-1-1": siteFixture("B-1-1-1", "B"),
	}}
	cache := NewCache(backend, 15*time.Minute, 1000)

	cache.FetchMany(context.Background(), []string{"A-1-1-1"})
	cache.FetchMany(context.Background(), []string{"A-1-1-1", "B-1-1-1"})
	// second call's miss set is {B-1-1-1} only, a distinct lookup
	assert.Equal(t, int32(2), atomic.LoadInt32(&backend.calls))
}

func TestSettingsClamped(t *testing.T) {
	backend := &countingBackend{sites: map[string]CellSite{}}
	c := NewCache(backend, time.Second, 5)
	assert.Equal(t, MinTTL, c.ttl)
	assert.Equal(t, MinCapacity, c.capacity)

	c = NewCache(backend, 24*time.Hour, 1<<20)
	assert.Equal(t, MaxTTL, c.ttl)
	assert.Equal(t, MaxCapacity, c.capacity)
}
