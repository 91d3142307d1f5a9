package fetch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jonathan/leadflow/internal/provider"
)

// DefaultCacheTTL is how long a fetched page is reused.
const DefaultCacheTTL = time.Hour

// DefaultFailureTTL is how long a permanent failure short-circuits refetches.
const DefaultFailureTTL = 10 * time.Minute

// CachedFetcher wraps URL fetching with an in-memory page cache. Concurrent
// fetches of one URL share a single request.
type CachedFetcher struct {
	options    *Options
	cacheTTL   time.Duration
	failureTTL time.Duration
	now        func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	pages map[string]cacheEntry
}

type cacheEntry struct {
	result  *Result
	err     error
	expires time.Time
}

// CachedFetcherConfig holds configuration for the cached fetcher.
type CachedFetcherConfig struct {
	CacheTTL   time.Duration
	FailureTTL time.Duration
	Options    *Options
}

// DefaultCachedFetcherConfig returns sensible defaults.
func DefaultCachedFetcherConfig() *CachedFetcherConfig {
	return &CachedFetcherConfig{
		CacheTTL:   DefaultCacheTTL,
		FailureTTL: DefaultFailureTTL,
		Options:    DefaultOptions(),
	}
}

// NewCachedFetcher creates a new cached fetcher.
func NewCachedFetcher(config *CachedFetcherConfig) *CachedFetcher {
	if config == nil {
		config = DefaultCachedFetcherConfig()
	}
	if config.Options == nil {
		config.Options = DefaultOptions()
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCacheTTL
	}
	if config.FailureTTL <= 0 {
		config.FailureTTL = DefaultFailureTTL
	}
	return &CachedFetcher{
		options:    config.Options,
		cacheTTL:   config.CacheTTL,
		failureTTL: config.FailureTTL,
		now:        time.Now,
		pages:      make(map[string]cacheEntry),
	}
}

// CachedResult extends Result with cache metadata.
type CachedResult struct {
	*Result
	FromCache bool
}

// Fetch retrieves a URL, reusing a fresh cached copy when present. Errors
// are already classified; permanent ones are remembered for FailureTTL and
// transient ones are never cached.
func (f *CachedFetcher) Fetch(ctx context.Context, urlStr string) (*CachedResult, error) {
	if entry, ok := f.lookup(urlStr); ok {
		if entry.err != nil {
			return nil, entry.err
		}
		return &CachedResult{Result: entry.result, FromCache: true}, nil
	}

	v, err, _ := f.group.Do(urlStr, func() (any, error) {
		res, err := URL(ctx, urlStr, f.options)
		if err != nil {
			err = Classify(err)
			if provider.KindOf(err) == provider.KindPermanent {
				f.store(urlStr, cacheEntry{err: err, expires: f.now().Add(f.failureTTL)})
			}
			return nil, err
		}
		f.store(urlStr, cacheEntry{result: res, expires: f.now().Add(f.cacheTTL)})
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return &CachedResult{Result: v.(*Result)}, nil
}

func (f *CachedFetcher) lookup(urlStr string) (cacheEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.pages[urlStr]
	if !ok {
		return cacheEntry{}, false
	}
	if !f.now().Before(entry.expires) {
		delete(f.pages, urlStr)
		return cacheEntry{}, false
	}
	return entry, true
}

func (f *CachedFetcher) store(urlStr string, entry cacheEntry) {
	f.mu.Lock()
	f.pages[urlStr] = entry
	f.mu.Unlock()
}

// Invalidate drops the cached entry for a URL.
func (f *CachedFetcher) Invalidate(urlStr string) {
	f.mu.Lock()
	delete(f.pages, urlStr)
	f.mu.Unlock()
}

// Len returns the number of cached entries, expired ones included.
func (f *CachedFetcher) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pages)
}
