package ssrf

import (
	"context"
	"errors"
	"time"

	"github.com/maypok86/otter"
)

const (
	// DefaultVerdictTTL bounds how long a per-URL verdict is trusted before
	// DNS must be consulted again. Short enough to defeat slow rebinding.
	DefaultVerdictTTL = 5 * time.Minute

	// DefaultGuardEntries bounds the verdict cache size.
	DefaultGuardEntries = 1024
)

// Guard is the per-call entry point for adapters: a resolved classification
// with a time-bounded per-URL verdict cache. The cache key is the URL string.
type Guard struct {
	opts  Options
	cache otter.Cache[string, *DeniedError]
}

// NewGuard creates a Guard. ttl and maxEntries fall back to the defaults
// when non-positive.
func NewGuard(opts Options, ttl time.Duration, maxEntries int) *Guard {
	if ttl <= 0 {
		ttl = DefaultVerdictTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultGuardEntries
	}
	cache, err := otter.MustBuilder[string, *DeniedError](maxEntries).
		Cost(func(_ string, _ *DeniedError) uint32 { return 1 }).
		WithTTL(ttl).
		Build()
	if err != nil {
		panic("ssrf: failed to create verdict cache: " + err.Error())
	}
	return &Guard{opts: opts, cache: cache}
}

// Check returns the (possibly cached) resolved verdict for rawURL.
// A nil cached value means the URL was recently allowed.
func (g *Guard) Check(ctx context.Context, rawURL string) error {
	if denied, ok := g.cache.Get(rawURL); ok {
		if denied == nil {
			return nil
		}
		return denied
	}

	err := CheckURLResolved(ctx, rawURL, g.opts)
	var denied *DeniedError
	if err != nil && !errors.As(err, &denied) {
		// Not a classification verdict (e.g. context cancellation): don't cache.
		return err
	}
	g.cache.Set(rawURL, denied)
	if denied != nil {
		return denied
	}
	return nil
}

// Flush drops all cached verdicts.
func (g *Guard) Flush() {
	g.cache.Clear()
}

// Close releases resources held by the verdict cache.
func (g *Guard) Close() {
	g.cache.Close()
}
