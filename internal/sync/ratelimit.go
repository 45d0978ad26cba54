package sync

import (
	"context"
	gosync "sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Martian-dev/inbox-sync/internal/store"
)

// ProviderLimiter paces provider API calls across all connections of a provider
// and honours RateLimited backoff hints.
type ProviderLimiter struct {
	mu       gosync.Mutex
	limiters map[store.Provider]*rate.Limiter
	blocked  map[store.Provider]time.Time
}

// NewProviderLimiter creates a limiter. Providers missing from rps are unlimited.
func NewProviderLimiter(rps map[store.Provider]float64) *ProviderLimiter {
	l := &ProviderLimiter{
		limiters: make(map[store.Provider]*rate.Limiter),
		blocked:  make(map[store.Provider]time.Time),
	}
	for p, r := range rps {
		if r <= 0 {
			continue
		}
		burst := int(r)
		if burst < 1 {
			burst = 1
		}
		l.limiters[p] = rate.NewLimiter(rate.Limit(r), burst)
	}
	return l
}

// Wait blocks until a call to p is allowed or ctx is done
func (l *ProviderLimiter) Wait(ctx context.Context, p store.Provider) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	until := l.blocked[p]
	lim := l.limiters[p]
	l.mu.Unlock()

	if d := time.Until(until); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

// Backoff pauses calls to p for d. Overlapping backoffs keep the later deadline.
func (l *ProviderLimiter) Backoff(p store.Provider, d time.Duration) {
	if l == nil || d <= 0 {
		return
	}
	until := time.Now().Add(d)
	l.mu.Lock()
	defer l.mu.Unlock()
	if until.After(l.blocked[p]) {
		l.blocked[p] = until
	}
}
