package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Martian-dev/inbox-sync/internal/store"
)

func TestTryAcquireIsExclusive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.connection("ws1", store.ProviderGmail, "me@example.com", store.StatusActive, nil)

	first, err := h.coordinator.TryAcquire(ctx, c.ID)
	if err != nil || first == nil {
		t.Fatalf("first acquire: %v %v", first, err)
	}
	if second, err := h.coordinator.TryAcquire(ctx, c.ID); err != nil || second != nil {
		t.Fatalf("second acquire should be unavailable: %v %v", second, err)
	}

	h.coordinator.Release(ctx, first)
	third, err := h.coordinator.TryAcquire(ctx, c.ID)
	if err != nil || third == nil {
		t.Fatalf("acquire after release: %v %v", third, err)
	}
	if third.HolderToken == first.HolderToken {
		t.Error("holder tokens must be unique")
	}
}

func TestProperty_LeaseNeverDoubleGranted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ttl := h.coordinator.TTL()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	var seq int64

	// Concurrent callers at the same instant: exactly one wins.
	properties.Property("one_winner_among_concurrent_callers", prop.ForAll(
		func(callers int) bool {
			id := fmt.Sprintf("acct-%d@example.com", atomic.AddInt64(&seq, 1))
			c := h.connection("ws", store.ProviderGmail, id, store.StatusActive, nil)

			var (
				wg      gosync.WaitGroup
				granted int64
			)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					l, err := h.coordinator.TryAcquire(ctx, c.ID)
					if err == nil && l != nil {
						atomic.AddInt64(&granted, 1)
					}
				}()
			}
			wg.Wait()
			return granted == 1
		},
		gen.IntRange(2, 16),
	))

	// Acquisition attempts spread over time match a model with a single TTL lease.
	properties.Property("grants_follow_ttl_model", prop.ForAll(
		func(steps []int) bool {
			id := fmt.Sprintf("acct-%d@example.com", atomic.AddInt64(&seq, 1))
			c := h.connection("ws", store.ProviderGmail, id, store.StatusActive, nil)

			start := h.clock.Now()
			now := start
			coord := NewCoordinator(h.store, ttl)
			coord.Now = func() time.Time { return now }

			var liveUntil time.Time
			for _, s := range steps {
				now = now.Add(time.Duration(s) * time.Second)
				l, err := coord.TryAcquire(ctx, c.ID)
				if err != nil {
					return false
				}
				expect := !now.Before(liveUntil)
				if (l != nil) != expect {
					return false
				}
				if l != nil {
					liveUntil = now.Add(ttl)
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 150)),
	))

	properties.TestingRun(t)
}
