package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/inbox-sync/internal/store"
)

const DefaultLeaseTTL = 2 * time.Minute

// Coordinator hands out per-connection sync leases so at most one sync runs per connection
type Coordinator struct {
	leases store.LeaseStore
	ttl    time.Duration
	Now    func() time.Time
}

// NewCoordinator creates a coordinator. A non-positive ttl uses DefaultLeaseTTL.
func NewCoordinator(leases store.LeaseStore, ttl time.Duration) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Coordinator{leases: leases, ttl: ttl, Now: time.Now}
}

// TTL returns the lease lifetime
func (c *Coordinator) TTL() time.Duration { return c.ttl }

// TryAcquire takes the lease for a connection without blocking.
// It returns a nil lease and nil error when another holder has it.
func (c *Coordinator) TryAcquire(ctx context.Context, connectionID string) (*store.Lease, error) {
	now := c.Now().UTC()
	lease := store.Lease{
		ConnectionID: connectionID,
		HolderToken:  uuid.NewString(),
		AcquiredAt:   now,
		ExpiresAt:    now.Add(c.ttl),
	}
	ok, err := c.leases.AcquireLease(ctx, lease)
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", connectionID, err)
	}
	if !ok {
		return nil, nil
	}
	return &lease, nil
}

// Release gives the lease back. A lease that was already reclaimed is left alone.
func (c *Coordinator) Release(ctx context.Context, lease *store.Lease) {
	if lease == nil {
		return
	}
	if err := c.leases.ReleaseLease(ctx, lease.ConnectionID, lease.HolderToken); err != nil {
		log.Warn().Err(err).Str("component", "coordinator").Str("connection_id", lease.ConnectionID).Msg("release lease failed")
	}
}
