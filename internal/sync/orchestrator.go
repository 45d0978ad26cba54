package sync

import (
	"context"
	"fmt"
	gosync "sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/inbox-sync/internal/store"
)

const DefaultConcurrency = 8

// SyncOptions scope a sweep
type SyncOptions struct {
	WorkspaceID  string // empty sweeps every workspace
	MaxMessages  int
	AutoClassify bool
}

// Summary aggregates a sweep. Failures are counted, never returned.
type Summary struct {
	WorkspacesProcessed  int `json:"workspaces_processed"`
	ConnectionsProcessed int `json:"connections_processed"`
	TotalNewMessages     int `json:"total_new_messages"`
	TotalErrors          int `json:"total_errors"`
	Skipped              int `json:"skipped"`
}

// Orchestrator fans syncs out over a bounded worker pool
type Orchestrator struct {
	connections store.ConnectionStore
	coordinator *Coordinator
	executor    *Executor
	concurrency int
}

// NewOrchestrator wires the sweep. A non-positive concurrency uses DefaultConcurrency.
func NewOrchestrator(connections store.ConnectionStore, coordinator *Coordinator, executor *Executor, concurrency int) *Orchestrator {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Orchestrator{
		connections: connections,
		coordinator: coordinator,
		executor:    executor,
		concurrency: concurrency,
	}
}

// SyncAll syncs every syncable connection, optionally limited to one workspace.
// Connections in auth_expired or disconnected are never picked up.
func (o *Orchestrator) SyncAll(ctx context.Context, opts SyncOptions) (Summary, error) {
	conns, err := o.connections.ListConnections(ctx, store.ConnectionFilter{
		WorkspaceID: opts.WorkspaceID,
		Statuses:    []store.Status{store.StatusPending, store.StatusActive, store.StatusError},
	})
	if err != nil {
		return Summary{}, fmt.Errorf("list connections: %w", err)
	}

	var (
		mu         gosync.Mutex
		summary    Summary
		workspaces = make(map[string]bool)
		g          errgroup.Group
	)
	g.SetLimit(o.concurrency)

	runOpts := RunOptions{MaxMessages: opts.MaxMessages, AutoClassify: opts.AutoClassify}
	for _, c := range conns {
		g.Go(func() error {
			out, acquired := o.SyncConnection(ctx, c.ID, runOpts)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case !acquired:
				summary.Skipped++
			case out.Noop:
			default:
				summary.ConnectionsProcessed++
				summary.TotalNewMessages += out.NewMessageCount
				workspaces[c.WorkspaceID] = true
				if out.Err != nil {
					summary.TotalErrors++
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	summary.WorkspacesProcessed = len(workspaces)

	log.Info().
		Str("component", "orchestrator").
		Str("workspace_id", opts.WorkspaceID).
		Int("workspaces", summary.WorkspacesProcessed).
		Int("connections", summary.ConnectionsProcessed).
		Int("new_messages", summary.TotalNewMessages).
		Int("errors", summary.TotalErrors).
		Int("skipped", summary.Skipped).
		Msg("sync sweep complete")
	return summary, nil
}

// SyncConnection acquires the lease, runs one sync and releases the lease.
// It returns false when another holder owns the lease.
func (o *Orchestrator) SyncConnection(ctx context.Context, connectionID string, opts RunOptions) (Outcome, bool) {
	lease, err := o.coordinator.TryAcquire(ctx, connectionID)
	if err != nil {
		return Outcome{ConnectionID: connectionID, Err: err}, true
	}
	if lease == nil {
		log.Debug().Str("component", "orchestrator").Str("connection_id", connectionID).Msg("lease held elsewhere, skipping")
		return Outcome{ConnectionID: connectionID}, false
	}
	defer o.coordinator.Release(context.WithoutCancel(ctx), lease)

	return o.executor.Run(ctx, lease, opts), true
}
