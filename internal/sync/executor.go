package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/inbox-sync/internal/store"
)

const (
	DefaultMaxMessages    = 50
	DefaultMaxExtraPasses = 1
	DefaultErrorThreshold = 3
	DefaultFetchTimeout   = 30 * time.Second

	// NoExtraPasses disables follow-up passes on HasMore
	NoExtraPasses = -1
)

// ExecutorConfig bounds one sync invocation
type ExecutorConfig struct {
	MaxMessages int
	// MaxExtraPasses bounds follow-up fetches while the adapter reports
	// HasMore. Zero means DefaultMaxExtraPasses; a negative value means none.
	MaxExtraPasses int
	// ErrorThreshold is how many consecutive retryable failures an active
	// connection tolerates before it moves to error.
	ErrorThreshold int
	FetchTimeout   time.Duration
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.MaxMessages <= 0 {
		c.MaxMessages = DefaultMaxMessages
	}
	switch {
	case c.MaxExtraPasses == 0:
		c.MaxExtraPasses = DefaultMaxExtraPasses
	case c.MaxExtraPasses < 0:
		c.MaxExtraPasses = 0
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = DefaultErrorThreshold
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	return c
}

// RunOptions are per-invocation overrides
type RunOptions struct {
	MaxMessages  int
	AutoClassify bool
}

// Outcome is the result of one connection sync. Err is set on failure; Run never panics or returns an error.
type Outcome struct {
	ConnectionID    string
	WorkspaceID     string
	Provider        store.Provider
	Status          store.Status
	NewMessageCount int
	UpdatedCount    int
	SkippedCount    int
	Passes          int
	Noop            bool
	Err             error
}

// Enqueuer accepts newly inserted messages for asynchronous classification
type Enqueuer interface {
	Enqueue(m store.Message) bool
}

type executorStore interface {
	store.ConnectionStore
	store.MessageStore
}

// Executor runs incremental syncs for connections whose lease the caller holds
type Executor struct {
	store      executorStore
	adapters   *Registry
	classifier Enqueuer
	limiter    *ProviderLimiter
	cfg        ExecutorConfig
	Now        func() time.Time
}

// NewExecutor creates an executor. classifier may be nil.
func NewExecutor(s executorStore, adapters *Registry, classifier Enqueuer, cfg ExecutorConfig) *Executor {
	return &Executor{
		store:      s,
		adapters:   adapters,
		classifier: classifier,
		cfg:        cfg.withDefaults(),
		Now:        time.Now,
	}
}

// SetLimiter paces provider calls. A nil limiter disables pacing.
func (e *Executor) SetLimiter(l *ProviderLimiter) { e.limiter = l }

// Config returns the effective configuration
func (e *Executor) Config() ExecutorConfig { return e.cfg }

// Run performs one bounded sync of lease.ConnectionID
func (e *Executor) Run(ctx context.Context, lease *store.Lease, opts RunOptions) Outcome {
	out := Outcome{ConnectionID: lease.ConnectionID}
	logger := log.With().Str("component", "executor").Str("connection_id", lease.ConnectionID).Logger()

	conn, err := e.store.GetConnection(ctx, lease.ConnectionID)
	if err != nil {
		out.Err = fmt.Errorf("load connection: %w", err)
		return out
	}
	out.WorkspaceID, out.Provider, out.Status = conn.WorkspaceID, conn.Provider, conn.Status
	logger = logger.With().Str("provider", string(conn.Provider)).Logger()

	if !conn.Syncable() {
		out.Noop = true
		logger.Debug().Str("status", string(conn.Status)).Msg("connection not syncable, skipping")
		return out
	}

	adapter, err := e.adapters.Adapter(ctx, *conn)
	if err != nil {
		e.fail(ctx, logger, conn, lease, conn.Status, conn.ConsecutiveErrorCount, err, &out)
		return out
	}

	limit := opts.MaxMessages
	if limit <= 0 {
		limit = e.cfg.MaxMessages
	}

	cursor := conn.SyncCursor
	status := conn.Status
	errCount := conn.ConsecutiveErrorCount

	for pass := 0; pass <= e.cfg.MaxExtraPasses; pass++ {
		if pass > 0 && lease.ExpiresAt.Sub(e.Now()) < e.cfg.FetchTimeout {
			logger.Debug().Msg("lease too close to expiry for another pass")
			break
		}

		res, err := e.fetch(ctx, conn.Provider, adapter, cursor, limit)
		if err != nil {
			e.fail(ctx, logger, conn, lease, status, errCount, err, &out)
			return out
		}
		out.Passes++

		msgs := e.toMessages(logger, conn, res, &out)
		up, err := e.store.UpsertMessages(ctx, msgs)
		if err != nil {
			e.fail(ctx, logger, conn, lease, status, errCount, Transient(fmt.Errorf("upsert messages: %w", err)), &out)
			return out
		}
		out.NewMessageCount += len(up.Inserted)
		out.UpdatedCount += up.Updated

		if opts.AutoClassify && e.classifier != nil {
			for _, m := range up.Inserted {
				if !e.classifier.Enqueue(m) {
					logger.Warn().Str("message_id", m.ID).Msg("classifier queue full, message left unclassified")
				}
			}
		}

		now := e.Now().UTC()
		commit := store.SyncCommit{
			ConnectionID: conn.ID,
			LeaseToken:   lease.HolderToken,
			ExpectStatus: status,
			Status:       store.StatusActive,
			LastSyncAt:   &now,
			Now:          now,
		}
		if res.NextCursor != "" {
			next := res.NextCursor
			commit.Cursor = &next
		}
		if err := e.store.CommitSync(ctx, commit); err != nil {
			out.Err = fmt.Errorf("commit sync: %w", err)
			if errors.Is(err, store.ErrLeaseLost) {
				logger.Warn().Msg("lease lost before commit, batch left uncommitted")
			} else {
				logger.Error().Err(err).Msg("commit sync failed")
			}
			return out
		}
		if commit.Cursor != nil {
			cursor = commit.Cursor
		}
		status, errCount = store.StatusActive, 0
		out.Status = status

		if !res.HasMore {
			break
		}
	}

	logger.Info().
		Int("new", out.NewMessageCount).
		Int("updated", out.UpdatedCount).
		Int("skipped", out.SkippedCount).
		Int("passes", out.Passes).
		Msg("sync complete")
	return out
}

func (e *Executor) fetch(ctx context.Context, p store.Provider, a Adapter, cursor *string, limit int) (*FetchResult, error) {
	if err := e.limiter.Wait(ctx, p); err != nil {
		return nil, Transient(fmt.Errorf("wait for rate limiter: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	res, err := a.FetchChanges(ctx, cursor, limit)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &FetchResult{}, nil
	}
	return res, nil
}

func (e *Executor) toMessages(logger zerolog.Logger, conn *store.ChannelConnection, res *FetchResult, out *Outcome) []store.Message {
	for _, s := range res.Skipped {
		out.SkippedCount++
		logger.Warn().Err(s.Err).Str("provider_message_id", s.ProviderMessageID).Msg("skipping unreadable message")
	}

	msgs := make([]store.Message, 0, len(res.Messages))
	seen := make(map[string]bool, len(res.Messages))
	for _, raw := range res.Messages {
		if raw.ProviderMessageID == "" {
			out.SkippedCount++
			logger.Warn().Msg("skipping message without provider id")
			continue
		}
		if seen[raw.ProviderMessageID] {
			continue
		}
		seen[raw.ProviderMessageID] = true

		ts := raw.Timestamp
		if ts.IsZero() {
			ts = e.Now()
		}
		msgs = append(msgs, store.Message{
			ConnectionID:      conn.ID,
			WorkspaceID:       conn.WorkspaceID,
			Provider:          conn.Provider,
			ProviderMessageID: raw.ProviderMessageID,
			ThreadID:          raw.ThreadID,
			Sender:            raw.Sender,
			Recipients:        raw.Recipients,
			Subject:           raw.Subject,
			Body:              raw.Body,
			Snippet:           raw.Snippet,
			Timestamp:         ts.UTC(),
			Labels:            raw.Labels,
		})
	}
	return msgs
}

// fail records a classified failure. Only the cursor-less fields change, so the
// stored cursor stays where the last successful batch left it.
func (e *Executor) fail(ctx context.Context, logger zerolog.Logger, conn *store.ChannelConnection, lease *store.Lease, status store.Status, errCount int, cause error, out *Outcome) {
	out.Err = cause
	kind := Classify(cause)
	next := status

	switch kind {
	case KindAuthExpired:
		next = store.StatusAuthExpired
	case KindTransient, KindRateLimited:
		if kind == KindRateLimited {
			e.limiter.Backoff(conn.Provider, RetryAfter(cause))
		}
		errCount++
		if status == store.StatusActive && errCount > e.cfg.ErrorThreshold {
			next = store.StatusError
		}
	case KindPermanent:
	}

	now := e.Now().UTC()
	err := e.store.CommitSync(ctx, store.SyncCommit{
		ConnectionID:          conn.ID,
		LeaseToken:            lease.HolderToken,
		ExpectStatus:          status,
		Status:                next,
		ConsecutiveErrorCount: errCount,
		LastError:             cause.Error(),
		Now:                   now,
	})
	if err != nil {
		logger.Error().Err(err).Msg("record sync failure")
	} else {
		out.Status = next
	}

	ev := logger.Warn()
	if kind == KindAuthExpired || next == store.StatusError {
		ev = logger.Error()
	}
	ev.Err(cause).
		Str("kind", kind.String()).
		Int("consecutive_errors", errCount).
		Str("status", string(next)).
		Msg("sync failed")
}
