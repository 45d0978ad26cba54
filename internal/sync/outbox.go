package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/inbox-sync/internal/store"
)

// Publisher delivers an outbox event. msgID is used for broker-side dedup.
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// OutboxDispatcher drains the outbox into a Publisher
type OutboxDispatcher struct {
	store        store.OutboxStore
	publisher    Publisher
	BatchSize    int
	IdleWait     time.Duration
	RetryBackoff time.Duration
}

// NewOutboxDispatcher creates a dispatcher with the default batch and backoff
func NewOutboxDispatcher(s store.OutboxStore, p Publisher) *OutboxDispatcher {
	return &OutboxDispatcher{
		store:        s,
		publisher:    p,
		BatchSize:    100,
		IdleWait:     500 * time.Millisecond,
		RetryBackoff: 10 * time.Second,
	}
}

// Run dispatches until ctx is cancelled
func (d *OutboxDispatcher) Run(ctx context.Context) {
	logger := log.With().Str("component", "outbox").Logger()
	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("dispatch outbox")
		}

		wait := time.Duration(0)
		switch {
		case err != nil:
			wait = time.Second
		case n == 0:
			wait = d.IdleWait
		}
		if wait > 0 {
			if sleepCtx(ctx, wait) != nil {
				return
			}
		} else if ctx.Err() != nil {
			return
		}
	}
}

// DispatchOnce publishes one batch and returns how many entries it attempted.
// A failed bookkeeping write leaves the entry due, so it is reported as an
// error and Run backs off instead of republishing at once.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.store.DequeueOutbox(ctx, d.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("dequeue outbox: %w", err)
	}

	var errs []error
	for _, msg := range messages {
		logger := log.With().Str("component", "outbox").Int64("outbox_id", msg.ID).Logger()
		if err := d.publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			logger.Warn().Err(err).Msg("publish failed, scheduling retry")
			if err := d.store.MarkOutboxRetry(ctx, msg.ID, d.RetryBackoff); err != nil {
				logger.Error().Err(err).Msg("schedule retry")
				errs = append(errs, fmt.Errorf("schedule retry of outbox entry %d: %w", msg.ID, err))
			}
			continue
		}
		if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
			logger.Error().Err(err).Msg("mark published")
			errs = append(errs, fmt.Errorf("mark outbox entry %d published: %w", msg.ID, err))
		}
	}
	return len(messages), errors.Join(errs...)
}
