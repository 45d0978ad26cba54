package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/inbox-sync/internal/store"
)

// Classifier assigns priority and category to a message
type Classifier interface {
	Classify(ctx context.Context, m store.Message) (store.Classification, error)
}

type classificationStore interface {
	SetClassification(ctx context.Context, messageID string, c store.Classification, at time.Time) error
}

// Dispatcher classifies new messages off the sync path with a fixed worker pool.
// Delivery is best-effort: a full queue or failed call leaves the message unclassified.
type Dispatcher struct {
	classifier Classifier
	store      classificationStore
	timeout    time.Duration
	workers    int

	mu     gosync.RWMutex
	queue  chan store.Message
	closed bool
	wg     gosync.WaitGroup
}

// NewDispatcher creates a dispatcher with a bounded queue
func NewDispatcher(c Classifier, s classificationStore, workers, queueSize int, timeout time.Duration) *Dispatcher {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Dispatcher{
		classifier: c,
		store:      s,
		timeout:    timeout,
		workers:    workers,
		queue:      make(chan store.Message, queueSize),
	}
}

// Start launches the workers. They exit when Stop drains the queue or ctx ends.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case m, ok := <-d.queue:
					if !ok {
						return
					}
					d.classify(ctx, m)
				}
			}
		}()
	}
}

// Enqueue offers a message without blocking
func (d *Dispatcher) Enqueue(m store.Message) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- m:
		return true
	default:
		return false
	}
}

// Stop closes the queue and waits for in-flight classifications
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) classify(ctx context.Context, m store.Message) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	logger := log.With().Str("component", "classifier").Str("message_id", m.ID).Logger()
	c, err := d.classifier.Classify(ctx, m)
	if err != nil {
		logger.Warn().Err(err).Msg("classification failed")
		return
	}
	if err := d.store.SetClassification(ctx, m.ID, c, time.Now().UTC()); err != nil {
		logger.Error().Err(err).Msg("store classification")
		return
	}
	logger.Debug().Str("priority", c.Priority).Str("category", c.Category).Msg("message classified")
}
