package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	gosync "sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/inbox-sync/internal/store"
	"github.com/Martian-dev/inbox-sync/internal/sync"
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256
	DefaultTimeout   = 2 * time.Minute
)

// Notification is a provider push reduced to what is needed to find the connection
type Notification struct {
	Provider       store.Provider
	AccountID      string // gmail email address, slack channel id
	SubscriptionID string // outlook subscription id
	ClientState    string // outlook clientState echo
}

// Ack reports what Handle did with a notification. It is informational; the
// HTTP layer acknowledges the provider regardless.
type Ack struct {
	Matched  int `json:"matched"`
	Enqueued int `json:"enqueued"`
	Dropped  int `json:"dropped"`
}

type resolver interface {
	FindByAccount(ctx context.Context, provider store.Provider, accountID string) ([]store.ChannelConnection, error)
	FindBySubscription(ctx context.Context, provider store.Provider, subscriptionID string) (*store.ChannelConnection, error)
}

// Syncer runs one connection sync. *sync.Orchestrator implements it.
type Syncer interface {
	SyncConnection(ctx context.Context, connectionID string, opts sync.RunOptions) (sync.Outcome, bool)
}

// Config tunes the ingress worker pool
type Config struct {
	Workers   int
	QueueSize int
	// Timeout bounds each triggered sync
	Timeout            time.Duration
	OutlookClientState string
	RunOptions         sync.RunOptions
}

// Ingress turns push notifications into connection syncs. Handle returns
// immediately; the sync runs on a bounded worker pool. A connection already
// queued is not queued twice.
type Ingress struct {
	conns  resolver
	syncer Syncer
	cfg    Config

	queue   chan string
	mu      gosync.Mutex
	pending map[string]bool
	stopped bool
	wg      gosync.WaitGroup
}

func NewIngress(conns resolver, syncer Syncer, cfg Config) *Ingress {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Ingress{
		conns:   conns,
		syncer:  syncer,
		cfg:     cfg,
		queue:   make(chan string, cfg.QueueSize),
		pending: make(map[string]bool),
	}
}

// Start launches the workers. They exit when ctx is cancelled or Stop is called.
func (i *Ingress) Start(ctx context.Context) {
	for w := 0; w < i.cfg.Workers; w++ {
		i.wg.Add(1)
		go func() {
			defer i.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id, ok := <-i.queue:
					if !ok {
						return
					}
					i.run(ctx, id)
				}
			}
		}()
	}
}

// Stop stops accepting notifications and waits for queued syncs to finish
func (i *Ingress) Stop() {
	i.mu.Lock()
	if !i.stopped {
		i.stopped = true
		close(i.queue)
	}
	i.mu.Unlock()
	i.wg.Wait()
}

func (i *Ingress) run(ctx context.Context, id string) {
	i.mu.Lock()
	delete(i.pending, id)
	i.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
	defer cancel()

	out, acquired := i.syncer.SyncConnection(runCtx, id, i.cfg.RunOptions)
	logger := log.With().Str("component", "ingress").Str("connection_id", id).Logger()
	switch {
	case !acquired:
		logger.Debug().Msg("sync already running")
	case out.Err != nil:
		logger.Warn().Err(out.Err).Msg("push-triggered sync failed")
	default:
		logger.Debug().Int("new_messages", out.NewMessageCount).Msg("push-triggered sync done")
	}
}

// Handle resolves the notification and enqueues syncs for matching connections
func (i *Ingress) Handle(ctx context.Context, n Notification) Ack {
	logger := log.With().Str("component", "ingress").Str("provider", string(n.Provider)).Logger()

	conns, err := i.resolve(ctx, n)
	if err != nil {
		logger.Warn().Err(err).Msg("resolve notification")
		return Ack{}
	}

	var ack Ack
	for _, c := range conns {
		if !c.Syncable() {
			continue
		}
		ack.Matched++
		if i.enqueue(c.ID) {
			ack.Enqueued++
		} else {
			ack.Dropped++
			logger.Warn().Str("connection_id", c.ID).Msg("ingress queue full, dropping notification")
		}
	}
	if ack.Matched == 0 {
		logger.Debug().Str("account", n.AccountID).Str("subscription_id", n.SubscriptionID).Msg("no syncable connection for notification")
	}
	return ack
}

func (i *Ingress) resolve(ctx context.Context, n Notification) ([]store.ChannelConnection, error) {
	switch n.Provider {
	case store.ProviderOutlook:
		if n.SubscriptionID == "" {
			return nil, nil
		}
		c, err := i.conns.FindBySubscription(ctx, store.ProviderOutlook, n.SubscriptionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if !i.clientStateMatches(n.ClientState) {
			log.Warn().Str("component", "ingress").Str("connection_id", c.ID).Msg("outlook clientState mismatch, ignoring")
			return nil, nil
		}
		return []store.ChannelConnection{*c}, nil
	default:
		if n.AccountID == "" {
			return nil, nil
		}
		return i.conns.FindByAccount(ctx, n.Provider, n.AccountID)
	}
}

func (i *Ingress) clientStateMatches(got string) bool {
	if i.cfg.OutlookClientState == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(i.cfg.OutlookClientState)) == 1
}

// enqueue reports false only when the queue is full or stopped; a connection
// that is already waiting counts as enqueued.
func (i *Ingress) enqueue(id string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stopped {
		return false
	}
	if i.pending[id] {
		return true
	}
	select {
	case i.queue <- id:
		i.pending[id] = true
		return true
	default:
		return false
	}
}
