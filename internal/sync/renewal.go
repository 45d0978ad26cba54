package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/inbox-sync/internal/store"
)

const (
	DefaultRenewalFailureCap = 3
	DefaultRenewRetries      = 2
	DefaultRenewBackoff      = time.Second
	DefaultRenewTimeout      = 10 * time.Second

	// Reference thresholds: Gmail watches last 7 days, Outlook mail subscriptions about 3.
	GmailRenewThreshold   = 24 * time.Hour
	OutlookRenewThreshold = 12 * time.Hour
)

// RenewalConfig tunes webhook renewal
type RenewalConfig struct {
	// FailureCap is how many consecutive failed ticks an active connection
	// tolerates before it moves to error.
	FailureCap   int
	Retries      int
	RetryBackoff time.Duration
	Timeout      time.Duration
}

func (c RenewalConfig) withDefaults() RenewalConfig {
	if c.FailureCap <= 0 {
		c.FailureCap = DefaultRenewalFailureCap
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRenewBackoff
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultRenewTimeout
	}
	return c
}

// RenewalSummary aggregates one renewal tick
type RenewalSummary struct {
	Provider   store.Provider `json:"provider"`
	Scanned    int            `json:"scanned"`
	Renewed    int            `json:"renewed"`
	Registered int            `json:"registered"`
	Failed     int            `json:"failed"`
	Errored    int            `json:"errored"`
}

// RenewalScheduler keeps push subscriptions alive ahead of expiry
type RenewalScheduler struct {
	connections store.ConnectionStore
	adapters    *Registry
	cfg         RenewalConfig
	Now         func() time.Time
	Sleep       func(ctx context.Context, d time.Duration) error
}

// NewRenewalScheduler creates a scheduler
func NewRenewalScheduler(connections store.ConnectionStore, adapters *Registry, cfg RenewalConfig) *RenewalScheduler {
	return &RenewalScheduler{
		connections: connections,
		adapters:    adapters,
		cfg:         cfg.withDefaults(),
		Now:         time.Now,
		Sleep:       sleepCtx,
	}
}

// RenewExpiring renews every active or errored connection of provider whose webhook
// was never registered or expires within threshold. Individual failures never stop the sweep.
func (s *RenewalScheduler) RenewExpiring(ctx context.Context, provider store.Provider, threshold time.Duration) (RenewalSummary, error) {
	summary := RenewalSummary{Provider: provider}
	due := s.Now().UTC().Add(threshold)

	conns, err := s.connections.ListConnections(ctx, store.ConnectionFilter{
		Provider:         provider,
		Statuses:         []store.Status{store.StatusActive, store.StatusError},
		WebhookDueBefore: &due,
	})
	if err != nil {
		return summary, fmt.Errorf("list connections: %w", err)
	}

	for _, c := range conns {
		if ctx.Err() != nil {
			break
		}
		summary.Scanned++
		s.renewOne(ctx, c, &summary)
	}

	log.Info().
		Str("component", "renewal").
		Str("provider", string(provider)).
		Int("scanned", summary.Scanned).
		Int("renewed", summary.Renewed).
		Int("registered", summary.Registered).
		Int("failed", summary.Failed).
		Int("errored", summary.Errored).
		Msg("renewal sweep complete")
	return summary, nil
}

func (s *RenewalScheduler) renewOne(ctx context.Context, c store.ChannelConnection, summary *RenewalSummary) {
	logger := log.With().Str("component", "renewal").Str("connection_id", c.ID).Str("provider", string(c.Provider)).Logger()

	register := c.WebhookExpiresAt == nil
	reg, err := s.attempt(ctx, logger, c, register)
	now := s.Now().UTC()

	if err == nil {
		update := store.WebhookUpdate{
			ConnectionID: c.ID,
			ExpectStatus: c.Status,
			Status:       c.Status,
			LastError:    c.LastError,
			Now:          now,
		}
		if reg != nil {
			update.ExpiresAt = reg.ExpiresAt
			update.SubscriptionID = reg.SubscriptionID
		}
		if uerr := s.connections.UpdateWebhook(ctx, update); uerr != nil {
			summary.Failed++
			logger.Error().Err(uerr).Msg("store renewed webhook")
			return
		}
		if register {
			summary.Registered++
		} else {
			summary.Renewed++
		}
		ev := logger.Info()
		if reg != nil && reg.ExpiresAt != nil {
			ev = ev.Time("expires_at", *reg.ExpiresAt)
		}
		ev.Bool("registered", register).Msg("webhook renewed")
		return
	}

	summary.Failed++
	next := c.Status
	failures := c.RenewalFailureCount
	if Classify(err) == KindAuthExpired {
		next = store.StatusAuthExpired
	} else {
		failures++
		if c.Status == store.StatusActive && failures > s.cfg.FailureCap {
			next = store.StatusError
		}
	}
	if next != c.Status {
		summary.Errored++
	}

	uerr := s.connections.UpdateWebhook(ctx, store.WebhookUpdate{
		ConnectionID:        c.ID,
		ExpectStatus:        c.Status,
		Status:              next,
		RenewalFailureCount: failures,
		LastError:           err.Error(),
		Now:                 now,
	})
	if uerr != nil {
		logger.Error().Err(uerr).Msg("record renewal failure")
	}
	logger.Warn().Err(err).
		Str("kind", Classify(err).String()).
		Int("renewal_failures", failures).
		Str("status", string(next)).
		Msg("webhook renewal failed")
}

// attempt calls the adapter with in-tick retries for retryable failures
func (s *RenewalScheduler) attempt(ctx context.Context, logger zerolog.Logger, c store.ChannelConnection, register bool) (*WebhookRegistration, error) {
	adapter, err := s.adapters.Adapter(ctx, c)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		var reg *WebhookRegistration
		if register {
			reg, err = adapter.RegisterWebhook(cctx, c)
		} else {
			reg, err = adapter.RenewWebhook(cctx, c)
		}
		cancel()

		if err == nil || !Retryable(err) || attempt >= s.cfg.Retries {
			return reg, err
		}

		wait := RetryAfter(err)
		if wait <= 0 {
			wait = s.cfg.RetryBackoff << attempt
		}
		logger.Debug().Err(err).Int("attempt", attempt+1).Dur("backoff", wait).Msg("retrying webhook renewal")
		if serr := s.Sleep(ctx, wait); serr != nil {
			return nil, Transient(serr)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
