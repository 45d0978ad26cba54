package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/inbox-sync/internal/auth"
	"github.com/Martian-dev/inbox-sync/internal/classifier"
	"github.com/Martian-dev/inbox-sync/internal/config"
	"github.com/Martian-dev/inbox-sync/internal/providers/gmail"
	"github.com/Martian-dev/inbox-sync/internal/providers/imap"
	"github.com/Martian-dev/inbox-sync/internal/providers/outlook"
	"github.com/Martian-dev/inbox-sync/internal/providers/slack"
	"github.com/Martian-dev/inbox-sync/internal/schedule"
	"github.com/Martian-dev/inbox-sync/internal/store"
	"github.com/Martian-dev/inbox-sync/internal/store/gormstore"
	"github.com/Martian-dev/inbox-sync/internal/store/sqlite"
	"github.com/Martian-dev/inbox-sync/internal/sync"
)

// app holds the engine components shared by serve and run
type app struct {
	cfg          *config.Config
	store        store.Store
	registry     *sync.Registry
	classifier   *sync.Dispatcher
	executor     *sync.Executor
	orchestrator *sync.Orchestrator
	renewals     *sync.RenewalScheduler
	tasks        *schedule.Registry
}

func openStore(c config.DatabaseConfig, outbox bool) (store.Store, error) {
	switch c.Driver {
	case "sqlite", "":
		return sqlite.Open(c.Path, sqlite.Options{Outbox: outbox})
	case "postgres":
		return gormstore.Open(c.DSN, gormstore.Options{Outbox: outbox})
	default:
		return nil, fmt.Errorf("unknown database driver %q", c.Driver)
	}
}

func newRegistry(c *config.Config) *sync.Registry {
	var tokens sync.TokenSource
	if c.Auth.BrokerURL != "" {
		tokens = auth.NewBrokerClient(c.Auth.BrokerURL, c.Auth.BrokerKey, c.Auth.BrokerTimeout)
	} else {
		log.Warn().Str("component", "app").Msg("no token broker configured; only IMAP password connections can sync")
	}

	r := sync.NewRegistry(tokens)
	r.Register(store.ProviderGmail, gmail.Factory(gmail.Config{
		Topic:         c.Gmail.Topic,
		BootstrapDays: c.Gmail.BootstrapDays,
	}))
	r.Register(store.ProviderOutlook, outlook.Factory(outlook.Config{
		NotificationURL:      c.Outlook.NotificationURL,
		ClientState:          c.Outlook.ClientState,
		SubscriptionLifetime: c.Outlook.SubscriptionLifetime,
		BootstrapDays:        c.Outlook.BootstrapDays,
	}))
	r.Register(store.ProviderSlack, slack.Factory(slack.Config{
		BootstrapDays: c.Slack.BootstrapDays,
	}))
	r.Register(store.ProviderIMAP, imap.Factory(imap.Config{
		BootstrapDays: c.IMAP.BootstrapDays,
		Timeout:       c.IMAP.Timeout,
	}))
	return r
}

// newApp opens the store and wires the sync engine. The classifier workers
// are not started; callers that want them call startClassifier.
func newApp(c *config.Config) (*app, error) {
	st, err := openStore(c.Database, c.NATS.URL != "")
	if err != nil {
		return nil, err
	}

	a := &app{cfg: c, store: st, registry: newRegistry(c)}

	var enqueuer sync.Enqueuer
	if c.Classifier.URL != "" {
		a.classifier = sync.NewDispatcher(
			classifier.NewHTTPClient(c.Classifier.URL, c.Classifier.Timeout),
			st, c.Classifier.Workers, c.Classifier.QueueSize, c.Classifier.Timeout,
		)
		enqueuer = a.classifier
	}

	// the config value is a literal count; the executor reads zero as "default"
	extraPasses := c.Sync.MaxExtraPasses
	if extraPasses == 0 {
		extraPasses = sync.NoExtraPasses
	}
	a.executor = sync.NewExecutor(st, a.registry, enqueuer, sync.ExecutorConfig{
		MaxMessages:    c.Sync.MaxMessages,
		MaxExtraPasses: extraPasses,
		ErrorThreshold: c.Sync.ErrorThreshold,
		FetchTimeout:   c.Sync.FetchTimeout,
	})
	a.executor.SetLimiter(sync.NewProviderLimiter(map[store.Provider]float64{
		store.ProviderGmail:   c.Sync.GmailRPS,
		store.ProviderOutlook: c.Sync.OutlookRPS,
		store.ProviderSlack:   c.Sync.SlackRPS,
		store.ProviderIMAP:    c.Sync.IMAPRPS,
	}))

	coordinator := sync.NewCoordinator(st, c.Sync.LeaseTTL)
	a.orchestrator = sync.NewOrchestrator(st, coordinator, a.executor, c.Sync.Concurrency)
	a.renewals = sync.NewRenewalScheduler(st, a.registry, sync.RenewalConfig{
		FailureCap:   c.Renewal.FailureCap,
		Retries:      c.Renewal.Retries,
		RetryBackoff: c.Renewal.RetryBackoff,
		Timeout:      c.Renewal.Timeout,
	})

	a.tasks = schedule.NewRegistry(
		schedule.SyncTask{
			Orchestrator: a.orchestrator,
			Options: sync.SyncOptions{
				MaxMessages:  c.Sync.MaxMessages,
				AutoClassify: c.Sync.AutoClassify,
			},
		},
		schedule.NewRenewTask(a.renewals, store.ProviderGmail, c.Renewal.GmailThreshold),
		schedule.NewRenewTask(a.renewals, store.ProviderOutlook, c.Renewal.OutlookThreshold),
	)
	return a, nil
}

func (a *app) runOptions() sync.RunOptions {
	return sync.RunOptions{MaxMessages: a.cfg.Sync.MaxMessages, AutoClassify: a.cfg.Sync.AutoClassify}
}

func (a *app) startClassifier(ctx context.Context) {
	if a.classifier != nil {
		a.classifier.Start(ctx)
	}
}

// close drains the classifier queue before closing the store
func (a *app) close() error {
	if a.classifier != nil {
		a.classifier.Stop()
	}
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}
