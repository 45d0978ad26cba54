package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/inbox-sync/internal/auth"
	"github.com/Martian-dev/inbox-sync/internal/httpapi"
	natsjs "github.com/Martian-dev/inbox-sync/internal/nats"
	"github.com/Martian-dev/inbox-sync/internal/schedule"
	"github.com/Martian-dev/inbox-sync/internal/sync"
	"github.com/Martian-dev/inbox-sync/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service",
	Long: `Serve webhook endpoints and the authenticated trigger API.

Optional subsystems start when configured: the Pub/Sub pull subscriber
(gmail.pubsub_subscription), the NATS outbox relay (nats.url) and the
in-process scheduler (schedule.enabled).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	logger := log.With().Str("component", "serve").Logger()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Error().Err(err).Msg("shutdown")
		}
	}()
	a.startClassifier(ctx)

	ingress := webhook.NewIngress(a.store, a.orchestrator, webhook.Config{
		Workers:            cfg.Ingress.Workers,
		QueueSize:          cfg.Ingress.QueueSize,
		Timeout:            cfg.Ingress.Timeout,
		OutlookClientState: cfg.Outlook.ClientState,
		RunOptions:         a.runOptions(),
	})
	ingress.Start(ctx)
	defer ingress.Stop()

	deps := httpapi.Deps{
		Connections:        a.store,
		Orchestrator:       a.orchestrator,
		Ingress:            ingress,
		Tasks:              a.tasks,
		Trigger:            auth.NewTriggerAuthenticator(cfg.Auth.TriggerSecret),
		SlackSigningSecret: cfg.Slack.SigningSecret,
		RunOptions:         a.runOptions(),
	}
	if cfg.Gmail.PushAudience != "" {
		verifier, err := auth.NewPushVerifier(ctx, auth.PushVerifierConfig{
			Audience: cfg.Gmail.PushAudience,
			Email:    cfg.Gmail.PushServiceAccount,
		})
		if err != nil {
			return err
		}
		deps.Push = verifier
	} else {
		logger.Warn().Msg("gmail push requests are not authenticated; set gmail.push_audience")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return httpapi.Serve(gctx, cfg.HTTP.Addr, httpapi.NewRouter(deps))
	})

	if cfg.Gmail.PubSubSubscription != "" {
		sub, err := webhook.NewPubSubSubscriber(ctx, cfg.Gmail.PubSubProject, cfg.Gmail.PubSubSubscription, ingress)
		if err != nil {
			return err
		}
		defer sub.Close()
		g.Go(func() error { return sub.Run(gctx) })
	}

	if cfg.NATS.URL != "" {
		pub, err := natsjs.NewPublisher(cfg.NATS.URL, natsjs.StreamConfig{Name: cfg.NATS.Stream})
		if err != nil {
			return err
		}
		defer pub.Close()

		ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = pub.EnsureStream(ensureCtx)
		cancel()
		if err != nil {
			return err
		}

		relay := sync.NewOutboxDispatcher(a.store, pub)
		g.Go(func() error {
			relay.Run(gctx)
			return nil
		})
	}

	if cfg.Schedule.Enabled {
		runner := schedule.NewRunner(a.tasks,
			schedule.Entry{Task: schedule.TaskSync, Interval: cfg.Schedule.SyncInterval},
			schedule.Entry{Task: schedule.TaskRenewGmail, Interval: cfg.Schedule.RenewInterval, Delay: time.Minute},
			schedule.Entry{Task: schedule.TaskRenewOutlook, Interval: cfg.Schedule.RenewInterval, Delay: 2 * time.Minute},
		)
		g.Go(func() error {
			runner.Run(gctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info().Msg("stopped")
	return nil
}
