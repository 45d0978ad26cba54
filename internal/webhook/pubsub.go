package webhook

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// PubSubSubscriber pulls Gmail watch notifications from a Pub/Sub subscription,
// for deployments that cannot expose a public push endpoint.
type PubSubSubscriber struct {
	client  *pubsub.Client
	sub     *pubsub.Subscription
	ingress *Ingress
}

// NewPubSubSubscriber connects to project and binds subscriptionID
func NewPubSubSubscriber(ctx context.Context, project, subscriptionID string, ingress *Ingress, opts ...option.ClientOption) (*PubSubSubscriber, error) {
	client, err := pubsub.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	sub := client.Subscription(subscriptionID)
	sub.ReceiveSettings.MaxOutstandingMessages = 100
	return &PubSubSubscriber{client: client, sub: sub, ingress: ingress}, nil
}

// Run receives until ctx is cancelled. Every message is acked after it is
// handed to the ingress; a malformed payload is acked and dropped so it does
// not redeliver forever.
func (s *PubSubSubscriber) Run(ctx context.Context) error {
	logger := log.With().Str("component", "pubsub").Str("subscription", s.sub.ID()).Logger()
	logger.Info().Msg("receiving gmail notifications")

	err := s.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		n, err := DecodeGmail(m.Data)
		if err != nil {
			logger.Warn().Err(err).Str("message_id", m.ID).Msg("dropping malformed notification")
			m.Ack()
			return
		}
		s.ingress.Handle(ctx, n)
		m.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("pubsub receive: %w", err)
	}
	return nil
}

func (s *PubSubSubscriber) Close() error {
	return s.client.Close()
}
