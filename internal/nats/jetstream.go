package natsjs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const (
	DefaultStream  = "INBOX_EVENTS"
	DefaultSubject = "inbox.*.>"
)

// StreamConfig describes the event stream the outbox publishes into
type StreamConfig struct {
	Name       string
	Subjects   []string
	Duplicates time.Duration
	MaxAge     time.Duration
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.Name == "" {
		c.Name = DefaultStream
	}
	if len(c.Subjects) == 0 {
		c.Subjects = []string{DefaultSubject}
	}
	if c.Duplicates <= 0 {
		c.Duplicates = 10 * time.Minute
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 30 * 24 * time.Hour
	}
	return c
}

func (c StreamConfig) natsConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:       c.Name,
		Subjects:   c.Subjects,
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: c.Duplicates,
		MaxAge:     c.MaxAge,
	}
}

// Publisher wraps NATS JetStream for publishing ingestion events
type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream StreamConfig
}

// NewPublisher connects to url and prepares a JetStream context
func NewPublisher(url string, stream StreamConfig) (*Publisher, error) {
	logger := log.With().Str("component", "nats").Logger()
	nc, err := nats.Connect(url,
		nats.Name("inbox-sync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js, stream: stream.withDefaults()}, nil
}

// EnsureStream creates the event stream if it does not exist
func (p *Publisher) EnsureStream(ctx context.Context) error {
	info, err := p.js.StreamInfo(p.stream.Name, nats.Context(ctx))
	if err == nil && info != nil {
		return nil
	}
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info: %w", err)
	}

	_, err = p.js.AddStream(p.stream.natsConfig(), nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	log.Info().Str("component", "nats").Str("stream", p.stream.Name).Strs("subjects", p.stream.Subjects).Msg("stream created")
	return nil
}

// Publish publishes a message to JetStream. msgID becomes Nats-Msg-Id so
// redelivered outbox rows inside the duplicate window are dropped by the server.
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	_, err := p.js.Publish(subject, payload, nats.MsgId(msgID))
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close drains pending publishes and closes the connection
func (p *Publisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.nc.Close()
		}
	}
}
