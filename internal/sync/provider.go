package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/Martian-dev/inbox-sync/internal/store"
)

// RawMessage is a provider message normalized just enough to be upserted
type RawMessage struct {
	ProviderMessageID string
	ThreadID          string
	Sender            string
	Recipients        []string
	Subject           string
	Body              string
	Snippet           string
	Labels            []string
	Timestamp         time.Time
}

// SkippedMessage is a message the adapter could not read. It never blocks cursor advancement.
type SkippedMessage struct {
	ProviderMessageID string
	Err               error
}

// FetchResult is one bounded page of changes
type FetchResult struct {
	Messages   []RawMessage
	Skipped    []SkippedMessage
	NextCursor string
	HasMore    bool
}

// WebhookRegistration is the provider's answer to a (re)registration.
// A nil ExpiresAt means push notifications do not expire for this provider.
type WebhookRegistration struct {
	ExpiresAt      *time.Time
	SubscriptionID string
}

// Adapter hides one provider's sync primitives behind a uniform contract
type Adapter interface {
	// FetchChanges returns changes after cursor. A nil cursor requests the
	// bootstrap window. The cursor is opaque outside the adapter.
	FetchChanges(ctx context.Context, cursor *string, limit int) (*FetchResult, error)
	// RegisterWebhook creates the push subscription. Idempotent.
	RegisterWebhook(ctx context.Context, conn store.ChannelConnection) (*WebhookRegistration, error)
	// RenewWebhook extends the push subscription. Idempotent.
	RenewWebhook(ctx context.Context, conn store.ChannelConnection) (*WebhookRegistration, error)
}

// TokenSource supplies access tokens for a connection. Token storage and refresh
// live with the external identity service.
type TokenSource interface {
	Token(ctx context.Context, conn store.ChannelConnection) (*oauth2.Token, error)
}

// AdapterFactory builds an adapter for one connection
type AdapterFactory func(ctx context.Context, conn store.ChannelConnection, tok *oauth2.Token) (Adapter, error)

// Registry maps providers to adapter factories
type Registry struct {
	tokens    TokenSource
	factories map[store.Provider]AdapterFactory
	mu        gosync.RWMutex
}

// NewRegistry creates an empty registry. tokens may be nil for providers that need none.
func NewRegistry(tokens TokenSource) *Registry {
	return &Registry{
		tokens:    tokens,
		factories: make(map[store.Provider]AdapterFactory),
	}
}

// Register installs the factory for a provider
func (r *Registry) Register(p store.Provider, f AdapterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[p] = f
}

// Supports reports whether a provider has a factory
func (r *Registry) Supports(p store.Provider) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[p]
	return ok
}

// Adapter obtains a token and builds the connection's adapter.
// Token failures keep their classification (an AuthExpired token stays AuthExpired).
func (r *Registry) Adapter(ctx context.Context, conn store.ChannelConnection) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[conn.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, Permanent(fmt.Errorf("unsupported provider %q", conn.Provider))
	}

	var tok *oauth2.Token
	if r.tokens != nil {
		var err error
		tok, err = r.tokens.Token(ctx, conn)
		if err != nil {
			return nil, fmt.Errorf("get token: %w", err)
		}
	}

	a, err := factory(ctx, conn, tok)
	if err != nil {
		return nil, fmt.Errorf("create adapter: %w", err)
	}
	return a, nil
}
