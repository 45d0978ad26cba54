package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicate      = errors.New("duplicate connection")
	ErrLeaseLost      = errors.New("sync lease lost")
	ErrStatusConflict = errors.New("connection status changed concurrently")
)

// Provider identifies an external message source
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
	ProviderSlack   Provider = "slack"
	ProviderIMAP    Provider = "imap"
)

// ChannelConnection is one linked provider account inside a workspace
type ChannelConnection struct {
	ID                    string            `json:"id"`
	WorkspaceID           string            `json:"workspace_id"`
	Provider              Provider          `json:"provider"`
	ProviderAccountID     string            `json:"provider_account_id"`
	Status                Status            `json:"status"`
	SyncCursor            *string           `json:"sync_cursor,omitempty"`
	WebhookSubscriptionID string            `json:"webhook_subscription_id,omitempty"`
	WebhookExpiresAt      *time.Time        `json:"webhook_expires_at,omitempty"`
	LastSyncAt            *time.Time        `json:"last_sync_at,omitempty"`
	ConsecutiveErrorCount int               `json:"consecutive_error_count"`
	RenewalFailureCount   int               `json:"renewal_failure_count"`
	LastError             string            `json:"last_error,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// Message is a unified inbox entry. (ConnectionID, ProviderMessageID) is the dedup key.
type Message struct {
	ID                string     `json:"id"`
	ConnectionID      string     `json:"connection_id"`
	WorkspaceID       string     `json:"workspace_id"`
	Provider          Provider   `json:"provider"`
	ProviderMessageID string     `json:"provider_message_id"`
	ThreadID          string     `json:"thread_id,omitempty"`
	Sender            string     `json:"sender"`
	Recipients        []string   `json:"recipients"`
	Subject           string     `json:"subject"`
	Body              string     `json:"body"`
	Snippet           string     `json:"snippet"`
	Timestamp         time.Time  `json:"timestamp"`
	Labels            []string   `json:"labels"`
	Priority          *string    `json:"priority,omitempty"`
	Category          *string    `json:"category,omitempty"`
	ClassifiedAt      *time.Time `json:"classified_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Classification is the classifier output stored on a message
type Classification struct {
	Priority string `json:"priority"`
	Category string `json:"category"`
}

// Lease grants exclusive sync rights on a connection until ExpiresAt
type Lease struct {
	ConnectionID string
	HolderToken  string
	AcquiredAt   time.Time
	ExpiresAt    time.Time
}

// Held reports whether the lease is still valid at now
func (l Lease) Held(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// OutboxMessage is an event waiting to be published
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// ConnectionFilter narrows ListConnections. Zero values match everything.
type ConnectionFilter struct {
	WorkspaceID string
	Provider    Provider
	Statuses    []Status
	// WebhookDueBefore selects connections whose webhook was never registered
	// or expires at or before this instant.
	WebhookDueBefore *time.Time
}

// SyncCommit is the post-sync update of a connection. It is applied only while
// LeaseToken still holds the connection's lease and the status is still ExpectStatus.
type SyncCommit struct {
	ConnectionID          string
	LeaseToken            string
	ExpectStatus          Status
	Status                Status
	Cursor                *string // nil leaves the stored cursor untouched
	LastSyncAt            *time.Time
	ConsecutiveErrorCount int
	LastError             string
	Now                   time.Time
}

// WebhookUpdate records the result of a registration or renewal attempt
type WebhookUpdate struct {
	ConnectionID        string
	ExpectStatus        Status
	Status              Status
	ExpiresAt           *time.Time // nil leaves the stored expiry untouched
	SubscriptionID      string     // empty leaves the stored id untouched
	RenewalFailureCount int
	LastError           string
	Now                 time.Time
}

// UpsertResult reports the outcome of a batch upsert
type UpsertResult struct {
	Inserted []Message
	Updated  int
}

type ConnectionStore interface {
	CreateConnection(ctx context.Context, c *ChannelConnection) error
	GetConnection(ctx context.Context, id string) (*ChannelConnection, error)
	ListConnections(ctx context.Context, f ConnectionFilter) ([]ChannelConnection, error)
	FindByAccount(ctx context.Context, provider Provider, accountID string) ([]ChannelConnection, error)
	FindBySubscription(ctx context.Context, provider Provider, subscriptionID string) (*ChannelConnection, error)
	CommitSync(ctx context.Context, c SyncCommit) error
	UpdateWebhook(ctx context.Context, u WebhookUpdate) error
	// SetStatus moves a connection from one status to another after validating
	// the transition. Reauthorization (auth_expired to pending) also clears counters.
	SetStatus(ctx context.Context, id string, from, to Status) error
}

type MessageStore interface {
	UpsertMessages(ctx context.Context, msgs []Message) (*UpsertResult, error)
	GetMessage(ctx context.Context, connectionID, providerMessageID string) (*Message, error)
	CountMessages(ctx context.Context, connectionID string) (int, error)
	SetClassification(ctx context.Context, messageID string, c Classification, at time.Time) error
}

type LeaseStore interface {
	// AcquireLease inserts l, or replaces an existing lease that expired at or
	// before l.AcquiredAt. It returns false when a live lease is held by someone else.
	AcquireLease(ctx context.Context, l Lease) (bool, error)
	ReleaseLease(ctx context.Context, connectionID, holderToken string) error
	GetLease(ctx context.Context, connectionID string) (*Lease, error)
}

type OutboxStore interface {
	DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Store is the full persistence surface used by the sync engine
type Store interface {
	ConnectionStore
	MessageStore
	LeaseStore
	OutboxStore
	Close() error
}

// Syncable reports whether sweeps should pick the connection up
func (c ChannelConnection) Syncable() bool {
	switch c.Status {
	case StatusPending, StatusActive, StatusError:
		return true
	}
	return false
}
