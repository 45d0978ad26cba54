package gormstore

import (
	"time"

	"gorm.io/datatypes"

	"github.com/Martian-dev/inbox-sync/internal/store"
)

type connectionModel struct {
	ID                    string  `gorm:"primaryKey;type:text"`
	WorkspaceID           string  `gorm:"type:text;not null;uniqueIndex:idx_connections_account"`
	Provider              string  `gorm:"type:text;not null;uniqueIndex:idx_connections_account;index:idx_connections_status"`
	ProviderAccountID     string  `gorm:"type:text;not null;uniqueIndex:idx_connections_account"`
	Status                string  `gorm:"type:text;not null;default:pending;index:idx_connections_status"`
	SyncCursor            *string `gorm:"type:text"`
	WebhookSubscriptionID string  `gorm:"type:text;not null;default:'';index"`
	WebhookExpiresAt      *time.Time
	LastSyncAt            *time.Time
	ConsecutiveErrorCount int    `gorm:"not null;default:0"`
	RenewalFailureCount   int    `gorm:"not null;default:0"`
	LastError             string `gorm:"type:text;not null;default:''"`
	Metadata              datatypes.JSONType[map[string]string]
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (connectionModel) TableName() string { return "channel_connections" }

func (m connectionModel) toConnection() store.ChannelConnection {
	return store.ChannelConnection{
		ID:                    m.ID,
		WorkspaceID:           m.WorkspaceID,
		Provider:              store.Provider(m.Provider),
		ProviderAccountID:     m.ProviderAccountID,
		Status:                store.Status(m.Status),
		SyncCursor:            m.SyncCursor,
		WebhookSubscriptionID: m.WebhookSubscriptionID,
		WebhookExpiresAt:      utc(m.WebhookExpiresAt),
		LastSyncAt:            utc(m.LastSyncAt),
		ConsecutiveErrorCount: m.ConsecutiveErrorCount,
		RenewalFailureCount:   m.RenewalFailureCount,
		LastError:             m.LastError,
		Metadata:              m.Metadata.Data(),
		CreatedAt:             m.CreatedAt.UTC(),
		UpdatedAt:             m.UpdatedAt.UTC(),
	}
}

type messageModel struct {
	ID                string `gorm:"primaryKey;type:text"`
	ConnectionID      string `gorm:"type:text;not null;uniqueIndex:idx_messages_dedup"`
	WorkspaceID       string `gorm:"type:text;not null;index:idx_messages_workspace"`
	Provider          string `gorm:"type:text;not null"`
	ProviderMessageID string `gorm:"type:text;not null;uniqueIndex:idx_messages_dedup"`
	ThreadID          string `gorm:"type:text"`
	Sender            string `gorm:"type:text"`
	Recipients        datatypes.JSONSlice[string]
	Subject           string `gorm:"type:text"`
	Body              string `gorm:"type:text"`
	Snippet           string `gorm:"type:text"`
	SentAt            time.Time `gorm:"index:idx_messages_workspace"`
	Labels            datatypes.JSONSlice[string]
	Priority          *string `gorm:"type:text"`
	Category          *string `gorm:"type:text"`
	ClassifiedAt      *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (messageModel) TableName() string { return "messages" }

func (m messageModel) toMessage() store.Message {
	return store.Message{
		ID:                m.ID,
		ConnectionID:      m.ConnectionID,
		WorkspaceID:       m.WorkspaceID,
		Provider:          store.Provider(m.Provider),
		ProviderMessageID: m.ProviderMessageID,
		ThreadID:          m.ThreadID,
		Sender:            m.Sender,
		Recipients:        []string(m.Recipients),
		Subject:           m.Subject,
		Body:              m.Body,
		Snippet:           m.Snippet,
		Timestamp:         m.SentAt.UTC(),
		Labels:            []string(m.Labels),
		Priority:          m.Priority,
		Category:          m.Category,
		ClassifiedAt:      utc(m.ClassifiedAt),
		CreatedAt:         m.CreatedAt.UTC(),
		UpdatedAt:         m.UpdatedAt.UTC(),
	}
}

type leaseModel struct {
	ConnectionID string `gorm:"primaryKey;type:text"`
	HolderToken  string `gorm:"type:text;not null"`
	AcquiredAt   time.Time
	ExpiresAt    time.Time
}

func (leaseModel) TableName() string { return "sync_leases" }

type outboxModel struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	Ts            int64  `gorm:"not null"`
	Subject       string `gorm:"type:text;not null"`
	EventType     string `gorm:"type:text;not null"`
	Payload       []byte `gorm:"not null"`
	MsgID         string `gorm:"type:text;not null"`
	Retries       int    `gorm:"not null;default:0"`
	NextAttemptAt int64  `gorm:"not null;index:idx_outbox_pending"`
	PublishedAt   *int64 `gorm:"index:idx_outbox_pending"`
}

func (outboxModel) TableName() string { return "outbox" }

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
