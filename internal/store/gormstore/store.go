// Package gormstore implements store.Store on PostgreSQL through gorm.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/Martian-dev/inbox-sync/internal/store"
)

// Options tunes the Postgres store
type Options struct {
	Outbox bool
}

// Store is the gorm/Postgres implementation of store.Store
type Store struct {
	db   *gorm.DB
	opts Options
}

var _ store.Store = (*Store)(nil)

// Open connects to Postgres and migrates the schema
func Open(dsn string, opts Options) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.AutoMigrate(&connectionModel{}, &messageModel{}, &leaseModel{}, &outboxModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db, opts: opts}, nil
}

// Close closes the underlying pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Truncate empties every table. Used by tests sharing one database.
func (s *Store) Truncate(ctx context.Context) error {
	return s.db.WithContext(ctx).Exec(`TRUNCATE channel_connections, messages, sync_leases, outbox RESTART IDENTITY`).Error
}

func (s *Store) CreateConnection(ctx context.Context, c *store.ChannelConnection) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = store.StatusPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt

	m := connectionModel{
		ID:                    c.ID,
		WorkspaceID:           c.WorkspaceID,
		Provider:              string(c.Provider),
		ProviderAccountID:     c.ProviderAccountID,
		Status:                string(c.Status),
		SyncCursor:            c.SyncCursor,
		WebhookSubscriptionID: c.WebhookSubscriptionID,
		WebhookExpiresAt:      c.WebhookExpiresAt,
		LastSyncAt:            c.LastSyncAt,
		ConsecutiveErrorCount: c.ConsecutiveErrorCount,
		RenewalFailureCount:   c.RenewalFailureCount,
		LastError:             c.LastError,
		Metadata:              datatypes.NewJSONType(c.Metadata),
		CreatedAt:             c.CreatedAt,
		UpdatedAt:             c.UpdatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "duplicate key") {
			return fmt.Errorf("%w: %s/%s", store.ErrDuplicate, c.Provider, c.ProviderAccountID)
		}
		return fmt.Errorf("failed to insert connection: %w", err)
	}
	return nil
}

func (s *Store) GetConnection(ctx context.Context, id string) (*store.ChannelConnection, error) {
	var m connectionModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("connection %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	c := m.toConnection()
	return &c, nil
}

func (s *Store) ListConnections(ctx context.Context, f store.ConnectionFilter) ([]store.ChannelConnection, error) {
	q := s.db.WithContext(ctx).Model(&connectionModel{})
	if f.WorkspaceID != "" {
		q = q.Where("workspace_id = ?", f.WorkspaceID)
	}
	if f.Provider != "" {
		q = q.Where("provider = ?", string(f.Provider))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		q = q.Where("status IN ?", statuses)
	}
	if f.WebhookDueBefore != nil {
		q = q.Where("(webhook_expires_at IS NULL OR webhook_expires_at <= ?)", *f.WebhookDueBefore)
	}

	var rows []connectionModel
	if err := q.Order("workspace_id, created_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return toConnections(rows), nil
}

func (s *Store) FindByAccount(ctx context.Context, provider store.Provider, accountID string) ([]store.ChannelConnection, error) {
	var rows []connectionModel
	err := s.db.WithContext(ctx).
		Where("provider = ? AND LOWER(provider_account_id) = LOWER(?)", string(provider), accountID).
		Order("workspace_id, id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find connections by account: %w", err)
	}
	return toConnections(rows), nil
}

func (s *Store) FindBySubscription(ctx context.Context, provider store.Provider, subscriptionID string) (*store.ChannelConnection, error) {
	var m connectionModel
	err := s.db.WithContext(ctx).
		Where("provider = ? AND webhook_subscription_id = ? AND webhook_subscription_id <> ''", string(provider), subscriptionID).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("subscription %s: %w", subscriptionID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find connection by subscription: %w", err)
	}
	c := m.toConnection()
	return &c, nil
}

func (s *Store) CommitSync(ctx context.Context, c store.SyncCommit) error {
	if err := store.Transition(c.ExpectStatus, c.Status); err != nil {
		return err
	}

	updates := map[string]interface{}{
		"status":                  string(c.Status),
		"consecutive_error_count": c.ConsecutiveErrorCount,
		"last_error":              c.LastError,
		"updated_at":              c.Now,
	}
	if c.Cursor != nil {
		updates["sync_cursor"] = *c.Cursor
	}
	if c.LastSyncAt != nil {
		updates["last_sync_at"] = *c.LastSyncAt
	}

	res := s.db.WithContext(ctx).Model(&connectionModel{}).
		Where("id = ? AND status = ?", c.ConnectionID, string(c.ExpectStatus)).
		Where("EXISTS (SELECT 1 FROM sync_leases WHERE connection_id = ? AND holder_token = ? AND expires_at > ?)",
			c.ConnectionID, c.LeaseToken, c.Now).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to commit sync: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	lease, err := s.GetLease(ctx, c.ConnectionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if lease == nil || lease.HolderToken != c.LeaseToken || !lease.Held(c.Now) {
		return store.ErrLeaseLost
	}
	return store.ErrStatusConflict
}

func (s *Store) UpdateWebhook(ctx context.Context, u store.WebhookUpdate) error {
	if err := store.Transition(u.ExpectStatus, u.Status); err != nil {
		return err
	}

	updates := map[string]interface{}{
		"status":                string(u.Status),
		"renewal_failure_count": u.RenewalFailureCount,
		"last_error":            u.LastError,
		"updated_at":            u.Now,
	}
	if u.ExpiresAt != nil {
		updates["webhook_expires_at"] = *u.ExpiresAt
	}
	if u.SubscriptionID != "" {
		updates["webhook_subscription_id"] = u.SubscriptionID
	}

	res := s.db.WithContext(ctx).Model(&connectionModel{}).
		Where("id = ? AND status = ?", u.ConnectionID, string(u.ExpectStatus)).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update webhook: %w", res.Error)
	}
	return s.checkUpdated(ctx, res.RowsAffected, u.ConnectionID)
}

func (s *Store) SetStatus(ctx context.Context, id string, from, to store.Status) error {
	if err := store.Transition(from, to); err != nil {
		return err
	}

	updates := map[string]interface{}{"status": string(to), "updated_at": time.Now().UTC()}
	if from == store.StatusAuthExpired && to == store.StatusPending {
		updates["consecutive_error_count"] = 0
		updates["renewal_failure_count"] = 0
		updates["last_error"] = ""
	}
	res := s.db.WithContext(ctx).Model(&connectionModel{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to set status: %w", res.Error)
	}
	return s.checkUpdated(ctx, res.RowsAffected, id)
}

func (s *Store) checkUpdated(ctx context.Context, affected int64, id string) error {
	if affected == 1 {
		return nil
	}
	if _, err := s.GetConnection(ctx, id); err != nil {
		return err
	}
	return store.ErrStatusConflict
}

func (s *Store) UpsertMessages(ctx context.Context, msgs []store.Message) (*store.UpsertResult, error) {
	result := &store.UpsertResult{}
	if len(msgs) == 0 {
		return result, nil
	}

	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range msgs {
			if m.ID == "" {
				m.ID = uuid.NewString()
			}
			row := messageModel{
				ID:                m.ID,
				ConnectionID:      m.ConnectionID,
				WorkspaceID:       m.WorkspaceID,
				Provider:          string(m.Provider),
				ProviderMessageID: m.ProviderMessageID,
				ThreadID:          m.ThreadID,
				Sender:            m.Sender,
				Recipients:        datatypes.NewJSONSlice(nonNil(m.Recipients)),
				Subject:           m.Subject,
				Body:              m.Body,
				Snippet:           m.Snippet,
				SentAt:            m.Timestamp,
				Labels:            datatypes.NewJSONSlice(nonNil(m.Labels)),
				CreatedAt:         now,
				UpdatedAt:         now,
			}

			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "connection_id"}, {Name: "provider_message_id"}},
				DoNothing: true,
			}).Create(&row)
			if res.Error != nil {
				return fmt.Errorf("failed to insert message %s: %w", m.ProviderMessageID, res.Error)
			}

			if res.RowsAffected == 1 {
				m.CreatedAt, m.UpdatedAt = now, now
				m.Priority, m.Category, m.ClassifiedAt = nil, nil, nil
				if s.opts.Outbox {
					if err := appendOutbox(tx, m, now); err != nil {
						return err
					}
				}
				result.Inserted = append(result.Inserted, m)
				continue
			}

			err := tx.Model(&messageModel{}).
				Where("connection_id = ? AND provider_message_id = ?", m.ConnectionID, m.ProviderMessageID).
				Updates(map[string]interface{}{
					"thread_id":  m.ThreadID,
					"sender":     m.Sender,
					"recipients": row.Recipients,
					"subject":    m.Subject,
					"body":       m.Body,
					"snippet":    m.Snippet,
					"sent_at":    m.Timestamp,
					"labels":     row.Labels,
					"updated_at": now,
				}).Error
			if err != nil {
				return fmt.Errorf("failed to update message %s: %w", m.ProviderMessageID, err)
			}
			result.Updated++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func appendOutbox(tx *gorm.DB, m store.Message, now time.Time) error {
	ev, err := store.IngestedEvent(m, now)
	if err != nil {
		return err
	}
	row := outboxModel{
		Ts:            now.Unix(),
		Subject:       ev.Subject,
		EventType:     store.EventMessageIngested,
		Payload:       ev.Payload,
		MsgID:         ev.MsgID,
		NextAttemptAt: now.Unix(),
	}
	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, connectionID, providerMessageID string) (*store.Message, error) {
	var m messageModel
	err := s.db.WithContext(ctx).
		Where("connection_id = ? AND provider_message_id = ?", connectionID, providerMessageID).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("message %s: %w", providerMessageID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	msg := m.toMessage()
	return &msg, nil
}

func (s *Store) CountMessages(ctx context.Context, connectionID string) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&messageModel{}).Where("connection_id = ?", connectionID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return int(n), nil
}

func (s *Store) SetClassification(ctx context.Context, messageID string, c store.Classification, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&messageModel{}).
		Where("id = ?", messageID).
		Updates(map[string]interface{}{
			"priority":      c.Priority,
			"category":      c.Category,
			"classified_at": at,
			"updated_at":    at,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to set classification: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("message %s: %w", messageID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) AcquireLease(ctx context.Context, l store.Lease) (bool, error) {
	res := s.db.WithContext(ctx).Exec(`
		INSERT INTO sync_leases (connection_id, holder_token, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (connection_id) DO UPDATE SET
			holder_token = EXCLUDED.holder_token,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
		WHERE sync_leases.expires_at <= EXCLUDED.acquired_at
	`, l.ConnectionID, l.HolderToken, l.AcquiredAt, l.ExpiresAt)
	if res.Error != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) ReleaseLease(ctx context.Context, connectionID, holderToken string) error {
	err := s.db.WithContext(ctx).
		Where("connection_id = ? AND holder_token = ?", connectionID, holderToken).
		Delete(&leaseModel{}).Error
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func (s *Store) GetLease(ctx context.Context, connectionID string) (*store.Lease, error) {
	var m leaseModel
	if err := s.db.WithContext(ctx).Where("connection_id = ?", connectionID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("lease %s: %w", connectionID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load lease: %w", err)
	}
	return &store.Lease{
		ConnectionID: m.ConnectionID,
		HolderToken:  m.HolderToken,
		AcquiredAt:   m.AcquiredAt.UTC(),
		ExpiresAt:    m.ExpiresAt.UTC(),
	}, nil
}

func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error) {
	var rows []outboxModel
	err := s.db.WithContext(ctx).
		Where("published_at IS NULL AND next_attempt_at <= ?", time.Now().Unix()).
		Order("id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	out := make([]store.OutboxMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, store.OutboxMessage{ID: r.ID, Subject: r.Subject, Payload: r.Payload, MsgID: r.MsgID})
	}
	return out, nil
}

func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	err := s.db.WithContext(ctx).Model(&outboxModel{}).Where("id = ?", id).
		Update("published_at", time.Now().Unix()).Error
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	err := s.db.WithContext(ctx).Model(&outboxModel{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"retries":         gorm.Expr("retries + 1"),
			"next_attempt_at": time.Now().Add(backoff).Unix(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

func toConnections(rows []connectionModel) []store.ChannelConnection {
	out := make([]store.ChannelConnection, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toConnection())
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
