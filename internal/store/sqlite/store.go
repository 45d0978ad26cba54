package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/inbox-sync/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Options tunes the SQLite store
type Options struct {
	// Outbox records a message.ingested event for every newly inserted message.
	Outbox bool
}

// Store is the SQLite implementation of store.Store
type Store struct {
	db   *sqlx.DB
	opts Options
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database at dbPath and applies the schema.
// ":memory:" opens a private in-memory database.
func Open(dbPath string, opts Options) (*Store, error) {
	dsn := ":memory:"
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has a single writer; one connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, opts: opts}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

type connectionRow struct {
	ID                    string         `db:"id"`
	WorkspaceID           string         `db:"workspace_id"`
	Provider              string         `db:"provider"`
	ProviderAccountID     string         `db:"provider_account_id"`
	Status                string         `db:"status"`
	SyncCursor            sql.NullString `db:"sync_cursor"`
	WebhookSubscriptionID string         `db:"webhook_subscription_id"`
	WebhookExpiresAt      sql.NullInt64  `db:"webhook_expires_at"`
	LastSyncAt            sql.NullInt64  `db:"last_sync_at"`
	ConsecutiveErrorCount int            `db:"consecutive_error_count"`
	RenewalFailureCount   int            `db:"renewal_failure_count"`
	LastError             string         `db:"last_error"`
	MetadataJSON          string         `db:"metadata_json"`
	CreatedAt             int64          `db:"created_at"`
	UpdatedAt             int64          `db:"updated_at"`
}

func (r connectionRow) toConnection() store.ChannelConnection {
	c := store.ChannelConnection{
		ID:                    r.ID,
		WorkspaceID:           r.WorkspaceID,
		Provider:              store.Provider(r.Provider),
		ProviderAccountID:     r.ProviderAccountID,
		Status:                store.Status(r.Status),
		WebhookSubscriptionID: r.WebhookSubscriptionID,
		ConsecutiveErrorCount: r.ConsecutiveErrorCount,
		RenewalFailureCount:   r.RenewalFailureCount,
		LastError:             r.LastError,
		CreatedAt:             time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:             time.UnixMilli(r.UpdatedAt).UTC(),
	}
	if r.SyncCursor.Valid {
		cursor := r.SyncCursor.String
		c.SyncCursor = &cursor
	}
	c.WebhookExpiresAt = fromMillis(r.WebhookExpiresAt)
	c.LastSyncAt = fromMillis(r.LastSyncAt)
	if r.MetadataJSON != "" {
		_ = json.Unmarshal([]byte(r.MetadataJSON), &c.Metadata)
	}
	return c
}

const connectionColumns = `id, workspace_id, provider, provider_account_id, status, sync_cursor,
	webhook_subscription_id, webhook_expires_at, last_sync_at, consecutive_error_count,
	renewal_failure_count, last_error, metadata_json, created_at, updated_at`

// CreateConnection inserts a new connection. Missing id, status and timestamps are filled in.
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

	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO channel_connections (`+connectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.WorkspaceID, string(c.Provider), c.ProviderAccountID, string(c.Status),
		nullString(c.SyncCursor), c.WebhookSubscriptionID, toMillis(c.WebhookExpiresAt),
		toMillis(c.LastSyncAt), c.ConsecutiveErrorCount, c.RenewalFailureCount, c.LastError,
		string(meta), c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s/%s", store.ErrDuplicate, c.Provider, c.ProviderAccountID)
		}
		return fmt.Errorf("failed to insert connection: %w", err)
	}
	return nil
}

// GetConnection loads one connection by id
func (s *Store) GetConnection(ctx context.Context, id string) (*store.ChannelConnection, error) {
	var row connectionRow
	err := s.db.GetContext(ctx, &row, `SELECT `+connectionColumns+` FROM channel_connections WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("connection %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	c := row.toConnection()
	return &c, nil
}

// ListConnections returns connections matching f ordered by workspace
func (s *Store) ListConnections(ctx context.Context, f store.ConnectionFilter) ([]store.ChannelConnection, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, f.WorkspaceID)
	}
	if f.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, string(f.Provider))
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.WebhookDueBefore != nil {
		where = append(where, "(webhook_expires_at IS NULL OR webhook_expires_at <= ?)")
		args = append(args, f.WebhookDueBefore.UnixMilli())
	}

	query := `SELECT ` + connectionColumns + ` FROM channel_connections`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY workspace_id, created_at, id"

	var rows []connectionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	out := make([]store.ChannelConnection, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toConnection())
	}
	return out, nil
}

// FindByAccount returns every connection bound to a provider account across workspaces
func (s *Store) FindByAccount(ctx context.Context, provider store.Provider, accountID string) ([]store.ChannelConnection, error) {
	var rows []connectionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+connectionColumns+` FROM channel_connections
		WHERE provider = ? AND provider_account_id = ? COLLATE NOCASE
		ORDER BY workspace_id, id
	`, string(provider), accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to find connections by account: %w", err)
	}
	out := make([]store.ChannelConnection, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toConnection())
	}
	return out, nil
}

// FindBySubscription resolves a push subscription id to its connection
func (s *Store) FindBySubscription(ctx context.Context, provider store.Provider, subscriptionID string) (*store.ChannelConnection, error) {
	var row connectionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+connectionColumns+` FROM channel_connections
		WHERE provider = ? AND webhook_subscription_id = ? AND webhook_subscription_id != ''
		LIMIT 1
	`, string(provider), subscriptionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("subscription %s: %w", subscriptionID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find connection by subscription: %w", err)
	}
	c := row.toConnection()
	return &c, nil
}

// CommitSync applies a sync result, guarded by the caller's lease and the expected status
func (s *Store) CommitSync(ctx context.Context, c store.SyncCommit) error {
	if err := store.Transition(c.ExpectStatus, c.Status); err != nil {
		return err
	}

	sets := []string{"status = ?", "consecutive_error_count = ?", "last_error = ?", "updated_at = ?"}
	args := []interface{}{string(c.Status), c.ConsecutiveErrorCount, c.LastError, c.Now.UnixMilli()}
	if c.Cursor != nil {
		sets = append(sets, "sync_cursor = ?")
		args = append(args, *c.Cursor)
	}
	if c.LastSyncAt != nil {
		sets = append(sets, "last_sync_at = ?")
		args = append(args, c.LastSyncAt.UnixMilli())
	}
	args = append(args, c.ConnectionID, string(c.ExpectStatus), c.ConnectionID, c.LeaseToken, c.Now.UnixMilli())

	res, err := s.db.ExecContext(ctx, `
		UPDATE channel_connections SET `+strings.Join(sets, ", ")+`
		WHERE id = ? AND status = ?
		  AND EXISTS (
			SELECT 1 FROM sync_leases
			WHERE connection_id = ? AND holder_token = ? AND expires_at > ?
		  )
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to commit sync: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
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

// UpdateWebhook records a registration or renewal outcome
func (s *Store) UpdateWebhook(ctx context.Context, u store.WebhookUpdate) error {
	if err := store.Transition(u.ExpectStatus, u.Status); err != nil {
		return err
	}

	sets := []string{"status = ?", "renewal_failure_count = ?", "last_error = ?", "updated_at = ?"}
	args := []interface{}{string(u.Status), u.RenewalFailureCount, u.LastError, u.Now.UnixMilli()}
	if u.ExpiresAt != nil {
		sets = append(sets, "webhook_expires_at = ?")
		args = append(args, u.ExpiresAt.UnixMilli())
	}
	if u.SubscriptionID != "" {
		sets = append(sets, "webhook_subscription_id = ?")
		args = append(args, u.SubscriptionID)
	}
	args = append(args, u.ConnectionID, string(u.ExpectStatus))

	res, err := s.db.ExecContext(ctx, `
		UPDATE channel_connections SET `+strings.Join(sets, ", ")+`
		WHERE id = ? AND status = ?
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to update webhook: %w", err)
	}
	return s.checkUpdated(ctx, res, u.ConnectionID)
}

// SetStatus performs a validated compare-and-swap on the connection status
func (s *Store) SetStatus(ctx context.Context, id string, from, to store.Status) error {
	if err := store.Transition(from, to); err != nil {
		return err
	}

	query := `UPDATE channel_connections SET status = ?, updated_at = ?`
	if from == store.StatusAuthExpired && to == store.StatusPending {
		query += `, consecutive_error_count = 0, renewal_failure_count = 0, last_error = ''`
	}
	query += ` WHERE id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, query, string(to), time.Now().UnixMilli(), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	return s.checkUpdated(ctx, res, id)
}

func (s *Store) checkUpdated(ctx context.Context, res sql.Result, id string) error {
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetConnection(ctx, id); err != nil {
		return err
	}
	return store.ErrStatusConflict
}

type messageRow struct {
	ID                string         `db:"id"`
	ConnectionID      string         `db:"connection_id"`
	WorkspaceID       string         `db:"workspace_id"`
	Provider          string         `db:"provider"`
	ProviderMessageID string         `db:"provider_message_id"`
	ThreadID          string         `db:"thread_id"`
	Sender            string         `db:"sender"`
	RecipientsJSON    string         `db:"recipients_json"`
	Subject           string         `db:"subject"`
	Body              string         `db:"body"`
	Snippet           string         `db:"snippet"`
	SentAt            int64          `db:"sent_at"`
	LabelsJSON        string         `db:"labels_json"`
	Priority          sql.NullString `db:"priority"`
	Category          sql.NullString `db:"category"`
	ClassifiedAt      sql.NullInt64  `db:"classified_at"`
	CreatedAt         int64          `db:"created_at"`
	UpdatedAt         int64          `db:"updated_at"`
}

func (r messageRow) toMessage() store.Message {
	m := store.Message{
		ID:                r.ID,
		ConnectionID:      r.ConnectionID,
		WorkspaceID:       r.WorkspaceID,
		Provider:          store.Provider(r.Provider),
		ProviderMessageID: r.ProviderMessageID,
		ThreadID:          r.ThreadID,
		Sender:            r.Sender,
		Subject:           r.Subject,
		Body:              r.Body,
		Snippet:           r.Snippet,
		Timestamp:         time.UnixMilli(r.SentAt).UTC(),
		ClassifiedAt:      fromMillis(r.ClassifiedAt),
		CreatedAt:         time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:         time.UnixMilli(r.UpdatedAt).UTC(),
	}
	_ = json.Unmarshal([]byte(r.RecipientsJSON), &m.Recipients)
	_ = json.Unmarshal([]byte(r.LabelsJSON), &m.Labels)
	if r.Priority.Valid {
		p := r.Priority.String
		m.Priority = &p
	}
	if r.Category.Valid {
		c := r.Category.String
		m.Category = &c
	}
	return m
}

// UpsertMessages inserts new messages and refreshes known ones in one transaction.
// Classification columns are never touched by the update path.
func (s *Store) UpsertMessages(ctx context.Context, msgs []store.Message) (*store.UpsertResult, error) {
	result := &store.UpsertResult{}
	if len(msgs) == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, m := range msgs {
		recipients, _ := json.Marshal(nonNil(m.Recipients))
		labels, _ := json.Marshal(nonNil(m.Labels))
		if m.ID == "" {
			m.ID = uuid.NewString()
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages
			(id, connection_id, workspace_id, provider, provider_message_id, thread_id, sender,
			 recipients_json, subject, body, snippet, sent_at, labels_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (connection_id, provider_message_id) DO NOTHING
		`, m.ID, m.ConnectionID, m.WorkspaceID, string(m.Provider), m.ProviderMessageID, m.ThreadID,
			m.Sender, string(recipients), m.Subject, m.Body, m.Snippet, m.Timestamp.UnixMilli(),
			string(labels), now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("failed to insert message %s: %w", m.ProviderMessageID, err)
		}

		if n, _ := res.RowsAffected(); n == 1 {
			m.CreatedAt, m.UpdatedAt = now, now
			m.Priority, m.Category, m.ClassifiedAt = nil, nil, nil
			if s.opts.Outbox {
				if err := appendOutboxTx(ctx, tx, m, now); err != nil {
					return nil, err
				}
			}
			result.Inserted = append(result.Inserted, m)
			continue
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE messages SET thread_id = ?, sender = ?, recipients_json = ?, subject = ?, body = ?,
			    snippet = ?, sent_at = ?, labels_json = ?, updated_at = ?
			WHERE connection_id = ? AND provider_message_id = ?
		`, m.ThreadID, m.Sender, string(recipients), m.Subject, m.Body, m.Snippet,
			m.Timestamp.UnixMilli(), string(labels), now.UnixMilli(), m.ConnectionID, m.ProviderMessageID)
		if err != nil {
			return nil, fmt.Errorf("failed to update message %s: %w", m.ProviderMessageID, err)
		}
		result.Updated++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return result, nil
}

func appendOutboxTx(ctx context.Context, tx *sqlx.Tx, m store.Message, now time.Time) error {
	ev, err := store.IngestedEvent(m, now)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now.Unix(), ev.Subject, store.EventMessageIngested, ev.Payload, ev.MsgID, now.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// GetMessage loads a message by its dedup key
func (s *Store) GetMessage(ctx context.Context, connectionID, providerMessageID string) (*store.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM messages WHERE connection_id = ? AND provider_message_id = ?
	`, connectionID, providerMessageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", providerMessageID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	m := row.toMessage()
	return &m, nil
}

// CountMessages returns the number of messages stored for a connection
func (s *Store) CountMessages(ctx context.Context, connectionID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages WHERE connection_id = ?`, connectionID); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// SetClassification stores classifier output on a message
func (s *Store) SetClassification(ctx context.Context, messageID string, c store.Classification, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET priority = ?, category = ?, classified_at = ?, updated_at = ?
		WHERE id = ?
	`, c.Priority, c.Category, at.UnixMilli(), at.UnixMilli(), messageID)
	if err != nil {
		return fmt.Errorf("failed to set classification: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", messageID, store.ErrNotFound)
	}
	return nil
}

// AcquireLease grants the lease unless a live one exists
func (s *Store) AcquireLease(ctx context.Context, l store.Lease) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_leases (connection_id, holder_token, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (connection_id) DO UPDATE SET
			holder_token = excluded.holder_token,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE sync_leases.expires_at <= excluded.acquired_at
	`, l.ConnectionID, l.HolderToken, l.AcquiredAt.UnixMilli(), l.ExpiresAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return n == 1, nil
}

// ReleaseLease drops the lease if it is still held by holderToken
func (s *Store) ReleaseLease(ctx context.Context, connectionID, holderToken string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_leases WHERE connection_id = ? AND holder_token = ?
	`, connectionID, holderToken)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// GetLease returns the stored lease row, expired or not
func (s *Store) GetLease(ctx context.Context, connectionID string) (*store.Lease, error) {
	var row struct {
		ConnectionID string `db:"connection_id"`
		HolderToken  string `db:"holder_token"`
		AcquiredAt   int64  `db:"acquired_at"`
		ExpiresAt    int64  `db:"expires_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT * FROM sync_leases WHERE connection_id = ?`, connectionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("lease %s: %w", connectionID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load lease: %w", err)
	}
	return &store.Lease{
		ConnectionID: row.ConnectionID,
		HolderToken:  row.HolderToken,
		AcquiredAt:   time.UnixMilli(row.AcquiredAt).UTC(),
		ExpiresAt:    time.UnixMilli(row.ExpiresAt).UTC(),
	}, nil
}

// DequeueOutbox fetches unpublished messages that are due
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error) {
	var rows []struct {
		ID      int64  `db:"id"`
		Subject string `db:"subject"`
		Payload []byte `db:"payload"`
		MsgID   string `db:"msg_id"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}

	messages := make([]store.OutboxMessage, 0, len(rows))
	for _, r := range rows {
		messages = append(messages, store.OutboxMessage{ID: r.ID, Subject: r.Subject, Payload: r.Payload, MsgID: r.MsgID})
	}
	return messages, nil
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET published_at = ? WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

func toMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
