// Package storetest holds the behavioural suite every store.Store implementation must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Martian-dev/inbox-sync/internal/store"
)

// Factory returns a fresh, empty store with the outbox enabled
type Factory func(t *testing.T) store.Store

// Run executes the conformance suite against stores produced by newStore
func Run(t *testing.T, newStore Factory) {
	t.Run("Connections", func(t *testing.T) { testConnections(t, newStore(t)) })
	t.Run("ListFilters", func(t *testing.T) { testListFilters(t, newStore(t)) })
	t.Run("Lease", func(t *testing.T) { testLease(t, newStore(t)) })
	t.Run("CommitSync", func(t *testing.T) { testCommitSync(t, newStore(t)) })
	t.Run("SetStatus", func(t *testing.T) { testSetStatus(t, newStore(t)) })
	t.Run("Webhook", func(t *testing.T) { testWebhook(t, newStore(t)) })
	t.Run("Messages", func(t *testing.T) { testMessages(t, newStore(t)) })
	t.Run("Outbox", func(t *testing.T) { testOutbox(t, newStore(t)) })
}

// NewConnection inserts a connection with the given identity and status
func NewConnection(t *testing.T, s store.Store, workspace string, provider store.Provider, account string, status store.Status) *store.ChannelConnection {
	t.Helper()
	c := &store.ChannelConnection{
		WorkspaceID:       workspace,
		Provider:          provider,
		ProviderAccountID: account,
		Status:            status,
	}
	if err := s.CreateConnection(context.Background(), c); err != nil {
		t.Fatalf("create connection: %v", err)
	}
	return c
}

func testConnections(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := &store.ChannelConnection{
		WorkspaceID:       "ws1",
		Provider:          store.ProviderIMAP,
		ProviderAccountID: "alice@example.com",
		Metadata:          map[string]string{"imap_host": "imap.example.com:993"},
	}
	if err := s.CreateConnection(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.ID == "" || c.Status != store.StatusPending {
		t.Fatalf("defaults not applied: %+v", c)
	}

	got, err := s.GetConnection(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SyncCursor != nil || got.LastSyncAt != nil || got.WebhookExpiresAt != nil {
		t.Errorf("new connection should have no cursor or timestamps: %+v", got)
	}
	if got.Metadata["imap_host"] != "imap.example.com:993" {
		t.Errorf("metadata lost: %v", got.Metadata)
	}

	dup := &store.ChannelConnection{WorkspaceID: "ws1", Provider: store.ProviderIMAP, ProviderAccountID: "alice@example.com"}
	if err := s.CreateConnection(ctx, dup); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("duplicate account: got %v, want ErrDuplicate", err)
	}
	other := &store.ChannelConnection{WorkspaceID: "ws2", Provider: store.ProviderIMAP, ProviderAccountID: "alice@example.com"}
	if err := s.CreateConnection(ctx, other); err != nil {
		t.Errorf("same account in another workspace should be allowed: %v", err)
	}

	found, err := s.FindByAccount(ctx, store.ProviderIMAP, "alice@example.com")
	if err != nil {
		t.Fatalf("find by account: %v", err)
	}
	if len(found) != 2 {
		t.Errorf("find by account: got %d connections, want 2", len(found))
	}

	if _, err := s.GetConnection(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing connection: got %v, want ErrNotFound", err)
	}
}

func testListFilters(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	a := NewConnection(t, s, "ws1", store.ProviderGmail, "a@example.com", store.StatusActive)
	NewConnection(t, s, "ws1", store.ProviderOutlook, "b@example.com", store.StatusError)
	NewConnection(t, s, "ws2", store.ProviderGmail, "c@example.com", store.StatusAuthExpired)
	d := NewConnection(t, s, "ws2", store.ProviderGmail, "d@example.com", store.StatusActive)

	far := now.Add(72 * time.Hour)
	if err := s.UpdateWebhook(ctx, store.WebhookUpdate{ConnectionID: d.ID, ExpectStatus: store.StatusActive, Status: store.StatusActive, ExpiresAt: &far, Now: now}); err != nil {
		t.Fatalf("update webhook: %v", err)
	}

	tests := []struct {
		name string
		f    store.ConnectionFilter
		want int
	}{
		{"all", store.ConnectionFilter{}, 4},
		{"workspace", store.ConnectionFilter{WorkspaceID: "ws1"}, 2},
		{"provider", store.ConnectionFilter{Provider: store.ProviderGmail}, 3},
		{"syncable", store.ConnectionFilter{Statuses: []store.Status{store.StatusPending, store.StatusActive, store.StatusError}}, 3},
		{"webhook due", store.ConnectionFilter{Provider: store.ProviderGmail, Statuses: []store.Status{store.StatusActive}, WebhookDueBefore: ptr(now.Add(24 * time.Hour))}, 1},
	}
	for _, tt := range tests {
		got, err := s.ListConnections(ctx, tt.f)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if len(got) != tt.want {
			t.Errorf("%s: got %d connections, want %d", tt.name, len(got), tt.want)
		}
	}

	due, _ := s.ListConnections(ctx, store.ConnectionFilter{Provider: store.ProviderGmail, Statuses: []store.Status{store.StatusActive}, WebhookDueBefore: ptr(now.Add(24 * time.Hour))})
	if len(due) == 1 && due[0].ID != a.ID {
		t.Errorf("webhook due: got %s, want never-registered connection %s", due[0].ID, a.ID)
	}
}

func testLease(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	c := NewConnection(t, s, "ws1", store.ProviderGmail, "lease@example.com", store.StatusActive)

	first := store.Lease{ConnectionID: c.ID, HolderToken: "one", AcquiredAt: now, ExpiresAt: now.Add(2 * time.Minute)}
	ok, err := s.AcquireLease(ctx, first)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	second := store.Lease{ConnectionID: c.ID, HolderToken: "two", AcquiredAt: now.Add(time.Minute), ExpiresAt: now.Add(3 * time.Minute)}
	if ok, err := s.AcquireLease(ctx, second); err != nil || ok {
		t.Fatalf("acquire over live lease: ok=%v err=%v", ok, err)
	}

	if err := s.ReleaseLease(ctx, c.ID, "two"); err != nil {
		t.Fatalf("release with foreign token: %v", err)
	}
	if l, err := s.GetLease(ctx, c.ID); err != nil || l.HolderToken != "one" {
		t.Fatalf("foreign release must not drop the lease: %+v %v", l, err)
	}

	third := store.Lease{ConnectionID: c.ID, HolderToken: "three", AcquiredAt: now.Add(2 * time.Minute), ExpiresAt: now.Add(4 * time.Minute)}
	if ok, err := s.AcquireLease(ctx, third); err != nil || !ok {
		t.Fatalf("reclaim expired lease: ok=%v err=%v", ok, err)
	}

	if err := s.ReleaseLease(ctx, c.ID, "three"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := s.GetLease(ctx, c.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("lease should be gone: %v", err)
	}
}

func testCommitSync(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	c := NewConnection(t, s, "ws1", store.ProviderGmail, "commit@example.com", store.StatusPending)

	lease := store.Lease{ConnectionID: c.ID, HolderToken: "holder", AcquiredAt: now, ExpiresAt: now.Add(2 * time.Minute)}
	if ok, err := s.AcquireLease(ctx, lease); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	cursor := "100"
	err := s.CommitSync(ctx, store.SyncCommit{
		ConnectionID: c.ID, LeaseToken: "intruder", ExpectStatus: store.StatusPending,
		Status: store.StatusActive, Cursor: &cursor, LastSyncAt: &now, Now: now,
	})
	if !errors.Is(err, store.ErrLeaseLost) {
		t.Fatalf("commit without lease: got %v, want ErrLeaseLost", err)
	}

	err = s.CommitSync(ctx, store.SyncCommit{
		ConnectionID: c.ID, LeaseToken: "holder", ExpectStatus: store.StatusActive,
		Status: store.StatusActive, Cursor: &cursor, Now: now,
	})
	if !errors.Is(err, store.ErrStatusConflict) {
		t.Fatalf("commit with stale status: got %v, want ErrStatusConflict", err)
	}

	err = s.CommitSync(ctx, store.SyncCommit{
		ConnectionID: c.ID, LeaseToken: "holder", ExpectStatus: store.StatusPending,
		Status: store.StatusActive, Cursor: &cursor, LastSyncAt: &now, Now: now,
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, _ := s.GetConnection(ctx, c.ID)
	if got.Status != store.StatusActive || got.SyncCursor == nil || *got.SyncCursor != "100" || got.LastSyncAt == nil {
		t.Fatalf("commit not applied: %+v", got)
	}

	err = s.CommitSync(ctx, store.SyncCommit{
		ConnectionID: c.ID, LeaseToken: "holder", ExpectStatus: store.StatusActive,
		Status: store.StatusActive, ConsecutiveErrorCount: 1, LastError: "boom", Now: now,
	})
	if err != nil {
		t.Fatalf("error commit: %v", err)
	}
	got, _ = s.GetConnection(ctx, c.ID)
	if *got.SyncCursor != "100" || got.ConsecutiveErrorCount != 1 || got.LastError != "boom" {
		t.Fatalf("nil cursor must leave stored cursor: %+v", got)
	}

	expired := now.Add(3 * time.Minute)
	err = s.CommitSync(ctx, store.SyncCommit{
		ConnectionID: c.ID, LeaseToken: "holder", ExpectStatus: store.StatusActive,
		Status: store.StatusActive, Now: expired,
	})
	if !errors.Is(err, store.ErrLeaseLost) {
		t.Fatalf("commit after expiry: got %v, want ErrLeaseLost", err)
	}

	err = s.CommitSync(ctx, store.SyncCommit{
		ConnectionID: c.ID, LeaseToken: "holder", ExpectStatus: store.StatusActive,
		Status: store.StatusPending, Now: now,
	})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("active -> pending: got %v, want ErrInvalidTransition", err)
	}
}

func testSetStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := NewConnection(t, s, "ws1", store.ProviderOutlook, "status@example.com", store.StatusActive)

	if err := s.SetStatus(ctx, c.ID, store.StatusActive, store.StatusDisconnected); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("active -> disconnected: got %v", err)
	}
	if err := s.SetStatus(ctx, c.ID, store.StatusError, store.StatusDisconnected); !errors.Is(err, store.ErrStatusConflict) {
		t.Fatalf("stale from status: got %v, want ErrStatusConflict", err)
	}
	if err := s.SetStatus(ctx, c.ID, store.StatusActive, store.StatusAuthExpired); err != nil {
		t.Fatalf("active -> auth_expired: %v", err)
	}
	if err := s.SetStatus(ctx, c.ID, store.StatusAuthExpired, store.StatusPending); err != nil {
		t.Fatalf("reauthorize: %v", err)
	}
	got, _ := s.GetConnection(ctx, c.ID)
	if got.Status != store.StatusPending || got.ConsecutiveErrorCount != 0 {
		t.Fatalf("reauthorize: %+v", got)
	}
	if err := s.SetStatus(ctx, "missing", store.StatusError, store.StatusDisconnected); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing connection: got %v", err)
	}
}

func testWebhook(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	c := NewConnection(t, s, "ws1", store.ProviderOutlook, "hook@example.com", store.StatusActive)

	exp := now.Add(70 * time.Hour)
	err := s.UpdateWebhook(ctx, store.WebhookUpdate{
		ConnectionID: c.ID, ExpectStatus: store.StatusActive, Status: store.StatusActive,
		ExpiresAt: &exp, SubscriptionID: "sub-1", Now: now,
	})
	if err != nil {
		t.Fatalf("update webhook: %v", err)
	}

	found, err := s.FindBySubscription(ctx, store.ProviderOutlook, "sub-1")
	if err != nil || found.ID != c.ID {
		t.Fatalf("find by subscription: %+v %v", found, err)
	}
	if found.WebhookExpiresAt == nil || found.WebhookExpiresAt.UnixMilli() != exp.UnixMilli() {
		t.Fatalf("expiry not stored: %v", found.WebhookExpiresAt)
	}
	if _, err := s.FindBySubscription(ctx, store.ProviderOutlook, "sub-2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown subscription: got %v", err)
	}

	err = s.UpdateWebhook(ctx, store.WebhookUpdate{
		ConnectionID: c.ID, ExpectStatus: store.StatusActive, Status: store.StatusError,
		RenewalFailureCount: 4, LastError: "renew failed", Now: now,
	})
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	got, _ := s.GetConnection(ctx, c.ID)
	if got.Status != store.StatusError || got.RenewalFailureCount != 4 || got.WebhookSubscriptionID != "sub-1" {
		t.Fatalf("failure not recorded: %+v", got)
	}
}

func testMessages(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := NewConnection(t, s, "ws1", store.ProviderGmail, "msgs@example.com", store.StatusActive)

	batch := []store.Message{
		message(c, "m1", []string{"INBOX"}),
		message(c, "m2", []string{"INBOX"}),
	}
	res, err := s.UpsertMessages(ctx, batch)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if len(res.Inserted) != 2 || res.Updated != 0 {
		t.Fatalf("first upsert: inserted=%d updated=%d", len(res.Inserted), res.Updated)
	}
	if res.Inserted[0].ID == "" {
		t.Fatal("inserted message should carry its id")
	}

	if err := s.SetClassification(ctx, res.Inserted[0].ID, store.Classification{Priority: "high", Category: "work"}, time.Now()); err != nil {
		t.Fatalf("classify: %v", err)
	}

	res, err = s.UpsertMessages(ctx, []store.Message{
		message(c, "m1", []string{"INBOX", "STARRED"}),
		message(c, "m3", nil),
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if len(res.Inserted) != 1 || res.Updated != 1 || res.Inserted[0].ProviderMessageID != "m3" {
		t.Fatalf("second upsert: inserted=%v updated=%d", res.Inserted, res.Updated)
	}

	n, err := s.CountMessages(ctx, c.ID)
	if err != nil || n != 3 {
		t.Fatalf("count: n=%d err=%v", n, err)
	}

	m1, err := s.GetMessage(ctx, c.ID, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(m1.Labels) != 2 || m1.Labels[1] != "STARRED" {
		t.Errorf("labels not updated: %v", m1.Labels)
	}
	if m1.Priority == nil || *m1.Priority != "high" || m1.Category == nil || *m1.Category != "work" {
		t.Errorf("classification must survive re-ingestion: %+v", m1)
	}

	m3, _ := s.GetMessage(ctx, c.ID, "m3")
	if m3.Priority != nil || m3.Category != nil {
		t.Errorf("unclassified message should have nil classification: %+v", m3)
	}
}

func testOutbox(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := NewConnection(t, s, "ws1", store.ProviderSlack, "C123", store.StatusActive)

	if _, err := s.UpsertMessages(ctx, []store.Message{message(c, "1700000000.000100", nil)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.UpsertMessages(ctx, []store.Message{message(c, "1700000000.000100", []string{"edited"})}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	pending, err := s.DequeueOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("outbox should hold one entry per new message, got %d", len(pending))
	}
	if pending[0].Subject != "inbox.ws1.message.ingested" {
		t.Errorf("subject = %q", pending[0].Subject)
	}

	if err := s.MarkOutboxRetry(ctx, pending[0].ID, time.Hour); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if again, _ := s.DequeueOutbox(ctx, 10); len(again) != 0 {
		t.Fatalf("entry in backoff should not be due, got %d", len(again))
	}
	if err := s.MarkPublished(ctx, pending[0].ID); err != nil {
		t.Fatalf("mark published: %v", err)
	}
}

func message(c *store.ChannelConnection, id string, labels []string) store.Message {
	return store.Message{
		ConnectionID:      c.ID,
		WorkspaceID:       c.WorkspaceID,
		Provider:          c.Provider,
		ProviderMessageID: id,
		Sender:            "bob@example.com",
		Recipients:        []string{c.ProviderAccountID},
		Subject:           "hello " + id,
		Snippet:           "hello",
		Timestamp:         time.Now().UTC().Truncate(time.Millisecond),
		Labels:            labels,
	}
}

func ptr[T any](v T) *T { return &v }
