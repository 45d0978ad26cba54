package outlook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Martian-dev/inbox-sync/internal/store"
	"github.com/Martian-dev/inbox-sync/internal/sync"
)

type fakeGraph struct {
	srv       *httptest.Server
	prefer    string
	filter    string
	posts     int
	patches   []string
	lastState string
	failWith  int
}

func newFakeGraph(t *testing.T) (*fakeGraph, *Adapter) {
	t.Helper()
	f := &fakeGraph{}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)

	a, err := New(context.Background(), nil, "me@example.com", Config{
		NotificationURL: "https://inbox.example.com/webhooks/outlook",
		ClientState:     "s3cret",
		BaseURL:         f.srv.URL + "/v1.0",
		HTTPClient:      f.srv.Client(),
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	a.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return f, a
}

func (f *fakeGraph) serve(w http.ResponseWriter, r *http.Request) {
	if f.failWith != 0 {
		writeError(w, f.failWith, "TooManyRequests")
		return
	}
	switch {
	case strings.Contains(r.URL.Path, "/messages/delta"):
		f.prefer = r.Header.Get("Prefer")
		f.filter = r.URL.Query().Get("$filter")
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"value": []map[string]interface{}{
				graphMessage("AAMk-1", false),
				{"id": "AAMk-old", "@removed": map[string]string{"reason": "deleted"}},
			},
			"@odata.nextLink": f.srv.URL + "/v1.0/page-2",
		})
	case r.URL.Path == "/v1.0/page-2":
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"value":            []map[string]interface{}{graphMessage("AAMk-2", true)},
			"@odata.deltaLink": f.srv.URL + "/v1.0/delta-token-1",
		})
	case r.URL.Path == "/v1.0/delta-token-1":
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"value":            []map[string]interface{}{},
			"@odata.deltaLink": f.srv.URL + "/v1.0/delta-token-2",
		})
	case r.URL.Path == "/v1.0/expired-token":
		writeError(w, http.StatusGone, "SyncStateNotFound")
	case r.Method == http.MethodPost && r.URL.Path == "/v1.0/subscriptions":
		f.posts++
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.lastState, _ = body["clientState"].(string)
		if body["changeType"] != "created,updated" || body["resource"] != "users/me@example.com/mailFolders('inbox')/messages" {
			writeError(w, http.StatusBadRequest, "InvalidRequest")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"id":                 "sub-new",
			"expirationDateTime": body["expirationDateTime"],
		})
	case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/v1.0/subscriptions/"):
		id := strings.TrimPrefix(r.URL.Path, "/v1.0/subscriptions/")
		f.patches = append(f.patches, id)
		if id == "missing" {
			writeError(w, http.StatusNotFound, "ResourceNotFound")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "expirationDateTime": "2025-03-04T10:00:00Z"})
	default:
		writeError(w, http.StatusNotFound, "ResourceNotFound")
	}
}

func graphMessage(id string, read bool) map[string]interface{} {
	return map[string]interface{}{
		"id":               id,
		"conversationId":   "conv-" + id,
		"subject":          "Quarterly numbers",
		"bodyPreview":      "Numbers attached",
		"body":             map[string]string{"contentType": "text", "content": "Numbers attached, see below."},
		"receivedDateTime": "2025-03-01T09:30:00Z",
		"isRead":           read,
		"categories":       []string{"Finance"},
		"from":             map[string]interface{}{"emailAddress": map[string]string{"name": "Grace", "address": "grace@example.com"}},
		"toRecipients":     []map[string]interface{}{{"emailAddress": map[string]string{"address": "me@example.com"}}},
		"ccRecipients":     []map[string]interface{}{{"emailAddress": map[string]string{"address": "team@example.com"}}},
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode string) {
	w.Header().Set("Retry-After", "7")
	writeJSON(w, code, map[string]interface{}{"error": map[string]string{"code": errCode, "message": errCode}})
}

func TestDeltaPaging(t *testing.T) {
	f, a := newFakeGraph(t)
	ctx := context.Background()

	res, err := a.FetchChanges(ctx, nil, 25)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if f.prefer != "odata.maxpagesize=25" {
		t.Errorf("prefer = %q", f.prefer)
	}
	if f.filter != "receivedDateTime ge 2025-02-22T12:00:00Z" {
		t.Errorf("filter = %q", f.filter)
	}
	if !res.HasMore || res.NextCursor != f.srv.URL+"/v1.0/page-2" {
		t.Errorf("hasMore=%v cursor=%s", res.HasMore, res.NextCursor)
	}
	if len(res.Messages) != 1 {
		t.Fatalf("messages = %d, want 1 (removed entries dropped)", len(res.Messages))
	}

	m := res.Messages[0]
	if m.Sender != "grace@example.com" || m.ThreadID != "conv-AAMk-1" || m.Body != "Numbers attached, see below." {
		t.Errorf("mapping: %+v", m)
	}
	if len(m.Recipients) != 2 || len(m.Labels) != 2 || m.Labels[1] != "UNREAD" {
		t.Errorf("recipients=%v labels=%v", m.Recipients, m.Labels)
	}
	if !m.Timestamp.Equal(time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)) {
		t.Errorf("timestamp = %v", m.Timestamp)
	}

	res, err = a.FetchChanges(ctx, &res.NextCursor, 25)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if res.HasMore || res.NextCursor != f.srv.URL+"/v1.0/delta-token-1" || len(res.Messages) != 1 {
		t.Errorf("page 2: hasMore=%v cursor=%s messages=%d", res.HasMore, res.NextCursor, len(res.Messages))
	}

	res, err = a.FetchChanges(ctx, &res.NextCursor, 25)
	if err != nil {
		t.Fatalf("delta round: %v", err)
	}
	if res.NextCursor != f.srv.URL+"/v1.0/delta-token-2" || len(res.Messages) != 0 {
		t.Errorf("delta round: cursor=%s messages=%d", res.NextCursor, len(res.Messages))
	}
}

func TestExpiredDeltaTokenRestartsBootstrap(t *testing.T) {
	f, a := newFakeGraph(t)
	cursor := f.srv.URL + "/v1.0/expired-token"

	res, err := a.FetchChanges(context.Background(), &cursor, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.NextCursor != f.srv.URL+"/v1.0/page-2" {
		t.Errorf("cursor = %s, want bootstrap page", res.NextCursor)
	}
}

func TestSubscriptions(t *testing.T) {
	f, a := newFakeGraph(t)
	ctx := context.Background()

	reg, err := a.RegisterWebhook(ctx, store.ChannelConnection{ID: "c1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.SubscriptionID != "sub-new" || f.lastState != "s3cret" {
		t.Errorf("registration = %+v state=%s", reg, f.lastState)
	}
	want := time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)
	if reg.ExpiresAt == nil || !reg.ExpiresAt.Equal(want) {
		t.Errorf("expires = %v, want %v", reg.ExpiresAt, want)
	}

	reg, err = a.RenewWebhook(ctx, store.ChannelConnection{ID: "c1", WebhookSubscriptionID: "sub-live"})
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if reg.SubscriptionID != "sub-live" || !reg.ExpiresAt.Equal(want) {
		t.Errorf("renewal = %+v", reg)
	}

	reg, err = a.RenewWebhook(ctx, store.ChannelConnection{ID: "c1", WebhookSubscriptionID: "missing"})
	if err != nil {
		t.Fatalf("renew missing: %v", err)
	}
	if reg.SubscriptionID != "sub-new" || f.posts != 2 {
		t.Errorf("missing subscription not recreated: %+v posts=%d", reg, f.posts)
	}
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	f, a := newFakeGraph(t)
	f.failWith = http.StatusTooManyRequests

	_, err := a.FetchChanges(context.Background(), nil, 10)
	if !errors.Is(err, sync.ErrRateLimited) {
		t.Fatalf("err = %v, want rate limited", err)
	}
	if got := sync.RetryAfter(err); got != 7*time.Second {
		t.Errorf("retry after = %v, want 7s", got)
	}

	f.failWith = http.StatusUnauthorized
	if _, err := a.RenewWebhook(context.Background(), store.ChannelConnection{WebhookSubscriptionID: "x"}); !errors.Is(err, sync.ErrAuthExpired) {
		t.Errorf("err = %v, want auth expired", err)
	}
}

func TestRegisterRequiresNotificationURL(t *testing.T) {
	_, a := newFakeGraph(t)
	a.cfg.NotificationURL = ""
	if _, err := a.RegisterWebhook(context.Background(), store.ChannelConnection{}); !errors.Is(err, sync.ErrPermanent) {
		t.Errorf("err = %v, want permanent", err)
	}
}
