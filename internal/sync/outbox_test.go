package sync

import (
	"context"
	"encoding/json"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/Martian-dev/inbox-sync/internal/store"
)

type published struct {
	subject string
	payload []byte
	msgID   string
}

type fakePublisher struct {
	mu   gosync.Mutex
	sent []published
	err  error
}

func (p *fakePublisher) Publish(subject string, payload []byte, msgID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{subject, payload, msgID})
	return nil
}

func TestOutboxPublishesIngestedEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.connection("ws1", store.ProviderGmail, "me@example.com", store.StatusPending, nil)
	a := h.adapter(c.ID)
	a.setPage("", &FetchResult{Messages: []RawMessage{raw("m1"), raw("m2"), raw("m3")}, NextCursor: "C1"})
	a.setPage("C1", &FetchResult{Messages: []RawMessage{raw("m2", "STARRED")}, NextCursor: "C2"})

	h.orchestrator.SyncConnection(ctx, c.ID, RunOptions{})
	h.orchestrator.SyncConnection(ctx, c.ID, RunOptions{})

	pub := &fakePublisher{}
	d := NewOutboxDispatcher(h.store, pub)

	n, err := d.DispatchOnce(ctx)
	if err != nil || n != 3 {
		t.Fatalf("dispatch: n=%d err=%v", n, err)
	}
	if n, _ := d.DispatchOnce(ctx); n != 0 {
		t.Errorf("second dispatch attempted %d entries, want 0", n)
	}

	first := pub.sent[0]
	if first.subject != "inbox.ws1.message.ingested" {
		t.Errorf("subject = %s", first.subject)
	}
	if first.msgID != "message.ingested|"+c.ID+"|m1" {
		t.Errorf("msg id = %s", first.msgID)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(first.payload, &body); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if body["connection_id"] != c.ID || body["provider_message_id"] != "m1" {
		t.Errorf("payload = %v", body)
	}
}

func TestOutboxFailedPublishIsRetriedLater(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.connection("ws1", store.ProviderSlack, "C1", store.StatusPending, nil)
	h.adapter(c.ID).setPage("", &FetchResult{Messages: []RawMessage{raw("1700000000.000100")}, NextCursor: "s1"})
	h.orchestrator.SyncConnection(ctx, c.ID, RunOptions{})

	pub := &fakePublisher{err: errors.New("nats: no responders")}
	d := NewOutboxDispatcher(h.store, pub)

	if n, err := d.DispatchOnce(ctx); err != nil || n != 1 {
		t.Fatalf("dispatch: n=%d err=%v", n, err)
	}
	// backed off, so nothing is due right away
	if n, _ := d.DispatchOnce(ctx); n != 0 {
		t.Errorf("entry re-attempted before backoff elapsed")
	}
	if len(pub.sent) != 0 {
		t.Errorf("sent = %v", pub.sent)
	}
}

// brokenRetryStore fails every retry write, leaving entries due
type brokenRetryStore struct {
	store.OutboxStore
	retries int
}

func (s *brokenRetryStore) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	s.retries++
	return errors.New("database is locked")
}

func TestOutboxRetryWriteFailureIsReported(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.connection("ws1", store.ProviderSlack, "C1", store.StatusPending, nil)
	h.adapter(c.ID).setPage("", &FetchResult{Messages: []RawMessage{raw("1700000000.000100")}, NextCursor: "s1"})
	h.orchestrator.SyncConnection(ctx, c.ID, RunOptions{})

	st := &brokenRetryStore{OutboxStore: h.store}
	d := NewOutboxDispatcher(st, &fakePublisher{err: errors.New("nats: no responders")})

	n, err := d.DispatchOnce(ctx)
	if n != 1 || err == nil {
		t.Fatalf("dispatch: n=%d err=%v, want 1 attempted and an error", n, err)
	}
	if st.retries != 1 {
		t.Errorf("retry writes = %d, want 1", st.retries)
	}
}

func TestOutboxRunBacksOffOnRetryWriteFailure(t *testing.T) {
	h := newHarness(t)
	c := h.connection("ws1", store.ProviderSlack, "C1", store.StatusPending, nil)
	h.adapter(c.ID).setPage("", &FetchResult{Messages: []RawMessage{raw("1700000000.000100")}, NextCursor: "s1"})
	h.orchestrator.SyncConnection(context.Background(), c.ID, RunOptions{})

	st := &brokenRetryStore{OutboxStore: h.store}
	pub := &fakePublisher{err: errors.New("nats: no responders")}
	d := NewOutboxDispatcher(st, pub)
	d.IdleWait = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	d.Run(ctx)

	// the error path waits a second between batches, so only the first attempt fits
	if st.retries != 1 {
		t.Errorf("retry writes = %d within 300ms, want 1", st.retries)
	}
}

func TestOutboxRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	d := NewOutboxDispatcher(h.store, &fakePublisher{})

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
}
