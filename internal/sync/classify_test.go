package sync

import (
	"context"
	"errors"
	gosync "sync"
	"testing"

	"github.com/Martian-dev/inbox-sync/internal/store"
)

type stubClassifier struct {
	mu    gosync.Mutex
	seen  []string
	fails map[string]bool
}

func (c *stubClassifier) Classify(ctx context.Context, m store.Message) (store.Classification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, m.ProviderMessageID)
	if c.fails[m.ProviderMessageID] {
		return store.Classification{}, errors.New("classifier unavailable")
	}
	return store.Classification{Priority: "high", Category: "customer"}, nil
}

func TestDispatcherClassifiesNewMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cls := &stubClassifier{fails: map[string]bool{"m2": true}}
	d := NewDispatcher(cls, h.store, 2, 16, 0)
	d.Start(ctx)
	h.executor.classifier = d

	c := h.connection("ws1", store.ProviderGmail, "me@example.com", store.StatusPending, nil)
	h.adapter(c.ID).setPage("", &FetchResult{Messages: []RawMessage{raw("m1"), raw("m2"), raw("m3")}, NextCursor: "C1"})

	if out, _ := h.orchestrator.SyncConnection(ctx, c.ID, RunOptions{AutoClassify: true}); out.Err != nil {
		t.Fatalf("sync: %v", out.Err)
	}
	d.Stop()

	if len(cls.seen) != 3 {
		t.Fatalf("classified %d messages, want 3", len(cls.seen))
	}
	for _, id := range []string{"m1", "m3"} {
		m, err := h.store.GetMessage(ctx, c.ID, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if m.Priority == nil || *m.Priority != "high" || m.ClassifiedAt == nil {
			t.Errorf("%s not classified: %+v", id, m)
		}
	}
	m2, err := h.store.GetMessage(ctx, c.ID, "m2")
	if err != nil {
		t.Fatalf("get m2: %v", err)
	}
	if m2.Priority != nil {
		t.Errorf("failed classification should leave m2 untouched, got %s", *m2.Priority)
	}
}

func TestDispatcherSkipsWithoutAutoClassify(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cls := &stubClassifier{}
	d := NewDispatcher(cls, h.store, 1, 4, 0)
	d.Start(ctx)
	h.executor.classifier = d

	c := h.connection("ws1", store.ProviderGmail, "me@example.com", store.StatusPending, nil)
	h.adapter(c.ID).setPage("", &FetchResult{Messages: []RawMessage{raw("m1")}, NextCursor: "C1"})
	h.orchestrator.SyncConnection(ctx, c.ID, RunOptions{})
	d.Stop()

	if len(cls.seen) != 0 {
		t.Errorf("classifier called %d times without auto classify", len(cls.seen))
	}
}

func TestDispatcherEnqueueAfterStop(t *testing.T) {
	d := NewDispatcher(&stubClassifier{}, nil, 1, 1, 0)
	d.Stop()
	if d.Enqueue(store.Message{ID: "x"}) {
		t.Error("enqueue after stop should be rejected")
	}
	d.Stop()
}

func TestDispatcherQueueFull(t *testing.T) {
	d := NewDispatcher(&stubClassifier{}, nil, 1, 1, 0)
	if !d.Enqueue(store.Message{ID: "a"}) {
		t.Fatal("first enqueue should fit")
	}
	if d.Enqueue(store.Message{ID: "b"}) {
		t.Error("enqueue on a full queue should not block or succeed")
	}
}
