package sync

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/Martian-dev/inbox-sync/internal/store"
)

func TestBootstrapSync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.connection("ws1", store.ProviderGmail, "me@example.com", store.StatusPending, nil)
	h.adapter(c.ID).setPage("", &FetchResult{
		Messages:   []RawMessage{raw("m1"), raw("m2"), raw("m3")},
		NextCursor: "C1",
	})

	out, acquired := h.orchestrator.SyncConnection(ctx, c.ID, RunOptions{})
	if !acquired || out.Err != nil {
		t.Fatalf("sync: acquired=%v err=%v", acquired, out.Err)
	}
	if out.NewMessageCount != 3 {
		t.Errorf("NewMessageCount = %d, want 3", out.NewMessageCount)
	}

	got := h.reload(c.ID)
	if got.Status != store.StatusActive {
		t.Errorf("status = %s, want active", got.Status)
	}
	if got.SyncCursor == nil || *got.SyncCursor != "C1" {
		t.Errorf("cursor = %v, want C1", got.SyncCursor)
	}
	if got.LastSyncAt == nil {
		t.Error("lastSyncAt not set")
	}
	if n := h.count(c.ID); n != 3 {
		t.Errorf("messages = %d, want 3", n)
	}
	if _, err := h.store.GetLease(ctx, c.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("lease should be released, got %v", err)
	}
}

func TestIncrementalSyncUpdatesLabels(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.connection("ws1", store.ProviderGmail, "me@example.com", store.StatusPending, nil)
	a := h.adapter(c.ID)
	a.setPage("", &FetchResult{Messages: []RawMessage{raw("m1"), raw("m2", "INBOX"), raw("m3")}, NextCursor: "C1"})
	a.setPage("C1", &FetchResult{Messages: []RawMessage{raw("m4"), raw("m2", "INBOX", "IMPORTANT")}, NextCursor: "C2"})

	if out, _ := h.orchestrator.SyncConnection(ctx, c.ID, RunOptions{}); out.Err != nil {
		t.Fatalf("first sync: %v", out.Err)
	}
	out, _ := h.orchestrator.SyncConnection(ctx, c.ID, RunOptions{})
	if out.Err != nil {
		t.Fatalf("second sync: %v", out.Err)
	}
	if out.NewMessageCount != 1 || out.UpdatedCount != 1 {
		t.Errorf("new=%d updated=%d, want 1 and 1", out.NewMessageCount, out.UpdatedCount)
	}
	if n := h.count(c.ID); n != 4 {
		t.Errorf("messages = %d, want 4", n)
	}
	m2, err := h.store.GetMessage(ctx, c.ID, "m2")
	if err != nil {
		t.Fatalf("get m2: %v", err)
	}
	if len(m2.Labels) != 2 || m2.Labels[1] != "IMPORTANT" {
		t.Errorf("m2 labels = %v", m2.Labels)
	}
	if got := h.reload(c.ID); *got.SyncCursor != "C2" {
		t.Errorf("cursor = %s, want C2", *got.SyncCursor)
	}
}

func TestRerunWithoutChangesIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.connection("ws1", store.ProviderOutlook, "me@example.com", store.StatusPending, nil)
	h.adapter(c.ID).setPage("", &FetchResult{Messages: []RawMessage{raw("a"), raw("b"), raw("c")}, NextCursor: "D1"})

	h.orchestrator.SyncConnection(ctx, c.ID, RunOptions{})
	first := h.reload(c.ID)

	h.clock.Advance(5 * time.Minute)
	out, _ := h.orchestrator.SyncConnection(ctx, c.ID, RunOptions{})
	if out.Err != nil || out.NewMessageCount != 0 {
		t.Fatalf("rerun: new=%d err=%v", out.NewMessageCount, out.Err)
	}
	second := h.reload(c.ID)

	if n := h.count(c.ID); n != 3 {
		t.Errorf("messages = %d, want 3", n)
	}
	if *second.SyncCursor != *first.SyncCursor {
		t.Errorf("cursor moved: %s -> %s", *first.SyncCursor, *second.SyncCursor)
	}
	if !second.LastSyncAt.After(*first.LastSyncAt) {
		t.Errorf("lastSyncAt not updated: %v -> %v", first.LastSyncAt, second.LastSyncAt)
	}
}

func TestAuthExpiredStopsSyncing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.connection("ws1", store.ProviderGmail, "me@example.com", store.StatusActive, strPtr("100"))
	a := h.adapter(c.ID)
	a.setFetchErr(AuthExpired(errors.New("invalid_grant")))

	out, _ := h.orchestrator.SyncConnection(ctx, c.ID, RunOptions{})
	if !errors.Is(out.Err, ErrAuthExpired) {
		t.Fatalf("err = %v, want auth expired", out.Err)
	}
	got := h.reload(c.ID)
	if got.Status != store.StatusAuthExpired {
		t.Fatalf("status = %s, want auth_expired", got.Status)
	}
	if *got.SyncCursor != "100" {
		t.Errorf("cursor changed to %s", *got.SyncCursor)
	}

	summary, err := h.orchestrator.SyncAll(ctx, SyncOptions{})
	if err != nil {
		t.Fatalf("sync all: %v", err)
	}
	if summary.ConnectionsProcessed != 0 || a.calls() != 1 {
		t.Errorf("auth_expired connection was synced again: %+v calls=%d", summary, a.calls())
	}

	// a direct trigger is a no-op too
	out, _ = h.orchestrator.SyncConnection(ctx, c.ID, RunOptions{})
	if !out.Noop || a.calls() != 1 {
		t.Errorf("direct trigger: noop=%v calls=%d", out.Noop, a.calls())
	}
}

func TestErrorThreshold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.connection("ws1", store.ProviderSlack, "C42", store.StatusActive, strPtr("cur"))
	a := h.adapter(c.ID)
	a.setFetchErr(Transient(errors.New("503")))

	for i := 1; i <= 3; i++ {
		h.orchestrator.SyncConnection(ctx, c.ID, RunOptions{})
		got := h.reload(c.ID)
		if got.Status != store.StatusActive || got.ConsecutiveErrorCount != i {
			t.Fatalf("failure %d: status=%s count=%d", i, got.Status, got.ConsecutiveErrorCount)
		}
	}

	h.orchestrator.SyncConnection(ctx, c.ID, RunOptions{})
	got := h.reload(c.ID)
	if got.Status != store.StatusError || got.ConsecutiveErrorCount != 4 {
		t.Fatalf("after threshold: status=%s count=%d", got.Status, got.ConsecutiveErrorCount)
	}
	if got.LastError == "" {
		t.Error("last error not recorded")
	}

	a.setFetchErr(nil)
	out, _ := h.orchestrator.SyncConnection(ctx, c.ID, RunOptions{})
	if out.Err != nil {
		t.Fatalf("recovery sync: %v", out.Err)
	}
	got = h.reload(c.ID)
	if got.Status != store.StatusActive || got.ConsecutiveErrorCount != 0 {
		t.Fatalf("recovery: status=%s count=%d", got.Status, got.ConsecutiveErrorCount)
	}
}

func TestPermanentFailureKeepsCounters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.connection("ws1", store.ProviderIMAP, "me@example.com", store.StatusActive, strPtr("7:100"))
	h.adapter(c.ID).setFetchErr(Permanent(errors.New("mailbox does not exist")))

	out, _ := h.orchestrator.SyncConnection(ctx, c.ID, RunOptions{})
	if !errors.Is(out.Err, ErrPermanent) {
		t.Fatalf("err = %v", out.Err)
	}
	got := h.reload(c.ID)
	if got.Status != store.StatusActive || got.ConsecutiveErrorCount != 0 || *got.SyncCursor != "7:100" {
		t.Fatalf("permanent failure changed state: %+v", got)
	}
	if got.LastError == "" {
		t.Error("last error not recorded")
	}
}

func TestSkippedMessagesDoNotBlockCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.connection("ws1", store.ProviderGmail, "me@example.com", store.StatusPending, nil)
	h.adapter(c.ID).setPage("", &FetchResult{
		Messages:   []RawMessage{raw("good"), raw(""), raw("good")},
		Skipped:    []SkippedMessage{{ProviderMessageID: "gone", Err: Permanent(errors.New("404"))}},
		NextCursor: "C9",
	})

	out, _ := h.orchestrator.SyncConnection(ctx, c.ID, RunOptions{})
	if out.Err != nil {
		t.Fatalf("sync: %v", out.Err)
	}
	if out.NewMessageCount != 1 || out.SkippedCount != 2 {
		t.Errorf("new=%d skipped=%d, want 1 and 2", out.NewMessageCount, out.SkippedCount)
	}
	if got := h.reload(c.ID); *got.SyncCursor != "C9" {
		t.Errorf("cursor = %s, want C9", *got.SyncCursor)
	}
}

func TestHasMoreRunsOneExtraPass(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.connection("ws1", store.ProviderOutlook, "me@example.com", store.StatusPending, nil)
	a := h.adapter(c.ID)
	a.setPage("", &FetchResult{Messages: []RawMessage{raw("1"), raw("2")}, NextCursor: "P1", HasMore: true})
	a.setPage("P1", &FetchResult{Messages: []RawMessage{raw("3")}, NextCursor: "P2", HasMore: true})
	a.setPage("P2", &FetchResult{Messages: []RawMessage{raw("4")}, NextCursor: "P3"})

	out, _ := h.orchestrator.SyncConnection(ctx, c.ID, RunOptions{})
	if out.Err != nil {
		t.Fatalf("sync: %v", out.Err)
	}
	if out.Passes != 2 || out.NewMessageCount != 3 {
		t.Errorf("passes=%d new=%d, want 2 and 3", out.Passes, out.NewMessageCount)
	}
	if got := h.reload(c.ID); *got.SyncCursor != "P2" {
		t.Errorf("cursor = %s, want P2", *got.SyncCursor)
	}

	out, _ = h.orchestrator.SyncConnection(ctx, c.ID, RunOptions{})
	if out.Passes != 1 || out.NewMessageCount != 1 {
		t.Errorf("next invocation: passes=%d new=%d", out.Passes, out.NewMessageCount)
	}
}

func TestExtraPassDefaults(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultMaxExtraPasses},
		{NoExtraPasses, 0},
		{-5, 0},
		{3, 3},
	}
	for _, tt := range tests {
		if got := (ExecutorConfig{MaxExtraPasses: tt.in}).withDefaults().MaxExtraPasses; got != tt.want {
			t.Errorf("MaxExtraPasses %d -> %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestNoExtraPassesStopsAfterFirstPage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.executor = NewExecutor(h.store, h.registry, nil, ExecutorConfig{MaxExtraPasses: NoExtraPasses})
	h.executor.Now = h.clock.Now
	h.orchestrator = NewOrchestrator(h.store, h.coordinator, h.executor, 4)

	c := h.connection("ws1", store.ProviderOutlook, "me@example.com", store.StatusPending, nil)
	a := h.adapter(c.ID)
	a.setPage("", &FetchResult{Messages: []RawMessage{raw("1")}, NextCursor: "P1", HasMore: true})
	a.setPage("P1", &FetchResult{Messages: []RawMessage{raw("2")}, NextCursor: "P2"})

	out, _ := h.orchestrator.SyncConnection(ctx, c.ID, RunOptions{})
	if out.Err != nil {
		t.Fatalf("sync: %v", out.Err)
	}
	if out.Passes != 1 || out.NewMessageCount != 1 {
		t.Errorf("passes=%d new=%d, want 1 and 1", out.Passes, out.NewMessageCount)
	}
	if got := h.reload(c.ID); *got.SyncCursor != "P1" {
		t.Errorf("cursor = %s, want P1", *got.SyncCursor)
	}
}

func TestLostLeaseDoesNotCommitCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.connection("ws1", store.ProviderGmail, "me@example.com", store.StatusPending, nil)
	h.adapter(c.ID).setPage("", &FetchResult{Messages: []RawMessage{raw("m1")}, NextCursor: "C1"})

	stale, err := h.coordinator.TryAcquire(ctx, c.ID)
	if err != nil || stale == nil {
		t.Fatalf("acquire: %v %v", stale, err)
	}
	h.clock.Advance(DefaultLeaseTTL + time.Second)
	fresh, err := h.coordinator.TryAcquire(ctx, c.ID)
	if err != nil || fresh == nil {
		t.Fatalf("reclaim expired lease: %v %v", fresh, err)
	}

	out := h.executor.Run(ctx, stale, RunOptions{})
	if !errors.Is(out.Err, store.ErrLeaseLost) {
		t.Fatalf("err = %v, want ErrLeaseLost", out.Err)
	}
	got := h.reload(c.ID)
	if got.SyncCursor != nil || got.Status != store.StatusPending {
		t.Fatalf("stale holder committed: %+v", got)
	}
}

func TestConcurrentTriggersDoNotDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.connection("ws1", store.ProviderGmail, "me@example.com", store.StatusPending, nil)
	a := h.adapter(c.ID)
	a.fetchDelay = 20 * time.Millisecond
	a.setPage("", &FetchResult{Messages: []RawMessage{raw("x"), raw("y"), raw("z")}, NextCursor: "C1"})
	a.setPage("C1", &FetchResult{Messages: []RawMessage{raw("x"), raw("y"), raw("z")}, NextCursor: "C1"})

	var wg gosync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.orchestrator.SyncConnection(ctx, c.ID, RunOptions{})
		}()
	}
	wg.Wait()

	if n := h.count(c.ID); n != 3 {
		t.Fatalf("messages = %d, want 3", n)
	}
}

type recordingEnqueuer struct {
	mu   gosync.Mutex
	msgs []store.Message
}

func (r *recordingEnqueuer) Enqueue(m store.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return true
}

func TestOnlyNewMessagesAreForwarded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := &recordingEnqueuer{}
	h.executor.classifier = rec

	c := h.connection("ws1", store.ProviderGmail, "me@example.com", store.StatusPending, nil)
	a := h.adapter(c.ID)
	a.setPage("", &FetchResult{Messages: []RawMessage{raw("m1"), raw("m2")}, NextCursor: "C1"})
	a.setPage("C1", &FetchResult{Messages: []RawMessage{raw("m2", "STARRED"), raw("m3")}, NextCursor: "C2"})

	h.orchestrator.SyncConnection(ctx, c.ID, RunOptions{AutoClassify: true})
	h.orchestrator.SyncConnection(ctx, c.ID, RunOptions{AutoClassify: true})

	if len(rec.msgs) != 3 {
		t.Fatalf("forwarded %d messages, want 3", len(rec.msgs))
	}
	if rec.msgs[2].ProviderMessageID != "m3" {
		t.Errorf("last forwarded = %s, want m3", rec.msgs[2].ProviderMessageID)
	}

	h.orchestrator.SyncConnection(ctx, c.ID, RunOptions{})
	if len(rec.msgs) != 3 {
		t.Errorf("autoClassify=false still forwarded")
	}
}
