package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/Martian-dev/inbox-sync/internal/store"
)

func TestSyncAllCountsFailuresWithoutStopping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c1 := h.connection("ws1", store.ProviderGmail, "one@example.com", store.StatusPending, nil)
	c2 := h.connection("ws1", store.ProviderOutlook, "two@example.com", store.StatusActive, strPtr("delta-2"))
	c3 := h.connection("ws2", store.ProviderSlack, "C3", store.StatusPending, nil)
	h.connection("ws3", store.ProviderGmail, "gone@example.com", store.StatusDisconnected, nil)

	h.adapter(c1.ID).setPage("", &FetchResult{Messages: []RawMessage{raw("a"), raw("b")}, NextCursor: "h1"})
	h.adapter(c2.ID).setFetchErr(Transient(errors.New("graph 503")))
	h.adapter(c3.ID).setPage("", &FetchResult{Messages: []RawMessage{raw("1700000000.000001")}, NextCursor: "s1"})

	summary, err := h.orchestrator.SyncAll(ctx, SyncOptions{MaxMessages: 50})
	if err != nil {
		t.Fatalf("sync all: %v", err)
	}
	want := Summary{WorkspacesProcessed: 2, ConnectionsProcessed: 3, TotalNewMessages: 3, TotalErrors: 1}
	if summary != want {
		t.Fatalf("summary = %+v, want %+v", summary, want)
	}

	got := h.reload(c2.ID)
	if *got.SyncCursor != "delta-2" || got.ConsecutiveErrorCount != 1 {
		t.Errorf("failed connection: cursor=%s errors=%d", *got.SyncCursor, got.ConsecutiveErrorCount)
	}
	if got := h.reload(c1.ID); *got.SyncCursor != "h1" {
		t.Errorf("c1 cursor = %s", *got.SyncCursor)
	}
	if got := h.reload(c3.ID); *got.SyncCursor != "s1" {
		t.Errorf("c3 cursor = %s", *got.SyncCursor)
	}
}

func TestSyncAllWorkspaceScope(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	in := h.connection("ws1", store.ProviderGmail, "in@example.com", store.StatusActive, strPtr("1"))
	out := h.connection("ws2", store.ProviderGmail, "out@example.com", store.StatusActive, strPtr("1"))

	summary, err := h.orchestrator.SyncAll(ctx, SyncOptions{WorkspaceID: "ws1"})
	if err != nil {
		t.Fatalf("sync all: %v", err)
	}
	if summary.ConnectionsProcessed != 1 || summary.WorkspacesProcessed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if h.adapter(in.ID).calls() != 1 || h.adapter(out.ID).calls() != 0 {
		t.Error("workspace scope not honoured")
	}
}

func TestSyncAllSkipsLeasedConnections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.connection("ws1", store.ProviderGmail, "busy@example.com", store.StatusActive, strPtr("1"))

	lease, err := h.coordinator.TryAcquire(ctx, c.ID)
	if err != nil || lease == nil {
		t.Fatalf("acquire: %v %v", lease, err)
	}

	summary, err := h.orchestrator.SyncAll(ctx, SyncOptions{})
	if err != nil {
		t.Fatalf("sync all: %v", err)
	}
	if summary.Skipped != 1 || summary.ConnectionsProcessed != 0 || summary.TotalErrors != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if h.adapter(c.ID).calls() != 0 {
		t.Error("leased connection was fetched")
	}
}
