package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/Martian-dev/inbox-sync/internal/store"
	"github.com/Martian-dev/inbox-sync/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(filepath.Join(t.TempDir(), "inbox.db"), Options{Outbox: true})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestOpenMemory(t *testing.T) {
	s, err := Open(":memory:", Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	c := storetest.NewConnection(t, s, "ws", store.ProviderGmail, "mem@example.com", store.StatusPending)
	if _, err := s.GetConnection(t.Context(), c.ID); err != nil {
		t.Fatalf("get: %v", err)
	}
}
