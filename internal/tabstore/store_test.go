package tabstore_test

import (
	"testing"

	"rally/internal/tabstore"
)

func TestNew_CreatesMainTab(t *testing.T) {
	s := tabstore.New()
	if s.Count() != 1 {
		t.Fatalf("expected 1 tab, got %d", s.Count())
	}
	if _, ok := s.GetByID(s.MainTabID()); !ok {
		t.Fatal("expected main tab to be retrievable")
	}
}

func TestClose_MainTabProtected(t *testing.T) {
	s := tabstore.New()
	s.Create("second")
	if err := s.Close(s.MainTabID()); err != tabstore.ErrMainTabProtected {
		t.Fatalf("expected ErrMainTabProtected, got %v", err)
	}
}

func TestClose_LastTabProtected(t *testing.T) {
	s := tabstore.New()
	if err := s.Close(s.MainTabID()); err == nil {
		t.Fatal("expected an error closing the only tab")
	}
}

func TestClose_RemovesNonMainTab(t *testing.T) {
	s := tabstore.New()
	tab := s.Create("second")
	if err := s.Close(tab.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.GetByID(tab.ID); ok {
		t.Fatal("expected tab to be gone")
	}
}

func TestBindSession_RejectsRebind(t *testing.T) {
	s := tabstore.New()
	tab := s.Create("a")
	if err := s.BindSession(tab.ID, "s-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.BindSession(tab.ID, "s-1"); err != nil {
		t.Fatalf("idempotent rebind should succeed: %v", err)
	}
	if err := s.BindSession(tab.ID, "s-2"); err != tabstore.ErrSessionMismatch {
		t.Fatalf("expected ErrSessionMismatch, got %v", err)
	}
}

func TestGetBySession(t *testing.T) {
	s := tabstore.New()
	tab := s.Create("a")
	_ = s.BindSession(tab.ID, "s-1")
	got, ok := s.GetBySession("s-1")
	if !ok || got.ID != tab.ID {
		t.Fatalf("expected to find tab by session, got %+v ok=%v", got, ok)
	}
}

func TestAppendStreamText_MergesConsecutiveChunks(t *testing.T) {
	s := tabstore.New()
	tab := s.Create("a")
	_ = s.AppendStreamText(tab.ID, "hel")
	_ = s.AppendStreamText(tab.ID, "lo")
	log := tab.Snapshot()
	if len(log) != 1 {
		t.Fatalf("expected 1 merged entry, got %d", len(log))
	}
	if log[0].Content != "hello" {
		t.Fatalf("expected merged content 'hello', got %q", log[0].Content)
	}
}

func TestAppendStreamText_InterveningEntryClosesTail(t *testing.T) {
	s := tabstore.New()
	tab := s.Create("a")
	_ = s.AppendStreamText(tab.ID, "first")
	_ = s.AppendEntry(tab.ID, tabstore.Entry{Sender: tabstore.SenderSystem, Content: "note"})
	_ = s.AppendStreamText(tab.ID, "second")

	log := tab.Snapshot()
	if len(log) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(log))
	}
	if log[0].Content != "first" || log[2].Content != "second" {
		t.Fatalf("unexpected entries: %+v", log)
	}
}

func TestLIFOExcess_ExcludesMainTab(t *testing.T) {
	s := tabstore.New()
	a := s.Create("a")
	b := s.Create("b")
	c := s.Create("c")

	excess := s.LIFOExcess(2)
	if len(excess) != 2 || excess[0] != c.ID || excess[1] != b.ID {
		t.Fatalf("unexpected LIFO order: %+v (a=%s)", excess, a.ID)
	}
}
