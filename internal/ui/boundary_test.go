package ui_test

import (
	"context"
	"sync"
	"testing"

	"rally/internal/advisor"
	"rally/internal/coordinator"
	"rally/internal/supervisor"
	"rally/internal/tabstore"
	"rally/internal/ui"
)

type stubAdvisor struct{}

func (stubAdvisor) Stream(ctx context.Context, prompt string) (<-chan advisor.Chunk, error) {
	ch := make(chan advisor.Chunk, 1)
	ch <- advisor.Chunk{Kind: advisor.ChunkEnd}
	close(ch)
	return ch, nil
}

type fakeSpawner struct {
	mu    sync.Mutex
	calls []supervisor.SpawnRequest
}

func (f *fakeSpawner) Spawn(ctx context.Context, req supervisor.SpawnRequest) (*supervisor.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	handle := supervisor.NewProcessHandle()
	return &supervisor.Job{TabID: req.TabID, Handle: handle, Done: make(chan struct{})}, nil
}

func TestSubmitInput_AppendsEntryAndSpawns(t *testing.T) {
	store := tabstore.New()
	sup := &fakeSpawner{}
	b := ui.New(store, sup, coordinator.New(store, sup, stubAdvisor{}, 4))

	tabID := store.MainTabID()
	if err := b.SubmitInput(context.Background(), tabID, "hello"); err != nil {
		t.Fatalf("SubmitInput failed: %v", err)
	}

	tab, _ := store.GetByID(tabID)
	log := tab.Snapshot()
	if len(log) != 1 || log[0].Sender != tabstore.SenderUser || log[0].Content != "hello" {
		t.Fatalf("expected one user entry, got %+v", log)
	}

	sup.mu.Lock()
	defer sup.mu.Unlock()
	if len(sup.calls) != 1 || sup.calls[0].TabID != tabID {
		t.Fatalf("expected one spawn call for the main tab, got %+v", sup.calls)
	}
}

func TestCloseTab_ProtectsMainTab(t *testing.T) {
	store := tabstore.New()
	sup := &fakeSpawner{}
	b := ui.New(store, sup, coordinator.New(store, sup, stubAdvisor{}, 4))

	if err := b.CloseTab(store.MainTabID()); err != nil {
		t.Fatalf("CloseTab on main tab returned error: %v", err)
	}
	if store.Count() != 1 {
		t.Fatalf("expected main tab to remain, count=%d", store.Count())
	}
}

func TestCloseTab_RemovesSecondaryTab(t *testing.T) {
	store := tabstore.New()
	sup := &fakeSpawner{}
	b := ui.New(store, sup, coordinator.New(store, sup, stubAdvisor{}, 4))

	newID := b.NewTab("extra")
	if store.Count() != 2 {
		t.Fatalf("expected 2 tabs after NewTab, got %d", store.Count())
	}
	if err := b.CloseTab(newID); err != nil {
		t.Fatalf("CloseTab failed: %v", err)
	}
	if store.Count() != 1 {
		t.Fatalf("expected 1 tab after CloseTab, got %d", store.Count())
	}
}

func TestNextPrevTab_Wraps(t *testing.T) {
	store := tabstore.New()
	sup := &fakeSpawner{}
	b := ui.New(store, sup, coordinator.New(store, sup, stubAdvisor{}, 4))

	second := b.NewTab("second")

	first := b.NextTab() // main -> second (cursor starts at 0 = main, advances to 1)
	if first != second {
		t.Fatalf("expected NextTab to land on %q, got %q", second, first)
	}

	back := b.PrevTab()
	if back != store.MainTabID() {
		t.Fatalf("expected PrevTab to return to the main tab, got %q", back)
	}

	wrapped := b.PrevTab() // main -> second (wraps from the first tab to the last)
	if wrapped != second {
		t.Fatalf("expected PrevTab to wrap around to %q, got %q", second, wrapped)
	}
}

func TestToggleAutoModeAndTodoOverlay(t *testing.T) {
	store := tabstore.New()
	sup := &fakeSpawner{}
	b := ui.New(store, sup, coordinator.New(store, sup, stubAdvisor{}, 4))

	if b.AutoMode() {
		t.Fatal("expected auto mode to start false")
	}
	if !b.ToggleAutoMode() || !b.AutoMode() {
		t.Fatal("expected ToggleAutoMode to flip to true")
	}

	if b.TodoOverlay() {
		t.Fatal("expected todo overlay to start false")
	}
	if !b.ToggleTodoOverlay() || !b.TodoOverlay() {
		t.Fatal("expected ToggleTodoOverlay to flip to true")
	}
}

func TestSetMaxInstances_ClosesExcessTabs(t *testing.T) {
	store := tabstore.New()
	sup := &fakeSpawner{}
	b := ui.New(store, sup, coordinator.New(store, sup, stubAdvisor{}, 4))

	b.NewTab("a")
	b.NewTab("b")
	b.NewTab("c")
	if store.Count() != 4 {
		t.Fatalf("expected 4 tabs, got %d", store.Count())
	}

	doomed := b.SetMaxInstances(2)
	if len(doomed) != 2 {
		t.Fatalf("expected 2 tabs scheduled for shutdown, got %v", doomed)
	}
	if store.Count() != 2 {
		t.Fatalf("expected 2 tabs remaining, got %d", store.Count())
	}
}

func TestCopySelection_SingleEntryRange(t *testing.T) {
	store := tabstore.New()
	sup := &fakeSpawner{}
	b := ui.New(store, sup, coordinator.New(store, sup, stubAdvisor{}, 4))

	tabID := store.MainTabID()
	_ = store.AppendEntry(tabID, tabstore.Entry{Sender: tabstore.SenderAssistant, Content: "hello world"})

	text, err := b.CopySelection(tabID, tabstore.SelectionRange{StartEntry: 0, EndEntry: 0, EndByteLo: 0, EndByteHi: 5})
	if err != nil {
		t.Fatalf("CopySelection failed: %v", err)
	}
	if text != "hello" {
		t.Fatalf("expected %q, got %q", "hello", text)
	}
}
