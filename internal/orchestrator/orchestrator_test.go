package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"rally/internal/advisor"
	"rally/internal/config"
	"rally/internal/coordinator"
	"rally/internal/event"
	"rally/internal/permission"
	"rally/internal/router"
	"rally/internal/stall"
	"rally/internal/supervisor"
	"rally/internal/tabstore"
)

// stubAdvisor streams a single fixed text chunk, enough for the
// breakdown/classifier callers under test that only check whether a
// TOOLS_NEEDED line is present.
type stubAdvisor struct{ text string }

func (s stubAdvisor) Stream(ctx context.Context, prompt string) (<-chan advisor.Chunk, error) {
	ch := make(chan advisor.Chunk, 2)
	if s.text != "" {
		ch <- advisor.Chunk{Kind: advisor.ChunkText, Text: s.text}
	}
	ch <- advisor.Chunk{Kind: advisor.ChunkEnd}
	close(ch)
	return ch, nil
}

type fakeSpawner struct{ calls int }

func (f *fakeSpawner) Spawn(ctx context.Context, req supervisor.SpawnRequest) (*supervisor.Job, error) {
	f.calls++
	return &supervisor.Job{TabID: req.TabID, Handle: supervisor.NewProcessHandle(), Done: make(chan struct{})}, nil
}

type fakeConfigCommand struct{ allowed map[string]bool }

func (f *fakeConfigCommand) IsAllowed(ctx context.Context, name string) (bool, error) {
	return f.allowed[name], nil
}
func (f *fakeConfigCommand) Allow(ctx context.Context, name string) error {
	if f.allowed == nil {
		f.allowed = map[string]bool{}
	}
	f.allowed[name] = true
	return nil
}

func newTestOrchestrator(adv stubAdvisor, sp *fakeSpawner) *Orchestrator {
	store := tabstore.New()
	coord := coordinator.New(store, sp, adv, 4)
	stallDet := stall.New(store, adv, coord)
	perm := permission.New(store, &fakeConfigCommand{}, adv)

	return &Orchestrator{
		cfg:         &config.Config{MaxInstancesDefault: 4},
		store:       store,
		events:      make(chan event.Event, 16),
		router:      router.New(store, store),
		coordinator: coord,
		stall:       stallDet,
		permission:  perm,
		whitelist:   permission.NewWhitelist(),
		ctx:         context.Background(),
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestDeliver_SessionStartedBindsSession(t *testing.T) {
	o := newTestOrchestrator(stubAdvisor{}, &fakeSpawner{})
	tabID := o.store.MainTabID()

	o.deliver(tabID, event.Event{Kind: event.KindSessionStarted, TabID: tabID, SessionID: "sess-1"})

	tab, _ := o.store.GetByID(tabID)
	if tab.SessionID != "sess-1" {
		t.Fatalf("expected session bound, got %q", tab.SessionID)
	}
}

func TestDeliver_StreamTextMergesIntoAssistantEntry(t *testing.T) {
	o := newTestOrchestrator(stubAdvisor{}, &fakeSpawner{})
	tabID := o.store.MainTabID()

	o.deliver(tabID, event.Event{Kind: event.KindStreamStart, TabID: tabID})
	o.deliver(tabID, event.Event{Kind: event.KindStreamText, TabID: tabID, Text: "Hello, "})
	o.deliver(tabID, event.Event{Kind: event.KindStreamText, TabID: tabID, Text: "world."})

	tab, _ := o.store.GetByID(tabID)
	log := tab.Snapshot()
	if len(log) != 1 || log[0].Content != "Hello, world." {
		t.Fatalf("expected one merged assistant entry, got %+v", log)
	}
	if !tab.Processing() {
		t.Fatal("expected tab to be marked processing after StreamStart")
	}
}

func TestDeliver_ExitedClearsProcessingAndRecordsNonZeroExit(t *testing.T) {
	o := newTestOrchestrator(stubAdvisor{}, &fakeSpawner{})
	tabID := o.store.MainTabID()

	o.deliver(tabID, event.Event{Kind: event.KindStreamStart, TabID: tabID})
	o.deliver(tabID, event.Event{Kind: event.KindExited, TabID: tabID, ExitCode: 1})

	tab, _ := o.store.GetByID(tabID)
	if tab.Processing() {
		t.Fatal("expected processing to clear on exit")
	}
	if tab.GetStatus() != tabstore.StatusAvailable {
		t.Fatalf("expected tab available after exit, got %v", tab.GetStatus())
	}
	log := tab.Snapshot()
	if len(log) == 0 || !strings.Contains(log[len(log)-1].Content, "exited with code 1") {
		t.Fatalf("expected exit-code system entry, got %+v", log)
	}
}

func TestDeliver_ToolPermissionDeniedEnablesAndRetries(t *testing.T) {
	o := newTestOrchestrator(stubAdvisor{}, &fakeSpawner{})
	tabID := o.store.MainTabID()

	o.deliver(tabID, event.Event{Kind: event.KindToolPermissionDenied, TabID: tabID, ToolName: "Bash"})

	waitUntil(t, time.Second, func() bool {
		tab, _ := o.store.GetByID(tabID)
		for _, e := range tab.Snapshot() {
			if strings.Contains(e.Content, "Enabled tools: Bash") {
				return true
			}
		}
		return false
	})
}

func TestDeliver_StreamEndClassifiesBlockedFinalTurn(t *testing.T) {
	o := newTestOrchestrator(stubAdvisor{text: "TOOLS_NEEDED: Write"}, &fakeSpawner{})
	tabID := o.store.MainTabID()

	o.deliver(tabID, event.Event{Kind: event.KindStreamStart, TabID: tabID})
	o.deliver(tabID, event.Event{Kind: event.KindToolUse, TabID: tabID, ToolName: "Write"})
	o.deliver(tabID, event.Event{Kind: event.KindStreamText, TabID: tabID, Text: "I need more access."})
	o.deliver(tabID, event.Event{Kind: event.KindStreamEnd, TabID: tabID})

	waitUntil(t, time.Second, func() bool {
		tab, _ := o.store.GetByID(tabID)
		for _, e := range tab.Snapshot() {
			if strings.Contains(e.Content, "Enabled tools: Write") {
				return true
			}
		}
		return false
	})
}

func TestDeliver_SpawnInstancesSpawnsCoordinatedSiblings(t *testing.T) {
	sp := &fakeSpawner{}
	o := newTestOrchestrator(stubAdvisor{}, sp)
	tabID := o.store.MainTabID()

	o.deliver(tabID, event.Event{
		Kind: event.KindSpawnInstances, TabID: tabID,
		Control: &event.ControlPayload{Count: 2, TaskHint: "split the work"},
	})

	waitUntil(t, time.Second, func() bool { return o.store.Count() >= 2 })
}

func TestCloseInstance_KillsProcessAndRemovesTab(t *testing.T) {
	o := newTestOrchestrator(stubAdvisor{}, &fakeSpawner{})
	tab := o.store.Create("sibling")
	tab.AttachProcess(&supervisor.Job{TabID: tab.ID, Handle: supervisor.NewProcessHandle(), Done: make(chan struct{})})

	o.closeInstance(tab.ID)

	if o.store.HasTab(tab.ID) {
		t.Fatal("expected tab removed after closeInstance")
	}
}

func TestNoteInstanceList_AppendsSystemEntry(t *testing.T) {
	o := newTestOrchestrator(stubAdvisor{}, &fakeSpawner{})
	tabID := o.store.MainTabID()

	o.noteInstanceList(tabID)

	tab, _ := o.store.GetByID(tabID)
	log := tab.Snapshot()
	if len(log) != 1 || !strings.Contains(log[0].Content, "Instances:") {
		t.Fatalf("expected instance list entry, got %+v", log)
	}
}
