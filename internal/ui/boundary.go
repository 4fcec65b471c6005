// Package ui implements the UI/Input boundary: a
// terminal-free command surface the orchestrator exposes, each
// operation a method that dispatches into tabstore, supervisor, and
// coordinator. No concrete renderer lives here; internal/webview is
// the one shipped consumer of this surface.
package ui

import (
	"context"
	"fmt"
	"sync"

	"rally/internal/coordinator"
	"rally/internal/supervisor"
	"rally/internal/tabstore"
)

// Spawner is the subset of *supervisor.Supervisor the boundary needs
// to start a turn on submit_input.
type Spawner interface {
	Spawn(ctx context.Context, req supervisor.SpawnRequest) (*supervisor.Job, error)
}

// Boundary is the UI/Input entry point. It holds no rendering state of
// its own beyond the cursor/flags the toggle commands need.
type Boundary struct {
	store       *tabstore.Store
	supervisor  Spawner
	coordinator *coordinator.Controller

	mu            sync.Mutex
	tabOrder      []string // snapshot refreshed on navigation
	currentIdx    int
	autoMode      bool
	todoOverlay   bool
}

// New creates a Boundary wired to the orchestrator's shared store,
// supervisor, and coordination controller.
func New(store *tabstore.Store, sup Spawner, coord *coordinator.Controller) *Boundary {
	return &Boundary{store: store, supervisor: sup, coordinator: coord}
}

// SubmitInput appends a user Entry to tabID's log and spawns a new
// turn: a fresh prompt resuming the tab's bound session if one exists,
// or a first turn otherwise.
func (b *Boundary) SubmitInput(ctx context.Context, tabID, text string) error {
	tab, ok := b.store.GetByID(tabID)
	if !ok {
		return fmt.Errorf("ui: unknown tab %q", tabID)
	}

	if err := b.store.AppendEntry(tabID, tabstore.Entry{Sender: tabstore.SenderUser, Content: text}); err != nil {
		return err
	}

	tab.ResetTurn()
	job, err := b.supervisor.Spawn(ctx, supervisor.SpawnRequest{
		TabID:            tabID,
		Prompt:           text,
		ResumeSessionID:  tab.SessionID,
		WorkingDirectory: tab.WorkingDirectory,
	})
	if err != nil {
		return err
	}
	tab.AttachProcess(job)
	return nil
}

// Interrupt kills tabID's currently attached child, if any. The
// exit-waiter turns the resulting termination into an Exited event
// that clears is_processing.
func (b *Boundary) Interrupt(tabID string) error {
	tab, ok := b.store.GetByID(tabID)
	if !ok {
		return fmt.Errorf("ui: unknown tab %q", tabID)
	}
	job, ok := tab.Process().(*supervisor.Job)
	if !ok || job == nil {
		return nil // nothing attached; interrupt is a no-op
	}
	return job.Handle.Kill()
}

// NewTab creates a new tab and returns its id.
func (b *Boundary) NewTab(name string) string {
	return b.store.Create(name).ID
}

// CloseTab kills any attached child and removes tabID. A no-op on the
// main tab.
func (b *Boundary) CloseTab(tabID string) error {
	if tabID == b.store.MainTabID() {
		return nil
	}
	_ = b.Interrupt(tabID)
	return b.store.Close(tabID)
}

// refreshOrder re-reads the store's tab order under the boundary's own
// lock, used by NextTab/PrevTab so navigation reflects tabs created or
// closed since the last call.
func (b *Boundary) refreshOrder() []string {
	tabs := b.store.List()
	ids := make([]string, len(tabs))
	for i, t := range tabs {
		ids[i] = t.ID
	}
	return ids
}

// NextTab advances the navigation cursor and returns the newly current
// tab id, wrapping around at the end.
func (b *Boundary) NextTab() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tabOrder = b.refreshOrder()
	if len(b.tabOrder) == 0 {
		return ""
	}
	b.currentIdx = (b.currentIdx + 1) % len(b.tabOrder)
	return b.tabOrder[b.currentIdx]
}

// PrevTab retreats the navigation cursor and returns the newly current
// tab id, wrapping around at the start.
func (b *Boundary) PrevTab() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tabOrder = b.refreshOrder()
	if len(b.tabOrder) == 0 {
		return ""
	}
	b.currentIdx = (b.currentIdx - 1 + len(b.tabOrder)) % len(b.tabOrder)
	return b.tabOrder[b.currentIdx]
}

// ToggleAutoMode flips the boundary's auto-mode flag and returns the
// new state. No other component reads the flag: permission retries and
// stall interventions run the same way whether it is on or off.
func (b *Boundary) ToggleAutoMode() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.autoMode = !b.autoMode
	return b.autoMode
}

// AutoMode reports the current auto-mode state.
func (b *Boundary) AutoMode() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.autoMode
}

// ToggleTodoOverlay flips whether the todo-list overlay is shown,
// returning the new state.
func (b *Boundary) ToggleTodoOverlay() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.todoOverlay = !b.todoOverlay
	return b.todoOverlay
}

// TodoOverlay reports the current todo-overlay state.
func (b *Boundary) TodoOverlay() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.todoOverlay
}

// SetMaxInstances forwards to the Coordination Controller and kills
// the children of any tabs it schedules for excess shutdown before
// removing them from the store.
func (b *Boundary) SetMaxInstances(n int) []string {
	doomed := b.coordinator.SetMaxInstances(n)
	for _, tabID := range doomed {
		_ = b.CloseTab(tabID)
	}
	return doomed
}

// CopySelection extracts the text addressed by rng from tabID's log.
func (b *Boundary) CopySelection(tabID string, rng tabstore.SelectionRange) (string, error) {
	tab, ok := b.store.GetByID(tabID)
	if !ok {
		return "", fmt.Errorf("ui: unknown tab %q", tabID)
	}
	log := tab.Snapshot()
	if rng.StartEntry < 0 || rng.EndEntry >= len(log) || rng.StartEntry > rng.EndEntry {
		return "", fmt.Errorf("ui: selection range out of bounds")
	}

	if rng.StartEntry == rng.EndEntry {
		return sliceBytes(log[rng.StartEntry].Content, rng.EndByteLo, rng.EndByteHi), nil
	}

	var out string
	out += log[rng.StartEntry].Content
	for i := rng.StartEntry + 1; i < rng.EndEntry; i++ {
		out += "\n" + log[i].Content
	}
	out += "\n" + sliceBytes(log[rng.EndEntry].Content, rng.EndByteLo, rng.EndByteHi)
	return out, nil
}

func sliceBytes(s string, lo, hi int) string {
	if lo < 0 {
		lo = 0
	}
	if hi > len(s) || hi <= 0 {
		hi = len(s)
	}
	if lo > hi {
		return ""
	}
	return s[lo:hi]
}
