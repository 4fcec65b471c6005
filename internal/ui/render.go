package ui

import (
	"github.com/dustin/go-humanize"

	"rally/internal/tabstore"
)

// TabSummary is the UI-facing projection of a Tab: renderer-agnostic,
// with display strings pre-formatted the way every consumer (webview,
// a future TUI) would otherwise duplicate.
type TabSummary struct {
	ID              string
	Name            string
	Status          string
	IsCurrent       bool
	LastActivity    string // humanize.Time of tab.LastActivityAt
	ToolCallsRun    string // humanize.Comma of the tab's completed-tool-call count
	IsProcessing    bool
}

// Summaries renders every tab in creation order for display, marking
// currentTabID as current.
func (b *Boundary) Summaries(currentTabID string) []TabSummary {
	tabs := b.store.List()
	out := make([]TabSummary, 0, len(tabs))
	for _, t := range tabs {
		out = append(out, TabSummary{
			ID:           t.ID,
			Name:         t.Name,
			Status:       t.Status.String(),
			IsCurrent:    t.ID == currentTabID,
			LastActivity: humanize.Time(t.LastActivityAt),
			ToolCallsRun: humanize.Comma(int64(countCompletedTools(t))),
			IsProcessing: t.IsProcessing,
		})
	}
	return out
}

func countCompletedTools(t *tabstore.Tab) int {
	n := 0
	for _, e := range t.Snapshot() {
		for _, tc := range e.ToolCalls {
			if tc.Status == tabstore.ToolCallCompleted {
				n++
			}
		}
	}
	return n
}
