package ui_test

import (
	"testing"

	"rally/internal/coordinator"
	"rally/internal/tabstore"
	"rally/internal/ui"
)

func TestSummaries_MarksCurrentTab(t *testing.T) {
	store := tabstore.New()
	sup := &fakeSpawner{}
	b := ui.New(store, sup, coordinator.New(store, sup, stubAdvisor{}, 4))

	second := b.NewTab("second")

	summaries := b.Summaries(second)
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}

	var found bool
	for _, s := range summaries {
		if s.ID == second {
			found = true
			if !s.IsCurrent {
				t.Fatal("expected the second tab to be marked current")
			}
		} else if s.IsCurrent {
			t.Fatalf("expected only %q to be current, got %q marked current", second, s.ID)
		}
	}
	if !found {
		t.Fatal("expected second tab in summaries")
	}
}

func TestSummaries_ToolCallsRunCountsOnlyCompleted(t *testing.T) {
	store := tabstore.New()
	sup := &fakeSpawner{}
	b := ui.New(store, sup, coordinator.New(store, sup, stubAdvisor{}, 4))

	tabID := store.MainTabID()
	_ = store.AppendEntry(tabID, tabstore.Entry{
		Sender: tabstore.SenderAssistant,
		ToolCalls: []tabstore.ToolCall{
			{Name: "Read", Status: tabstore.ToolCallCompleted},
			{Name: "Bash", Status: tabstore.ToolCallFailed},
		},
	})

	summaries := b.Summaries(tabID)
	if summaries[0].ToolCallsRun != "1" {
		t.Fatalf("expected 1 completed tool call, got %q", summaries[0].ToolCallsRun)
	}
}
