package supervisor_test

import (
	"context"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"rally/internal/event"
	"rally/internal/supervisor"
)

func TestCheckVersion_ToleratesMissingBinary(t *testing.T) {
	// CheckVersion must never panic or block startup; a missing binary
	// is logged, not returned as an error.
	supervisor.CheckVersion(context.Background(), "definitely-not-a-real-binary-xyz", ">=1.0.0")
}

func TestProcessHandle_KillNilSafe(t *testing.T) {
	h := supervisor.NewProcessHandle()
	if err := h.Kill(); err != nil {
		t.Fatalf("expected nil-safe Kill on empty handle, got %v", err)
	}
}

func TestSpawnRequest_ValidateRequiresTabAndPrompt(t *testing.T) {
	sup := supervisor.New("/bin/true", "", make(chan event.Event, 1))
	_, err := sup.Spawn(context.Background(), supervisor.SpawnRequest{})
	if err == nil {
		t.Fatal("expected validation error for empty request")
	}
}

func TestSpawn_EmitsStreamStartThenExited(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell-script fixture targets unix shells")
	}
	if _, err := exec.LookPath("/bin/sh"); err != nil {
		t.Skip("no /bin/sh available")
	}

	events := make(chan event.Event, 16)
	sup := &supervisor.Supervisor{AssistantBinary: "/bin/sh", Events: events}

	job, err := sup.Spawn(context.Background(), supervisor.SpawnRequest{
		TabID:  "tab-1",
		Prompt: "ignored-by-sh",
	})
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Kind != event.KindStreamStart {
			t.Fatalf("expected first event to be StreamStart, got %v", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for StreamStart")
	}

	select {
	case <-job.Done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job to finish")
	}
}
