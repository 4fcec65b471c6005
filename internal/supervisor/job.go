// Package supervisor spawns and supervises child coding-assistant
// processes: it owns the process handle, drains stdout/stderr into
// typed events, and reports exit.
package supervisor

import (
	"fmt"
	"os/exec"
	"sync"
)

// ProcessHandle is the caller-provided cell that stores the currently
// spawned child's handle under a mutex, enabling cancellation (kill)
// from a task other than the one that spawned it.
type ProcessHandle struct {
	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewProcessHandle creates an empty handle to pass into SpawnRequest.
func NewProcessHandle() *ProcessHandle {
	return &ProcessHandle{}
}

func (h *ProcessHandle) set(cmd *exec.Cmd) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cmd = cmd
}

// Kill sends the process a termination signal. Safe to call even if
// the process has already exited or the handle was never set.
func (h *ProcessHandle) Kill() error {
	h.mu.Lock()
	cmd := h.cmd
	h.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// Job is the Supervisor's record of one spawned turn: the tab it
// belongs to, the args/env it was started with, and the handle used
// to cancel it. Readers and the exit-waiter all close over the same
// Job rather than the raw *exec.Cmd, so the Supervisor never hands
// out a bare process reference.
type Job struct {
	TabID  string
	Args   []string
	Env    []string
	Handle *ProcessHandle

	// Done is closed once the exit-waiter has emitted Exited/Error.
	Done chan struct{}
}

// SpawnRequest is the Supervisor's spawn contract.
type SpawnRequest struct {
	TabID            string
	Prompt           string
	ResumeSessionID  string
	TargetTabID      string
	WorkingDirectory string
	EnvOverrides     []string
	// Handle, if non-nil, is populated with the spawned process so a
	// caller retains cancellation capability; if nil, Spawn allocates
	// its own (still returned via the Job).
	Handle *ProcessHandle
}

func (r SpawnRequest) validate() error {
	if r.TabID == "" {
		return fmt.Errorf("supervisor: spawn request missing tab id")
	}
	if r.Prompt == "" {
		return fmt.Errorf("supervisor: spawn request missing prompt")
	}
	return nil
}

// errSpawn wraps an error from constructing or starting the child
// process, classified as a SpawnError.
func errSpawn(tabID string, err error) error {
	return fmt.Errorf("supervisor: spawn error for tab %s: %w", tabID, err)
}
