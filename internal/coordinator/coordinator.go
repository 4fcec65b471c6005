// Package coordinator implements the "spawn N coordinated siblings"
// state machine, gated by a process-wide single-flight flag, that asks
// the Advisor to break a task into sub-tasks and spawns one tab per
// sub-task.
package coordinator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"rally/internal/advisor"
	"rally/internal/supervisor"
	"rally/internal/tabstore"
	"rally/pkg/logger"
)

// Spawner is the subset of *supervisor.Supervisor the controller needs,
// declared as an interface so tests can substitute a fake without
// spawning real OS processes.
type Spawner interface {
	Spawn(ctx context.Context, req supervisor.SpawnRequest) (*supervisor.Job, error)
}

// Advisor is the subset of *advisor.Client the controller needs.
type Advisor interface {
	Stream(ctx context.Context, prompt string) (<-chan advisor.Chunk, error)
}

// Controller drives the single-flight coordination state machine.
type Controller struct {
	store      *tabstore.Store
	supervisor Spawner
	advisor    Advisor

	inProgress   int32 // atomic bool: 0 = idle, 1 = in progress
	maxInstances int32
}

// New creates a Controller with an initial max-instance cap.
func New(store *tabstore.Store, sup Spawner, adv Advisor, maxInstances int) *Controller {
	if maxInstances < 1 {
		maxInstances = 1
	}
	if maxInstances > 20 {
		maxInstances = 20
	}
	return &Controller{store: store, supervisor: sup, advisor: adv, maxInstances: int32(maxInstances)}
}

// InProgress reports whether a coordination run is currently active.
// The Stall Detector consults this to suspend itself.
func (c *Controller) InProgress() bool {
	return atomic.LoadInt32(&c.inProgress) != 0
}

// Request is the input to Spawn: the tab that asked for coordination,
// the raw task description, and how many siblings were requested.
type Request struct {
	RequestingTabID string
	TaskDescription string
	RequestedN      int
}

// Result summarizes what a Spawn call did, mainly for tests.
type Result struct {
	Rejected    bool
	Aborted     bool
	AbortReason string
	SpawnedTabs []string
	K           int
}

// Spawn runs the ten-step spawn procedure.
func (c *Controller) Spawn(ctx context.Context, req Request) Result {
	if !atomic.CompareAndSwapInt32(&c.inProgress, 0, 1) {
		c.note(req.RequestingTabID, "Coordination already in progress")
		return Result{Rejected: true}
	}
	defer atomic.StoreInt32(&c.inProgress, 0)

	requesting, ok := c.store.GetByID(req.RequestingTabID)
	if !ok {
		return Result{Aborted: true, AbortReason: "unknown requesting tab"}
	}

	prompt := advisor.BreakdownPrompt(req.TaskDescription, req.RequestedN)
	response, err := c.collectAdvisorText(ctx, prompt)
	if err != nil {
		c.note(req.RequestingTabID, fmt.Sprintf("Coordination aborted: advisor error: %v", err))
		return Result{Aborted: true, AbortReason: err.Error()}
	}

	tasks, singleSufficient := ParseSubTasks(response)
	if singleSufficient {
		c.note(req.RequestingTabID, "Coordination aborted: a single instance is sufficient for this task")
		return Result{Aborted: true, AbortReason: SingleInstanceMarker}
	}

	if len(tasks) == 0 {
		// Step 7: parsing failed entirely but a split was requested —
		// fall back to generic tabs with a placeholder description.
		return c.spawnFallback(ctx, requesting, req)
	}

	currentCount := c.store.Count()
	maxInstances := int(atomic.LoadInt32(&c.maxInstances))
	k := req.RequestedN
	if maxInstances-currentCount < k {
		k = maxInstances - currentCount
	}
	if len(tasks) < k {
		k = len(tasks)
	}
	if k <= 0 {
		c.note(req.RequestingTabID, "Coordination aborted: no capacity for additional instances")
		return Result{Aborted: true, AbortReason: "no capacity"}
	}

	spawned := make([]string, 0, k)

	// Step 5: requesting tab gets sub-task #1.
	first := tasks[0]
	c.assign(requesting, first)
	if requesting.Process() == nil {
		if job, err := c.supervisor.Spawn(ctx, supervisor.SpawnRequest{
			TabID:            requesting.ID,
			Prompt:           assignmentPrompt(first),
			WorkingDirectory: requesting.WorkingDirectory,
		}); err != nil {
			logger.Warnf("coordinator: spawn for requesting tab failed: %v", err)
		} else {
			requesting.AttachProcess(job)
		}
	} else {
		c.reprompt(requesting, first)
	}
	spawned = append(spawned, requesting.ID)

	// Step 6: remaining sub-tasks get fresh tabs.
	for i := 1; i < k; i++ {
		task := tasks[i]
		tab := c.store.Create(fmt.Sprintf("sibling-%d", task.Index))
		tab.WorkingDirectory = requesting.WorkingDirectory
		c.assign(tab, task)

		job, err := c.supervisor.Spawn(ctx, supervisor.SpawnRequest{
			TabID:            tab.ID,
			TargetTabID:      tab.ID,
			Prompt:           assignmentPrompt(task),
			WorkingDirectory: tab.WorkingDirectory,
		})
		if err != nil {
			logger.Warnf("coordinator: spawn for sibling tab %s failed: %v", tab.ID, err)
			continue
		}
		tab.AttachProcess(job)
		spawned = append(spawned, tab.ID)
	}

	c.note(req.RequestingTabID, fmt.Sprintf("Spawned %d coordinated instances: %v", k, spawned))
	return Result{SpawnedTabs: spawned, K: k}
}

// spawnFallback implements step 7: when sub-task parsing produced
// nothing at all, spawn min(requestedN, capacity) generic tabs.
func (c *Controller) spawnFallback(ctx context.Context, requesting *tabstore.Tab, req Request) Result {
	currentCount := c.store.Count()
	maxInstances := int(atomic.LoadInt32(&c.maxInstances))
	k := req.RequestedN
	if maxInstances-currentCount < k {
		k = maxInstances - currentCount
	}
	if k <= 0 {
		c.note(req.RequestingTabID, "Coordination aborted: no capacity for additional instances")
		return Result{Aborted: true, AbortReason: "no capacity"}
	}

	fallback := SubTask{Index: 1, Description: "General development tasks", Scope: defaultScope, Priority: defaultPriority}
	spawned := make([]string, 0, k)

	c.assign(requesting, fallback)
	if job, err := c.supervisor.Spawn(ctx, supervisor.SpawnRequest{
		TabID:            requesting.ID,
		Prompt:           assignmentPrompt(fallback),
		WorkingDirectory: requesting.WorkingDirectory,
	}); err != nil {
		logger.Warnf("coordinator: fallback spawn for requesting tab failed: %v", err)
	} else {
		requesting.AttachProcess(job)
	}
	spawned = append(spawned, requesting.ID)

	for i := 1; i < k; i++ {
		tab := c.store.Create(fmt.Sprintf("sibling-fallback-%d", i))
		tab.WorkingDirectory = requesting.WorkingDirectory
		c.assign(tab, fallback)
		job, err := c.supervisor.Spawn(ctx, supervisor.SpawnRequest{
			TabID:            tab.ID,
			TargetTabID:      tab.ID,
			Prompt:           assignmentPrompt(fallback),
			WorkingDirectory: tab.WorkingDirectory,
		})
		if err != nil {
			logger.Warnf("coordinator: fallback spawn for sibling tab %s failed: %v", tab.ID, err)
			continue
		}
		tab.AttachProcess(job)
		spawned = append(spawned, tab.ID)
	}

	c.note(req.RequestingTabID, fmt.Sprintf("Spawned %d coordinated instances: %v", k, spawned))
	return Result{SpawnedTabs: spawned, K: k}
}

func (c *Controller) assign(tab *tabstore.Tab, task SubTask) {
	_ = c.store.AppendEntry(tab.ID, tabstore.Entry{
		Timestamp: time.Now(),
		Sender:    tabstore.SenderSystem,
		Content:   fmt.Sprintf("Assigned: %s (scope: %s, priority: %s)", task.Description, task.Scope, task.Priority),
	})
}

func (c *Controller) reprompt(tab *tabstore.Tab, task SubTask) {
	_ = c.store.AppendEntry(tab.ID, tabstore.Entry{
		Timestamp: time.Now(),
		Sender:    tabstore.SenderUser,
		Content:   assignmentPrompt(task),
	})
}

func assignmentPrompt(task SubTask) string {
	return fmt.Sprintf("Please work on: %s (scope: %s)", task.Description, task.Scope)
}

func (c *Controller) note(tabID, content string) {
	_ = c.store.AppendEntry(tabID, tabstore.Entry{
		Timestamp: time.Now(),
		Sender:    tabstore.SenderSystem,
		Content:   content,
	})
}

// collectAdvisorText drains an Advisor stream into a single string,
// concatenating only non-thinking text chunks (the breakdown prompt's
// answer, not its reasoning preamble).
func (c *Controller) collectAdvisorText(ctx context.Context, prompt string) (string, error) {
	ch, err := c.advisor.Stream(ctx, prompt)
	if err != nil {
		return "", err
	}
	var out []byte
	for chunk := range ch {
		switch chunk.Kind {
		case advisor.ChunkText:
			if !chunk.IsThinking {
				out = append(out, chunk.Text...)
			}
		case advisor.ChunkError:
			return "", chunk.Err
		}
	}
	return string(out), nil
}

// SetMaxInstances updates the cap M in [1, 20] and returns the ids of
// tabs scheduled for excess shutdown in LIFO order, tab 0 excluded. The
// caller is responsible for actually destroying each returned tab once
// its current turn ends.
func (c *Controller) SetMaxInstances(m int) []string {
	if m < 1 {
		m = 1
	}
	if m > 20 {
		m = 20
	}
	atomic.StoreInt32(&c.maxInstances, int32(m))

	current := c.store.Count()
	if current <= m {
		return nil
	}
	excess := current - m
	doomed := c.store.LIFOExcess(excess)
	for _, tabID := range doomed {
		_ = c.store.AppendEntry(tabID, tabstore.Entry{
			Timestamp: time.Now(),
			Sender:    tabstore.SenderSystem,
			Content:   "This instance is scheduled for shutdown: the instance cap was lowered.",
		})
	}
	return doomed
}

// MaxInstances returns the current cap.
func (c *Controller) MaxInstances() int {
	return int(atomic.LoadInt32(&c.maxInstances))
}
