// Package stall implements the Stall Detector: per tab, it
// tracks idle time against a doubling backoff threshold and, once the
// full gating conjunction holds, asks the Advisor to unblock the
// conversation on the user's behalf.
package stall

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"rally/internal/advisor"
	"rally/internal/tabstore"
	"rally/pkg/logger"
)

const (
	initialThresholdSeconds = 10
	maxThresholdSeconds     = 30
	minCheckIntervalSeconds = 5
	// maxJitterSeconds bounds the per-tab jitter added to
	// current_threshold_s, carried over from the original's
	// stall_detection.rs to keep a burst of coordinated spawns from
	// having every sibling fire its advisor check in lockstep.
	maxJitterSeconds = 2
)

// tabClock is the per-tab stall-timing state machine.
type tabClock struct {
	mu sync.Mutex

	lastActivityAt          time.Time
	currentThresholdSeconds float64
	jitterSeconds           float64
	isProcessing            bool
	stallCheckSent          bool
	interventionInProgress  bool
	lastCheckAt             time.Time
}

func newTabClock(seedJitter func() float64) *tabClock {
	return &tabClock{
		lastActivityAt:          time.Now(),
		currentThresholdSeconds: initialThresholdSeconds,
		jitterSeconds:           seedJitter(),
	}
}

// InProgressChecker lets the detector consult the Coordination
// Controller's single-flight flag without importing internal/coordinator.
type InProgressChecker interface {
	InProgress() bool
}

// Advisor is the subset of *advisor.Client the detector needs.
type Advisor interface {
	Stream(ctx context.Context, prompt string) (<-chan advisor.Chunk, error)
}

// TabSource is the subset of *tabstore.Store the detector needs.
type TabSource interface {
	GetByID(tabID string) (*tabstore.Tab, bool)
	AppendEntry(tabID string, e tabstore.Entry) error
}

// Detector tracks per-tab idle clocks and drives Advisor-backed
// interventions once a tab's gating conjunction holds.
type Detector struct {
	mu     sync.Mutex
	clocks map[string]*tabClock

	tabs        TabSource
	advisor     Advisor
	coordinator InProgressChecker

	// SeedJitter is overridable so tests can inject a zero-jitter clock
	// for deterministic threshold assertions.
	SeedJitter func() float64
}

// New creates a Detector.
func New(tabs TabSource, adv Advisor, coordinator InProgressChecker) *Detector {
	return &Detector{
		clocks:      make(map[string]*tabClock),
		tabs:        tabs,
		advisor:     adv,
		coordinator: coordinator,
		SeedJitter:  func() float64 { return rand.Float64() * maxJitterSeconds },
	}
}

func (d *Detector) clockFor(tabID string) *tabClock {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.clocks[tabID]
	if !ok {
		c = newTabClock(d.SeedJitter)
		d.clocks[tabID] = c
	}
	return c
}

// RecordActivity updates last_activity_at and doubles the threshold up
// to its max ("the detector becomes less aggressive as
// the conversation progresses").
func (d *Detector) RecordActivity(tabID string) {
	c := d.clockFor(tabID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivityAt = time.Now()
	c.currentThresholdSeconds *= 2
	if c.currentThresholdSeconds > maxThresholdSeconds {
		c.currentThresholdSeconds = maxThresholdSeconds
	}
}

// SetProcessing toggles is_processing for a tab.
func (d *Detector) SetProcessing(tabID string, processing bool) {
	c := d.clockFor(tabID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isProcessing = processing
}

// ShouldTrigger reports whether tabID currently satisfies the full
// gating conjunction, without mutating any state.
func (d *Detector) ShouldTrigger(tabID string) bool {
	tab, ok := d.tabs.GetByID(tabID)
	if !ok {
		return false
	}
	if d.coordinator != nil && d.coordinator.InProgress() {
		return false
	}

	c := d.clockFor(tabID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isProcessing || c.stallCheckSent || c.interventionInProgress {
		return false
	}
	if !tab.HasUserEntry() || !tab.HasAssistantEntry() {
		return false
	}
	now := time.Now()
	if !c.lastCheckAt.IsZero() && now.Sub(c.lastCheckAt).Seconds() <= minCheckIntervalSeconds {
		return false
	}
	idleSeconds := now.Sub(c.lastActivityAt).Seconds()
	return idleSeconds > c.currentThresholdSeconds+c.jitterSeconds
}

// Trigger performs the intervention: marks the per-tab flags, invokes
// the Advisor with the assistant's last message and the user's most
// recent message as context, then reinjects the verdict as a
// user-sender message and resets the threshold.
func (d *Detector) Trigger(ctx context.Context, tabID string) error {
	tab, ok := d.tabs.GetByID(tabID)
	if !ok {
		return nil
	}

	c := d.clockFor(tabID)
	c.mu.Lock()
	c.stallCheckSent = true
	c.interventionInProgress = true
	c.lastCheckAt = time.Now()
	c.mu.Unlock()

	lastAssistant, lastUser := lastMessagesByRole(tab)
	prompt := advisor.QuestionOrDocPrompt(lastAssistant, lastUser)

	verdict, err := d.collectAdvisorText(ctx, prompt)

	c.mu.Lock()
	c.interventionInProgress = false
	c.stallCheckSent = false
	c.currentThresholdSeconds = initialThresholdSeconds
	c.mu.Unlock()

	if err != nil {
		logger.Warnf("stall: advisor error for tab %s: %v", tabID, err)
		_ = d.tabs.AppendEntry(tabID, tabstore.Entry{
			Timestamp: time.Now(),
			Sender:    tabstore.SenderSystem,
			Content:   "Stall recovery failed: advisor unavailable.",
		})
		return err
	}

	return d.tabs.AppendEntry(tabID, tabstore.Entry{
		Timestamp: time.Now(),
		Sender:    tabstore.SenderUser,
		Content:   verdict,
	})
}

func (d *Detector) collectAdvisorText(ctx context.Context, prompt string) (string, error) {
	ch, err := d.advisor.Stream(ctx, prompt)
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

func lastMessagesByRole(tab *tabstore.Tab) (lastAssistant, lastUser string) {
	for _, e := range tab.Snapshot() {
		switch e.Sender {
		case tabstore.SenderAssistant:
			lastAssistant = e.Content
		case tabstore.SenderUser:
			lastUser = e.Content
		}
	}
	return lastAssistant, lastUser
}
