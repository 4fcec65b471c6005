package tabstore

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"sync"
)

// ErrMainTabProtected is returned by Close when asked to destroy tab 0.
var ErrMainTabProtected = fmt.Errorf("tabstore: main tab cannot be closed")

// ErrLastTabProtected is returned by Close when it would leave zero tabs.
var ErrLastTabProtected = fmt.Errorf("tabstore: cannot close the only remaining tab")

// ErrSessionMismatch is returned by BindSession when a tab already
// carries a different session id.
var ErrSessionMismatch = fmt.Errorf("tabstore: session id already bound to a different value")

// Store is the index-level structure: a read/write lock protects the
// id/session maps and slice; each Tab additionally has its own mutex
// for field-level mutation, per the "per-tab mutexes plus an
// index-level read/write lock" option.
type Store struct {
	mu         sync.RWMutex
	byID       map[string]*Tab
	bySession  map[string]string // session id -> tab id
	order      []string          // tab ids in creation order; order[0] is the main tab
	mainTabID  string
}

// New creates a Store with a single "main" tab (tab 0), which is never
// destroyed while the orchestrator runs.
func New() *Store {
	s := &Store{
		byID:      make(map[string]*Tab),
		bySession: make(map[string]string),
	}
	main := newTab(uuid.NewString(), "main")
	s.byID[main.ID] = main
	s.order = append(s.order, main.ID)
	s.mainTabID = main.ID
	return s
}

// MainTabID returns tab 0's id.
func (s *Store) MainTabID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mainTabID
}

// Create adds a new tab with the given name and returns it.
func (s *Store) Create(name string) *Tab {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := newTab(uuid.NewString(), name)
	s.byID[t.ID] = t
	s.order = append(s.order, t.ID)
	return t
}

// Close removes a tab. Refuses when tabID is the main tab or when only
// one tab remains.
func (s *Store) Close(tabID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tabID == s.mainTabID {
		return ErrMainTabProtected
	}
	if len(s.order) <= 1 {
		return ErrLastTabProtected
	}
	tab, ok := s.byID[tabID]
	if !ok {
		return fmt.Errorf("tabstore: unknown tab %q", tabID)
	}

	delete(s.byID, tabID)
	if tab.SessionID != "" {
		delete(s.bySession, tab.SessionID)
	}
	for i, id := range s.order {
		if id == tabID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// GetByID returns the tab with the given id, or (nil, false).
func (s *Store) GetByID(tabID string) (*Tab, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[tabID]
	return t, ok
}

// GetBySession returns the tab bound to the given session id.
func (s *Store) GetBySession(sessionID string) (*Tab, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tabID, ok := s.bySession[sessionID]
	if !ok {
		return nil, false
	}
	return s.byID[tabID], true
}

// List returns tabs in creation order.
func (s *Store) List() []*Tab {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Tab, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// LIFOExcess returns the ids of the last N tabs created (excluding the
// main tab), in LIFO order, used by the Coordination Controller's
// excess-shutdown rule.
func (s *Store) LIFOExcess(n int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 {
		return nil
	}
	var candidates []string
	for _, id := range s.order {
		if id != s.mainTabID {
			candidates = append(candidates, id)
		}
	}
	if n > len(candidates) {
		n = len(candidates)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = candidates[len(candidates)-1-i]
	}
	return out
}

// HasSession implements router.SessionLookup.
func (s *Store) HasSession(sessionID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tabID, ok := s.bySession[sessionID]
	return tabID, ok
}

// HasTab implements router.TabLookup.
func (s *Store) HasTab(tabID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[tabID]
	return ok
}

// Count returns the current number of tabs.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// BindSession sets tabID's session id. Succeeds only if the tab has no
// session id yet; idempotent if already bound to the same value;
// rejects mismatched rebind.
func (s *Store) BindSession(tabID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tab, ok := s.byID[tabID]
	if !ok {
		return fmt.Errorf("tabstore: unknown tab %q", tabID)
	}

	tab.mu.Lock()
	defer tab.mu.Unlock()

	if tab.SessionID == sessionID {
		return nil // idempotent rebind to the same value
	}
	if tab.SessionID != "" {
		return ErrSessionMismatch
	}

	tab.SessionID = sessionID
	s.bySession[sessionID] = tabID
	return nil
}

// AppendEntry appends a fully-formed Entry to a tab's log. For
// assistant streaming text, prefer AppendStreamText, which implements
// the merge rule; this method always creates a new Entry.
func (s *Store) AppendEntry(tabID string, e Entry) error {
	tab, ok := s.GetByID(tabID)
	if !ok {
		return fmt.Errorf("tabstore: unknown tab %q", tabID)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	tab.mu.Lock()
	defer tab.mu.Unlock()
	tab.Log = append(tab.Log, e)
	tab.LastActivityAt = e.Timestamp
	return nil
}

// AppendStreamText implements the Assistant-entry merge rule (spec
// §4.3, §8 property 4): consecutive StreamText chunks on the same tab
// with no intervening non-Assistant entry append to the tail Assistant
// entry; any intervening non-Assistant entry closes the tail, and the
// next StreamText starts a new Assistant Entry.
func (s *Store) AppendStreamText(tabID, text string) error {
	tab, ok := s.GetByID(tabID)
	if !ok {
		return fmt.Errorf("tabstore: unknown tab %q", tabID)
	}

	tab.mu.Lock()
	defer tab.mu.Unlock()

	now := time.Now()
	if n := len(tab.Log); n > 0 && tab.Log[n-1].Sender == SenderAssistant {
		tab.Log[n-1].Content += text
	} else {
		tab.Log = append(tab.Log, Entry{Timestamp: now, Sender: SenderAssistant, Content: text})
	}
	tab.LastActivityAt = now
	return nil
}
