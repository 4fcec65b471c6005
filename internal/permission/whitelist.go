package permission

import "sync"

// SafeTools is the pre-enabled whitelist applied to every new tab to
// reduce permission round-trips. Loadable and hot-reloadable from
// config, which is why this is a var rather than a const block.
var SafeTools = []string{
	"Read", "Write", "Edit", "MultiEdit", "Glob", "Grep", "LS", "Bash",
	"TodoRead", "TodoWrite", "NotebookRead", "NotebookEdit", "WebFetch", "WebSearch",
}

// Whitelist is a mutable, hot-reloadable set of pre-enabled tool names.
type Whitelist struct {
	mu    sync.RWMutex
	tools map[string]struct{}
}

// NewWhitelist creates a Whitelist seeded from SafeTools.
func NewWhitelist() *Whitelist {
	w := &Whitelist{tools: make(map[string]struct{}, len(SafeTools))}
	w.Reload(SafeTools)
	return w
}

// Reload atomically replaces the whitelist's contents, used by the
// config package's fsnotify watch when the safe-tools file changes.
func (w *Whitelist) Reload(tools []string) {
	m := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		m[t] = struct{}{}
	}
	w.mu.Lock()
	w.tools = m
	w.mu.Unlock()
}

// Names returns the current whitelist contents.
func (w *Whitelist) Names() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.tools))
	for t := range w.tools {
		out = append(out, t)
	}
	return out
}
