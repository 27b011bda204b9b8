package command

import (
	devtoolsrelay "github.com/wolfeidau/devtools-relay"
	"github.com/wolfeidau/devtools-relay/store/bounded"
)

// DefaultHistorySize is how many failed results History keeps.
const DefaultHistorySize = 100

// History keeps the most recent failed terminal results.
type History struct {
	store *bounded.Store[string, devtoolsrelay.TerminalResult]
}

// NewHistory creates a history holding up to size results.
func NewHistory(size int, opts ...bounded.Option) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	opts = append([]bounded.Option{bounded.WithName("failed_commands")}, opts...)
	return &History{store: bounded.NewLRU[string, devtoolsrelay.TerminalResult](size, opts...)}
}

// Record adds r if it is a failure.
func (h *History) Record(r devtoolsrelay.TerminalResult) {
	if !r.Failed() {
		return
	}
	h.store.Set(r.ID, r)
}

// Recent returns the failures, newest first.
func (h *History) Recent() []devtoolsrelay.TerminalResult {
	out := make([]devtoolsrelay.TerminalResult, 0, h.store.Len())
	h.store.Range(func(_ string, r devtoolsrelay.TerminalResult) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Len returns the number of stored failures.
func (h *History) Len() int {
	return h.store.Len()
}
