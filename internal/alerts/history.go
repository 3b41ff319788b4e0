package alerts

import (
	"strings"
	"sync"
	"time"
)

const historyTimeFormat = "2006-01-02 15:04:05"

// EmptyReport is the report body when nothing was recorded.
const EmptyReport = "No alerts yet."

// History is the append-only, human-readable alert log drained by reports.
type History struct {
	mu      sync.Mutex
	entries []string
	now     func() time.Time
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{now: time.Now}
}

// Record appends "[YYYY-MM-DD HH:MM:SS] message".
func (h *History) Record(message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, "["+h.now().Format(historyTimeFormat)+"] "+message)
}

// Entries returns a copy of the current log.
func (h *History) Entries() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.entries...)
}

// Len returns the number of entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Drain returns every entry and clears the log.
func (h *History) Drain() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.entries
	h.entries = nil
	return out
}

// Report is a drained history rendered as text.
type Report struct {
	Text        string    `json:"text"`
	Count       int       `json:"count"`
	GeneratedAt time.Time `json:"generated_at"`
}

// BuildReport joins entries one per line. Count is the number of alerts, so
// an empty report has Count 0 and the EmptyReport text.
func BuildReport(entries []string, at time.Time) Report {
	text := strings.Join(entries, "\n")
	if text == "" {
		text = EmptyReport
	}
	return Report{Text: text, Count: len(entries), GeneratedAt: at}
}
