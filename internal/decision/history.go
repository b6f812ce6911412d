package decision

import (
	"sync"

	"github.com/ShayCichocki/steward/internal/oracle"
)

// DefaultHistorySize is how many completed tasks a prompt carries.
const DefaultHistorySize = 5

// History keeps a fixed-capacity ring of completed tasks per project.
type History struct {
	size int

	mu    sync.Mutex
	rings map[string]*ring
}

type ring struct {
	buf  []oracle.HistoryEntry
	next int
	n    int
}

// NewHistory creates a History. size < 1 uses DefaultHistorySize.
func NewHistory(size int) *History {
	if size < 1 {
		size = DefaultHistorySize
	}
	return &History{size: size, rings: make(map[string]*ring)}
}

// Size is the per-project capacity.
func (h *History) Size() int { return h.size }

// Append records a completed task, overwriting the oldest when full.
func (h *History) Append(projectID string, e oracle.HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rings[projectID]
	if !ok {
		r = &ring{buf: make([]oracle.HistoryEntry, h.size)}
		h.rings[projectID] = r
	}
	r.buf[r.next] = e
	r.next = (r.next + 1) % h.size
	if r.n < h.size {
		r.n++
	}
}

// Recent returns the project's entries, most recent first.
func (h *History) Recent(projectID string) []oracle.HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rings[projectID]
	if !ok {
		return nil
	}
	out := make([]oracle.HistoryEntry, 0, r.n)
	for i := 1; i <= r.n; i++ {
		out = append(out, r.buf[(r.next-i+h.size)%h.size])
	}
	return out
}

// Forget drops a project's history.
func (h *History) Forget(projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rings, projectID)
}
