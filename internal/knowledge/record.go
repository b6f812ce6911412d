// Package knowledge captures learnings produced by the control plane and
// hands them to external sinks. Capture never blocks the caller; records
// are dropped when sinks fall behind.
package knowledge

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/steward/pkg/models"
)

// Kind identifies what produced a record.
type Kind string

const (
	// KindFailureResolution is emitted when a task succeeds after a failure streak.
	KindFailureResolution Kind = "failure_resolution"
	// KindCollaboration is emitted when a help request is resolved.
	KindCollaboration Kind = "collaboration"
)

// maxConcepts caps concept tags per record.
const maxConcepts = 5

// Record is one captured learning in WHEN/DO/RESULT form.
type Record struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	ProjectID string            `json:"project_id"`
	TaskID    string            `json:"task_id,omitempty"`
	AgentID   string            `json:"agent_id,omitempty"`
	Role      models.AgentRole  `json:"role,omitempty"`
	Condition string            `json:"condition"`
	Action    string            `json:"action"`
	Outcome   string            `json:"outcome"`
	Concepts  []string          `json:"concepts,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Stamp fills in ID and CreatedAt when they are unset.
func (r *Record) Stamp(now time.Time) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now.UTC()
	}
}

// conceptKeywords maps a substring to the concept it tags.
var conceptKeywords = map[string]string{
	"test":        "testing",
	"debug":       "debugging",
	"fix":         "bug-fix",
	"implement":   "implementation",
	"refactor":    "refactoring",
	"config":      "configuration",
	"setup":       "setup",
	"api":         "api",
	"database":    "database",
	"frontend":    "frontend",
	"backend":     "backend",
	"security":    "security",
	"performance": "performance",
	"doc":         "documentation",
	"auth":        "authentication",
	"cors":        "cors",
	"timeout":     "timeouts",
	"deploy":      "deployment",
}

var sortedKeywords = func() []string {
	keys := make([]string, 0, len(conceptKeywords))
	for k := range conceptKeywords {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}()

// DeriveConcepts tags text with up to five concepts. The leading tags are
// used verbatim (for example the error kind or category); keyword matches
// follow in alphabetical keyword order so the result is deterministic.
func DeriveConcepts(text string, leading ...string) []string {
	seen := make(map[string]bool)
	var concepts []string
	add := func(c string) {
		if c == "" || seen[c] || len(concepts) >= maxConcepts {
			return
		}
		seen[c] = true
		concepts = append(concepts, c)
	}

	for _, c := range leading {
		add(c)
	}

	lower := strings.ToLower(text)
	for _, kw := range sortedKeywords {
		if strings.Contains(lower, kw) {
			add(conceptKeywords[kw])
		}
	}
	return concepts
}
