package protect

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.yaml.in/yaml/v3"
)

// Rule names which strategy produced a finding.
type Rule string

const (
	RulePattern  Rule = "pattern"
	RuleKeyword  Rule = "keyword"
	RuleFileType Rule = "file_type"
	RuleImport   Rule = "import"
	RulePhrase   Rule = "phrase"
)

// Finding is one reason a piece of work is considered sensitive.
type Finding struct {
	Rule   Rule   `json:"rule"`
	Path   string `json:"path,omitempty"`
	Match  string `json:"match"`
	Reason string `json:"reason"`
}

func (f Finding) String() string {
	if f.Path == "" {
		return f.Reason
	}
	return f.Path + ": " + f.Reason
}

// Subject is the work being screened: a proposed task and the artifacts
// it touches.
type Subject struct {
	Description string
	Paths       []string
	// Contents maps a path to its bytes, when they were read.
	Contents map[string][]byte
}

// Detector checks tasks and artifact paths against protected areas.
// Five strategies apply:
// 1. Glob patterns (e.g., **/auth/**)
// 2. Keywords in path (e.g., "auth", "secret")
// 3. File types (e.g., .sql, .pem)
// 4. Security-related imports in artifact contents
// 5. Risky phrases in the task description
type Detector struct {
	mu        sync.RWMutex
	patterns  []string
	keywords  []string
	fileTypes []string
	phrases   []string
	imports   *ImportScanner
}

// fileConfig is the YAML layout accepted by LoadFile.
type fileConfig struct {
	ProtectedAreas struct {
		Patterns  []string `yaml:"patterns"`
		Keywords  []string `yaml:"keywords"`
		FileTypes []string `yaml:"file_types"`
		Phrases   []string `yaml:"phrases"`
	} `yaml:"protected_areas"`
}

// New creates a detector with the default rules.
func New() *Detector {
	return &Detector{
		patterns:  append([]string{}, DefaultPatterns...),
		keywords:  append([]string{}, DefaultKeywords...),
		fileTypes: append([]string{}, DefaultFileTypes...),
		phrases:   append([]string{}, DefaultPhrases...),
		imports:   NewImportScanner(),
	}
}

// LoadFile adds the rules from a YAML file to the detector.
func (d *Detector) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read protected areas: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse protected areas %s: %w", path, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.patterns = append(d.patterns, cfg.ProtectedAreas.Patterns...)
	d.keywords = append(d.keywords, cfg.ProtectedAreas.Keywords...)
	d.fileTypes = append(d.fileTypes, cfg.ProtectedAreas.FileTypes...)
	d.phrases = append(d.phrases, cfg.ProtectedAreas.Phrases...)
	return nil
}

// CheckPath reports the first rule a path matches.
func (d *Detector) CheckPath(path string) (Finding, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	normalized := filepath.ToSlash(path)
	lower := strings.ToLower(normalized)

	for _, pattern := range d.patterns {
		if matchGlobPattern(normalized, pattern) {
			return Finding{Rule: RulePattern, Path: path, Match: pattern, Reason: "matches protected pattern " + pattern}, true
		}
	}
	for _, keyword := range d.keywords {
		if strings.Contains(lower, strings.ToLower(keyword)) {
			return Finding{Rule: RuleKeyword, Path: path, Match: keyword, Reason: "contains protected keyword " + keyword}, true
		}
	}
	ext := strings.ToLower(filepath.Ext(normalized))
	for _, ft := range d.fileTypes {
		if ext != "" && ext == strings.ToLower(ft) {
			return Finding{Rule: RuleFileType, Path: path, Match: ft, Reason: "protected file type " + ft}, true
		}
	}
	return Finding{}, false
}

// CheckText reports the first risky phrase found in free text.
func (d *Detector) CheckText(text string) (Finding, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	lower := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	for _, phrase := range d.phrases {
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return Finding{Rule: RulePhrase, Match: phrase, Reason: "task mentions " + phrase}, true
		}
	}
	return Finding{}, false
}

// Screen runs every strategy over a subject. Findings are ordered by path
// with description findings first; at most one finding per path.
func (d *Detector) Screen(s Subject) []Finding {
	var out []Finding
	if f, ok := d.CheckText(s.Description); ok {
		out = append(out, f)
	}

	paths := append([]string(nil), s.Paths...)
	for p := range s.Contents {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		if f, ok := d.CheckPath(p); ok {
			out = append(out, f)
			continue
		}
		if content, ok := s.Contents[p]; ok {
			if reason, found := d.imports.Scan(p, content); found {
				out = append(out, Finding{Rule: RuleImport, Path: p, Match: reason, Reason: "security-sensitive import: " + reason})
			}
		}
	}
	return out
}
