// Package failure classifies raw agent errors into comparable signatures.
package failure

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/ShayCichocki/steward/internal/textsim"
	"github.com/ShayCichocki/steward/pkg/models"
)

// Extractor turns raw error text into a models.FailureSignature.
// It holds only compiled patterns and is safe for concurrent use.
type Extractor struct {
	classifiers []*classifier
}

// classifier is one entry in the priority-ordered vocabulary table.
type classifier struct {
	kind    models.ErrorKind
	pattern *regexp.Regexp
}

// NewExtractor creates an Extractor with the default vocabularies.
func NewExtractor() *Extractor {
	e := &Extractor{}
	e.initClassifiers()
	return e
}

// initClassifiers builds the vocabulary table. Order is priority: the first
// matching entry wins.
func (e *Extractor) initClassifiers() {
	e.classifiers = []*classifier{
		{
			kind: models.ErrorKindType,
			pattern: regexp.MustCompile(`\btypeerror\b|cannot use .+ as .+ (?:type|value)|type mismatch|incompatible types?|` +
				`is not assignable to (?:type|parameter)|unsupported operand type|mismatched types`),
		},
		{
			kind:    models.ErrorKindSyntax,
			pattern: regexp.MustCompile(`syntaxerror|syntax error|indentationerror|unexpected token|unexpected eof|parse error|unterminated string`),
		},
		{
			kind: models.ErrorKindImport,
			pattern: regexp.MustCompile(`importerror|modulenotfounderror|no module named|cannot find module|cannot find package|` +
				`could not resolve import|import cycle not allowed|no required module provides package`),
		},
		{
			kind:    models.ErrorKindKey,
			pattern: regexp.MustCompile(`\bkeyerror\b|key not found|missing key|no such key`),
		},
		{
			kind: models.ErrorKindAttribute,
			pattern: regexp.MustCompile(`attributeerror|has no attribute|has no field or method|undefined method|is not a function|` +
				`cannot read propert(?:y|ies) of (?:undefined|null)`),
		},
		{
			kind: models.ErrorKindConnection,
			pattern: regexp.MustCompile(`connectionerror|connection (?:refused|reset|closed|aborted|timed out)|econnrefused|econnreset|etimedout|` +
				`no route to host|network is unreachable|dial tcp|broken pipe|no such host|i/o timeout|` +
				`(?:read|connect|request) timeout|connecttimeout|readtimeout`),
		},
		{
			kind: models.ErrorKindHTTP,
			pattern: regexp.MustCompile(`httperror|status code:? ?[45]\d\d|\bhttp [45]\d\d\b|` +
				`\b(?:401|403|404|429|500|502|503|504)\b (?:unauthorized|forbidden|not found|too many requests|internal server error|bad gateway|service unavailable|gateway timeout)`),
		},
		{
			// Database connectivity only. Schema and constraint errors are
			// the agent's own defects and fall through to ErrorKindQuery.
			kind: models.ErrorKindDatabase,
			pattern: regexp.MustCompile(`database is locked|too many connections|too many clients|` +
				`could not connect to (?:server|database)|connection to (?:server|database)\b.* failed|` +
				`server closed the connection unexpectedly|terminating connection|connection pool (?:exhausted|timeout)`),
		},
		{
			kind: models.ErrorKindQuery,
			pattern: regexp.MustCompile(`integrityerror|programmingerror|operationalerror|sqlstate|deadlock detected|` +
				`relation .+ does not exist|duplicate key value|no such (?:table|column)|` +
				`(?:unique|foreign key|not null|check) constraint|violates .*constraint|\bpq: |\bsql: `),
		},
		{
			kind:    models.ErrorKindTimeout,
			pattern: regexp.MustCompile(`timeouterror|\btimeout\b|timed out|deadline exceeded`),
		},
		{
			kind: models.ErrorKindValidation,
			pattern: regexp.MustCompile(`validationerror|validation (?:failed|error)|invalid (?:input|argument|value|parameter)|` +
				`\bvalueerror\b|is required|must be (?:a|an|one of|at least|at most|positive|non-empty)`),
		},
		{
			kind:    models.ErrorKindAssertion,
			pattern: regexp.MustCompile(`assertionerror|assertion failed|--- fail|expected .+ (?:but )?got|test failed`),
		},
		{
			kind: models.ErrorKindRuntime,
			pattern: regexp.MustCompile(`runtimeerror|panic:|nil pointer|null pointer|index out of range|zerodivisionerror|` +
				`segmentation fault|nameerror|undefined: |exception|traceback`),
		},
	}
}

var (
	pythonFrame = regexp.MustCompile(`File "([^"]+)", line (\d+)`)
	jvmFrame    = regexp.MustCompile(`\(([\w$.\-]+\.(?:java|kt|scala|groovy)):(\d+)\)`)
	pathLine    = regexp.MustCompile(`((?:[\w.\-]+/)*[\w.\-]+\.(?:go|js|ts|jsx|tsx|mjs|cjs|py|rb|rs|c|cc|cpp|h|hpp|php|cs|swift)):(\d+)(?::\d+)?`)
)

// Extract classifies message (plus an optional trace) into a signature.
// Same input always yields the same signature.
func (e *Extractor) Extract(message, trace string) models.FailureSignature {
	kind := e.Classify(message, trace)
	file, line := extractLocation(message, trace)

	location := ""
	if file != "" {
		location = file + ":" + line
	}

	normalized := Normalize(message)
	return models.FailureSignature{
		Kind:     kind,
		Location: location,
		Hash:     hashSignature(kind, normalized, file),
		Message:  message,
		Tokens:   textsim.Tokenize(normalized),
	}
}

// Classify returns the first matching kind, or ErrorKindUnknown.
func (e *Extractor) Classify(message, trace string) models.ErrorKind {
	lower := strings.ToLower(message)
	for _, c := range e.classifiers {
		if c.pattern.MatchString(lower) {
			return c.kind
		}
	}
	if trace == "" {
		return models.ErrorKindUnknown
	}
	lowerTrace := strings.ToLower(trace)
	for _, c := range e.classifiers {
		if c.pattern.MatchString(lowerTrace) {
			return c.kind
		}
	}
	return models.ErrorKindUnknown
}

// extractLocation finds a best-effort file and line, preferring the trace.
// Python tracebacks list the innermost frame last; other formats first.
func extractLocation(message, trace string) (string, string) {
	for _, text := range []string{trace, message} {
		if text == "" {
			continue
		}
		if m := pythonFrame.FindAllStringSubmatch(text, -1); len(m) > 0 {
			last := m[len(m)-1]
			return last[1], last[2]
		}
		if m := jvmFrame.FindStringSubmatch(text); m != nil {
			return m[1], m[2]
		}
		if m := pathLine.FindStringSubmatch(text); m != nil {
			return m[1], m[2]
		}
	}
	return "", ""
}

func hashSignature(kind models.ErrorKind, normalized, file string) string {
	sum := sha256.Sum256([]byte(string(kind) + "|" + normalized + "|" + file))
	return hex.EncodeToString(sum[:16])
}

var defaultExtractor = NewExtractor()

// Extract classifies using the default vocabularies.
func Extract(message, trace string) models.FailureSignature {
	return defaultExtractor.Extract(message, trace)
}
