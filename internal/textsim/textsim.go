// Package textsim provides the token normalisation and set similarity used to
// compare free-text questions, goals and error messages.
package textsim

import (
	"strings"
	"unicode"
)

// minTokenLen drops single characters left over from splitting
// contractions and placeholders.
const minTokenLen = 2

// stopwords are English function words. Domain filler is added per
// Tokenizer.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "can": true, "do": true, "does": true,
	"for": true, "from": true, "get": true, "has": true, "have": true,
	"how": true, "if": true, "in": true, "is": true, "it": true, "its": true,
	"me": true, "my": true, "of": true, "on": true, "or": true, "our": true,
	"should": true, "so": true, "that": true, "the": true, "there": true,
	"this": true, "to": true, "was": true, "we": true, "what": true,
	"whats": true, "when": true, "with": true, "would": true, "you": true,
	"your": true,
}

// synonyms folds common variants onto a canonical token.
var synonyms = map[string]string{
	"configure":      "config",
	"configured":     "config",
	"configuring":    "config",
	"configuration":  "config",
	"configurations": "config",
	"setup":          "config",
	"settings":       "config",
	"setting":        "config",
	"auth":           "authentication",
	"authenticate":   "authentication",
	"db":             "database",
	"databases":      "database",
	"deploy":         "deployment",
	"deploying":      "deployment",
	"errors":         "error",
	"failing":        "fail",
	"failed":         "fail",
	"failure":        "fail",
	"fails":          "fail",
	"tests":          "test",
	"testing":        "test",
}

// Tokenizer drops a set of extra words on top of the English stopwords.
// The zero value uses the stopwords alone.
type Tokenizer struct {
	extra map[string]bool
}

// NewTokenizer returns a Tokenizer that also ignores the given words. They
// are matched case-insensitively before synonyms are folded.
func NewTokenizer(extra ...string) Tokenizer {
	t := Tokenizer{extra: make(map[string]bool, len(extra))}
	for _, w := range extra {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			t.extra[w] = true
		}
	}
	return t
}

// Tokenize lower-cases s, splits on anything that is not a letter or digit,
// drops stopwords and very short tokens, and canonicalises synonyms. The
// result preserves first-seen order and contains no duplicates.
func Tokenize(s string) []string {
	return Tokenizer{}.Tokenize(s)
}

// Tokenize is the package Tokenize with t's extra words dropped as well.
func (t Tokenizer) Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < minTokenLen || stopwords[f] || t.extra[f] {
			continue
		}
		tok := canonical(f)
		if seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

func canonical(tok string) string {
	if c, ok := synonyms[tok]; ok {
		return c
	}
	if len(tok) > 5 && strings.HasSuffix(tok, "s") && !strings.HasSuffix(tok, "ss") {
		if c, ok := synonyms[tok[:len(tok)-1]]; ok {
			return c
		}
		return tok[:len(tok)-1]
	}
	return tok
}

// Jaccard returns |a ∩ b| / |a ∪ b| over the token sets. Two empty inputs
// have similarity 0.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	inter := 0
	union := len(set)
	seenB := make(map[string]struct{}, len(b))
	for _, t := range b {
		if _, dup := seenB[t]; dup {
			continue
		}
		seenB[t] = struct{}{}
		if _, ok := set[t]; ok {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Similarity tokenizes both strings and returns their Jaccard similarity.
func Similarity(a, b string) float64 {
	return Tokenizer{}.Similarity(a, b)
}

// Similarity is the package Similarity using t to tokenize.
func (t Tokenizer) Similarity(a, b string) float64 {
	return Jaccard(t.Tokenize(a), t.Tokenize(b))
}

// Overlap returns the fraction of reference tokens that also appear in
// candidate. It is used for proximity estimates where the reference (a goal)
// is short and the candidate (accumulated work) is long.
func Overlap(reference, candidate []string) float64 {
	if len(reference) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(candidate))
	for _, t := range candidate {
		set[t] = struct{}{}
	}
	hit := 0
	for _, t := range reference {
		if _, ok := set[t]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(reference))
}
