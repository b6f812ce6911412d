package textsim

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"How do I configure CORS?", []string{"config", "cors"}},
		{"What's the correct CORS configuration?", []string{"correct", "cors", "config"}},
		{"CORS setup help needed", []string{"cors", "config", "help", "needed"}},
		{"", []string{}},
		{"DB DB db", []string{"database"}},
		{"Running the tests again", []string{"running", "test", "again"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Tokenize(tt.in))
		})
	}
}

func TestSimilarity_NearDuplicateQuestions(t *testing.T) {
	qs := []string{
		"How do I configure CORS?",
		"What's the correct CORS configuration?",
		"CORS setup help needed",
	}
	filler := NewTokenizer("correct", "Help", " needed ")
	for i := range qs {
		for j := range qs {
			assert.InDelta(t, 1.0, filler.Similarity(qs[i], qs[j]), 1e-9, "%q vs %q", qs[i], qs[j])
		}
	}

	// Without the filler words the phrasing still counts.
	assert.InDelta(t, 2.0/3.0, Similarity(qs[0], qs[1]), 1e-9)
	assert.InDelta(t, 0.5, Similarity(qs[0], qs[2]), 1e-9)
}

func TestTokenizer_ExtraWords(t *testing.T) {
	assert.Equal(t, []string{"cors", "config", "help"}, Tokenize("CORS setup, help"))
	assert.Equal(t, []string{"cors", "config"}, NewTokenizer("help").Tokenize("CORS setup, help"))
	assert.Equal(t, Tokenize("CORS setup"), NewTokenizer("", "  ").Tokenize("CORS setup"))
	// Extras match the word as written, not its canonical form.
	assert.Equal(t, []string{"cors", "config"}, NewTokenizer("configuration").Tokenize("CORS configuration setup"))
}

func TestSimilarity_UnrelatedQuestions(t *testing.T) {
	assert.Less(t, Similarity("How should the database schema be indexed?", "Which JWT library should we use?"), 0.2)
	assert.Less(t, Similarity("Which JWT library should we use?", "What region is the deployment target?"), 0.2)
}

func TestJaccard(t *testing.T) {
	assert.Equal(t, 0.0, Jaccard(nil, nil))
	assert.Equal(t, 1.0, Jaccard([]string{"a", "b"}, []string{"b", "a", "a"}))
	assert.InDelta(t, 1.0/3.0, Jaccard([]string{"a", "b"}, []string{"b", "c"}), 1e-9)
}

func TestOverlap(t *testing.T) {
	goal := Tokenize("Build a REST API with authentication")
	work := Tokenize("Implemented REST endpoints; added auth middleware; API docs")
	assert.InDelta(t, 0.75, Overlap(goal, work), 1e-9)
	assert.Equal(t, 0.0, Overlap(nil, work))
}
