package models

import "testing"

func TestErrorKind_IsExternal(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{ErrorKindConnection, true},
		{ErrorKindHTTP, true},
		{ErrorKindDatabase, true},
		{ErrorKindTimeout, false},
		{ErrorKindQuery, false},
		{ErrorKindType, false},
		{ErrorKindImport, false},
		{ErrorKindValidation, false},
		{ErrorKindUnknown, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.IsExternal(); got != tt.want {
				t.Errorf("IsExternal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFailureSignature_Identical(t *testing.T) {
	a := FailureSignature{Kind: ErrorKindType, Hash: "abc"}
	b := FailureSignature{Kind: ErrorKindType, Hash: "abc", Message: "different raw text"}
	c := FailureSignature{Kind: ErrorKindType, Hash: "def"}

	if !a.Identical(b) {
		t.Errorf("a.Identical(b) = false, want true")
	}
	if a.Identical(c) {
		t.Errorf("a.Identical(c) = true, want false")
	}
	if (FailureSignature{}).Identical(FailureSignature{}) {
		t.Errorf("empty signatures should never be identical")
	}
}

func TestFailureSignature_Similarity(t *testing.T) {
	base := FailureSignature{
		Kind:     ErrorKindKey,
		Location: "app.py:10",
		Hash:     "h1",
		Tokens:   []string{"keyerror", "user", "id", "missing", "payload"},
	}
	near := FailureSignature{
		Kind:     ErrorKindKey,
		Location: "app.py:10",
		Hash:     "h2",
		Tokens:   []string{"keyerror", "user", "id", "missing", "request"},
	}
	far := FailureSignature{
		Kind:     ErrorKindImport,
		Location: "main.go:3",
		Hash:     "h3",
		Tokens:   []string{"cannot", "find", "module"},
	}

	if s := base.Similarity(near); s <= SimilarityThreshold {
		t.Errorf("Similarity(near) = %v, want > %v", s, SimilarityThreshold)
	}
	if !base.Similar(near) {
		t.Errorf("Similar(near) = false, want true")
	}
	if base.Similar(far) {
		t.Errorf("Similar(far) = true, want false")
	}
	if s := base.Similarity(base); s != 1 {
		t.Errorf("Similarity(self) = %v, want 1", s)
	}
}
