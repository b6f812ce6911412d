package models

// ErrorKind is the closed set of failure classifications.
type ErrorKind string

const (
	ErrorKindType       ErrorKind = "type_error"
	ErrorKindSyntax     ErrorKind = "syntax_error"
	ErrorKindImport     ErrorKind = "import_error"
	ErrorKindKey        ErrorKind = "key_error"
	ErrorKindAttribute  ErrorKind = "attribute_error"
	ErrorKindTimeout    ErrorKind = "timeout"
	ErrorKindConnection ErrorKind = "connection_error"
	ErrorKindHTTP       ErrorKind = "http_error"
	ErrorKindDatabase   ErrorKind = "database_error"
	ErrorKindQuery      ErrorKind = "query_error"
	ErrorKindValidation ErrorKind = "validation_error"
	ErrorKindAssertion  ErrorKind = "assertion_error"
	ErrorKindRuntime    ErrorKind = "runtime_error"
	ErrorKindUnknown    ErrorKind = "unknown"
)

// SimilarityThreshold is the token-overlap ratio above which two
// signatures are considered similar.
const SimilarityThreshold = 0.7

// Valid returns true if the kind is a known value.
func (k ErrorKind) Valid() bool {
	switch k {
	case ErrorKindType, ErrorKindSyntax, ErrorKindImport, ErrorKindKey,
		ErrorKindAttribute, ErrorKindTimeout, ErrorKindConnection, ErrorKindHTTP,
		ErrorKindDatabase, ErrorKindQuery, ErrorKindValidation, ErrorKindAssertion,
		ErrorKindRuntime, ErrorKindUnknown:
		return true
	default:
		return false
	}
}

// IsExternal reports whether the failure originates outside the agent's own
// work (network, third-party API, database connectivity). External failures
// never count towards loop detection.
//
// ErrorKindDatabase covers connectivity only; schema and constraint errors
// are ErrorKindQuery. ErrorKindTimeout covers the agent's own work timing
// out (tests, commands); network timeouts classify as ErrorKindConnection.
func (k ErrorKind) IsExternal() bool {
	switch k {
	case ErrorKindConnection, ErrorKindHTTP, ErrorKindDatabase:
		return true
	default:
		return false
	}
}

// FailureSignature is the classified, normalised form of a raw error.
// It is a value object: created once per failure and never mutated.
type FailureSignature struct {
	// Kind is the classified error kind.
	Kind ErrorKind `json:"kind"`
	// Location is the extracted "file:line", if one could be parsed.
	Location string `json:"location,omitempty"`
	// Hash is the digest of the normalised content.
	Hash string `json:"hash"`
	// Message is the raw error message.
	Message string `json:"message"`
	// Tokens is the normalised token set used for similarity.
	Tokens []string `json:"tokens,omitempty"`
}

// Identical reports whether both signatures have the same normalised hash.
func (s FailureSignature) Identical(o FailureSignature) bool {
	return s.Hash != "" && s.Hash == o.Hash
}

// Similarity returns the Jaccard overlap of the two signatures' tokens,
// including location and kind.
func (s FailureSignature) Similarity(o FailureSignature) float64 {
	a := s.tokenSet()
	b := o.tokenSet()
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Similar reports whether the token overlap exceeds SimilarityThreshold.
func (s FailureSignature) Similar(o FailureSignature) bool {
	return s.Identical(o) || s.Similarity(o) > SimilarityThreshold
}

func (s FailureSignature) tokenSet() map[string]struct{} {
	set := make(map[string]struct{}, len(s.Tokens)+2)
	for _, t := range s.Tokens {
		set[t] = struct{}{}
	}
	if s.Location != "" {
		set["loc:"+s.Location] = struct{}{}
	}
	if s.Kind != "" {
		set["kind:"+string(s.Kind)] = struct{}{}
	}
	return set
}
