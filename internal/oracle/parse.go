package oracle

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ParseDecision extracts the JSON object embedded in a model response and
// decodes it. Text around the object is ignored. When the object does not
// decode as-is it is repaired first (trailing commas, single quotes,
// unterminated strings and the like).
func ParseDecision(response string) (*Decision, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")

	var candidate string
	switch {
	case start == -1:
		return nil, fmt.Errorf("%w: no JSON object in response: %s", ErrMalformed, clip(response, 200))
	case end <= start:
		// Truncated output; let the repairer close the object.
		candidate = response[start:]
	default:
		candidate = response[start : end+1]
	}

	var d Decision
	if err := json.Unmarshal([]byte(candidate), &d); err == nil {
		d.Raw = response
		return &d, nil
	}

	fixed, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return nil, fmt.Errorf("%w: repair failed: %v (response: %s)", ErrMalformed, err, clip(candidate, 200))
	}
	if err := json.Unmarshal([]byte(fixed), &d); err != nil {
		return nil, fmt.Errorf("%w: %v (response: %s)", ErrMalformed, err, clip(fixed, 200))
	}
	d.Raw = response
	d.Repaired = true
	return &d, nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
