// Package artifact reads files agents declared as task outputs. Paths are
// relative to the agent's workspace; backends keep reads inside it.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// DefaultMaxBytes bounds a single read.
const DefaultMaxBytes = 256 << 10

var (
	// ErrNotFound is returned when an artifact does not exist.
	ErrNotFound = errors.New("artifact not found")
	// ErrOutsideWorkspace is returned for paths that escape the agent's
	// workspace.
	ErrOutsideWorkspace = errors.New("artifact path outside workspace")
	// ErrTooLarge is returned when an artifact exceeds the read limit.
	ErrTooLarge = errors.New("artifact too large")
)

// Reader reads an artifact produced by an agent.
type Reader interface {
	ReadFile(ctx context.Context, agentID, path string) ([]byte, error)
}

// cleanKey validates agentID and p and returns the slash-separated key
// "<agentID>/<p>".
func cleanKey(agentID, p string) (string, error) {
	if agentID == "" || strings.ContainsAny(agentID, `/\`) || agentID == "." || agentID == ".." {
		return "", fmt.Errorf("%w: invalid agent id %q", ErrOutsideWorkspace, agentID)
	}
	p = strings.ReplaceAll(p, `\`, "/")
	if p == "" || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q", ErrOutsideWorkspace, p)
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrOutsideWorkspace, p)
	}
	return agentID + "/" + cleaned, nil
}
