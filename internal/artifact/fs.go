package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// FS reads artifacts from a local sandbox root laid out as
// <root>/<agentID>/<path>.
type FS struct {
	root     string
	maxBytes int64
}

var _ Reader = (*FS)(nil)

// NewFS creates a filesystem reader. maxBytes of zero uses DefaultMaxBytes.
func NewFS(root string, maxBytes int64) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &FS{root: abs, maxBytes: maxBytes}, nil
}

// ReadFile reads path from the agent's workspace.
func (f *FS) ReadFile(ctx context.Context, agentID, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := cleanKey(agentID, path)
	if err != nil {
		return nil, err
	}

	workspace := filepath.Join(f.root, agentID)
	full := filepath.Join(f.root, filepath.FromSlash(key))

	// Symlinks must not lead out of the workspace.
	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("resolve %s: %w", key, err)
	}
	if ws, err := filepath.EvalSymlinks(workspace); err == nil {
		if rel, err := filepath.Rel(ws, resolved); err != nil || !filepath.IsLocal(rel) {
			return nil, fmt.Errorf("%w: %s", ErrOutsideWorkspace, key)
		}
	}

	file, err := os.Open(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, key)
	}
	return readLimited(file, f.maxBytes, key)
}

func readLimited(r io.Reader, max int64, key string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, key, max)
	}
	return data, nil
}
