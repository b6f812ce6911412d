package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ShayCichocki/steward/internal/logging"
)

// Resolution is a gate decision dropped into the inbox directory by the CLI.
type Resolution struct {
	GateID     string    `json:"gate_id"`
	Approved   bool      `json:"approved"`
	ResolvedBy string    `json:"resolved_by"`
	Feedback   string    `json:"feedback,omitempty"`
	WrittenAt  time.Time `json:"written_at"`
}

// Resolver applies a resolution. Implemented by Manager.
type Resolver interface {
	Resolve(ctx context.Context, id string, approved bool, resolver, feedback string) error
}

// WriteResolution atomically writes r into dir so a running Inbox picks it up.
func WriteResolution(dir string, r Resolution) (string, error) {
	if r.GateID == "" {
		return "", errors.New("resolution requires a gate id")
	}
	if !validGateID(r.GateID) {
		return "", fmt.Errorf("invalid gate id %q", r.GateID)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create inbox: %w", err)
	}
	if r.WrittenAt.IsZero() {
		r.WrittenAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal resolution: %w", err)
	}

	final := filepath.Join(dir, r.GateID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("write resolution: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("publish resolution: %w", err)
	}
	return final, nil
}

// validGateID reports whether id names a file directly inside the inbox.
func validGateID(id string) bool {
	return id != "." && id != ".." && !strings.ContainsAny(id, `/\`) && filepath.Base(id) == id
}

// Inbox watches a directory for resolution files and applies them.
type Inbox struct {
	dir      string
	resolver Resolver
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewInbox creates an inbox over dir, creating the directory if needed.
func NewInbox(dir string, resolver Resolver, logger *slog.Logger) (*Inbox, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create inbox: %w", err)
	}
	return &Inbox{
		dir:      dir,
		resolver: resolver,
		logger:   logging.OrDiscard(logger),
		done:     make(chan struct{}),
	}, nil
}

// Start applies any resolutions already present and begins watching.
func (in *Inbox) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(in.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", in.dir, err)
	}
	in.watcher = watcher

	in.Drain(ctx)

	in.wg.Add(1)
	go in.watch(ctx)
	return nil
}

func (in *Inbox) watch(ctx context.Context) {
	defer in.wg.Done()
	for {
		select {
		case <-in.done:
			return
		case <-ctx.Done():
			return
		case event, ok := <-in.watcher.Events:
			if !ok {
				return
			}
			if !isResolutionFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			in.apply(ctx, event.Name)
		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			in.logger.Warn("gate inbox watcher error", "error", err)
		}
	}
}

// Drain applies every resolution file currently in the directory.
func (in *Inbox) Drain(ctx context.Context) {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		in.logger.Warn("read gate inbox", "dir", in.dir, "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !isResolutionFile(e.Name()) {
			continue
		}
		in.apply(ctx, filepath.Join(in.dir, e.Name()))
	}
}

func (in *Inbox) apply(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			in.logger.Warn("read gate resolution", "path", path, "error", err)
		}
		return
	}

	var r Resolution
	if err := json.Unmarshal(data, &r); err != nil {
		in.logger.Error("malformed gate resolution", "path", path, "error", err)
		in.reject(path)
		return
	}

	err = in.resolver.Resolve(ctx, r.GateID, r.Approved, r.ResolvedBy, r.Feedback)
	switch {
	case err == nil:
		os.Remove(path)
	case errors.Is(err, ErrAlreadyResolved):
		in.logger.Info("ignoring resolution for resolved gate", "gate_id", r.GateID)
		os.Remove(path)
	default:
		in.logger.Error("apply gate resolution", "gate_id", r.GateID, "error", err)
		in.reject(path)
	}
}

// reject moves an unusable file aside so it is not retried forever.
func (in *Inbox) reject(path string) {
	if err := os.Rename(path, path+".rejected"); err != nil {
		in.logger.Warn("set aside gate resolution", "path", path, "error", err)
	}
}

// Close stops watching.
func (in *Inbox) Close() error {
	var err error
	in.once.Do(func() {
		close(in.done)
		if in.watcher != nil {
			err = in.watcher.Close()
		}
		in.wg.Wait()
	})
	return err
}

func isResolutionFile(name string) bool {
	return strings.HasSuffix(name, ".json")
}
