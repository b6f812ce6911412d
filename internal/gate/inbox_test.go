package gate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/steward/pkg/models"
)

func TestInbox_DrainsExistingFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := NewManager()
	id, err := m.CreateGate(ctx, loopRequest())
	require.NoError(t, err)

	path, err := WriteResolution(dir, Resolution{GateID: id, Approved: false, ResolvedBy: "ops", Feedback: "kill it"})
	require.NoError(t, err)

	in, err := NewInbox(dir, m, nil)
	require.NoError(t, err)
	in.Drain(ctx)

	g, _ := m.Get(id)
	assert.Equal(t, models.GateDenied, g.Status)
	assert.Equal(t, "kill it", g.Feedback)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "applied file should be removed")
}

func TestInbox_WatchAppliesNewFiles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir := t.TempDir()
	m := NewManager()
	id, err := m.CreateGate(ctx, loopRequest())
	require.NoError(t, err)

	in, err := NewInbox(dir, m, nil)
	require.NoError(t, err)
	require.NoError(t, in.Start(ctx))
	defer in.Close()

	_, err = WriteResolution(dir, Resolution{GateID: id, Approved: true, ResolvedBy: "ops"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return !m.IsPending(id) }, 2*time.Second, 10*time.Millisecond)
	g, _ := m.Get(id)
	assert.Equal(t, models.GateApproved, g.Status)
}

func TestInbox_RejectsUnknownGate(t *testing.T) {
	dir := t.TempDir()
	m := NewManager()
	path, err := WriteResolution(dir, Resolution{GateID: "missing", Approved: true})
	require.NoError(t, err)

	in, err := NewInbox(dir, m, nil)
	require.NoError(t, err)
	in.Drain(context.Background())

	_, err = os.Stat(path + ".rejected")
	assert.NoError(t, err)
}

func TestInbox_RejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	in, err := NewInbox(dir, NewManager(), nil)
	require.NoError(t, err)
	in.Drain(context.Background())

	_, err = os.Stat(path + ".rejected")
	assert.NoError(t, err)
}

func TestWriteResolution_RequiresGateID(t *testing.T) {
	_, err := WriteResolution(t.TempDir(), Resolution{})
	assert.Error(t, err)
}

func TestWriteResolution_RejectsPathGateIDs(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "inbox")
	for _, id := range []string{"../escape", "..", ".", "a/b", `a\b`, "/etc/passwd"} {
		t.Run(id, func(t *testing.T) {
			_, err := WriteResolution(dir, Resolution{GateID: id, Approved: true})
			assert.Error(t, err)
		})
	}
	_, err := os.Stat(filepath.Join(root, "escape.json"))
	assert.True(t, os.IsNotExist(err), "nothing written outside the inbox")

	path, err := WriteResolution(dir, Resolution{GateID: "0b5e7c2a-9d4f-4e0b-a1c3-2f6d8e9a7b10", Approved: true})
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
}
