package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/steward/pkg/models"
)

var allStates = []models.AgentState{
	models.AgentInitializing, models.AgentReady, models.AgentActive,
	models.AgentPaused, models.AgentStopped, models.AgentCleanedUp,
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.AgentState
		want     bool
	}{
		{models.AgentInitializing, models.AgentReady, true},
		{models.AgentReady, models.AgentActive, true},
		{models.AgentActive, models.AgentPaused, true},
		{models.AgentPaused, models.AgentActive, true},
		{models.AgentActive, models.AgentStopped, true},
		{models.AgentPaused, models.AgentStopped, true},
		{models.AgentStopped, models.AgentCleanedUp, true},
		{models.AgentInitializing, models.AgentStopped, false},
		{models.AgentInitializing, models.AgentActive, false},
		{models.AgentReady, models.AgentPaused, false},
		{models.AgentReady, models.AgentStopped, false},
		{models.AgentStopped, models.AgentActive, false},
		{models.AgentCleanedUp, models.AgentInitializing, false},
		{models.AgentActive, models.AgentActive, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

// driveTo registers an agent and walks it to the requested state.
func driveTo(t *testing.T, m *Manager, id string, target models.AgentState) {
	t.Helper()
	_, err := m.Register(id, models.RoleBackend)
	require.NoError(t, err)
	path := map[models.AgentState][]func() error{
		models.AgentInitializing: {},
		models.AgentReady:        {func() error { return m.Ready(id) }},
		models.AgentActive:       {func() error { return m.Ready(id) }, func() error { return m.Activate(id, "t1") }},
		models.AgentPaused: {func() error { return m.Ready(id) }, func() error { return m.Activate(id, "t1") },
			func() error { return m.Pause(id, "g1", "waiting") }},
		models.AgentStopped: {func() error { return m.Ready(id) }, func() error { return m.Activate(id, "t1") },
			func() error { return m.Stop(id) }},
		models.AgentCleanedUp: {func() error { return m.Ready(id) }, func() error { return m.Activate(id, "t1") },
			func() error { return m.Stop(id) }, func() error { return m.Cleanup(id) }},
	}
	for _, step := range path[target] {
		require.NoError(t, step())
	}
}

func TestIllegalTransitionsDoNotMutate(t *testing.T) {
	for _, from := range allStates {
		for _, to := range allStates {
			if CanTransition(from, to) {
				continue
			}
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				m := NewManager(nil, nil)
				driveTo(t, m, "a1", from)
				before, _ := m.Get("a1")

				err := m.Transition("a1", to)
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrIllegalTransition))

				var serr *StateError
				require.True(t, errors.As(err, &serr))
				assert.Equal(t, from, serr.From)
				assert.Equal(t, to, serr.To)

				after, _ := m.Get("a1")
				assert.Equal(t, before, after)
			})
		}
	}
}

func TestFullLifecycle(t *testing.T) {
	m := NewManager(nil, nil)
	var seen []Transition
	m.OnTransition(func(tr Transition) { seen = append(seen, tr) })

	st, err := m.Register("a1", models.RoleQA)
	require.NoError(t, err)
	assert.Equal(t, models.AgentInitializing, st.State)

	require.NoError(t, m.Ready("a1"))
	require.NoError(t, m.Activate("a1", "task-9"))
	require.NoError(t, m.AddHandles("a1", 3))
	require.NoError(t, m.SetMemory("a1", 1<<20))
	require.NoError(t, m.Pause("a1", "gate-1", "timeout"))

	st, _ = m.Get("a1")
	assert.Equal(t, models.AgentPaused, st.State)
	assert.Equal(t, "gate-1", st.GateID)
	assert.Equal(t, "timeout", st.PauseReason)
	assert.Equal(t, "task-9", st.TaskID)

	require.NoError(t, m.Resume("a1"))
	st, _ = m.Get("a1")
	assert.Equal(t, models.AgentActive, st.State)
	assert.Empty(t, st.GateID)
	assert.Equal(t, "task-9", st.TaskID)

	require.NoError(t, m.Stop("a1"))
	require.NoError(t, m.Cleanup("a1"))
	st, _ = m.Get("a1")
	assert.Equal(t, models.AgentCleanedUp, st.State)
	assert.Zero(t, st.OpenHandles)
	assert.Zero(t, st.MemoryBytes)
	assert.Empty(t, st.TaskID)

	require.Len(t, seen, 6)
	assert.Equal(t, models.AgentInitializing, seen[0].From)
	assert.Equal(t, models.AgentCleanedUp, seen[5].To)
}

func TestOnTransition_HookAddedDuringTransition(t *testing.T) {
	m := NewManager(nil, nil)
	var first, late []models.AgentState
	m.OnTransition(func(tr Transition) {
		first = append(first, tr.To)
		if tr.To == models.AgentReady {
			m.OnTransition(func(tr Transition) { late = append(late, tr.To) })
		}
	})

	_, err := m.Register("a1", models.RoleQA)
	require.NoError(t, err)
	require.NoError(t, m.Ready("a1"))
	require.NoError(t, m.Activate("a1", "task-1"))

	assert.Equal(t, []models.AgentState{models.AgentReady, models.AgentActive}, first)
	assert.Equal(t, []models.AgentState{models.AgentActive}, late)
}

func TestRegister_ReusesCleanedUpSlot(t *testing.T) {
	m := NewManager(nil, nil)
	driveTo(t, m, "a1", models.AgentActive)

	_, err := m.Register("a1", models.RoleBackend)
	assert.True(t, errors.Is(err, ErrAgentExists))

	require.NoError(t, m.AddHandles("a1", 2))
	require.NoError(t, m.Stop("a1"))
	require.NoError(t, m.Cleanup("a1"))

	st, err := m.Register("a1", models.RoleSecurity)
	require.NoError(t, err)
	assert.Equal(t, models.AgentInitializing, st.State)
	assert.Equal(t, models.RoleSecurity, st.Role)
	assert.Zero(t, st.OpenHandles)
}

func TestRegister_Validates(t *testing.T) {
	m := NewManager(nil, nil)
	_, err := m.Register("", models.RoleQA)
	assert.True(t, errors.Is(err, models.ErrValidation))
	_, err = m.Register("a", "wizard")
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestUnknownAgent(t *testing.T) {
	m := NewManager(nil, nil)
	assert.True(t, errors.Is(m.Ready("ghost"), ErrUnknownAgent))
	_, ok := m.Get("ghost")
	assert.False(t, ok)
}

func TestCounters(t *testing.T) {
	m := NewManager(nil, nil)
	driveTo(t, m, "a1", models.AgentActive)

	require.NoError(t, m.AddHandles("a1", 2))
	assert.Error(t, m.AddHandles("a1", -5))
	require.NoError(t, m.AddHandles("a1", -1))
	assert.Error(t, m.SetMemory("a1", -1))

	st, _ := m.Get("a1")
	assert.Equal(t, 1, st.OpenHandles)

	driveTo(t, m, "a2", models.AgentCleanedUp)
	assert.True(t, errors.Is(m.AddHandles("a2", 1), ErrIllegalTransition))
}

func TestQueries(t *testing.T) {
	m := NewManager(nil, nil)
	driveTo(t, m, "a1", models.AgentReady)
	driveTo(t, m, "a2", models.AgentActive)
	driveTo(t, m, "a3", models.AgentReady)

	assert.Equal(t, 2, m.Count(models.AgentReady))
	assert.Equal(t, 1, m.Count(models.AgentActive))

	id, ok := m.FindReady(models.RoleBackend)
	assert.True(t, ok)
	assert.Equal(t, "a1", id)
	_, ok = m.FindReady(models.RoleSecurity)
	assert.False(t, ok)

	st, ok := m.AgentForTask("t1")
	assert.True(t, ok)
	assert.Equal(t, "a2", st.AgentID)

	list := m.List()
	require.Len(t, list, 3)
	assert.Equal(t, "a1", list[0].AgentID)
}

func TestWaitWhilePaused(t *testing.T) {
	m := NewManager(nil, nil)
	driveTo(t, m, "a1", models.AgentPaused)

	result := make(chan error, 1)
	go func() { result <- m.WaitWhilePaused(context.Background(), "a1") }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.Resume("a1"))
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitWhilePaused did not return after Resume")
	}

	require.NoError(t, m.Pause("a1", "", ""))
	go func() { result <- m.WaitWhilePaused(context.Background(), "a1") }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.Stop("a1"))
	select {
	case err := <-result:
		assert.True(t, errors.Is(err, ErrAgentStopped))
	case <-time.After(2 * time.Second):
		t.Fatal("WaitWhilePaused did not return after Stop")
	}
}

func TestWaitWhilePaused_Context(t *testing.T) {
	m := NewManager(nil, nil)
	driveTo(t, m, "a1", models.AgentPaused)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.True(t, errors.Is(m.WaitWhilePaused(ctx, "a1"), context.DeadlineExceeded))
}

func TestConcurrentTransitionsAndReads(t *testing.T) {
	m := NewManager(nil, nil)
	for i := 0; i < 10; i++ {
		driveTo(t, m, fmt.Sprintf("a%d", i), models.AgentActive)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("a%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = m.Pause(id, "", "")
				_ = m.Resume(id)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Get(id)
				m.Count(models.AgentPaused)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, m.Count(models.AgentActive))
}
