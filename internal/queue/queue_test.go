package queue

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/steward/pkg/models"
)

func newTask(id string, priority int, created time.Time) *models.Task {
	return &models.Task{ID: id, ProjectID: "p1", Priority: priority, CreatedAt: created}
}

func TestQueue_DequeueOrder(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := New()
	require.NoError(t, q.Enqueue(newTask("a", 1, t0)))
	require.NoError(t, q.Enqueue(newTask("b", 5, t0.Add(time.Second))))
	require.NoError(t, q.Enqueue(newTask("c", 1, t0.Add(2*time.Second))))

	var got []string
	for {
		task, ok := q.Dequeue()
		if !ok {
			break
		}
		got = append(got, task.ID)
	}
	assert.Equal(t, []string{"b", "a", "c"}, got)
}

func TestQueue_TiesBrokenByInsertionOrder(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := New()
	for _, id := range []string{"x", "y", "z"} {
		require.NoError(t, q.Enqueue(newTask(id, 2, t0)))
	}
	var got []string
	for _, task := range q.Snapshot() {
		got = append(got, task.ID)
	}
	assert.Equal(t, []string{"x", "y", "z"}, got)
	assert.Equal(t, 3, q.Len(), "Snapshot must not drain the queue")
}

func TestQueue_EnqueueRejects(t *testing.T) {
	q := New()

	err := q.Enqueue(nil)
	assert.True(t, errors.Is(err, models.ErrValidation), "nil task: %v", err)

	err = q.Enqueue(&models.Task{ID: "t", ProjectID: "p", Priority: -3})
	assert.True(t, errors.Is(err, models.ErrValidation), "negative priority: %v", err)

	require.NoError(t, q.Enqueue(newTask("dup", 1, time.Now())))
	err = q.Enqueue(newTask("dup", 9, time.Now()))
	assert.True(t, IsDuplicate(err), "duplicate: %v", err)
	assert.True(t, errors.Is(err, models.ErrValidation))
	assert.Equal(t, 1, q.Len())
}

func TestQueue_PeekDoesNotRemove(t *testing.T) {
	q := New()
	_, ok := q.Peek()
	assert.False(t, ok)

	require.NoError(t, q.Enqueue(newTask("only", 1, time.Now())))
	task, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "only", task.ID)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_Reprioritize(t *testing.T) {
	t0 := time.Now()
	q := New()
	require.NoError(t, q.Enqueue(newTask("low", 1, t0)))
	require.NoError(t, q.Enqueue(newTask("high", 9, t0)))

	assert.True(t, q.Reprioritize("low", 20))
	assert.False(t, q.Reprioritize("missing", 3))
	assert.False(t, q.Reprioritize("high", -1))

	task, _ := q.Dequeue()
	assert.Equal(t, "low", task.ID)
}

func TestQueue_Remove(t *testing.T) {
	t0 := time.Now()
	q := New()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(newTask(fmt.Sprintf("t%d", i), i, t0)))
	}

	removed, ok := q.Remove("t3")
	require.True(t, ok)
	assert.Equal(t, "t3", removed.ID)
	assert.False(t, q.Contains("t3"))

	_, ok = q.Remove("t3")
	assert.False(t, ok)

	var got []string
	for task, ok := q.Dequeue(); ok; task, ok = q.Dequeue() {
		got = append(got, task.ID)
	}
	assert.Equal(t, []string{"t4", "t2", "t1", "t0"}, got)

	// A removed id may be queued again.
	require.NoError(t, q.Enqueue(newTask("t3", 1, t0)))
}

func TestQueue_ConcurrentAccess(t *testing.T) {
	q := New()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = q.Enqueue(newTask(fmt.Sprintf("w%d-%d", w, i), i%7, time.Now()))
				q.Contains(fmt.Sprintf("w%d-%d", w, i/2))
				q.Peek()
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 400, q.Len())

	seen := make(map[string]bool)
	prev := 1 << 30
	for task, ok := q.Dequeue(); ok; task, ok = q.Dequeue() {
		assert.False(t, seen[task.ID])
		seen[task.ID] = true
		assert.LessOrEqual(t, task.Priority, prev)
		prev = task.Priority
	}
	assert.Len(t, seen, 400)
}
