// Package queue provides the thread-safe priority queue of pending tasks.
package queue

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"

	"github.com/ShayCichocki/steward/pkg/models"
)

// ErrDuplicate is returned when a task id is already queued.
// It wraps models.ErrValidation.
var ErrDuplicate = fmt.Errorf("%w: duplicate task id", models.ErrValidation)

// ErrNilTask is returned when Enqueue is handed a nil task.
var ErrNilTask = fmt.Errorf("%w: task is nil", models.ErrValidation)

// item is one heap slot.
type item struct {
	task  *models.Task
	seq   uint64
	index int
}

// taskHeap orders by priority desc, then CreatedAt asc, then insertion order.
type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.seq < b.seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a priority queue of pending tasks. The heap and the id index are
// only ever changed together under mu.
type Queue struct {
	mu    sync.Mutex
	heap  taskHeap
	index map[string]*item
	seq   uint64
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{index: make(map[string]*item)}
}

// Enqueue validates and inserts a task. A task whose id is already queued
// is rejected with ErrDuplicate.
func (q *Queue) Enqueue(task *models.Task) error {
	if task == nil {
		return ErrNilTask
	}
	if err := task.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.index[task.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, task.ID)
	}
	q.seq++
	it := &item{task: task, seq: q.seq}
	heap.Push(&q.heap, it)
	q.index[task.ID] = it
	return nil
}

// Dequeue removes and returns the highest-priority task.
func (q *Queue) Dequeue() (*models.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil, false
	}
	it := heap.Pop(&q.heap).(*item)
	delete(q.index, it.task.ID)
	return it.task, true
}

// Peek returns the task Dequeue would return without removing it.
func (q *Queue) Peek() (*models.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil, false
	}
	return q.heap[0].task, true
}

// Reprioritize changes a queued task's priority and rebuilds the ordering.
// It returns false if the task is not queued.
func (q *Queue) Reprioritize(id string, priority int) bool {
	if priority < 0 {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.index[id]
	if !ok {
		return false
	}
	it.task.Priority = priority
	heap.Init(&q.heap)
	return true
}

// Remove cancels a queued task and returns it.
func (q *Queue) Remove(id string) (*models.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.index[id]
	if !ok {
		return nil, false
	}
	heap.Remove(&q.heap, it.index)
	delete(q.index, id)
	return it.task, true
}

// Contains reports whether a task id is queued.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[id]
	return ok
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Snapshot returns the queued tasks in dequeue order. The queue is not
// modified.
func (q *Queue) Snapshot() []*models.Task {
	q.mu.Lock()
	cp := make(taskHeap, len(q.heap))
	for i, it := range q.heap {
		cp[i] = &item{task: it.task, seq: it.seq, index: i}
	}
	q.mu.Unlock()

	out := make([]*models.Task, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, heap.Pop(&cp).(*item).task)
	}
	return out
}

// IsDuplicate reports whether err came from enqueuing a duplicate id.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}
