// Package memory provides an in-process entitlement.TaskQueue for tests and
// single-instance deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Queue implements entitlement.TaskQueue in memory.
type Queue struct {
	mu     sync.Mutex
	tasks  map[string]*entitlement.Task
	byKey  map[string]string
	leased map[string]bool
	failed []*entitlement.Task
	now    func() time.Time
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		tasks:  make(map[string]*entitlement.Task),
		byKey:  make(map[string]string),
		leased: make(map[string]bool),
		now:    time.Now,
	}
}

// Enqueue adds the task. A queued, unleased task with the same key is
// replaced in place so repeated triggers collapse into one run. The attempt
// count of an earlier task with the key carries over.
func (q *Queue) Enqueue(_ context.Context, task *entitlement.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := cloneTask(task)
	if t.CreatedAt.IsZero() {
		t.CreatedAt = q.now()
	}
	if t.RunAt.IsZero() {
		t.RunAt = t.CreatedAt
	}
	t.Status = entitlement.TaskQueued

	if id, ok := q.byKey[t.Key]; ok {
		existing := q.tasks[id]
		if existing.Attempts > t.Attempts {
			t.Attempts = existing.Attempts
		}
		if !q.leased[id] {
			existing.Payload = t.Payload
			existing.MaxAttempts = t.MaxAttempts
			existing.Attempts = t.Attempts
			if t.RunAt.Before(existing.RunAt) {
				existing.RunAt = t.RunAt
			}
			return nil
		}
	}
	q.tasks[t.ID] = t
	q.byKey[t.Key] = t.ID
	return nil
}

// Dequeue leases the earliest task due at or before now.
func (q *Queue) Dequeue(_ context.Context, now time.Time) (*entitlement.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next *entitlement.Task
	for id, t := range q.tasks {
		if q.leased[id] || t.RunAt.After(now) {
			continue
		}
		if next == nil || t.RunAt.Before(next.RunAt) {
			next = t
		}
	}
	if next == nil {
		return nil, entitlement.ErrQueueEmpty
	}
	q.leased[next.ID] = true
	return cloneTask(next), nil
}

// Complete removes the task.
func (q *Queue) Complete(_ context.Context, task *entitlement.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.remove(task.ID)
	return nil
}

// Retry releases the lease and reschedules the task at runAt.
func (q *Queue) Retry(_ context.Context, task *entitlement.Task, runAt time.Time, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[task.ID]
	if !ok {
		return entitlement.ErrNotFound
	}
	t.Attempts = task.Attempts
	t.RunAt = runAt
	if cause != nil {
		t.LastError = cause.Error()
	}
	delete(q.leased, t.ID)
	return nil
}

// Fail moves the task to the failed list.
func (q *Queue) Fail(_ context.Context, task *entitlement.Task, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := cloneTask(task)
	t.Status = entitlement.TaskFailed
	if cause != nil {
		t.LastError = cause.Error()
	}
	q.remove(task.ID)
	q.failed = append(q.failed, t)
	return nil
}

// ListFailed returns failed tasks, newest first.
func (q *Queue) ListFailed(_ context.Context, limit int) ([]*entitlement.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*entitlement.Task, 0, len(q.failed))
	for i := len(q.failed) - 1; i >= 0; i-- {
		out = append(out, cloneTask(q.failed[i]))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of queued tasks, leased ones included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Pending returns a snapshot of queued tasks ordered by RunAt.
func (q *Queue) Pending() []*entitlement.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*entitlement.Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	return out
}

func (q *Queue) remove(id string) {
	t, ok := q.tasks[id]
	if !ok {
		return
	}
	delete(q.tasks, id)
	delete(q.leased, id)
	if q.byKey[t.Key] == id {
		delete(q.byKey, t.Key)
	}
}

func cloneTask(t *entitlement.Task) *entitlement.Task {
	c := *t
	c.Payload = append([]byte(nil), t.Payload...)
	return &c
}
