package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

func TestQueue_DequeueLeasesOnce(t *testing.T) {
	ctx := context.Background()
	q := New()
	now := time.Now()

	task, _ := entitlement.NewReconcileTask("u1", entitlement.SourceWeb)
	task.RunAt = now
	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	got, err := q.Dequeue(ctx, now)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if got.ID != task.ID {
		t.Errorf("Expected task %s, got %s", task.ID, got.ID)
	}
	if _, err := q.Dequeue(ctx, now); !errors.Is(err, entitlement.ErrQueueEmpty) {
		t.Errorf("Expected ErrQueueEmpty for leased task, got %v", err)
	}
}

func TestQueue_NotDueYet(t *testing.T) {
	ctx := context.Background()
	q := New()
	now := time.Now()

	task, _ := entitlement.NewReconcileTask("u1", entitlement.SourceWeb)
	task.RunAt = now.Add(time.Minute)
	_ = q.Enqueue(ctx, task)

	if _, err := q.Dequeue(ctx, now); !errors.Is(err, entitlement.ErrQueueEmpty) {
		t.Fatalf("Expected ErrQueueEmpty, got %v", err)
	}
	if _, err := q.Dequeue(ctx, now.Add(2*time.Minute)); err != nil {
		t.Fatalf("Expected task to be due, got %v", err)
	}
}

func TestQueue_EnqueueCollapsesByKey(t *testing.T) {
	ctx := context.Background()
	q := New()
	now := time.Now()

	for i := 0; i < 3; i++ {
		task, _ := entitlement.NewReconcileTask("u1", entitlement.SourceWeb)
		task.RunAt = now
		_ = q.Enqueue(ctx, task)
	}
	if q.Len() != 1 {
		t.Fatalf("Expected 1 queued task, got %d", q.Len())
	}

	// A leased task does not absorb a new trigger.
	if _, err := q.Dequeue(ctx, now); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	task, _ := entitlement.NewReconcileTask("u1", entitlement.SourceWeb)
	task.RunAt = now
	_ = q.Enqueue(ctx, task)
	if q.Len() != 2 {
		t.Errorf("Expected 2 tasks after enqueue during lease, got %d", q.Len())
	}
}

func TestQueue_CollapseKeepsAttempts(t *testing.T) {
	ctx := context.Background()
	q := New()
	now := time.Now()

	task, _ := entitlement.NewReconcileTask("u1", entitlement.SourceWeb)
	task.RunAt = now
	_ = q.Enqueue(ctx, task)
	leased, err := q.Dequeue(ctx, now)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	leased.Attempts = 3
	if err := q.Retry(ctx, leased, now.Add(time.Hour), errors.New("boom")); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}

	again, _ := entitlement.NewReconcileTask("u1", entitlement.SourceWeb)
	again.RunAt = now
	_ = q.Enqueue(ctx, again)

	pending := q.Pending()
	if len(pending) != 1 {
		t.Fatalf("Expected 1 queued task, got %d", len(pending))
	}
	if pending[0].Attempts != 3 {
		t.Errorf("Expected attempts to carry over, got %d", pending[0].Attempts)
	}

	// A trigger during a lease starts from the leased task's attempts.
	leased, err = q.Dequeue(ctx, now)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	during, _ := entitlement.NewReconcileTask("u1", entitlement.SourceWeb)
	_ = q.Enqueue(ctx, during)
	for _, p := range q.Pending() {
		if p.ID == during.ID && p.Attempts != 3 {
			t.Errorf("Expected new task to inherit 3 attempts, got %d", p.Attempts)
		}
	}
}

func TestQueue_RetryAndFail(t *testing.T) {
	ctx := context.Background()
	q := New()
	now := time.Now()

	task, _ := entitlement.NewReconcileTask("u1", entitlement.SourceWeb)
	task.RunAt = now
	_ = q.Enqueue(ctx, task)

	got, _ := q.Dequeue(ctx, now)
	got.Attempts = 1
	if err := q.Retry(ctx, got, now.Add(time.Second), errors.New("boom")); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if _, err := q.Dequeue(ctx, now); !errors.Is(err, entitlement.ErrQueueEmpty) {
		t.Errorf("Expected retried task to wait for backoff, got %v", err)
	}

	got, err := q.Dequeue(ctx, now.Add(time.Second))
	if err != nil {
		t.Fatalf("Dequeue after backoff failed: %v", err)
	}
	if got.Attempts != 1 || got.LastError != "boom" {
		t.Errorf("Expected attempts=1 last_error=boom, got %d %q", got.Attempts, got.LastError)
	}

	if err := q.Fail(ctx, got, errors.New("gave up")); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("Expected empty queue, got %d", q.Len())
	}
	failed, _ := q.ListFailed(ctx, 10)
	if len(failed) != 1 || failed[0].Status != entitlement.TaskFailed || failed[0].LastError != "gave up" {
		t.Errorf("Unexpected failed list: %+v", failed)
	}
}

func TestQueue_Complete(t *testing.T) {
	ctx := context.Background()
	q := New()
	task, _ := entitlement.NewTask(entitlement.TaskDiscountRefreshUsage, "", map[string]string{"code": "X"})
	_ = q.Enqueue(ctx, task)

	got, err := q.Dequeue(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if err := q.Complete(ctx, got); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("Expected empty queue, got %d", q.Len())
	}
}
