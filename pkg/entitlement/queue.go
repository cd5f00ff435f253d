package entitlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskKind names a deferred operation.
type TaskKind string

const (
	TaskReconcile            TaskKind = "reconcile"
	TaskReconcileCustomer    TaskKind = "reconcile.customer"
	TaskDiscountCreateRemote TaskKind = "discount.create_remote"
	TaskDiscountSetActive    TaskKind = "discount.set_active"
	TaskDiscountRefreshUsage TaskKind = "discount.refresh_usage"
)

// TaskStatus is the queue state of a task.
type TaskStatus string

const (
	TaskQueued TaskStatus = "queued"
	TaskFailed TaskStatus = "failed"
)

// Task is a unit of deferred remote work.
type Task struct {
	ID   string   `json:"id"`
	Kind TaskKind `json:"kind"`

	// Key deduplicates queued tasks: enqueuing a key that is already
	// queued replaces the pending task.
	Key string `json:"key"`

	Payload     json.RawMessage `json:"payload"`
	Status      TaskStatus      `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	RunAt       time.Time       `json:"run_at"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TaskQueue stores deferred tasks. Dequeue hands a due task to exactly one
// caller until it is completed, retried or failed.
type TaskQueue interface {
	Enqueue(ctx context.Context, task *Task) error

	// Dequeue returns the next task due at or before now, or ErrQueueEmpty.
	Dequeue(ctx context.Context, now time.Time) (*Task, error)

	Complete(ctx context.Context, task *Task) error
	Retry(ctx context.Context, task *Task, runAt time.Time, cause error) error
	Fail(ctx context.Context, task *Task, cause error) error

	ListFailed(ctx context.Context, limit int) ([]*Task, error)
}

// NewTask builds a queued task with a JSON payload.
func NewTask(kind TaskKind, key string, payload interface{}) (*Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task payload: %w", err)
	}
	if key == "" {
		key = string(kind) + ":" + uuid.NewString()
	}
	return &Task{
		ID:      uuid.NewString(),
		Kind:    kind,
		Key:     key,
		Payload: raw,
		Status:  TaskQueued,
	}, nil
}

// reconcilePayload is the payload of TaskReconcile.
type reconcilePayload struct {
	UserID string `json:"user_id"`
	Source Source `json:"source"`
}

// customerPayload is the payload of TaskReconcileCustomer.
type customerPayload struct {
	CustomerID string `json:"customer_id"`
	Source     Source `json:"source"`
}

// discountPayload is the payload of the discount tasks.
type discountPayload struct {
	Code string `json:"code"`
}

// NewReconcileTask builds a task that syncs one user and source.
func NewReconcileTask(userID string, source Source) (*Task, error) {
	return NewTask(TaskReconcile, fmt.Sprintf("reconcile:%s:%s", source, userID),
		reconcilePayload{UserID: userID, Source: source})
}

// NewCustomerReconcileTask builds a task that resolves the user of a
// provider customer and syncs them.
func NewCustomerReconcileTask(customerID string, source Source) (*Task, error) {
	return NewTask(TaskReconcileCustomer, fmt.Sprintf("reconcile-customer:%s:%s", source, customerID),
		customerPayload{CustomerID: customerID, Source: source})
}

func newDiscountTask(kind TaskKind, code string) (*Task, error) {
	return NewTask(kind, fmt.Sprintf("%s:%s", kind, code), discountPayload{Code: code})
}
