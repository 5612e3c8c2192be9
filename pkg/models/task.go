package models

import "time"

type TaskStatus string

const (
	PendingTaskStatus    TaskStatus = "pending"
	AssignedTaskStatus   TaskStatus = "assigned"
	InProgressTaskStatus TaskStatus = "in_progress"
	CompletedTaskStatus  TaskStatus = "completed"
	// SupersededTaskStatus marks tasks closed by the engine rather than a
	// worker: lenient-stage close-outs, rework resets and cancellations.
	SupersededTaskStatus TaskStatus = "superseded"
)

// Task is the per-item, per-stage unit of work generated when a batch
// enters a stage. Tasks are never deleted; historical tasks remain for audit.
type Task struct {
	ID               string     `json:"id" db:"id"` // UUID
	BatchID          int64      `json:"batch_id" db:"batch_id"`
	OrderItemID      int64      `json:"order_item_id" db:"order_item_id"`
	Stage            string     `json:"stage" db:"stage"`
	Status           TaskStatus `json:"status" db:"status"`
	AssignedTo       *string    `json:"assigned_to,omitempty" db:"assigned_to"`
	EstimatedMinutes int        `json:"estimated_minutes" db:"estimated_minutes"`
	ActualMinutes    int        `json:"actual_minutes" db:"actual_minutes"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// Open reports whether the task still counts against its stage's completion.
func (t *Task) Open() bool {
	return t.Status != CompletedTaskStatus && t.Status != SupersededTaskStatus
}
