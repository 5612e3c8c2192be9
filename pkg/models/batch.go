package models

import "time"

type BatchStatus string

const (
	PendingBatchStatus   BatchStatus = "pending"
	ActiveBatchStatus    BatchStatus = "active"
	OnHoldBatchStatus    BatchStatus = "on_hold"
	CompletedBatchStatus BatchStatus = "completed"
	CancelledBatchStatus BatchStatus = "cancelled"
)

// Batch groups order items advancing together through production stages.
// It is the aggregate root for tasks and transition history; its status and
// current_stage are mutated only through the transition engine.
type Batch struct {
	ID                 int64       `json:"id" db:"id"`
	Name               string      `json:"name" db:"name"`
	WorkflowTemplateID *int64      `json:"workflow_template_id,omitempty" db:"workflow_template_id"` // nil for no-workflow batches
	CurrentStage       *string     `json:"current_stage,omitempty" db:"current_stage"`               // nil until started
	Status             BatchStatus `json:"status" db:"status"`
	CreatedAt          time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at" db:"updated_at"`
	ItemIDs            []int64     `json:"item_ids,omitempty"` // order item membership, populated from batch_items
}

// Terminal reports whether the batch can accept no further transitions.
func (b *Batch) Terminal() bool {
	return b.Status == CompletedBatchStatus || b.Status == CancelledBatchStatus
}

// StageName returns the current stage or "" when the batch has not started.
func (b *Batch) StageName() string {
	if b.CurrentStage == nil {
		return ""
	}
	return *b.CurrentStage
}
