package models

import "time"

type HoldSeverity string

const (
	CriticalHoldSeverity HoldSeverity = "critical"
	MajorHoldSeverity    HoldSeverity = "major"
	MinorHoldSeverity    HoldSeverity = "minor"
)

type HoldStatus string

const (
	ActiveHoldStatus        HoldStatus = "active"
	InvestigatingHoldStatus HoldStatus = "investigating"
	ResolvedHoldStatus      HoldStatus = "resolved"
	EscalatedHoldStatus     HoldStatus = "escalated"
)

// QualityHold blocks a batch from progressing until resolved. A hold targets
// the whole batch, or a single order item within it when OrderItemID is set.
type QualityHold struct {
	ID              string       `json:"id" db:"id"` // UUID
	BatchID         int64        `json:"batch_id" db:"batch_id"`
	OrderItemID     *int64       `json:"order_item_id,omitempty" db:"order_item_id"` // nil = whole batch
	HoldReason      string       `json:"hold_reason" db:"hold_reason"`
	Severity        HoldSeverity `json:"severity" db:"severity"`
	Status          HoldStatus   `json:"status" db:"status"`
	ReportedBy      string       `json:"reported_by" db:"reported_by"`
	AssignedTo      *string      `json:"assigned_to,omitempty" db:"assigned_to"`
	ResolutionNotes string       `json:"resolution_notes,omitempty" db:"resolution_notes"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
	ResolvedAt      *time.Time   `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Open reports whether the hold still blocks its batch.
func (h *QualityHold) Open() bool {
	return h.Status == ActiveHoldStatus || h.Status == InvestigatingHoldStatus
}

// Closed reports whether the hold has reached a final status.
func (h *QualityHold) Closed() bool {
	return h.Status == ResolvedHoldStatus || h.Status == EscalatedHoldStatus
}
