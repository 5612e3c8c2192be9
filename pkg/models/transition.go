package models

import "time"

type TransitionType string

const (
	ManualTransition TransitionType = "manual"
	AutoTransition   TransitionType = "auto"
)

// StageTransition is the append-only history of a batch's movement between
// stages. Rows are never updated or deleted; ordered by transition_time per
// batch they form the full audit trail reporting replays from.
type StageTransition struct {
	ID             int64          `json:"id" db:"id"`
	BatchID        int64          `json:"batch_id" db:"batch_id"`
	FromStage      *string        `json:"from_stage,omitempty" db:"from_stage"` // nil for the first transition
	ToStage        string         `json:"to_stage" db:"to_stage"`
	Type           TransitionType `json:"transition_type" db:"transition_type"`
	Override       bool           `json:"override" db:"override"` // manager override of sequencing rules
	ActorID        *string        `json:"actor_id,omitempty" db:"actor_id"`
	Notes          string         `json:"notes,omitempty" db:"notes"`
	TransitionTime time.Time      `json:"transition_time" db:"transition_time"`
}
