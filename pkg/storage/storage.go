package storage

import (
	"github.com/nick-amizich/zmf-production/pkg/models"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrStaleBatch is returned by UpdateBatchStage when the batch's
// stage/status no longer match the expected values (lost a race).
var ErrStaleBatch = errors.New("stale batch state")

// Store defines the persistence operations for the production core.
// Begin returns a transactional Store; every multi-row effect of a stage
// transition must run against one such transaction.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Workflow template operations
	SaveTemplate(t models.WorkflowTemplate) (int64, error)
	GetTemplate(id int64) (models.WorkflowTemplate, error)
	ListTemplates() ([]models.WorkflowTemplate, error)
	SetTemplateActive(id int64, active bool) error

	// Batch operations
	SaveBatch(b models.Batch) (int64, error)
	GetBatch(id int64) (models.Batch, error)
	ListBatches() ([]models.Batch, error)
	// UpdateBatchStage is a compare-and-swap: the update applies only if the
	// batch's current stage and status still equal fromStage/fromStatus,
	// otherwise ErrStaleBatch.
	UpdateBatchStage(id int64, fromStage *string, fromStatus models.BatchStatus, toStage *string, toStatus models.BatchStatus) error
	UpdateBatchStatus(id int64, status models.BatchStatus) error
	// ItemsInActiveBatches returns the subset of itemIDs already belonging
	// to a batch whose status is not cancelled.
	ItemsInActiveBatches(itemIDs []int64) ([]int64, error)

	// Task operations
	SaveTask(t models.Task) error
	GetTask(id string) (models.Task, error)
	ListTasks(batchID int64, stage string) ([]models.Task, error) // stage "" = all stages
	UpdateTaskStatus(id string, status models.TaskStatus, actualMinutes int) error
	AssignTask(id string, workerID string) error
	// SupersedeOpenTasks closes every open task of the batch at the given
	// stage and returns how many were affected.
	SupersedeOpenTasks(batchID int64, stage string) (int64, error)
	// OpenTaskCountByWorker reports open assigned tasks per worker, for
	// least-loaded auto-assignment.
	OpenTaskCountByWorker() (map[string]int, error)

	// Stage transition history (append-only)
	SaveTransition(tr models.StageTransition) (int64, error)
	ListTransitions(batchID int64) ([]models.StageTransition, error)

	// Quality hold operations
	SaveHold(h models.QualityHold) error
	GetHold(id string) (models.QualityHold, error)
	ListHolds(batchID int64) ([]models.QualityHold, error)
	// OpenHolds returns holds for the batch with status active/investigating.
	OpenHolds(batchID int64) ([]models.QualityHold, error)
	UpdateHold(h models.QualityHold) error
}
