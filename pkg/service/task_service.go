package service

import (
	"github.com/nick-amizich/zmf-production/pkg/models"
	"github.com/nick-amizich/zmf-production/pkg/storage"
	"github.com/pkg/errors"
)

// TaskService applies worker-side task status moves
// (pending -> assigned -> in_progress -> completed) independently of the
// transition engine, which only reads them when evaluating stage completion.
type TaskService struct {
	store  storage.Store
	logger Logger
	engine *TransitionEngine // for auto-advance; nil disables it
}

func NewTaskService(store storage.Store, logger Logger, engine *TransitionEngine) *TaskService {
	return &TaskService{store: store, logger: logger, engine: engine}
}

// AssignTask hands a task to a worker.
func (ts *TaskService) AssignTask(taskID, workerID string) error {
	t, err := ts.getTask(taskID)
	if err != nil {
		return err
	}
	if !t.Open() {
		return stateErr(ErrCodeInvalidState, nil, "task %s is %s and cannot be assigned", taskID, t.Status)
	}
	if workerID == "" {
		return stateErr(ErrCodeValidation, nil, "worker id cannot be empty")
	}
	return ts.store.AssignTask(taskID, workerID)
}

// StartTask moves an assigned task to in_progress.
func (ts *TaskService) StartTask(taskID string) error {
	t, err := ts.getTask(taskID)
	if err != nil {
		return err
	}
	if t.Status != models.AssignedTaskStatus {
		return stateErr(ErrCodeInvalidState, nil, "task %s is %s, only assigned tasks can be started", taskID, t.Status)
	}
	return ts.store.UpdateTaskStatus(taskID, models.InProgressTaskStatus, 0)
}

// CompleteTask closes a task with the worker's actual effort. Completion is
// refused while an open hold covers the task's batch or its specific item.
// When the stage's automation rule is auto-advance and this was the last
// open task of the stage, the batch is advanced best-effort.
func (ts *TaskService) CompleteTask(taskID string, actualMinutes int) error {
	t, b, err := ts.completeTaskTx(taskID, actualMinutes)
	if err != nil {
		return err
	}
	ts.maybeAutoAdvance(t, b)
	return nil
}

func (ts *TaskService) completeTaskTx(taskID string, actualMinutes int) (t models.Task, b models.Batch, err error) {
	tx, err := ts.store.Begin()
	if err != nil {
		return models.Task{}, models.Batch{}, errors.Wrap(err, "begin complete task")
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				ts.logger.Errorf("Failed to rollback complete task: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			ts.logger.Errorf("Failed to commit complete task: %v", commitErr)
			err = commitErr
		}
	}()

	if t, err = tx.GetTask(taskID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return t, b, stateErr(ErrCodeValidation, nil, "task %s does not exist", taskID)
		}
		return t, b, err
	}
	if !t.Open() {
		return t, b, stateErr(ErrCodeInvalidState, nil, "task %s is already %s", taskID, t.Status)
	}

	if b, err = tx.GetBatch(t.BatchID); err != nil {
		return t, b, err
	}
	holds, herr := tx.OpenHolds(t.BatchID)
	if herr != nil {
		err = herr
		return t, b, err
	}
	for i := range holds {
		if holds[i].OrderItemID == nil || *holds[i].OrderItemID == t.OrderItemID {
			return t, b, stateErr(ErrCodeBlockedByHold, &b,
				"task %s cannot be completed while hold %q is open", taskID, holds[i].HoldReason)
		}
	}

	if err = tx.UpdateTaskStatus(taskID, models.CompletedTaskStatus, actualMinutes); err != nil {
		return t, b, err
	}
	ts.logger.Infof("Task %s completed (%d min actual)", taskID, actualMinutes)
	return t, b, nil
}

// ListTasks returns the batch's tasks, optionally filtered to one stage.
func (ts *TaskService) ListTasks(batchID int64, stage string) ([]models.Task, error) {
	return ts.store.ListTasks(batchID, stage)
}

func (ts *TaskService) getTask(taskID string) (models.Task, error) {
	t, err := ts.store.GetTask(taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Task{}, stateErr(ErrCodeValidation, nil, "task %s does not exist", taskID)
		}
		return models.Task{}, err
	}
	return t, nil
}

// maybeAutoAdvance advances the batch when the completed task's stage is
// configured auto_advance_on_completion and no open task remains. Failures
// are logged only; the completed task stays completed either way.
func (ts *TaskService) maybeAutoAdvance(t models.Task, b models.Batch) {
	if ts.engine == nil || b.WorkflowTemplateID == nil || b.StageName() != t.Stage {
		return
	}
	tmpl, err := ts.store.GetTemplate(*b.WorkflowTemplateID)
	if err != nil {
		ts.logger.Warnf("Auto-advance check for batch %d: %v", b.ID, err)
		return
	}
	stage, ok := tmpl.FindStage(t.Stage)
	if !ok || stage.Automation == nil || stage.Automation.Kind != models.AutoAdvanceAutomation {
		return
	}
	idx := tmpl.StageIndex(t.Stage)
	if idx < 0 || idx+1 >= len(tmpl.Stages) {
		return
	}
	tasks, err := ts.store.ListTasks(b.ID, t.Stage)
	if err != nil {
		ts.logger.Warnf("Auto-advance check for batch %d: %v", b.ID, err)
		return
	}
	for i := range tasks {
		if tasks[i].Open() {
			return
		}
	}
	next := tmpl.Stages[idx+1].Name
	if _, err := ts.engine.Transition(b.ID, next, TransitionOptions{Type: models.AutoTransition, Notes: "auto-advance: all tasks completed"}); err != nil {
		ts.logger.Warnf("Auto-advance of batch %d to %q failed: %v", b.ID, next, err)
		return
	}
	ts.logger.Infof("Batch %d auto-advanced to stage %q", b.ID, next)
}
