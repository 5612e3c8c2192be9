package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/nick-amizich/zmf-production/pkg/models"
	"github.com/nick-amizich/zmf-production/pkg/storage"
	"github.com/pkg/errors"
)

// Logger defines the logging interface injected into the services so tests
// can pass a no-op double.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// CancelledStageLabel is the to_stage recorded on cancellation transitions.
const CancelledStageLabel = "cancelled"

// TransitionOptions carries the caller-supplied context of a transition.
type TransitionOptions struct {
	Notes   string
	ActorID string
	Type    models.TransitionType // defaults to manual
	// Override lets a manager move backward for rework, skip stages, or
	// leave a strict stage with open tasks. Recorded on the history row.
	Override bool
	// Complete marks a no-template batch completed on this transition.
	Complete bool
}

// AutomationOutcome records the best-effort automation attempt for the
// destination stage. A failed attempt never fails the transition; the error
// text rides along as metadata.
type AutomationOutcome struct {
	Kind        models.AutomationKind `json:"kind"`
	Assignments map[string]string     `json:"assignments,omitempty"` // task ID -> worker
	Notified    bool                  `json:"notified,omitempty"`
	Err         string                `json:"error,omitempty"`
}

// TransitionResult is returned on every accepted transition.
type TransitionResult struct {
	Batch        models.Batch            `json:"batch"`
	Transition   models.StageTransition  `json:"transition"`
	CreatedTasks []models.Task           `json:"created_tasks,omitempty"`
	Automation   *AutomationOutcome      `json:"automation,omitempty"`
}

// EngineConfig wires the engine's optional collaborators and tunables.
type EngineConfig struct {
	Workers  WorkerDirectory // worker directory for auto-assign; nil disables it
	Notifier Notifier        // notification sink; nil disables notify rules
	// SlowStageAfter logs a warning when a batch sat in its previous stage
	// longer than this. Zero disables the check.
	SlowStageAfter time.Duration
}

// TransitionEngine is the sole authority for moving a batch between stages
// and statuses. Every accepted transition appends history, swaps the batch's
// stage with a compare-and-swap, closes out old tasks and projects new ones,
// all inside one storage transaction.
type TransitionEngine struct {
	store  storage.Store
	logger Logger
	cfg    EngineConfig
}

func NewTransitionEngine(store storage.Store, logger Logger, cfg EngineConfig) *TransitionEngine {
	return &TransitionEngine{store: store, logger: logger, cfg: cfg}
}

// Transition validates and executes the batch's move to toStage.
// Preconditions fail fast with typed errors and no partial state. The
// destination stage's automation rule runs after the transaction commits;
// its outcome is attached to the result and never fails the transition.
func (e *TransitionEngine) Transition(batchID int64, toStage string, opts TransitionOptions) (TransitionResult, error) {
	result, dest, err := e.applyTransition(batchID, toStage, opts)
	if err != nil {
		return TransitionResult{}, err
	}
	if dest.Automation != nil {
		result.Automation = e.runAutomation(dest, result.Batch, result.CreatedTasks)
	}
	return result, nil
}

func (e *TransitionEngine) applyTransition(batchID int64, toStage string, opts TransitionOptions) (result TransitionResult, dest models.Stage, err error) {
	if opts.Type == "" {
		opts.Type = models.ManualTransition
	}

	tx, err := e.store.Begin()
	if err != nil {
		return TransitionResult{}, models.Stage{}, errors.Wrap(err, "begin transition")
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				e.logger.Errorf("Failed to rollback transition for batch %d: %v (original error: %v)", batchID, rollbackErr, err)
			}
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			e.logger.Errorf("Failed to commit transition for batch %d: %v", batchID, commitErr)
			err = commitErr
		}
	}()

	b, err := tx.GetBatch(batchID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return TransitionResult{}, models.Stage{}, stateErr(ErrCodeBatchNotFound, nil, "batch %d does not exist", batchID)
		}
		return TransitionResult{}, models.Stage{}, err
	}
	if b.Terminal() {
		return TransitionResult{}, models.Stage{}, stateErr(ErrCodeInvalidState, &b, "batch is %s and accepts no further transitions", b.Status)
	}

	// The hold gate is re-checked here, inside the transaction, so a hold
	// committed before us always wins the race.
	holds, err := tx.OpenHolds(b.ID)
	if err != nil {
		return TransitionResult{}, models.Stage{}, err
	}
	if len(holds) > 0 {
		return TransitionResult{}, models.Stage{}, stateErr(ErrCodeBlockedByHold, &b,
			"%d unresolved quality hold(s), first: %q", len(holds), holds[0].HoldReason)
	}

	var tmpl *models.WorkflowTemplate
	if b.WorkflowTemplateID != nil {
		t, terr := tx.GetTemplate(*b.WorkflowTemplateID)
		if terr != nil {
			return TransitionResult{}, models.Stage{}, errors.Wrapf(terr, "load template %d", *b.WorkflowTemplateID)
		}
		tmpl = &t
		toIdx := t.StageIndex(toStage)
		if toIdx < 0 {
			return TransitionResult{}, models.Stage{}, stateErr(ErrCodeUnknownStage, &b,
				"stage %q is not part of template %q", toStage, t.Name)
		}
		dest, _ = t.FindStage(toStage)
		if serr := checkSequence(&t, &b, toIdx, opts.Override); serr != nil {
			return TransitionResult{}, models.Stage{}, serr
		}
	} else {
		if toStage == "" {
			return TransitionResult{}, models.Stage{}, stateErr(ErrCodeValidation, &b, "stage label required for no-workflow batches")
		}
		dest = models.Stage{Name: toStage}
	}

	// Close out the stage being left. Strict stages refuse to advance while
	// tasks are open; lenient stages supersede them.
	if cur := b.StageName(); cur != "" {
		tasks, lerr := tx.ListTasks(b.ID, cur)
		if lerr != nil {
			return TransitionResult{}, models.Stage{}, lerr
		}
		open := 0
		for i := range tasks {
			if tasks[i].Open() {
				open++
			}
		}
		if open > 0 {
			policy := models.StrictStagePolicy
			if tmpl != nil {
				policy = tmpl.PolicyFor(cur)
			}
			if policy == models.StrictStagePolicy && !opts.Override {
				return TransitionResult{}, models.Stage{}, stateErr(ErrCodeIncompleteTasks, &b,
					"%d of %d tasks in stage %q are not completed", open, len(tasks), cur)
			}
			if _, serr := tx.SupersedeOpenTasks(b.ID, cur); serr != nil {
				return TransitionResult{}, models.Stage{}, serr
			}
		}
	}

	now := time.Now()
	e.warnSlowStage(tx, &b, now)

	tr := models.StageTransition{
		BatchID:        b.ID,
		FromStage:      b.CurrentStage,
		ToStage:        toStage,
		Type:           opts.Type,
		Override:       opts.Override,
		Notes:          opts.Notes,
		TransitionTime: now,
	}
	if opts.ActorID != "" {
		tr.ActorID = &opts.ActorID
	}
	if tr.ID, err = tx.SaveTransition(tr); err != nil {
		return TransitionResult{}, models.Stage{}, errors.Wrap(err, "append stage transition")
	}

	newStatus := models.ActiveBatchStatus
	if tmpl != nil {
		if term, ok := tmpl.TerminalStage(); ok && term.Name == toStage {
			newStatus = models.CompletedBatchStatus
		}
	} else if opts.Complete {
		newStatus = models.CompletedBatchStatus
	}

	// Compare-and-swap on (current_stage, status): a concurrent transition
	// that committed first makes this one fail rather than overwrite it.
	if err = tx.UpdateBatchStage(b.ID, b.CurrentStage, b.Status, &toStage, newStatus); err != nil {
		if errors.Is(err, storage.ErrStaleBatch) {
			return TransitionResult{}, models.Stage{}, stateErr(ErrCodeConcurrentModification, &b,
				"batch was modified concurrently, re-fetch and retry")
		}
		return TransitionResult{}, models.Stage{}, err
	}

	created, err := e.projectTasks(tx, &b, dest, now)
	if err != nil {
		return TransitionResult{}, models.Stage{}, err
	}

	b.CurrentStage = &toStage
	b.Status = newStatus
	b.UpdatedAt = now
	result = TransitionResult{Batch: b, Transition: tr, CreatedTasks: created}

	e.logger.Infof("Batch %d moved to stage %q (%s, %d new tasks)", b.ID, toStage, newStatus, len(created))
	return result, dest, nil
}

// Cancel is the one transition destination allowed while a batch is on hold.
// No tasks are projected; open tasks of the current stage are superseded.
func (e *TransitionEngine) Cancel(batchID int64, opts TransitionOptions) (result TransitionResult, err error) {
	if opts.Type == "" {
		opts.Type = models.ManualTransition
	}

	tx, err := e.store.Begin()
	if err != nil {
		return TransitionResult{}, errors.Wrap(err, "begin cancel")
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				e.logger.Errorf("Failed to rollback cancel for batch %d: %v (original error: %v)", batchID, rollbackErr, err)
			}
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			e.logger.Errorf("Failed to commit cancel for batch %d: %v", batchID, commitErr)
			err = commitErr
		}
	}()

	b, err := tx.GetBatch(batchID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return TransitionResult{}, stateErr(ErrCodeBatchNotFound, nil, "batch %d does not exist", batchID)
		}
		return TransitionResult{}, err
	}
	if b.Terminal() {
		return TransitionResult{}, stateErr(ErrCodeInvalidState, &b, "batch is %s and accepts no further transitions", b.Status)
	}

	if cur := b.StageName(); cur != "" {
		if _, serr := tx.SupersedeOpenTasks(b.ID, cur); serr != nil {
			return TransitionResult{}, serr
		}
	}

	now := time.Now()
	tr := models.StageTransition{
		BatchID:        b.ID,
		FromStage:      b.CurrentStage,
		ToStage:        CancelledStageLabel,
		Type:           opts.Type,
		Override:       opts.Override,
		Notes:          opts.Notes,
		TransitionTime: now,
	}
	if opts.ActorID != "" {
		tr.ActorID = &opts.ActorID
	}
	if tr.ID, err = tx.SaveTransition(tr); err != nil {
		return TransitionResult{}, errors.Wrap(err, "append cancel transition")
	}

	if err = tx.UpdateBatchStage(b.ID, b.CurrentStage, b.Status, b.CurrentStage, models.CancelledBatchStatus); err != nil {
		if errors.Is(err, storage.ErrStaleBatch) {
			return TransitionResult{}, stateErr(ErrCodeConcurrentModification, &b,
				"batch was modified concurrently, re-fetch and retry")
		}
		return TransitionResult{}, err
	}

	b.Status = models.CancelledBatchStatus
	b.UpdatedAt = now
	e.logger.Infof("Batch %d cancelled", b.ID)
	return TransitionResult{Batch: b, Transition: tr}, nil
}

// History returns the batch's append-only transition trail, ordered by time.
func (e *TransitionEngine) History(batchID int64) ([]models.StageTransition, error) {
	if _, err := e.store.GetBatch(batchID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, stateErr(ErrCodeBatchNotFound, nil, "batch %d does not exist", batchID)
		}
		return nil, err
	}
	return e.store.ListTransitions(batchID)
}

// checkSequence enforces forward-only movement in template order. Backward
// (rework) and skipping both need the manager override flag, because skipping
// bypasses required checkpoints.
func checkSequence(t *models.WorkflowTemplate, b *models.Batch, toIdx int, override bool) error {
	cur := b.StageName()
	if cur == "" {
		if toIdx != 0 && !override {
			return stateErr(ErrCodeNonSequentialTransition, b,
				"batch has not started; first stage is %q", t.Stages[0].Name)
		}
		return nil
	}
	curIdx := t.StageIndex(cur)
	if curIdx < 0 {
		return stateErr(ErrCodeUnknownStage, b,
			"recorded stage %q is not part of template %q", cur, t.Name)
	}
	if toIdx == curIdx+1 || override {
		return nil
	}
	if toIdx <= curIdx {
		return stateErr(ErrCodeNonSequentialTransition, b,
			"moving back to %q requires a manager override", t.Stages[toIdx].Name)
	}
	return stateErr(ErrCodeNonSequentialTransition, b,
		"skipping from %q to %q bypasses required checkpoints", cur, t.Stages[toIdx].Name)
}

// projectTasks creates one pending task per order item for the destination
// stage. Items that already carry a non-superseded task at that stage are
// skipped, so retrying a transition never duplicates tasks.
func (e *TransitionEngine) projectTasks(tx storage.Store, b *models.Batch, dest models.Stage, now time.Time) ([]models.Task, error) {
	existing, err := tx.ListTasks(b.ID, dest.Name)
	if err != nil {
		return nil, err
	}
	have := make(map[int64]struct{}, len(existing))
	for i := range existing {
		if existing[i].Status != models.SupersededTaskStatus {
			have[existing[i].OrderItemID] = struct{}{}
		}
	}
	var created []models.Task
	for _, itemID := range b.ItemIDs {
		if _, ok := have[itemID]; ok {
			continue
		}
		t := models.Task{
			ID:               uuid.NewString(),
			BatchID:          b.ID,
			OrderItemID:      itemID,
			Stage:            dest.Name,
			Status:           models.PendingTaskStatus,
			EstimatedMinutes: dest.EstimatedMinutes,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.SaveTask(t); err != nil {
			return nil, errors.Wrapf(err, "create task for item %d at stage %q", itemID, dest.Name)
		}
		created = append(created, t)
	}
	return created, nil
}

// warnSlowStage flags batches that sat in their previous stage past the
// configured threshold. Purely advisory.
func (e *TransitionEngine) warnSlowStage(tx storage.Store, b *models.Batch, now time.Time) {
	if e.cfg.SlowStageAfter <= 0 || b.CurrentStage == nil {
		return
	}
	trs, err := tx.ListTransitions(b.ID)
	if err != nil || len(trs) == 0 {
		return
	}
	if waited := now.Sub(trs[len(trs)-1].TransitionTime); waited > e.cfg.SlowStageAfter {
		e.logger.Warnf("Batch %d spent %s in stage %q (threshold %s)", b.ID, waited.Round(time.Minute), *b.CurrentStage, e.cfg.SlowStageAfter)
	}
}
