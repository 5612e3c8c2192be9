package service

import (
	"time"

	"github.com/nick-amizich/zmf-production/pkg/models"
	"github.com/nick-amizich/zmf-production/pkg/storage"
	"github.com/pkg/errors"
)

// BatchService covers creation-time invariants the transition engine does
// not: item membership exclusivity and the pending -> active kickoff.
type BatchService struct {
	store  storage.Store
	logger Logger
	engine *TransitionEngine
}

func NewBatchService(store storage.Store, logger Logger, engine *TransitionEngine) *BatchService {
	return &BatchService{store: store, logger: logger, engine: engine}
}

// CreateBatch groups order items into a new pending batch. An order item may
// belong to at most one non-cancelled batch at a time.
func (bs *BatchService) CreateBatch(name string, itemIDs []int64, templateID *int64) (id int64, err error) {
	if name == "" {
		return 0, stateErr(ErrCodeValidation, nil, "batch name cannot be empty")
	}
	if len(name) > 100 {
		return 0, stateErr(ErrCodeValidation, nil, "batch name too long (max 100 characters)")
	}
	if len(itemIDs) == 0 {
		return 0, stateErr(ErrCodeValidation, nil, "a batch needs at least one order item")
	}
	seen := make(map[int64]struct{}, len(itemIDs))
	items := make([]int64, 0, len(itemIDs))
	for _, it := range itemIDs {
		if _, dup := seen[it]; dup {
			continue
		}
		seen[it] = struct{}{}
		items = append(items, it)
	}

	tx, err := bs.store.Begin()
	if err != nil {
		return 0, errors.Wrap(err, "begin create batch")
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				bs.logger.Errorf("Failed to rollback create batch: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			bs.logger.Errorf("Failed to commit create batch: %v", commitErr)
			err = commitErr
		}
	}()

	if templateID != nil {
		tmpl, terr := tx.GetTemplate(*templateID)
		if terr != nil {
			if errors.Is(terr, storage.ErrNotFound) {
				return 0, stateErr(ErrCodeTemplateNotFound, nil, "workflow template %d does not exist", *templateID)
			}
			return 0, terr
		}
		if !tmpl.IsActive {
			return 0, stateErr(ErrCodeValidation, nil, "workflow template %q is deactivated", tmpl.Name)
		}
	}

	taken, err := tx.ItemsInActiveBatches(items)
	if err != nil {
		return 0, err
	}
	if len(taken) > 0 {
		return 0, stateErr(ErrCodeItemAlreadyBatched, nil,
			"order item(s) %v already belong to an active batch", taken)
	}

	now := time.Now()
	b := models.Batch{
		Name:               name,
		WorkflowTemplateID: templateID,
		Status:             models.PendingBatchStatus,
		ItemIDs:            items,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if id, err = tx.SaveBatch(b); err != nil {
		return 0, errors.Wrap(err, "save batch")
	}
	bs.logger.Infof("Created batch '%s' with ID %d (%d items)", name, id, len(items))
	return id, nil
}

// StartBatch performs the first stage transition of a pending batch. With a
// template the destination defaults to the template's first stage; batches
// without a template must name their starting stage.
func (bs *BatchService) StartBatch(batchID int64, startStage string, opts TransitionOptions) (TransitionResult, error) {
	b, err := bs.store.GetBatch(batchID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return TransitionResult{}, stateErr(ErrCodeBatchNotFound, nil, "batch %d does not exist", batchID)
		}
		return TransitionResult{}, err
	}
	if b.Status != models.PendingBatchStatus {
		return TransitionResult{}, stateErr(ErrCodeInvalidState, &b, "only pending batches can be started")
	}
	if startStage == "" {
		if b.WorkflowTemplateID == nil {
			return TransitionResult{}, stateErr(ErrCodeValidation, &b, "starting stage required for no-workflow batches")
		}
		tmpl, terr := bs.store.GetTemplate(*b.WorkflowTemplateID)
		if terr != nil {
			return TransitionResult{}, errors.Wrapf(terr, "load template %d", *b.WorkflowTemplateID)
		}
		first, ok := tmpl.FirstStage()
		if !ok {
			return TransitionResult{}, stateErr(ErrCodeValidation, &b, "template %q has no stages", tmpl.Name)
		}
		startStage = first.Name
	}
	return bs.engine.Transition(batchID, startStage, opts)
}

// GetBatch returns a batch with its item membership.
func (bs *BatchService) GetBatch(batchID int64) (models.Batch, error) {
	b, err := bs.store.GetBatch(batchID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Batch{}, stateErr(ErrCodeBatchNotFound, nil, "batch %d does not exist", batchID)
		}
		return models.Batch{}, err
	}
	return b, nil
}

// ListBatches returns all batches, newest first per storage ordering.
func (bs *BatchService) ListBatches() ([]models.Batch, error) {
	return bs.store.ListBatches()
}
