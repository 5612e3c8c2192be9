package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/nick-amizich/zmf-production/pkg/models"
	"github.com/nick-amizich/zmf-production/pkg/storage"
	"github.com/pkg/errors"
)

// HoldService is the quality hold gate: it manages the open/closed lifecycle
// of holds and answers whether a batch may currently progress.
type HoldService struct {
	store    storage.Store
	logger   Logger
	notifier Notifier // nil disables escalation notifications
}

func NewHoldService(store storage.Store, logger Logger, notifier Notifier) *HoldService {
	return &HoldService{store: store, logger: logger, notifier: notifier}
}

// PlaceHoldRequest targets a batch, or a single order item when OrderItemID
// is set.
type PlaceHoldRequest struct {
	BatchID     int64
	OrderItemID *int64
	Reason      string
	Severity    models.HoldSeverity
	ReportedBy  string
}

// PlaceHold creates an active hold. Batch-wide holds put the batch on hold
// immediately; item-level holds leave the batch status alone but still block
// transitions through the gate. Critical holds trigger a manager escalation
// notification.
func (hs *HoldService) PlaceHold(req PlaceHoldRequest) (hold models.QualityHold, err error) {
	if req.Reason == "" {
		return models.QualityHold{}, stateErr(ErrCodeValidation, nil, "hold reason cannot be empty")
	}
	switch req.Severity {
	case models.CriticalHoldSeverity, models.MajorHoldSeverity, models.MinorHoldSeverity:
	default:
		return models.QualityHold{}, stateErr(ErrCodeValidation, nil, "unknown severity %q", req.Severity)
	}

	tx, err := hs.store.Begin()
	if err != nil {
		return models.QualityHold{}, errors.Wrap(err, "begin place hold")
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				hs.logger.Errorf("Failed to rollback place hold: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			hs.logger.Errorf("Failed to commit place hold: %v", commitErr)
			err = commitErr
		}
	}()

	b, err := tx.GetBatch(req.BatchID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.QualityHold{}, stateErr(ErrCodeBatchNotFound, nil, "batch %d does not exist", req.BatchID)
		}
		return models.QualityHold{}, err
	}
	if b.Terminal() {
		return models.QualityHold{}, stateErr(ErrCodeInvalidState, &b, "cannot place a hold on a %s batch", b.Status)
	}
	if req.OrderItemID != nil {
		member := false
		for _, id := range b.ItemIDs {
			if id == *req.OrderItemID {
				member = true
				break
			}
		}
		if !member {
			return models.QualityHold{}, stateErr(ErrCodeValidation, &b, "order item %d is not part of batch %d", *req.OrderItemID, b.ID)
		}
	}

	hold = models.QualityHold{
		ID:          uuid.NewString(),
		BatchID:     req.BatchID,
		OrderItemID: req.OrderItemID,
		HoldReason:  req.Reason,
		Severity:    req.Severity,
		Status:      models.ActiveHoldStatus,
		ReportedBy:  req.ReportedBy,
		CreatedAt:   time.Now(),
	}
	if err = tx.SaveHold(hold); err != nil {
		return models.QualityHold{}, errors.Wrap(err, "save hold")
	}

	if req.OrderItemID == nil && b.Status != models.OnHoldBatchStatus {
		if err = tx.UpdateBatchStatus(b.ID, models.OnHoldBatchStatus); err != nil {
			return models.QualityHold{}, errors.Wrap(err, "set batch on hold")
		}
	}

	hs.logger.Infof("Placed %s hold %s on batch %d: %s", hold.Severity, hold.ID, b.ID, hold.HoldReason)

	if hold.Severity == models.CriticalHoldSeverity && hs.notifier != nil {
		n := Notification{
			BatchID:  b.ID,
			Severity: hold.Severity,
			Message:  "critical quality hold: " + hold.HoldReason,
		}
		if nerr := hs.notifier.Notify(n); nerr != nil {
			hs.logger.Warnf("Escalation notification for hold %s failed: %v", hold.ID, nerr)
		}
	}
	return hold, nil
}

// Investigate moves an active hold to investigating and optionally assigns
// an investigator.
func (hs *HoldService) Investigate(holdID, assignedTo string) (models.QualityHold, error) {
	h, err := hs.store.GetHold(holdID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.QualityHold{}, stateErr(ErrCodeHoldNotFound, nil, "hold %s does not exist", holdID)
		}
		return models.QualityHold{}, err
	}
	if h.Closed() {
		return models.QualityHold{}, stateErr(ErrCodeInvalidState, nil, "hold %s is already %s", holdID, h.Status)
	}
	h.Status = models.InvestigatingHoldStatus
	if assignedTo != "" {
		h.AssignedTo = &assignedTo
	}
	if err := hs.store.UpdateHold(h); err != nil {
		return models.QualityHold{}, err
	}
	return h, nil
}

// ResolveHold closes the hold. Resolving an already-closed hold is a no-op
// success so duplicate UI submissions are harmless. When the last open hold
// on the batch clears, the batch's status is recomputed from scratch rather
// than trusting a cached flag, to tolerate concurrent resolutions.
func (hs *HoldService) ResolveHold(holdID, resolutionNotes, resolvedBy string) (hold models.QualityHold, err error) {
	if resolutionNotes == "" {
		return models.QualityHold{}, stateErr(ErrCodeValidation, nil, "resolution notes cannot be empty")
	}
	return hs.closeHold(holdID, models.ResolvedHoldStatus, resolutionNotes, resolvedBy)
}

// EscalateHold closes the hold as escalated; it no longer blocks the batch,
// ownership passes to the escalation actor.
func (hs *HoldService) EscalateHold(holdID, notes, escalatedBy string) (models.QualityHold, error) {
	if escalatedBy == "" {
		return models.QualityHold{}, stateErr(ErrCodeValidation, nil, "escalation requires an actor")
	}
	return hs.closeHold(holdID, models.EscalatedHoldStatus, notes, escalatedBy)
}

func (hs *HoldService) closeHold(holdID string, status models.HoldStatus, notes, actor string) (hold models.QualityHold, err error) {
	tx, err := hs.store.Begin()
	if err != nil {
		return models.QualityHold{}, errors.Wrap(err, "begin close hold")
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				hs.logger.Errorf("Failed to rollback close hold: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			hs.logger.Errorf("Failed to commit close hold: %v", commitErr)
			err = commitErr
		}
	}()

	h, err := tx.GetHold(holdID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.QualityHold{}, stateErr(ErrCodeHoldNotFound, nil, "hold %s does not exist", holdID)
		}
		return models.QualityHold{}, err
	}
	if h.Closed() {
		return h, nil // idempotent
	}

	now := time.Now()
	h.Status = status
	h.ResolutionNotes = notes
	h.ResolvedAt = &now
	if actor != "" {
		h.AssignedTo = &actor
	}
	if err = tx.UpdateHold(h); err != nil {
		return models.QualityHold{}, errors.Wrap(err, "update hold")
	}

	// Recompute the gate: only when no open hold remains does the batch
	// leave on_hold, and only once.
	open, err := tx.OpenHolds(h.BatchID)
	if err != nil {
		return models.QualityHold{}, err
	}
	if len(open) == 0 {
		b, berr := tx.GetBatch(h.BatchID)
		if berr != nil {
			return models.QualityHold{}, berr
		}
		if b.Status == models.OnHoldBatchStatus {
			resumed := models.ActiveBatchStatus
			if b.CurrentStage == nil {
				resumed = models.PendingBatchStatus
			}
			if err = tx.UpdateBatchStatus(b.ID, resumed); err != nil {
				return models.QualityHold{}, errors.Wrap(err, "resume batch")
			}
			hs.logger.Infof("Batch %d resumed (%s) after last hold closed", b.ID, resumed)
		}
	}

	hs.logger.Infof("Hold %s closed as %s by %s", h.ID, status, actor)
	return h, nil
}

// IsBlocked reports whether at least one hold referencing the batch, directly
// or via one of its items, is still open.
func (hs *HoldService) IsBlocked(batchID int64) (bool, error) {
	if _, err := hs.store.GetBatch(batchID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, stateErr(ErrCodeBatchNotFound, nil, "batch %d does not exist", batchID)
		}
		return false, err
	}
	open, err := hs.store.OpenHolds(batchID)
	if err != nil {
		return false, err
	}
	return len(open) > 0, nil
}

// ListHolds returns every hold ever placed on the batch.
func (hs *HoldService) ListHolds(batchID int64) ([]models.QualityHold, error) {
	return hs.store.ListHolds(batchID)
}
