package service_test

import (
	"sync"
	"testing"

	"github.com/nick-amizich/zmf-production/pkg/models"
	"github.com/nick-amizich/zmf-production/pkg/service"
	"github.com/stretchr/testify/assert"
)

// captureNotifier records every notification handed to it.
type captureNotifier struct {
	mu   sync.Mutex
	sent []service.Notification
}

func (c *captureNotifier) Notify(n service.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}

func (c *captureNotifier) all() []service.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]service.Notification{}, c.sent...)
}

func TestHoldService_PlaceHold(t *testing.T) {
	t.Run("BatchWideHoldPausesBatch", func(t *testing.T) {
		f := newFixture(t)
		id := f.startedBatch(t, 101)

		hold, err := f.holds.PlaceHold(service.PlaceHoldRequest{
			BatchID: id, Reason: "finish bubbling", Severity: models.MajorHoldSeverity, ReportedBy: "qc-2",
		})
		assert.NoError(t, err)
		assert.Equal(t, models.ActiveHoldStatus, hold.Status)

		b, err := f.batches.GetBatch(id)
		assert.NoError(t, err)
		assert.Equal(t, models.OnHoldBatchStatus, b.Status)

		blocked, err := f.holds.IsBlocked(id)
		assert.NoError(t, err)
		assert.True(t, blocked)
	})

	t.Run("ItemHoldLeavesBatchStatusAlone", func(t *testing.T) {
		f := newFixture(t)
		id := f.startedBatch(t, 101, 102)

		item := int64(101)
		_, err := f.holds.PlaceHold(service.PlaceHoldRequest{
			BatchID: id, OrderItemID: &item, Reason: "driver rattle", Severity: models.MinorHoldSeverity, ReportedBy: "qc-2",
		})
		assert.NoError(t, err)

		b, _ := f.batches.GetBatch(id)
		assert.Equal(t, models.ActiveBatchStatus, b.Status)
		blocked, _ := f.holds.IsBlocked(id)
		assert.True(t, blocked)
	})

	t.Run("ItemMustBelongToBatch", func(t *testing.T) {
		f := newFixture(t)
		id := f.startedBatch(t, 101)
		stranger := int64(999)
		_, err := f.holds.PlaceHold(service.PlaceHoldRequest{
			BatchID: id, OrderItemID: &stranger, Reason: "x", Severity: models.MinorHoldSeverity, ReportedBy: "qc-2",
		})
		assert.Equal(t, service.ErrCodeValidation, service.CodeOf(err))
	})

	t.Run("Validation", func(t *testing.T) {
		f := newFixture(t)
		id := f.startedBatch(t, 101)

		_, err := f.holds.PlaceHold(service.PlaceHoldRequest{BatchID: id, Severity: models.MajorHoldSeverity})
		assert.Equal(t, service.ErrCodeValidation, service.CodeOf(err))

		_, err = f.holds.PlaceHold(service.PlaceHoldRequest{BatchID: id, Reason: "r", Severity: "catastrophic"})
		assert.Equal(t, service.ErrCodeValidation, service.CodeOf(err))

		_, err = f.holds.PlaceHold(service.PlaceHoldRequest{BatchID: 999, Reason: "r", Severity: models.MinorHoldSeverity})
		assert.Equal(t, service.ErrCodeBatchNotFound, service.CodeOf(err))
	})

	t.Run("TerminalBatchRejected", func(t *testing.T) {
		f := newFixture(t)
		id := f.startedBatch(t, 101)
		_, err := f.engine.Cancel(id, service.TransitionOptions{})
		assert.NoError(t, err)

		_, err = f.holds.PlaceHold(service.PlaceHoldRequest{
			BatchID: id, Reason: "too late", Severity: models.MinorHoldSeverity, ReportedBy: "qc-2",
		})
		assert.Equal(t, service.ErrCodeInvalidState, service.CodeOf(err))
	})

	t.Run("CriticalHoldEscalatesToManager", func(t *testing.T) {
		f := newFixture(t)
		sink := &captureNotifier{}
		holds := service.NewHoldService(f.store, logger{}, sink)
		id := f.startedBatch(t, 101)

		_, err := holds.PlaceHold(service.PlaceHoldRequest{
			BatchID: id, Reason: "cracked cup", Severity: models.CriticalHoldSeverity, ReportedBy: "qc-2",
		})
		assert.NoError(t, err)

		sent := sink.all()
		assert.Len(t, sent, 1)
		assert.Equal(t, id, sent[0].BatchID)
		assert.Equal(t, models.CriticalHoldSeverity, sent[0].Severity)
		assert.Contains(t, sent[0].Message, "cracked cup")
	})
}

func TestHoldService_Resolution(t *testing.T) {
	t.Run("LastHoldClearedResumesBatch", func(t *testing.T) {
		f := newFixture(t)
		id := f.startedBatch(t, 101)
		h1, err := f.holds.PlaceHold(service.PlaceHoldRequest{BatchID: id, Reason: "first", Severity: models.MajorHoldSeverity, ReportedBy: "qc-1"})
		assert.NoError(t, err)
		h2, err := f.holds.PlaceHold(service.PlaceHoldRequest{BatchID: id, Reason: "second", Severity: models.MinorHoldSeverity, ReportedBy: "qc-1"})
		assert.NoError(t, err)

		_, err = f.holds.ResolveHold(h1.ID, "fixed", "qc-1")
		assert.NoError(t, err)
		b, _ := f.batches.GetBatch(id)
		assert.Equal(t, models.OnHoldBatchStatus, b.Status, "one hold still open")

		_, err = f.holds.ResolveHold(h2.ID, "fixed", "qc-1")
		assert.NoError(t, err)
		b, _ = f.batches.GetBatch(id)
		assert.Equal(t, models.ActiveBatchStatus, b.Status)
	})

	t.Run("UnstartedBatchResumesToPending", func(t *testing.T) {
		f := newFixture(t)
		id, err := f.batches.CreateBatch("not started", []int64{5}, &f.tmplID)
		assert.NoError(t, err)
		h, err := f.holds.PlaceHold(service.PlaceHoldRequest{BatchID: id, Reason: "wood defect", Severity: models.MajorHoldSeverity, ReportedBy: "qc-1"})
		assert.NoError(t, err)

		_, err = f.holds.ResolveHold(h.ID, "replaced blank", "qc-1")
		assert.NoError(t, err)
		b, _ := f.batches.GetBatch(id)
		assert.Equal(t, models.PendingBatchStatus, b.Status)
	})

	t.Run("ResolveRequiresNotes", func(t *testing.T) {
		f := newFixture(t)
		id := f.startedBatch(t, 101)
		h, _ := f.holds.PlaceHold(service.PlaceHoldRequest{BatchID: id, Reason: "r", Severity: models.MinorHoldSeverity, ReportedBy: "qc-1"})

		_, err := f.holds.ResolveHold(h.ID, "", "qc-1")
		assert.Equal(t, service.ErrCodeValidation, service.CodeOf(err))
	})

	t.Run("ResolveIsIdempotent", func(t *testing.T) {
		f := newFixture(t)
		id := f.startedBatch(t, 101)
		h, _ := f.holds.PlaceHold(service.PlaceHoldRequest{BatchID: id, Reason: "r", Severity: models.MinorHoldSeverity, ReportedBy: "qc-1"})

		first, err := f.holds.ResolveHold(h.ID, "fixed", "qc-1")
		assert.NoError(t, err)
		assert.Equal(t, models.ResolvedHoldStatus, first.Status)

		second, err := f.holds.ResolveHold(h.ID, "fixed again", "qc-1")
		assert.NoError(t, err)
		assert.Equal(t, models.ResolvedHoldStatus, second.Status)
		assert.Equal(t, "fixed", second.ResolutionNotes, "duplicate resolve must not rewrite the record")
	})

	t.Run("MissingHold", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.holds.ResolveHold("no-such-hold", "n", "qc-1")
		assert.Equal(t, service.ErrCodeHoldNotFound, service.CodeOf(err))
	})
}

func TestHoldService_InvestigateAndEscalate(t *testing.T) {
	t.Run("InvestigateAssignsAndStillBlocks", func(t *testing.T) {
		f := newFixture(t)
		id := f.startedBatch(t, 101)
		h, _ := f.holds.PlaceHold(service.PlaceHoldRequest{BatchID: id, Reason: "r", Severity: models.MajorHoldSeverity, ReportedBy: "qc-1"})

		got, err := f.holds.Investigate(h.ID, "inspector-3")
		assert.NoError(t, err)
		assert.Equal(t, models.InvestigatingHoldStatus, got.Status)
		assert.Equal(t, "inspector-3", *got.AssignedTo)

		blocked, _ := f.holds.IsBlocked(id)
		assert.True(t, blocked, "investigating holds still block")
	})

	t.Run("EscalateClosesHold", func(t *testing.T) {
		f := newFixture(t)
		id := f.startedBatch(t, 101)
		h, _ := f.holds.PlaceHold(service.PlaceHoldRequest{BatchID: id, Reason: "r", Severity: models.CriticalHoldSeverity, ReportedBy: "qc-1"})

		_, err := f.holds.EscalateHold(h.ID, "needs owner decision", "")
		assert.Equal(t, service.ErrCodeValidation, service.CodeOf(err), "escalation requires an actor")

		got, err := f.holds.EscalateHold(h.ID, "needs owner decision", "manager-1")
		assert.NoError(t, err)
		assert.Equal(t, models.EscalatedHoldStatus, got.Status)

		blocked, _ := f.holds.IsBlocked(id)
		assert.False(t, blocked)
		b, _ := f.batches.GetBatch(id)
		assert.Equal(t, models.ActiveBatchStatus, b.Status)
	})

	t.Run("ClosedHoldCannotBeInvestigated", func(t *testing.T) {
		f := newFixture(t)
		id := f.startedBatch(t, 101)
		h, _ := f.holds.PlaceHold(service.PlaceHoldRequest{BatchID: id, Reason: "r", Severity: models.MinorHoldSeverity, ReportedBy: "qc-1"})
		_, err := f.holds.ResolveHold(h.ID, "fixed", "qc-1")
		assert.NoError(t, err)

		_, err = f.holds.Investigate(h.ID, "inspector-3")
		assert.Equal(t, service.ErrCodeInvalidState, service.CodeOf(err))
	})
}
