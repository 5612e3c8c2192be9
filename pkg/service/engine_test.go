package service_test

import (
	"testing"

	"github.com/nick-amizich/zmf-production/pkg/models"
	"github.com/nick-amizich/zmf-production/pkg/service"
	"github.com/nick-amizich/zmf-production/pkg/storage"
	"github.com/stretchr/testify/assert"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{}) {
	// no-op
}

func (l logger) Warnf(format string, args ...interface{}) {
	// no-op
}

func (l logger) Errorf(format string, args ...interface{}) {
	// no-op
}

// headphoneTemplate is the standard four-stage build used across the tests.
func headphoneTemplate() models.WorkflowTemplate {
	return models.WorkflowTemplate{
		Name:     "Standard Headphone Build",
		IsActive: true,
		Stages: []models.Stage{
			{Name: "sanding", Policy: models.StrictStagePolicy, EstimatedMinutes: 45},
			{Name: "finishing", Policy: models.LenientStagePolicy, EstimatedMinutes: 90},
			{Name: "quality_control", Policy: models.StrictStagePolicy, EstimatedMinutes: 30},
			{Name: "shipping", Policy: models.LenientStagePolicy, EstimatedMinutes: 15},
		},
	}
}

type fixture struct {
	store   storage.Store
	engine  *service.TransitionEngine
	batches *service.BatchService
	holds   *service.HoldService
	tasks   *service.TaskService
	tmplID  int64
}

func newFixture(t *testing.T) *fixture {
	store := storage.NewMockStore()
	tmpl := headphoneTemplate()
	tmplID, err := store.SaveTemplate(tmpl)
	assert.NoError(t, err)

	engine := service.NewTransitionEngine(store, logger{}, service.EngineConfig{})
	return &fixture{
		store:   store,
		engine:  engine,
		batches: service.NewBatchService(store, logger{}, engine),
		holds:   service.NewHoldService(store, logger{}, nil),
		tasks:   service.NewTaskService(store, logger{}, engine),
		tmplID:  tmplID,
	}
}

// startedBatch creates a batch over the standard template and moves it into
// the first stage.
func (f *fixture) startedBatch(t *testing.T, items ...int64) int64 {
	id, err := f.batches.CreateBatch("Atrium run", items, &f.tmplID)
	assert.NoError(t, err)
	_, err = f.batches.StartBatch(id, "", service.TransitionOptions{ActorID: "lead-1"})
	assert.NoError(t, err)
	return id
}

// completeStage marks every open task of the batch's given stage completed,
// directly through storage so these tests exercise only the engine.
func (f *fixture) completeStage(t *testing.T, batchID int64, stage string) {
	tasks, err := f.store.ListTasks(batchID, stage)
	assert.NoError(t, err)
	for _, task := range tasks {
		if task.Open() {
			assert.NoError(t, f.store.UpdateTaskStatus(task.ID, models.CompletedTaskStatus, 40))
		}
	}
}

func TestTransitionEngine_Lifecycle(t *testing.T) {
	t.Run("StartProjectsTasksForEveryItem", func(t *testing.T) {
		f := newFixture(t)
		id, err := f.batches.CreateBatch("Verite closed run", []int64{101, 102, 103}, &f.tmplID)
		assert.NoError(t, err)

		res, err := f.batches.StartBatch(id, "", service.TransitionOptions{ActorID: "lead-1"})
		assert.NoError(t, err)
		assert.Equal(t, models.ActiveBatchStatus, res.Batch.Status)
		assert.Equal(t, "sanding", res.Batch.StageName())
		assert.Len(t, res.CreatedTasks, 3)
		for _, task := range res.CreatedTasks {
			assert.Equal(t, models.PendingTaskStatus, task.Status)
			assert.Equal(t, "sanding", task.Stage)
			assert.Equal(t, 45, task.EstimatedMinutes)
		}
		assert.Nil(t, res.Transition.FromStage)
		assert.Equal(t, "sanding", res.Transition.ToStage)
	})

	t.Run("AdvanceAfterCompletion", func(t *testing.T) {
		f := newFixture(t)
		id := f.startedBatch(t, 101, 102)
		f.completeStage(t, id, "sanding")

		res, err := f.engine.Transition(id, "finishing", service.TransitionOptions{})
		assert.NoError(t, err)
		assert.Equal(t, "finishing", res.Batch.StageName())
		assert.Len(t, res.CreatedTasks, 2)

		// historical tasks of the left stage are untouched
		sanding, err := f.store.ListTasks(id, "sanding")
		assert.NoError(t, err)
		for _, task := range sanding {
			assert.Equal(t, models.CompletedTaskStatus, task.Status)
		}
	})

	t.Run("TerminalStageCompletesBatch", func(t *testing.T) {
		f := newFixture(t)
		id := f.startedBatch(t, 101)
		for _, stage := range []string{"sanding", "finishing", "quality_control"} {
			f.completeStage(t, id, stage)
			next := map[string]string{"sanding": "finishing", "finishing": "quality_control", "quality_control": "shipping"}[stage]
			_, err := f.engine.Transition(id, next, service.TransitionOptions{})
			assert.NoError(t, err)
		}

		b, err := f.batches.GetBatch(id)
		assert.NoError(t, err)
		assert.Equal(t, models.CompletedBatchStatus, b.Status)
		assert.Equal(t, "shipping", b.StageName())
	})

	t.Run("CompletedBatchRefusesTransitions", func(t *testing.T) {
		f := newFixture(t)
		id := f.startedBatch(t, 101)
		f.completeStage(t, id, "sanding")
		_, err := f.engine.Transition(id, "shipping", service.TransitionOptions{Override: true})
		assert.NoError(t, err)

		_, err = f.engine.Transition(id, "quality_control", service.TransitionOptions{Override: true})
		assert.Equal(t, service.ErrCodeInvalidState, service.CodeOf(err))
	})

	t.Run("MissingBatch", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.Transition(999, "sanding", service.TransitionOptions{})
		assert.Equal(t, service.ErrCodeBatchNotFound, service.CodeOf(err))
	})
}

func TestTransitionEngine_Sequencing(t *testing.T) {
	t.Run("SkipRejected", func(t *testing.T) {
		f := newFixture(t)
		id := f.startedBatch(t, 101)
		f.completeStage(t, id, "sanding")

		_, err := f.engine.Transition(id, "quality_control", service.TransitionOptions{})
		assert.Equal(t, service.ErrCodeNonSequentialTransition, service.CodeOf(err))
		// no partial state: batch stayed put
		b, _ := f.batches.GetBatch(id)
		assert.Equal(t, "sanding", b.StageName())
	})

	t.Run("BackwardRejectedWithoutOverride", func(t *testing.T) {
		f := newFixture(t)
		id := f.startedBatch(t, 101)
		f.completeStage(t, id, "sanding")
		_, err := f.engine.Transition(id, "finishing", service.TransitionOptions{})
		assert.NoError(t, err)

		_, err = f.engine.Transition(id, "sanding", service.TransitionOptions{})
		assert.Equal(t, service.ErrCodeNonSequentialTransition, service.CodeOf(err))
	})

	t.Run("OverrideAllowsReworkAndSkip", func(t *testing.T) {
		f := newFixture(t)
		id := f.startedBatch(t, 101)
		f.completeStage(t, id, "sanding")
		_, err := f.engine.Transition(id, "finishing", service.TransitionOptions{})
		assert.NoError(t, err)

		res, err := f.engine.Transition(id, "sanding", service.TransitionOptions{Override: true, ActorID: "manager-1", Notes: "scratch found on cup"})
		assert.NoError(t, err)
		assert.True(t, res.Transition.Override)
		assert.Equal(t, "sanding", res.Batch.StageName())

		// skipping forward also needs the override
		_, err = f.engine.Transition(id, "quality_control", service.TransitionOptions{Override: true})
		assert.NoError(t, err)
	})

	t.Run("StartingMidTemplateNeedsOverride", func(t *testing.T) {
		f := newFixture(t)
		id, err := f.batches.CreateBatch("mid start", []int64{7}, &f.tmplID)
		assert.NoError(t, err)

		_, err = f.batches.StartBatch(id, "finishing", service.TransitionOptions{})
		assert.Equal(t, service.ErrCodeNonSequentialTransition, service.CodeOf(err))

		_, err = f.batches.StartBatch(id, "finishing", service.TransitionOptions{Override: true})
		assert.NoError(t, err)
	})

	t.Run("UnknownStage", func(t *testing.T) {
		f := newFixture(t)
		id := f.startedBatch(t, 101)
		_, err := f.engine.Transition(id, "polishing", service.TransitionOptions{})
		assert.Equal(t, service.ErrCodeUnknownStage, service.CodeOf(err))
	})
}

func TestTransitionEngine_StagePolicies(t *testing.T) {
	t.Run("StrictRefusesOpenTasks", func(t *testing.T) {
		f := newFixture(t)
		id := f.startedBatch(t, 101, 102)
		f.completeStage(t, id, "sanding")
		_, err := f.engine.Transition(id, "finishing", service.TransitionOptions{})
		assert.NoError(t, err)
		f.completeStage(t, id, "finishing")
		_, err = f.engine.Transition(id, "quality_control", service.TransitionOptions{})
		assert.NoError(t, err)

		// quality_control is strict and its tasks are still pending
		_, err = f.engine.Transition(id, "shipping", service.TransitionOptions{})
		assert.Equal(t, service.ErrCodeIncompleteTasks, service.CodeOf(err))
	})

	t.Run("OverrideBypassesStrict", func(t *testing.T) {
		f := newFixture(t)
		id := f.startedBatch(t, 101, 102)

		res, err := f.engine.Transition(id, "finishing", service.TransitionOptions{Override: true, ActorID: "manager-1"})
		assert.NoError(t, err)
		assert.Equal(t, "finishing", res.Batch.StageName())

		// the bypassed sanding tasks were superseded, not left dangling
		tasks, err := f.store.ListTasks(id, "sanding")
		assert.NoError(t, err)
		for _, task := range tasks {
			assert.Equal(t, models.SupersededTaskStatus, task.Status)
		}
	})

	t.Run("LenientSupersedesOpenTasks", func(t *testing.T) {
		f := newFixture(t)
		id := f.startedBatch(t, 101, 102)
		f.completeStage(t, id, "sanding")
		_, err := f.engine.Transition(id, "finishing", service.TransitionOptions{})
		assert.NoError(t, err)

		// finishing is lenient: advancing with open tasks is allowed
		_, err = f.engine.Transition(id, "quality_control", service.TransitionOptions{})
		assert.NoError(t, err)
		tasks, err := f.store.ListTasks(id, "finishing")
		assert.NoError(t, err)
		for _, task := range tasks {
			assert.Equal(t, models.SupersededTaskStatus, task.Status)
		}
	})
}

func TestTransitionEngine_HoldGate(t *testing.T) {
	t.Run("OpenHoldBlocksTransition", func(t *testing.T) {
		f := newFixture(t)
		id := f.startedBatch(t, 101)
		f.completeStage(t, id, "sanding")

		hold, err := f.holds.PlaceHold(service.PlaceHoldRequest{
			BatchID: id, Reason: "grain mismatch on left cup", Severity: models.MajorHoldSeverity, ReportedBy: "qc-1",
		})
		assert.NoError(t, err)

		_, err = f.engine.Transition(id, "finishing", service.TransitionOptions{})
		assert.Equal(t, service.ErrCodeBlockedByHold, service.CodeOf(err))

		// the refused transition appended nothing
		history, err := f.engine.History(id)
		assert.NoError(t, err)
		assert.Len(t, history, 1)

		// resolving the hold reopens the gate
		_, err = f.holds.ResolveHold(hold.ID, "refinished cup", "qc-1")
		assert.NoError(t, err)
		_, err = f.engine.Transition(id, "finishing", service.TransitionOptions{})
		assert.NoError(t, err)
	})

	t.Run("ItemHoldBlocksWholeBatchTransition", func(t *testing.T) {
		f := newFixture(t)
		id := f.startedBatch(t, 101, 102)
		f.completeStage(t, id, "sanding")

		item := int64(102)
		_, err := f.holds.PlaceHold(service.PlaceHoldRequest{
			BatchID: id, OrderItemID: &item, Reason: "chipped baffle", Severity: models.MinorHoldSeverity, ReportedBy: "qc-1",
		})
		assert.NoError(t, err)

		// the batch itself stays active, but the gate still refuses
		b, _ := f.batches.GetBatch(id)
		assert.Equal(t, models.ActiveBatchStatus, b.Status)
		_, err = f.engine.Transition(id, "finishing", service.TransitionOptions{})
		assert.Equal(t, service.ErrCodeBlockedByHold, service.CodeOf(err))
	})
}

func TestTransitionEngine_IdempotentProjection(t *testing.T) {
	f := newFixture(t)
	id := f.startedBatch(t, 101, 102)
	f.completeStage(t, id, "sanding")
	_, err := f.engine.Transition(id, "finishing", service.TransitionOptions{})
	assert.NoError(t, err)

	// rework: back to sanding, where completed tasks already exist
	res, err := f.engine.Transition(id, "sanding", service.TransitionOptions{Override: true})
	assert.NoError(t, err)
	assert.Empty(t, res.CreatedTasks, "completed tasks must not be duplicated on re-entry")

	tasks, err := f.store.ListTasks(id, "sanding")
	assert.NoError(t, err)
	assert.Len(t, tasks, 2)
}

// staleStore forces the compare-and-swap to report a concurrent winner.
type staleStore struct {
	storage.Store
}

func (s *staleStore) Begin() (storage.Store, error) { return s, nil }

func (s *staleStore) UpdateBatchStage(id int64, fromStage *string, fromStatus models.BatchStatus, toStage *string, toStatus models.BatchStatus) error {
	return storage.ErrStaleBatch
}

func TestTransitionEngine_ConcurrentModification(t *testing.T) {
	f := newFixture(t)
	id, err := f.batches.CreateBatch("contended", []int64{55}, &f.tmplID)
	assert.NoError(t, err)

	engine := service.NewTransitionEngine(&staleStore{Store: f.store}, logger{}, service.EngineConfig{})
	_, err = engine.Transition(id, "sanding", service.TransitionOptions{})
	assert.Equal(t, service.ErrCodeConcurrentModification, service.CodeOf(err))

	var se *service.StateError
	assert.ErrorAs(t, err, &se)
	assert.True(t, se.Retryable())
}

func TestTransitionEngine_Cancel(t *testing.T) {
	t.Run("CancelSupersedesOpenTasks", func(t *testing.T) {
		f := newFixture(t)
		id := f.startedBatch(t, 101, 102)

		res, err := f.engine.Cancel(id, service.TransitionOptions{ActorID: "manager-1", Notes: "customer cancelled order"})
		assert.NoError(t, err)
		assert.Equal(t, models.CancelledBatchStatus, res.Batch.Status)
		assert.Equal(t, service.CancelledStageLabel, res.Transition.ToStage)

		tasks, err := f.store.ListTasks(id, "sanding")
		assert.NoError(t, err)
		for _, task := range tasks {
			assert.Equal(t, models.SupersededTaskStatus, task.Status)
		}

		_, err = f.engine.Transition(id, "finishing", service.TransitionOptions{Override: true})
		assert.Equal(t, service.ErrCodeInvalidState, service.CodeOf(err))
	})

	t.Run("CancelAllowedWhileOnHold", func(t *testing.T) {
		f := newFixture(t)
		id := f.startedBatch(t, 101)
		_, err := f.holds.PlaceHold(service.PlaceHoldRequest{
			BatchID: id, Reason: "wood split", Severity: models.CriticalHoldSeverity, ReportedBy: "qc-1",
		})
		assert.NoError(t, err)

		res, err := f.engine.Cancel(id, service.TransitionOptions{Notes: "unsalvageable"})
		assert.NoError(t, err)
		assert.Equal(t, models.CancelledBatchStatus, res.Batch.Status)
	})

	t.Run("CancelledItemsAreReleasedForNewBatches", func(t *testing.T) {
		f := newFixture(t)
		id := f.startedBatch(t, 201)
		_, err := f.engine.Cancel(id, service.TransitionOptions{})
		assert.NoError(t, err)

		_, err = f.batches.CreateBatch("second attempt", []int64{201}, &f.tmplID)
		assert.NoError(t, err)
	})
}

func TestTransitionEngine_History(t *testing.T) {
	f := newFixture(t)
	id := f.startedBatch(t, 101)
	f.completeStage(t, id, "sanding")
	_, err := f.engine.Transition(id, "finishing", service.TransitionOptions{Notes: "oil finish"})
	assert.NoError(t, err)

	history, err := f.engine.History(id)
	assert.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Nil(t, history[0].FromStage)
	assert.Equal(t, "sanding", history[0].ToStage)
	assert.Equal(t, "sanding", *history[1].FromStage)
	assert.Equal(t, "finishing", history[1].ToStage)
	assert.Equal(t, "oil finish", history[1].Notes)

	_, err = f.engine.History(999)
	assert.Equal(t, service.ErrCodeBatchNotFound, service.CodeOf(err))
}

func TestTransitionEngine_NoTemplateBatches(t *testing.T) {
	f := newFixture(t)
	id, err := f.batches.CreateBatch("prototype", []int64{301}, nil)
	assert.NoError(t, err)

	t.Run("StageLabelRequired", func(t *testing.T) {
		_, err := f.batches.StartBatch(id, "", service.TransitionOptions{})
		assert.Equal(t, service.ErrCodeValidation, service.CodeOf(err))
	})

	t.Run("FreeFormLabelsAccepted", func(t *testing.T) {
		res, err := f.batches.StartBatch(id, "carving", service.TransitionOptions{})
		assert.NoError(t, err)
		assert.Equal(t, "carving", res.Batch.StageName())
		assert.Len(t, res.CreatedTasks, 1)

		f.completeStage(t, id, "carving")
		_, err = f.engine.Transition(id, "experimental finish", service.TransitionOptions{})
		assert.NoError(t, err)
	})

	t.Run("CompleteFlagFinishesBatch", func(t *testing.T) {
		f.completeStage(t, id, "experimental finish")
		res, err := f.engine.Transition(id, "done", service.TransitionOptions{Complete: true})
		assert.NoError(t, err)
		assert.Equal(t, models.CompletedBatchStatus, res.Batch.Status)
	})
}
