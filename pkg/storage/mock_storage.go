package storage

import (
	"sort"
	"time"

	"github.com/nick-amizich/zmf-production/pkg/models"
	"github.com/pkg/errors"
)

// mockStore implements Store with in-memory storage for unit tests.
// Begin returns the same instance; there is no rollback isolation.
type mockStore struct {
	templates   []models.WorkflowTemplate
	batches     []models.Batch
	tasks       []models.Task
	transitions []models.StageTransition
	holds       []models.QualityHold
	nextTplID   int64
	nextBatchID int64
	nextTrID    int64
}

// NewMockStore returns an empty in-memory Store.
func NewMockStore() Store {
	return &mockStore{}
}

func (m *mockStore) Begin() (Store, error) { return m, nil }
func (m *mockStore) Commit() error         { return nil }
func (m *mockStore) Rollback() error       { return nil }
func (m *mockStore) Close() error          { return nil }

func (m *mockStore) SaveTemplate(t models.WorkflowTemplate) (int64, error) {
	m.nextTplID++
	t.ID = m.nextTplID
	m.templates = append(m.templates, t)
	return t.ID, nil
}

func (m *mockStore) GetTemplate(id int64) (models.WorkflowTemplate, error) {
	for _, t := range m.templates {
		if t.ID == id {
			return t, nil
		}
	}
	return models.WorkflowTemplate{}, ErrNotFound
}

func (m *mockStore) ListTemplates() ([]models.WorkflowTemplate, error) {
	return append([]models.WorkflowTemplate{}, m.templates...), nil
}

func (m *mockStore) SetTemplateActive(id int64, active bool) error {
	for i, t := range m.templates {
		if t.ID == id {
			m.templates[i].IsActive = active
			m.templates[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) SaveBatch(b models.Batch) (int64, error) {
	m.nextBatchID++
	b.ID = m.nextBatchID
	m.batches = append(m.batches, b)
	return b.ID, nil
}

func (m *mockStore) GetBatch(id int64) (models.Batch, error) {
	for _, b := range m.batches {
		if b.ID == id {
			return b, nil
		}
	}
	return models.Batch{}, ErrNotFound
}

func (m *mockStore) ListBatches() ([]models.Batch, error) {
	return append([]models.Batch{}, m.batches...), nil
}

func strEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (m *mockStore) UpdateBatchStage(id int64, fromStage *string, fromStatus models.BatchStatus, toStage *string, toStatus models.BatchStatus) error {
	for i, b := range m.batches {
		if b.ID != id {
			continue
		}
		if !strEq(b.CurrentStage, fromStage) || b.Status != fromStatus {
			return ErrStaleBatch
		}
		m.batches[i].CurrentStage = toStage
		m.batches[i].Status = toStatus
		m.batches[i].UpdatedAt = time.Now()
		return nil
	}
	return ErrNotFound
}

func (m *mockStore) UpdateBatchStatus(id int64, status models.BatchStatus) error {
	for i, b := range m.batches {
		if b.ID == id {
			m.batches[i].Status = status
			m.batches[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) ItemsInActiveBatches(itemIDs []int64) ([]int64, error) {
	taken := make(map[int64]struct{})
	for _, b := range m.batches {
		if b.Status == models.CancelledBatchStatus {
			continue
		}
		for _, it := range b.ItemIDs {
			taken[it] = struct{}{}
		}
	}
	var out []int64
	for _, id := range itemIDs {
		if _, ok := taken[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *mockStore) SaveTask(t models.Task) error {
	for _, existing := range m.tasks {
		if existing.ID == t.ID {
			return errors.New("task already exists")
		}
	}
	m.tasks = append(m.tasks, t)
	return nil
}

func (m *mockStore) GetTask(id string) (models.Task, error) {
	for _, t := range m.tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return models.Task{}, ErrNotFound
}

func (m *mockStore) ListTasks(batchID int64, stage string) ([]models.Task, error) {
	var out []models.Task
	for _, t := range m.tasks {
		if t.BatchID == batchID && (stage == "" || t.Stage == stage) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockStore) UpdateTaskStatus(id string, status models.TaskStatus, actualMinutes int) error {
	for i, t := range m.tasks {
		if t.ID == id {
			m.tasks[i].Status = status
			if actualMinutes > 0 {
				m.tasks[i].ActualMinutes = actualMinutes
			}
			m.tasks[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) AssignTask(id string, workerID string) error {
	for i, t := range m.tasks {
		if t.ID == id {
			m.tasks[i].AssignedTo = &workerID
			if m.tasks[i].Status == models.PendingTaskStatus {
				m.tasks[i].Status = models.AssignedTaskStatus
			}
			m.tasks[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) SupersedeOpenTasks(batchID int64, stage string) (int64, error) {
	var n int64
	for i, t := range m.tasks {
		if t.BatchID == batchID && t.Stage == stage && t.Open() {
			m.tasks[i].Status = models.SupersededTaskStatus
			m.tasks[i].UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (m *mockStore) OpenTaskCountByWorker() (map[string]int, error) {
	counts := make(map[string]int)
	for _, t := range m.tasks {
		if t.Open() && t.AssignedTo != nil {
			counts[*t.AssignedTo]++
		}
	}
	return counts, nil
}

func (m *mockStore) SaveTransition(tr models.StageTransition) (int64, error) {
	m.nextTrID++
	tr.ID = m.nextTrID
	m.transitions = append(m.transitions, tr)
	return tr.ID, nil
}

func (m *mockStore) ListTransitions(batchID int64) ([]models.StageTransition, error) {
	var out []models.StageTransition
	for _, tr := range m.transitions {
		if tr.BatchID == batchID {
			out = append(out, tr)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TransitionTime.Before(out[j].TransitionTime)
	})
	return out, nil
}

func (m *mockStore) SaveHold(h models.QualityHold) error {
	for _, existing := range m.holds {
		if existing.ID == h.ID {
			return errors.New("hold already exists")
		}
	}
	m.holds = append(m.holds, h)
	return nil
}

func (m *mockStore) GetHold(id string) (models.QualityHold, error) {
	for _, h := range m.holds {
		if h.ID == id {
			return h, nil
		}
	}
	return models.QualityHold{}, ErrNotFound
}

func (m *mockStore) ListHolds(batchID int64) ([]models.QualityHold, error) {
	var out []models.QualityHold
	for _, h := range m.holds {
		if h.BatchID == batchID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *mockStore) OpenHolds(batchID int64) ([]models.QualityHold, error) {
	var out []models.QualityHold
	for _, h := range m.holds {
		if h.BatchID == batchID && h.Open() {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *mockStore) UpdateHold(h models.QualityHold) error {
	for i, existing := range m.holds {
		if existing.ID == h.ID {
			m.holds[i] = h
			return nil
		}
	}
	return ErrNotFound
}
