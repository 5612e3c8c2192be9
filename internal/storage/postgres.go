package storage

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/nick-amizich/zmf-production/pkg/models"
	"github.com/nick-amizich/zmf-production/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// PostgresStore implements storage.Store over either a *sqlx.DB or, after
// Begin, a *sqlx.Tx.
type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// templateStageRow is the flat shape of template_stages.
type templateStageRow struct {
	TemplateID       int64          `db:"template_id"`
	Position         int            `db:"position"`
	Name             string         `db:"name"`
	Policy           string         `db:"policy"`
	EstimatedMinutes int            `db:"estimated_minutes"`
	AutomationKind   sql.NullString `db:"automation_kind"`
	AutomationSkill  sql.NullString `db:"automation_skill"`
	AutomationTarget sql.NullString `db:"automation_target"`
	Checkpoints      pq.StringArray `db:"checkpoints"`
}

// SaveTemplate inserts the template and its ordered stage rows.
func (s *PostgresStore) SaveTemplate(t models.WorkflowTemplate) (int64, error) {
	var id int64
	err := s.db.QueryRowx(
		"INSERT INTO workflow_templates (name, is_active, created_at, updated_at) VALUES ($1, $2, $3, $4) RETURNING id",
		t.Name, t.IsActive, t.CreatedAt, t.UpdatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save template: %w", err)
	}
	for i, st := range t.Stages {
		var kind, skill, target sql.NullString
		if st.Automation != nil {
			kind = sql.NullString{String: string(st.Automation.Kind), Valid: true}
			skill = sql.NullString{String: st.Automation.Skill, Valid: st.Automation.Skill != ""}
			target = sql.NullString{String: st.Automation.Target, Valid: st.Automation.Target != ""}
		}
		policy := st.Policy
		if policy == "" {
			policy = models.StrictStagePolicy
		}
		_, err := s.db.Exec(`
			INSERT INTO template_stages (template_id, position, name, policy, estimated_minutes, automation_kind, automation_skill, automation_target, checkpoints)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			id, i, st.Name, policy, st.EstimatedMinutes, kind, skill, target, pq.StringArray(st.Checkpoints))
		if err != nil {
			return 0, fmt.Errorf("save template stage %q: %w", st.Name, err)
		}
	}
	return id, nil
}

// GetTemplate retrieves a template with its ordered stages.
func (s *PostgresStore) GetTemplate(id int64) (models.WorkflowTemplate, error) {
	var t models.WorkflowTemplate
	err := s.db.Get(&t, "SELECT id, name, is_active, created_at, updated_at FROM workflow_templates WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkflowTemplate{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowTemplate{}, err
	}
	stages, err := s.templateStages(id)
	if err != nil {
		return models.WorkflowTemplate{}, fmt.Errorf("get template %d: %w", id, err)
	}
	t.Stages = stages
	return t, nil
}

func (s *PostgresStore) templateStages(templateID int64) ([]models.Stage, error) {
	var rows []templateStageRow
	err := s.db.Select(&rows, "SELECT * FROM template_stages WHERE template_id = $1 ORDER BY position", templateID)
	if err != nil {
		return nil, err
	}
	stages := make([]models.Stage, 0, len(rows))
	for _, r := range rows {
		st := models.Stage{
			Name:             r.Name,
			Policy:           models.StagePolicy(r.Policy),
			EstimatedMinutes: r.EstimatedMinutes,
			Checkpoints:      []string(r.Checkpoints),
		}
		if r.AutomationKind.Valid {
			st.Automation = &models.AutomationRule{
				Kind:   models.AutomationKind(r.AutomationKind.String),
				Skill:  r.AutomationSkill.String,
				Target: r.AutomationTarget.String,
			}
		}
		stages = append(stages, st)
	}
	return stages, nil
}

func (s *PostgresStore) ListTemplates() ([]models.WorkflowTemplate, error) {
	templates := []models.WorkflowTemplate{}
	err := s.db.Select(&templates, "SELECT id, name, is_active, created_at, updated_at FROM workflow_templates ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	for i := range templates {
		stages, err := s.templateStages(templates[i].ID)
		if err != nil {
			return nil, err
		}
		templates[i].Stages = stages
	}
	return templates, nil
}

func (s *PostgresStore) SetTemplateActive(id int64, active bool) error {
	res, err := s.db.Exec("UPDATE workflow_templates SET is_active = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2", active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SaveBatch inserts the batch and its item membership rows.
func (s *PostgresStore) SaveBatch(b models.Batch) (int64, error) {
	var id int64
	err := s.db.QueryRowx(
		"INSERT INTO batches (name, workflow_template_id, current_stage, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id",
		b.Name, b.WorkflowTemplateID, b.CurrentStage, b.Status, b.CreatedAt, b.UpdatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save batch: %w", err)
	}
	for _, itemID := range b.ItemIDs {
		if _, err := s.db.Exec("INSERT INTO batch_items (batch_id, order_item_id) VALUES ($1, $2)", id, itemID); err != nil {
			return 0, fmt.Errorf("save batch item %d: %w", itemID, err)
		}
	}
	return id, nil
}

// GetBatch retrieves a batch including its item membership.
func (s *PostgresStore) GetBatch(id int64) (models.Batch, error) {
	var b models.Batch
	err := s.db.Get(&b, "SELECT id, name, workflow_template_id, current_stage, status, created_at, updated_at FROM batches WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Batch{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Batch{}, err
	}
	err = s.db.Select(&b.ItemIDs, "SELECT order_item_id FROM batch_items WHERE batch_id = $1 ORDER BY order_item_id", id)
	if err != nil {
		return models.Batch{}, fmt.Errorf("get batch %d items: %w", id, err)
	}
	return b, nil
}

func (s *PostgresStore) ListBatches() ([]models.Batch, error) {
	batches := []models.Batch{}
	err := s.db.Select(&batches, "SELECT id, name, workflow_template_id, current_stage, status, created_at, updated_at FROM batches ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	for i := range batches {
		err = s.db.Select(&batches[i].ItemIDs, "SELECT order_item_id FROM batch_items WHERE batch_id = $1 ORDER BY order_item_id", batches[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return batches, nil
}

// UpdateBatchStage applies the stage/status swap only when the row still
// matches the expected values; otherwise storage.ErrStaleBatch.
func (s *PostgresStore) UpdateBatchStage(id int64, fromStage *string, fromStatus models.BatchStatus, toStage *string, toStatus models.BatchStatus) error {
	res, err := s.db.Exec(`
		UPDATE batches
		SET current_stage = $1, status = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $3 AND current_stage IS NOT DISTINCT FROM $4 AND status = $5`,
		toStage, toStatus, id, fromStage, fromStatus)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := s.GetBatch(id); gerr != nil {
			return gerr
		}
		return storage.ErrStaleBatch
	}
	return nil
}

func (s *PostgresStore) UpdateBatchStatus(id int64, status models.BatchStatus) error {
	res, err := s.db.Exec("UPDATE batches SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2", status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ItemsInActiveBatches(itemIDs []int64) ([]int64, error) {
	var taken []int64
	err := s.db.Select(&taken, `
		SELECT DISTINCT bi.order_item_id
		FROM batch_items bi
		JOIN batches b ON b.id = bi.batch_id
		WHERE b.status != 'cancelled' AND bi.order_item_id = ANY($1)
		ORDER BY bi.order_item_id`,
		pq.Array(itemIDs))
	if err != nil {
		return nil, err
	}
	return taken, nil
}

func (s *PostgresStore) SaveTask(t models.Task) error {
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, batch_id, order_item_id, stage, status, assigned_to, estimated_minutes, actual_minutes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.BatchID, t.OrderItemID, t.Stage, t.Status, t.AssignedTo, t.EstimatedMinutes, t.ActualMinutes, t.CreatedAt, t.UpdatedAt)
	return err
}

func (s *PostgresStore) GetTask(id string) (models.Task, error) {
	var t models.Task
	err := s.db.Get(&t, "SELECT * FROM tasks WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, err
	}
	return t, nil
}

func (s *PostgresStore) ListTasks(batchID int64, stage string) ([]models.Task, error) {
	tasks := []models.Task{}
	var err error
	if stage == "" {
		err = s.db.Select(&tasks, "SELECT * FROM tasks WHERE batch_id = $1 ORDER BY created_at, order_item_id", batchID)
	} else {
		err = s.db.Select(&tasks, "SELECT * FROM tasks WHERE batch_id = $1 AND stage = $2 ORDER BY created_at, order_item_id", batchID, stage)
	}
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *PostgresStore) UpdateTaskStatus(id string, status models.TaskStatus, actualMinutes int) error {
	res, err := s.db.Exec(`
		UPDATE tasks
		SET status = $1,
		actual_minutes = CASE WHEN $2 > 0 THEN $3 ELSE actual_minutes END,
		updated_at = CURRENT_TIMESTAMP
		WHERE id = $4`,
		// postgres treats the parameters of the CASE clause as separate, so the minutes value is passed twice
		status, actualMinutes, actualMinutes, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AssignTask(id string, workerID string) error {
	res, err := s.db.Exec(`
		UPDATE tasks
		SET assigned_to = $1,
		status = CASE WHEN status = 'pending' THEN 'assigned' ELSE status END,
		updated_at = CURRENT_TIMESTAMP
		WHERE id = $2`,
		workerID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SupersedeOpenTasks(batchID int64, stage string) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE tasks
		SET status = 'superseded', updated_at = CURRENT_TIMESTAMP
		WHERE batch_id = $1 AND stage = $2 AND status NOT IN ('completed', 'superseded')`,
		batchID, stage)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) OpenTaskCountByWorker() (map[string]int, error) {
	var rows []struct {
		AssignedTo string `db:"assigned_to"`
		Count      int    `db:"count"`
	}
	err := s.db.Select(&rows, `
		SELECT assigned_to, COUNT(*) AS count
		FROM tasks
		WHERE assigned_to IS NOT NULL AND status NOT IN ('completed', 'superseded')
		GROUP BY assigned_to`)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.AssignedTo] = r.Count
	}
	return counts, nil
}

// SaveTransition appends a history row. There is no update or delete.
func (s *PostgresStore) SaveTransition(tr models.StageTransition) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO stage_transitions (batch_id, from_stage, to_stage, transition_type, override, actor_id, notes, transition_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		tr.BatchID, tr.FromStage, tr.ToStage, tr.Type, tr.Override, tr.ActorID, tr.Notes, tr.TransitionTime).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save stage transition: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ListTransitions(batchID int64) ([]models.StageTransition, error) {
	transitions := []models.StageTransition{}
	err := s.db.Select(&transitions, "SELECT * FROM stage_transitions WHERE batch_id = $1 ORDER BY transition_time, id", batchID)
	if err != nil {
		return nil, err
	}
	return transitions, nil
}

func (s *PostgresStore) SaveHold(h models.QualityHold) error {
	_, err := s.db.Exec(`
		INSERT INTO quality_holds (id, batch_id, order_item_id, hold_reason, severity, status, reported_by, assigned_to, resolution_notes, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		h.ID, h.BatchID, h.OrderItemID, h.HoldReason, h.Severity, h.Status, h.ReportedBy, h.AssignedTo, h.ResolutionNotes, h.CreatedAt, h.ResolvedAt)
	return err
}

func (s *PostgresStore) GetHold(id string) (models.QualityHold, error) {
	var h models.QualityHold
	err := s.db.Get(&h, "SELECT * FROM quality_holds WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.QualityHold{}, storage.ErrNotFound
	}
	if err != nil {
		return models.QualityHold{}, err
	}
	return h, nil
}

func (s *PostgresStore) ListHolds(batchID int64) ([]models.QualityHold, error) {
	holds := []models.QualityHold{}
	err := s.db.Select(&holds, "SELECT * FROM quality_holds WHERE batch_id = $1 ORDER BY created_at", batchID)
	if err != nil {
		return nil, err
	}
	return holds, nil
}

func (s *PostgresStore) OpenHolds(batchID int64) ([]models.QualityHold, error) {
	holds := []models.QualityHold{}
	err := s.db.Select(&holds, "SELECT * FROM quality_holds WHERE batch_id = $1 AND status IN ('active', 'investigating') ORDER BY created_at", batchID)
	if err != nil {
		return nil, err
	}
	return holds, nil
}

func (s *PostgresStore) UpdateHold(h models.QualityHold) error {
	res, err := s.db.Exec(`
		UPDATE quality_holds
		SET status = $1, assigned_to = $2, resolution_notes = $3, resolved_at = $4
		WHERE id = $5`,
		h.Status, h.AssignedTo, h.ResolutionNotes, h.ResolvedAt, h.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
