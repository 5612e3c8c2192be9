package service

import (
	"time"

	"github.com/nick-amizich/zmf-production/pkg/models"
	"github.com/nick-amizich/zmf-production/pkg/storage"
	"github.com/pkg/errors"
)

// TemplateService manages workflow template definitions. The transition
// engine only ever reads templates; stage definitions are immutable once
// batches reference them, so there is no edit operation — managers import a
// new template and deactivate the old one.
type TemplateService struct {
	store  storage.Store
	logger Logger
}

func NewTemplateService(store storage.Store, logger Logger) *TemplateService {
	return &TemplateService{store: store, logger: logger}
}

// ImportTemplate validates and stores a new template definition.
func (s *TemplateService) ImportTemplate(t models.WorkflowTemplate) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, stateErr(ErrCodeValidation, nil, "%v", err)
	}
	now := time.Now()
	t.IsActive = true
	t.CreatedAt = now
	t.UpdatedAt = now
	id, err := s.store.SaveTemplate(t)
	if err != nil {
		return 0, errors.Wrap(err, "save template")
	}
	s.logger.Infof("Imported workflow template '%s' with ID %d (%d stages)", t.Name, id, len(t.Stages))
	return id, nil
}

// DeactivateTemplate soft-deletes a template: existing batches keep
// following it, new batches can no longer reference it.
func (s *TemplateService) DeactivateTemplate(id int64) error {
	if err := s.store.SetTemplateActive(id, false); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return stateErr(ErrCodeTemplateNotFound, nil, "workflow template %d does not exist", id)
		}
		return err
	}
	s.logger.Infof("Deactivated workflow template %d", id)
	return nil
}

func (s *TemplateService) GetTemplate(id int64) (models.WorkflowTemplate, error) {
	t, err := s.store.GetTemplate(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.WorkflowTemplate{}, stateErr(ErrCodeTemplateNotFound, nil, "workflow template %d does not exist", id)
		}
		return models.WorkflowTemplate{}, err
	}
	return t, nil
}

func (s *TemplateService) ListTemplates() ([]models.WorkflowTemplate, error) {
	return s.store.ListTemplates()
}
