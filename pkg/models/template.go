package models

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// StagePolicy controls whether a batch may leave a stage while tasks
// in that stage are still open.
type StagePolicy string

const (
	StrictStagePolicy  StagePolicy = "strict"  // all tasks must be completed first
	LenientStagePolicy StagePolicy = "lenient" // open tasks are superseded on advance
)

type AutomationKind string

const (
	AutoAssignAutomation  AutomationKind = "auto_assign"
	AutoAdvanceAutomation AutomationKind = "auto_advance_on_completion"
	NotifyOnlyAutomation  AutomationKind = "notify_only"
)

// AutomationRule is the optional per-stage automation, as a tagged variant
// so callers can switch exhaustively on Kind.
type AutomationRule struct {
	Kind   AutomationKind `json:"kind" yaml:"kind"`
	Skill  string         `json:"skill,omitempty" yaml:"skill,omitempty"`   // auto_assign: required worker skill
	Target string         `json:"target,omitempty" yaml:"target,omitempty"` // notify_only: notification channel
}

// Stage is a single named step of a workflow template.
type Stage struct {
	Name             string          `json:"name" yaml:"name"`
	Policy           StagePolicy     `json:"policy" yaml:"policy"`
	EstimatedMinutes int             `json:"estimated_minutes,omitempty" yaml:"estimated_minutes,omitempty"`
	Automation       *AutomationRule `json:"automation,omitempty" yaml:"automation,omitempty"`
	Checkpoints      []string        `json:"checkpoints,omitempty" yaml:"checkpoints,omitempty"` // required QC checkpoints
}

// WorkflowTemplate defines the ordered stages a batch advances through.
// Stage order is fixed once a batch references the template; templates are
// soft-deactivated, never deleted, while batches reference them.
type WorkflowTemplate struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
	Stages    []Stage   `json:"stages"` // ordered; populated from template_stages
}

// StageIndex returns the position of the named stage, or -1.
func (t *WorkflowTemplate) StageIndex(name string) int {
	for i, s := range t.Stages {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// FindStage returns the named stage definition.
func (t *WorkflowTemplate) FindStage(name string) (Stage, bool) {
	if i := t.StageIndex(name); i >= 0 {
		return t.Stages[i], true
	}
	return Stage{}, false
}

// FirstStage returns the entry stage of the template.
func (t *WorkflowTemplate) FirstStage() (Stage, bool) {
	if len(t.Stages) == 0 {
		return Stage{}, false
	}
	return t.Stages[0], true
}

// TerminalStage returns the last stage of the template.
func (t *WorkflowTemplate) TerminalStage() (Stage, bool) {
	if len(t.Stages) == 0 {
		return Stage{}, false
	}
	return t.Stages[len(t.Stages)-1], true
}

// Validate checks the structural invariants: at least one stage, unique
// stage names, known policies and automation kinds.
func (t *WorkflowTemplate) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template name cannot be empty")
	}
	if len(t.Stages) == 0 {
		return fmt.Errorf("template '%s' has no stages", t.Name)
	}
	seen := make(map[string]struct{}, len(t.Stages))
	for _, s := range t.Stages {
		if s.Name == "" {
			return fmt.Errorf("template '%s' has a stage with an empty name", t.Name)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("template '%s' has duplicate stage '%s'", t.Name, s.Name)
		}
		seen[s.Name] = struct{}{}
		switch s.Policy {
		case StrictStagePolicy, LenientStagePolicy, "":
		default:
			return fmt.Errorf("stage '%s' has unknown policy '%s'", s.Name, s.Policy)
		}
		if s.Automation != nil {
			switch s.Automation.Kind {
			case AutoAssignAutomation:
				if s.Automation.Skill == "" {
					return fmt.Errorf("stage '%s': auto_assign requires a skill", s.Name)
				}
			case AutoAdvanceAutomation, NotifyOnlyAutomation:
			default:
				return fmt.Errorf("stage '%s' has unknown automation kind '%s'", s.Name, s.Automation.Kind)
			}
		}
	}
	return nil
}

// PolicyFor returns the effective policy for a stage; unset defaults to strict.
func (t *WorkflowTemplate) PolicyFor(stage string) StagePolicy {
	if s, ok := t.FindStage(stage); ok && s.Policy == LenientStagePolicy {
		return LenientStagePolicy
	}
	return StrictStagePolicy
}

// ParseTemplate decodes a YAML template definition as produced by the
// template editor and validates it.
func ParseTemplate(data []byte) (WorkflowTemplate, error) {
	var t WorkflowTemplate
	if err := yaml.Unmarshal(data, &t); err != nil {
		return WorkflowTemplate{}, fmt.Errorf("parse template: %w", err)
	}
	if err := t.Validate(); err != nil {
		return WorkflowTemplate{}, err
	}
	return t, nil
}
