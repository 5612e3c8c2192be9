package service

import (
	"fmt"
	"sort"

	"github.com/nick-amizich/zmf-production/pkg/models"
)

// WorkerDirectory answers which workers carry a skill. Backed by the staffing
// system; the engine only reads it during auto-assignment.
type WorkerDirectory interface {
	Workers(skill string) ([]string, error)
}

// Notification is the payload handed to the notification collaborator.
type Notification struct {
	BatchID  int64                `json:"batch_id"`
	Stage    string               `json:"stage,omitempty"`
	TaskIDs  []string             `json:"task_ids,omitempty"`
	Severity models.HoldSeverity  `json:"severity,omitempty"`
	Channel  string               `json:"channel,omitempty"`
	Message  string               `json:"message"`
}

// Notifier delivers notifications. Delivery is best-effort; callers log
// failures and move on.
type Notifier interface {
	Notify(n Notification) error
}

// logNotifier is the fallback sink when no external notification system is
// wired: it writes notifications to the log.
type logNotifier struct {
	logger Logger
}

func NewLogNotifier(logger Logger) Notifier {
	return &logNotifier{logger: logger}
}

func (l *logNotifier) Notify(n Notification) error {
	l.logger.Infof("Notification [batch=%d stage=%s channel=%s]: %s", n.BatchID, n.Stage, n.Channel, n.Message)
	return nil
}

// runAutomation executes the destination stage's automation rule after a
// committed transition. Failures are logged and recorded on the outcome,
// never propagated: the tasks stay pending for manual handling.
func (e *TransitionEngine) runAutomation(stage models.Stage, b models.Batch, created []models.Task) *AutomationOutcome {
	rule := stage.Automation
	out := &AutomationOutcome{Kind: rule.Kind}
	switch rule.Kind {
	case models.AutoAssignAutomation:
		e.autoAssign(rule, created, out)
	case models.AutoAdvanceAutomation:
		// Applied when the stage's last task completes, not at stage entry.
	case models.NotifyOnlyAutomation:
		e.notifyStageEntered(rule, b, stage, created, out)
	default:
		out.Err = fmt.Sprintf("unknown automation kind %q", rule.Kind)
		e.logger.Warnf("Batch %d stage %q: %s", b.ID, stage.Name, out.Err)
	}
	return out
}

// autoAssign hands each new task to the least-loaded worker carrying the
// rule's skill.
func (e *TransitionEngine) autoAssign(rule *models.AutomationRule, created []models.Task, out *AutomationOutcome) {
	if e.cfg.Workers == nil {
		out.Err = "no worker directory configured"
		e.logger.Warnf("Auto-assign skipped: %s", out.Err)
		return
	}
	workers, err := e.cfg.Workers.Workers(rule.Skill)
	if err != nil {
		out.Err = fmt.Sprintf("worker lookup for skill %q: %v", rule.Skill, err)
		e.logger.Warnf("Auto-assign failed: %s", out.Err)
		return
	}
	if len(workers) == 0 {
		out.Err = fmt.Sprintf("no workers with skill %q", rule.Skill)
		e.logger.Warnf("Auto-assign skipped: %s", out.Err)
		return
	}
	load, err := e.store.OpenTaskCountByWorker()
	if err != nil {
		out.Err = fmt.Sprintf("load query: %v", err)
		e.logger.Warnf("Auto-assign failed: %s", out.Err)
		return
	}
	sort.Strings(workers) // deterministic tie-breaking
	out.Assignments = make(map[string]string, len(created))
	for _, t := range created {
		best := workers[0]
		for _, w := range workers[1:] {
			if load[w] < load[best] {
				best = w
			}
		}
		if err := e.store.AssignTask(t.ID, best); err != nil {
			out.Err = fmt.Sprintf("assign task %s: %v", t.ID, err)
			e.logger.Warnf("Auto-assign partial failure: %s", out.Err)
			return
		}
		out.Assignments[t.ID] = best
		load[best]++
	}
}

func (e *TransitionEngine) notifyStageEntered(rule *models.AutomationRule, b models.Batch, stage models.Stage, created []models.Task, out *AutomationOutcome) {
	if e.cfg.Notifier == nil {
		out.Err = "no notifier configured"
		e.logger.Warnf("Stage notification skipped: %s", out.Err)
		return
	}
	ids := make([]string, 0, len(created))
	for _, t := range created {
		ids = append(ids, t.ID)
	}
	n := Notification{
		BatchID: b.ID,
		Stage:   stage.Name,
		TaskIDs: ids,
		Channel: rule.Target,
		Message: fmt.Sprintf("batch %q entered stage %q", b.Name, stage.Name),
	}
	if err := e.cfg.Notifier.Notify(n); err != nil {
		out.Err = fmt.Sprintf("notify: %v", err)
		e.logger.Warnf("Stage notification failed: %s", out.Err)
		return
	}
	out.Notified = true
}
