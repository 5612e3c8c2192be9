package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/nick-amizich/zmf-production/internal/config"
	"github.com/nick-amizich/zmf-production/internal/log"
	"github.com/nick-amizich/zmf-production/pkg/models"
	"github.com/nick-amizich/zmf-production/pkg/service"
	"github.com/nick-amizich/zmf-production/pkg/storage"
)

// Services bundles the production core behind the HTTP surface.
type Services struct {
	Batches   *service.BatchService
	Tasks     *service.TaskService
	Holds     *service.HoldService
	Templates *service.TemplateService
	Engine    *service.TransitionEngine
}

// NewServices wires the full service stack over a store.
func NewServices(ctx context.Context, store storage.Store, cfg config.Config, notifier service.Notifier, workers service.WorkerDirectory) *Services {
	logger := log.GetLogger()
	engine := service.NewTransitionEngine(store, logger, service.EngineConfig{
		Workers:        workers,
		Notifier:       notifier,
		SlowStageAfter: cfg.SlowStageAfter,
	})
	return &Services{
		Batches:   service.NewBatchService(store, logger, engine),
		Tasks:     service.NewTaskService(store, logger, engine),
		Holds:     service.NewHoldService(store, logger, notifier),
		Templates: service.NewTemplateService(store, logger),
		Engine:    engine,
	}
}

// NewMux registers all routes.
func NewMux(svc *Services) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/batches", BatchesHandler(svc))
	mux.HandleFunc("/batches/", BatchByIDHandler(svc))
	mux.HandleFunc("/holds", HoldsHandler(svc))
	mux.HandleFunc("/holds/", HoldByIDHandler(svc))
	mux.HandleFunc("/tasks/", TaskByIDHandler(svc))
	mux.HandleFunc("/templates", TemplatesHandler(svc))
	mux.HandleFunc("/templates/", TemplateByIDHandler(svc))
	return mux
}

// StartServer blocks serving the production API on the given port.
func StartServer(ctx context.Context, port string, store storage.Store, cfg config.Config, notifier service.Notifier, workers service.WorkerDirectory) error {
	svc := NewServices(ctx, store, cfg, notifier, workers)
	log.GetLogger().Infof("Starting production server on :%s", port)
	return http.ListenAndServe(":"+port, NewMux(svc))
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("production server is running"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

type errorBody struct {
	Error string            `json:"error"`
	Code  service.ErrorCode `json:"code,omitempty"`
}

// writeError maps the service error taxonomy onto HTTP statuses: not-found
// codes to 404, state conflicts to 409, validation to 422, everything
// untyped to 500.
func writeError(w http.ResponseWriter, err error) {
	code := service.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case service.ErrCodeBatchNotFound, service.ErrCodeHoldNotFound, service.ErrCodeTemplateNotFound:
		status = http.StatusNotFound
	case service.ErrCodeInvalidState, service.ErrCodeBlockedByHold, service.ErrCodeNonSequentialTransition,
		service.ErrCodeIncompleteTasks, service.ErrCodeConcurrentModification:
		status = http.StatusConflict
	case service.ErrCodeUnknownStage, service.ErrCodeItemAlreadyBatched, service.ErrCodeValidation:
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		log.GetLogger().Errorf("Request failed: %v", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

type createBatchRequest struct {
	Name               string  `json:"name"`
	ItemIDs            []int64 `json:"item_ids"`
	WorkflowTemplateID *int64  `json:"workflow_template_id,omitempty"`
}

func BatchesHandler(svc *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			batches, err := svc.Batches.ListBatches()
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, batches)
		case http.MethodPost:
			var req createBatchRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid JSON body", http.StatusBadRequest)
				return
			}
			id, err := svc.Batches.CreateBatch(req.Name, req.ItemIDs, req.WorkflowTemplateID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

type transitionRequest struct {
	ToStage  string `json:"to_stage"`
	Notes    string `json:"notes,omitempty"`
	ActorID  string `json:"actor_id,omitempty"`
	Override bool   `json:"override,omitempty"`
	Complete bool   `json:"complete,omitempty"`
}

func (req *transitionRequest) options() service.TransitionOptions {
	return service.TransitionOptions{
		Notes:    req.Notes,
		ActorID:  req.ActorID,
		Type:     models.ManualTransition,
		Override: req.Override,
		Complete: req.Complete,
	}
}

// BatchByIDHandler serves /batches/{id} and its sub-resources:
// start, transition, cancel, tasks, holds, history.
func BatchByIDHandler(svc *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/batches/")
		parts := strings.SplitN(rest, "/", 2)
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			http.Error(w, "invalid batch id", http.StatusBadRequest)
			return
		}
		sub := ""
		if len(parts) == 2 {
			sub = parts[1]
		}

		switch {
		case sub == "" && r.Method == http.MethodGet:
			b, err := svc.Batches.GetBatch(id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, b)
		case sub == "start" && r.Method == http.MethodPost:
			var req transitionRequest
			if r.ContentLength > 0 {
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					http.Error(w, "invalid JSON body", http.StatusBadRequest)
					return
				}
			}
			result, err := svc.Batches.StartBatch(id, req.ToStage, req.options())
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, result)
		case sub == "transition" && r.Method == http.MethodPost:
			var req transitionRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid JSON body", http.StatusBadRequest)
				return
			}
			result, err := svc.Engine.Transition(id, req.ToStage, req.options())
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, result)
		case sub == "cancel" && r.Method == http.MethodPost:
			var req transitionRequest
			if r.ContentLength > 0 {
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					http.Error(w, "invalid JSON body", http.StatusBadRequest)
					return
				}
			}
			result, err := svc.Engine.Cancel(id, req.options())
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, result)
		case sub == "tasks" && r.Method == http.MethodGet:
			tasks, err := svc.Tasks.ListTasks(id, r.URL.Query().Get("stage"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, tasks)
		case sub == "holds" && r.Method == http.MethodGet:
			holds, err := svc.Holds.ListHolds(id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, holds)
		case sub == "history" && r.Method == http.MethodGet:
			history, err := svc.Engine.History(id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, history)
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}
}

type placeHoldRequest struct {
	BatchID     int64               `json:"batch_id"`
	OrderItemID *int64              `json:"order_item_id,omitempty"`
	Reason      string              `json:"reason"`
	Severity    models.HoldSeverity `json:"severity"`
	ReportedBy  string              `json:"reported_by"`
}

func HoldsHandler(svc *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req placeHoldRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		hold, err := svc.Holds.PlaceHold(service.PlaceHoldRequest{
			BatchID:     req.BatchID,
			OrderItemID: req.OrderItemID,
			Reason:      req.Reason,
			Severity:    req.Severity,
			ReportedBy:  req.ReportedBy,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, hold)
	}
}

type closeHoldRequest struct {
	Notes string `json:"notes"`
	Actor string `json:"actor"`
}

// HoldByIDHandler serves /holds/{id}/resolve, /holds/{id}/investigate and
// /holds/{id}/escalate.
func HoldByIDHandler(svc *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, "/holds/")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		holdID, action := parts[0], parts[1]
		var req closeHoldRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		var (
			hold models.QualityHold
			err  error
		)
		switch action {
		case "resolve":
			hold, err = svc.Holds.ResolveHold(holdID, req.Notes, req.Actor)
		case "investigate":
			hold, err = svc.Holds.Investigate(holdID, req.Actor)
		case "escalate":
			hold, err = svc.Holds.EscalateHold(holdID, req.Notes, req.Actor)
		default:
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, hold)
	}
}

type taskActionRequest struct {
	WorkerID      string `json:"worker_id,omitempty"`
	ActualMinutes int    `json:"actual_minutes,omitempty"`
}

// TaskByIDHandler serves the worker-side task moves:
// /tasks/{id}/assign, /tasks/{id}/start, /tasks/{id}/complete.
func TaskByIDHandler(svc *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		taskID, action := parts[0], parts[1]
		var req taskActionRequest
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid JSON body", http.StatusBadRequest)
				return
			}
		}
		var err error
		switch action {
		case "assign":
			err = svc.Tasks.AssignTask(taskID, req.WorkerID)
		case "start":
			err = svc.Tasks.StartTask(taskID)
		case "complete":
			err = svc.Tasks.CompleteTask(taskID, req.ActualMinutes)
		default:
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func TemplatesHandler(svc *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			templates, err := svc.Templates.ListTemplates()
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, templates)
		case http.MethodPost:
			var t models.WorkflowTemplate
			if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
				http.Error(w, "invalid JSON body", http.StatusBadRequest)
				return
			}
			id, err := svc.Templates.ImportTemplate(t)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// TemplateByIDHandler serves GET /templates/{id} and DELETE /templates/{id}
// (soft deactivation).
func TemplateByIDHandler(svc *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idStr := strings.TrimPrefix(r.URL.Path, "/templates/")
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			http.Error(w, "invalid template id", http.StatusBadRequest)
			return
		}
		switch r.Method {
		case http.MethodGet:
			t, err := svc.Templates.GetTemplate(id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, t)
		case http.MethodDelete:
			if err := svc.Templates.DeactivateTemplate(id); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}
