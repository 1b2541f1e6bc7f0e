// Package handlers implements the HTTP handlers of the rollout API
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lattiam/rollout/internal/apiserver/types"
	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/pkg/logging"
)

// ExecutionHandler serves the execution and assessment endpoints
type ExecutionHandler struct {
	service interfaces.ExecutionService
	prefix  string
	logger  *logging.Logger
}

// NewExecutionHandler creates a handler mounted under prefix
func NewExecutionHandler(service interfaces.ExecutionService, prefix string) (*ExecutionHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("execution service is required")
	}
	return &ExecutionHandler{
		service: service,
		prefix:  prefix,
		logger:  logging.NewLogger("execution-handler"),
	}, nil
}

// Create queues a new execution
func (h *ExecutionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req types.ExecutionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		WriteServiceError(w, err)
		return
	}

	e, err := h.service.Submit(r.Context(), req.Plan, req.Environment)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	location := types.ExecutionPath(h.prefix, e.ID)
	w.Header().Set("Location", location)
	WriteJSON(w, http.StatusCreated, types.SubmitResponse{
		ID:         e.ID,
		Status:     e.Status,
		QueueDepth: h.service.QueueMetrics().CurrentDepth,
		Location:   location,
	})
}

// List returns executions matching the query filter, newest first
func (h *ExecutionHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := types.ParseFilter(r.URL.Query())
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	list, err := h.service.List(r.Context(), filter)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	resp := types.ExecutionListResponse{
		Executions: make([]types.ExecutionSummary, 0, len(list)),
		Count:      len(list),
	}
	for _, e := range list {
		resp.Executions = append(resp.Executions, types.NewExecutionSummary(e))
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Get returns the full record of one execution
func (h *ExecutionHandler) Get(w http.ResponseWriter, r *http.Request) {
	e, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, e)
}

// Cancel requests cancellation. The outcome is observed by polling.
func (h *ExecutionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.Cancel(r.Context(), id); err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": "cancellation_requested",
	})
}

// Rollback forces a rollback. A local rollback answers 200 with its result;
// one delegated to a remote worker answers 202.
func (h *ExecutionHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req types.RollbackRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "operator requested rollback"
	}

	h.logger.Info("Forced rollback of execution %s requested: %s", id, req.Reason)
	result, err := h.service.ForceRollback(r.Context(), id, req.Reason)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	if result == nil {
		WriteJSON(w, http.StatusAccepted, types.RollbackResponse{ExecutionID: id, Accepted: true})
		return
	}
	WriteJSON(w, http.StatusOK, types.RollbackResponse{ExecutionID: id, Result: result})
}

// Approve resolves the manual approval gate an execution is paused at
func (h *ExecutionHandler) Approve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req types.ApprovalRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.service.Approve(r.Context(), id, req.Decision); err != nil {
		WriteServiceError(w, err)
		return
	}
	h.logger.Info("Execution %s approval resolved: %s", id, req.Decision)
	WriteJSON(w, http.StatusAccepted, map[string]string{
		"id":       id,
		"decision": string(req.Decision),
	})
}

// CreateAssessment previews risk, strategy and order without queueing
func (h *ExecutionHandler) CreateAssessment(w http.ResponseWriter, r *http.Request) {
	var req types.ExecutionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		WriteServiceError(w, err)
		return
	}

	a, err := h.service.Assess(r.Context(), req.Plan, req.Environment)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, a)
}

// QueueMetrics reports the state of the submission queue
func (h *ExecutionHandler) QueueMetrics(w http.ResponseWriter, _ *http.Request) {
	m := h.service.QueueMetrics()
	resp := map[string]interface{}{
		"total_enqueued":    m.TotalEnqueued,
		"total_dequeued":    m.TotalDequeued,
		"current_depth":     m.CurrentDepth,
		"average_wait_time": m.AverageWaitTime.String(),
	}
	if !m.OldestSubmission.IsZero() {
		resp["oldest_submission"] = m.OldestSubmission
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (h *ExecutionHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		msg := "Invalid request body"
		if errors.Is(err, io.EOF) {
			msg = "Request body is empty"
		}
		WriteError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("%s: %v", msg, err))
		return false
	}
	return true
}
