package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stafflink-ai/employee-stream/internal/engine"
	"github.com/stafflink-ai/employee-stream/internal/middleware"
	"github.com/stafflink-ai/employee-stream/internal/model"
	"github.com/stafflink-ai/employee-stream/pkg/logger"
)

// RunHandler handles the run control endpoints.
type RunHandler struct {
	engine *engine.Engine
	logger *logger.Logger
}

// NewRunHandler creates a run handler.
func NewRunHandler(e *engine.Engine, log *logger.Logger) *RunHandler {
	return &RunHandler{engine: e, logger: log}
}

// Chat handles POST /stream/employee/{employeeID}/chat. It submits a user
// message and answers with the handle of the run whose output will arrive on
// the stream.
func (h *RunHandler) Chat(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	employeeID := chi.URLParam(r, "employeeID")

	if err := middleware.ValidateEmployeeID(employeeID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Message); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.engine.StartRun(tenantID, employeeID, req.Message, req.Thinking)
	if err != nil {
		h.logger.Errorw("failed to start run",
			"tenant_id", tenantID, "employee_id", employeeID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}

	writeJSON(w, http.StatusAccepted, resp)
}

// Abort handles POST /stream/employee/{employeeID}/abort. Best effort: the
// abort outcome reaches the client as an aborted stream event, so an unknown
// run id is still a 202.
func (h *RunHandler) Abort(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	employeeID := chi.URLParam(r, "employeeID")

	if err := middleware.ValidateEmployeeID(employeeID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.AbortRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateRunID(req.RunID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !h.engine.AbortRun(req.RunID) {
		h.logger.Debugw("abort for unknown run",
			"tenant_id", tenantID, "employee_id", employeeID, "run_id", req.RunID)
	}

	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}
