package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Aroton/AroMCP-sub001/internal/infrastructure/logger"
	"github.com/Aroton/AroMCP-sub001/pkg/engine"
	"github.com/Aroton/AroMCP-sub001/pkg/state"
)

// ExecutionHandlers serves the instance-side Public API: start,
// get_next_step, step_complete, update_state, pause/resume/cancel, status,
// list_sub_agents, and the tracker export.
type ExecutionHandlers struct {
	engine *engine.Engine
	logger *logger.Logger
}

// NewExecutionHandlers creates an ExecutionHandlers instance.
func NewExecutionHandlers(eng *engine.Engine, log *logger.Logger) *ExecutionHandlers {
	return &ExecutionHandlers{engine: eng, logger: log}
}

// HandleStart handles POST /api/v1/workflows/:name/start
func (h *ExecutionHandlers) HandleStart(c *gin.Context) {
	var req struct {
		Inputs map[string]interface{} `json:"inputs"`
	}
	if err := bindJSON(c, &req); err != nil {
		return
	}

	name := c.Param("name")
	id, err := h.engine.Start(name, req.Inputs)
	if err != nil {
		h.logger.Error("failed to start workflow", "workflow", name, "error", err, "request_id", GetRequestID(c))
		respondAPIError(c, err)
		return
	}

	h.logger.Info("workflow started", "workflow", name, "instance_id", id, "request_id", GetRequestID(c))
	respondJSON(c, http.StatusCreated, gin.H{"id": id})
}

// HandleGetNextStep handles GET /api/v1/instances/:id/next?task_id=...
func (h *ExecutionHandlers) HandleGetNextStep(c *gin.Context) {
	id := c.Param("id")
	taskID := c.Query("task_id")

	payload, err := h.engine.GetNextStep(id, taskID)
	if err != nil {
		respondAPIError(c, err)
		return
	}
	if payload == nil {
		respondJSON(c, http.StatusOK, gin.H{"step": nil})
		return
	}
	respondJSON(c, http.StatusOK, gin.H{"step": payload})
}

// HandleStepComplete handles POST /api/v1/instances/:id/steps/:step_id/complete
func (h *ExecutionHandlers) HandleStepComplete(c *gin.Context) {
	var req struct {
		Result interface{} `json:"result"`
		TaskID string      `json:"task_id"`
	}
	if err := bindJSON(c, &req); err != nil {
		return
	}

	if err := h.engine.StepComplete(c.Param("id"), req.TaskID, c.Param("step_id"), req.Result); err != nil {
		respondAPIError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, gin.H{"acknowledged": true})
}

// HandleUpdateState handles POST /api/v1/instances/:id/state
func (h *ExecutionHandlers) HandleUpdateState(c *gin.Context) {
	var req struct {
		Updates []state.UpdateOp `json:"updates"`
	}
	if err := bindJSON(c, &req); err != nil {
		return
	}

	view, err := h.engine.UpdateState(c.Param("id"), req.Updates)
	if err != nil {
		respondAPIError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, view)
}

// HandlePause handles POST /api/v1/instances/:id/pause
func (h *ExecutionHandlers) HandlePause(c *gin.Context) {
	status, err := h.engine.Pause(c.Param("id"))
	if err != nil {
		respondAPIError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, gin.H{"status": status})
}

// HandleResume handles POST /api/v1/instances/:id/resume
func (h *ExecutionHandlers) HandleResume(c *gin.Context) {
	status, err := h.engine.Resume(c.Param("id"))
	if err != nil {
		respondAPIError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, gin.H{"status": status})
}

// HandleCancel handles POST /api/v1/instances/:id/cancel
func (h *ExecutionHandlers) HandleCancel(c *gin.Context) {
	status, err := h.engine.Cancel(c.Param("id"))
	if err != nil {
		respondAPIError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, gin.H{"status": status})
}

// HandleStatus handles GET /api/v1/instances/:id
func (h *ExecutionHandlers) HandleStatus(c *gin.Context) {
	rec, err := h.engine.Status(c.Param("id"))
	if err != nil {
		respondAPIError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, rec)
}

// HandleListSubAgents handles GET /api/v1/instances/:id/sub_agents
func (h *ExecutionHandlers) HandleListSubAgents(c *gin.Context) {
	subs, err := h.engine.ListSubAgents(c.Param("id"))
	if err != nil {
		respondAPIError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, subs)
}

// HandleEvents handles GET /api/v1/instances/:id/events — the Execution
// Tracker's ring buffer, exported on demand.
func (h *ExecutionHandlers) HandleEvents(c *gin.Context) {
	events, err := h.engine.Events(c.Param("id"))
	if err != nil {
		respondAPIError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, events)
}
