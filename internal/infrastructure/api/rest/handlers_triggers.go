package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Aroton/AroMCP-sub001/internal/infrastructure/logger"
	"github.com/Aroton/AroMCP-sub001/pkg/trigger"
)

// TriggerHandlers manages cron triggers that start workflows on a schedule.
type TriggerHandlers struct {
	scheduler *trigger.CronScheduler
	logger    *logger.Logger
}

// NewTriggerHandlers creates a TriggerHandlers instance.
func NewTriggerHandlers(scheduler *trigger.CronScheduler, log *logger.Logger) *TriggerHandlers {
	return &TriggerHandlers{scheduler: scheduler, logger: log}
}

// HandleAddTrigger handles PUT /api/v1/triggers/:id
func (h *TriggerHandlers) HandleAddTrigger(c *gin.Context) {
	var req struct {
		Workflow string                 `json:"workflow"`
		Schedule string                 `json:"schedule"`
		Inputs   map[string]interface{} `json:"inputs"`
		Enabled  *bool                  `json:"enabled"`
	}
	if err := bindJSON(c, &req); err != nil {
		return
	}
	if req.Workflow == "" || req.Schedule == "" {
		respondAPIError(c, ErrMissingParameter)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	t := &trigger.Trigger{
		ID:           c.Param("id"),
		WorkflowName: req.Workflow,
		Schedule:     req.Schedule,
		Inputs:       req.Inputs,
		Enabled:      enabled,
	}
	if err := h.scheduler.AddTrigger(t); err != nil {
		respondAPIError(c, NewAPIError("INVALID_SCHEDULE", err.Error(), http.StatusBadRequest))
		return
	}

	h.logger.Info("trigger registered", "trigger_id", t.ID, "workflow", t.WorkflowName, "schedule", t.Schedule)
	respondJSON(c, http.StatusOK, gin.H{"id": t.ID, "enabled": enabled})
}

// HandleRemoveTrigger handles DELETE /api/v1/triggers/:id
func (h *TriggerHandlers) HandleRemoveTrigger(c *gin.Context) {
	h.scheduler.RemoveTrigger(c.Param("id"))
	c.Status(http.StatusNoContent)
}
