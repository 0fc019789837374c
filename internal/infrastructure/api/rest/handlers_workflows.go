package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Aroton/AroMCP-sub001/internal/infrastructure/logger"
	"github.com/Aroton/AroMCP-sub001/pkg/loader"
	"github.com/Aroton/AroMCP-sub001/pkg/models"
)

// WorkflowHandlers serves the definition-side Public API methods:
// list_workflows and get_info.
type WorkflowHandlers struct {
	registry *loader.Registry
	logger   *logger.Logger
}

// NewWorkflowHandlers creates a WorkflowHandlers instance.
func NewWorkflowHandlers(registry *loader.Registry, log *logger.Logger) *WorkflowHandlers {
	return &WorkflowHandlers{registry: registry, logger: log}
}

// HandleListWorkflows handles GET /api/v1/workflows
func (h *WorkflowHandlers) HandleListWorkflows(c *gin.Context) {
	respondJSON(c, http.StatusOK, h.registry.List())
}

// workflowInfo is get_info's response shape: the full definition minus
// step bodies.
type workflowInfo struct {
	Name          string                                 `json:"name"`
	Version       string                                 `json:"version,omitempty"`
	Description   string                                 `json:"description,omitempty"`
	Inputs        map[string]models.InputSpec            `json:"inputs,omitempty"`
	DefaultState  map[string]interface{}                 `json:"default_state,omitempty"`
	StateSchema   map[string]models.ComputedFieldSpec    `json:"state_schema,omitempty"`
	SubAgentTasks []string                               `json:"sub_agent_tasks,omitempty"`
	Config        models.WorkflowConfigSpec              `json:"config,omitempty"`
	StepCount     int                                    `json:"step_count"`
}

// HandleGetWorkflow handles GET /api/v1/workflows/:name
func (h *WorkflowHandlers) HandleGetWorkflow(c *gin.Context) {
	name := c.Param("name")
	def, ok := h.registry.Get(name)
	if !ok {
		respondAPIError(c, models.ErrWorkflowNotFound)
		return
	}

	info := workflowInfo{
		Name:         def.Name,
		Version:      def.Version,
		Description:  def.Description,
		Inputs:       def.Inputs,
		DefaultState: def.DefaultState,
		StateSchema:  def.StateSchema,
		Config:       def.Config,
		StepCount:    len(def.Steps),
	}
	for taskName := range def.SubAgentTasks {
		info.SubAgentTasks = append(info.SubAgentTasks, taskName)
	}
	respondJSON(c, http.StatusOK, info)
}
