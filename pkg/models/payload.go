package models

// StepPayload is the client-facing step envelope returned by
// get_next_step: every string field has already been template-substituted,
// so clients never see a raw `{{ ... }}` placeholder.
type StepPayload struct {
	ID         string                 `json:"id"`
	Type       StepType               `json:"type"`
	Definition map[string]interface{} `json:"definition"`
	Context    StepContext            `json:"context"`
}

// StepContext carries the resolved variables a client may want for display
// plus the innermost loop binding, if any.
type StepContext struct {
	VariablesResolved map[string]interface{} `json:"variables_resolved,omitempty"`
	Loop              *LoopContext            `json:"loop,omitempty"`
}

// LoopContext mirrors the innermost LoopFrame's client-visible fields.
type LoopContext struct {
	Item      interface{} `json:"item,omitempty"`
	Index     int         `json:"index"`
	Iteration int         `json:"iteration"`
}

// StatusRecord is the response shape for the Public API's `status` method.
type StatusRecord struct {
	ID            string         `json:"id"`
	State         InstanceStatus `json:"state"`
	CurrentStepID string         `json:"current_step_id,omitempty"`
	Progress      Progress       `json:"progress"`
	Error         *WorkflowError `json:"error,omitempty"`
}

// Progress is a coarse step-count summary for display purposes.
type Progress struct {
	StepsCompleted int `json:"steps_completed"`
	SubAgentsTotal int `json:"sub_agents_total,omitempty"`
	SubAgentsDone  int `json:"sub_agents_done,omitempty"`
}

// SubAgentSummary is one entry of `list_sub_agents`.
type SubAgentSummary struct {
	TaskID      string         `json:"task_id"`
	Status      InstanceStatus `json:"status"`
	ItemIndex   int            `json:"item_index"`
	Error       *WorkflowError `json:"error,omitempty"`
	CompletedAt *string        `json:"completed_at,omitempty"`
}

// WorkflowSummary is one entry of `list_workflows`.
type WorkflowSummary struct {
	Name        string               `json:"name"`
	Version     string               `json:"version,omitempty"`
	Description string               `json:"description,omitempty"`
	Inputs      map[string]InputSpec `json:"inputs_schema,omitempty"`
}
