package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Aroton/AroMCP-sub001/pkg/exprlang"
	"github.com/Aroton/AroMCP-sub001/pkg/models"
	"github.com/Aroton/AroMCP-sub001/pkg/state"
	"github.com/Aroton/AroMCP-sub001/pkg/template"
)

// WorkflowLookup resolves a workflow name to its parsed definition — the
// Engine's only dependency on the Workflow Loader, kept narrow so the
// loader's hot-reload machinery stays decoupled from instance lifecycle.
type WorkflowLookup interface {
	Get(name string) (*models.WorkflowDefinition, bool)
}

// Engine owns every live workflow instance and drives them
// through the Step Registry's scheduler. One Engine per process.
type Engine struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	registry  *Registry
	loader    WorkflowLookup
	tracker   *Tracker

	maxIterationsDefault int
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithMaxIterations overrides the default loop-iteration cap applied to
// loops that don't declare their own (AROMCP_MAX_ITERATIONS).
func WithMaxIterations(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxIterationsDefault = n
		}
	}
}

// NewEngine wires a registry and a workflow lookup into a ready Engine.
func NewEngine(loader WorkflowLookup, opts ...Option) *Engine {
	e := &Engine{
		instances:            make(map[string]*Instance),
		registry:             NewRegistry(),
		loader:               loader,
		tracker:              NewTracker(),
		maxIterationsDefault: defaultMaxIterations,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tracker exposes the shared Execution Tracker, e.g. for the RPC surface's
// WebSocket export.
func (e *Engine) Tracker() *Tracker { return e.tracker }

// newInstanceID mints a "wf_" + 8 lowercase hex id, retrying on the
// (unlikely) collision within this process.
func (e *Engine) newInstanceID() string {
	for {
		id := "wf_" + uuid.NewString()[:8]
		if _, taken := e.instances[id]; !taken {
			return id
		}
	}
}

// Start validates inputs against the definition's schema, initialises
// tiers, recomputes computed fields, queues the root steps, and
// transitions the instance to Running.
func (e *Engine) Start(workflowName string, inputs map[string]interface{}) (string, error) {
	def, ok := e.loader.Get(workflowName)
	if !ok {
		return "", models.ErrWorkflowNotFound
	}
	resolved, err := resolveInputs(def, inputs)
	if err != nil {
		return "", err
	}

	graph, err := state.BuildGraph(def.StateSchema)
	if err != nil {
		return "", err
	}
	tiers := state.NewTiers(resolved, cloneDefaultState(def.DefaultState), graph)

	now := time.Now()
	evaluator := exprlang.NewEvaluator(exprlang.DefaultLimits)
	inst := &Instance{
		Status:        models.StatusRunning,
		Def:           def,
		Tiers:         tiers,
		CallStack:     []*models.ExecutionFrame{{Steps: def.Steps}},
		CreatedAt:     now,
		StartedAt:     &now,
		Tracker:       e.tracker,
		MaxIterations: e.maxIterationsDefault,
		templates:     template.NewProcessor(evaluator),
		evaluator:     evaluator,
	}

	e.mu.Lock()
	inst.ID = e.newInstanceID()
	e.instances[inst.ID] = inst
	e.mu.Unlock()

	if e.tracker != nil {
		e.tracker.Record(inst.ID, models.EventInstanceStatus, "", map[string]interface{}{"status": string(models.StatusRunning)})
	}
	return inst.ID, nil
}

func resolveInputs(def *models.WorkflowDefinition, given map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(def.Inputs))
	var verrs models.ValidationErrors
	for name, spec := range def.Inputs {
		v, present := given[name]
		if !present {
			if spec.Required {
				verrs = append(verrs, models.ValidationError{Field: name, Message: "required input missing"})
				continue
			}
			v = spec.Default
		}
		out[name] = v
	}
	for name, v := range given {
		if _, declared := def.Inputs[name]; !declared {
			out[name] = v
		}
	}
	if len(verrs) > 0 {
		return nil, verrs
	}
	return out, nil
}

// resolve looks up an instance by id, or a sub-agent of it by taskID.
func (e *Engine) resolve(id, taskID string) (*Instance, error) {
	e.mu.RLock()
	inst, ok := e.instances[id]
	e.mu.RUnlock()
	if !ok {
		return nil, models.ErrInstanceNotFound
	}
	if taskID == "" {
		return inst, nil
	}
	inst.mu.Lock()
	sub, ok := inst.SubAgents[taskID]
	inst.mu.Unlock()
	if !ok {
		return nil, models.ErrSubAgentNotFound
	}
	return sub, nil
}

// GetNextStep drives the scheduler for the targeted instance or sub-agent,
// returning (nil, nil) when there is nothing to emit: the instance is
// terminal, paused, or (for a root) waiting on its sub-agents.
func (e *Engine) GetNextStep(id, taskID string) (*models.StepPayload, error) {
	inst, err := e.resolve(id, taskID)
	if err != nil {
		return nil, err
	}

	inst.mu.Lock()
	if taskID == "" {
		for _, f := range inst.fanouts {
			f.checkTimeouts(inst)
		}
	}

	switch inst.Status {
	case models.StatusRunning:
		// fall through to drain
	case models.StatusPending:
		// a queued sub-agent beyond the fanout's max_parallel window: the
		// client polls again once a sibling finishes.
		inst.mu.Unlock()
		return nil, nil
	default:
		// terminal, Paused, or WaitingForClient: nothing to emit here.
		inst.mu.Unlock()
		return nil, nil
	}

	payload, derr := e.registry.drain(inst)
	if payload != nil && inst.ParentID != "" {
		// Sub-agent step ids are namespaced under their task id.
		payload.ID = inst.ID + ":" + payload.ID
	}
	terminal := inst.Status.IsTerminal()
	parentID := inst.ParentID
	subID := inst.ID
	inst.mu.Unlock()

	// A sub-agent that just terminated advances its parent's fanout window
	// and, at the barrier, triggers aggregation. The sub lock is released
	// first so lock order is always one instance at a time.
	if terminal && parentID != "" {
		if parent, perr := e.resolve(parentID, ""); perr == nil {
			parent.mu.Lock()
			onSubAgentTerminal(parent, subID)
			parent.mu.Unlock()
		}
	}

	if derr != nil {
		return nil, derr
	}
	return payload, nil
}

// StepComplete records a client-supplied result against the step the
// instance is currently suspended on, making it available to the next
// handler dispatch (e.g. the state_update following a user_input) via
// `this.result` and the reserved source tokens.
func (e *Engine) StepComplete(id, taskID, stepID string, result interface{}) error {
	inst, err := e.resolve(id, taskID)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	// Sub-agent step ids arrive namespaced as "<task_id>:<step_id>".
	if taskID != "" {
		stepID = strings.TrimPrefix(stepID, taskID+":")
	}

	if stepID != "" {
		if sd, ferr := inst.Def.FindStep(stepID); ferr == nil && sd.Type == models.StepUserInput {
			if verr := e.acceptUserInput(inst, sd, result); verr != nil {
				return verr
			}
		}
	}

	inst.LastResult = &StepResult{Raw: result, Success: true}
	if m, ok := result.(map[string]interface{}); ok {
		if rc, ok := m["returncode"].(float64); ok {
			inst.LastResult.ReturnCode = int(rc)
		}
		if s, ok := m["success"].(bool); ok {
			inst.LastResult.Success = s
		}
	}
	if e.tracker != nil {
		e.tracker.Record(inst.ID, models.EventStepCompleted, stepID, nil)
	}
	return nil
}

// acceptUserInput validates a user_input reply against the step's declared
// input_type/choices and stores it under the step's variable. A reply that
// fails validation is rejected back to the client until max_retries is
// exhausted, at which point the instance fails.
func (e *Engine) acceptUserInput(inst *Instance, sd *models.StepDefinition, result interface{}) error {
	if verr := validateUserInput(sd, result); verr != nil {
		maxRetries := 0
		if m, ok := sd.Definition["max_retries"].(float64); ok {
			maxRetries = int(m)
		}
		if inst.RetryCounts == nil {
			inst.RetryCounts = make(map[string]int)
		}
		inst.RetryCounts[sd.ID]++
		if inst.RetryCounts[sd.ID] > maxRetries {
			werr := models.NewWorkflowError(models.ErrorKindStepExecution, sd.ID, "user_input validation failed after retries: "+verr.Error(), verr)
			inst.fail(werr)
			return werr
		}
		return models.NewWorkflowError(models.ErrorKindValidation, sd.ID, verr.Error(), verr)
	}

	if varName, _ := sd.Definition["variable"].(string); varName != "" {
		return inst.Tiers.ApplyUpdates([]state.UpdateOp{{Path: "state." + varName, Operation: "set", Value: result}})
	}
	return nil
}

func validateUserInput(sd *models.StepDefinition, result interface{}) error {
	inputType, _ := sd.Definition["input_type"].(string)
	switch inputType {
	case "", "string":
		if _, ok := result.(string); !ok && result != nil {
			return fmt.Errorf("expected a string value")
		}
	case "number":
		if _, ok := result.(float64); !ok {
			return fmt.Errorf("expected a number value")
		}
	case "boolean":
		if _, ok := result.(bool); !ok {
			return fmt.Errorf("expected a boolean value")
		}
	case "choice":
		choices, _ := sd.Definition["choices"].([]interface{})
		for _, c := range choices {
			if c == result {
				return nil
			}
		}
		return fmt.Errorf("value is not one of the declared choices")
	}
	return nil
}

// UpdateState applies ops directly (the Public API's update_state) and
// returns the new flattened view.
func (e *Engine) UpdateState(id string, ops []state.UpdateOp) (map[string]interface{}, error) {
	inst, err := e.resolve(id, "")
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if err := inst.Tiers.ApplyUpdates(ops); err != nil {
		return nil, err
	}
	return inst.Tiers.Flattened(), nil
}

// Pause transitions a running instance to Paused, preserving its queue.
func (e *Engine) Pause(id string) (models.InstanceStatus, error) {
	return e.transition(id, models.StatusPaused)
}

// Resume transitions a Paused or WaitingForClient instance back to Running.
func (e *Engine) Resume(id string) (models.InstanceStatus, error) {
	return e.transition(id, models.StatusRunning)
}

// Cancel transitions any non-terminal instance to Cancelled and cascades
// to its sub-agents. Cancelling an already-cancelled instance is a no-op.
func (e *Engine) Cancel(id string) (models.InstanceStatus, error) {
	inst, err := e.resolve(id, "")
	if err != nil {
		return "", err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.Status == models.StatusCancelled {
		return inst.Status, nil
	}
	if !inst.Status.CanTransitionTo(models.StatusCancelled) {
		return inst.Status, models.NewWorkflowError(models.ErrorKindInternal, "", fmt.Sprintf("cannot cancel instance in state %s", inst.Status), nil)
	}
	inst.Status = models.StatusCancelled
	now := time.Now()
	inst.CompletedAt = &now
	for _, sub := range inst.SubAgents {
		sub.mu.Lock()
		if !sub.Status.IsTerminal() {
			sub.Status = models.StatusCancelled
			sub.CompletedAt = &now
		}
		sub.mu.Unlock()
	}
	if e.tracker != nil {
		e.tracker.Record(id, models.EventInstanceStatus, "", map[string]interface{}{"status": string(models.StatusCancelled)})
	}
	return inst.Status, nil
}

func (e *Engine) transition(id string, next models.InstanceStatus) (models.InstanceStatus, error) {
	inst, err := e.resolve(id, "")
	if err != nil {
		return "", err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if !inst.Status.CanTransitionTo(next) {
		return inst.Status, models.NewWorkflowError(models.ErrorKindInternal, "", fmt.Sprintf("cannot transition from %s to %s", inst.Status, next), nil)
	}
	inst.Status = next
	if next.IsTerminal() {
		now := time.Now()
		inst.CompletedAt = &now
	}
	if e.tracker != nil {
		e.tracker.Record(id, models.EventInstanceStatus, "", map[string]interface{}{"status": string(next)})
	}
	return next, nil
}

// Status is a read-only snapshot of an instance's lifecycle state.
func (e *Engine) Status(id string) (*models.StatusRecord, error) {
	inst, err := e.resolve(id, "")
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	rec := &models.StatusRecord{ID: id, State: inst.Status, Error: inst.Error}
	if frame := inst.CurrentFrame(); frame != nil && !frame.Done() {
		rec.CurrentStepID = frame.Current().ID
	}
	rec.Progress.SubAgentsTotal = len(inst.SubAgents)
	for _, sub := range inst.SubAgents {
		if sub.Status == models.StatusCompleted {
			rec.Progress.SubAgentsDone++
		}
	}
	return rec, nil
}

// ListSubAgents reports every sub-agent fanned out from an instance.
func (e *Engine) ListSubAgents(id string) ([]models.SubAgentSummary, error) {
	inst, err := e.resolve(id, "")
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	out := make([]models.SubAgentSummary, 0, len(inst.SubAgents))
	for _, sub := range inst.SubAgents {
		s := models.SubAgentSummary{TaskID: sub.ID, Status: sub.Status, ItemIndex: sub.ItemIndex, Error: sub.Error}
		if sub.CompletedAt != nil {
			ts := sub.CompletedAt.Format(time.RFC3339)
			s.CompletedAt = &ts
		}
		out = append(out, s)
	}
	return out, nil
}

// Events exports the Execution Tracker's recorded entries for an instance.
func (e *Engine) Events(id string) ([]models.TrackerEvent, error) {
	if _, err := e.resolve(id, ""); err != nil {
		return nil, err
	}
	return e.tracker.Events(id), nil
}
