// Package engine implements the execution core: the step registry and
// handlers, the queue/scheduler, the control-flow interpreter, the
// sub-agent coordinator, the workflow instance lifecycle, and the
// execution tracker. pkg/state and pkg/exprlang supply the state and
// expression layers these components drive.
package engine

import (
	"sync"
	"time"

	"github.com/Aroton/AroMCP-sub001/pkg/exprlang"
	"github.com/Aroton/AroMCP-sub001/pkg/models"
	"github.com/Aroton/AroMCP-sub001/pkg/state"
	"github.com/Aroton/AroMCP-sub001/pkg/template"
)

// StepResult captures the outcome of the immediately preceding step,
// backing the reserved state_update source tokens (stdout, stderr,
// returncode, full_output, success, errors) and the raw client-supplied
// result for agent_response/mcp_call/user_input completions.
type StepResult struct {
	Stdout     string
	Stderr     string
	ReturnCode int
	FullOutput string
	Success    bool
	Errors     []string
	Raw        interface{}
}

// AsThisBindings exposes the reserved tokens as a map so a `state_update`
// value expression of the form `stdout` / `returncode` / ... resolves via
// the normal `this` scope lookup.
func (r *StepResult) AsThisBindings() map[string]interface{} {
	if r == nil {
		return nil
	}
	return map[string]interface{}{
		"stdout":      r.Stdout,
		"stderr":      r.Stderr,
		"returncode":  float64(r.ReturnCode),
		"full_output": r.FullOutput,
		"success":     r.Success,
		"errors":      toInterfaceSlice(r.Errors),
		"result":      r.Raw,
	}
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// Instance is the runtime state of one workflow execution — root or
// sub-agent — carrying its own tiers, call stack, and loop stack. Both
// kinds are driven by the identical scheduler/control-flow machinery;
// Parent is nil for a root instance.
type Instance struct {
	mu sync.Mutex // at most one goroutine advances an instance at a time

	ID       string // "wf_xxxxxxxx" for roots; "<task_name>.item<N>" for sub-agents
	ParentID string
	TaskName string
	Status   models.InstanceStatus

	Def   *models.WorkflowDefinition
	Tiers *state.Tiers

	CallStack []*models.ExecutionFrame
	LoopStack []*models.LoopFrame

	Parent    *Instance
	SubAgents map[string]*Instance // task_id -> sub-agent instance

	Item      interface{}
	ItemIndex int
	ItemTotal int

	LastResult  *StepResult
	RetryCounts map[string]int
	Batch       []*models.StepPayload // accumulated consecutive user_message steps

	// MaxIterations is the loop-iteration default for loops that don't
	// declare their own (AROMCP_MAX_ITERATIONS, default 100).
	MaxIterations int

	fanouts []*fanout // active parallel_foreach windows, parent side

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       *models.WorkflowError

	Tracker *Tracker

	templates *template.Processor
	evaluator *exprlang.Evaluator
}

// CurrentFrame returns the innermost execution frame, or nil if the call
// stack is empty (instance finished).
func (inst *Instance) CurrentFrame() *models.ExecutionFrame {
	if len(inst.CallStack) == 0 {
		return nil
	}
	return inst.CallStack[len(inst.CallStack)-1]
}

// PushFrame appends a new execution frame.
func (inst *Instance) PushFrame(f *models.ExecutionFrame) {
	inst.CallStack = append(inst.CallStack, f)
}

// PopFrame removes and returns the innermost execution frame.
func (inst *Instance) PopFrame() *models.ExecutionFrame {
	if len(inst.CallStack) == 0 {
		return nil
	}
	f := inst.CallStack[len(inst.CallStack)-1]
	inst.CallStack = inst.CallStack[:len(inst.CallStack)-1]
	return f
}

// CurrentLoop returns the innermost active loop frame.
func (inst *Instance) CurrentLoop() *models.LoopFrame {
	if len(inst.LoopStack) == 0 {
		return nil
	}
	return inst.LoopStack[len(inst.LoopStack)-1]
}

// PushLoop activates a new loop frame.
func (inst *Instance) PushLoop(l *models.LoopFrame) {
	inst.LoopStack = append(inst.LoopStack, l)
}

// PopLoop deactivates the innermost loop frame.
func (inst *Instance) PopLoop() *models.LoopFrame {
	if len(inst.LoopStack) == 0 {
		return nil
	}
	l := inst.LoopStack[len(inst.LoopStack)-1]
	inst.LoopStack = inst.LoopStack[:len(inst.LoopStack)-1]
	return l
}

// UnwindToLoop pops call_stack frames until (but not past) the frame owned
// by the innermost loop, implementing break/continue's unwind rule: any
// conditional/expansion frames nested between the break/continue step and
// the loop's own body frame are discarded, so a break inside a conditional
// nested in a loop targets the enclosing loop.
func (inst *Instance) UnwindToLoop() {
	loop := inst.CurrentLoop()
	if loop == nil {
		return
	}
	for len(inst.CallStack) > 0 {
		top := inst.CallStack[len(inst.CallStack)-1]
		if top.OwningLoop == loop {
			top.Cursor = len(top.Steps) // force exhaustion; re-drive happens on pop
			return
		}
		inst.CallStack = inst.CallStack[:len(inst.CallStack)-1]
	}
}

// scope builds the exprlang.Scope this instance's current position
// evaluates against: this instance's tiers, the innermost loop's bindings
// (including a foreach custom variable bound at `this`), and the parent's
// tiers for `global.*`.
func (inst *Instance) scope() exprlang.Scope {
	var this map[string]interface{}
	var loop map[string]interface{}

	if lf := inst.CurrentLoop(); lf != nil {
		loop = map[string]interface{}{
			"iteration": float64(lf.Iteration),
			"index":     float64(lf.Index),
		}
		if lf.Kind == "foreach" {
			item := lf.CurrentItem()
			loop["item"] = item
			if lf.VariableName != "" {
				this = map[string]interface{}{lf.VariableName: item}
			}
		}
	}
	if inst.Parent != nil {
		// item_context: a sub-agent's steps see the fanned-out item and its
		// position as bare identifiers.
		if this == nil {
			this = map[string]interface{}{}
		}
		this["item"] = inst.Item
		this["index"] = float64(inst.ItemIndex)
		this["total"] = float64(inst.ItemTotal)
		this["task_id"] = inst.ID
		this["parent_id"] = inst.ParentID
	}
	if r := inst.LastResult; r != nil {
		bindings := r.AsThisBindings()
		if this == nil {
			this = bindings
		} else {
			for k, v := range bindings {
				this[k] = v
			}
		}
	}

	var global *state.Tiers
	if inst.Parent != nil {
		global = inst.Parent.Tiers
	}
	return inst.Tiers.Scope(this, loop, global)
}

// render resolves `{{ expr }}` placeholders in every string field of v
// against the instance's current scope.
func (inst *Instance) render(v interface{}) (interface{}, error) {
	return inst.templates.RenderValue(v, inst.scope())
}

// evalBool evaluates a condition expression under JS truthiness.
func (inst *Instance) evalBool(expr string) (bool, error) {
	return inst.evaluator.EvalBool(expr, inst.scope())
}

// eval evaluates an arbitrary expression against the instance's scope.
func (inst *Instance) eval(expr string) (interface{}, error) {
	return inst.evaluator.Eval(expr, inst.scope())
}

// fail transitions the instance to Failed and records the error.
func (inst *Instance) fail(err *models.WorkflowError) {
	inst.Status = models.StatusFailed
	inst.Error = err
	now := time.Now()
	inst.CompletedAt = &now
	if inst.Tracker != nil {
		inst.Tracker.Record(inst.ID, models.EventStepFailed, err.StepID, map[string]interface{}{
			"kind": string(err.Kind), "message": err.Message,
		})
		inst.Tracker.Record(inst.ID, models.EventInstanceStatus, "", map[string]interface{}{"status": string(models.StatusFailed)})
	}
}

// complete transitions the instance to Completed.
func (inst *Instance) complete() {
	inst.Status = models.StatusCompleted
	now := time.Now()
	inst.CompletedAt = &now
	if inst.Tracker != nil {
		inst.Tracker.Record(inst.ID, models.EventInstanceStatus, "", map[string]interface{}{"status": string(models.StatusCompleted)})
	}
}
