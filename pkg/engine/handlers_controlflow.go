package engine

import (
	"fmt"

	"github.com/Aroton/AroMCP-sub001/pkg/models"
)

const defaultMaxIterations = 100

// conditionalHandler evaluates its condition and pushes a frame of
// then_steps or else_steps. Evaluation is lazy: the branch not taken is
// never expanded.
type conditionalHandler struct{}

func (conditionalHandler) QueueMode(*models.StepDefinition) QueueMode { return ModeExpand }

func (h conditionalHandler) Handle(inst *Instance, step *models.StepDefinition) (*Outcome, error) {
	cond, _ := step.Definition["condition"].(string)
	ok, err := inst.evalBool(cond)
	if err != nil {
		return nil, err
	}
	branch := step.Else
	if ok {
		branch = step.Then
	}
	if inst.Tracker != nil {
		inst.Tracker.Record(inst.ID, models.EventDecisionEvaluated, step.ID, map[string]interface{}{"condition": cond, "result": ok})
	}
	if len(branch) == 0 {
		return &Outcome{Kind: OutcomeContinue}, nil
	}
	// OwningLoop is left nil: this frame is not itself a loop body, so its
	// natural exhaustion must not re-drive the enclosing loop. UnwindToLoop
	// still discards it correctly on break/continue by popping any frame
	// whose OwningLoop doesn't match the target loop.
	inst.PushFrame(&models.ExecutionFrame{Steps: branch})
	return &Outcome{Kind: OutcomePushFrame}, nil
}

// whileLoopHandler re-evaluates its condition before every iteration
// against a freshly flattened scope, pushing a fresh body frame per
// iteration until the condition is false, break fires, or max_iterations
// is exceeded.
type whileLoopHandler struct{}

func (whileLoopHandler) QueueMode(*models.StepDefinition) QueueMode { return ModeExpand }

func (h whileLoopHandler) Handle(inst *Instance, step *models.StepDefinition) (*Outcome, error) {
	if lf := inst.CurrentLoop(); lf != nil && step.ID != "" && lf.StepID == step.ID {
		return advanceWhileLoop(inst, lf)
	}

	cond, _ := step.Definition["condition"].(string)
	maxIter := inst.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	if m, ok := step.Definition["max_iterations"].(float64); ok && m > 0 {
		maxIter = int(m)
	}
	lf := &models.LoopFrame{Kind: "while", StepID: step.ID, ConditionExpr: cond, MaxIterations: maxIter, BodySteps: step.Body}
	inst.PushLoop(lf)
	return advanceWhileLoop(inst, lf)
}

func advanceWhileLoop(inst *Instance, lf *models.LoopFrame) (*Outcome, error) {
	if lf.Break || lf.Iteration >= lf.MaxIterations {
		if lf.Iteration >= lf.MaxIterations && inst.Tracker != nil {
			inst.Tracker.Record(inst.ID, models.EventWarning, lf.StepID, map[string]interface{}{
				"reason": "max_iterations exceeded", "iterations": lf.Iteration,
			})
		}
		inst.PopLoop()
		return &Outcome{Kind: OutcomeContinue}, nil
	}

	ok, err := inst.evalBool(lf.ConditionExpr)
	if err != nil {
		inst.PopLoop()
		return nil, err
	}
	if !ok {
		inst.PopLoop()
		return &Outcome{Kind: OutcomeContinue}, nil
	}

	lf.Iteration++
	lf.Continue = false
	inst.PushFrame(&models.ExecutionFrame{Steps: lf.BodySteps, OwningLoop: lf})
	return &Outcome{Kind: OutcomePushFrame}, nil
}

// foreachHandler materialises its items once at loop entry and iterates a
// body frame per item, binding loop.item/index/iteration and the custom
// variable name.
type foreachHandler struct{}

func (foreachHandler) QueueMode(*models.StepDefinition) QueueMode { return ModeExpand }

func (h foreachHandler) Handle(inst *Instance, step *models.StepDefinition) (*Outcome, error) {
	if lf := inst.CurrentLoop(); lf != nil && step.ID != "" && lf.StepID == step.ID {
		return advanceForeach(inst, lf)
	}

	itemsExpr, _ := step.Definition["items"].(string)
	v, err := inst.eval(itemsExpr)
	if err != nil {
		return nil, err
	}
	items, ok := v.([]interface{})
	if !ok {
		return &Outcome{Kind: OutcomeFail, Err: models.NewWorkflowError(
			models.ErrorKindControlFlow, step.ID, "foreach items did not evaluate to an array", nil)}, nil
	}
	varName, _ := step.Definition["variable_name"].(string)
	if varName == "" {
		varName = "item"
	}
	maxIter := len(items)
	if m, ok := step.Definition["max_iterations"].(float64); ok && m > 0 && int(m) < maxIter {
		maxIter = int(m)
	}
	lf := &models.LoopFrame{Kind: "foreach", StepID: step.ID, Items: items, Index: -1,
		VariableName: varName, MaxIterations: maxIter, BodySteps: step.Body}
	inst.PushLoop(lf)
	return advanceForeach(inst, lf)
}

func advanceForeach(inst *Instance, lf *models.LoopFrame) (*Outcome, error) {
	lf.Index++
	lf.Continue = false
	if lf.Break || lf.Index >= len(lf.Items) || lf.Index >= lf.MaxIterations {
		inst.PopLoop()
		return &Outcome{Kind: OutcomeContinue}, nil
	}
	lf.Iteration = lf.Index + 1
	inst.PushFrame(&models.ExecutionFrame{Steps: lf.BodySteps, OwningLoop: lf})
	return &Outcome{Kind: OutcomePushFrame}, nil
}

// breakHandler marks the innermost loop exited and unwinds to it. Outside
// any loop it fails.
type breakHandler struct{}

func (breakHandler) QueueMode(*models.StepDefinition) QueueMode { return ModeImmediate }

func (h breakHandler) Handle(inst *Instance, step *models.StepDefinition) (*Outcome, error) {
	if inst.CurrentLoop() == nil {
		return &Outcome{Kind: OutcomeFail, Err: models.NewWorkflowError(
			models.ErrorKindControlFlow, step.ID, "break outside loop", fmt.Errorf("BreakOutsideLoop"))}, nil
	}
	inst.CurrentLoop().Break = true
	return &Outcome{Kind: OutcomeBreak}, nil
}

// continueHandler marks the innermost loop to re-enter and discards the
// current body frame. Outside any loop it fails.
type continueHandler struct{}

func (continueHandler) QueueMode(*models.StepDefinition) QueueMode { return ModeImmediate }

func (h continueHandler) Handle(inst *Instance, step *models.StepDefinition) (*Outcome, error) {
	if inst.CurrentLoop() == nil {
		return &Outcome{Kind: OutcomeFail, Err: models.NewWorkflowError(
			models.ErrorKindControlFlow, step.ID, "continue outside loop", fmt.Errorf("ContinueOutsideLoop"))}, nil
	}
	inst.CurrentLoop().Continue = true
	return &Outcome{Kind: OutcomeContinueLoop}, nil
}

// stateUpdateHandler applies a single state write through the State Store.
type stateUpdateHandler struct{}

func (stateUpdateHandler) QueueMode(*models.StepDefinition) QueueMode { return ModeImmediate }

func (h stateUpdateHandler) Handle(inst *Instance, step *models.StepDefinition) (*Outcome, error) {
	path, _ := step.Definition["path"].(string)
	op, _ := step.Definition["operation"].(string)
	if op == "" {
		op = "set"
	}
	return &Outcome{Kind: OutcomeContinue, StateOps: []StateOp{
		{Path: path, Operation: op, Value: step.Definition["value"]},
	}}, nil
}
