package engine

import (
	"errors"
	"strings"

	"github.com/Aroton/AroMCP-sub001/pkg/models"
	"github.com/Aroton/AroMCP-sub001/pkg/state"
)

// drain advances inst's call stack, dispatching immediate and expand steps
// synchronously, accumulating consecutive batch (user_message) steps, and
// stopping the instant it has exactly one suspending payload (blocking or
// wait) to return — a poll never carries more than one suspending step.
// It returns (payload, nil) on a suspend, (nil, nil) when
// the instance has run to completion, or a non-nil error when a handler
// failed the instance outright.
func (r *Registry) drain(inst *Instance) (*models.StepPayload, error) {
	for {
		frame := inst.CurrentFrame()
		if frame == nil || frame.Done() {
			if !r.popExhaustedFrame(inst) {
				return r.flushBatch(inst)
			}
			continue
		}

		step := frame.Current()
		handler, err := r.Lookup(step.Type)
		if err != nil {
			return nil, err
		}

		if handler.QueueMode(step) != ModeBatch && len(inst.Batch) > 0 {
			if payload := r.takeBatch(inst); payload != nil {
				return payload, nil
			}
		}

		if inst.Tracker != nil {
			inst.Tracker.Record(inst.ID, models.EventStepStarted, step.ID, nil)
		}

		outcome, err := handler.Handle(inst, step)
		if err != nil {
			werr := asWorkflowError(err, models.ErrorKindEvaluation, step.ID)
			inst.fail(werr)
			return nil, werr
		}
		if outcome.Err != nil {
			inst.fail(outcome.Err)
			return nil, outcome.Err
		}

		if err := r.applyStateOps(inst, step, outcome.StateOps); err != nil {
			werr := asWorkflowError(err, models.ErrorKindStateAccess, step.ID)
			inst.fail(werr)
			return nil, werr
		}

		switch outcome.Kind {
		case OutcomeContinue:
			frame.Cursor++
			if inst.Tracker != nil {
				inst.Tracker.Record(inst.ID, models.EventStepCompleted, step.ID, nil)
			}
		case OutcomeBatchAppend:
			frame.Cursor++
			inst.Batch = append(inst.Batch, outcome.Payload)
		case OutcomeEmit:
			frame.Cursor++ // the suspend point is consumed; resumption re-enters at the next step
			return outcome.Payload, nil
		case OutcomePushFrame:
			// cursor intentionally not advanced: popExhaustedFrame will
			// advance the parent once the pushed frame is consumed.
		case OutcomeBreak, OutcomeContinueLoop:
			// UnwindToLoop forces the loop's owning frame Done; the next
			// iteration's popExhaustedFrame call re-drives the loop itself
			// (advancing, or popping it on break/exhaustion).
			inst.UnwindToLoop()
		}
	}
}

// popExhaustedFrame pops one exhausted frame and, if it belonged to a loop,
// re-drives that loop (advancing to the next iteration or exiting it). It
// reports whether the caller should keep draining.
func (r *Registry) popExhaustedFrame(inst *Instance) bool {
	frame := inst.PopFrame()
	if frame == nil {
		return false
	}
	if owning := frame.OwningLoop; owning != nil {
		// A loop body finished one iteration: the owning step is only done
		// once the loop itself exits, so reenterLoop advances the parent
		// cursor, not us.
		return r.reenterLoop(inst, owning)
	}
	parent := inst.CurrentFrame()
	if parent != nil {
		parent.Cursor++ // the conditional step that pushed `frame` is now done
	}
	return parent != nil
}

// reenterLoop re-drives a loop frame after its body frame was popped
// (normal exhaustion, break, or continue), pushing the next iteration's
// body frame or popping the loop entirely.
func (r *Registry) reenterLoop(inst *Instance, lf *models.LoopFrame) bool {
	var outcome *Outcome
	var err error
	if lf.Kind == "while" {
		outcome, err = advanceWhileLoop(inst, lf)
	} else {
		outcome, err = advanceForeach(inst, lf)
	}
	if err != nil {
		inst.fail(models.NewWorkflowError(models.ErrorKindControlFlow, lf.StepID, "loop re-evaluation failed", err))
		return false
	}
	if outcome.Kind == OutcomePushFrame {
		return true
	}
	// Loop fully exited: its owning step is now done too.
	if parent := inst.CurrentFrame(); parent != nil {
		parent.Cursor++
	}
	return inst.CurrentFrame() != nil
}

// takeBatch emits the pending user_message batch as a single payload, if
// non-empty.
func (r *Registry) takeBatch(inst *Instance) *models.StepPayload {
	if len(inst.Batch) == 0 {
		return nil
	}
	first := inst.Batch[0]
	messages := make([]interface{}, len(inst.Batch))
	for i, p := range inst.Batch {
		messages[i] = p.Definition
	}
	payload := &models.StepPayload{
		ID:         first.ID,
		Type:       models.StepUserMessage,
		Definition: map[string]interface{}{"messages": messages},
		Context:    first.Context,
	}
	inst.Batch = nil
	return payload
}

// flushBatch emits any pending batch, or reports instance completion.
func (r *Registry) flushBatch(inst *Instance) (*models.StepPayload, error) {
	if payload := r.takeBatch(inst); payload != nil {
		return payload, nil
	}
	inst.complete()
	return nil, nil
}

// applyStateOps resolves each handler-requested StateOp's value (rendering
// templates, evaluating reserved source tokens, or passing literals
// through unchanged) and applies them to the instance's tiers as a single
// atomic batch.
func (r *Registry) applyStateOps(inst *Instance, step *models.StepDefinition, ops []StateOp) error {
	if len(ops) == 0 {
		return nil
	}
	updates := make([]state.UpdateOp, 0, len(ops))
	for _, op := range ops {
		val, err := resolveStateOpValue(inst, op.Value)
		if err != nil {
			return models.NewWorkflowError(models.ErrorKindStateAccess, step.ID, "state_update value resolution failed", err)
		}
		updates = append(updates, state.UpdateOp{Path: op.Path, Operation: op.Operation, Value: val})
	}
	if err := inst.Tiers.ApplyUpdates(updates); err != nil {
		return err
	}
	if inst.Tracker != nil {
		for _, op := range ops {
			inst.Tracker.Record(inst.ID, models.EventStateWrite, step.ID, map[string]interface{}{
				"path": op.Path, "operation": op.Operation,
			})
		}
	}
	return nil
}

// asWorkflowError coerces any handler/state error into a typed
// WorkflowError carrying the failing step's id.
func asWorkflowError(err error, kind models.ErrorKind, stepID string) *models.WorkflowError {
	var werr *models.WorkflowError
	if errors.As(err, &werr) {
		if werr.StepID == "" {
			werr.StepID = stepID
		}
		return werr
	}
	return models.NewWorkflowError(kind, stepID, err.Error(), err)
}

var reservedSourceTokens = map[string]bool{
	"stdout": true, "stderr": true, "returncode": true,
	"full_output": true, "success": true, "errors": true, "result": true,
}

// resolveStateOpValue implements the state_update value grammar: a bare
// reserved source token evaluates against the current scope; a string
// containing `{{ ... }}` is template-rendered;
// anything else (numbers, bools, maps, slices, or a plain string with no
// placeholders) passes through as a literal.
func resolveStateOpValue(inst *Instance, raw interface{}) (interface{}, error) {
	s, ok := raw.(string)
	if !ok {
		return raw, nil
	}
	if reservedSourceTokens[s] {
		return inst.eval(s)
	}
	if strings.Contains(s, "{{") {
		return inst.render(s)
	}
	return s, nil
}
