package engine

import (
	"fmt"

	"github.com/Aroton/AroMCP-sub001/pkg/models"
)

// QueueMode classifies how a step's Outcome interacts with the scheduler's
// drain loop: immediate/expand steps run synchronously and the loop keeps
// draining; batch accumulates consecutive user_message steps into a single
// client payload; blocking and wait each suspend the instance after
// emitting exactly one payload, so a poll never returns more than one
// suspending step.
type QueueMode int

const (
	ModeImmediate QueueMode = iota // state_update, break, continue, agent_response, shell_command, server-context mcp_call: no client payload at all
	ModeExpand                     // conditional, while_loop, foreach: pushes frames, no client payload
	ModeBatch                      // user_message: coalesced into one payload with siblings
	ModeBlocking                   // user_input, agent_prompt, client-context mcp_call, parallel_foreach: one payload, then suspend
	ModeWait                       // wait_step: one payload, then suspend until the client's next poll
)

// OutcomeKind tags what a handler asks the scheduler to do next.
type OutcomeKind int

const (
	OutcomeContinue    OutcomeKind = iota // step fully handled in-process, advance cursor
	OutcomeEmit                           // emit this step (rendered) to the client and suspend
	OutcomeBatchAppend                    // append this step to the pending batch and advance cursor
	OutcomePushFrame                      // control flow pushed a new ExecutionFrame/LoopFrame; don't advance cursor yet
	OutcomeBreak                          // break: unwind to innermost loop and mark it exited
	OutcomeContinueLoop                   // continue: unwind to innermost loop and re-enter it
	OutcomeFail                           // handler raised a terminal error
)

// Outcome is what a Handler returns after inspecting (and possibly
// mutating, via StateOps) one step.
type Outcome struct {
	Kind     OutcomeKind
	Payload  *models.StepPayload // set when Kind == OutcomeEmit
	StateOps []StateOp           // state_update-equivalent writes the handler wants applied
	Err      *models.WorkflowError
}

// StateOp is a handler-requested state mutation, translated into a
// state.UpdateOp once the handler's scope (including this-bindings) is
// known to the caller.
type StateOp struct {
	Path      string
	Operation string
	ValueExpr string // expression string; "" if Value is already a literal
	Value     interface{}
}

// Handler implements one step type's semantics. The conditional,
// while_loop and foreach handlers push their own ExecutionFrames and
// LoopFrames (and pop a LoopFrame on exit); break and continue only flag
// the innermost LoopFrame and signal via OutcomeKind, leaving frame
// unwinding, loop re-entry and cursor advancement to the scheduler.
type Handler interface {
	QueueMode(step *models.StepDefinition) QueueMode
	Handle(inst *Instance, step *models.StepDefinition) (*Outcome, error)
}

// Registry maps step types to their handler.
type Registry struct {
	handlers map[models.StepType]Handler
}

// NewRegistry builds the registry with the fourteen built-in step handlers.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[models.StepType]Handler)}
	r.register(models.StepUserMessage, userMessageHandler{})
	r.register(models.StepUserInput, userInputHandler{})
	r.register(models.StepAgentPrompt, agentPromptHandler{})
	r.register(models.StepAgentResponse, agentResponseHandler{})
	r.register(models.StepMCPCall, mcpCallHandler{})
	r.register(models.StepShellCommand, shellCommandHandler{})
	r.register(models.StepWait, waitStepHandler{})
	r.register(models.StepConditional, conditionalHandler{})
	r.register(models.StepWhileLoop, whileLoopHandler{})
	r.register(models.StepForeach, foreachHandler{})
	r.register(models.StepBreak, breakHandler{})
	r.register(models.StepContinue, continueHandler{})
	r.register(models.StepParallelForeach, parallelForeachHandler{})
	r.register(models.StepStateUpdate, stateUpdateHandler{})
	return r
}

func (r *Registry) register(t models.StepType, h Handler) {
	r.handlers[t] = h
}

// Lookup returns the handler for a step type.
func (r *Registry) Lookup(t models.StepType) (Handler, error) {
	h, ok := r.handlers[t]
	if !ok {
		return nil, fmt.Errorf("engine: no handler registered for step type %q", t)
	}
	return h, nil
}
