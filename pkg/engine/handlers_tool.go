package engine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/expr-lang/expr"

	"github.com/Aroton/AroMCP-sub001/pkg/models"
)

// evalResultGuard runs a shell step's fail_if expression over the captured
// result. Guards are plain Go-side expressions (expr-lang, as the server's
// conditional evaluation library), not workflow-scope expressions: they see
// only the command's own outcome.
func evalResultGuard(guard string, r *StepResult) (bool, error) {
	env := map[string]interface{}{
		"stdout":      r.Stdout,
		"stderr":      r.Stderr,
		"returncode":  r.ReturnCode,
		"full_output": r.FullOutput,
		"success":     r.Success,
	}
	program, err := expr.Compile(guard, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	b, _ := out.(bool)
	return b, nil
}

// mcpCallHandler dispatches a tool invocation. execution_context="client"
// emits the call to the client and suspends (ModeBlocking); "server"
// degrades to a stub local invocation and applies store_result immediately
// (ModeImmediate) — the engine has no built-in MCP transport of its own,
// so "invoke locally" degrades to a pass-through of parameters.
type mcpCallHandler struct{}

func (mcpCallHandler) QueueMode(step *models.StepDefinition) QueueMode {
	if execCtx, _ := step.Definition["execution_context"].(string); execCtx == "server" {
		return ModeImmediate
	}
	return ModeBlocking
}

func (h mcpCallHandler) Handle(inst *Instance, step *models.StepDefinition) (*Outcome, error) {
	rendered, err := inst.render(step.Definition)
	if err != nil {
		return nil, err
	}
	def := rendered.(map[string]interface{})

	if execCtx, _ := def["execution_context"].(string); execCtx == "server" {
		var ops []StateOp
		if sr, ok := def["store_result"].(string); ok && sr != "" {
			ops = append(ops, StateOp{Path: sr, Operation: "set", Value: def["parameters"]})
		}
		return &Outcome{Kind: OutcomeContinue, StateOps: ops}, nil
	}

	return &Outcome{
		Kind: OutcomeEmit,
		Payload: &models.StepPayload{
			ID:         step.ID,
			Type:       step.Type,
			Definition: def,
			Context:    stepContext(inst),
		},
	}, nil
}

// shellCommandHandler runs a command server-side and captures its streams
// and exit code so a companion state_update can bind to the reserved
// source tokens (stdout, stderr, returncode, full_output).
type shellCommandHandler struct{}

func (shellCommandHandler) QueueMode(*models.StepDefinition) QueueMode { return ModeImmediate }

func (h shellCommandHandler) Handle(inst *Instance, step *models.StepDefinition) (*Outcome, error) {
	rendered, err := inst.render(step.Definition)
	if err != nil {
		return nil, err
	}
	def := rendered.(map[string]interface{})

	command, _ := def["command"].(string)
	cwd, _ := def["cwd"].(string)
	timeout := 30 * time.Second
	if t, ok := def["timeout"].(float64); ok && t > 0 {
		timeout = time.Duration(t) * time.Second
	}

	policy := NoRetryPolicy()
	if r, ok := def["max_retries"].(float64); ok && r > 0 {
		policy = StepRetryPolicy(int(r))
	}

	var stdout, stderr bytes.Buffer
	returnCode := 0
	run := func() error {
		stdout.Reset()
		stderr.Reset()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		if cwd != "" {
			cmd.Dir = cwd
		}
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		runErr := cmd.Run()

		returnCode = 0
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			returnCode = exitErr.ExitCode()
		} else if runErr != nil && ctx.Err() == context.DeadlineExceeded {
			returnCode = -1
			return models.NewWorkflowError(models.ErrorKindTimeout, step.ID, "shell_command timed out", runErr)
		}
		return nil
	}
	// Only timeouts re-run the command; a non-zero exit is a captured
	// result, not a retryable failure. A timeout that survives the retry
	// budget fails the step.
	if err := policy.Execute(context.Background(), run); err != nil {
		return &Outcome{Kind: OutcomeFail, Err: models.NewWorkflowError(
			models.ErrorKindTimeout, step.ID, "shell_command timed out after retries", err)}, nil
	}

	inst.LastResult = &StepResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ReturnCode: returnCode,
		FullOutput: stdout.String() + stderr.String(),
		Success:    returnCode == 0,
	}

	// A non-zero exit is a captured result by default; the step fails only
	// when its fail_if guard says so.
	if guard, ok := def["fail_if"].(string); ok && guard != "" {
		failed, gerr := evalResultGuard(guard, inst.LastResult)
		if gerr != nil {
			return &Outcome{Kind: OutcomeFail, Err: models.NewWorkflowError(
				models.ErrorKindValidation, step.ID, "invalid fail_if expression: "+gerr.Error(), gerr)}, nil
		}
		if failed {
			return &Outcome{Kind: OutcomeFail, Err: models.NewWorkflowError(
				models.ErrorKindStepExecution, step.ID,
				fmt.Sprintf("shell_command failed its fail_if guard (exit %d)", returnCode), nil)}, nil
		}
	}

	var ops []StateOp
	if su, ok := def["state_update"].(map[string]interface{}); ok {
		path, _ := su["path"].(string)
		source, _ := su["source"].(string)
		if path != "" && source != "" {
			ops = append(ops, StateOp{Path: path, Operation: "set", Value: inst.LastResult.AsThisBindings()[source]})
		}
	}
	return &Outcome{Kind: OutcomeContinue, StateOps: ops}, nil
}

// waitStepHandler emits a synthetic wait marker and suspends until the
// client's next poll.
type waitStepHandler struct{}

func (waitStepHandler) QueueMode(*models.StepDefinition) QueueMode { return ModeWait }

func (h waitStepHandler) Handle(inst *Instance, step *models.StepDefinition) (*Outcome, error) {
	rendered, err := inst.render(step.Definition)
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Kind: OutcomeEmit,
		Payload: &models.StepPayload{
			ID:         step.ID,
			Type:       step.Type,
			Definition: rendered.(map[string]interface{}),
			Context:    stepContext(inst),
		},
	}, nil
}
