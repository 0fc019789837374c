package engine

import (
	"fmt"

	"github.com/Aroton/AroMCP-sub001/pkg/models"
)

// agentPromptHandler hands the client (the driving agent) a prompt to act
// on and suspends until the client's next poll carries the agent's answer.
type agentPromptHandler struct{}

func (agentPromptHandler) QueueMode(*models.StepDefinition) QueueMode { return ModeBlocking }

func (h agentPromptHandler) Handle(inst *Instance, step *models.StepDefinition) (*Outcome, error) {
	return emitBlocking(inst, step)
}

// agentResponseHandler validates the agent's answer (bound at
// inst.LastResult.Raw from the preceding agent_prompt's client reply)
// against an optional response_schema and applies its state_updates. It
// does not itself suspend — it is the immediate step that processes an
// already-received response.
type agentResponseHandler struct{}

func (agentResponseHandler) QueueMode(*models.StepDefinition) QueueMode { return ModeImmediate }

func (h agentResponseHandler) Handle(inst *Instance, step *models.StepDefinition) (*Outcome, error) {
	var raw interface{}
	if inst.LastResult != nil {
		raw = inst.LastResult.Raw
	}
	if schema, ok := step.Definition["response_schema"].(map[string]interface{}); ok {
		if err := validateAgainstSchema(raw, schema); err != nil {
			return &Outcome{Kind: OutcomeFail, Err: models.NewWorkflowError(
				models.ErrorKindStepExecution, step.ID, "agent response failed schema validation: "+err.Error(), err)}, nil
		}
	}

	var ops []StateOp
	if updates, ok := step.Definition["state_updates"].([]interface{}); ok {
		for _, raw := range updates {
			u, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			path, _ := u["path"].(string)
			op, _ := u["operation"].(string)
			if op == "" {
				op = "set"
			}
			ops = append(ops, StateOp{Path: path, Operation: op, Value: u["value"]})
		}
	}
	return &Outcome{Kind: OutcomeContinue, StateOps: ops}, nil
}

// validateAgainstSchema performs a minimal structural check: every key
// listed in the schema's "required" array must be present in value when
// value is an object. Full JSON Schema validation is out of scope.
func validateAgainstSchema(value interface{}, schema map[string]interface{}) error {
	required, ok := schema["required"].([]interface{})
	if !ok {
		return nil
	}
	obj, ok := value.(map[string]interface{})
	if !ok {
		if len(required) > 0 {
			return fmt.Errorf("expected an object response")
		}
		return nil
	}
	for _, r := range required {
		key, _ := r.(string)
		if _, present := obj[key]; !present {
			return fmt.Errorf("missing required field %q", key)
		}
	}
	return nil
}
