package engine

import "github.com/Aroton/AroMCP-sub001/pkg/models"

// userMessageHandler renders a display-only message. Consecutive
// user_message steps are coalesced by the scheduler into one client
// payload (ModeBatch).
type userMessageHandler struct{}

func (userMessageHandler) QueueMode(*models.StepDefinition) QueueMode { return ModeBatch }

func (h userMessageHandler) Handle(inst *Instance, step *models.StepDefinition) (*Outcome, error) {
	rendered, err := inst.render(step.Definition)
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Kind: OutcomeBatchAppend,
		Payload: &models.StepPayload{
			ID:         step.ID,
			Type:       step.Type,
			Definition: rendered.(map[string]interface{}),
			Context:    stepContext(inst),
		},
	}, nil
}

// userInputHandler requests a value from the client and suspends
// (ModeBlocking). The client's reply becomes inst.LastResult.Raw, which
// the workflow's own state_update step (conventionally the next step)
// reads via `this.result`.
type userInputHandler struct{}

func (userInputHandler) QueueMode(*models.StepDefinition) QueueMode { return ModeBlocking }

func (h userInputHandler) Handle(inst *Instance, step *models.StepDefinition) (*Outcome, error) {
	return emitBlocking(inst, step)
}

func emitBlocking(inst *Instance, step *models.StepDefinition) (*Outcome, error) {
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

func stepContext(inst *Instance) models.StepContext {
	ctx := models.StepContext{}
	if lf := inst.CurrentLoop(); lf != nil {
		ctx.Loop = &models.LoopContext{Index: lf.Index, Iteration: lf.Iteration}
		if lf.Kind == "foreach" {
			ctx.Loop.Item = lf.CurrentItem()
		}
	}
	return ctx
}
