package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aroton/AroMCP-sub001/pkg/models"
)

// stubLookup satisfies WorkflowLookup for tests without a loader.
type stubLookup map[string]*models.WorkflowDefinition

func (s stubLookup) Get(name string) (*models.WorkflowDefinition, bool) {
	def, ok := s[name]
	return def, ok
}

func startWorkflow(t *testing.T, def *models.WorkflowDefinition) (*Engine, string) {
	t.Helper()
	e := NewEngine(stubLookup{def.Name: def})
	id, err := e.Start(def.Name, nil)
	require.NoError(t, err)
	return e, id
}

// pollUntilDone drives GetNextStep until the instance stops emitting,
// collecting every payload.
func pollUntilDone(t *testing.T, e *Engine, id string) []*models.StepPayload {
	t.Helper()
	var out []*models.StepPayload
	for i := 0; i < 100; i++ {
		payload, err := e.GetNextStep(id, "")
		require.NoError(t, err)
		if payload == nil {
			return out
		}
		out = append(out, payload)
	}
	t.Fatal("instance did not finish within 100 polls")
	return nil
}

func finalState(t *testing.T, e *Engine, id string) map[string]interface{} {
	t.Helper()
	view, err := e.UpdateState(id, nil)
	require.NoError(t, err)
	return view
}

func msg(text string) models.StepDefinition {
	return models.StepDefinition{Type: models.StepUserMessage, Definition: map[string]interface{}{"message": text}}
}

func setState(path string, value interface{}) models.StepDefinition {
	return models.StepDefinition{Type: models.StepStateUpdate, Definition: map[string]interface{}{"path": path, "value": value}}
}

func incState(path string, by float64) models.StepDefinition {
	return models.StepDefinition{Type: models.StepStateUpdate, Definition: map[string]interface{}{"path": path, "operation": "increment", "value": by}}
}

// batchMessages unwraps a coalesced user_message payload into the rendered
// message strings.
func batchMessages(t *testing.T, p *models.StepPayload) []string {
	t.Helper()
	require.Equal(t, models.StepUserMessage, p.Type)
	raw, ok := p.Definition["messages"].([]interface{})
	require.True(t, ok, "batched payload must carry a messages array")
	out := make([]string, 0, len(raw))
	for _, m := range raw {
		def, ok := m.(map[string]interface{})
		require.True(t, ok)
		text, _ := def["message"].(string)
		out = append(out, text)
	}
	return out
}

func TestStart_GeneratesPrefixedIDs(t *testing.T) {
	def := &models.WorkflowDefinition{Name: "wf", Steps: []models.StepDefinition{msg("hi")}}
	e := NewEngine(stubLookup{"wf": def})

	seen := make(map[string]bool)
	for i := 0; i < 25; i++ {
		id, err := e.Start("wf", nil)
		require.NoError(t, err)
		require.Len(t, id, len("wf_")+8)
		assert.Equal(t, "wf_", id[:3])
		for _, r := range id[3:] {
			assert.True(t, (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f'), "id char %q must be lowercase hex", r)
		}
		assert.False(t, seen[id], "ids must be unique per process")
		seen[id] = true
	}
}

func TestStart_UnknownWorkflow(t *testing.T) {
	e := NewEngine(stubLookup{})
	_, err := e.Start("missing", nil)
	assert.ErrorIs(t, err, models.ErrWorkflowNotFound)
}

func TestStart_RequiredInputMissing(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name:   "wf",
		Inputs: map[string]models.InputSpec{"topic": {Type: "string", Required: true}},
		Steps:  []models.StepDefinition{msg("hi")},
	}
	e := NewEngine(stubLookup{"wf": def})
	_, err := e.Start("wf", nil)
	require.Error(t, err)
	var verrs models.ValidationErrors
	assert.ErrorAs(t, err, &verrs)
}

func TestStart_ComputedCycleFailsBeforeAnyStep(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name: "wf",
		StateSchema: map[string]models.ComputedFieldSpec{
			"a": {From: "computed.b", Transform: "computed.b"},
			"b": {From: "computed.a", Transform: "computed.a"},
		},
		Steps: []models.StepDefinition{msg("never runs")},
	}
	e := NewEngine(stubLookup{"wf": def})
	_, err := e.Start("wf", nil)
	require.Error(t, err)
	var cycle *models.ComputedCycle
	assert.ErrorAs(t, err, &cycle)
}

func TestLifecycle_PauseResume(t *testing.T) {
	def := &models.WorkflowDefinition{Name: "wf", Steps: []models.StepDefinition{msg("one"), msg("two")}}
	e, id := startWorkflow(t, def)

	status, err := e.Pause(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, status)

	// A paused instance emits nothing and keeps its queue.
	payload, err := e.GetNextStep(id, "")
	require.NoError(t, err)
	assert.Nil(t, payload)

	status, err = e.Resume(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, status)

	payloads := pollUntilDone(t, e, id)
	require.Len(t, payloads, 1)
	assert.Equal(t, []string{"one", "two"}, batchMessages(t, payloads[0]))
}

func TestLifecycle_CancelIsIdempotent(t *testing.T) {
	def := &models.WorkflowDefinition{Name: "wf", Steps: []models.StepDefinition{msg("hi")}}
	e, id := startWorkflow(t, def)

	status, err := e.Cancel(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, status)

	status, err = e.Cancel(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, status)

	payload, err := e.GetNextStep(id, "")
	require.NoError(t, err)
	assert.Nil(t, payload, "a cancelled instance is terminal")
}

func TestLifecycle_InvalidTransition(t *testing.T) {
	def := &models.WorkflowDefinition{Name: "wf", Steps: []models.StepDefinition{msg("hi")}}
	e, id := startWorkflow(t, def)

	// Running -> Running is not a legal edge.
	_, err := e.Resume(id)
	require.Error(t, err)
	var werr *models.WorkflowError
	assert.ErrorAs(t, err, &werr)
}

func TestStatus_ReportsFailure(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name: "wf",
		Inputs: map[string]models.InputSpec{
			"name": {Type: "string"},
		},
		Steps: []models.StepDefinition{setState("inputs.name", "Bob")},
	}
	e := NewEngine(stubLookup{"wf": def})
	id, err := e.Start("wf", map[string]interface{}{"name": "Alice"})
	require.NoError(t, err)

	_, err = e.GetNextStep(id, "")
	require.Error(t, err, "writing the inputs tier must fail the instance")

	rec, serr := e.Status(id)
	require.NoError(t, serr)
	assert.Equal(t, models.StatusFailed, rec.State)
	require.NotNil(t, rec.Error)
	assert.Equal(t, models.ErrorKindStateAccess, rec.Error.Kind)

	// Inputs stayed frozen.
	view := finalState(t, e, id)
	assert.Equal(t, "Alice", view["name"])
}

func TestUserInput_StoredViaVariable(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name: "wf",
		Steps: []models.StepDefinition{
			{ID: "ask", Type: models.StepUserInput, Definition: map[string]interface{}{
				"prompt":     "how many?",
				"input_type": "number",
				"variable":   "count",
			}},
			msg("got {{ state.count }}"),
		},
	}
	e, id := startWorkflow(t, def)

	payload, err := e.GetNextStep(id, "")
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, models.StepUserInput, payload.Type)

	require.NoError(t, e.StepComplete(id, "", "ask", float64(7)))

	payloads := pollUntilDone(t, e, id)
	require.Len(t, payloads, 1)
	assert.Equal(t, []string{"got 7"}, batchMessages(t, payloads[0]))
}

func TestUserInput_ValidationRetriesThenFails(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name: "wf",
		Steps: []models.StepDefinition{
			{ID: "ask", Type: models.StepUserInput, Definition: map[string]interface{}{
				"prompt":      "pick one",
				"input_type":  "choice",
				"choices":     []interface{}{"red", "blue"},
				"variable":    "color",
				"max_retries": float64(1),
			}},
		},
	}
	e, id := startWorkflow(t, def)

	_, err := e.GetNextStep(id, "")
	require.NoError(t, err)

	// First bad answer: rejected, instance still alive.
	err = e.StepComplete(id, "", "ask", "green")
	require.Error(t, err)
	rec, _ := e.Status(id)
	assert.Equal(t, models.StatusRunning, rec.State)

	// Second bad answer exhausts max_retries.
	err = e.StepComplete(id, "", "ask", "purple")
	require.Error(t, err)
	rec, _ = e.Status(id)
	assert.Equal(t, models.StatusFailed, rec.State)
}

func TestAgentPromptResponse_RoundTrip(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name: "wf",
		Steps: []models.StepDefinition{
			{ID: "prompt", Type: models.StepAgentPrompt, Definition: map[string]interface{}{"prompt": "summarize"}},
			{ID: "resp", Type: models.StepAgentResponse, Definition: map[string]interface{}{
				"response_schema": map[string]interface{}{"required": []interface{}{"summary"}},
				"state_updates": []interface{}{
					map[string]interface{}{"path": "state.summary", "value": "result"},
				},
			}},
		},
	}
	e, id := startWorkflow(t, def)

	payload, err := e.GetNextStep(id, "")
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, models.StepAgentPrompt, payload.Type)

	require.NoError(t, e.StepComplete(id, "", "prompt", map[string]interface{}{"summary": "short"}))
	pollUntilDone(t, e, id)

	view := finalState(t, e, id)
	res, ok := view["summary"].(map[string]interface{})
	require.True(t, ok, "the reserved `result` token binds the raw client reply")
	assert.Equal(t, "short", res["summary"])
}

func TestAgentResponse_SchemaViolationFails(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name: "wf",
		Steps: []models.StepDefinition{
			{ID: "prompt", Type: models.StepAgentPrompt, Definition: map[string]interface{}{"prompt": "go"}},
			{ID: "resp", Type: models.StepAgentResponse, Definition: map[string]interface{}{
				"response_schema": map[string]interface{}{"required": []interface{}{"answer"}},
			}},
		},
	}
	e, id := startWorkflow(t, def)

	_, err := e.GetNextStep(id, "")
	require.NoError(t, err)
	require.NoError(t, e.StepComplete(id, "", "prompt", map[string]interface{}{"unexpected": true}))

	_, err = e.GetNextStep(id, "")
	require.Error(t, err)
	rec, _ := e.Status(id)
	assert.Equal(t, models.StatusFailed, rec.State)
	assert.Equal(t, models.ErrorKindStepExecution, rec.Error.Kind)
}

func TestTracker_RecordsDecisionsAndWrites(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name:         "wf",
		DefaultState: map[string]interface{}{"x": float64(1)},
		Steps: []models.StepDefinition{
			{ID: "cond", Type: models.StepConditional, Definition: map[string]interface{}{"condition": "state.x == 1"},
				Then: []models.StepDefinition{setState("state.x", float64(2))}},
		},
	}
	e, id := startWorkflow(t, def)
	pollUntilDone(t, e, id)

	events, err := e.Events(id)
	require.NoError(t, err)

	var sawDecision, sawWrite bool
	for _, ev := range events {
		switch ev.Type {
		case models.EventDecisionEvaluated:
			sawDecision = true
			assert.Equal(t, true, ev.Payload["result"])
		case models.EventStateWrite:
			sawWrite = true
		}
	}
	assert.True(t, sawDecision, "conditional decisions must be tracked")
	assert.True(t, sawWrite, "state writes must be tracked")
}
