package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aroton/AroMCP-sub001/pkg/models"
)

func TestComputedFieldRendersInMessage(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name:         "wf",
		DefaultState: map[string]interface{}{"counter": float64(5)},
		StateSchema: map[string]models.ComputedFieldSpec{
			"doubled": {From: "state.counter", Transform: "state.counter * 2"},
		},
		Steps: []models.StepDefinition{msg("v={{ this.doubled }}")},
	}
	e, id := startWorkflow(t, def)

	payloads := pollUntilDone(t, e, id)
	require.Len(t, payloads, 1)
	assert.Equal(t, []string{"v=10"}, batchMessages(t, payloads[0]))

	rec, _ := e.Status(id)
	assert.Equal(t, models.StatusCompleted, rec.State)
}

func TestForeach_CustomVariableAndLoopBindings(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name: "wf",
		Steps: []models.StepDefinition{
			{Type: models.StepForeach,
				Definition: map[string]interface{}{"items": "['a','b','c']", "variable_name": "letter"},
				Body:       []models.StepDefinition{msg("{{ loop.index }}:{{ letter }}")}},
		},
	}
	e, id := startWorkflow(t, def)

	payloads := pollUntilDone(t, e, id)
	require.Len(t, payloads, 1)
	assert.Equal(t, []string{"0:a", "1:b", "2:c"}, batchMessages(t, payloads[0]))
}

func TestForeach_EmptyArrayRunsZeroTimes(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name: "wf",
		Steps: []models.StepDefinition{
			{Type: models.StepForeach, Definition: map[string]interface{}{"items": "[]"},
				Body: []models.StepDefinition{msg("never")}},
			msg("after {{ loop.index }}"),
		},
	}
	e, id := startWorkflow(t, def)

	payloads := pollUntilDone(t, e, id)
	require.Len(t, payloads, 1)
	// loop.* must not leak past the loop: the missing identifier renders empty.
	assert.Equal(t, []string{"after "}, batchMessages(t, payloads[0]))
}

func TestForeach_ItemsMaterializedOnce(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name:         "wf",
		DefaultState: map[string]interface{}{"items": []interface{}{"a", "b"}},
		Steps: []models.StepDefinition{
			{Type: models.StepForeach, Definition: map[string]interface{}{"items": "state.items"},
				Body: []models.StepDefinition{
					// Mutating the source mid-loop must not affect iteration.
					setState("state.items", []interface{}{}),
					incState("state.seen", 1),
				}},
		},
	}
	e, id := startWorkflow(t, def)
	pollUntilDone(t, e, id)

	view := finalState(t, e, id)
	assert.Equal(t, float64(2), view["seen"], "both original items iterate despite the source being emptied")
}

func TestForeach_NonArrayFails(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name: "wf",
		Steps: []models.StepDefinition{
			{ID: "fe", Type: models.StepForeach, Definition: map[string]interface{}{"items": "'not-an-array'"},
				Body: []models.StepDefinition{msg("never")}},
		},
	}
	e, id := startWorkflow(t, def)

	_, err := e.GetNextStep(id, "")
	require.Error(t, err)
	rec, _ := e.Status(id)
	assert.Equal(t, models.StatusFailed, rec.State)
	assert.Equal(t, models.ErrorKindControlFlow, rec.Error.Kind)
}

func TestWhileLoop_FalseConditionRunsZeroTimes(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name:         "wf",
		DefaultState: map[string]interface{}{"n": float64(10)},
		Steps: []models.StepDefinition{
			{Type: models.StepWhileLoop, Definition: map[string]interface{}{"condition": "state.n < 5"},
				Body: []models.StepDefinition{incState("state.n", 1)}},
		},
	}
	e, id := startWorkflow(t, def)
	pollUntilDone(t, e, id)

	view := finalState(t, e, id)
	assert.Equal(t, float64(10), view["n"])
}

func TestWhileLoop_ConditionReevaluatedEachIteration(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name:         "wf",
		DefaultState: map[string]interface{}{"i": float64(0)},
		Steps: []models.StepDefinition{
			{Type: models.StepWhileLoop, Definition: map[string]interface{}{"condition": "state.i < 3"},
				Body: []models.StepDefinition{incState("state.i", 1)}},
			msg("i={{ state.i }}"),
		},
	}
	e, id := startWorkflow(t, def)

	payloads := pollUntilDone(t, e, id)
	require.Len(t, payloads, 1)
	assert.Equal(t, []string{"i=3"}, batchMessages(t, payloads[0]))
}

func TestWhileLoop_InfiniteTerminatesAtMaxIterationsWithWarning(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name: "wf",
		Steps: []models.StepDefinition{
			{ID: "spin", Type: models.StepWhileLoop, Definition: map[string]interface{}{"condition": "true"},
				Body: []models.StepDefinition{incState("state.count", 1)}},
			msg("survived"),
		},
	}
	e, id := startWorkflow(t, def)

	payloads := pollUntilDone(t, e, id)
	require.Len(t, payloads, 1)
	assert.Equal(t, []string{"survived"}, batchMessages(t, payloads[0]), "the workflow continues after the capped loop")

	view := finalState(t, e, id)
	assert.Equal(t, float64(100), view["count"], "the body runs exactly max_iterations times")

	events, err := e.Events(id)
	require.NoError(t, err)
	var warned bool
	for _, ev := range events {
		if ev.Type == models.EventWarning && ev.StepID == "spin" {
			warned = true
		}
	}
	assert.True(t, warned, "exceeding max_iterations records a Warning, not a failure")

	rec, _ := e.Status(id)
	assert.Equal(t, models.StatusCompleted, rec.State)
}

func TestBreak_InConditionalTargetsEnclosingLoop(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name:         "wf",
		DefaultState: map[string]interface{}{"total": float64(0)},
		Steps: []models.StepDefinition{
			{Type: models.StepForeach, Definition: map[string]interface{}{"items": "[1, 2, 3]"},
				Body: []models.StepDefinition{
					setState("state.i", float64(0)),
					{Type: models.StepWhileLoop, Definition: map[string]interface{}{"condition": "state.i < 5"},
						Body: []models.StepDefinition{
							incState("state.total", 1),
							incState("state.i", 1),
							{Type: models.StepConditional, Definition: map[string]interface{}{"condition": "state.i == 2"},
								Then: []models.StepDefinition{{Type: models.StepBreak}}},
						}},
				}},
			msg("outer done"),
		},
	}
	e, id := startWorkflow(t, def)

	payloads := pollUntilDone(t, e, id)
	require.Len(t, payloads, 1)
	assert.Equal(t, []string{"outer done"}, batchMessages(t, payloads[0]), "break must only exit the inner loop")

	view := finalState(t, e, id)
	assert.Equal(t, float64(6), view["total"], "3 outer iterations x 2 inner bodies each")
	assert.Equal(t, float64(2), view["i"])
}

func TestContinue_SkipsRestOfBody(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name: "wf",
		Steps: []models.StepDefinition{
			{Type: models.StepForeach, Definition: map[string]interface{}{"items": "[1, 2, 3, 4]"},
				Body: []models.StepDefinition{
					{Type: models.StepConditional, Definition: map[string]interface{}{"condition": "loop.item % 2 == 0"},
						Then: []models.StepDefinition{{Type: models.StepContinue}}},
					incState("state.odds", 1),
				}},
		},
	}
	e, id := startWorkflow(t, def)
	pollUntilDone(t, e, id)

	view := finalState(t, e, id)
	assert.Equal(t, float64(2), view["odds"], "even items skip the counter")
}

func TestBreak_OutsideLoopFails(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name:  "wf",
		Steps: []models.StepDefinition{{ID: "b", Type: models.StepBreak}},
	}
	e, id := startWorkflow(t, def)

	_, err := e.GetNextStep(id, "")
	require.Error(t, err)
	rec, _ := e.Status(id)
	assert.Equal(t, models.StatusFailed, rec.State)
	assert.Equal(t, models.ErrorKindControlFlow, rec.Error.Kind)
	assert.Contains(t, rec.Error.Message, "break outside loop")
}

func TestContinue_OutsideLoopFails(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name:  "wf",
		Steps: []models.StepDefinition{{ID: "c", Type: models.StepContinue}},
	}
	e, id := startWorkflow(t, def)

	_, err := e.GetNextStep(id, "")
	require.Error(t, err)
	rec, _ := e.Status(id)
	assert.Equal(t, models.StatusFailed, rec.State)
}

func TestConditional_LazyBranchAndElse(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name:         "wf",
		DefaultState: map[string]interface{}{"flag": false},
		Steps: []models.StepDefinition{
			{Type: models.StepConditional, Definition: map[string]interface{}{"condition": "state.flag"},
				Then: []models.StepDefinition{msg("then")},
				Else: []models.StepDefinition{msg("else")}},
		},
	}
	e, id := startWorkflow(t, def)

	payloads := pollUntilDone(t, e, id)
	require.Len(t, payloads, 1)
	assert.Equal(t, []string{"else"}, batchMessages(t, payloads[0]))
}

func TestConditional_MissingTemplateVariableInConditionFails(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name: "wf",
		Steps: []models.StepDefinition{
			{ID: "cond", Type: models.StepConditional, Definition: map[string]interface{}{"condition": "no_such_var > 1"},
				Then: []models.StepDefinition{msg("never")}},
		},
	}
	e, id := startWorkflow(t, def)

	_, err := e.GetNextStep(id, "")
	require.Error(t, err, "a missing identifier raises in conditions even though it substitutes empty in templates")
	rec, _ := e.Status(id)
	assert.Equal(t, models.StatusFailed, rec.State)
}

func TestStateUpdate_ObservableToNextStep(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name:         "wf",
		DefaultState: map[string]interface{}{"x": float64(1)},
		StateSchema: map[string]models.ComputedFieldSpec{
			"tripled": {From: "state.x", Transform: "state.x * 3"},
		},
		Steps: []models.StepDefinition{
			setState("state.x", float64(4)),
			msg("x={{ state.x }} tripled={{ computed.tripled }}"),
		},
	}
	e, id := startWorkflow(t, def)

	payloads := pollUntilDone(t, e, id)
	require.Len(t, payloads, 1)
	assert.Equal(t, []string{"x=4 tripled=12"}, batchMessages(t, payloads[0]))
}

func TestBatching_SplitsAtBlockingStep(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name: "wf",
		Steps: []models.StepDefinition{
			msg("a"),
			msg("b"),
			{ID: "wait", Type: models.StepWait, Definition: map[string]interface{}{"message": "pausing"}},
			msg("c"),
		},
	}
	e, id := startWorkflow(t, def)

	payloads := pollUntilDone(t, e, id)
	require.Len(t, payloads, 3)
	assert.Equal(t, []string{"a", "b"}, batchMessages(t, payloads[0]), "consecutive messages coalesce")
	assert.Equal(t, models.StepWait, payloads[1].Type)
	assert.Equal(t, []string{"c"}, batchMessages(t, payloads[2]))
}

func TestPayloads_NeverCarryRawPlaceholders(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name:         "wf",
		DefaultState: map[string]interface{}{"who": "world"},
		Steps: []models.StepDefinition{
			{ID: "p", Type: models.StepAgentPrompt, Definition: map[string]interface{}{"prompt": "hello {{ state.who }}"}},
		},
	}
	e, id := startWorkflow(t, def)

	payload, err := e.GetNextStep(id, "")
	require.NoError(t, err)
	require.NotNil(t, payload)
	prompt, _ := payload.Definition["prompt"].(string)
	assert.Equal(t, "hello world", prompt)
	assert.False(t, strings.Contains(prompt, "{{"))
}

func TestShellCommand_CapturesStreamsViaSourceTokens(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name: "wf",
		Steps: []models.StepDefinition{
			{ID: "sh", Type: models.StepShellCommand, Definition: map[string]interface{}{
				"command": "printf hello-from-shell",
				"state_update": map[string]interface{}{
					"path":   "state.out",
					"source": "stdout",
				},
			}},
			setState("state.rc", "returncode"),
		},
	}
	e, id := startWorkflow(t, def)
	pollUntilDone(t, e, id)

	view := finalState(t, e, id)
	assert.Equal(t, "hello-from-shell", view["out"])
	assert.Equal(t, float64(0), view["rc"])
}

func TestShellCommand_NonZeroExitIsCapturedNotFatal(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name: "wf",
		Steps: []models.StepDefinition{
			{ID: "sh", Type: models.StepShellCommand, Definition: map[string]interface{}{
				"command": "exit 3",
				"state_update": map[string]interface{}{
					"path":   "state.rc",
					"source": "returncode",
				},
			}},
			msg("still here"),
		},
	}
	e, id := startWorkflow(t, def)

	payloads := pollUntilDone(t, e, id)
	require.Len(t, payloads, 1)

	view := finalState(t, e, id)
	assert.Equal(t, float64(3), view["rc"])
	rec, _ := e.Status(id)
	assert.Equal(t, models.StatusCompleted, rec.State)
}

func TestShellCommand_FailIfGuard(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name: "wf",
		Steps: []models.StepDefinition{
			{ID: "sh", Type: models.StepShellCommand, Definition: map[string]interface{}{
				"command": "exit 3",
				"fail_if": "returncode != 0",
			}},
			msg("unreachable"),
		},
	}
	e, id := startWorkflow(t, def)

	_, err := e.GetNextStep(id, "")
	require.Error(t, err)
	rec, _ := e.Status(id)
	assert.Equal(t, models.StatusFailed, rec.State)
	assert.Equal(t, models.ErrorKindStepExecution, rec.Error.Kind)
}

func TestMCPCall_ClientContextSuspends(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name:         "wf",
		DefaultState: map[string]interface{}{"file": "a.txt"},
		Steps: []models.StepDefinition{
			{ID: "tool", Type: models.StepMCPCall, Definition: map[string]interface{}{
				"tool":              "fs.read",
				"execution_context": "client",
				"parameters":        map[string]interface{}{"path": "{{ state.file }}"},
			}},
			setState("state.content", "result"),
		},
	}
	e, id := startWorkflow(t, def)

	payload, err := e.GetNextStep(id, "")
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, models.StepMCPCall, payload.Type)
	params, _ := payload.Definition["parameters"].(map[string]interface{})
	assert.Equal(t, "a.txt", params["path"], "parameters are substituted before emission")

	require.NoError(t, e.StepComplete(id, "", "tool", "file-contents"))
	pollUntilDone(t, e, id)

	view := finalState(t, e, id)
	assert.Equal(t, "file-contents", view["content"])
}
