package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aroton/AroMCP-sub001/pkg/models"
)

// fanoutDef builds a workflow whose single root step fans items out to the
// given task.
func fanoutDef(items string, task models.SubAgentTaskSpec) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		Name: "wf",
		Steps: []models.StepDefinition{
			{ID: "fan", Type: models.StepParallelForeach, Definition: map[string]interface{}{
				"items":          items,
				"sub_agent_task": "worker",
			}},
			msg("parent resumed"),
		},
		SubAgentTasks: map[string]models.SubAgentTaskSpec{"worker": task},
	}
}

// drainSubAgent polls one sub-agent to its terminal state, tolerating the
// error a failing sub-agent surfaces on its final poll.
func drainSubAgent(t *testing.T, e *Engine, id, taskID string) {
	t.Helper()
	for i := 0; i < 50; i++ {
		payload, err := e.GetNextStep(id, taskID)
		if err != nil {
			return // the sub-agent failed; that is its terminal state
		}
		if payload == nil {
			return
		}
	}
	t.Fatalf("sub-agent %s did not finish", taskID)
}

func startFanout(t *testing.T, def *models.WorkflowDefinition) (*Engine, string, []string) {
	t.Helper()
	e, id := startWorkflow(t, def)

	payload, err := e.GetNextStep(id, "")
	require.NoError(t, err)
	require.NotNil(t, payload)
	require.Equal(t, models.StepParallelForeach, payload.Type)

	raw, _ := payload.Definition["task_ids"].([]string)
	return e, id, raw
}

func TestParallelForeach_FanOutAndAggregate(t *testing.T) {
	def := fanoutDef("['a','b','c']", models.SubAgentTaskSpec{
		Steps: []models.StepDefinition{
			setState("state.shout", "{{ item }}!"),
		},
	})
	e, id, taskIDs := startFanout(t, def)
	require.Equal(t, []string{"worker.item0", "worker.item1", "worker.item2"}, taskIDs)

	rec, _ := e.Status(id)
	assert.Equal(t, models.StatusWaitingForClient, rec.State)

	// The parent emits nothing while its sub-agents run.
	payload, err := e.GetNextStep(id, "")
	require.NoError(t, err)
	assert.Nil(t, payload)

	// Complete in reverse order: aggregation must still be item-ordered.
	for i := len(taskIDs) - 1; i >= 0; i-- {
		drainSubAgent(t, e, id, taskIDs[i])
	}

	payloads := pollUntilDone(t, e, id)
	require.Len(t, payloads, 1)
	assert.Equal(t, []string{"parent resumed"}, batchMessages(t, payloads[0]))

	view := finalState(t, e, id)
	results, ok := view["worker_results"].([]interface{})
	require.True(t, ok, "aggregation lands at state.<task_name>_results")
	require.Len(t, results, 3)
	for i, want := range []string{"a!", "b!", "c!"} {
		entry := results[i].(map[string]interface{})
		assert.Equal(t, true, entry["ok"])
		st := entry["state"].(map[string]interface{})
		assert.Equal(t, want, st["shout"])
	}
}

func TestParallelForeach_OneFailureDoesNotAffectSiblings(t *testing.T) {
	def := fanoutDef("['ok1','ok2','fail']", models.SubAgentTaskSpec{
		Steps: []models.StepDefinition{
			// A break outside any loop is a deterministic per-item failure.
			{Type: models.StepConditional, Definition: map[string]interface{}{"condition": "item == 'fail'"},
				Then: []models.StepDefinition{{Type: models.StepBreak}}},
			setState("state.echo", "{{ item }}"),
		},
	})
	e, id, taskIDs := startFanout(t, def)

	for _, taskID := range taskIDs {
		drainSubAgent(t, e, id, taskID)
	}

	pollUntilDone(t, e, id)
	rec, _ := e.Status(id)
	assert.Equal(t, models.StatusCompleted, rec.State, "the parent completes despite one failed sub-agent")

	view := finalState(t, e, id)
	results := view["worker_results"].([]interface{})
	require.Len(t, results, 3)

	okCount := 0
	for _, r := range results {
		entry := r.(map[string]interface{})
		if entry["ok"] == true {
			okCount++
		} else {
			assert.NotEmpty(t, entry["error"])
		}
	}
	assert.Equal(t, 2, okCount)
	assert.Equal(t, false, results[2].(map[string]interface{})["ok"])
}

func TestParallelForeach_EmptyItems(t *testing.T) {
	def := fanoutDef("[]", models.SubAgentTaskSpec{
		Steps: []models.StepDefinition{msg("never")},
	})
	e, id := startWorkflow(t, def)

	payloads := pollUntilDone(t, e, id)
	require.Len(t, payloads, 1)
	assert.Equal(t, []string{"parent resumed"}, batchMessages(t, payloads[0]))

	view := finalState(t, e, id)
	assert.Equal(t, []interface{}{}, view["worker_results"])
}

func TestParallelForeach_NonArrayItemsFails(t *testing.T) {
	def := fanoutDef("'oops'", models.SubAgentTaskSpec{
		Steps: []models.StepDefinition{msg("never")},
	})
	e, id := startWorkflow(t, def)

	_, err := e.GetNextStep(id, "")
	require.Error(t, err)
	rec, _ := e.Status(id)
	assert.Equal(t, models.StatusFailed, rec.State)
	assert.Equal(t, models.ErrorKindSubAgent, rec.Error.Kind)
}

func TestParallelForeach_UnknownTaskFails(t *testing.T) {
	def := fanoutDef("['a']", models.SubAgentTaskSpec{Steps: []models.StepDefinition{msg("x")}})
	def.Steps[0].Definition["sub_agent_task"] = "nope"

	e, id := startWorkflow(t, def)
	_, err := e.GetNextStep(id, "")
	require.Error(t, err)
	rec, _ := e.Status(id)
	assert.Equal(t, models.ErrorKindSubAgent, rec.Error.Kind)
}

func TestSubAgent_IsolationAndGlobalReads(t *testing.T) {
	def := fanoutDef("['x']", models.SubAgentTaskSpec{
		DefaultState: map[string]interface{}{"local": "fresh"},
		Steps: []models.StepDefinition{
			setState("state.fromparent", "{{ global.greeting }}"),
			setState("state.local", "changed"),
		},
	})
	def.DefaultState = map[string]interface{}{"greeting": "hello"}

	e, id, taskIDs := startFanout(t, def)
	drainSubAgent(t, e, id, taskIDs[0])
	pollUntilDone(t, e, id)

	view := finalState(t, e, id)
	assert.Equal(t, "hello", view["greeting"], "parent state untouched by the sub-agent")
	_, leaked := view["local"]
	assert.False(t, leaked, "sub-agent writes stay isolated until aggregation")

	results := view["worker_results"].([]interface{})
	st := results[0].(map[string]interface{})["state"].(map[string]interface{})
	assert.Equal(t, "hello", st["fromparent"], "global.* reads resolve against the parent")
	assert.Equal(t, "changed", st["local"])
}

func TestSubAgent_TaskInputsBoundFromParentScope(t *testing.T) {
	def := fanoutDef("['alpha','beta']", models.SubAgentTaskSpec{
		Inputs: map[string]string{
			"word":     "item",
			"position": "index",
		},
		Steps: []models.StepDefinition{
			setState("state.tag", "{{ inputs.position }}-{{ inputs.word }}"),
		},
	})
	e, id, taskIDs := startFanout(t, def)
	for _, taskID := range taskIDs {
		drainSubAgent(t, e, id, taskID)
	}
	pollUntilDone(t, e, id)

	view := finalState(t, e, id)
	results := view["worker_results"].([]interface{})
	st0 := results[0].(map[string]interface{})["state"].(map[string]interface{})
	st1 := results[1].(map[string]interface{})["state"].(map[string]interface{})
	assert.Equal(t, "0-alpha", st0["tag"])
	assert.Equal(t, "1-beta", st1["tag"])
}

func TestSubAgent_PromptTemplateTask(t *testing.T) {
	def := fanoutDef("['doc1']", models.SubAgentTaskSpec{
		PromptTemplate: "review {{ item }} carefully",
	})
	e, id, taskIDs := startFanout(t, def)

	payload, err := e.GetNextStep(id, taskIDs[0])
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, models.StepAgentPrompt, payload.Type)
	assert.Equal(t, "review doc1 carefully", payload.Definition["prompt"])
}

func TestSubAgent_MaxParallelWindow(t *testing.T) {
	def := fanoutDef("['a','b','c']", models.SubAgentTaskSpec{
		MaxParallel: 1,
		Steps:       []models.StepDefinition{setState("state.done", true)},
	})
	e, id, taskIDs := startFanout(t, def)

	// Only the first item is admitted; the rest queue FIFO.
	payload, err := e.GetNextStep(id, taskIDs[1])
	require.NoError(t, err)
	assert.Nil(t, payload, "a queued sub-agent emits nothing until admitted")

	drainSubAgent(t, e, id, taskIDs[0])

	// Finishing item0 admits item1.
	drainSubAgent(t, e, id, taskIDs[1])
	drainSubAgent(t, e, id, taskIDs[2])
	pollUntilDone(t, e, id)

	rec, _ := e.Status(id)
	assert.Equal(t, models.StatusCompleted, rec.State)
}

func TestSubAgent_TimeoutMarksFailedWithoutAffectingSiblings(t *testing.T) {
	def := fanoutDef("['slow','quick']", models.SubAgentTaskSpec{
		TimeoutSeconds: 1,
		Steps:          []models.StepDefinition{setState("state.ok", true)},
	})
	e, id, taskIDs := startFanout(t, def)

	// Simulate the slow sub-agent blowing its wall-clock budget.
	inst, err := e.resolve(id, "")
	require.NoError(t, err)
	inst.mu.Lock()
	past := time.Now().Add(-2 * time.Second)
	inst.SubAgents[taskIDs[0]].StartedAt = &past
	inst.mu.Unlock()

	drainSubAgent(t, e, id, taskIDs[1])

	// The next root poll sweeps timeouts and aggregates.
	pollUntilDone(t, e, id)

	view := finalState(t, e, id)
	results := view["worker_results"].([]interface{})
	require.Len(t, results, 2)
	assert.Equal(t, false, results[0].(map[string]interface{})["ok"])
	assert.Contains(t, results[0].(map[string]interface{})["error"], "SubAgentTimeout")
	assert.Equal(t, true, results[1].(map[string]interface{})["ok"])

	subs, err := e.ListSubAgents(id)
	require.NoError(t, err)
	assert.Len(t, subs, 2)
}

func TestParallelForeach_FailFastPolicy(t *testing.T) {
	def := fanoutDef("['fail','ok']", models.SubAgentTaskSpec{
		OnError: "fail_fast",
		Steps: []models.StepDefinition{
			{Type: models.StepConditional, Definition: map[string]interface{}{"condition": "item == 'fail'"},
				Then: []models.StepDefinition{{Type: models.StepBreak}}},
			setState("state.echo", "{{ item }}"),
		},
	})
	e, id, taskIDs := startFanout(t, def)

	drainSubAgent(t, e, id, taskIDs[0])

	rec, _ := e.Status(id)
	assert.Equal(t, models.StatusFailed, rec.State)
	assert.Equal(t, models.ErrorKindSubAgent, rec.Error.Kind)
}

func TestDebugSerial_FinalStateMatchesParallelRun(t *testing.T) {
	build := func() *models.WorkflowDefinition {
		return fanoutDef("['a','b','c']", models.SubAgentTaskSpec{
			Steps: []models.StepDefinition{
				setState("state.value", "{{ index }}:{{ item }}"),
			},
		})
	}

	run := func(t *testing.T) map[string]interface{} {
		e, id, taskIDs := startFanout(t, build())
		// Poll round-robin until every sub-agent terminates; under
		// debug-serial only one is admitted at a time, so queued ones
		// return nil until their turn.
		for round := 0; round < 20; round++ {
			for _, taskID := range taskIDs {
				payload, err := e.GetNextStep(id, taskID)
				require.NoError(t, err)
				_ = payload
			}
			if rec, _ := e.Status(id); rec.State != models.StatusWaitingForClient {
				break
			}
		}
		pollUntilDone(t, e, id)
		return finalState(t, e, id)
	}

	parallelView := run(t)

	t.Setenv("AROMCP_WORKFLOW_DEBUG", "serial")
	serialView := run(t)

	assert.Equal(t, parallelView, serialView, "debug-serial must be observationally identical")
}
