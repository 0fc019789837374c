package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowDefinition_Validate(t *testing.T) {
	t.Run("requires name", func(t *testing.T) {
		w := &WorkflowDefinition{Steps: []StepDefinition{{Type: StepUserMessage}}}
		err := w.Validate()
		require.Error(t, err)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "name", verr.Field)
	})

	t.Run("requires at least one step", func(t *testing.T) {
		w := &WorkflowDefinition{Name: "wf"}
		err := w.Validate()
		require.Error(t, err)
	})

	t.Run("rejects duplicate step ids across nesting", func(t *testing.T) {
		w := &WorkflowDefinition{
			Name: "wf",
			Steps: []StepDefinition{
				{ID: "a", Type: StepUserMessage},
				{
					ID:   "b",
					Type: StepConditional,
					Then: []StepDefinition{{ID: "a", Type: StepUserMessage}},
				},
			},
		}
		err := w.Validate()
		require.Error(t, err)
	})

	t.Run("accepts a well-formed workflow", func(t *testing.T) {
		w := &WorkflowDefinition{
			Name: "wf",
			Inputs: map[string]InputSpec{
				"topic": {Type: "string", Required: true},
			},
			DefaultState: map[string]interface{}{"count": 0},
			StateSchema: map[string]ComputedFieldSpec{
				"double": {From: "state.count", Transform: "this * 2"},
			},
			Steps: []StepDefinition{
				{ID: "s1", Type: StepUserMessage},
			},
		}
		assert.NoError(t, w.Validate())
	})
}

func TestDetectComputedCycle(t *testing.T) {
	t.Run("detects a direct cycle", func(t *testing.T) {
		schema := map[string]ComputedFieldSpec{
			"a": {From: "computed.b"},
			"b": {From: "computed.a"},
		}
		err := detectComputedCycle(schema)
		require.Error(t, err)
		var cycle *ComputedCycle
		require.ErrorAs(t, err, &cycle)
	})

	t.Run("allows a diamond dependency", func(t *testing.T) {
		schema := map[string]ComputedFieldSpec{
			"a": {From: "state.x"},
			"b": {From: "computed.a"},
			"c": {From: "computed.a"},
			"d": {From: []string{"computed.b", "computed.c"}},
		}
		assert.NoError(t, detectComputedCycle(schema))
	})

	t.Run("detects indirect cycles", func(t *testing.T) {
		schema := map[string]ComputedFieldSpec{
			"a": {From: "computed.b"},
			"b": {From: "computed.c"},
			"c": {From: "computed.a"},
		}
		assert.Error(t, detectComputedCycle(schema))
	})
}

func TestWorkflowDefinition_FindStep(t *testing.T) {
	w := &WorkflowDefinition{
		Name: "wf",
		Steps: []StepDefinition{
			{
				ID:   "cond",
				Type: StepConditional,
				Then: []StepDefinition{{ID: "nested", Type: StepUserMessage}},
			},
		},
	}

	s, err := w.FindStep("nested")
	require.NoError(t, err)
	assert.Equal(t, StepUserMessage, s.Type)

	_, err = w.FindStep("missing")
	assert.ErrorIs(t, err, ErrStepNotFound)
}
