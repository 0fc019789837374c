// Package loader parses workflow YAML files into validated
// WorkflowDefinitions and keeps an in-memory registry of them, optionally
// watching a directory (AROMCP_WORKFLOW_DIR) for changes.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Aroton/AroMCP-sub001/pkg/models"
)

// Parse unmarshals and validates one workflow definition. Validation
// includes the computed-field cycle check, so a workflow with a cyclic
// state_schema is rejected here, before any instance can start.
func Parse(data []byte) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("loader: invalid workflow YAML: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	normalizeDefinition(&def)
	assignStepIDs(&def)
	return &def, nil
}

// normalizeDefinition coerces every YAML-decoded value tree (default_state,
// input defaults, computed fallbacks) into the JSON-shaped form the engine
// operates on; step definitions already normalize during unmarshal.
func normalizeDefinition(def *models.WorkflowDefinition) {
	def.DefaultState, _ = models.NormalizeValue(def.DefaultState).(map[string]interface{})
	for name, spec := range def.Inputs {
		spec.Default = models.NormalizeValue(spec.Default)
		def.Inputs[name] = spec
	}
	for name, spec := range def.StateSchema {
		spec.Fallback = models.NormalizeValue(spec.Fallback)
		def.StateSchema[name] = spec
	}
	for name, task := range def.SubAgentTasks {
		task.DefaultState, _ = models.NormalizeValue(task.DefaultState).(map[string]interface{})
		def.SubAgentTasks[name] = task
	}
}

// LoadFile parses a single workflow file.
func LoadFile(path string) (*models.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("loader: %s: %w", filepath.Base(path), err)
	}
	return def, nil
}

// IsWorkflowFile reports whether a directory entry looks like a workflow
// definition.
func IsWorkflowFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// assignStepIDs gives every step without an explicit id a deterministic
// "step_<nnn>" id, numbering steps in document order across nesting and
// sub-agent tasks.
func assignStepIDs(def *models.WorkflowDefinition) {
	taken := make(map[string]bool)
	var collect func(steps []models.StepDefinition)
	collect = func(steps []models.StepDefinition) {
		for i := range steps {
			if steps[i].ID != "" {
				taken[steps[i].ID] = true
			}
			collect(steps[i].Then)
			collect(steps[i].Else)
			collect(steps[i].Body)
		}
	}
	collect(def.Steps)
	for _, task := range def.SubAgentTasks {
		collect(task.Steps)
	}

	n := 0
	next := func() string {
		for {
			n++
			id := fmt.Sprintf("step_%03d", n)
			if !taken[id] {
				taken[id] = true
				return id
			}
		}
	}
	var walk func(steps []models.StepDefinition)
	walk = func(steps []models.StepDefinition) {
		for i := range steps {
			if steps[i].ID == "" {
				steps[i].ID = next()
			}
			walk(steps[i].Then)
			walk(steps[i].Else)
			walk(steps[i].Body)
		}
	}
	walk(def.Steps)
	for name := range def.SubAgentTasks {
		task := def.SubAgentTasks[name]
		walk(task.Steps)
		def.SubAgentTasks[name] = task
	}
}
