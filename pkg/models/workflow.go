package models

import (
	"fmt"
)

// WorkflowDefinition is the parsed, validated form of a workflow YAML file.
// It is immutable once loaded into the registry; every WorkflowInstance
// executes against a pointer to one of these.
type WorkflowDefinition struct {
	Name        string                  `yaml:"name" json:"name"`
	Version     string                  `yaml:"version,omitempty" json:"version,omitempty"`
	Description string                  `yaml:"description,omitempty" json:"description,omitempty"`

	// Inputs declares the frozen input schema. Keys are input names; values
	// describe type/required/default rather than a full JSON-schema dialect.
	Inputs map[string]InputSpec `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// DefaultState seeds the mutable `state` tier at instance creation.
	DefaultState map[string]interface{} `yaml:"default_state,omitempty" json:"default_state,omitempty"`

	// StateSchema declares the `computed` tier: expressions evaluated from
	// inputs/state/other computed fields, recomputed when a dependency
	// changes.
	StateSchema map[string]ComputedFieldSpec `yaml:"state_schema,omitempty" json:"state_schema,omitempty"`

	// Steps is the top-level, ordered step list executed by the root
	// instance.
	Steps []StepDefinition `yaml:"steps" json:"steps"`

	// SubAgentTasks maps a task name to the step list a sub-agent fan-out
	// (parallel_foreach) executes per item.
	SubAgentTasks map[string]SubAgentTaskSpec `yaml:"sub_agent_tasks,omitempty" json:"sub_agent_tasks,omitempty"`

	// Config carries workflow-wide execution tunables.
	Config WorkflowConfigSpec `yaml:"config,omitempty" json:"config,omitempty"`
}

// WorkflowConfigSpec is the workflow-YAML `config` block.
type WorkflowConfigSpec struct {
	ExecutionMode  string `yaml:"execution_mode,omitempty" json:"execution_mode,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// InputSpec describes one entry of the frozen `inputs` tier.
type InputSpec struct {
	Type        string      `yaml:"type" json:"type"`
	Required    bool        `yaml:"required,omitempty" json:"required,omitempty"`
	Default     interface{} `yaml:"default,omitempty" json:"default,omitempty"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
}

// ComputedFieldSpec describes one `computed.*` entry: an expression plus the
// set of paths it reads, used by the computed-field dependency graph both for
// load-time cycle detection and for dirty-marking on writes.
type ComputedFieldSpec struct {
	From       interface{} `yaml:"from" json:"from"`                   // string or []string of source paths
	Transform  string      `yaml:"transform,omitempty" json:"transform,omitempty"`
	OnError    string      `yaml:"on_error,omitempty" json:"on_error,omitempty"` // "use_fallback" | "propagate"
	Fallback   interface{} `yaml:"fallback,omitempty" json:"fallback,omitempty"`
}

// SubAgentTaskSpec is a named task definition a sub-agent fan-out executes
// once per fanned-out item: its own inputs (expressions bound from the
// parent's scope with `item` in scope), its own default_state and computed
// schema, and either a step list or a prompt template to hand the client.
type SubAgentTaskSpec struct {
	Inputs         map[string]string            `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	DefaultState   map[string]interface{}       `yaml:"default_state,omitempty" json:"default_state,omitempty"`
	StateSchema    map[string]ComputedFieldSpec `yaml:"state_schema,omitempty" json:"state_schema,omitempty"`
	Steps          []StepDefinition             `yaml:"steps,omitempty" json:"steps,omitempty"`
	PromptTemplate string                       `yaml:"prompt_template,omitempty" json:"prompt_template,omitempty"`
	MaxParallel    int                          `yaml:"max_parallel,omitempty" json:"max_parallel,omitempty"`
	TimeoutSeconds int                          `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	OnError        string                       `yaml:"on_error,omitempty" json:"on_error,omitempty"` // "fail_fast" | "collect_partial"
	ResultsKey     string                       `yaml:"results_key,omitempty" json:"results_key,omitempty"`
}

// StepType enumerates the 14 step kinds the Step Registry dispatches.
type StepType string

const (
	StepUserMessage     StepType = "user_message"
	StepUserInput       StepType = "user_input"
	StepAgentPrompt     StepType = "agent_prompt"
	StepAgentResponse   StepType = "agent_response"
	StepMCPCall         StepType = "mcp_call"
	StepShellCommand    StepType = "shell_command"
	StepWait            StepType = "wait_step"
	StepConditional     StepType = "conditional"
	StepWhileLoop       StepType = "while_loop"
	StepForeach         StepType = "foreach"
	StepBreak           StepType = "break"
	StepContinue        StepType = "continue"
	StepParallelForeach StepType = "parallel_foreach"
	StepStateUpdate     StepType = "state_update"
)

// StepDefinition is one entry of a workflow's (or sub-agent task's) step
// list. Definition holds the type-specific payload as a loosely-typed map;
// handlers in pkg/engine decode the fields they need.
type StepDefinition struct {
	ID         string                 `json:"id,omitempty"`
	Type       StepType               `json:"type"`
	Definition map[string]interface{} `json:"definition,omitempty"`

	// Nested step lists, present only on control-flow step types.
	Then []StepDefinition `json:"then,omitempty"`
	Else []StepDefinition `json:"else,omitempty"`
	Body []StepDefinition `json:"body,omitempty"`
}

// UnmarshalYAML flattens the workflow-YAML step surface: `id` and `type`
// are lifted into their fields, `then_steps`/`else_steps`/`body` (and the
// short `then`/`else` spellings) become nested step lists, and every other
// key is collected into Definition for the step's handler to decode.
func (s *StepDefinition) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw map[string]interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}

	type nested struct {
		Then      []StepDefinition `yaml:"then"`
		ThenSteps []StepDefinition `yaml:"then_steps"`
		Else      []StepDefinition `yaml:"else"`
		ElseSteps []StepDefinition `yaml:"else_steps"`
		Body      []StepDefinition `yaml:"body"`
	}
	var n nested
	if err := unmarshal(&n); err != nil {
		return err
	}

	if id, ok := raw["id"].(string); ok {
		s.ID = id
	}
	if t, ok := raw["type"].(string); ok {
		s.Type = StepType(t)
	}
	s.Then = n.Then
	if len(n.ThenSteps) > 0 {
		s.Then = n.ThenSteps
	}
	s.Else = n.Else
	if len(n.ElseSteps) > 0 {
		s.Else = n.ElseSteps
	}
	s.Body = n.Body

	s.Definition = make(map[string]interface{}, len(raw))
	for k, v := range raw {
		switch k {
		case "id", "type", "then", "then_steps", "else", "else_steps", "body":
			continue
		}
		s.Definition[k] = NormalizeValue(v)
	}
	return nil
}

// NormalizeValue converts yaml.v3's decoded trees into the JSON-shaped
// values (float64 numbers included) the expression evaluator and state
// store operate on.
func NormalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = NormalizeValue(vv)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[fmt.Sprintf("%v", k)] = NormalizeValue(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = NormalizeValue(vv)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}

// Validate checks structural invariants of a workflow definition: unique
// step ids, a non-empty step list, and that the computed-field dependency
// graph (built from StateSchema's `From` paths) is acyclic. It does not
// evaluate expressions; that is the expression evaluator's job at runtime.
func (w *WorkflowDefinition) Validate() error {
	if w.Name == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if len(w.Steps) == 0 {
		return &ValidationError{Field: "steps", Message: "at least one step is required"}
	}

	seen := make(map[string]bool)
	if err := validateStepIDs(w.Steps, seen); err != nil {
		return err
	}
	for name, task := range w.SubAgentTasks {
		if len(task.Steps) == 0 && task.PromptTemplate == "" {
			return &ValidationError{Field: "sub_agent_tasks." + name, Message: "task must declare steps or a prompt_template"}
		}
		if err := validateStepIDs(task.Steps, seen); err != nil {
			return err
		}
	}

	if err := detectComputedCycle(w.StateSchema); err != nil {
		return err
	}

	return nil
}

func validateStepIDs(steps []StepDefinition, seen map[string]bool) error {
	for _, s := range steps {
		if s.Type == "" {
			return &ValidationError{Field: "steps", Message: "step type is required"}
		}
		if s.ID != "" {
			if seen[s.ID] {
				return &ValidationError{Field: "steps", Message: fmt.Sprintf("duplicate step id: %s", s.ID)}
			}
			seen[s.ID] = true
		}
		if err := validateStepIDs(s.Then, seen); err != nil {
			return err
		}
		if err := validateStepIDs(s.Else, seen); err != nil {
			return err
		}
		if err := validateStepIDs(s.Body, seen); err != nil {
			return err
		}
	}
	return nil
}

// detectComputedCycle walks the `from` references of each computed field and
// reports a ComputedCycle the first time a DFS revisits a field still on the
// current path. Only computed.<name> self-references are tracked; inputs.*
// and state.* are leaves that cannot participate in a cycle.
func detectComputedCycle(schema map[string]ComputedFieldSpec) error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(schema))
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			cycle := append(append([]string{}, path...), name)
			return &ComputedCycle{Fields: cycle}
		}
		spec, ok := schema[name]
		if !ok {
			return nil
		}
		state[name] = visiting
		path = append(path, name)
		for _, dep := range computedDeps(spec.From) {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[name] = done
		return nil
	}

	for name := range schema {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

const computedPrefix = "computed."

func computedDeps(from interface{}) []string {
	var paths []string
	switch v := from.(type) {
	case string:
		paths = []string{v}
	case []string:
		paths = v
	case []interface{}:
		for _, e := range v {
			if s, ok := e.(string); ok {
				paths = append(paths, s)
			}
		}
	}

	var deps []string
	for _, p := range paths {
		if len(p) > len(computedPrefix) && p[:len(computedPrefix)] == computedPrefix {
			deps = append(deps, p[len(computedPrefix):])
		}
	}
	return deps
}

// FindStep returns a step by id, searching nested then/else/body lists.
func (w *WorkflowDefinition) FindStep(id string) (*StepDefinition, error) {
	if s := findStepIn(w.Steps, id); s != nil {
		return s, nil
	}
	for _, task := range w.SubAgentTasks {
		if s := findStepIn(task.Steps, id); s != nil {
			return s, nil
		}
	}
	return nil, ErrStepNotFound
}

func findStepIn(steps []StepDefinition, id string) *StepDefinition {
	for i := range steps {
		if steps[i].ID == id {
			return &steps[i]
		}
		if s := findStepIn(steps[i].Then, id); s != nil {
			return s
		}
		if s := findStepIn(steps[i].Else, id); s != nil {
			return s
		}
		if s := findStepIn(steps[i].Body, id); s != nil {
			return s
		}
	}
	return nil
}
