package engine

import (
	"os"
	"strconv"
	"time"

	"github.com/Aroton/AroMCP-sub001/pkg/models"
	"github.com/Aroton/AroMCP-sub001/pkg/state"
)

// debugSerial reports whether AROMCP_WORKFLOW_DEBUG=serial is set, which
// collapses parallel_foreach to a deterministic sequential walk: the
// aggregation key and final parent state are constructed identically to
// the concurrent path.
func debugSerial() bool {
	return os.Getenv("AROMCP_WORKFLOW_DEBUG") == "serial"
}

// fanout tracks one parallel_foreach invocation's concurrency window and
// aggregation bookkeeping. It lives on the parent Instance so its lifetime
// and locking follow the instance's own.
type fanout struct {
	taskName       string
	stepID         string
	taskIDs        []string
	maxParallel    int
	timeoutSeconds int
	onError        string // "fail_fast" | "collect_partial" (default)
	resultsKey     string
	active         map[string]bool
	done           bool
}

// parallelForeachHandler fans a task out to one sub-agent Instance per item
// and hands control to the coordinator. The parent transitions
// to WaitingForClient; clients drive each sub-agent's own queue by polling
// get_next_step(id, task_id). Aggregation happens once every sub-agent
// reaches a terminal state, at which point the parent resumes Running.
type parallelForeachHandler struct{}

func (parallelForeachHandler) QueueMode(*models.StepDefinition) QueueMode { return ModeBlocking }

func (h parallelForeachHandler) Handle(inst *Instance, step *models.StepDefinition) (*Outcome, error) {
	itemsExpr, _ := step.Definition["items"].(string)
	taskName, _ := step.Definition["sub_agent_task"].(string)

	v, err := inst.eval(itemsExpr)
	if err != nil {
		return nil, err
	}
	items, ok := v.([]interface{})
	if !ok {
		return &Outcome{Kind: OutcomeFail, Err: models.NewWorkflowError(
			models.ErrorKindSubAgent, step.ID, "parallel_foreach items did not evaluate to an array", nil)}, nil
	}
	spec, ok := inst.Def.SubAgentTasks[taskName]
	if !ok {
		return &Outcome{Kind: OutcomeFail, Err: models.NewWorkflowError(
			models.ErrorKindSubAgent, step.ID, "unknown sub_agent_task "+taskName, nil)}, nil
	}

	maxParallel := spec.MaxParallel
	if m, ok := step.Definition["max_parallel"].(float64); ok && m > 0 {
		maxParallel = int(m)
	}
	if maxParallel <= 0 {
		maxParallel = 10
	}
	timeoutSeconds := spec.TimeoutSeconds
	if t, ok := step.Definition["timeout_seconds"].(float64); ok && t > 0 {
		timeoutSeconds = int(t)
	}
	resultsKey := "state." + taskName + "_results"
	if spec.ResultsKey != "" {
		resultsKey = spec.ResultsKey
	}

	f := &fanout{
		taskName:       taskName,
		stepID:         step.ID,
		maxParallel:    maxParallel,
		timeoutSeconds: timeoutSeconds,
		onError:        spec.OnError,
		resultsKey:     resultsKey,
		active:         make(map[string]bool),
	}

	if len(items) == 0 {
		// Nothing to fan out: aggregation is an empty result list and the
		// parent keeps draining.
		return &Outcome{Kind: OutcomeContinue, StateOps: []StateOp{
			{Path: resultsKey, Operation: "set", Value: []interface{}{}},
		}}, nil
	}

	graph, err := state.BuildGraph(spec.StateSchema)
	if err != nil {
		return &Outcome{Kind: OutcomeFail, Err: models.NewWorkflowError(
			models.ErrorKindSubAgent, step.ID, "sub_agent_task state_schema invalid", err)}, nil
	}

	if inst.SubAgents == nil {
		inst.SubAgents = make(map[string]*Instance)
	}
	for i, item := range items {
		sub, err := newSubAgentInstance(inst, taskName, i, len(items), item, spec, graph)
		if err != nil {
			return &Outcome{Kind: OutcomeFail, Err: models.NewWorkflowError(
				models.ErrorKindSubAgent, step.ID, "sub-agent input binding failed", err)}, nil
		}
		inst.SubAgents[sub.ID] = sub
		f.taskIDs = append(f.taskIDs, sub.ID)
		if inst.Tracker != nil {
			inst.Tracker.Record(sub.ID, models.EventSubAgentStarted, step.ID, map[string]interface{}{"task_name": taskName, "item_index": i})
		}
	}
	inst.fanouts = append(inst.fanouts, f)
	activateNext(inst, f)
	inst.Status = models.StatusWaitingForClient

	return &Outcome{Kind: OutcomeEmit, Payload: &models.StepPayload{
		ID:   step.ID,
		Type: step.Type,
		Definition: map[string]interface{}{
			"sub_agent_task": taskName,
			"item_count":     len(items),
			"task_ids":       f.taskIDs,
		},
	}}, nil
}

// activateNext admits queued sub-agents up to maxParallel, FIFO. Under
// debug-serial mode the effective window collapses to 1, turning the fanout
// into a sequential walk through the same aggregation path, so the parent's
// final state matches the concurrent run byte for byte.
func activateNext(parent *Instance, f *fanout) {
	limit := f.maxParallel
	if debugSerial() {
		limit = 1
	}
	for _, id := range f.taskIDs {
		if len(f.active) >= limit {
			return
		}
		sub := parent.SubAgents[id]
		if sub == nil || sub.Status != models.StatusPending {
			continue
		}
		sub.Status = models.StatusRunning
		now := time.Now()
		sub.StartedAt = &now
		f.active[id] = true
	}
}

// newSubAgentInstance materializes one fanned-out item's isolated context:
// the task's declared inputs evaluated against the parent's scope (with the
// current item bound), a fresh state tier seeded from the task's
// default_state, and the task's own computed-field graph. A task declaring
// only a prompt_template gets a single synthetic agent_prompt step.
func newSubAgentInstance(parent *Instance, taskName string, index, total int, item interface{}, spec models.SubAgentTaskSpec, graph *state.Graph) (*Instance, error) {
	id := taskName + ".item" + strconv.Itoa(index)

	inputs := make(map[string]interface{}, len(spec.Inputs))
	if len(spec.Inputs) > 0 {
		scope := parent.scope()
		if scope.This == nil {
			scope.This = map[string]interface{}{}
		}
		scope.This["item"] = item
		scope.This["index"] = float64(index)
		scope.This["total"] = float64(total)
		for name, expr := range spec.Inputs {
			v, err := parent.evaluator.Eval(expr, scope)
			if err != nil {
				return nil, err
			}
			inputs[name] = v
		}
	}

	steps := spec.Steps
	if len(steps) == 0 && spec.PromptTemplate != "" {
		steps = []models.StepDefinition{{
			ID:   "prompt",
			Type: models.StepAgentPrompt,
			Definition: map[string]interface{}{
				"prompt": spec.PromptTemplate,
			},
		}}
	}

	return &Instance{
		ID:            id,
		ParentID:      parent.ID,
		TaskName:      taskName,
		Status:        models.StatusPending,
		Def:           parent.Def,
		Tiers:         state.NewTiers(inputs, cloneDefaultState(spec.DefaultState), graph),
		CallStack:     []*models.ExecutionFrame{{Steps: steps}},
		Parent:        parent,
		Item:          item,
		ItemIndex:     index,
		ItemTotal:     total,
		CreatedAt:     time.Now(),
		Tracker:       parent.Tracker,
		MaxIterations: parent.MaxIterations,
		templates:     parent.templates,
		evaluator:     parent.evaluator,
	}, nil
}

// cloneDefaultState deep-copies a definition's default_state so instances
// never share nested maps with the immutable definition or each other.
func cloneDefaultState(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = deepCopyValue(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = deepCopyValue(vv)
		}
		return out
	default:
		return t
	}
}

// onSubAgentTerminal is invoked (with the parent's lock held) whenever a
// sub-agent reaches a terminal status. It admits the next queued item and,
// once every sub-agent of the fanout has terminated, aggregates results
// into the parent's state tier and returns the parent to Running.
func onSubAgentTerminal(parent *Instance, subID string) {
	for _, f := range parent.fanouts {
		if f.done || !f.owns(subID) {
			continue
		}
		delete(f.active, subID)

		if sub := parent.SubAgents[subID]; sub != nil && sub.Status == models.StatusFailed && f.onError == "fail_fast" {
			f.done = true
			aggregate(parent, f)
			parent.fail(models.NewWorkflowError(models.ErrorKindSubAgent, f.stepID,
				"sub-agent "+subID+" failed under fail_fast policy", sub.Error))
			return
		}

		activateNext(parent, f)

		if !allTerminal(parent, f) {
			return
		}
		f.done = true
		aggregate(parent, f)
		if parent.Status == models.StatusWaitingForClient {
			parent.Status = models.StatusRunning
		}
	}
}

func (f *fanout) owns(subID string) bool {
	for _, id := range f.taskIDs {
		if id == subID {
			return true
		}
	}
	return false
}

// checkTimeouts fails any active sub-agent whose wall clock exceeded the
// fanout's timeout_seconds; siblings are unaffected.
func (f *fanout) checkTimeouts(parent *Instance) {
	if f.timeoutSeconds <= 0 || f.done {
		return
	}
	limit := time.Duration(f.timeoutSeconds) * time.Second
	var expired []string
	for id := range f.active {
		sub := parent.SubAgents[id]
		if sub == nil {
			continue
		}
		sub.mu.Lock()
		if sub.StartedAt != nil && !sub.Status.IsTerminal() && time.Since(*sub.StartedAt) > limit {
			sub.fail(models.NewWorkflowError(models.ErrorKindTimeout, f.stepID, "SubAgentTimeout: sub-agent "+id+" exceeded its wall-clock budget", nil))
			expired = append(expired, id)
		}
		sub.mu.Unlock()
	}
	for _, id := range expired {
		onSubAgentTerminal(parent, id)
	}
}

func allTerminal(parent *Instance, f *fanout) bool {
	for _, id := range f.taskIDs {
		sub := parent.SubAgents[id]
		if sub == nil || !sub.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// aggregate writes the fanout's results to the parent's state tier in a
// single transaction: success entries carry the sub-agent's final flattened
// state, failures carry {ok:false, error}, keyed by index so result order
// matches the source items regardless of completion order.
func aggregate(parent *Instance, f *fanout) {
	results := make([]interface{}, len(f.taskIDs))
	for i, id := range f.taskIDs {
		sub := parent.SubAgents[id]
		if sub != nil && sub.Status == models.StatusCompleted {
			results[i] = map[string]interface{}{"ok": true, "state": sub.Tiers.Flattened()}
		} else {
			msg := "sub-agent did not complete"
			if sub != nil && sub.Error != nil {
				msg = sub.Error.Message
			}
			results[i] = map[string]interface{}{"ok": false, "error": msg}
		}
	}

	_ = parent.Tiers.ApplyUpdates([]state.UpdateOp{{Path: f.resultsKey, Operation: "set", Value: results}})
	if parent.Tracker != nil {
		parent.Tracker.Record(parent.ID, models.EventSubAgentCompleted, f.stepID, map[string]interface{}{"task_name": f.taskName, "results_key": f.resultsKey})
	}
}
