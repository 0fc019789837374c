package state

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Aroton/AroMCP-sub001/pkg/exprlang"
	"github.com/Aroton/AroMCP-sub001/pkg/models"
)

// UpdateOp is one entry of an apply_updates call: a scoped path, an
// operation, and the value it operates with.
type UpdateOp struct {
	Path      string
	Operation string // "set" | "increment" | "decrement" | "append" | "multiply"
	Value     interface{}
}

// computedNode is one resolved entry of a workflow's `state_schema`: its
// parsed source paths (for dirty propagation) and the raw spec (for the
// transform expression and on_error policy).
type computedNode struct {
	name    string
	spec    models.ComputedFieldSpec
	sources []Path
}

// Graph is the load-time computed-field dependency graph. It
// is built once per WorkflowDefinition and shared read-only across every
// instance of that definition; cycle detection already ran during
// WorkflowDefinition.Validate, so BuildGraph assumes an acyclic schema.
type Graph struct {
	order []string // topological, dependency-first
	nodes map[string]*computedNode
}

// BuildGraph resolves every computed field's `from` paths into Path values
// and topologically sorts the fields so recomputation can proceed in a
// single dependency-respecting pass.
func BuildGraph(schema map[string]models.ComputedFieldSpec) (*Graph, error) {
	nodes := make(map[string]*computedNode, len(schema))
	for name, spec := range schema {
		paths, err := parseFromPaths(spec.From)
		if err != nil {
			return nil, fmt.Errorf("computed field %q: %w", name, err)
		}
		nodes[name] = &computedNode{name: name, spec: spec, sources: paths}
	}

	order, err := topoSort(nodes)
	if err != nil {
		return nil, err
	}
	return &Graph{order: order, nodes: nodes}, nil
}

func parseFromPaths(from interface{}) ([]Path, error) {
	var raws []string
	switch v := from.(type) {
	case string:
		raws = []string{v}
	case []string:
		raws = v
	case []interface{}:
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, &models.ValidationError{Field: "from", Message: "entries must be strings"}
			}
			raws = append(raws, s)
		}
	default:
		return nil, &models.ValidationError{Field: "from", Message: "must be a string or list of strings"}
	}

	paths := make([]Path, 0, len(raws))
	for _, r := range raws {
		p, err := ParsePath(r)
		if err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func topoSort(nodes map[string]*computedNode) ([]string, error) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	visitState := make(map[string]int, len(nodes))
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		switch visitState[name] {
		case done:
			return nil
		case visiting:
			return &models.ComputedCycle{Fields: []string{name}}
		}
		n, ok := nodes[name]
		if !ok {
			return nil
		}
		visitState[name] = visiting
		for _, src := range n.sources {
			if src.Tier == TierComputed && len(src.Segments) > 0 {
				if err := visit(src.Segments[0]); err != nil {
					return err
				}
			}
		}
		visitState[name] = done
		order = append(order, name)
		return nil
	}

	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic iteration order
	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Tiers is the runtime three-tier state store for one workflow or
// sub-agent instance: frozen inputs, mutable state, and the derived
// computed cache, guarded by a single mutex so apply_updates and
// recomputation are atomic with respect to concurrent reads.
type Tiers struct {
	mu sync.Mutex

	Inputs   map[string]interface{}
	State    map[string]interface{}
	Computed map[string]interface{}

	dirty map[string]bool
	graph *Graph
}

// NewTiers seeds a fresh tier set from frozen inputs and default_state,
// then eagerly computes every computed field. Recomputation stays eager
// from here on: at construction, after every write, and before handing a
// flattened view to the evaluator.
func NewTiers(inputs, defaultState map[string]interface{}, graph *Graph) *Tiers {
	t := &Tiers{
		Inputs:   cloneMap(inputs),
		State:    cloneMap(defaultState),
		Computed: make(map[string]interface{}),
		dirty:    make(map[string]bool),
		graph:    graph,
	}
	if graph != nil {
		for _, name := range graph.order {
			t.dirty[name] = true
		}
	}
	t.recomputeDirty()
	return t
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Read resolves a scoped path against inputs/state/computed. `this`,
// `global` and `loop` are not resolvable here — they depend on call-site
// context (innermost loop frame, sub-agent vs. root) that only the
// exprlang.Scope a caller builds via Scope() can supply.
func (t *Tiers) Read(path string) (interface{}, error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recomputeDirty()

	switch p.Tier {
	case TierInputs:
		v, _ := getAtPath(t.Inputs, p.Segments)
		return v, nil
	case TierState:
		v, _ := getAtPath(t.State, p.Segments)
		return v, nil
	case TierComputed:
		v, _ := getAtPath(t.Computed, p.Segments)
		return v, nil
	default:
		return nil, &models.ValidationError{Field: "path", Message: "read() only resolves inputs/state/computed tiers"}
	}
}

// ApplyUpdates applies a batch of operations atomically: every op's target
// path is validated before any mutation is performed, so a single
// read-only-tier violation anywhere in the batch leaves all tiers
// untouched. An empty batch is a no-op.
func (t *Tiers) ApplyUpdates(ops []UpdateOp) error {
	if len(ops) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	parsed := make([]Path, len(ops))
	for i, op := range ops {
		p, err := ParsePath(op.Path)
		if err != nil {
			return err
		}
		// A bare or `this.*` write targets the mutable tier: `this` only
		// changes read precedence, never where a write lands.
		if p.Tier == TierThis {
			p.Tier = TierState
		}
		if !p.Tier.Mutable() {
			return models.NewWorkflowError(models.ErrorKindStateAccess, "", fmt.Sprintf("cannot write to read-only tier %q (path %s)", p.Tier, op.Path), nil)
		}
		parsed[i] = p
	}

	for i, op := range ops {
		if err := applyOne(t.State, parsed[i].Segments, op.Operation, op.Value); err != nil {
			return models.NewWorkflowError(models.ErrorKindStateAccess, "", err.Error(), err)
		}
	}

	t.markDirty(parsed)
	t.recomputeDirty()
	return nil
}

func (t *Tiers) markDirty(written []Path) {
	if t.graph == nil {
		return
	}
	changed := make(map[string]bool)
	for _, w := range written {
		for name, n := range t.graph.nodes {
			if dependsOnWrite(n.sources, w) {
				changed[name] = true
			}
		}
	}
	// propagate to computed fields that depend on a now-dirty computed field
	for _, name := range t.graph.order {
		n := t.graph.nodes[name]
		for _, src := range n.sources {
			if src.Tier == TierComputed && len(src.Segments) > 0 && changed[src.Segments[0]] {
				changed[name] = true
			}
		}
	}
	for name, isDirty := range changed {
		if isDirty {
			t.dirty[name] = true
		}
	}
}

func dependsOnWrite(sources []Path, written Path) bool {
	for _, s := range sources {
		if s.Tier != written.Tier {
			continue
		}
		if pathPrefixMatch(s.Segments, written.Segments) {
			return true
		}
	}
	return false
}

func pathPrefixMatch(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// recomputeDirty walks the graph in dependency order and recomputes every
// field still marked dirty. Called with t.mu already held.
func (t *Tiers) recomputeDirty() {
	if t.graph == nil {
		return
	}
	for _, name := range t.graph.order {
		if !t.dirty[name] {
			continue
		}
		n := t.graph.nodes[name]
		val, err := t.evalTransform(n)
		if err != nil {
			if n.spec.OnError == "use_fallback" {
				val = n.spec.Fallback
			} else {
				// Without use_fallback the failure is not raised: the
				// field keeps its previous value (absent if it was never
				// computed) and stays dirty, so the next recompute tries
				// again. EvaluateField returns the transform error itself.
				continue
			}
		}
		t.Computed[name] = val
		t.dirty[name] = false
	}
}

// EvaluateField recomputes a single computed field and returns any
// transform error directly, for callers that need to observe failures
// rather than have recomputation skip them.
func (t *Tiers) EvaluateField(name string) (interface{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.graph.nodes[name]
	if !ok {
		return nil, &models.ValidationError{Field: "computed", Message: "unknown computed field: " + name}
	}
	return t.evalTransform(n)
}

func (t *Tiers) evalTransform(n *computedNode) (interface{}, error) {
	scope := exprlang.Scope{Inputs: t.Inputs, State: t.State, Computed: t.Computed}
	return exprlang.Eval(n.spec.Transform, scope)
}

// Scope builds the exprlang.Scope a step's condition/template/transform
// evaluates against: this instance's tiers, plus caller-supplied `this`
// bindings (e.g. a foreach loop variable) and `loop` bindings, plus the
// parent's tiers for `global.*` reads from a sub-agent.
func (t *Tiers) Scope(this map[string]interface{}, loop map[string]interface{}, global *Tiers) exprlang.Scope {
	t.mu.Lock()
	t.recomputeDirty()
	scope := exprlang.Scope{
		Inputs:   t.Inputs,
		State:    t.State,
		Computed: t.Computed,
		This:     this,
		Loop:     loop,
	}
	t.mu.Unlock()

	if global != nil {
		gs := global.Scope(nil, nil, nil)
		scope.Global = &gs
	}
	return scope
}

// Flattened returns a single merged view of all three tiers honoring
// Invariant 2's read precedence (computed > inputs > state), for the
// Public API's update_state/status responses.
func (t *Tiers) Flattened() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recomputeDirty()

	out := make(map[string]interface{}, len(t.State)+len(t.Inputs)+len(t.Computed))
	for k, v := range t.State {
		out[k] = v
	}
	for k, v := range t.Inputs {
		out[k] = v
	}
	for k, v := range t.Computed {
		out[k] = v
	}
	return out
}

func getAtPath(m map[string]interface{}, segs []string) (interface{}, bool) {
	var cur interface{} = m
	for _, seg := range segs {
		asMap, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := asMap[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func applyOne(root map[string]interface{}, segs []string, operation string, value interface{}) error {
	if len(segs) == 0 {
		return fmt.Errorf("state_update path must reference a field under the tier")
	}
	m := root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := m[seg]
		if !ok {
			nm := make(map[string]interface{})
			m[seg] = nm
			m = nm
			continue
		}
		nm, ok := next.(map[string]interface{})
		if !ok {
			return fmt.Errorf("cannot descend into non-object at %q", seg)
		}
		m = nm
	}
	key := segs[len(segs)-1]

	switch operation {
	case "", "set":
		m[key] = value
	case "increment":
		m[key] = toFloat(m[key]) + toFloat(value)
	case "decrement":
		m[key] = toFloat(m[key]) - toFloat(value)
	case "multiply":
		m[key] = toFloat(m[key]) * toFloat(value)
	case "append":
		arr, _ := m[key].([]interface{})
		m[key] = append(append([]interface{}{}, arr...), value)
	default:
		return fmt.Errorf("unknown state_update operation %q", operation)
	}
	return nil
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case nil:
		return 0
	default:
		return 0
	}
}
