package exprlang

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Scope is the set of named roots an expression resolves bare-dotted paths
// against: inputs.*, state.*, computed.*, this.*, global.*, loop.*, and the
// legacy raw.* alias for inputs.*. Any root may be nil if not applicable in
// the current evaluation context (e.g. `global` outside a sub-agent).
type Scope struct {
	Inputs   map[string]interface{}
	State    map[string]interface{}
	Computed map[string]interface{}
	This     map[string]interface{} // precedence: computed > inputs > state
	Global   *Scope                 // root instance's tiers, readable from a sub-agent
	Loop     map[string]interface{} // innermost LoopFrame: iteration, index, item
}

// Limits bounds the cost of a single evaluation (sandboxing requirement).
type Limits struct {
	Timeout      time.Duration
	MaxCallDepth int
}

// DefaultLimits is deliberately conservative: short-lived, simple
// expressions should never approach these bounds.
var DefaultLimits = Limits{Timeout: 50 * time.Millisecond, MaxCallDepth: 64}

type evalCtx struct {
	scope    Scope
	limits   Limits
	deadline time.Time
	depth    int
}

// Eval parses and evaluates src against scope with DefaultLimits.
func Eval(src string, scope Scope) (interface{}, error) {
	return EvalWithLimits(src, scope, DefaultLimits)
}

// EvalWithLimits parses and evaluates src, enforcing a wall-clock timeout and
// a recursion-depth cap during the walk.
func EvalWithLimits(src string, scope Scope, limits Limits) (interface{}, error) {
	ast, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return EvalNode(ast, scope, limits)
}

// EvalNode evaluates an already-parsed AST, used by the compiled-program
// cache so repeated evaluations skip lexing/parsing.
func EvalNode(ast Node, scope Scope, limits Limits) (interface{}, error) {
	ctx := &evalCtx{scope: scope, limits: limits, deadline: time.Now().Add(limits.Timeout)}
	return ctx.eval(ast)
}

func (c *evalCtx) checkBudget() error {
	if time.Now().After(c.deadline) {
		return &EvaluationError{Kind: KindTimeout, Position: -1, Message: "expression exceeded its evaluation budget"}
	}
	return nil
}

func (c *evalCtx) eval(n Node) (interface{}, error) {
	if err := c.checkBudget(); err != nil {
		return nil, err
	}
	c.depth++
	defer func() { c.depth-- }()
	if c.depth > c.limits.MaxCallDepth {
		return nil, &EvaluationError{Kind: KindDepthExceeded, Position: -1, Message: "expression recursion depth exceeded"}
	}

	switch v := n.(type) {
	case NumberLit:
		return v.Value, nil
	case StringLit:
		return v.Value, nil
	case BoolLit:
		return v.Value, nil
	case NullLit:
		return nil, nil
	case Identifier:
		return c.resolveIdentifier(v.Name)
	case ArrayLit:
		out := make([]interface{}, 0, len(v.Elements))
		for _, e := range v.Elements {
			ev, err := c.eval(e)
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
		}
		return out, nil
	case ObjectLit:
		out := make(map[string]interface{}, len(v.Keys))
		for i, k := range v.Keys {
			ev, err := c.eval(v.Values[i])
			if err != nil {
				return nil, err
			}
			out[k] = ev
		}
		return out, nil
	case MemberExpr:
		return c.evalMember(v)
	case CallExpr:
		return c.evalCall(v)
	case UnaryExpr:
		return c.evalUnary(v)
	case BinaryExpr:
		return c.evalBinary(v)
	case LogicalExpr:
		return c.evalLogical(v)
	case ConditionalExpr:
		t, err := c.eval(v.Test)
		if err != nil {
			return nil, err
		}
		if truthy(t) {
			return c.eval(v.Cons)
		}
		return c.eval(v.Alt)
	case ArrowFunc:
		return v, nil // arrow functions evaluate to themselves; callers apply them
	default:
		return nil, typeErr("unhandled node type %T", n)
	}
}

// resolveIdentifier resolves a bare identifier: a scoped root name
// ("inputs", "state", "computed", "this", "global", "loop", "raw") returns
// that tier's map; anything else is looked up via `this`'s precedence chain
// (computed > inputs > state), then among the call-site bindings in This.
func (c *evalCtx) resolveIdentifier(name string) (interface{}, error) {
	switch name {
	case "inputs", "raw":
		return c.scope.Inputs, nil
	case "state":
		return c.scope.State, nil
	case "computed":
		return c.scope.Computed, nil
	case "this":
		// `this.<path>` resolves by read precedence (computed > inputs >
		// state), with call-site bindings (loop variables, item_context,
		// reserved result tokens) layered on top.
		return mergedView(c.scope.Inputs, c.scope.State, c.scope.Computed, c.scope.This), nil
	case "loop":
		// loop.* is defined iff a loop frame is active; outside one the
		// name is simply unknown (templates render it empty, conditions
		// error).
		if c.scope.Loop == nil {
			return nil, unknownIdentErr(name)
		}
		return c.scope.Loop, nil
	case "global":
		// `global.<path>` resolves against the root instance's tiers with
		// the same precedence rule; outside a sub-agent it is unknown.
		if c.scope.Global == nil {
			return nil, unknownIdentErr(name)
		}
		return mergedView(c.scope.Global.Inputs, c.scope.Global.State, c.scope.Global.Computed, nil), nil
	case "Math":
		return mathObject, nil
	case "Object":
		return objectHelpers, nil
	}

	if v, ok := lookup(c.scope.Computed, name); ok {
		return v, nil
	}
	if v, ok := lookup(c.scope.Inputs, name); ok {
		return v, nil
	}
	if v, ok := lookup(c.scope.State, name); ok {
		return v, nil
	}
	if v, ok := lookup(c.scope.This, name); ok {
		return v, nil
	}
	return nil, unknownIdentErr(name)
}

// mergedView flattens the tier maps into one lookup map honoring read
// precedence: state is shadowed by inputs, inputs by computed, and any
// call-site bindings win outright.
func mergedView(inputs, state, computed, bindings map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(inputs)+len(state)+len(computed)+len(bindings))
	for k, v := range state {
		out[k] = v
	}
	for k, v := range inputs {
		out[k] = v
	}
	for k, v := range computed {
		out[k] = v
	}
	for k, v := range bindings {
		out[k] = v
	}
	return out
}

func lookup(m map[string]interface{}, key string) (interface{}, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

func (c *evalCtx) evalMember(m MemberExpr) (interface{}, error) {
	obj, err := c.eval(m.Object)
	if err != nil {
		if m.Optional {
			if ee, ok := err.(*EvaluationError); ok && ee.Kind == KindUnknownIdentifier {
				return nil, nil
			}
		}
		return nil, err
	}
	if obj == nil {
		if m.Optional {
			return nil, nil
		}
		return nil, typeErr("cannot read property of null/undefined")
	}

	var key string
	if m.Computed {
		idx, err := c.eval(m.Property)
		if err != nil {
			return nil, err
		}
		key = toKeyString(idx)
		if arr, ok := obj.([]interface{}); ok {
			i, ierr := toInt(idx)
			if ierr != nil {
				return nil, typeErr("array index must be a number")
			}
			if i < 0 || i >= len(arr) {
				return nil, nil
			}
			return arr[i], nil
		}
	} else {
		key = m.Property.(Identifier).Name
	}

	return getProperty(obj, key)
}

func toKeyString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func (c *evalCtx) evalUnary(u UnaryExpr) (interface{}, error) {
	if u.Op == "typeof" {
		v, err := c.eval(u.Arg)
		if err != nil {
			if ee, ok := err.(*EvaluationError); ok && ee.Kind == KindUnknownIdentifier {
				return "undefined", nil
			}
			return nil, err
		}
		return jsTypeOf(v), nil
	}

	v, err := c.eval(u.Arg)
	if err != nil {
		return nil, err
	}
	switch u.Op {
	case "!":
		return !truthy(v), nil
	case "-":
		n, err := toNumber(v)
		if err != nil {
			return nil, err
		}
		return -n, nil
	case "+":
		return toNumber(v)
	}
	return nil, typeErr("unsupported unary operator %q", u.Op)
}

func (c *evalCtx) evalLogical(l LogicalExpr) (interface{}, error) {
	left, err := c.eval(l.Left)
	if err != nil {
		return nil, err
	}
	switch l.Op {
	case "&&":
		if !truthy(left) {
			return left, nil
		}
		return c.eval(l.Right)
	case "||":
		if truthy(left) {
			return left, nil
		}
		return c.eval(l.Right)
	case "??":
		if left != nil {
			return left, nil
		}
		return c.eval(l.Right)
	}
	return nil, typeErr("unsupported logical operator %q", l.Op)
}

func (c *evalCtx) evalBinary(b BinaryExpr) (interface{}, error) {
	left, err := c.eval(b.Left)
	if err != nil {
		return nil, err
	}
	right, err := c.eval(b.Right)
	if err != nil {
		return nil, err
	}

	switch b.Op {
	case "+":
		return jsAdd(left, right)
	case "-", "*", "/", "%":
		ln, err := toNumber(left)
		if err != nil {
			return nil, err
		}
		rn, err := toNumber(right)
		if err != nil {
			return nil, err
		}
		switch b.Op {
		case "-":
			return ln - rn, nil
		case "*":
			return ln * rn, nil
		case "/":
			return ln / rn, nil
		case "%":
			return math.Mod(ln, rn), nil
		}
	case "<", "<=", ">", ">=":
		return compare(b.Op, left, right)
	case "==":
		return looseEquals(left, right), nil
	case "!=":
		return !looseEquals(left, right), nil
	case "===":
		return strictEquals(left, right), nil
	case "!==":
		return !strictEquals(left, right), nil
	}
	return nil, typeErr("unsupported binary operator %q", b.Op)
}

func (c *evalCtx) evalCall(call CallExpr) (interface{}, error) {
	member, isMember := call.Callee.(MemberExpr)
	if !isMember {
		return nil, &EvaluationError{Kind: KindForbiddenConstruct, Position: -1, Message: "only method calls on values are permitted, no free function calls"}
	}

	recv, err := c.eval(member.Object)
	if err != nil {
		return nil, err
	}
	var methodName string
	if member.Computed {
		k, err := c.eval(member.Property)
		if err != nil {
			return nil, err
		}
		methodName = toKeyString(k)
	} else {
		methodName = member.Property.(Identifier).Name
	}

	args := make([]interface{}, 0, len(call.Args))
	for _, a := range call.Args {
		if _, ok := a.(ArrowFunc); ok {
			args = append(args, a)
			continue
		}
		v, err := c.eval(a)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}

	return c.callMethod(recv, methodName, args)
}

// callMethod dispatches a bounded set of Array.prototype / String.prototype
// / Math / Object helper calls. Anything else is a forbidden construct: this
// evaluator never calls into arbitrary Go code.
func (c *evalCtx) callMethod(recv interface{}, name string, args []interface{}) (interface{}, error) {
	switch r := recv.(type) {
	case []interface{}:
		return c.callArrayMethod(r, name, args)
	case string:
		return callStringMethod(r, name, args)
	case mathNS:
		return callMathMethod(name, args)
	case objectNS:
		return callObjectMethod(name, args)
	default:
		return nil, typeErr("cannot call method %q on %s", name, jsTypeOf(recv))
	}
}

// applyArrow invokes a single-expression arrow function with positional
// args bound to its declared parameter names, in a scope that otherwise
// keeps the enclosing evaluation's tiers reachable.
func (c *evalCtx) applyArrow(fn ArrowFunc, args []interface{}) (interface{}, error) {
	inner := *c
	local := map[string]interface{}{}
	if inner.scope.This != nil {
		for k, v := range inner.scope.This {
			local[k] = v
		}
	}
	for i, p := range fn.Params {
		if i < len(args) {
			local[p] = args[i]
		} else {
			local[p] = nil
		}
	}
	inner.scope.This = local
	return inner.eval(fn.Body)
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0 && !math.IsNaN(t)
	case string:
		return t != ""
	case []interface{}:
		return true
	case map[string]interface{}:
		return true
	default:
		return true
	}
}

func jsTypeOf(v interface{}) string {
	switch v.(type) {
	case nil:
		return "undefined"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []interface{}:
		return "object"
	case map[string]interface{}:
		return "object"
	default:
		return "object"
	}
}

func jsAdd(a, b interface{}) (interface{}, error) {
	_, aStr := a.(string)
	_, bStr := b.(string)
	if aStr || bStr {
		return toDisplayString(a) + toDisplayString(b), nil
	}
	an, err := toNumber(a)
	if err != nil {
		return nil, err
	}
	bn, err := toNumber(b)
	if err != nil {
		return nil, err
	}
	return an + bn, nil
}

func toDisplayString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func toNumber(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, typeErr("cannot convert %q to a number", t)
		}
		return n, nil
	case nil:
		return 0, nil
	default:
		return 0, typeErr("cannot convert %T to a number", v)
	}
}

func toInt(v interface{}) (int, error) {
	n, err := toNumber(v)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func compare(op string, a, b interface{}) (bool, error) {
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		switch op {
		case "<":
			return as < bs, nil
		case "<=":
			return as <= bs, nil
		case ">":
			return as > bs, nil
		case ">=":
			return as >= bs, nil
		}
	}
	an, err := toNumber(a)
	if err != nil {
		return false, err
	}
	bn, err := toNumber(b)
	if err != nil {
		return false, err
	}
	switch op {
	case "<":
		return an < bn, nil
	case "<=":
		return an <= bn, nil
	case ">":
		return an > bn, nil
	case ">=":
		return an >= bn, nil
	}
	return false, typeErr("unsupported comparison operator %q", op)
}

// strictEquals implements ===: no coercion, types must match.
func strictEquals(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return false
	}
}

// looseEquals implements ==: JS-style coercion between number/string/bool,
// null only equal to null/undefined (both represented as nil here).
func looseEquals(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if strictEquals(a, b) {
		return true
	}
	_, aNum := a.(float64)
	_, bNum := b.(float64)
	_, aStr := a.(string)
	_, bStr := b.(string)
	_, aBool := a.(bool)
	_, bBool := b.(bool)

	if (aNum && bStr) || (aStr && bNum) || (aBool && (bNum || bStr)) || (bBool && (aNum || aStr)) {
		an, err1 := toNumber(a)
		bn, err2 := toNumber(b)
		if err1 == nil && err2 == nil {
			return an == bn
		}
	}
	return false
}
