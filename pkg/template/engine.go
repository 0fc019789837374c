// Package template implements the `{{ expr }}` substitution layer used to
// resolve step-definition strings before they are handed to a client.
// Every placeholder is evaluated by pkg/exprlang against the step's
// current scope; this package only owns placeholder discovery and string
// assembly.
package template

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Aroton/AroMCP-sub001/pkg/exprlang"
)

// placeholderPattern matches `{{ expr }}`, non-greedy so adjacent
// placeholders in the same string don't merge into one match.
var placeholderPattern = regexp.MustCompile(`\{\{(.*?)\}\}`)

// pureLookupPattern matches bare dotted identifier chains like
// `state.user.name` — the class of expression whose failure means "the
// variable is missing", not "the expression is broken".
var pureLookupPattern = regexp.MustCompile(`^[A-Za-z_$][\w$]*(\.[A-Za-z_$][\w$]*)*$`)

// TemplateError wraps an expression failure encountered while rendering a
// placeholder; Position is a byte offset into the outer template string.
type TemplateError struct {
	Position int
	Template string
	Cause    error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template error at %d in %q: %v", e.Position, e.Template, e.Cause)
}

func (e *TemplateError) Unwrap() error { return e.Cause }

// Processor renders templates by delegating every `{{ expr }}` to an
// exprlang.Evaluator. One Processor is shared by every step dispatch within
// a workflow instance; the evaluator underneath carries the compiled-AST
// cache, so repeated placeholders compile once.
type Processor struct {
	eval *exprlang.Evaluator
}

// NewProcessor builds a Processor around an existing evaluator.
func NewProcessor(eval *exprlang.Evaluator) *Processor {
	return &Processor{eval: eval}
}

// HasPlaceholder reports whether s contains at least one `{{ ... }}` span,
// letting callers skip the regex pass entirely for plain strings.
func HasPlaceholder(s string) bool {
	return strings.Contains(s, "{{")
}

// RenderString substitutes every `{{ expr }}` in tmpl. A placeholder whose
// expression is a pure identifier lookup that doesn't resolve substitutes
// the empty string; any other evaluation failure (syntax, type, forbidden
// construct, timeout) bubbles as a *TemplateError.
func (p *Processor) RenderString(tmpl string, scope exprlang.Scope) (string, error) {
	if !HasPlaceholder(tmpl) {
		return tmpl, nil
	}

	var renderErr error
	out := placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		if renderErr != nil {
			return ""
		}
		src := strings.TrimSpace(match[2 : len(match)-2])
		v, err := p.eval.Eval(src, scope)
		if err != nil {
			if ee, ok := err.(*exprlang.EvaluationError); ok {
				if ee.Kind == exprlang.KindUnknownIdentifier {
					return ""
				}
				// A pure dotted lookup that dead-ends mid-chain (a nil
				// link) also counts as "missing" rather than an error.
				if ee.Kind == exprlang.KindTypeError && pureLookupPattern.MatchString(src) {
					return ""
				}
			}
			renderErr = &TemplateError{Template: tmpl, Cause: err}
			return ""
		}
		return Stringify(v)
	})
	if renderErr != nil {
		return "", renderErr
	}
	return out, nil
}

// RenderValue recursively renders every string found in v (including
// nested maps/slices), leaving other JSON-ish value kinds untouched. Step
// handlers use this to resolve an entire step-definition field tree in one
// call before dispatch.
func (p *Processor) RenderValue(v interface{}, scope exprlang.Scope) (interface{}, error) {
	switch t := v.(type) {
	case string:
		return p.RenderString(t, scope)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			r, err := p.RenderValue(vv, scope)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			r, err := p.RenderValue(vv, scope)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// Stringify converts an evaluated expression result to the text a template
// placeholder emits, matching JS's implicit string coercion closely enough
// for message/prompt text: integral floats print without a trailing ".0",
// booleans print "true"/"false", nil prints as empty string, everything
// else falls back to JSON-ish %v formatting.
func Stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
