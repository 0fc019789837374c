package exprlang

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

// mathNS and objectNS are marker types so callMethod can dispatch on the
// receiver type returned for the bare `Math` / `Object` identifiers without
// reaching for reflection.
type mathNS struct{}
type objectNS struct{}

var mathObject = mathNS{}
var objectHelpers = objectNS{}

// getProperty resolves obj.key / obj[key] for the value kinds expressions
// can hold: maps, slices (length + index via evalMember), and strings
// (length).
func getProperty(obj interface{}, key string) (interface{}, error) {
	switch o := obj.(type) {
	case map[string]interface{}:
		return o[key], nil
	case []interface{}:
		if key == "length" {
			return float64(len(o)), nil
		}
		if i, err := strconv.Atoi(key); err == nil {
			if i < 0 || i >= len(o) {
				return nil, nil
			}
			return o[i], nil
		}
		return nil, nil
	case string:
		if key == "length" {
			return float64(len([]rune(o))), nil
		}
		if i, err := strconv.Atoi(key); err == nil {
			r := []rune(o)
			if i < 0 || i >= len(r) {
				return nil, nil
			}
			return string(r[i]), nil
		}
		return nil, nil
	case nil:
		return nil, nil
	default:
		return nil, typeErr("cannot read property %q of %s", key, jsTypeOf(obj))
	}
}

func (c *evalCtx) callArrayMethod(arr []interface{}, name string, args []interface{}) (interface{}, error) {
	needsArrow := func() (ArrowFunc, error) {
		if len(args) == 0 {
			return ArrowFunc{}, typeErr("%s requires a callback argument", name)
		}
		fn, ok := args[0].(ArrowFunc)
		if !ok {
			return ArrowFunc{}, typeErr("%s requires an arrow function argument", name)
		}
		return fn, nil
	}

	switch name {
	case "length":
		return float64(len(arr)), nil
	case "includes":
		if len(args) == 0 {
			return false, nil
		}
		for _, e := range arr {
			if strictEquals(e, args[0]) {
				return true, nil
			}
		}
		return false, nil
	case "indexOf":
		if len(args) == 0 {
			return float64(-1), nil
		}
		for i, e := range arr {
			if strictEquals(e, args[0]) {
				return float64(i), nil
			}
		}
		return float64(-1), nil
	case "join":
		sep := ","
		if len(args) > 0 {
			if s, ok := args[0].(string); ok {
				sep = s
			}
		}
		parts := make([]string, len(arr))
		for i, e := range arr {
			parts[i] = toDisplayString(e)
		}
		return strings.Join(parts, sep), nil
	case "slice":
		start, end := 0, len(arr)
		if len(args) > 0 {
			if n, err := toInt(args[0]); err == nil {
				start = normalizeIndex(n, len(arr))
			}
		}
		if len(args) > 1 {
			if n, err := toInt(args[1]); err == nil {
				end = normalizeIndex(n, len(arr))
			}
		}
		if start > end {
			start = end
		}
		out := make([]interface{}, end-start)
		copy(out, arr[start:end])
		return out, nil
	case "concat":
		out := append([]interface{}{}, arr...)
		for _, a := range args {
			if other, ok := a.([]interface{}); ok {
				out = append(out, other...)
			} else {
				out = append(out, a)
			}
		}
		return out, nil
	case "reverse":
		out := make([]interface{}, len(arr))
		for i, e := range arr {
			out[len(arr)-1-i] = e
		}
		return out, nil
	case "sort":
		out := append([]interface{}{}, arr...)
		sort.SliceStable(out, func(i, j int) bool {
			less, _ := compare("<", toDisplayString(out[i]), toDisplayString(out[j]))
			return less
		})
		return out, nil
	case "map":
		fn, err := needsArrow()
		if err != nil {
			return nil, err
		}
		out := make([]interface{}, len(arr))
		for i, e := range arr {
			v, err := c.applyArrow(fn, []interface{}{e, float64(i)})
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case "filter":
		fn, err := needsArrow()
		if err != nil {
			return nil, err
		}
		var out []interface{}
		for i, e := range arr {
			v, err := c.applyArrow(fn, []interface{}{e, float64(i)})
			if err != nil {
				return nil, err
			}
			if truthy(v) {
				out = append(out, e)
			}
		}
		if out == nil {
			out = []interface{}{}
		}
		return out, nil
	case "find":
		fn, err := needsArrow()
		if err != nil {
			return nil, err
		}
		for i, e := range arr {
			v, err := c.applyArrow(fn, []interface{}{e, float64(i)})
			if err != nil {
				return nil, err
			}
			if truthy(v) {
				return e, nil
			}
		}
		return nil, nil
	case "findIndex":
		fn, err := needsArrow()
		if err != nil {
			return nil, err
		}
		for i, e := range arr {
			v, err := c.applyArrow(fn, []interface{}{e, float64(i)})
			if err != nil {
				return nil, err
			}
			if truthy(v) {
				return float64(i), nil
			}
		}
		return float64(-1), nil
	case "some":
		fn, err := needsArrow()
		if err != nil {
			return nil, err
		}
		for i, e := range arr {
			v, err := c.applyArrow(fn, []interface{}{e, float64(i)})
			if err != nil {
				return nil, err
			}
			if truthy(v) {
				return true, nil
			}
		}
		return false, nil
	case "every":
		fn, err := needsArrow()
		if err != nil {
			return nil, err
		}
		for i, e := range arr {
			v, err := c.applyArrow(fn, []interface{}{e, float64(i)})
			if err != nil {
				return nil, err
			}
			if !truthy(v) {
				return false, nil
			}
		}
		return true, nil
	case "reduce":
		fn, err := needsArrow()
		if err != nil {
			return nil, err
		}
		var acc interface{}
		start := 0
		if len(args) > 1 {
			acc = args[1]
		} else {
			if len(arr) == 0 {
				return nil, typeErr("reduce of empty array with no initial value")
			}
			acc = arr[0]
			start = 1
		}
		for i := start; i < len(arr); i++ {
			v, err := c.applyArrow(fn, []interface{}{acc, arr[i], float64(i)})
			if err != nil {
				return nil, err
			}
			acc = v
		}
		return acc, nil
	default:
		return nil, &EvaluationError{Kind: KindForbiddenConstruct, Position: -1, Message: "unsupported array method: " + name}
	}
}

func normalizeIndex(i, length int) int {
	if i < 0 {
		i = length + i
	}
	if i < 0 {
		i = 0
	}
	if i > length {
		i = length
	}
	return i
}

func callStringMethod(s string, name string, args []interface{}) (interface{}, error) {
	argStr := func(i int) string {
		if i < len(args) {
			if v, ok := args[i].(string); ok {
				return v
			}
		}
		return ""
	}

	switch name {
	case "length":
		return float64(len([]rune(s))), nil
	case "toUpperCase":
		return strings.ToUpper(s), nil
	case "toLowerCase":
		return strings.ToLower(s), nil
	case "trim":
		return strings.TrimSpace(s), nil
	case "includes":
		return strings.Contains(s, argStr(0)), nil
	case "startsWith":
		return strings.HasPrefix(s, argStr(0)), nil
	case "endsWith":
		return strings.HasSuffix(s, argStr(0)), nil
	case "indexOf":
		return float64(strings.Index(s, argStr(0))), nil
	case "split":
		sep := argStr(0)
		var parts []string
		if sep == "" {
			for _, r := range s {
				parts = append(parts, string(r))
			}
		} else {
			parts = strings.Split(s, sep)
		}
		out := make([]interface{}, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	case "replace":
		return strings.Replace(s, argStr(0), argStr(1), 1), nil
	case "replaceAll":
		return strings.ReplaceAll(s, argStr(0), argStr(1)), nil
	case "slice", "substring":
		r := []rune(s)
		start, end := 0, len(r)
		if len(args) > 0 {
			if n, err := toInt(args[0]); err == nil {
				start = normalizeIndex(n, len(r))
			}
		}
		if len(args) > 1 {
			if n, err := toInt(args[1]); err == nil {
				end = normalizeIndex(n, len(r))
			}
		}
		if start > end {
			start = end
		}
		return string(r[start:end]), nil
	case "charAt":
		idx := 0
		if len(args) > 0 {
			if n, err := toInt(args[0]); err == nil {
				idx = n
			}
		}
		r := []rune(s)
		if idx < 0 || idx >= len(r) {
			return "", nil
		}
		return string(r[idx]), nil
	case "concat":
		out := s
		for _, a := range args {
			out += toDisplayString(a)
		}
		return out, nil
	case "repeat":
		n := 0
		if len(args) > 0 {
			if v, err := toInt(args[0]); err == nil {
				n = v
			}
		}
		if n < 0 {
			return nil, typeErr("repeat count must be non-negative")
		}
		return strings.Repeat(s, n), nil
	case "padStart":
		return padString(s, args, true), nil
	case "padEnd":
		return padString(s, args, false), nil
	default:
		return nil, &EvaluationError{Kind: KindForbiddenConstruct, Position: -1, Message: "unsupported string method: " + name}
	}
}

func padString(s string, args []interface{}, start bool) string {
	targetLen := len([]rune(s))
	if len(args) > 0 {
		if n, err := toInt(args[0]); err == nil {
			targetLen = n
		}
	}
	padChar := " "
	if len(args) > 1 {
		if p, ok := args[1].(string); ok && p != "" {
			padChar = p
		}
	}
	r := []rune(s)
	for len(r) < targetLen {
		padRune := []rune(padChar)
		if start {
			r = append([]rune(string(padRune[0])), r...)
		} else {
			r = append(r, padRune[0])
		}
	}
	return string(r)
}

func callMathMethod(name string, args []interface{}) (interface{}, error) {
	nums := make([]float64, len(args))
	for i, a := range args {
		n, err := toNumber(a)
		if err != nil {
			return nil, err
		}
		nums[i] = n
	}
	switch name {
	case "abs":
		if nums[0] < 0 {
			return -nums[0], nil
		}
		return nums[0], nil
	case "floor":
		return math.Floor(nums[0]), nil
	case "ceil":
		return math.Ceil(nums[0]), nil
	case "round":
		return math.Round(nums[0]), nil
	case "max":
		m := nums[0]
		for _, n := range nums[1:] {
			if n > m {
				m = n
			}
		}
		return m, nil
	case "min":
		m := nums[0]
		for _, n := range nums[1:] {
			if n < m {
				m = n
			}
		}
		return m, nil
	default:
		return nil, &EvaluationError{Kind: KindForbiddenConstruct, Position: -1, Message: "unsupported Math method: " + name}
	}
}

func callObjectMethod(name string, args []interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, typeErr("Object.%s requires an argument", name)
	}
	m, ok := args[0].(map[string]interface{})
	if !ok {
		return nil, typeErr("Object.%s requires an object argument", name)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	switch name {
	case "keys":
		out := make([]interface{}, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return out, nil
	case "values":
		out := make([]interface{}, len(keys))
		for i, k := range keys {
			out[i] = m[k]
		}
		return out, nil
	case "entries":
		out := make([]interface{}, len(keys))
		for i, k := range keys {
			out[i] = []interface{}{k, m[k]}
		}
		return out, nil
	default:
		return nil, &EvaluationError{Kind: KindForbiddenConstruct, Position: -1, Message: "unsupported Object method: " + name}
	}
}
