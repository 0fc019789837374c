// Package exprlang implements the bounded, ES5-like expression language
// used throughout the workflow engine for step conditions, computed-field
// transforms, and template substitutions. It is deliberately not a
// general-purpose scripting language: no statements, no loops, no
// user-defined functions, no I/O. It is hand-built rather than backed by
// github.com/expr-lang/expr because that library does not expose
// JavaScript truthiness, loose equality, or arrow-function syntax, all of
// which workflow expressions rely on.
package exprlang

import "fmt"

// ErrorKind closes the set of ways an expression can fail to evaluate.
type ErrorKind string

const (
	KindSyntax             ErrorKind = "syntax"
	KindUnknownIdentifier  ErrorKind = "unknown_identifier"
	KindTypeError          ErrorKind = "type_error"
	KindTimeout            ErrorKind = "timeout"
	KindDepthExceeded      ErrorKind = "depth_exceeded"
	KindForbiddenConstruct ErrorKind = "forbidden_construct"
)

// EvaluationError is the single error type exprlang returns. Position is a
// byte offset into the source expression, -1 when not applicable.
type EvaluationError struct {
	Kind     ErrorKind
	Message  string
	Position int
}

func (e *EvaluationError) Error() string {
	if e.Position >= 0 {
		return fmt.Sprintf("%s at %d: %s", e.Kind, e.Position, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func syntaxErr(pos int, format string, args ...interface{}) *EvaluationError {
	return &EvaluationError{Kind: KindSyntax, Position: pos, Message: fmt.Sprintf(format, args...)}
}

func typeErr(format string, args ...interface{}) *EvaluationError {
	return &EvaluationError{Kind: KindTypeError, Position: -1, Message: fmt.Sprintf(format, args...)}
}

func unknownIdentErr(name string) *EvaluationError {
	return &EvaluationError{Kind: KindUnknownIdentifier, Position: -1, Message: "unknown identifier: " + name}
}
