package jsondiff

import (
	"errors"
	"fmt"
)

var (
	// ErrPathNotFound is returned when a pointer does not resolve to a value
	ErrPathNotFound = errors.New("path not found")
	// ErrInvalidPath is returned for malformed JSON pointers or out of range indices
	ErrInvalidPath = errors.New("invalid path")
	// ErrTypeMismatch is returned when a pointer walks through a non-container value
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrTestFailed is returned when a test operation does not match
	ErrTestFailed = errors.New("test failed")
	// ErrInvalidOperation is returned for unknown ops or ops missing value/from
	ErrInvalidOperation = errors.New("invalid operation")
)

// Error describes a failed patch operation. Kind is one of the sentinel errors
// above, so callers can match with errors.Is.
type Error struct {
	Kind     error
	Op       OpType
	Path     string
	Expected string
	Actual   string
	Detail   string
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Path != "" || e.Kind == ErrPathNotFound {
		msg = fmt.Sprintf("%s at %q", msg, e.Path)
	}
	if e.Expected != "" || e.Actual != "" {
		msg = fmt.Sprintf("%s (expected %s, got %s)", msg, e.Expected, e.Actual)
	}
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func pathNotFound(path string) error {
	return &Error{Kind: ErrPathNotFound, Path: path}
}

func invalidPath(path, detail string) error {
	return &Error{Kind: ErrInvalidPath, Path: path, Detail: detail}
}

func typeMismatch(path, expected string, actual any) error {
	return &Error{Kind: ErrTypeMismatch, Path: path, Expected: expected, Actual: typeName(actual)}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	default:
		if _, ok := toFloat(v); ok {
			return "number"
		}
		return fmt.Sprintf("%T", v)
	}
}
