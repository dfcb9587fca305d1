package jsondiff

import (
	"fmt"
	"strings"
)

// Apply applies ops to a copy of doc strictly in list order and returns the
// result. doc itself is never modified. The first failing operation aborts
// the patch and its error is returned as *Error.
func Apply(doc any, ops []Operation) (any, error) {
	out := deepCopy(doc)
	for i, op := range ops {
		var err error
		out, err = applyOne(out, op)
		if err != nil {
			if e, ok := err.(*Error); ok && e.Op == "" {
				e.Op = op.Op
			}
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return out, nil
}

func applyOne(doc any, op Operation) (any, error) {
	if op.needsValue() && !op.HasValue() {
		return nil, &Error{Kind: ErrInvalidOperation, Op: op.Op, Path: op.Path, Detail: "missing value"}
	}
	if op.needsFrom() && !op.HasFrom() {
		return nil, &Error{Kind: ErrInvalidOperation, Op: op.Op, Path: op.Path, Detail: "missing from"}
	}
	switch op.Op {
	case OpAdd:
		return add(doc, op.Path, deepCopy(op.Value))
	case OpRemove:
		out, _, err := remove(doc, op.Path)
		return out, err
	case OpReplace:
		return replace(doc, op.Path, deepCopy(op.Value))
	case OpMove:
		if op.From == op.Path {
			_, err := Get(doc, op.From)
			return doc, err
		}
		if strings.HasPrefix(op.Path, op.From+"/") {
			return nil, &Error{Kind: ErrInvalidOperation, Op: op.Op, Path: op.Path, Detail: "cannot move a value into one of its children"}
		}
		out, value, err := remove(doc, op.From)
		if err != nil {
			return nil, err
		}
		return add(out, op.Path, value)
	case OpCopy:
		value, err := Get(doc, op.From)
		if err != nil {
			return nil, err
		}
		return add(doc, op.Path, deepCopy(value))
	case OpTest:
		actual, err := Get(doc, op.Path)
		if err != nil {
			return nil, err
		}
		if !Equal(actual, op.Value) {
			return nil, &Error{Kind: ErrTestFailed, Op: op.Op, Path: op.Path}
		}
		return doc, nil
	default:
		return nil, &Error{Kind: ErrInvalidOperation, Op: op.Op, Path: op.Path, Detail: fmt.Sprintf("unknown op %q", op.Op)}
	}
}

// Get resolves a JSON pointer against doc
func Get(doc any, pointer string) (any, error) {
	tokens, err := ParsePointer(pointer)
	if err != nil {
		return nil, err
	}
	cur := doc
	for _, tok := range tokens {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[tok]
			if !ok {
				return nil, pathNotFound(pointer)
			}
			cur = v
		case []any:
			idx, err := parseIndex(tok, len(node), false, pointer)
			if err != nil {
				return nil, err
			}
			cur = node[idx]
		default:
			return nil, typeMismatch(pointer, "object or array", cur)
		}
	}
	return cur, nil
}

// containerFunc mutates the container addressed by all but the last token
// and returns the (possibly reallocated) container
type containerFunc func(container any, last string) (any, error)

// mutate walks to the parent of the pointer target and applies fn to it,
// writing reallocated children back so slice growth is visible from the root
func mutate(doc any, tokens []string, pointer string, fn containerFunc) (any, error) {
	if len(tokens) == 1 {
		return fn(doc, tokens[0])
	}
	switch node := doc.(type) {
	case map[string]any:
		child, ok := node[tokens[0]]
		if !ok {
			return nil, pathNotFound(pointer)
		}
		updated, err := mutate(child, tokens[1:], pointer, fn)
		if err != nil {
			return nil, err
		}
		node[tokens[0]] = updated
		return node, nil
	case []any:
		idx, err := parseIndex(tokens[0], len(node), false, pointer)
		if err != nil {
			return nil, err
		}
		updated, err := mutate(node[idx], tokens[1:], pointer, fn)
		if err != nil {
			return nil, err
		}
		node[idx] = updated
		return node, nil
	default:
		return nil, typeMismatch(pointer, "object or array", doc)
	}
}

func add(doc any, pointer string, value any) (any, error) {
	tokens, err := ParsePointer(pointer)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return value, nil
	}
	return mutate(doc, tokens, pointer, func(container any, last string) (any, error) {
		switch node := container.(type) {
		case map[string]any:
			node[last] = value
			return node, nil
		case []any:
			idx, err := parseIndex(last, len(node), true, pointer)
			if err != nil {
				return nil, err
			}
			node = append(node, nil)
			copy(node[idx+1:], node[idx:])
			node[idx] = value
			return node, nil
		default:
			return nil, typeMismatch(pointer, "object or array", container)
		}
	})
}

func remove(doc any, pointer string) (any, any, error) {
	tokens, err := ParsePointer(pointer)
	if err != nil {
		return nil, nil, err
	}
	if len(tokens) == 0 {
		return nil, nil, invalidPath(pointer, "cannot remove the document root")
	}
	var removed any
	out, err := mutate(doc, tokens, pointer, func(container any, last string) (any, error) {
		switch node := container.(type) {
		case map[string]any:
			v, ok := node[last]
			if !ok {
				return nil, pathNotFound(pointer)
			}
			removed = v
			delete(node, last)
			return node, nil
		case []any:
			idx, err := parseIndex(last, len(node), false, pointer)
			if err != nil {
				return nil, err
			}
			removed = node[idx]
			return append(node[:idx:idx], node[idx+1:]...), nil
		default:
			return nil, typeMismatch(pointer, "object or array", container)
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return out, removed, nil
}

func replace(doc any, pointer string, value any) (any, error) {
	tokens, err := ParsePointer(pointer)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return value, nil
	}
	return mutate(doc, tokens, pointer, func(container any, last string) (any, error) {
		switch node := container.(type) {
		case map[string]any:
			if _, ok := node[last]; !ok {
				return nil, pathNotFound(pointer)
			}
			node[last] = value
			return node, nil
		case []any:
			idx, err := parseIndex(last, len(node), false, pointer)
			if err != nil {
				return nil, err
			}
			node[idx] = value
			return node, nil
		default:
			return nil, typeMismatch(pointer, "object or array", container)
		}
	})
}
