package jsondiff

import (
	"encoding/json"
)

// OpType is a JSON Patch (RFC 6902) operation name
type OpType string

const (
	OpAdd     OpType = "add"
	OpRemove  OpType = "remove"
	OpReplace OpType = "replace"
	OpMove    OpType = "move"
	OpCopy    OpType = "copy"
	OpTest    OpType = "test"
)

// Operation is a single patch step. Value is meaningful for add, replace and
// test; From for move and copy.
type Operation struct {
	Op    OpType `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
	From  string `json:"from,omitempty"`

	// hasValue distinguishes an explicit JSON null from a missing value
	hasValue bool
	// hasFrom distinguishes the root pointer "" from a missing from
	hasFrom bool
}

// Add builds an add operation
func Add(path string, value any) Operation {
	return Operation{Op: OpAdd, Path: path, Value: value, hasValue: true}
}

// Remove builds a remove operation
func Remove(path string) Operation {
	return Operation{Op: OpRemove, Path: path}
}

// Replace builds a replace operation
func Replace(path string, value any) Operation {
	return Operation{Op: OpReplace, Path: path, Value: value, hasValue: true}
}

// Move builds a move operation
func Move(from, path string) Operation {
	return Operation{Op: OpMove, Path: path, From: from, hasFrom: true}
}

// Copy builds a copy operation
func Copy(from, path string) Operation {
	return Operation{Op: OpCopy, Path: path, From: from, hasFrom: true}
}

// Test builds a test operation
func Test(path string, value any) Operation {
	return Operation{Op: OpTest, Path: path, Value: value, hasValue: true}
}

// HasValue reports whether the operation carries a value, including null
func (o Operation) HasValue() bool {
	return o.hasValue || o.Value != nil
}

// HasFrom reports whether the operation carries a from pointer, including
// the root pointer ""
func (o Operation) HasFrom() bool {
	return o.hasFrom || o.From != ""
}

func (o Operation) needsFrom() bool {
	return o.Op == OpMove || o.Op == OpCopy
}

func (o Operation) needsValue() bool {
	return o.Op == OpAdd || o.Op == OpReplace || o.Op == OpTest
}

// MarshalJSON always emits "value" and "from" for ops that require them, so
// a null value and a root from pointer survive the round trip
func (o Operation) MarshalJSON() ([]byte, error) {
	type wire struct {
		Op    OpType  `json:"op"`
		Path  string  `json:"path"`
		Value *any    `json:"value,omitempty"`
		From  *string `json:"from,omitempty"`
	}
	w := wire{Op: o.Op, Path: o.Path}
	if o.needsValue() || o.Value != nil {
		v := o.Value
		w.Value = &v
	}
	if o.needsFrom() || o.From != "" {
		from := o.From
		w.From = &from
	}
	return json.Marshal(w)
}

// UnmarshalJSON records whether the "value" and "from" members were present
func (o *Operation) UnmarshalJSON(data []byte) error {
	var raw struct {
		Op    OpType          `json:"op"`
		Path  string          `json:"path"`
		Value json.RawMessage `json:"value"`
		From  *string         `json:"from"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*o = Operation{Op: raw.Op, Path: raw.Path}
	if raw.From != nil {
		o.From = *raw.From
		o.hasFrom = true
	}
	if raw.Value != nil {
		if err := json.Unmarshal(raw.Value, &o.Value); err != nil {
			return err
		}
		o.hasValue = true
	}
	return nil
}
