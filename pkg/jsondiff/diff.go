// Package jsondiff computes and applies structural deltas between JSON-like
// documents, expressed as RFC 6902 JSON Patch operations addressed by RFC 6901
// JSON pointers.
//
// Arrays are compared positionally, index by index. Inserting or deleting an
// element in the middle of a long array therefore produces a replace for every
// shifted element instead of a single add/remove. This keeps Diff linear and
// predictable; the resulting patch is correct but not minimal.
package jsondiff

import (
	"sort"
	"strconv"
)

// Diff returns the operations that transform old into new. Equal documents
// yield an empty slice. Removals from the same array are emitted in
// descending index order so the patch can be applied left to right.
func Diff(old, new any) []Operation {
	ops := make([]Operation, 0)
	diffValue("", old, new, &ops)
	return ops
}

func diffValue(path string, old, new any, ops *[]Operation) {
	switch o := old.(type) {
	case map[string]any:
		if n, ok := new.(map[string]any); ok {
			diffObject(path, o, n, ops)
			return
		}
	case []any:
		if n, ok := new.([]any); ok {
			diffArray(path, o, n, ops)
			return
		}
	}
	if !Equal(old, new) {
		*ops = append(*ops, Replace(path, deepCopy(new)))
	}
}

func diffObject(path string, old, new map[string]any, ops *[]Operation) {
	removed := make([]string, 0)
	for k := range old {
		if _, ok := new[k]; !ok {
			removed = append(removed, k)
		}
	}
	sort.Strings(removed)
	for _, k := range removed {
		*ops = append(*ops, Remove(JoinPointer(path, k)))
	}

	keys := make([]string, 0, len(new))
	for k := range new {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		child := JoinPointer(path, k)
		if ov, ok := old[k]; ok {
			diffValue(child, ov, new[k], ops)
		} else {
			*ops = append(*ops, Add(child, deepCopy(new[k])))
		}
	}
}

func diffArray(path string, old, new []any, ops *[]Operation) {
	common := min(len(old), len(new))
	for i := 0; i < common; i++ {
		diffValue(path+"/"+strconv.Itoa(i), old[i], new[i], ops)
	}
	for i := common; i < len(new); i++ {
		*ops = append(*ops, Add(path+"/"+strconv.Itoa(i), deepCopy(new[i])))
	}
	// highest index first: earlier removals must not shift later ones
	for i := len(old) - 1; i >= common; i-- {
		*ops = append(*ops, Remove(path+"/"+strconv.Itoa(i)))
	}
}
