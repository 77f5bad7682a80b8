package conversation

import (
	"fmt"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// VariableOp names how a VariableChange combines with the current value.
type VariableOp string

const (
	VariableOpSet       VariableOp = "set"
	VariableOpIncrement VariableOp = "increment"
	VariableOpAppend    VariableOp = "append"
	VariableOpMerge     VariableOp = "merge"
	VariableOpUnset     VariableOp = "unset"
)

// VariableChange is a delta on the chat's user value, attached to the
// message alternative that caused it. An empty Op means set.
type VariableChange struct {
	AccessChain []string   `json:"accessChain"`
	Op          VariableOp `json:"op,omitempty"`
	Value       any        `json:"value,omitempty"`
}

// variableOpFunc returns the new value, or remove=true to delete the key.
type variableOpFunc func(old any, exists bool, value any) (result any, remove bool, err error)

var variableOps = map[VariableOp]variableOpFunc{
	VariableOpSet: func(_ any, _ bool, value any) (any, bool, error) {
		return value, false, nil
	},
	VariableOpUnset: func(any, bool, any) (any, bool, error) {
		return nil, true, nil
	},
	VariableOpIncrement: func(old any, exists bool, value any) (any, bool, error) {
		delta, ok := toNumber(value)
		if !ok {
			return nil, false, errors.Errorf("increment value %v is not a number", value)
		}
		if !exists || old == nil {
			return value, false, nil
		}
		cur, ok := toNumber(old)
		if !ok {
			return nil, false, errors.Errorf("cannot increment non-numeric value %v", old)
		}
		if isInteger(old) && isInteger(value) {
			return int64(cur + delta), false, nil
		}
		return cur + delta, false, nil
	},
	VariableOpAppend: func(old any, exists bool, value any) (any, bool, error) {
		if !exists || old == nil {
			return []any{value}, false, nil
		}
		list, ok := old.([]any)
		if !ok {
			return nil, false, errors.Errorf("cannot append to %T", old)
		}
		return append(append([]any{}, list...), value), false, nil
	},
	VariableOpMerge: func(old any, exists bool, value any) (any, bool, error) {
		patch, ok := value.(map[string]any)
		if !ok {
			return nil, false, errors.Errorf("merge value must be an object, got %T", value)
		}
		merged := map[string]any{}
		if exists && old != nil {
			cur, ok := old.(map[string]any)
			if !ok {
				return nil, false, errors.Errorf("cannot merge into %T", old)
			}
			for k, v := range cur {
				merged[k] = v
			}
		}
		for k, v := range patch {
			merged[k] = v
		}
		return merged, false, nil
	},
}

// ApplyVariableChange applies change to target in place, creating
// intermediate objects along the access chain. A failing change leaves
// target untouched.
func ApplyVariableChange(target map[string]any, change VariableChange) error {
	if len(change.AccessChain) == 0 {
		return errors.New("empty access chain")
	}
	op := change.Op
	if op == "" {
		op = VariableOpSet
	}
	fn, ok := variableOps[op]
	if !ok {
		return errors.Errorf("unknown variable op %q", op)
	}

	parents := change.AccessChain[:len(change.AccessChain)-1]
	leaf := change.AccessChain[len(change.AccessChain)-1]

	// walk the existing objects, missing is the first key to create
	cur, missing := target, len(parents)
	for i, key := range parents {
		next, exists := cur[key]
		if !exists || next == nil {
			missing = i
			break
		}
		m, ok := next.(map[string]any)
		if !ok {
			return errors.Errorf("access chain %v: %s at position %d is %T, not an object",
				change.AccessChain, key, i, next)
		}
		cur = m
	}

	var old any
	exists := false
	if missing == len(parents) {
		old, exists = cur[leaf]
	}
	value, remove, err := fn(old, exists, clone.Clone(change.Value))
	if err != nil {
		return errors.Wrapf(err, "access chain %v", change.AccessChain)
	}
	if remove {
		if exists {
			delete(cur, leaf)
		}
		return nil
	}

	for _, key := range parents[missing:] {
		m := map[string]any{}
		cur[key] = m
		cur = m
	}
	cur[leaf] = value
	return nil
}

// ResolveUserValue deep-copies base and applies the variable changes of each
// container's active message alternative in order. Failing changes are
// skipped with a warning.
func ResolveUserValue(base map[string]any, containers []*MessageContainer) map[string]any {
	resolved := map[string]any{}
	if base != nil {
		resolved = clone.Clone(base).(map[string]any)
	}
	for _, c := range containers {
		m, ok := c.ActiveMessage()
		if !ok {
			continue
		}
		for _, change := range m.Meta.VariableChanges {
			if err := ApplyVariableChange(resolved, change); err != nil {
				log.Warn().Err(err).Str("container", c.ID).Msg("skipping variable change")
			}
		}
	}
	return resolved
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func isInteger(v any) bool {
	switch n := v.(type) {
	case int, int32, int64, uint, uint64:
		return true
	case float64:
		return n == float64(int64(n))
	case float32:
		return n == float32(int64(n))
	}
	return false
}

func (c VariableChange) String() string {
	op := c.Op
	if op == "" {
		op = VariableOpSet
	}
	return fmt.Sprintf("%s %v %v", op, c.AccessChain, c.Value)
}
