package schema

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// ValidationError reports why a set of arguments does not match a schema.
// Each problem carries the JSON path that failed.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "arguments do not match schema: " + strings.Join(e.Problems, "; ")
}

// Validate checks a decoded JSON value (as produced by encoding/json into
// any) against the node. It collects every problem rather than stopping at
// the first, so callers get one actionable message.
func Validate(n *Node, value any) error {
	if err := n.Check(); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	var problems []string
	validate(n, value, "$", &problems)
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func validate(n *Node, value any, path string, problems *[]string) {
	if value == nil {
		if n.Nullable {
			return
		}
		*problems = append(*problems, fmt.Sprintf("%s: null is not allowed", path))
		return
	}

	switch n.Kind {
	case KindString:
		if _, ok := value.(string); !ok {
			*problems = append(*problems, fmt.Sprintf("%s: expected string, got %s", path, jsonType(value)))
		}
	case KindNumber:
		if _, ok := value.(float64); !ok {
			*problems = append(*problems, fmt.Sprintf("%s: expected number, got %s", path, jsonType(value)))
		}
	case KindInteger:
		f, ok := value.(float64)
		if !ok {
			*problems = append(*problems, fmt.Sprintf("%s: expected integer, got %s", path, jsonType(value)))
			return
		}
		if f != math.Trunc(f) {
			*problems = append(*problems, fmt.Sprintf("%s: expected integer, got fractional number %v", path, f))
		}
	case KindBoolean:
		if _, ok := value.(bool); !ok {
			*problems = append(*problems, fmt.Sprintf("%s: expected boolean, got %s", path, jsonType(value)))
		}
	case KindEnum:
		s, ok := value.(string)
		if !ok {
			*problems = append(*problems, fmt.Sprintf("%s: expected one of %v, got %s", path, n.Values, jsonType(value)))
			return
		}
		for _, v := range n.Values {
			if s == v {
				return
			}
		}
		*problems = append(*problems, fmt.Sprintf("%s: value %q is not one of %v", path, s, n.Values))
	case KindArray:
		arr, ok := value.([]any)
		if !ok {
			*problems = append(*problems, fmt.Sprintf("%s: expected array, got %s", path, jsonType(value)))
			return
		}
		for i, item := range arr {
			validate(n.Items, item, fmt.Sprintf("%s[%d]", path, i), problems)
		}
	case KindObject:
		obj, ok := value.(map[string]any)
		if !ok {
			*problems = append(*problems, fmt.Sprintf("%s: expected object, got %s", path, jsonType(value)))
			return
		}
		for _, name := range sortedFieldNames(n) {
			field := n.Fields[name]
			v, present := obj[name]
			if !present {
				if !field.Optional {
					*problems = append(*problems, fmt.Sprintf("%s: missing required field %q", path, name))
				}
				continue
			}
			validate(field, v, path+"."+name, problems)
		}
		for name := range obj {
			if _, known := n.Fields[name]; !known {
				*problems = append(*problems, fmt.Sprintf("%s: unknown field %q", path, name))
			}
		}
	}
}

func sortedFieldNames(n *Node) []string {
	names := make([]string, 0, len(n.Fields))
	for name := range n.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func jsonType(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
