package schema

import "fmt"

// Provider identifies an LLM vendor's tool-declaration dialect.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
)

// ToProvider converts a schema node into the given provider's wire shape.
// The transform is total over the node kinds: an unrecognized kind or
// provider is an error, never a dropped field.
func ToProvider(n *Node, p Provider) (map[string]any, error) {
	if err := n.Check(); err != nil {
		return nil, err
	}
	switch p {
	case ProviderOpenAI, ProviderAnthropic:
		// Both speak the JSON Schema dialect.
		return toJSONSchema(n)
	case ProviderGemini:
		return toGemini(n)
	default:
		return nil, fmt.Errorf("unrecognized provider %q", p)
	}
}

func toJSONSchema(n *Node) (map[string]any, error) {
	out := map[string]any{}
	if n.Description != "" {
		out["description"] = n.Description
	}

	setType := func(t string) {
		if n.Nullable {
			out["type"] = []string{t, "null"}
		} else {
			out["type"] = t
		}
	}

	switch n.Kind {
	case KindString:
		setType("string")
	case KindNumber:
		setType("number")
	case KindInteger:
		setType("integer")
	case KindBoolean:
		setType("boolean")
	case KindEnum:
		setType("string")
		out["enum"] = append([]string(nil), n.Values...)
	case KindArray:
		setType("array")
		items, err := toJSONSchema(n.Items)
		if err != nil {
			return nil, err
		}
		out["items"] = items
	case KindObject:
		setType("object")
		props := map[string]any{}
		var required []string
		for _, name := range sortedFieldNames(n) {
			field := n.Fields[name]
			p, err := toJSONSchema(field)
			if err != nil {
				return nil, err
			}
			props[name] = p
			if !field.Optional {
				required = append(required, name)
			}
		}
		out["properties"] = props
		if len(required) > 0 {
			out["required"] = required
		}
		out["additionalProperties"] = false
	default:
		return nil, fmt.Errorf("unrecognized schema kind %q", n.Kind)
	}
	return out, nil
}

func toGemini(n *Node) (map[string]any, error) {
	out := map[string]any{}
	if n.Description != "" {
		out["description"] = n.Description
	}
	if n.Nullable {
		out["nullable"] = true
	}

	switch n.Kind {
	case KindString:
		out["type"] = "STRING"
	case KindNumber:
		out["type"] = "NUMBER"
	case KindInteger:
		out["type"] = "INTEGER"
	case KindBoolean:
		out["type"] = "BOOLEAN"
	case KindEnum:
		out["type"] = "STRING"
		out["enum"] = append([]string(nil), n.Values...)
	case KindArray:
		out["type"] = "ARRAY"
		items, err := toGemini(n.Items)
		if err != nil {
			return nil, err
		}
		out["items"] = items
	case KindObject:
		out["type"] = "OBJECT"
		props := map[string]any{}
		var required []string
		for _, name := range sortedFieldNames(n) {
			field := n.Fields[name]
			p, err := toGemini(field)
			if err != nil {
				return nil, err
			}
			props[name] = p
			if !field.Optional {
				required = append(required, name)
			}
		}
		out["properties"] = props
		if len(required) > 0 {
			out["required"] = required
		}
	default:
		return nil, fmt.Errorf("unrecognized schema kind %q", n.Kind)
	}
	return out, nil
}
