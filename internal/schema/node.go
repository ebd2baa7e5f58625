// Package schema models function parameter schemas as a closed set of node
// kinds. The same tree drives argument validation and the per-provider tool
// declarations, so both sides stay total over the node set: an unknown kind
// is an error, never a silently dropped field.
package schema

import "fmt"

type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBoolean Kind = "boolean"
	KindEnum    Kind = "enum"
	KindArray   Kind = "array"
	KindObject  Kind = "object"
)

// Node is one schema node. Optional fields may be absent from an object;
// Nullable values may be JSON null. The two are independent.
type Node struct {
	Kind        Kind
	Description string
	Optional    bool
	Nullable    bool

	// Enum values, for KindEnum.
	Values []string
	// Items, for KindArray.
	Items *Node
	// Fields, for KindObject.
	Fields map[string]*Node
}

func String(desc string) *Node  { return &Node{Kind: KindString, Description: desc} }
func Number(desc string) *Node  { return &Node{Kind: KindNumber, Description: desc} }
func Integer(desc string) *Node { return &Node{Kind: KindInteger, Description: desc} }
func Boolean(desc string) *Node { return &Node{Kind: KindBoolean, Description: desc} }

func Enum(desc string, values ...string) *Node {
	return &Node{Kind: KindEnum, Description: desc, Values: values}
}

func Array(desc string, items *Node) *Node {
	return &Node{Kind: KindArray, Description: desc, Items: items}
}

func Object(desc string, fields map[string]*Node) *Node {
	return &Node{Kind: KindObject, Description: desc, Fields: fields}
}

// AsOptional returns a copy of n that may be omitted from its parent object.
func (n *Node) AsOptional() *Node {
	c := *n
	c.Optional = true
	return &c
}

// AsNullable returns a copy of n that accepts JSON null.
func (n *Node) AsNullable() *Node {
	c := *n
	c.Nullable = true
	return &c
}

// Check verifies the tree is well-formed: known kinds, enum values present,
// array items and object fields populated.
func (n *Node) Check() error {
	return n.check("$")
}

func (n *Node) check(path string) error {
	if n == nil {
		return fmt.Errorf("%s: nil schema node", path)
	}
	switch n.Kind {
	case KindString, KindNumber, KindInteger, KindBoolean:
		return nil
	case KindEnum:
		if len(n.Values) == 0 {
			return fmt.Errorf("%s: enum with no values", path)
		}
		return nil
	case KindArray:
		if n.Items == nil {
			return fmt.Errorf("%s: array with no item schema", path)
		}
		return n.Items.check(path + "[]")
	case KindObject:
		for name, field := range n.Fields {
			if err := field.check(path + "." + name); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%s: unrecognized schema kind %q", path, n.Kind)
	}
}
