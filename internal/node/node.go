// Package node defines the tree that email content is composed from:
// elements, fragments and component invocations, plus the values a node's
// children may hold.
package node

import (
	"context"
	"fmt"
)

// FragmentTag is the tag accepted by New to build a fragment node.
const FragmentTag = "__fragment__"

// Kind discriminates the three node variants.
type Kind uint8

const (
	KindElement   Kind = iota // <div>, <p>, <a>, ...
	KindFragment              // grouping without a wrapper tag
	KindComponent             // function invocation, resolved at render time
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindElement:
		return "Element"
	case KindFragment:
		return "Fragment"
	case KindComponent:
		return "Component"
	default:
		return "Unknown"
	}
}

// Node is one vertex of a content tree.
//
// Only the fields that belong to the node's Kind are meaningful: Tag and
// Attrs for elements, Children for elements and fragments, Comp and Props
// for components.
type Node struct {
	Kind     Kind
	Tag      string
	Attrs    []Attr
	Children []Child
	Comp     Component
	Props    Props
}

// Attr is a single rendering attribute. A nil or false Value is omitted
// from output, true renders as a bare key.
type Attr struct {
	Key   string
	Value any
}

// A is shorthand for constructing an Attr.
func A(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

// Child is any value a node's children may hold:
//
//   - nil, true or false (render nothing)
//   - a primitive: string, integer, float, fmt.Stringer
//   - *Node
//   - a Deferred resolving to any of the above
//   - a slice of Child values (resolved concurrently, concatenated in order)
type Child = any

// Component produces a node from its props. The call may block; it is
// one of the points at which rendering waits.
type Component func(ctx context.Context, props Props) (*Node, error)

// Props is what a component is invoked with: attributes in declaration
// order and the child list, kept apart so that "children" can never
// collide with an attribute.
type Props struct {
	Attrs    []Attr
	Children []Child
}

// Get returns the value of the first attribute named key.
func (p Props) Get(key string) (any, bool) {
	for _, a := range p.Attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return nil, false
}

// String describes the node for debug logging. It never renders children.
func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	switch n.Kind {
	case KindElement:
		return fmt.Sprintf("Element(%s, %d attrs, %d children)", n.Tag, len(n.Attrs), len(n.Children))
	case KindFragment:
		return fmt.Sprintf("Fragment(%d children)", len(n.Children))
	case KindComponent:
		return fmt.Sprintf("Component(%d attrs, %d children)", len(n.Props.Attrs), len(n.Props.Children))
	default:
		return fmt.Sprintf("Node(kind=%d)", n.Kind)
	}
}
