package node

import (
	"context"
	"fmt"
	"sort"
)

// childrenKey is the reserved property name that New lifts out of a
// property map into the child list.
const childrenKey = "children"

// New builds a node from a type, an optional property map and a child list.
//
// typ is a tag name, FragmentTag, a Component or a function with the same
// signature as Component. The children argument replaces any "children"
// entry in props. Because Go maps are unordered, attributes coming from
// props are sorted by key; use El or Comp when declaration order matters.
// Nothing is validated here: an unusable type surfaces at render time.
func New(typ any, props map[string]any, children ...Child) *Node {
	attrs := attrsFromMap(props)
	if children == nil {
		children = []Child{}
	}

	switch t := typ.(type) {
	case Component:
		return Comp(t, attrs, children...)
	case func(ctx context.Context, props Props) (*Node, error):
		return Comp(t, attrs, children...)
	case string:
		if t == FragmentTag {
			return Frag(children...)
		}
		return El(t, attrs, children...)
	default:
		// Keep the value around as the tag so the renderer can report it.
		return &Node{Kind: KindElement, Tag: fmt.Sprint(t), Attrs: attrs, Children: children}
	}
}

// El builds an element node with attributes in the given order.
func El(tag string, attrs []Attr, children ...Child) *Node {
	return &Node{
		Kind:     KindElement,
		Tag:      tag,
		Attrs:    withoutChildrenKey(attrs),
		Children: children,
	}
}

// Frag builds a fragment node wrapping children.
func Frag(children ...Child) *Node {
	return &Node{Kind: KindFragment, Children: children}
}

// Comp builds a component invocation node.
func Comp(c Component, attrs []Attr, children ...Child) *Node {
	return &Node{
		Kind: KindComponent,
		Comp: c,
		Props: Props{
			Attrs:    withoutChildrenKey(attrs),
			Children: children,
		},
	}
}

func attrsFromMap(props map[string]any) []Attr {
	if len(props) == 0 {
		return nil
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		if k == childrenKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, Attr{Key: k, Value: props[k]})
	}
	return attrs
}

func withoutChildrenKey(attrs []Attr) []Attr {
	for i, a := range attrs {
		if a.Key != childrenKey {
			continue
		}
		out := make([]Attr, 0, len(attrs)-1)
		out = append(out, attrs[:i]...)
		for _, rest := range attrs[i+1:] {
			if rest.Key != childrenKey {
				out = append(out, rest)
			}
		}
		return out
	}
	return attrs
}
