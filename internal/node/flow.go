package node

import (
	"context"
	"reflect"
)

// EachFunc is the callback a For component maps over its items.
type EachFunc func(ctx context.Context, item any, index int) (Child, error)

// Fragment groups its children without adding markup of its own.
func Fragment(_ context.Context, props Props) (*Node, error) {
	children := props.Children
	if children == nil {
		children = []Child{}
	}
	return Frag(children...), nil
}

// Show renders its children only when the "when" attribute is exactly true.
// Anything else, including a missing attribute, renders nothing.
func Show(_ context.Context, props Props) (*Node, error) {
	when, _ := props.Get("when")
	if b, ok := when.(bool); !ok || !b {
		return Frag(), nil
	}
	children := props.Children
	if children == nil {
		children = []Child{}
	}
	return Frag(children...), nil
}

// For maps its single callback child over the "each" attribute, which may
// be any slice or array. Items are visited in index order and each result is
// awaited before the next call, so the produced children keep that order.
// A missing or empty "each" renders nothing.
func For(ctx context.Context, props Props) (*Node, error) {
	each, _ := props.Get("each")
	items := reflect.ValueOf(each)
	if !items.IsValid() {
		return Frag(), nil
	}
	if k := items.Kind(); k != reflect.Slice && k != reflect.Array {
		return Frag(), nil
	}
	if items.Len() == 0 {
		return Frag(), nil
	}

	if len(props.Children) != 1 {
		return nil, &ConfigurationError{Component: "For", Reason: "expects a single function child"}
	}
	fn, ok := eachFunc(props.Children[0])
	if !ok {
		return nil, &ConfigurationError{Component: "For", Reason: "expects a single function child"}
	}

	out := make([]Child, 0, items.Len())
	for i := 0; i < items.Len(); i++ {
		c, err := fn(ctx, items.Index(i).Interface(), i)
		if err != nil {
			return nil, err
		}
		if c, err = settle(ctx, c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return Frag(out...), nil
}

// settle awaits c until it is no longer a Deferred. A nil Deferred
// settles to nil.
func settle(ctx context.Context, c Child) (Child, error) {
	for {
		d, ok := c.(Deferred)
		if !ok {
			return c, nil
		}
		if rv := reflect.ValueOf(d); rv.Kind() == reflect.Pointer && rv.IsNil() {
			return nil, nil
		}
		v, err := d.Await(ctx)
		if err != nil {
			return nil, err
		}
		c = v
	}
}

func eachFunc(c Child) (EachFunc, bool) {
	switch fn := c.(type) {
	case EachFunc:
		return fn, fn != nil
	case func(ctx context.Context, item any, index int) (Child, error):
		return fn, fn != nil
	case func(item any, index int) Child:
		if fn == nil {
			return nil, false
		}
		return func(_ context.Context, item any, index int) (Child, error) {
			return fn(item, index), nil
		}, true
	default:
		return nil, false
	}
}

// Group builds a Fragment component invocation.
func Group(children ...Child) *Node {
	return Comp(Fragment, nil, children...)
}

// ShowWhen builds a Show component invocation.
func ShowWhen(when bool, children ...Child) *Node {
	return Comp(Show, []Attr{A("when", when)}, children...)
}

// Each builds a For component invocation over a typed slice.
func Each[T any](items []T, fn func(ctx context.Context, item T, index int) (Child, error)) *Node {
	return Comp(For, []Attr{A("each", items)}, EachFunc(func(ctx context.Context, item any, index int) (Child, error) {
		return fn(ctx, item.(T), index)
	}))
}
