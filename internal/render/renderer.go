package render

import (
	"context"
	"errors"
	"fmt"
	"html"
	"reflect"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/mailtree/internal/ctxlog"
	"github.com/shineum/mailtree/internal/node"
)

// AnchorTag is the element whose href is repeated in the text channel.
const AnchorTag = "a"

const tracerName = "github.com/shineum/mailtree/internal/render"

// blockTags trigger a trailing newline in the text channel.
var blockTags = [...]string{"div", "p", "section", "article", "br", "header", "footer", "main", "li"}

// ErrInvalidRoot is returned when the root does not resolve to a node.
var ErrInvalidRoot = errors.New("render root must resolve to a node")

// DefaultBlockTags returns the tags that end a line in the text channel.
func DefaultBlockTags() []string {
	return append([]string(nil), blockTags[:]...)
}

// Result holds the two synchronized outputs of a render.
type Result struct {
	HTML string
	Text string
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithBlockTags replaces the set of block-level tags.
func WithBlockTags(tags ...string) Option {
	return func(r *Renderer) {
		r.blockTags = make(map[string]struct{}, len(tags))
		for _, t := range tags {
			r.blockTags[t] = struct{}{}
		}
	}
}

// WithAnchorTag changes which element gets its href appended to the text.
func WithAnchorTag(tag string) Option {
	return func(r *Renderer) {
		r.anchorTag = tag
	}
}

// WithEscaping turns HTML escaping of attribute values and text content on
// or off. It is off by default, which emits values verbatim.
func WithEscaping(escape bool) Option {
	return func(r *Renderer) {
		r.escape = escape
	}
}

// WithTracer sets the tracer used for render spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Renderer) {
		r.tracer = tracer
	}
}

// Renderer walks node trees into HTML and plain text. It holds only
// configuration, so one Renderer may serve concurrent calls.
type Renderer struct {
	blockTags map[string]struct{}
	anchorTag string
	escape    bool
	tracer    trace.Tracer
}

// New creates a Renderer with the default tag sets and no escaping.
func New(opts ...Option) *Renderer {
	r := &Renderer{anchorTag: AnchorTag}
	WithBlockTags(blockTags[:]...)(r)
	for _, opt := range opts {
		opt(r)
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer(tracerName)
	}
	return r
}

var std = New()

// Render renders root with the default Renderer.
func Render(ctx context.Context, root node.Child) (Result, error) {
	return std.Render(ctx, root)
}

// Render resolves root, which must be a *node.Node or a node.Deferred that
// settles to one, and returns its HTML and text.
//
// Errors raised by components or deferred values are returned unchanged.
// No partial output is returned on failure.
func (r *Renderer) Render(ctx context.Context, root node.Child) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "render.Render")
	defer span.End()

	for {
		if isAbsent(root) {
			return Result{}, r.fail(span, fmt.Errorf("%w: got %T", ErrInvalidRoot, root))
		}
		d, ok := root.(node.Deferred)
		if !ok {
			break
		}
		v, err := d.Await(ctx)
		if err != nil {
			return Result{}, r.fail(span, err)
		}
		root = v
	}

	n, ok := root.(*node.Node)
	if !ok {
		return Result{}, r.fail(span, fmt.Errorf("%w: got %T", ErrInvalidRoot, root))
	}

	var out output
	if err := r.renderNode(ctx, &out, n); err != nil {
		return Result{}, r.fail(span, err)
	}

	res := Result{HTML: out.html.String(), Text: out.text.String()}
	span.SetAttributes(
		attribute.Int("render.html_bytes", len(res.HTML)),
		attribute.Int("render.text_bytes", len(res.Text)),
	)
	return res, nil
}

func (r *Renderer) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// output accumulates both channels for one branch of the tree.
type output struct {
	html strings.Builder
	text strings.Builder
}

// writeText writes a primitive into both channels.
func (r *Renderer) writeText(out *output, s string) {
	if r.escape {
		out.html.WriteString(html.EscapeString(s))
	} else {
		out.html.WriteString(s)
	}
	out.text.WriteString(s)
}

// renderNode dispatches on the node kind.
func (r *Renderer) renderNode(ctx context.Context, out *output, n *node.Node) error {
	if n == nil {
		return nil
	}

	switch n.Kind {
	case node.KindFragment:
		return r.renderChildren(ctx, out, n.Children)
	case node.KindComponent:
		if n.Comp == nil {
			return errors.New("component node has no function")
		}
		ctxlog.FromContext(ctx).Debug("resolving component", "props", len(n.Props.Attrs), "children", len(n.Props.Children))
		resolved, err := n.Comp(ctx, n.Props)
		if err != nil {
			return err
		}
		return r.renderNode(ctx, out, resolved)
	case node.KindElement:
		return r.renderElement(ctx, out, n)
	default:
		return fmt.Errorf("unknown node kind: %d", n.Kind)
	}
}

// renderElement renders an intrinsic tag with its attributes and children.
func (r *Renderer) renderElement(ctx context.Context, out *output, n *node.Node) error {
	out.html.WriteByte('<')
	out.html.WriteString(n.Tag)

	for _, a := range n.Attrs {
		if isAbsent(a.Value) {
			continue
		}
		if b, ok := a.Value.(bool); ok {
			if b {
				out.html.WriteByte(' ')
				out.html.WriteString(a.Key)
			}
			continue
		}
		v := stringify(a.Value)
		if r.escape {
			v = html.EscapeString(v)
		}
		out.html.WriteByte(' ')
		out.html.WriteString(a.Key)
		out.html.WriteString(`="`)
		out.html.WriteString(v)
		out.html.WriteByte('"')
	}
	out.html.WriteByte('>')

	if err := r.renderChildren(ctx, out, n.Children); err != nil {
		return err
	}

	out.html.WriteString("</")
	out.html.WriteString(n.Tag)
	out.html.WriteByte('>')

	if n.Tag == r.anchorTag {
		if href := hrefOf(n.Attrs); href != "" {
			out.text.WriteString(" (")
			out.text.WriteString(href)
			out.text.WriteByte(')')
		}
	}

	if _, ok := r.blockTags[n.Tag]; ok {
		out.text.WriteByte('\n')
	}

	return nil
}

// renderChildren renders siblings one at a time, in order.
func (r *Renderer) renderChildren(ctx context.Context, out *output, children []node.Child) error {
	for _, c := range children {
		if err := r.renderChild(ctx, out, c); err != nil {
			return err
		}
	}
	return nil
}

// renderChild renders a single child value.
func (r *Renderer) renderChild(ctx context.Context, out *output, c node.Child) error {
	switch v := c.(type) {
	case nil, bool:
		return nil
	case *node.Node:
		return r.renderNode(ctx, out, v)
	case node.Deferred:
		if isAbsent(v) {
			return nil
		}
		resolved, err := v.Await(ctx)
		if err != nil {
			return err
		}
		return r.renderChild(ctx, out, resolved)
	case []node.Child:
		return r.renderList(ctx, out, v)
	case string:
		r.writeText(out, v)
		return nil
	case []byte:
		r.writeText(out, string(v))
		return nil
	}

	if isAbsent(c) {
		return nil
	}
	if rv := reflect.ValueOf(c); rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		items := make([]node.Child, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return r.renderList(ctx, out, items)
	}

	r.writeText(out, stringify(c))
	return nil
}

// renderList resolves every item of a nested list concurrently, each into
// its own buffer, then concatenates the buffers in index order.
func (r *Renderer) renderList(ctx context.Context, out *output, items []node.Child) error {
	switch len(items) {
	case 0:
		return nil
	case 1:
		return r.renderChild(ctx, out, items[0])
	}

	parts := make([]output, len(items))
	g, gctx := errgroup.WithContext(ctx)
	for i, item := range items {
		g.Go(func() error {
			return r.renderChild(gctx, &parts[i], item)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i := range parts {
		out.html.WriteString(parts[i].html.String())
		out.text.WriteString(parts[i].text.String())
	}
	return nil
}

func hrefOf(attrs []node.Attr) string {
	for _, a := range attrs {
		if a.Key == "href" {
			s, _ := a.Value.(string)
			return s
		}
	}
	return ""
}

// isAbsent reports whether v is nil or a nil pointer, map, func or
// interface value.
func isAbsent(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Func, reflect.Interface, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}
