// Package templates holds the built-in emails, composed from node trees.
package templates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/shineum/mailtree/internal/node"
)

// ErrUnknownTemplate is returned by Build for names not in Names.
var ErrUnknownTemplate = errors.New("unknown template")

// ErrInvalidLineItem is raised at render time for a line item with a
// negative quantity or price.
var ErrInvalidLineItem = errors.New("invalid line item")

// Message is a template ready for the outbox.
type Message struct {
	Subject string
	Content node.Child
}

// Welcome is the data for the welcome email.
type Welcome struct {
	Name      string `json:"name"`
	Product   string `json:"product"`
	ActionURL string `json:"actionUrl"`
}

// LineItem is one row of a receipt.
type LineItem struct {
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitCents int64  `json:"unitCents"`
}

// Receipt is the data for the order receipt email.
type Receipt struct {
	Customer string     `json:"customer"`
	OrderID  string     `json:"orderId"`
	Currency string     `json:"currency"`
	OrderURL string     `json:"orderUrl"`
	Items    []LineItem `json:"items"`
}

var builders = map[string]func(data []byte) (Message, error){
	"welcome": func(data []byte) (Message, error) {
		var w Welcome
		if err := decode(data, &w); err != nil {
			return Message{}, err
		}
		return Message{Subject: "Welcome to " + w.Product, Content: WelcomeEmail(w)}, nil
	},
	"receipt": func(data []byte) (Message, error) {
		var r Receipt
		if err := decode(data, &r); err != nil {
			return Message{}, err
		}
		return Message{Subject: "Your receipt for order #" + r.OrderID, Content: ReceiptEmail(r)}, nil
	},
}

// Names lists the built-in templates in sorted order.
func Names() []string {
	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Build decodes JSON data for the named template and returns its message.
// Empty data yields the template's zero value.
func Build(name string, data []byte) (Message, error) {
	build, ok := builders[name]
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
	return build(data)
}

func decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode template data: %w", err)
	}
	return nil
}

// WelcomeEmail greets a new user. The call-to-action link is shown only
// when ActionURL is set.
func WelcomeEmail(w Welcome) *node.Node {
	return node.El("div", nil,
		node.El("p", nil, "Hi ", w.Name, ","),
		node.El("p", nil, "Welcome to ", w.Product, ". Your account is ready."),
		node.ShowWhen(w.ActionURL != "",
			node.El("p", nil, node.El("a", []node.Attr{node.A("href", w.ActionURL)}, "Get started")),
		),
		node.El("p", nil, "The ", w.Product, " team"),
	)
}

// ReceiptEmail lists the ordered items and their total.
func ReceiptEmail(r Receipt) *node.Node {
	return node.El("div", nil,
		node.El("p", nil, "Thanks for your order, ", r.Customer, "."),
		node.El("p", nil, "Order #", r.OrderID),
		node.El("ul", nil,
			node.Each(r.Items, func(_ context.Context, item LineItem, _ int) (node.Child, error) {
				if item.Quantity < 0 || item.UnitCents < 0 {
					return nil, fmt.Errorf("%w: %q", ErrInvalidLineItem, item.Name)
				}
				return node.El("li", nil,
					item.Quantity, " x ", item.Name, ": ",
					formatAmount(int64(item.Quantity)*item.UnitCents, r.Currency),
				), nil
			}),
		),
		node.El("p", nil, "Total: ",
			node.Comp(total, []node.Attr{node.A("items", r.Items), node.A("currency", r.Currency)}),
		),
		node.ShowWhen(r.OrderURL != "",
			node.El("p", nil, node.El("a", []node.Attr{node.A("href", r.OrderURL)}, "View order")),
		),
	)
}

// total sums the "items" attribute.
func total(_ context.Context, props node.Props) (*node.Node, error) {
	v, _ := props.Get("items")
	items, _ := v.([]LineItem)
	currency, _ := props.Get("currency")
	code, _ := currency.(string)

	var sum int64
	for _, item := range items {
		sum += int64(item.Quantity) * item.UnitCents
	}
	return node.Frag(formatAmount(sum, code)), nil
}

func formatAmount(cents int64, currency string) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	s := fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
	if currency != "" {
		s += " " + currency
	}
	return s
}
