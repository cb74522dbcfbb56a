// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"
	"errors"

	"github.com/shineum/mailtree/internal/email"
)

var (
	// ErrAuth marks rejected credentials.
	ErrAuth = errors.New("authentication failed")
	// ErrProtocol marks a server that does not speak the expected protocol
	// or lacks a required capability.
	ErrProtocol = errors.New("protocol error")
)

// Provider is the interface that email delivery backends must implement.
// The outbox hands every rendered message to a provider, and the sink
// forwards captured messages to one.
type Provider interface {
	// Send delivers an email message through this provider.
	// It returns an error if the delivery fails.
	Send(ctx context.Context, msg *email.Email) error

	// Name returns the human-readable name of this provider.
	Name() string
}

// Verifier is implemented by providers that can check connectivity and
// credentials before the first send.
type Verifier interface {
	Verify(ctx context.Context) error
}

// Closer is implemented by providers that hold a connection open between
// sends.
type Closer interface {
	Close() error
}

// Verify runs p's Verify method if it has one.
func Verify(ctx context.Context, p Provider) error {
	if v, ok := p.(Verifier); ok {
		return v.Verify(ctx)
	}
	return nil
}

// Close releases p's connection if it holds one.
func Close(p Provider) error {
	if c, ok := p.(Closer); ok {
		return c.Close()
	}
	return nil
}
