// Package mailerr classifies inbox and outbox failures.
package mailerr

import "fmt"

// Kind identifies the class of a mail failure. A Kind is itself an error so
// that callers can test with errors.Is(err, mailerr.OutboxSend).
type Kind string

func (k Kind) Error() string { return string(k) }

const (
	InboxConnection Kind = "inbox connection error"
	InboxAuth       Kind = "inbox auth error"
	InboxProtocol   Kind = "inbox protocol error"
	InboxState      Kind = "inbox state error"
	InboxDelete     Kind = "inbox delete error"

	OutboxConnection Kind = "outbox connection error"
	OutboxAuth       Kind = "outbox auth error"
	OutboxSend       Kind = "outbox send error"
	OutboxProtocol   Kind = "outbox protocol error"
	OutboxState      Kind = "outbox state error"
)

// Error is a classified mail failure with an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// New returns an Error of the given kind without a cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap returns an Error of the given kind wrapping err.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is this error's Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}
