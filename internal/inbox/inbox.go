// Package inbox polls an IMAP INBOX.
//
// An Inbox is either connected or disconnected. Recv returns the oldest
// unseen message without marking it, Read marks it seen, and Delete
// purges seen messages older than a number of hours. Protocol failures
// are reported through OnError and drop the connection.
package inbox

import (
	"context"
	"crypto/tls"
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/shineum/mailtree/internal/ctxlog"
	"github.com/shineum/mailtree/internal/email"
	"github.com/shineum/mailtree/internal/mailerr"
	"github.com/shineum/mailtree/internal/metrics"
	"github.com/shineum/mailtree/internal/parser"
)

// DefaultTimeout bounds connection setup.
const DefaultTimeout = 30 * time.Second

// ErrorFunc receives every connection, protocol and delete failure.
type ErrorFunc func(ctx context.Context, err error)

// Config configures an Inbox.
type Config struct {
	Host     string
	Port     int
	Secure   bool
	Username string
	Password string
	// TLS is the client TLS config; ServerName defaults to Host.
	TLS     *tls.Config
	Timeout time.Duration

	// OnError is called with each failure before it is returned. Required.
	OnError ErrorFunc

	// Dial opens the mailbox session. Defaults to DialIMAP.
	Dial DialFunc

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Status is a snapshot of INBOX counters.
type Status struct {
	Connected bool `json:"connected"`
	Total     int  `json:"total"`
	Unread    int  `json:"unread"`
	Read      int  `json:"read"`
}

// Body holds both renditions of a message body.
type Body struct {
	Text string `json:"text"`
	HTML string `json:"html"`
}

// Mail is a received message.
type Mail struct {
	ID          string             `json:"id"`
	From        string             `json:"from"`
	To          []string           `json:"to"`
	Subject     string             `json:"subject"`
	Body        Body               `json:"body"`
	Attachments []email.Attachment `json:"attachments"`
	// Date is the Date header, nil when absent.
	Date       *time.Time `json:"date,omitempty"`
	ReceivedAt time.Time  `json:"receivedAt"`
}

// Inbox reads INBOX over IMAP.
type Inbox struct {
	cfg Config

	mu      sync.Mutex
	mailbox Mailbox
}

// New creates a disconnected Inbox.
func New(cfg Config) (*Inbox, error) {
	if cfg.OnError == nil {
		return nil, mailerr.New(mailerr.InboxState, "onError must be provided")
	}
	if cfg.Port == 0 {
		cfg.Port = 143
		if cfg.Secure {
			cfg.Port = 993
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Dial == nil {
		cfg.Dial = DialIMAP
	}
	return &Inbox{cfg: cfg}, nil
}

// Connected reports whether a session is open.
func (in *Inbox) Connected() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.mailbox != nil
}

// Connect opens the session and selects INBOX.
func (in *Inbox) Connect(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.mailbox != nil {
		return mailerr.New(mailerr.InboxState, "inbox is already connected")
	}

	mb, err := in.cfg.Dial(ctx, in.cfg)
	in.cfg.Metrics.ObserveInbox("connect", err)
	if err != nil {
		kind := mailerr.InboxConnection
		if errors.Is(err, ErrLoginFailed) {
			kind = mailerr.InboxAuth
		}
		merr := mailerr.Wrap(kind, "failed to connect to IMAP server", err)
		in.cfg.OnError(ctx, merr)
		return merr
	}

	in.mailbox = mb
	ctxlog.FromContext(ctx).Info("inbox connected", "host", in.cfg.Host, "user", in.cfg.Username)
	return nil
}

// Disconnect logs out. The inbox is disconnected afterwards even when
// LOGOUT fails.
func (in *Inbox) Disconnect(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.disconnect(ctx)
}

func (in *Inbox) disconnect(ctx context.Context) error {
	if in.mailbox == nil {
		return nil
	}
	mb := in.mailbox
	in.mailbox = nil

	if err := mb.Logout(ctx); err != nil {
		ctxlog.FromContext(ctx).Debug("IMAP logout failed", "error", err)
		return err
	}
	return nil
}

// fail reports err as kind, drops the session and returns the error.
// The caller must hold in.mu.
func (in *Inbox) fail(ctx context.Context, kind mailerr.Kind, op, msg string, err error) error {
	in.cfg.Metrics.ObserveInbox(op, err)
	merr := mailerr.Wrap(kind, msg, err)
	in.cfg.OnError(ctx, merr)
	_ = in.disconnect(ctx)
	return merr
}

// Status counts the messages in INBOX.
func (in *Inbox) Status(ctx context.Context) (Status, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.mailbox == nil {
		return Status{}, mailerr.New(mailerr.InboxState, "inbox is not connected")
	}

	total, unseen, err := in.mailbox.Counts(ctx)
	if err != nil {
		return Status{}, in.fail(ctx, mailerr.InboxProtocol, "status", "failed to read inbox status", err)
	}
	in.cfg.Metrics.ObserveInbox("status", nil)
	in.cfg.Metrics.SetUnread(unseen)

	return Status{
		Connected: true,
		Total:     total,
		Unread:    unseen,
		Read:      total - unseen,
	}, nil
}

// Recv returns the oldest unseen message, or nil when there is none.
// The message stays unseen until Read.
func (in *Inbox) Recv(ctx context.Context) (*Mail, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.mailbox == nil {
		return nil, mailerr.New(mailerr.InboxState, "inbox is not connected")
	}

	uids, err := in.mailbox.UnseenUIDs(ctx)
	if err != nil {
		return nil, in.fail(ctx, mailerr.InboxProtocol, "recv", "failed to receive email", err)
	}
	if len(uids) == 0 {
		in.cfg.Metrics.ObserveInbox("recv", nil)
		return nil, nil
	}

	uid := slices.Min(uids)
	raw, received, ok, err := in.mailbox.Fetch(ctx, uid)
	if err != nil {
		return nil, in.fail(ctx, mailerr.InboxProtocol, "recv", "failed to receive email", err)
	}
	if !ok {
		in.cfg.Metrics.ObserveInbox("recv", nil)
		return nil, nil
	}

	msg, err := parser.ParseContext(ctx, raw)
	if err != nil {
		return nil, in.fail(ctx, mailerr.InboxProtocol, "recv", "failed to receive email", err)
	}
	in.cfg.Metrics.ObserveInbox("recv", nil)

	return newMail(uid, msg, received), nil
}

func newMail(uid uint32, msg *email.Email, received time.Time) *Mail {
	m := &Mail{
		ID:          strconv.FormatUint(uint64(uid), 10),
		From:        msg.From,
		To:          msg.To,
		Subject:     msg.Subject,
		Body:        Body{Text: msg.TextBody, HTML: msg.HtmlBody},
		Attachments: msg.Attachments,
		ReceivedAt:  received,
	}
	if m.To == nil {
		m.To = []string{}
	}
	if m.Attachments == nil {
		m.Attachments = []email.Attachment{}
	}
	if !msg.Date.IsZero() {
		d := msg.Date
		m.Date = &d
	}
	return m
}

// Read marks the message with the given ID as seen.
func (in *Inbox) Read(ctx context.Context, id string) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.mailbox == nil {
		return mailerr.New(mailerr.InboxState, "inbox is not connected")
	}

	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil || uid == 0 {
		return mailerr.Wrap(mailerr.InboxProtocol, "invalid message id "+strconv.Quote(id), err)
	}

	if err := in.mailbox.AddFlags(ctx, []uint32{uint32(uid)}, `\Seen`); err != nil {
		return in.fail(ctx, mailerr.InboxProtocol, "read", "failed to mark email as read", err)
	}
	in.cfg.Metrics.ObserveInbox("read", nil)
	return nil
}

// Delete permanently removes seen messages received more than hours ago.
func (in *Inbox) Delete(ctx context.Context, hours int) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.mailbox == nil {
		return mailerr.New(mailerr.InboxState, "inbox is not connected")
	}

	before := time.Now().Add(-time.Duration(hours) * time.Hour)
	uids, err := in.mailbox.SeenBefore(ctx, before)
	if err == nil && len(uids) > 0 {
		err = in.mailbox.AddFlags(ctx, uids, `\Deleted`)
		if err == nil {
			err = in.mailbox.Expunge(ctx, uids)
		}
	}
	if err != nil {
		return in.fail(ctx, mailerr.InboxDelete, "delete", "failed to delete emails", err)
	}

	in.cfg.Metrics.ObserveInbox("delete", nil)
	if len(uids) > 0 {
		ctxlog.FromContext(ctx).Info("deleted seen emails", "count", len(uids), "older_than_hours", hours)
	}
	return nil
}
