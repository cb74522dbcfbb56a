// Package outbox sends rendered node trees through a delivery provider.
//
// An Outbox is either connected or disconnected. Connect verifies the
// provider, Send renders and delivers one message, and any send failure
// reports through OnError and drops the connection.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shineum/mailtree/internal/ctxlog"
	"github.com/shineum/mailtree/internal/email"
	"github.com/shineum/mailtree/internal/mailerr"
	"github.com/shineum/mailtree/internal/metrics"
	"github.com/shineum/mailtree/internal/node"
	"github.com/shineum/mailtree/internal/provider"
	"github.com/shineum/mailtree/internal/render"
)

const tracerName = "github.com/shineum/mailtree/internal/outbox"

// ErrorFunc receives every connection and send failure.
type ErrorFunc func(ctx context.Context, err error)

// Config configures an Outbox.
type Config struct {
	// From is the sender address of every message. Required.
	From string

	// OnError is called with each failure before it is returned. Required.
	OnError ErrorFunc

	// MessageIDDomain is the right-hand side of generated Message-IDs.
	// Defaults to the domain of From.
	MessageIDDomain string

	// Renderer renders message content. Defaults to render.New().
	Renderer *render.Renderer

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Tracer defaults to the global tracer provider.
	Tracer trace.Tracer
}

// SendInput is one message to send.
type SendInput struct {
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	Content     node.Child
	Attachments []email.Attachment
}

// Outbox delivers messages through a provider.
type Outbox struct {
	cfg      Config
	provider provider.Provider

	mu        sync.Mutex
	connected bool
}

// New creates a disconnected Outbox.
func New(cfg Config, p provider.Provider) (*Outbox, error) {
	if cfg.OnError == nil {
		return nil, mailerr.New(mailerr.OutboxState, "onError must be provided")
	}
	if p == nil {
		return nil, mailerr.New(mailerr.OutboxState, "provider must be provided")
	}

	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, mailerr.Wrap(mailerr.OutboxState, "invalid from address", err)
	}
	if cfg.MessageIDDomain == "" {
		_, cfg.MessageIDDomain, _ = strings.Cut(from.Address, "@")
	}
	if cfg.Renderer == nil {
		cfg.Renderer = render.New()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}

	return &Outbox{cfg: cfg, provider: p}, nil
}

// Connected reports whether Connect succeeded and no failure has dropped
// the connection since.
func (o *Outbox) Connected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.connected
}

// Connect verifies the provider.
func (o *Outbox) Connect(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.connected {
		return mailerr.New(mailerr.OutboxState, "outbox is already connected")
	}

	if err := provider.Verify(ctx, o.provider); err != nil {
		merr := mailerr.Wrap(connectKind(err), "failed to connect to "+o.provider.Name(), err)
		o.cfg.OnError(ctx, merr)
		return merr
	}

	o.connected = true
	ctxlog.FromContext(ctx).Info("outbox connected", "provider", o.provider.Name())
	return nil
}

// Disconnect closes the provider. It is a no-op when not connected.
func (o *Outbox) Disconnect(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.disconnect(ctx)
}

func (o *Outbox) disconnect(ctx context.Context) error {
	if !o.connected {
		return nil
	}
	o.connected = false

	if err := provider.Close(o.provider); err != nil {
		ctxlog.FromContext(ctx).Warn("failed to close provider",
			"provider", o.provider.Name(),
			"error", err,
		)
		return err
	}
	return nil
}

// Send renders in.Content and delivers it. On failure OnError is called
// and the outbox disconnects before the OutboxSend error is returned.
func (o *Outbox) Send(ctx context.Context, in SendInput) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.connected {
		return mailerr.New(mailerr.OutboxState, "outbox is not connected")
	}

	ctx, span := o.cfg.Tracer.Start(ctx, "outbox.Send", trace.WithAttributes(
		attribute.String("mail.provider", o.provider.Name()),
		attribute.Int("mail.recipients", len(in.To)+len(in.Cc)+len(in.Bcc)),
	))
	defer span.End()

	msg, err := o.compose(ctx, in)
	if err == nil {
		span.SetAttributes(attribute.String("mail.message_id", msg.MessageID))
		start := time.Now()
		err = o.provider.Send(ctx, msg)
		o.cfg.Metrics.ObserveSend(o.provider.Name(), time.Since(start), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		merr := mailerr.Wrap(mailerr.OutboxSend, "failed to send email", err)
		o.cfg.OnError(ctx, merr)
		_ = o.disconnect(ctx)
		return merr
	}

	ctxlog.FromContext(ctx).Info("email sent",
		"provider", o.provider.Name(),
		"message_id", msg.MessageID,
		"recipients", len(msg.Recipients()),
	)
	return nil
}

// compose renders the content and builds the outgoing message.
func (o *Outbox) compose(ctx context.Context, in SendInput) (*email.Email, error) {
	start := time.Now()
	res, err := o.cfg.Renderer.Render(ctx, in.Content)
	o.cfg.Metrics.ObserveRender(time.Since(start), err)
	if err != nil {
		return nil, err
	}

	msg := &email.Email{
		From:        o.cfg.From,
		To:          in.To,
		Cc:          in.Cc,
		Bcc:         in.Bcc,
		Subject:     in.Subject,
		TextBody:    res.Text,
		HtmlBody:    res.HTML,
		Attachments: in.Attachments,
		MessageID:   o.messageID(),
		Date:        time.Now(),
	}
	ctxlog.FromContext(ctx).Debug("message composed",
		"html_bytes", len(res.HTML),
		"text_bytes", len(res.Text),
		"attachments", len(in.Attachments),
	)
	return msg, nil
}

func (o *Outbox) messageID() string {
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), o.cfg.MessageIDDomain)
}

// connectKind classifies a Verify failure.
func connectKind(err error) mailerr.Kind {
	switch {
	case errors.Is(err, provider.ErrAuth):
		return mailerr.OutboxAuth
	case errors.Is(err, provider.ErrProtocol):
		return mailerr.OutboxProtocol
	default:
		return mailerr.OutboxConnection
	}
}
