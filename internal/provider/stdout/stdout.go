// Package stdout implements a Provider that prints emails instead of
// delivering them. It is the default for local development and for the sink.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/mailtree/internal/ctxlog"
	"github.com/shineum/mailtree/internal/email"
)

// Format selects how messages are printed.
type Format string

const (
	// FormatSummary prints headers, the text body and an attachment list.
	FormatSummary Format = "summary"
	// FormatRaw prints the composed RFC 5322 message.
	FormatRaw Format = "raw"
)

const separator = "========================================\n"

// Provider prints email messages to a writer.
type Provider struct {
	mu     sync.Mutex
	writer io.Writer
	format Format
}

// New creates a Provider that writes summaries to os.Stdout.
func New() *Provider {
	return NewWithWriter(os.Stdout, FormatSummary)
}

// NewWithWriter creates a Provider that writes to w in the given format.
// An unknown format falls back to FormatSummary.
func NewWithWriter(w io.Writer, format Format) *Provider {
	if format != FormatRaw {
		format = FormatSummary
	}
	return &Provider{writer: w, format: format}
}

// Send prints the message. Write errors are logged, not returned: a
// development sink should never fail a delivery.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	var out string
	switch p.format {
	case FormatRaw:
		raw, err := email.ComposeBytes(msg)
		if err != nil {
			return fmt.Errorf("failed to compose message: %w", err)
		}
		out = separator + string(raw) + "\n" + separator
	default:
		out = summary(msg)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := io.WriteString(p.writer, out); err != nil {
		ctxlog.FromContext(ctx).Warn("failed to write message to stdout", "error", err)
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

func summary(msg *email.Email) string {
	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(msg.Cc, ", "))
	}
	if len(msg.Bcc) > 0 {
		fmt.Fprintf(&b, "Bcc: %s\n", strings.Join(msg.Bcc, ", "))
	}
	if msg.MessageID != "" {
		fmt.Fprintf(&b, "Message-ID: %s\n", msg.MessageID)
	}
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	b.WriteString("Body:\n")

	body := msg.TextBody
	if body == "" {
		body = msg.HtmlBody
	}
	b.WriteString(strings.TrimRight(body, "\n") + "\n")

	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content))))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}

	b.WriteString(separator)
	return b.String()
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
