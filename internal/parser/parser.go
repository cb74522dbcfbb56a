// Package parser reads RFC 5322 messages into email.Email values.
package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/textproto"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/mailtree/internal/ctxlog"
	"github.com/shineum/mailtree/internal/email"
)

// Parse parses a raw message. Text and HTML bodies are taken from the first
// inline part of each type; parts with an attachment disposition, or inline
// parts that carry a filename, become attachments. When a message has only
// an HTML body, TextBody is derived from it.
func Parse(raw []byte) (*email.Email, error) {
	return ParseContext(context.Background(), raw)
}

// ParseContext is Parse with warnings logged through the logger in ctx.
func ParseContext(ctx context.Context, raw []byte) (*email.Email, error) {
	log := ctxlog.FromContext(ctx)
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	defer mr.Close()

	result := &email.Email{
		RawHeaders: make(map[string][]string),
	}
	readHeader(&mr.Header, result)

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) && part != nil {
				log.Warn("unknown charset in part, reading raw bytes", "error", err)
			} else {
				return nil, fmt.Errorf("failed to read next part: %w", err)
			}
		}

		if err := readPart(log, part, result); err != nil {
			log.Warn("failed to read part content", "error", err)
		}
	}

	if result.TextBody == "" && result.HtmlBody != "" {
		result.TextBody = HTMLToText(result.HtmlBody)
	}

	return result, nil
}

func readHeader(h *mail.Header, result *email.Email) {
	fields := h.Fields()
	for fields.Next() {
		key := textproto.CanonicalMIMEHeaderKey(fields.Key())
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		result.RawHeaders[key] = append(result.RawHeaders[key], value)
	}

	if from, err := h.Text("From"); err == nil {
		result.From = from
	} else {
		result.From = h.Get("From")
	}
	if subject, err := h.Subject(); err == nil {
		result.Subject = subject
	} else {
		result.Subject = h.Get("Subject")
	}
	result.MessageID = h.Get("Message-Id")
	result.To = addressList(h, "To")
	result.Cc = addressList(h, "Cc")
	result.Bcc = addressList(h, "Bcc")

	if date, err := h.Date(); err == nil {
		result.Date = date
	}
}

func readPart(log *slog.Logger, part *mail.Part, result *email.Email) error {
	var (
		mediaType    string
		params       map[string]string
		filename     string
		isAttachment bool
	)

	switch h := part.Header.(type) {
	case *mail.AttachmentHeader:
		mediaType, params, _ = h.ContentType()
		filename, _ = h.Filename()
		disp, _, _ := h.ContentDisposition()
		// A part without Content-Type or disposition is a plain body.
		isAttachment = disp == "attachment" || filename != "" || !isBodyType(mediaType)
	case *mail.InlineHeader:
		mediaType, params, _ = h.ContentType()
	default:
		return nil
	}

	content, err := io.ReadAll(part.Body)
	if err != nil {
		return err
	}
	if mediaType == "" {
		mediaType = "text/plain"
	}

	if isAttachment {
		result.Attachments = append(result.Attachments, email.Attachment{
			Filename:    fallbackFilename(filename, params, mediaType),
			ContentType: mediaType,
			Content:     content,
		})
		return nil
	}

	switch mediaType {
	case "text/plain":
		if result.TextBody == "" {
			result.TextBody = string(content)
		}
	case "text/html":
		if result.HtmlBody == "" {
			result.HtmlBody = string(content)
		}
	default:
		if name := params["name"]; name != "" {
			result.Attachments = append(result.Attachments, email.Attachment{
				Filename:    name,
				ContentType: mediaType,
				Content:     content,
			})
			return nil
		}
		log.Warn("unrecognized MIME part, skipping", "content_type", mediaType)
	}
	return nil
}

func isBodyType(mediaType string) bool {
	return mediaType == "" || mediaType == "text/plain" || mediaType == "text/html"
}

// fallbackFilename picks a filename for an attachment: the disposition
// filename, the Content-Type name parameter, or one derived from the type.
func fallbackFilename(filename string, params map[string]string, mediaType string) string {
	if filename != "" {
		return filename
	}
	if name := params["name"]; name != "" {
		return name
	}
	if mt, _, err := mime.ParseMediaType(mediaType); err == nil {
		if _, sub, ok := strings.Cut(mt, "/"); ok && sub != "" {
			return "attachment." + sub
		}
	}
	return "attachment"
}

// addressList returns the bare addresses of a header, falling back to a
// comma split when the header does not parse.
func addressList(h *mail.Header, key string) []string {
	raw := h.Get(key)
	if raw == "" {
		return nil
	}

	addrs, err := h.AddressList(key)
	if err != nil {
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		result = append(result, addr.Address)
	}
	return result
}
