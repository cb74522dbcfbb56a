package email

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Compose writes msg as an RFC 5322 message: a multipart/mixed envelope
// holding a multipart/alternative body (text first, then HTML) followed by
// the attachments. Bcc recipients are never written to the headers.
func Compose(w io.Writer, msg *Email) error {
	var h mail.Header

	date := msg.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	h.SetSubject(msg.Subject)
	if msg.MessageID != "" {
		h.SetMessageID(strings.Trim(msg.MessageID, "<>"))
	}

	from, err := parseAddresses([]string{msg.From})
	if err != nil {
		return fmt.Errorf("invalid From address: %w", err)
	}
	h.SetAddressList("From", from)

	if len(msg.To) > 0 {
		to, err := parseAddresses(msg.To)
		if err != nil {
			return fmt.Errorf("invalid To address: %w", err)
		}
		h.SetAddressList("To", to)
	}
	if len(msg.Cc) > 0 {
		cc, err := parseAddresses(msg.Cc)
		if err != nil {
			return fmt.Errorf("invalid Cc address: %w", err)
		}
		h.SetAddressList("Cc", cc)
	}

	mw, err := mail.CreateWriter(w, h)
	if err != nil {
		return fmt.Errorf("failed to create message writer: %w", err)
	}

	if msg.TextBody != "" || msg.HtmlBody != "" {
		if err := writeBody(mw, msg); err != nil {
			return err
		}
	}

	for _, att := range msg.Attachments {
		if err := writeAttachment(mw, att); err != nil {
			return err
		}
	}

	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to finish message: %w", err)
	}
	return nil
}

// ComposeBytes is Compose into a byte slice.
func ComposeBytes(msg *Email) ([]byte, error) {
	var buf bytes.Buffer
	if err := Compose(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeBody(mw *mail.Writer, msg *Email) error {
	iw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("failed to create body part: %w", err)
	}

	if msg.TextBody != "" {
		if err := writeInline(iw, "text/plain", msg.TextBody); err != nil {
			return err
		}
	}
	if msg.HtmlBody != "" {
		if err := writeInline(iw, "text/html", msg.HtmlBody); err != nil {
			return err
		}
	}

	if err := iw.Close(); err != nil {
		return fmt.Errorf("failed to close body part: %w", err)
	}
	return nil
}

func writeInline(iw *mail.InlineWriter, contentType, body string) error {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	part, err := iw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(part, body); err != nil {
		return fmt.Errorf("failed to write %s part: %w", contentType, err)
	}
	return part.Close()
}

func writeAttachment(mw *mail.Writer, att Attachment) error {
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var h mail.AttachmentHeader
	h.SetContentType(contentType, nil)
	h.SetFilename(att.Filename)
	h.Set("Content-Transfer-Encoding", "base64")

	part, err := mw.CreateAttachment(h)
	if err != nil {
		return fmt.Errorf("failed to create attachment part %q: %w", att.Filename, err)
	}
	if _, err := part.Write(att.Content); err != nil {
		return fmt.Errorf("failed to write attachment %q: %w", att.Filename, err)
	}
	return part.Close()
}

func parseAddresses(list []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(list))
	for _, raw := range list {
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", raw, err)
		}
		out = append(out, addr)
	}
	return out, nil
}
