// Package email defines the message model shared by the outbox, the inbox
// and the delivery providers.
package email

import "time"

// Email is a message with both bodies and its attachments.
type Email struct {
	// ID is the mailbox identifier (IMAP UID) of a received message.
	ID          string
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	RawHeaders  map[string][]string
	MessageID   string
	// Date is the Date header, zero when absent.
	Date time.Time
	// ReceivedAt is the server's internal date for received messages.
	ReceivedAt time.Time
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Recipients returns To, Cc and Bcc in that order.
func (e *Email) Recipients() []string {
	out := make([]string, 0, len(e.To)+len(e.Cc)+len(e.Bcc))
	out = append(out, e.To...)
	out = append(out, e.Cc...)
	return append(out, e.Bcc...)
}
