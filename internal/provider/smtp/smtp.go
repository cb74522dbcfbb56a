// Package smtp implements a Provider that relays messages to an SMTP
// server. The connection opened by Verify is kept and reused by Send until
// Close; Send dials on demand when no connection is open.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/shineum/mailtree/internal/ctxlog"
	"github.com/shineum/mailtree/internal/email"
	"github.com/shineum/mailtree/internal/provider"
)

// DefaultTimeout bounds the connection, greeting and each send.
const DefaultTimeout = 30 * time.Second

// ErrNoRecipients is returned when a message has no To, Cc or Bcc.
var ErrNoRecipients = errors.New("message has no recipients")

// Config holds SMTP connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	// Secure selects implicit TLS (port 465 style). Otherwise STARTTLS is
	// used when the server offers it.
	Secure bool
	// RequireTLS fails the connection when STARTTLS is not offered.
	RequireTLS bool
	// TLS is the client TLS config; ServerName defaults to Host.
	TLS *tls.Config
	// LocalName is sent in EHLO. Empty means "localhost".
	LocalName string
	Timeout   time.Duration
}

// Provider delivers messages over SMTP.
type Provider struct {
	cfg Config

	mu     sync.Mutex
	conn   net.Conn
	client *smtp.Client
}

// New creates a Provider. No connection is made until Verify or Send.
func New(cfg Config) *Provider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Port == 0 {
		cfg.Port = 587
		if cfg.Secure {
			cfg.Port = 465
		}
	}
	return &Provider{cfg: cfg}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}

// Verify connects, negotiates TLS and authenticates, keeping the
// connection for later sends.
func (p *Provider) Verify(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		if err := p.withDeadline(ctx, p.client.Noop); err == nil {
			return nil
		}
		p.reset()
	}
	return p.connect(ctx)
}

// Send delivers msg to every recipient, Bcc included.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return fmt.Errorf("invalid From address: %w", err)
	}
	rcpts, err := envelopeRecipients(msg)
	if err != nil {
		return err
	}
	raw, err := email.ComposeBytes(msg)
	if err != nil {
		return fmt.Errorf("failed to compose message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		if err := p.connect(ctx); err != nil {
			return err
		}
	}

	err = p.withDeadline(ctx, func() error {
		return transmit(p.client, from.Address, rcpts, raw)
	})
	if err != nil {
		p.reset()
		return err
	}

	ctxlog.FromContext(ctx).Debug("message relayed over SMTP",
		"host", p.cfg.Host,
		"recipients", len(rcpts),
		"size", len(raw),
	)
	return nil
}

// Close sends QUIT and closes the connection if one is open.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		return nil
	}
	_ = p.conn.SetDeadline(time.Now().Add(p.cfg.Timeout))
	err := p.client.Quit()
	p.reset()
	if err != nil {
		return fmt.Errorf("SMTP QUIT: %w", err)
	}
	return nil
}

// connect dials and prepares a client. The caller must hold p.mu.
func (p *Provider) connect(ctx context.Context) error {
	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
	tlsCfg := p.tlsConfig()

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	var (
		conn net.Conn
		err  error
	)
	if p.cfg.Secure {
		d := &tls.Dialer{Config: tlsCfg}
		conn, err = d.DialContext(dialCtx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(dialCtx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial to %s: %w", addr, err)
	}

	p.conn = conn
	err = p.withDeadline(ctx, func() error {
		client, err := smtp.NewClient(conn, p.cfg.Host)
		if err != nil {
			return fmt.Errorf("creating SMTP client: %w", err)
		}
		p.client = client
		return p.handshake(tlsCfg)
	})
	if err != nil {
		p.reset()
		return err
	}
	return nil
}

func (p *Provider) handshake(tlsCfg *tls.Config) error {
	localName := p.cfg.LocalName
	if localName == "" {
		localName = "localhost"
	}
	if err := p.client.Hello(localName); err != nil {
		return fmt.Errorf("%w: SMTP EHLO: %v", provider.ErrProtocol, err)
	}

	if !p.cfg.Secure {
		if ok, _ := p.client.Extension("STARTTLS"); ok {
			if err := p.client.StartTLS(tlsCfg); err != nil {
				return fmt.Errorf("SMTP STARTTLS: %w", err)
			}
		} else if p.cfg.RequireTLS {
			return fmt.Errorf("%w: SMTP server does not support STARTTLS", provider.ErrProtocol)
		}
	}

	if p.cfg.Username != "" {
		if ok, _ := p.client.Extension("AUTH"); !ok {
			return fmt.Errorf("%w: SMTP server does not support AUTH", provider.ErrProtocol)
		}
		auth := smtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.cfg.Host)
		if err := p.client.Auth(auth); err != nil {
			return fmt.Errorf("%w: SMTP auth: %v", provider.ErrAuth, err)
		}
	}
	return nil
}

func (p *Provider) tlsConfig() *tls.Config {
	var cfg *tls.Config
	if p.cfg.TLS != nil {
		cfg = p.cfg.TLS.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = p.cfg.Host
	}
	return cfg
}

// withDeadline runs fn with the connection deadline set to the timeout and
// interrupts it when ctx is cancelled. The caller must hold p.mu.
func (p *Provider) withDeadline(ctx context.Context, fn func() error) error {
	conn := p.conn
	_ = conn.SetDeadline(time.Now().Add(p.cfg.Timeout))
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	err := fn()
	if !stop() && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// reset drops the connection without QUIT. The caller must hold p.mu.
func (p *Provider) reset() {
	if p.client != nil {
		_ = p.client.Close()
	} else if p.conn != nil {
		_ = p.conn.Close()
	}
	p.client = nil
	p.conn = nil
}

func transmit(c *smtp.Client, from string, rcpts []string, raw []byte) error {
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("SMTP MAIL FROM: %w", err)
	}
	for _, rcpt := range rcpts {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("SMTP RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return fmt.Errorf("writing message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing message body: %w", err)
	}
	return nil
}

// envelopeRecipients returns the bare addresses of every recipient.
func envelopeRecipients(msg *email.Email) ([]string, error) {
	all := msg.Recipients()
	if len(all) == 0 {
		return nil, ErrNoRecipients
	}
	out := make([]string, 0, len(all))
	for _, r := range all {
		addr, err := mail.ParseAddress(r)
		if err != nil {
			return nil, fmt.Errorf("invalid recipient %q: %w", r, err)
		}
		out = append(out, addr.Address)
	}
	return out, nil
}
