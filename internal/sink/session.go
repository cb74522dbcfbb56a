package sink

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/mailtree/internal/ctxlog"
	"github.com/shineum/mailtree/internal/email"
	"github.com/shineum/mailtree/internal/parser"
)

// Session states, in protocol order.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// session is one client connection.
type session struct {
	srv    *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	log    *slog.Logger

	state     int
	tlsActive bool

	mailFrom string
	rcptTo   []string
}

func newSession(ctx context.Context, conn net.Conn, srv *Server) *session {
	return &session{
		srv:    srv,
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		log: ctxlog.FromContext(ctx).With(
			"session", uuid.NewString(),
			"remote", conn.RemoteAddr().String(),
		),
		state: stateConnected,
	}
}

// handle runs the command loop until QUIT, a read error, the idle timeout
// or server shutdown.
func (s *session) handle(ctx context.Context) {
	defer func() { _ = s.conn.Close() }()
	ctx = ctxlog.WithLogger(ctx, s.log)

	// Unblock a pending read on shutdown.
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	s.writeLine("220 %s ESMTP mailtree sink", s.srv.cfg.Hostname)
	s.log.Debug("session opened")

	for {
		if err := s.conn.SetDeadline(time.Now().Add(s.srv.cfg.IdleTimeout)); err != nil {
			s.log.Error("failed to set connection deadline", "error", err)
			return
		}
		if ctx.Err() != nil {
			s.writeLine("421 %s Service shutting down", s.srv.cfg.Hostname)
			return
		}

		line, err := s.readLine()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				s.writeLine("421 %s Service shutting down", s.srv.cfg.Hostname)
			case errors.Is(err, io.EOF):
			default:
				s.log.Debug("connection read error", "error", err)
			}
			return
		}
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if s.handleCommand(ctx, cmd, arg) {
			return
		}
	}
}

func (s *session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleHello(cmd, arg)
	case "STARTTLS":
		return !s.handleStartTLS()
	case "AUTH":
		s.handleAuth(arg)
	case "MAIL":
		s.handleMail(arg)
	case "RCPT":
		s.handleRcpt(arg)
	case "DATA":
		s.handleData(ctx)
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *session) handleHello(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.srv.cfg.Hostname, arg)
		return
	}

	lines := []string{fmt.Sprintf("%s Hello %s", s.srv.cfg.Hostname, arg)}
	if s.srv.cfg.TLSConfig != nil && !s.tlsActive {
		lines = append(lines, "STARTTLS")
	}
	if s.srv.auth.Enabled() {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	lines = append(lines, "8BITMIME", fmt.Sprintf("SIZE %d", s.srv.cfg.MaxMessageSize))

	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		s.writeLine("250%s%s", sep, l)
	}
}

// handleStartTLS upgrades the connection. The client must greet again
// afterwards, so all session state is discarded. It reports false when the
// handshake failed and the session cannot continue.
func (s *session) handleStartTLS() bool {
	if s.srv.cfg.TLSConfig == nil {
		s.writeLine("454 TLS not available")
		return true
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return true
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.srv.cfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.log.Warn("TLS handshake failed", "error", err)
		return false
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.resetTransaction()
	return true
}

func (s *session) needsTLS() bool {
	if s.srv.cfg.RequireTLS && !s.tlsActive {
		s.writeLine("530 Must issue a STARTTLS command first")
		return true
	}
	return false
}

func (s *session) handleAuth(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.srv.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}
	if s.state >= stateAuthOK {
		s.writeLine("503 Already authenticated")
		return
	}
	if s.needsTLS() {
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")
	var err error
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		err = s.authPlain(initial)
	case "LOGIN":
		err = s.authLogin(initial)
	default:
		s.writeLine("504 Unrecognized authentication type")
		return
	}

	switch {
	case err == nil:
		s.state = stateAuthOK
		s.writeLine("235 Authentication successful")
	case errors.Is(err, errAuthCancelled):
		s.writeLine("501 Authentication cancelled")
	case errors.Is(err, ErrAuthMalformed):
		s.writeLine("501 Malformed authentication response")
	case errors.Is(err, ErrAuthFailed):
		s.log.Info("authentication failed")
		s.writeLine("535 Authentication failed")
	default:
		s.log.Debug("authentication aborted", "error", err)
	}
}

var errAuthCancelled = errors.New("authentication cancelled")

func (s *session) authPlain(initial string) error {
	encoded := initial
	if encoded == "" {
		var err error
		if encoded, err = s.challenge(""); err != nil {
			return err
		}
	}
	return s.srv.auth.VerifyPlain(encoded)
}

func (s *session) authLogin(initial string) error {
	user := initial
	if user == "" {
		var err error
		// "Username:"
		if user, err = s.challenge("VXNlcm5hbWU6"); err != nil {
			return err
		}
	}
	// "Password:"
	pass, err := s.challenge("UGFzc3dvcmQ6")
	if err != nil {
		return err
	}
	return s.srv.auth.VerifyLogin(user, pass)
}

// challenge sends a 334 continuation and reads the client's answer.
func (s *session) challenge(prompt string) (string, error) {
	if prompt == "" {
		s.writeLine("334 ")
	} else {
		s.writeLine("334 %s", prompt)
	}
	answer, err := s.readLine()
	if err != nil {
		return "", err
	}
	if answer == "*" {
		return "", errAuthCancelled
	}
	return answer, nil
}

func (s *session) handleMail(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.needsTLS() {
		return
	}
	if s.srv.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}
	if s.state >= stateMailFrom {
		s.writeLine("503 Nested MAIL command")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}
	addr, params := extractAddress(arg[len("FROM:"):])
	if addr == "" && !strings.Contains(arg, "<>") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}
	if size, ok := sizeParam(params); ok && size > s.srv.cfg.MaxMessageSize {
		s.srv.cfg.Metrics.SinkRejected("too_large")
		s.writeLine("552 Message size exceeds fixed maximum message size")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *session) handleRcpt(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}
	addr, _ := extractAddress(arg[len("TO:"):])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleData reads the dot-terminated message, parses it and hands it to
// the provider. Oversized messages are drained and rejected.
func (s *session) handleData(ctx context.Context) {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	limit := s.srv.cfg.MaxMessageSize
	dot := textproto.NewReader(s.reader).DotReader()
	raw, err := io.ReadAll(io.LimitReader(dot, limit+1))
	if err != nil {
		s.log.Warn("error reading DATA", "error", err)
		return
	}
	if int64(len(raw)) > limit {
		if _, err := io.Copy(io.Discard, dot); err != nil {
			return
		}
		s.srv.cfg.Metrics.SinkRejected("too_large")
		s.writeLine("552 Message size exceeds fixed maximum message size")
		s.resetTransaction()
		return
	}

	msg, err := parser.ParseContext(ctx, raw)
	if err != nil {
		s.log.Warn("failed to parse message", "error", err)
		s.srv.cfg.Metrics.SinkRejected("parse")
		s.writeLine("550 Failed to process message")
		s.resetTransaction()
		return
	}
	s.applyEnvelope(msg)

	prov := s.srv.cfg.Provider
	if err := prov.Send(ctx, msg); err != nil {
		s.log.Error("provider send failed",
			"provider", prov.Name(),
			"error", err,
		)
		s.srv.cfg.Metrics.SinkRejected("provider")
		s.writeLine("451 Temporary failure, please try again later")
		s.resetTransaction()
		return
	}

	s.srv.cfg.Metrics.SinkAccepted(len(raw))
	s.log.Info("message accepted",
		"provider", prov.Name(),
		"from", msg.From,
		"recipients", len(s.rcptTo),
		"size", len(raw),
	)
	s.writeLine("250 OK message queued")
	s.resetTransaction()
}

// applyEnvelope fills what the headers lack from the SMTP envelope.
// Envelope recipients missing from To and Cc were blind copies.
func (s *session) applyEnvelope(msg *email.Email) {
	if msg.From == "" {
		msg.From = s.mailFrom
	}
	if len(msg.To) == 0 && len(msg.Cc) == 0 {
		msg.To = append([]string(nil), s.rcptTo...)
		return
	}

	listed := make(map[string]bool, len(msg.To)+len(msg.Cc))
	for _, a := range append(append([]string(nil), msg.To...), msg.Cc...) {
		listed[strings.ToLower(a)] = true
	}
	for _, r := range s.rcptTo {
		if !listed[strings.ToLower(r)] {
			msg.Bcc = append(msg.Bcc, r)
		}
	}
}

// resetTransaction clears the mail transaction, keeping greeting and auth.
func (s *session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	switch {
	case s.srv.auth.Enabled() && s.state >= stateAuthOK:
		s.state = stateAuthOK
	case s.state >= stateGreeted:
		s.state = stateGreeted
	}
}

func (s *session) readLine() (string, error) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *session) writeLine(format string, args ...any) {
	if _, err := fmt.Fprintf(s.writer, format+"\r\n", args...); err != nil {
		s.log.Debug("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.log.Debug("failed to flush to client", "error", err)
	}
}

// parseCommand splits a command line into the upper-cased verb and its
// argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), strings.TrimSpace(arg)
}

// extractAddress returns the address of a MAIL or RCPT parameter, with or
// without angle brackets, and the ESMTP parameters that follow it.
func extractAddress(s string) (string, string) {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", ""
		}
		return s[1:end], strings.TrimSpace(s[end+1:])
	}

	addr, params, _ := strings.Cut(s, " ")
	return addr, strings.TrimSpace(params)
}

// sizeParam returns the SIZE= ESMTP parameter, if any.
func sizeParam(params string) (int64, bool) {
	for _, p := range strings.Fields(params) {
		k, v, ok := strings.Cut(p, "=")
		if !ok || !strings.EqualFold(k, "SIZE") {
			continue
		}
		var n int64
		if _, err := fmt.Sscan(v, &n); err == nil {
			return n, true
		}
	}
	return 0, false
}
