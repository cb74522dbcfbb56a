// Package sink implements a local SMTP capture server. Every accepted
// message is parsed and handed to a provider, which makes the sink a
// development relay in front of stdout, SES or Graph, and an in-process
// SMTP endpoint for tests.
package sink

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/shineum/mailtree/internal/ctxlog"
	"github.com/shineum/mailtree/internal/metrics"
	"github.com/shineum/mailtree/internal/provider"
)

const (
	// shutdownTimeout bounds the wait for in-flight sessions on shutdown.
	shutdownTimeout = 30 * time.Second

	defaultMaxMessageSize = 25 << 20
	defaultIdleTimeout    = 60 * time.Second
	defaultMaxConnections = 100
)

// Config holds the configuration for a capture server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is used in the greeting and EHLO responses.
	Hostname string

	// Provider receives every accepted message.
	Provider provider.Provider

	// TLSConfig enables STARTTLS. If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// RequireTLS rejects AUTH and MAIL until STARTTLS has completed.
	RequireTLS bool

	// Username and Password enable SMTP AUTH when both are set.
	Username string
	Password string

	// MaxMessageSize is advertised with SIZE and enforced on DATA.
	MaxMessageSize int64

	// MaxConnections caps concurrent sessions.
	MaxConnections int64

	// IdleTimeout closes sessions that send nothing for this long.
	IdleTimeout time.Duration

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Server accepts SMTP connections and delegates delivery to a Provider.
type Server struct {
	cfg    Config
	auth   *Authenticator
	slots  *semaphore.Weighted
	active atomic.Int64

	mu       sync.Mutex
	listener net.Listener

	// wg tracks in-flight sessions for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a Server, filling defaults for unset limits.
func New(cfg Config) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	return &Server{
		cfg:   cfg,
		auth:  NewAuthenticator(cfg.Username, cfg.Password),
		slots: semaphore.NewWeighted(cfg.MaxConnections),
	}
}

// ListenAndServe listens on cfg.ListenAddr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then stops
// accepting and waits up to 30 seconds for open sessions.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	log := ctxlog.FromContext(ctx)
	log.Info("capture sink listening",
		"addr", ln.Addr().String(),
		"provider", s.cfg.Provider.Name(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.cfg.TLSConfig != nil,
	)

	stop := context.AfterFunc(ctx, func() {
		log.Info("shutting down capture sink")
		_ = ln.Close()
	})
	defer stop()

	for {
		if err := s.slots.Acquire(ctx, 1); err != nil {
			_ = ln.Close()
			s.waitForSessions(log)
			return nil
		}

		conn, err := ln.Accept()
		if err != nil {
			s.slots.Release(1)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.waitForSessions(log)
				return nil
			}
			log.Error("accept error", "error", err)
			continue
		}

		s.wg.Add(1)
		s.active.Add(1)
		s.cfg.Metrics.SessionOpened()
		go func() {
			defer func() {
				s.cfg.Metrics.SessionClosed()
				s.active.Add(-1)
				s.slots.Release(1)
				s.wg.Done()
			}()
			newSession(ctx, conn, s).handle(ctx)
		}()
	}
}

// waitForSessions waits for in-flight sessions, at most shutdownTimeout.
func (s *Server) waitForSessions(log *slog.Logger) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		log.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or an empty string before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ActiveSessions returns the number of open sessions.
func (s *Server) ActiveSessions() int64 {
	return s.active.Load()
}

// ProviderName returns the name of the downstream provider.
func (s *Server) ProviderName() string {
	return s.cfg.Provider.Name()
}
