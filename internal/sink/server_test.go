package sink

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shineum/mailtree/internal/metrics"
)

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	srv := New(Config{Provider: &mockProvider{}})
	if srv.cfg.Hostname != "localhost" {
		t.Errorf("Hostname: got %q", srv.cfg.Hostname)
	}
	if srv.cfg.MaxMessageSize != defaultMaxMessageSize {
		t.Errorf("MaxMessageSize: got %d", srv.cfg.MaxMessageSize)
	}
	if srv.cfg.MaxConnections != defaultMaxConnections {
		t.Errorf("MaxConnections: got %d", srv.cfg.MaxConnections)
	}
	if srv.cfg.IdleTimeout != defaultIdleTimeout {
		t.Errorf("IdleTimeout: got %v", srv.cfg.IdleTimeout)
	}
	if srv.Addr() != "" {
		t.Errorf("Addr before Serve: got %q", srv.Addr())
	}
}

func TestServe_ShutdownNotifiesSessions(t *testing.T) {
	t.Parallel()

	srv := New(Config{Provider: &mockProvider{}, Hostname: "mail.test.com"})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	c := dial(t, srv)
	c.expect("EHLO client", "250")

	cancel()
	if line := c.readLine(); !strings.HasPrefix(line, "421 ") {
		t.Errorf("shutdown reply: got %q, want 421", line)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServe_ConnectionLimit(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Config{MaxConnections: 1})

	first := dial(t, srv)
	first.expect("NOOP", "250")

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// The second connection is queued until a slot frees up.
	_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("second session greeted while the first was open")
	}

	first.expect("QUIT", "221")

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(buf); err != nil || buf[0] != '2' {
		t.Errorf("queued session not served: %v", err)
	}
}

func TestServe_Metrics(t *testing.T) {
	t.Parallel()

	m := metrics.New(metrics.WithRegistry(prometheus.NewRegistry()))
	srv := startServer(t, Config{Metrics: m})
	c := dial(t, srv)

	c.expect("EHLO client", "250")
	c.expect("MAIL FROM:<a@example.com>", "250")
	c.expect("RCPT TO:<b@example.com>", "250")
	c.expect("DATA", "354")
	c.send("Subject: x\r\n\r\nbody\r\n.")
	c.expect("", "250")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "mailtree_sink_messages_total 1") {
		t.Errorf("metrics missing accepted message:\n%s", rec.Body.String())
	}
}

func TestHandler_Health(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Config{})
	c := dial(t, srv)
	c.expect("NOOP", "250")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var got healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Status != "ok" || got.Provider != "mock" || got.Sessions != 1 {
		t.Errorf("health: got %+v", got)
	}
	if got.Listen != srv.Addr() {
		t.Errorf("listen: got %q, want %q", got.Listen, srv.Addr())
	}
}

func TestHandler_MetricsDisabled(t *testing.T) {
	t.Parallel()

	srv := New(Config{Provider: &mockProvider{}})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", rec.Code)
	}
}
