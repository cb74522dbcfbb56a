package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shineum/mailtree/internal/email"
	"github.com/shineum/mailtree/internal/provider"
)

var (
	_ provider.Provider = (*Provider)(nil)
	_ provider.Verifier = (*Provider)(nil)
)

// testEnv runs a token endpoint and a sendMail endpoint. The sendMail
// handler answers with statuses[i] for the i-th call and 202 afterwards.
type testEnv struct {
	tokenCalls atomic.Int32
	sendCalls  atomic.Int32
	lastBody   atomic.Value
	p          *Provider
}

func newTestEnv(t *testing.T, statuses ...int) *testEnv {
	t.Helper()
	env := &testEnv{}

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := env.tokenCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tokenResponse{AccessToken: fmt.Sprintf("token-%d", n), ExpiresIn: 3600})
	}))
	t.Cleanup(tokenServer.Close)

	sendServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(env.sendCalls.Add(1))

		var body sendMailRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		env.lastBody.Store(body)

		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type header: got %q", r.Header.Get("Content-Type"))
		}

		if n <= len(statuses) {
			status := statuses[n-1]
			if status == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "1")
			}
			w.WriteHeader(status)
			var er errorResponse
			er.Error.Code = http.StatusText(status)
			er.Error.Message = "failure " + http.StatusText(status)
			_ = json.NewEncoder(w).Encode(er)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(sendServer.Close)

	env.p = newWithEndpoints(
		Config{TenantID: "t", ClientID: "c", ClientSecret: "s", Sender: "sender@example.com", SaveToSentItems: true},
		sendServer.URL, tokenServer.URL, sendServer.Client(),
	)
	env.p.retryDelay = time.Millisecond
	return env
}

func testMessage() *email.Email {
	return &email.Email{
		To:       []string{"user@example.com"},
		Subject:  "Test",
		TextBody: "Body",
	}
}

func TestBuildSendMailRequest(t *testing.T) {
	t.Parallel()

	msg := &email.Email{
		To:        []string{"alice@example.com", "bob@example.com"},
		Cc:        []string{"carol@example.com"},
		Bcc:       []string{"audit@example.com"},
		Subject:   "Report",
		TextBody:  "Plain text",
		HtmlBody:  "<p>HTML content</p>",
		MessageID: "<1@example.com>",
		Attachments: []email.Attachment{
			{Filename: "report.pdf", ContentType: "application/pdf", Content: []byte("Hello World")},
			{Filename: "blob"},
		},
	}

	req := buildSendMailRequest(msg, true)
	m := req.Message

	if !req.SaveToSentItems {
		t.Error("SaveToSentItems should be carried")
	}
	if m.Body.ContentType != "html" || m.Body.Content != "<p>HTML content</p>" {
		t.Errorf("Body: got %+v, want html body", m.Body)
	}
	if len(m.ToRecipients) != 2 || m.ToRecipients[1].EmailAddress.Address != "bob@example.com" {
		t.Errorf("ToRecipients: got %+v", m.ToRecipients)
	}
	if len(m.CcRecipients) != 1 || len(m.BccRecipients) != 1 {
		t.Errorf("Cc/Bcc: got %d/%d, want 1/1", len(m.CcRecipients), len(m.BccRecipients))
	}
	if m.InternetMessageID != "<1@example.com>" {
		t.Errorf("InternetMessageID: got %q", m.InternetMessageID)
	}
	if len(m.Attachments) != 2 {
		t.Fatalf("Attachments count: got %d, want 2", len(m.Attachments))
	}
	if att := m.Attachments[0]; att.ODataType != "#microsoft.graph.fileAttachment" || att.ContentBytes != "SGVsbG8gV29ybGQ=" {
		t.Errorf("attachment: got %+v", att)
	}
	if got := m.Attachments[1].ContentType; got != "application/octet-stream" {
		t.Errorf("default attachment content type: got %q", got)
	}
}

func TestBuildSendMailRequest_TextOnly(t *testing.T) {
	t.Parallel()

	req := buildSendMailRequest(testMessage(), false)
	if req.Message.Body.ContentType != "text" || req.Message.Body.Content != "Body" {
		t.Errorf("Body: got %+v", req.Message.Body)
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"ccRecipients", "bccRecipients", "attachments", "internetMessageId"} {
		if _, ok := raw["message"][key]; ok {
			t.Errorf("empty %s should be omitted", key)
		}
	}
}

func TestProvider_Name(t *testing.T) {
	t.Parallel()

	if got := New(Config{}).Name(); got != "msgraph" {
		t.Errorf("Name: got %q, want %q", got, "msgraph")
	}
}

func TestProvider_Send(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		statuses   []int
		wantErr    bool
		permanent  bool
		wantSends  int32
		wantTokens int32
	}{
		{name: "success", wantSends: 1, wantTokens: 1},
		{name: "bad request is permanent", statuses: []int{400}, wantErr: true, permanent: true, wantSends: 1, wantTokens: 1},
		{name: "forbidden is permanent", statuses: []int{403}, wantErr: true, permanent: true, wantSends: 1, wantTokens: 1},
		{name: "retry on 5xx", statuses: []int{503, 502}, wantSends: 3, wantTokens: 1},
		{name: "refresh once on 401", statuses: []int{401}, wantSends: 2, wantTokens: 2},
		{name: "second 401 fails", statuses: []int{401, 401}, wantErr: true, wantSends: 2, wantTokens: 2},
		{name: "retries exhausted", statuses: []int{500, 500, 500, 500}, wantErr: true, wantSends: 4, wantTokens: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t, tt.statuses...)
			err := env.p.Send(context.Background(), testMessage())

			if (err != nil) != tt.wantErr {
				t.Fatalf("Send error: got %v, wantErr %v", err, tt.wantErr)
			}
			if tt.permanent {
				var se *sendError
				if !errors.As(err, &se) || !se.permanent {
					t.Errorf("expected a permanent *sendError, got %v", err)
				}
			}
			if got := env.sendCalls.Load(); got != tt.wantSends {
				t.Errorf("send calls: got %d, want %d", got, tt.wantSends)
			}
			if got := env.tokenCalls.Load(); got != tt.wantTokens {
				t.Errorf("token calls: got %d, want %d", got, tt.wantTokens)
			}
		})
	}
}

func TestProvider_SendBody(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	if err := env.p.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body := env.lastBody.Load().(sendMailRequest)
	if body.Message.Subject != "Test" {
		t.Errorf("Subject in body: got %q, want %q", body.Message.Subject, "Test")
	}
	if !body.SaveToSentItems {
		t.Error("saveToSentItems should be true")
	}
}

func TestProvider_RateLimitWithRetryAfter(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, http.StatusTooManyRequests)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	if err := env.p.Send(ctx, testMessage()); err != nil {
		t.Fatalf("expected success after rate limit retry, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("Retry-After should be honoured, waited %v", elapsed)
	}
	if got := env.sendCalls.Load(); got != 2 {
		t.Errorf("send calls: got %d, want 2", got)
	}
}

func TestProvider_ContextCancellation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 503, 503, 503, 503)
	env.p.retryDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for env.sendCalls.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	err := env.p.Send(ctx, testMessage())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestProvider_Verify(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	if err := env.p.Verify(context.Background()); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got := env.tokenCalls.Load(); got != 1 {
		t.Errorf("token calls: got %d, want 1", got)
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		statusCode int
		permanent  bool
	}{
		{400, true},
		{401, false},
		{403, true},
		{404, true},
		{429, false},
		{500, false},
		{502, false},
		{503, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.statusCode), func(t *testing.T) {
			t.Parallel()
			if got := classifyError(tt.statusCode, "msg", "").permanent; got != tt.permanent {
				t.Errorf("permanent(%d): got %v, want %v", tt.statusCode, got, tt.permanent)
			}
		})
	}
}

func TestRetryAfterDelay(t *testing.T) {
	t.Parallel()

	p := &Provider{retryDelay: time.Second}
	tests := []struct {
		header  string
		attempt int
		want    time.Duration
	}{
		{"5", 1, 5 * time.Second},
		{"", 2, 2 * time.Second},
		{"soon", 3, 4 * time.Second},
		{"0", 1, time.Second},
	}
	for _, tt := range tests {
		if got := p.retryAfterDelay(tt.header, tt.attempt); got != tt.want {
			t.Errorf("retryAfterDelay(%q, %d): got %v, want %v", tt.header, tt.attempt, got, tt.want)
		}
	}
}

func TestSendError_Error(t *testing.T) {
	t.Parallel()

	err := &sendError{message: "test error", statusCode: 500}
	if got, want := err.Error(), "Graph API error (HTTP 500): test error"; got != want {
		t.Errorf("Error(): got %q, want %q", got, want)
	}
}
