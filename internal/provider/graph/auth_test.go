package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shineum/mailtree/internal/provider"
)

func newTokenServer(t *testing.T, calls *atomic.Int32, expiresIn int64) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: fmt.Sprintf("token-%d", n),
			ExpiresIn:   expiresIn,
			TokenType:   "Bearer",
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestTokenSource_RequestForm(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse form: %v", err)
		}
		want := map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     "test-client-id",
			"client_secret": "test-client-secret",
			"scope":         defaultScope,
		}
		for k, v := range want {
			if got := r.FormValue(k); got != v {
				t.Errorf("%s: got %q, want %q", k, got, v)
			}
		}
		_ = json.NewEncoder(w).Encode(tokenResponse{AccessToken: "test-access-token", ExpiresIn: 3600})
	}))
	defer server.Close()

	ts := newTokenSource(server.URL, "test-client-id", "test-client-secret", server.Client())
	token, err := ts.Token(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "test-access-token" {
		t.Errorf("token: got %q, want %q", token, "test-access-token")
	}
}

func TestTokenSource_CachesUntilExpiry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := newTokenServer(t, &calls, 3600)
	ts := newTokenSource(server.URL, "cid", "csecret", server.Client())

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ts.now = func() time.Time { return now }

	ctx := context.Background()
	first, err := ts.Token(ctx)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := ts.Token(ctx)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if first != second || calls.Load() != 1 {
		t.Errorf("token should be cached: %q vs %q after %d calls", first, second, calls.Load())
	}

	// 3600s lifetime minus the 5 minute buffer.
	now = now.Add(55 * time.Minute)
	third, err := ts.Token(ctx)
	if err != nil {
		t.Fatalf("third call: %v", err)
	}
	if third == first || calls.Load() != 2 {
		t.Errorf("expired token should be refreshed, got %q after %d calls", third, calls.Load())
	}
}

func TestTokenSource_Refresh(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := newTokenServer(t, &calls, 3600)
	ts := newTokenSource(server.URL, "cid", "csecret", server.Client())

	ctx := context.Background()
	first, err := ts.Token(ctx)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	refreshed, err := ts.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if refreshed == first || calls.Load() != 2 {
		t.Errorf("Refresh should bypass the cache: %q vs %q", first, refreshed)
	}
}

func TestTokenSource_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := newTokenServer(t, &calls, 3600)
	ts := newTokenSource(server.URL, "cid", "csecret", server.Client())

	const goroutines = 10
	var wg sync.WaitGroup
	tokens := make([]string, goroutines)
	errs := make([]error, goroutines)

	for i := range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], errs[i] = ts.Token(context.Background())
		}()
	}
	wg.Wait()

	for i := range goroutines {
		if errs[i] != nil {
			t.Errorf("goroutine %d error: %v", i, errs[i])
		}
		if tokens[i] != "token-1" {
			t.Errorf("goroutine %d token: got %q, want %q", i, tokens[i], "token-1")
		}
	}
	if calls.Load() != 1 {
		t.Errorf("token endpoint calls: got %d, want 1", calls.Load())
	}
}

func TestTokenSource_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantAuth bool
	}{
		{
			name: "invalid client secret",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error": "invalid_client"}`))
			},
			wantAuth: true,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error": "internal server error"}`))
			},
		},
		{
			name: "empty access token",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(tokenResponse{ExpiresIn: 3600})
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("not json"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(tt.handler)
			defer server.Close()

			ts := newTokenSource(server.URL, "cid", "csecret", server.Client())
			_, err := ts.Token(context.Background())
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if got := errors.Is(err, provider.ErrAuth); got != tt.wantAuth {
				t.Errorf("errors.Is(err, ErrAuth): got %v, want %v", got, tt.wantAuth)
			}
		})
	}
}
