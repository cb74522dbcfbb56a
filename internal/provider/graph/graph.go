// Package graph implements a Provider that sends emails via the Microsoft
// Graph sendMail API with OAuth2 client credentials.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shineum/mailtree/internal/ctxlog"
	"github.com/shineum/mailtree/internal/email"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// defaultRetryDelay is the initial delay for exponential backoff.
const defaultRetryDelay = 1 * time.Second

// Config holds the configuration for creating a Provider.
type Config struct {
	TenantID        string
	ClientID        string
	ClientSecret    string
	Sender          string
	SaveToSentItems bool
}

// Provider sends emails via the Microsoft Graph API.
type Provider struct {
	sender     string
	sendURL    string
	saveToSent bool
	httpClient *http.Client
	tokens     *tokenSource
	retryDelay time.Duration
}

// New creates a Provider for the given tenant and sender mailbox.
func New(cfg Config) *Provider {
	tokenURL := fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(cfg.TenantID))
	sendURL := fmt.Sprintf("https://graph.microsoft.com/v1.0/users/%s/sendMail", url.PathEscape(cfg.Sender))
	return newWithEndpoints(cfg, sendURL, tokenURL, &http.Client{Timeout: 30 * time.Second})
}

func newWithEndpoints(cfg Config, sendURL, tokenURL string, client *http.Client) *Provider {
	return &Provider{
		sender:     cfg.Sender,
		sendURL:    sendURL,
		saveToSent: cfg.SaveToSentItems,
		httpClient: client,
		tokens:     newTokenSource(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
		retryDelay: defaultRetryDelay,
	}
}

// Verify acquires an access token, which proves the tenant and client
// credentials are valid.
func (p *Provider) Verify(ctx context.Context) error {
	if _, err := p.tokens.Token(ctx); err != nil {
		return fmt.Errorf("failed to acquire Graph token: %w", err)
	}
	return nil
}

// Send delivers msg. Transient failures are retried with exponential
// backoff, HTTP 429 honours Retry-After and a 401 triggers one token refresh.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	body, err := json.Marshal(buildSendMailRequest(msg, p.saveToSent))
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	var lastErr error
	refreshed := false

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			ctxlog.FromContext(ctx).Debug("retrying Graph API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
		}

		err := p.post(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err

		var se *sendError
		if !errors.As(err, &se) {
			return err
		}

		var delay time.Duration
		switch {
		case se.permanent:
			return se
		case se.statusCode == http.StatusUnauthorized:
			if refreshed {
				return se
			}
			ctxlog.FromContext(ctx).Info("refreshing Graph API token after 401")
			if _, err := p.tokens.Refresh(ctx); err != nil {
				return fmt.Errorf("token refresh failed: %w", err)
			}
			refreshed = true
			continue
		case se.statusCode == http.StatusTooManyRequests:
			delay = p.retryAfterDelay(se.retryAfter, attempt)
			ctxlog.FromContext(ctx).Info("rate limited by Graph API", "retry_after", delay)
		default:
			delay = backoffDelay(p.retryDelay, attempt)
			ctxlog.FromContext(ctx).Info("transient Graph API error, retrying",
				"status", se.statusCode,
				"delay", delay,
			)
		}

		if err := sleepWithContext(ctx, delay); err != nil {
			return fmt.Errorf("context cancelled during retry wait: %w", err)
		}
	}

	return fmt.Errorf("Graph API request failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "msgraph"
}

// post performs one sendMail request.
func (p *Provider) post(ctx context.Context, body []byte) error {
	token, err := p.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.sendURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &sendError{message: fmt.Sprintf("HTTP request failed: %v", err)}
	}
	defer resp.Body.Close()

	// sendMail answers 202 Accepted.
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	raw, _ := io.ReadAll(resp.Body)
	message := string(raw)
	var er errorResponse
	if json.Unmarshal(raw, &er) == nil && er.Error.Message != "" {
		message = er.Error.Message
	}
	return classifyError(resp.StatusCode, message, resp.Header.Get("Retry-After"))
}

// sendError is a failed sendMail call classified for retry decisions.
// A zero statusCode means the request never got a response.
type sendError struct {
	message    string
	statusCode int
	permanent  bool
	retryAfter string
}

func (e *sendError) Error() string {
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}

// classifyError marks client errors other than 401 and 429 as permanent.
func classifyError(statusCode int, message, retryAfter string) *sendError {
	err := &sendError{
		message:    message,
		statusCode: statusCode,
		retryAfter: retryAfter,
	}
	switch {
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
	default:
		err.permanent = true
	}
	return err
}

// retryAfterDelay uses the Retry-After seconds when present and valid,
// otherwise exponential backoff.
func (p *Provider) retryAfterDelay(retryAfter string, attempt int) time.Duration {
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return backoffDelay(p.retryDelay, attempt)
}

// backoffDelay doubles base for every attempt after the first.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		return base
	}
	return base << (attempt - 1)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
