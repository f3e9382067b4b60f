// Package upstream implements the resilience stack the core wraps around
// the opaque upstream registry API: Token Manager (C1), Rate Limiter (C2),
// Circuit Breaker (C3), and the Upstream Client (C4) that composes them.
//
// Ambient/global state is made explicit here rather than package-level
// vars: TokenManager, RateLimiter, and CircuitBreaker are constructed once
// by NewClient and held as fields, never reached for via a singleton,
// matching the convention of keeping mutable service state confined to a
// single `once.Do`-guarded service handle.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"encore.app/apperr"
)

// Client is the Upstream Client (C4): an authenticated request executor
// with bounded retry, exponential backoff, and the full composition order
// from spec.md §4.4: Circuit Breaker gate -> Rate Limiter acquire -> Token
// Manager acquire -> HTTP exchange -> auth-failure retry -> backoff retry ->
// report to Circuit Breaker -> record in Observability.
type Client struct {
	cfg     Config
	httpc   *http.Client
	tokens  *TokenManager
	limiter *RateLimiter
	breaker *CircuitBreaker

	// recordOutcome, if set, is called after every HTTP attempt with the
	// attempt's latency and error. The callback queryservice registers feeds
	// Observability's upstream call and error counters and does not record
	// the latency.
	recordOutcome func(endpoint string, latency time.Duration, err error)
}

// NewClient wires C1-C3 into an Upstream Client.
func NewClient(cfg Config, httpc *http.Client) *Client {
	if httpc == nil {
		httpc = &http.Client{Timeout: cfg.Timeout()}
	}
	return &Client{
		cfg:     cfg,
		httpc:   httpc,
		tokens:  NewTokenManager(cfg, httpc),
		limiter: NewRateLimiter(cfg.RateLimitRequests, cfg.RateWindow()),
		breaker: NewCircuitBreaker(cfg),
	}
}

// Breaker exposes the underlying Circuit Breaker so Observability can
// subscribe to its transitions.
func (c *Client) Breaker() *CircuitBreaker { return c.breaker }

// OnOutcome registers a callback invoked after every upstream HTTP attempt.
func (c *Client) OnOutcome(fn func(endpoint string, latency time.Duration, err error)) {
	c.recordOutcome = fn
}

// OrganizationDetails fetches the opaque organization JSON payload for a
// 10-digit registry identifier. Returns apperr with KindNotFound if the
// upstream responds with an empty organisationer array.
func (c *Client) OrganizationDetails(ctx context.Context, identifier string) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]string{"identitetsbeteckning": identifier})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to encode request", err)
	}

	raw, err := c.call(ctx, "details", http.MethodPost, "/organisation", body, nil)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Organisationer []json.RawMessage `json:"organisationer"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamServerError, "malformed organization response", err)
	}
	if len(envelope.Organisationer) == 0 {
		return nil, apperr.New(apperr.KindNotFound, "organization not found")
	}
	return envelope.Organisationer[0], nil
}

// DocumentDescriptor mirrors one entry of the upstream document-list
// response (spec.md §6.1), with the upstream's ISO date/datetime strings
// parsed into time.Time so callers can order and compare directly.
type DocumentDescriptor struct {
	DocumentID         string    `json:"dokumentId"`
	Format             string    `json:"filformat"`
	ReportingPeriodEnd time.Time `json:"rapporteringsperiodTom"`
	RegisteredAt       time.Time `json:"registreringstidpunkt"`
}

// wireDocumentDescriptor is the upstream's raw wire shape before date
// parsing.
type wireDocumentDescriptor struct {
	DocumentID         string `json:"dokumentId"`
	Format             string `json:"filformat"`
	ReportingPeriodEnd string `json:"rapporteringsperiodTom"`
	RegisteredAt       string `json:"registreringstidpunkt"`
}

// DocumentList fetches the document descriptors for an identifier.
func (c *Client) DocumentList(ctx context.Context, identifier string) ([]DocumentDescriptor, error) {
	body, err := json.Marshal(map[string]string{"identitetsbeteckning": identifier})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to encode request", err)
	}

	raw, err := c.call(ctx, "documents", http.MethodPost, "/dokumentlista", body, nil)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Dokument []wireDocumentDescriptor `json:"dokument"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamServerError, "malformed document-list response", err)
	}
	if len(envelope.Dokument) == 0 {
		return nil, apperr.New(apperr.KindNotFound, "no documents found")
	}

	docs := make([]DocumentDescriptor, 0, len(envelope.Dokument))
	for _, w := range envelope.Dokument {
		periodEnd, err := time.Parse("2006-01-02", w.ReportingPeriodEnd)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindUpstreamServerError, "malformed reporting period date", err)
		}
		registered, err := time.Parse(time.RFC3339, w.RegisteredAt)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindUpstreamServerError, "malformed registration timestamp", err)
		}
		docs = append(docs, DocumentDescriptor{
			DocumentID:         w.DocumentID,
			Format:             w.Format,
			ReportingPeriodEnd: periodEnd,
			RegisteredAt:       registered,
		})
	}
	return docs, nil
}

// DownloadDocument fetches the binary artifact for a document id.
func (c *Client) DownloadDocument(ctx context.Context, documentID string) ([]byte, error) {
	headers := map[string]string{"Accept": "application/zip"}
	return c.call(ctx, "report", http.MethodGet, "/dokument/"+documentID, nil, headers)
}

// Liveness checks the upstream health endpoint.
func (c *Client) Liveness(ctx context.Context) error {
	_, err := c.call(ctx, "liveness", http.MethodGet, "/liveness", nil, nil)
	return err
}

// call executes one authenticated upstream exchange under the full
// resilience composition, returning the raw response body.
func (c *Client) call(ctx context.Context, endpoint, method, path string, body []byte, headers map[string]string) ([]byte, error) {
	var result []byte
	err := c.breaker.Execute(func() error {
		r, err := c.attemptWithRetry(ctx, endpoint, method, path, body, headers)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// attemptWithRetry performs rate-limited, token-authenticated HTTP attempts
// with bounded retry and exponential backoff, per spec.md §4.4's retry
// policy: retryable on network errors, 5xx, 429; non-retryable on other 4xx.
func (c *Client) attemptWithRetry(ctx context.Context, endpoint, method, path string, body []byte, headers map[string]string) ([]byte, error) {
	maxAttempts := c.cfg.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	retriedAuth := false
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "rate limiter wait interrupted", err)
		}

		token, err := c.tokens.Acquire(ctx)
		if err != nil {
			return nil, err
		}

		start := time.Now()
		respBody, status, err := c.exchange(ctx, method, path, body, headers, token)
		latency := time.Since(start)
		if c.recordOutcome != nil {
			c.recordOutcome(endpoint, latency, err)
		}

		if err == nil {
			return respBody, nil
		}

		ae := err.(*apperr.Error)

		if ae.Kind == apperr.KindUpstreamUnauthorized && !retriedAuth {
			// 401: invalidate the token snapshot and retry once (spec.md §4.4 step 5).
			c.tokens.Invalidate()
			retriedAuth = true
			continue
		}

		if !isRetryable(ae.Kind) {
			return nil, err
		}

		lastErr = err
		_ = status
		if attempt == maxAttempts {
			break
		}

		delay := backoffDelayJittered(c.cfg.RetryBase(), attempt)
		select {
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.KindUpstreamTimeout, "retry interrupted", ctx.Err())
		case <-time.After(delay):
		}
	}

	return nil, lastErr
}

func isRetryable(k apperr.Kind) bool {
	switch k {
	case apperr.KindUpstreamServerError, apperr.KindUpstreamTimeout, apperr.KindUpstreamRateLimited:
		return true
	default:
		return false
	}
}

// exchange performs a single HTTP round trip and maps the outcome onto the
// §7 error taxonomy.
func (c *Client) exchange(ctx context.Context, method, path string, body []byte, headers map[string]string, token string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.KindInternal, "failed to build upstream request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, apperr.Wrap(apperr.KindUpstreamTimeout, "upstream request timed out", err)
		}
		return nil, 0, apperr.Wrap(apperr.KindUpstreamServerError, "upstream request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, apperr.Wrap(apperr.KindUpstreamServerError, "failed reading upstream response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return data, resp.StatusCode, apperr.New(apperr.KindUpstreamUnauthorized, "upstream rejected credentials")
	case resp.StatusCode == http.StatusTooManyRequests:
		return data, resp.StatusCode, apperr.New(apperr.KindUpstreamRateLimited, "upstream rate limit exceeded")
	case resp.StatusCode >= 500:
		return data, resp.StatusCode, apperr.New(apperr.KindUpstreamServerError, fmt.Sprintf("upstream server error: %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return data, resp.StatusCode, apperr.New(apperr.KindUpstreamBadRequest, fmt.Sprintf("upstream rejected request: %d", resp.StatusCode))
	}

	return data, resp.StatusCode, nil
}
