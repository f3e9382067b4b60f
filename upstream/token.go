package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"encore.app/apperr"
)

// tokenSnapshot is the process-wide singleton token value. Reads take a
// consistent snapshot under the mutex. A refresh holds the lock across the
// token-endpoint exchange (including its retries), which is what serializes
// refreshes; Acquire double-checks after re-acquiring the lock so waiters
// that queued behind a refresh simply observe the refreshed snapshot.
type tokenSnapshot struct {
	accessToken string
	expiresAt   time.Time
}

// TokenManager acquires and caches an upstream bearer credential, refreshing
// it before expiry. At most one token-endpoint call is ever in flight.
type TokenManager struct {
	mu       sync.Mutex
	current  *tokenSnapshot
	cfg      Config
	httpc    *http.Client
	now      func() time.Time
}

// NewTokenManager constructs a Token Manager bound to cfg. httpc may be nil
// to use a client sized to cfg.Timeout().
func NewTokenManager(cfg Config, httpc *http.Client) *TokenManager {
	if httpc == nil {
		httpc = &http.Client{Timeout: cfg.Timeout()}
	}
	return &TokenManager{cfg: cfg, httpc: httpc, now: time.Now}
}

// Acquire returns a currently-valid bearer credential, valid for at least
// the safety buffer into the future.
func (m *TokenManager) Acquire(ctx context.Context) (string, error) {
	m.mu.Lock()
	if snap := m.current; snap != nil && m.now().Before(snap.expiresAt.Add(-m.cfg.TokenSafetyBuffer())) {
		tok := snap.accessToken
		m.mu.Unlock()
		return tok, nil
	}
	m.mu.Unlock()

	// Slow path: critical section serializes the refresh. Double-check after
	// acquiring the lock in case another goroutine already refreshed while we
	// were waiting.
	m.mu.Lock()
	defer m.mu.Unlock()

	if snap := m.current; snap != nil && m.now().Before(snap.expiresAt.Add(-m.cfg.TokenSafetyBuffer())) {
		return snap.accessToken, nil
	}

	snap, err := m.refreshWithRetry(ctx)
	if err != nil {
		// Leave the stale snapshot (if any) untouched so a later call can retry.
		return "", err
	}
	m.current = snap
	return snap.accessToken, nil
}

// Invalidate clears the cached token, forcing the next Acquire to refresh.
// Called by the Upstream Client after a 401 response.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
}

func (m *TokenManager) refreshWithRetry(ctx context.Context) (*tokenSnapshot, error) {
	maxAttempts := m.cfg.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		snap, err := m.exchange(ctx)
		if err == nil {
			return snap, nil
		}

		if ae, ok := err.(*apperr.Error); ok && ae.Kind == apperr.KindUpstreamUnauthorized {
			// Non-retryable config error.
			return nil, err
		}

		lastErr = err
		if attempt == maxAttempts {
			break
		}

		delay := backoffDelay(m.cfg.RetryBase(), attempt)
		select {
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.KindUpstreamTimeout, "token refresh interrupted", ctx.Err())
		case <-time.After(delay):
		}
	}

	return nil, apperr.Wrap(apperr.KindInternal, "TokenFetchFailed: exhausted retries", lastErr)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// exchange performs a single client-credentials exchange against the
// configured token endpoint.
func (m *TokenManager) exchange(ctx context.Context) (*tokenSnapshot, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", "foretagsinfo") // fixed scope string for the registry API

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(m.cfg.ClientID, m.cfg.ClientSecret)

	resp, err := m.httpc.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamServerError, "token endpoint unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, apperr.New(apperr.KindUpstreamUnauthorized, fmt.Sprintf("token endpoint rejected credentials: %d", resp.StatusCode))
	}
	if resp.StatusCode >= 500 {
		return nil, apperr.New(apperr.KindUpstreamServerError, fmt.Sprintf("token endpoint error: %d", resp.StatusCode))
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamServerError, "malformed token response", err)
	}
	if body.AccessToken == "" {
		return nil, apperr.New(apperr.KindUpstreamServerError, "token response missing access_token")
	}

	return &tokenSnapshot{
		accessToken: body.AccessToken,
		expiresAt:   m.now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}
