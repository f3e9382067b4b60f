package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"encore.app/apperr"
)

func tokenServer(t *testing.T, calls *atomic.Int64, expiresIn int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user == "" || pass == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: "tok-" + time.Now().String(),
			TokenType:   "Bearer",
			ExpiresIn:   expiresIn,
		})
	}))
}

func TestTokenManagerCachesUntilNearExpiry(t *testing.T) {
	var calls atomic.Int64
	srv := tokenServer(t, &calls, 3600)
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.ClientID, cfg.ClientSecret, cfg.TokenURL = "id", "secret", srv.URL
	tm := NewTokenManager(cfg, srv.Client())

	tok1, err := tm.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tok2, err := tm.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok1 != tok2 {
		t.Fatal("expected cached token to be reused")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one token endpoint call, got %d", calls.Load())
	}
}

func TestTokenManagerSerializesConcurrentRefresh(t *testing.T) {
	var calls atomic.Int64
	srv := tokenServer(t, &calls, 3600)
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.ClientID, cfg.ClientSecret, cfg.TokenURL = "id", "secret", srv.URL
	tm := NewTokenManager(cfg, srv.Client())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tm.Acquire(context.Background()); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected token endpoint to be hit at most once across concurrent callers, got %d", calls.Load())
	}
}

func TestTokenManagerUnauthorizedIsNonRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.ClientID, cfg.ClientSecret, cfg.TokenURL = "", "", srv.URL
	cfg.RetryBaseMS = 1
	tm := NewTokenManager(cfg, srv.Client())

	_, err := tm.Acquire(context.Background())
	if apperr.KindOf(err) != apperr.KindUpstreamUnauthorized {
		t.Fatalf("expected UpstreamUnauthorized, got %v", err)
	}
}

func TestTokenManagerRetriesOn5xxThenFails(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.ClientID, cfg.ClientSecret, cfg.TokenURL = "id", "secret", srv.URL
	cfg.MaxRetries = 3
	cfg.RetryBaseMS = 1
	tm := NewTokenManager(cfg, srv.Client())

	_, err := tm.Acquire(context.Background())
	if err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}
