package upstream

import "time"

// Config mirrors the configuration surface of spec.md §6.6. It is
// constructed once at service startup and passed down explicitly to the
// Token Manager, Rate Limiter, Circuit Breaker, and Upstream Client —
// there is no package-level mutable state (see SPEC_FULL.md §9).
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	BaseURL      string

	TimeoutMS    int
	MaxRetries   int
	RetryBaseMS  int

	RateLimitRequests int
	RateLimitWindowMS int

	CircuitFailureThreshold int
	CircuitRecoveryMS       int
	CircuitHalfOpenSuccesses int

	TokenSafetyBufferMS int
}

// DefaultConfig returns the design defaults from spec.md §6.6. Callers must
// still set ClientID, ClientSecret, TokenURL, and BaseURL.
func DefaultConfig() Config {
	return Config{
		TimeoutMS:   30000,
		MaxRetries:  3,
		RetryBaseMS: 1000,

		RateLimitRequests: 10,
		RateLimitWindowMS: 1000,

		CircuitFailureThreshold:  5,
		CircuitRecoveryMS:        60000,
		CircuitHalfOpenSuccesses: 2,

		TokenSafetyBufferMS: 60000,
	}
}

func (c Config) Timeout() time.Duration      { return time.Duration(c.TimeoutMS) * time.Millisecond }
func (c Config) RetryBase() time.Duration    { return time.Duration(c.RetryBaseMS) * time.Millisecond }
func (c Config) RateWindow() time.Duration   { return time.Duration(c.RateLimitWindowMS) * time.Millisecond }
func (c Config) CircuitRecovery() time.Duration {
	return time.Duration(c.CircuitRecoveryMS) * time.Millisecond
}
func (c Config) TokenSafetyBuffer() time.Duration {
	return time.Duration(c.TokenSafetyBufferMS) * time.Millisecond
}

// secrets holds credentials the Encore platform injects at deploy time.
// Declaring a package-level `var secrets struct{...}` is how Encore apps
// keep credentials out of source and config files; LoadConfig below copies
// all four fields from it into the returned Config.
var secrets struct {
	UpstreamClientID     string
	UpstreamClientSecret string
	UpstreamTokenURL     string
	UpstreamBaseURL      string
}

// LoadConfig returns DefaultConfig with credentials and endpoints filled
// in from Encore secrets, the form production deployments use; tests
// build a Config by hand instead so they can point ClientID/TokenURL/
// BaseURL at httptest servers.
func LoadConfig() Config {
	cfg := DefaultConfig()
	cfg.ClientID = secrets.UpstreamClientID
	cfg.ClientSecret = secrets.UpstreamClientSecret
	cfg.TokenURL = secrets.UpstreamTokenURL
	cfg.BaseURL = secrets.UpstreamBaseURL
	return cfg
}
