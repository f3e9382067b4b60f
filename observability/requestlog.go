package observability

import (
	"context"
	"fmt"
	"time"

	"encore.dev/storage/sqldb"
)

var db = sqldb.Named("observability")

// RequestLogEntry is an append-only record of one inbound query (spec.md
// §4.9), grounded on invalidation/audit.go's AuditLog shape.
type RequestLogEntry struct {
	Operation     string    `json:"operation"`
	Identifier    string    `json:"identifier,omitempty"`
	CacheHit      bool      `json:"cache_hit"`
	Stale         bool      `json:"stale"`
	LatencyMS     int64     `json:"latency_ms"`
	Error         string    `json:"error,omitempty"`
	CorrelationID string    `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// RequestLog is the append-only store backing per-request observability.
type RequestLog struct {
	db *sqldb.Database
}

// NewRequestLog opens the request log table, ensuring its schema exists.
func NewRequestLog(ctx context.Context) (*RequestLog, error) {
	rl := &RequestLog{db: db}
	if err := rl.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize request_log schema: %w", err)
	}
	return rl, nil
}

func (rl *RequestLog) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS request_log (
			id BIGSERIAL PRIMARY KEY,
			operation TEXT NOT NULL,
			identifier TEXT,
			cache_hit BOOLEAN NOT NULL,
			stale BOOLEAN NOT NULL DEFAULT false,
			latency_ms BIGINT NOT NULL,
			error TEXT,
			correlation_id TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_request_log_timestamp ON request_log (timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_request_log_operation ON request_log (operation);
	`
	_, err := rl.db.Exec(ctx, query)
	return err
}

// Append records one request-log entry. Failures here must never surface
// as query errors to the caller — observability is best-effort.
func (rl *RequestLog) Append(ctx context.Context, e RequestLogEntry) error {
	_, err := rl.db.Exec(ctx, `
		INSERT INTO request_log (operation, identifier, cache_hit, stale, latency_ms, error, correlation_id, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.Operation, e.Identifier, e.CacheHit, e.Stale, e.LatencyMS, e.Error, e.CorrelationID, e.Timestamp)
	return err
}

// CacheHitRate24h computes the cache hit rate over the trailing 24 hours,
// used by Query Service's stats() operation.
func (rl *RequestLog) CacheHitRate24h(ctx context.Context) (float64, error) {
	row := rl.db.QueryRow(ctx, `
		SELECT
			COALESCE(AVG(CASE WHEN cache_hit THEN 1 ELSE 0 END), 0)
		FROM request_log
		WHERE timestamp >= NOW() - INTERVAL '24 hours'
	`)
	var rate float64
	if err := row.Scan(&rate); err != nil {
		return 0, err
	}
	return rate, nil
}
