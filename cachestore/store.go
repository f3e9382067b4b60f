// Package cachestore implements the Cache Store (C5): a durable key->value
// store for the three logical caches (details, document-list, reports),
// each with its own TTL class, backed by Postgres via Encore's sqldb —
// grounded on invalidation/audit.go's ensureSchema / parameterized-Exec
// pattern.
//
// One generic Store serves all three cache classes, since they share the
// same read/write/expiry-classify shape (spec.md §4.5); what differs is the
// TTL policy and whether the key is a single identifier or a composite
// (identifier, year) tuple, which the caller encodes into Key. Report keys
// carry no report-type component.
package cachestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"encore.dev/storage/sqldb"

	"encore.app/apperr"
)

// Freshness classifies a cache read, computed by the caller (Query Service)
// from the Entry's timestamps, per spec.md §4.5.
type Freshness int

const (
	Absent Freshness = iota
	Fresh
	Stale
)

// Entry is a stored cache row together with its freshness metadata.
type Entry struct {
	Key        string
	Payload    json.RawMessage
	FetchedAt  time.Time
	ExpiresAt  time.Time // zero value means "never expires" (permanent class)
	FetchCount int
}

// Classify returns the Freshness of e as of now. Permanent entries
// (ExpiresAt zero) are always Fresh once present.
func (e *Entry) Classify(now time.Time) Freshness {
	if e == nil {
		return Absent
	}
	if e.ExpiresAt.IsZero() || now.Before(e.ExpiresAt) {
		return Fresh
	}
	return Stale
}

// TTLClass names the three freshness contracts of spec.md §3.
type TTLClass int

const (
	TTLLong      TTLClass = iota // details: design default 30 days
	TTLShort                     // document-list: design default 7 days
	TTLPermanent                 // reports: never expires
)

// Store is a durable, class-scoped key->value cache table, optionally
// fronted by an in-process L1 (queryservice.Config.L1MaxEntries).
type Store struct {
	db    *sqldb.Database
	table string
	ttl   time.Duration // zero for TTLPermanent
	l1    *L1           // nil disables the L1 front for this class
}

// NewStore opens (and ensures the schema for) a cache table for the given
// class. table must be a fixed identifier, not user input (it's always a
// compile-time constant from the three call sites below). l1MaxEntries <= 0
// disables the L1 front for this class.
func NewStore(ctx context.Context, db *sqldb.Database, table string, ttl time.Duration, l1MaxEntries int) (*Store, error) {
	s := &Store{db: db, table: table, ttl: ttl}
	if l1MaxEntries > 0 {
		s.l1 = NewL1(l1MaxEntries)
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize %s schema: %w", table, err)
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	// #nosec G201 -- table is a fixed, compile-time-controlled identifier.
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			payload JSONB NOT NULL,
			fetched_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ,
			fetch_count INTEGER NOT NULL DEFAULT 1
		);

		CREATE INDEX IF NOT EXISTS idx_%s_expires_at ON %s (expires_at);
	`, s.table, s.table, s.table)

	_, err := s.db.Exec(ctx, query)
	return err
}

// Read returns the entry for key, or (nil, nil) if absent. The L1 front,
// if enabled, is checked first and populated on a backing-store hit.
func (s *Store) Read(ctx context.Context, key string) (*Entry, error) {
	if s.l1 != nil {
		if e, ok := s.l1.Get(key); ok {
			return e, nil
		}
	}

	// #nosec G201 -- table is a fixed, compile-time-controlled identifier.
	query := fmt.Sprintf(`SELECT key, payload, fetched_at, expires_at, fetch_count FROM %s WHERE key = $1`, s.table)

	row := s.db.QueryRow(ctx, query, key)

	var e Entry
	var expiresAt sql.NullTime
	if err := row.Scan(&e.Key, &e.Payload, &e.FetchedAt, &expiresAt, &e.FetchCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.KindCacheUnavailable, "cache read failed", err)
	}
	if expiresAt.Valid {
		e.ExpiresAt = expiresAt.Time
	}

	if s.l1 != nil {
		s.l1.Set(&e)
	}
	return &e, nil
}

// Write upserts payload under key. fetch is set to now, expiry to
// now+TTL (zero for permanent classes), and fetch_count is incremented.
// Concurrent writers for the same key resolve last-writer-wins (spec.md
// §4.5): both carry equivalent upstream data so the race is tolerable.
func (s *Store) Write(ctx context.Context, key string, payload json.RawMessage) (*Entry, error) {
	now := time.Now()
	var expiresAt *time.Time
	if s.ttl > 0 {
		e := now.Add(s.ttl)
		expiresAt = &e
	}

	// #nosec G201 -- table is a fixed, compile-time-controlled identifier.
	query := fmt.Sprintf(`
		INSERT INTO %s (key, payload, fetched_at, expires_at, fetch_count)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (key) DO UPDATE SET
			payload = EXCLUDED.payload,
			fetched_at = EXCLUDED.fetched_at,
			expires_at = EXCLUDED.expires_at,
			fetch_count = %s.fetch_count + 1
		RETURNING fetch_count
	`, s.table, s.table)

	var fetchCount int
	if err := s.db.QueryRow(ctx, query, key, payload, now, expiresAt).Scan(&fetchCount); err != nil {
		return nil, apperr.Wrap(apperr.KindCacheUnavailable, "cache write failed", err)
	}

	e := &Entry{
		Key:        key,
		Payload:    payload,
		FetchedAt:  now,
		ExpiresAt:  timeOrZero(expiresAt),
		FetchCount: fetchCount,
	}
	if s.l1 != nil {
		s.l1.Set(e)
	}
	return e, nil
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// CountStale reports how many rows have an expiry older than olderThan,
// using the index on expires_at (spec.md §4.5's "secondary index on
// expiry" requirement). Permanent classes (ttl == 0) never have
// expires_at set, so this always returns 0 for the reports store.
//
// This is read-only by design: Details and Document-List Cache Entries
// are never explicitly deleted by the Query Service (spec.md §3) —
// expiry governs reads, not row lifetime, so a stale row must remain
// readable for the stale-while-revalidate path (spec.md §4.8 scenario 3)
// until a refresh overwrites it.
func (s *Store) CountStale(ctx context.Context, olderThan time.Time) (int, error) {
	// #nosec G201 -- table is a fixed, compile-time-controlled identifier.
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE expires_at IS NOT NULL AND expires_at < $1`, s.table)
	var n int
	if err := s.db.QueryRow(ctx, query, olderThan).Scan(&n); err != nil {
		return 0, apperr.Wrap(apperr.KindCacheUnavailable, "stale count query failed", err)
	}
	return n, nil
}

// Size returns the current row count, used by Observability's cache-size
// reporting in stats().
func (s *Store) Size(ctx context.Context) (int, error) {
	// #nosec G201 -- table is a fixed, compile-time-controlled identifier.
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)
	var n int
	if err := s.db.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, apperr.Wrap(apperr.KindCacheUnavailable, "cache size query failed", err)
	}
	return n, nil
}
