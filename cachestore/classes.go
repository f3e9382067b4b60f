package cachestore

import (
	"context"
	"time"

	"encore.dev/storage/sqldb"
)

// Default TTLs per spec.md §3's three cache classes.
const (
	DetailsTTL   = 30 * 24 * time.Hour
	DocumentsTTL = 7 * 24 * time.Hour
)

var db = sqldb.Named("cachestore")

// Stores bundles the three class-scoped tables behind one handle, wired
// once at service init and threaded into Query Service.
type Stores struct {
	Details   *Store
	Documents *Store
	Reports   *Store
}

// NewStores opens all three cache tables against the shared cachestore
// database, failing fast if any schema cannot be established. l1MaxEntries
// is the capacity of the optional in-process L1 front each class gets its
// own instance of (0 disables it).
func NewStores(ctx context.Context, l1MaxEntries int) (*Stores, error) {
	details, err := NewStore(ctx, db, "cache_details", DetailsTTL, l1MaxEntries)
	if err != nil {
		return nil, err
	}
	documents, err := NewStore(ctx, db, "cache_documents", DocumentsTTL, l1MaxEntries)
	if err != nil {
		return nil, err
	}
	reports, err := NewStore(ctx, db, "cache_reports", 0, l1MaxEntries) // permanent class
	if err != nil {
		return nil, err
	}
	return &Stores{Details: details, Documents: documents, Reports: reports}, nil
}

// CountStale reports the number of stale (expired but not yet refreshed)
// rows across the non-permanent classes, intended to be invoked from an
// Encore cron job (queryservice/sweep.go) purely for observability — it
// never deletes anything (spec.md §3).
func (s *Stores) CountStale(ctx context.Context) (int, error) {
	now := time.Now()
	n1, err := s.Details.CountStale(ctx, now)
	if err != nil {
		return n1, err
	}
	n2, err := s.Documents.CountStale(ctx, now)
	if err != nil {
		return n1 + n2, err
	}
	return n1 + n2, nil
}
