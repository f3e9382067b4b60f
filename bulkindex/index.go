// Package bulkindex implements the Bulk Index (C6): a read-only local
// search index over pre-loaded registry records, grounded on
// invalidation/audit.go's sqldb usage for the schema/query shape and on
// pkg/utils/pattern.go for the validation style. Unlike Cache Store, this
// index is never written by the core — rows arrive via an out-of-scope
// import pipeline (spec.md §3) — so Index exposes only lookup and search.
package bulkindex

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"encore.dev/storage/sqldb"

	"encore.app/apperr"
)

var db = sqldb.Named("bulkindex")

// Record is an immutable registry snapshot row (spec.md §3).
type Record struct {
	Identifier         string     `json:"identifier"`
	DisplayName        string     `json:"display_name"`
	Form               string     `json:"form"`
	RegistrationDate   time.Time  `json:"registration_date"`
	DeregistrationDate *time.Time `json:"deregistration_date,omitempty"`
	Description        string     `json:"description,omitempty"`
	Address            string     `json:"address,omitempty"`
}

// Index is the read-only handle over the registry_records table.
type Index struct {
	db *sqldb.Database
}

// New opens the bulk index against the shared database, ensuring the
// schema and its indices exist.
func New(ctx context.Context) (*Index, error) {
	idx := &Index{db: db}
	if err := idx.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) ensureSchema(ctx context.Context) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS pg_trgm;

		CREATE TABLE IF NOT EXISTS registry_records (
			identifier TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			form TEXT NOT NULL,
			registration_date DATE NOT NULL,
			deregistration_date DATE,
			description TEXT,
			address TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_registry_records_name_trgm
		ON registry_records USING GIN (display_name gin_trgm_ops);

		CREATE INDEX IF NOT EXISTS idx_registry_records_active
		ON registry_records (display_name) WHERE deregistration_date IS NULL;

		CREATE INDEX IF NOT EXISTS idx_registry_records_form_active
		ON registry_records (form, deregistration_date);

		CREATE INDEX IF NOT EXISTS idx_registry_records_regdate_active
		ON registry_records (registration_date, deregistration_date);
	`
	_, err := idx.db.Exec(ctx, query)
	return err
}

// Lookup performs an exact primary-key read, intended < 50ms (spec.md
// §4.6). Returns (nil, nil) if absent.
func (idx *Index) Lookup(ctx context.Context, identifier string) (*Record, error) {
	if err := ValidateIdentifier(identifier); err != nil {
		return nil, err
	}

	row := idx.db.QueryRow(ctx, `
		SELECT identifier, display_name, form, registration_date, deregistration_date, description, address
		FROM registry_records WHERE identifier = $1
	`, identifier)

	return scanRecord(row)
}

// Search performs a case-insensitive fuzzy match over display_name,
// ordered by trigram relevance then by the tie-break rules of spec.md
// §4.6 (name, then registration date descending, then identifier
// ascending).
func (idx *Index) Search(ctx context.Context, text string, limit int) ([]Record, error) {
	text, err := SanitizeQuery(text)
	if err != nil {
		return nil, err
	}
	if err := ValidateLimit(limit); err != nil {
		return nil, err
	}

	rows, err := idx.db.Query(ctx, `
		SELECT identifier, display_name, form, registration_date, deregistration_date, description, address
		FROM registry_records
		WHERE display_name % $1 OR similarity(display_name, $1) > 0.1
		ORDER BY similarity(display_name, $1) DESC, display_name ASC,
			registration_date DESC NULLS LAST, identifier ASC
		LIMIT $2
	`, text, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCacheUnavailable, "bulk index search failed", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecordRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindCacheUnavailable, "bulk index search failed", err)
	}
	return out, nil
}

// scanner is satisfied by both *sqldb.Row and *sqldb.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	r, err := scanRecordRows(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

func scanRecordRows(row scanner) (*Record, error) {
	var r Record
	var deregistration sql.NullTime
	var description, address sql.NullString

	if err := row.Scan(&r.Identifier, &r.DisplayName, &r.Form, &r.RegistrationDate,
		&deregistration, &description, &address); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.KindCacheUnavailable, "bulk index read failed", err)
	}
	if deregistration.Valid {
		r.DeregistrationDate = &deregistration.Time
	}
	r.Description = description.String
	r.Address = address.String
	return &r, nil
}
