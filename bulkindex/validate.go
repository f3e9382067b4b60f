package bulkindex

import (
	"strings"
	"unicode"

	"encore.app/apperr"
)

const (
	identifierLength = 10
	maxQueryLength   = 200
)

// ValidateIdentifier enforces the registry identifier invariant (spec.md
// §3): exactly ten decimal digits.
func ValidateIdentifier(identifier string) error {
	if len(identifier) != identifierLength {
		return apperr.New(apperr.KindValidation, "identifier must be exactly 10 digits")
	}
	for _, r := range identifier {
		if r < '0' || r > '9' {
			return apperr.New(apperr.KindValidation, "identifier must contain only decimal digits")
		}
	}
	return nil
}

// forbiddenQuerySubstrings rejects SQL meta-character sequences and
// script/event-handler sequences (spec.md §4.6), checked case-insensitively.
// The trigram query already binds q as a parameter rather than interpolating
// it, so these can't actually reach the database unescaped; the check exists
// so a caller embedding the raw search text elsewhere (e.g. in a UI) doesn't
// inherit an XSS or SQL-injection-shaped string that passed validation here.
var forbiddenQuerySubstrings = []string{
	"--", "/*", "*/", ";",
	"<script", "javascript:", "onerror=", "onload=",
}

// SanitizeQuery trims and validates free-text search input, rejecting
// control characters, SQL meta-characters, and script/event-handler
// sequences (which have no legitimate place in a search term), and
// enforcing the length bound.
func SanitizeQuery(q string) (string, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return "", apperr.New(apperr.KindValidation, "search text must not be empty")
	}
	if len(q) > maxQueryLength {
		return "", apperr.New(apperr.KindValidation, "search text exceeds maximum length")
	}
	for _, r := range q {
		if unicode.IsControl(r) {
			return "", apperr.New(apperr.KindValidation, "search text contains control characters")
		}
		switch r {
		case '\'', '"', '<', '>':
			return "", apperr.New(apperr.KindValidation, "search text contains a disallowed character")
		}
	}
	lower := strings.ToLower(q)
	for _, bad := range forbiddenQuerySubstrings {
		if strings.Contains(lower, bad) {
			return "", apperr.New(apperr.KindValidation, "search text contains a disallowed sequence")
		}
	}
	return q, nil
}

// ValidateLimit enforces spec.md §8's search result-count bound.
func ValidateLimit(limit int) error {
	if limit <= 0 || limit > 100 {
		return apperr.New(apperr.KindValidation, "limit must be between 1 and 100")
	}
	return nil
}
