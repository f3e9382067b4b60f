package queryservice

import (
	"testing"
	"time"

	"encore.app/apperr"
	"encore.app/upstream"
)

func mustParse(t *testing.T, layout, value string) time.Time {
	t.Helper()
	tm, err := time.Parse(layout, value)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	return tm
}

func sampleDocs(t *testing.T) []upstream.DocumentDescriptor {
	return []upstream.DocumentDescriptor{
		{DocumentID: "d2022", ReportingPeriodEnd: mustParse(t, "2006-01-02", "2022-12-31"), RegisteredAt: mustParse(t, time.RFC3339, "2023-02-01T00:00:00Z")},
		{DocumentID: "d2023a", ReportingPeriodEnd: mustParse(t, "2006-01-02", "2023-12-31"), RegisteredAt: mustParse(t, time.RFC3339, "2024-02-01T00:00:00Z")},
		{DocumentID: "d2023b", ReportingPeriodEnd: mustParse(t, "2006-01-02", "2023-12-31"), RegisteredAt: mustParse(t, time.RFC3339, "2024-01-01T00:00:00Z")},
	}
}

func TestSelectDocumentLatestWhenYearOmitted(t *testing.T) {
	doc, year, err := selectDocument(sampleDocs(t), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if year != 2023 {
		t.Fatalf("expected latest year 2023, got %d", year)
	}
	if doc.DocumentID != "d2023a" {
		t.Fatalf("expected tie broken by latest registration, got %s", doc.DocumentID)
	}
}

func TestSelectDocumentExplicitYear(t *testing.T) {
	year := 2022
	doc, got, err := selectDocument(sampleDocs(t), &year)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 2022 || doc.DocumentID != "d2022" {
		t.Fatalf("unexpected selection: year=%d doc=%s", got, doc.DocumentID)
	}
}

func TestSelectDocumentNoMatchingYearIsNotFound(t *testing.T) {
	year := 2019
	_, _, err := selectDocument(sampleDocs(t), &year)
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestSelectDocumentEmptyListIsNotFound(t *testing.T) {
	_, _, err := selectDocument(nil, nil)
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
