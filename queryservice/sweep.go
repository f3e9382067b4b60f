package queryservice

import (
	"context"

	"encore.dev/cron"
)

// Periodic stale-entry accounting for the non-permanent cache classes,
// grounded on warming/cron.go's cron.NewJob + private-endpoint convention.
// Runs hourly. Details and Document-List Cache Entries are never
// explicitly deleted (spec.md §3: "never explicitly deleted by the core —
// expiry governs reads"), so this only counts stale rows for the
// stale_entries_gauge metric; it never removes anything.
var _ = cron.NewJob("cache-staleness-report", cron.JobConfig{
	Title:    "Cache Staleness Report",
	Schedule: "0 * * * *",
	Endpoint: ReportStaleEntries,
})

//encore:api private
func ReportStaleEntries(ctx context.Context) error {
	if svc == nil {
		return nil
	}
	n, err := svc.stores.CountStale(ctx)
	if err != nil {
		return err
	}
	svc.metrics.SetStaleEntries(n)
	return nil
}
