package queryservice

import (
	"testing"

	"encore.app/coordinator"
)

func TestCacheKeyMatchesCoordinatorEncoding(t *testing.T) {
	if got := cacheKey(coordinator.ClassDetails, "5560001712"); got != "details:5560001712" {
		t.Fatalf("unexpected key: %q", got)
	}
}

func TestReportKeyIncludesYear(t *testing.T) {
	if got := reportKey("5560001712", 2023); got != "report:5560001712:2023" {
		t.Fatalf("unexpected key: %q", got)
	}
}
