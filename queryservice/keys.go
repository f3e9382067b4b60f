package queryservice

import (
	"strconv"

	"encore.app/coordinator"
)

// cacheKey mirrors coordinator.Key's tuple encoding for Cache Store reads,
// keeping the two key spaces in lockstep even though they're separate maps
// (singleflight's in-memory group vs. Postgres primary keys).
func cacheKey(class coordinator.Class, identifier string, parts ...string) string {
	return coordinator.Key(class, identifier, parts...)
}

func reportKey(identifier string, year int) string {
	return cacheKey(coordinator.ClassReport, identifier, strconv.Itoa(year))
}
