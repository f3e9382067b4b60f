package queryservice

import "time"

// Config holds runtime configuration for the query service, grounded on
// cache-manager/service.go's Config shape.
type Config struct {
	BackgroundWorkers    int           // bounded worker-pool size for stale-while-revalidate refresh
	BackgroundQueueSize  int           // buffered refresh task queue capacity
	RefreshBound         time.Duration // bound on "within a bounded interval" (spec.md scenario 3)
	L1MaxEntries         int           // optional L1 front capacity per cache class, 0 disables it
}

// DefaultConfig returns the design defaults spec.md §9 assumes absent an
// explicit Open Question resolution.
func DefaultConfig() Config {
	return Config{
		BackgroundWorkers:   8,
		BackgroundQueueSize: 1000,
		RefreshBound:        5 * time.Second,
		L1MaxEntries:        1000,
	}
}
