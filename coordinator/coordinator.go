// Package coordinator implements the Singleflight Coordinator (C7): it
// ensures at most one in-flight upstream fetch per key, grounded on
// warming/service.go's "deduper singleflight.Group" field.
package coordinator

import (
	"golang.org/x/sync/singleflight"
)

// Class names the operation a key belongs to, so that "details:X" and
// "documents:X" never collide even for the same identifier.
type Class string

const (
	ClassDetails   Class = "details"
	ClassDocuments Class = "documents"
	ClassReport    Class = "report"
)

// Coordinator deduplicates concurrent callers requesting the same
// (class, identifier[, year]) tuple into a single upstream fetch.
type Coordinator struct {
	group singleflight.Group
}

// New returns a ready-to-use Coordinator.
func New() *Coordinator {
	return &Coordinator{}
}

// Key encodes the tuple scope spec.md §4.7 requires into a single string,
// e.g. "details:5560001712" or "report:5560001712:2023".
func Key(class Class, identifier string, parts ...string) string {
	k := string(class) + ":" + identifier
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// Do joins the caller onto any in-flight fetch for key, or starts one by
// invoking fn. Every caller sees the same (value, error); shared is true
// whenever the result went to more than one caller, including for the
// caller that started the fetch.
func (c *Coordinator) Do(key string, fn func() (any, error)) (value any, shared bool, err error) {
	return c.group.Do(key, fn)
}

// Forget drops key from the in-flight map, so the next call for key
// invokes fn again instead of joining a fetch that is still in flight.
func (c *Coordinator) Forget(key string) {
	c.group.Forget(key)
}
