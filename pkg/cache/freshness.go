package cache

import "time"

// IsStale reports whether e has outlived its TTL at now.
// An entry with a zero TTL is stale as soon as any time has passed.
func IsStale(e *Entry, now time.Time) bool {
	return now.Sub(e.InsertedAt) > e.TTL()
}
