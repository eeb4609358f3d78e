package cache

import "time"

// Due reports whether a pointer re-check against the version store is due.
// A zero lastChecked (never checked) and a preceding failure both force an
// immediate re-check; otherwise the check is due once ttl has elapsed.
func Due(now, lastChecked time.Time, ttl time.Duration, lastFailed bool) bool {
	if lastFailed {
		return true
	}
	if lastChecked.IsZero() {
		return true
	}
	if ttl <= 0 {
		return true
	}
	return now.Sub(lastChecked) >= ttl
}
