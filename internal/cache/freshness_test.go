package cache

import (
	"testing"
	"time"
)

func TestDue(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	ttl := time.Hour

	cases := []struct {
		name        string
		lastChecked time.Time
		ttl         time.Duration
		lastFailed  bool
		want        bool
	}{
		{"never checked", time.Time{}, ttl, false, true},
		{"just checked", now.Add(-time.Second), ttl, false, false},
		{"within ttl", now.Add(-59 * time.Minute), ttl, false, false},
		{"exactly ttl", now.Add(-time.Hour), ttl, false, true},
		{"past ttl", now.Add(-2 * time.Hour), ttl, false, true},
		{"last attempt failed", now.Add(-time.Second), ttl, true, true},
		{"zero ttl", now.Add(-time.Second), 0, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Due(now, tc.lastChecked, tc.ttl, tc.lastFailed); got != tc.want {
				t.Fatalf("Due()=%v, want %v", got, tc.want)
			}
		})
	}
}
