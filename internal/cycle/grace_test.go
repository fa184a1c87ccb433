package cycle

import (
	"testing"
	"time"
)

func TestGraceApply(t *testing.T) {
	g := DefaultGrace()
	// Wednesday 2024-01-03.
	now := msk(2024, 1, 3, 12, 10)
	next := msk(2024, 1, 10, 12, 0)

	tests := []struct {
		name    string
		g       Grace
		weekday int
		at      TimeOfDay
		want    time.Time
	}{
		{"ten minutes ago", g, 2, TimeOfDay{12, 0}, now.Add(30 * time.Second)},
		{"exactly at window edge", g, 2, TimeOfDay{11, 55}, now.Add(30 * time.Second)},
		{"just now", g, 2, TimeOfDay{12, 10}, now.Add(30 * time.Second)},
		{"outside window", g, 2, TimeOfDay{11, 54}, next},
		{"later today", g, 2, TimeOfDay{12, 11}, next},
		{"other weekday", g, 3, TimeOfDay{12, 0}, next},
		{"disabled", Grace{}, 2, TimeOfDay{12, 0}, next},
		{"custom delay", Grace{Window: time.Hour, Delay: time.Minute}, 2, TimeOfDay{11, 30}, now.Add(time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.g.Apply(now, next, tt.weekday, tt.at, moscow)
			if !got.Equal(tt.want) {
				t.Errorf("Apply(%v, %v, %d, %s) = %v, want %v", now, next, tt.weekday, tt.at, got, tt.want)
			}
		})
	}
}
