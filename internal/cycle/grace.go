package cycle

import "time"

// Grace fires a slot shortly after it is configured when its time of day
// passed moments ago, instead of waiting for the next occurrence.
type Grace struct {
	// Window is how far in the past today's slot may lie. Zero disables.
	Window time.Duration
	// Delay is added to now when the rule applies.
	Delay time.Duration
}

func DefaultGrace() Grace {
	return Grace{Window: 15 * time.Minute, Delay: 30 * time.Second}
}

// Apply returns now+Delay if today is the slot's weekday and its time of day
// lies within the last Window, otherwise next.
func (g Grace) Apply(now, next time.Time, weekday int, at TimeOfDay, clk *Clock) time.Time {
	if g.Window <= 0 {
		return next
	}
	today, _ := clk.ToLocal(now)
	if today.Weekday() != mod(weekday, 7) {
		return next
	}
	slot := clk.ToUTC(today, at)
	if now.Before(slot) || now.Sub(slot) > g.Window {
		return next
	}
	return now.Add(g.Delay)
}
