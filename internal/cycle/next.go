// Package cycle computes delivery instants for slots that repeat on a
// multi-week cycle: a slot is a week index inside the cycle, a weekday and a
// wall-clock time in the display timezone.
package cycle

import (
	"errors"
	"fmt"
	"time"
)

// MaxWeeks is the longest cycle a channel may configure.
const MaxWeeks = 52

// Cycle describes one recurring slot. Weeks and Start belong to the channel,
// the rest to the post.
type Cycle struct {
	Weeks       int
	Start       time.Time
	WeekInCycle int
	Weekday     int // Monday=0
	At          TimeOfDay
}

// ClampWeeks bounds a configured cycle length to [1, MaxWeeks].
func ClampWeeks(w int) int {
	if w < 1 {
		return 1
	}
	if w > MaxWeeks {
		return MaxWeeks
	}
	return w
}

// Validate reports slot fields that could not have been authored through a
// channel of c.Weeks weeks. Next accepts invalid input anyway.
func Validate(c Cycle) error {
	var errs []error
	if c.Weeks < 1 || c.Weeks > MaxWeeks {
		errs = append(errs, fmt.Errorf("cycle weeks %d not in [1,%d]", c.Weeks, MaxWeeks))
	}
	if c.WeekInCycle < 0 || (c.Weeks >= 1 && c.WeekInCycle >= c.Weeks) {
		errs = append(errs, fmt.Errorf("week in cycle %d not in [0,%d)", c.WeekInCycle, c.Weeks))
	}
	if c.Weekday < 0 || c.Weekday > 6 {
		errs = append(errs, fmt.Errorf("weekday %d not in [0,6]", c.Weekday))
	}
	if !c.At.Valid() {
		errs = append(errs, fmt.Errorf("time of day %s out of range", c.At))
	}
	return errors.Join(errs...)
}

// Next returns the earliest slot occurrence strictly after now.
//
// Week indexes are counted in whole calendar weeks from the local date of
// c.Start; the stored week index is taken modulo the current cycle length so
// a channel that shrinks its cycle keeps scheduling old posts.
func Next(now time.Time, c Cycle, clk *Clock) time.Time {
	weeks := c.Weeks
	if weeks < 1 {
		weeks = 1
	}
	week := mod(c.WeekInCycle, weeks)
	weekday := mod(c.Weekday, 7)

	nowDate, _ := clk.ToLocal(now)
	startDate, _ := clk.ToLocal(c.Start)
	fromStart := floorDiv(nowDate.DaysSince(startDate), 7)

	// Two full cycles hold every week index twice, so a partial current
	// week can never hide the answer.
	for k := 0; k < 2*weeks; k++ {
		offset := fromStart + k
		if mod(offset, weeks) != week {
			continue
		}
		cand := clk.ToUTC(slotDate(startDate, offset, weekday), c.At)
		if cand.After(now) {
			return cand
		}
	}

	offset := (floorDiv(fromStart, weeks)+1)*weeks + week
	cand := clk.ToUTC(slotDate(startDate, offset, weekday), c.At)
	for !cand.After(now) {
		offset += weeks
		cand = clk.ToUTC(slotDate(startDate, offset, weekday), c.At)
	}
	return cand
}

func slotDate(start Date, offset, weekday int) Date {
	base := start.AddDays(7 * offset)
	return base.AddDays(mod(weekday-base.Weekday(), 7))
}

func mod(a, n int) int {
	return ((a % n) + n) % n
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
