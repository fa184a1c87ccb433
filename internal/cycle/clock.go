package cycle

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// DefaultZone is the display timezone used when none is configured.
const DefaultZone = "Europe/Moscow"

// TimeOfDay is a wall-clock time in the display timezone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("time of day %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("time of day %q: bad hour: %w", s, err)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("time of day %q: bad minute: %w", s, err)
	}
	t := TimeOfDay{Hour: h, Minute: m}
	if !t.Valid() {
		return TimeOfDay{}, fmt.Errorf("time of day %q: out of range", s)
	}
	return t, nil
}

func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour < 24 && t.Minute >= 0 && t.Minute < 60
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Date is a calendar date with no time or zone attached.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func (d Date) midnightUTC() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// AddDays returns the date n days later (n may be negative).
func (d Date) AddDays(n int) Date {
	t := time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC)
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// DaysSince returns the number of calendar days from o to d.
func (d Date) DaysSince(o Date) int {
	return int(d.midnightUTC().Sub(o.midnightUTC()).Hours() / 24)
}

// Weekday returns the day of week with Monday=0 ... Sunday=6.
func (d Date) Weekday() int {
	return (int(d.midnightUTC().Weekday()) + 6) % 7
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Clock converts between stored UTC instants and wall-clock values in the
// display timezone.
type Clock struct {
	loc *time.Location
}

func NewClock(name string) (*Clock, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return &Clock{loc: loc}, nil
}

// MustClock is like NewClock but panics on an unknown zone.
func MustClock(name string) *Clock {
	c, err := NewClock(name)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Clock) Location() *time.Location { return c.loc }

// ToLocal splits an instant into its display-zone date and time of day.
// Seconds are truncated.
func (c *Clock) ToLocal(t time.Time) (Date, TimeOfDay) {
	l := t.In(c.loc)
	return Date{Year: l.Year(), Month: l.Month(), Day: l.Day()}, TimeOfDay{Hour: l.Hour(), Minute: l.Minute()}
}

// ToUTC resolves a display-zone wall time to a UTC instant.
//
// Disambiguation is left to time.Date: a wall time inside a DST gap lands
// after the gap (02:30 becomes 03:30 on a one hour jump), and a wall time
// repeated by a fold resolves to one of its two instants.
func (c *Clock) ToUTC(d Date, at TimeOfDay) time.Time {
	return time.Date(d.Year, d.Month, d.Day, at.Hour, at.Minute, 0, 0, c.loc).UTC()
}
