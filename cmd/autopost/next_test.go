package main

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestPrintNext(t *testing.T) {
	var b strings.Builder
	err := printNext(&b, nextArgs{
		Weeks:   2,
		Start:   "2024-01-01",
		Week:    1,
		Weekday: 2,
		At:      "09:00",
		Now:     "2024-01-01T07:00:00Z",
		Zone:    "Europe/Moscow",
		Count:   3,
	}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	want := strings.Join([]string{
		"Wed 2024-01-10 09:00 MSK\t2024-01-10T06:00:00Z",
		"Wed 2024-01-24 09:00 MSK\t2024-01-24T06:00:00Z",
		"Wed 2024-02-07 09:00 MSK\t2024-02-07T06:00:00Z",
	}, "\n") + "\n"
	if diff := cmp.Diff(want, b.String()); diff != "" {
		t.Errorf("printNext (-want +got):\n%s", diff)
	}
}

func TestPrintNextErrors(t *testing.T) {
	base := nextArgs{Weeks: 1, At: "09:00", Zone: "Europe/Moscow", Count: 1}
	tests := map[string]func(*nextArgs){
		"zone":    func(a *nextArgs) { a.Zone = "Nowhere/City" },
		"time":    func(a *nextArgs) { a.At = "9" },
		"now":     func(a *nextArgs) { a.Now = "yesterday" },
		"start":   func(a *nextArgs) { a.Start = "01/02/2024" },
		"week":    func(a *nextArgs) { a.Week = 3 },
		"weekday": func(a *nextArgs) { a.Weekday = 9 },
	}
	for name, mutate := range tests {
		a := base
		mutate(&a)
		if err := printNext(&strings.Builder{}, a, time.Now()); err == nil {
			t.Errorf("%s: want error", name)
		}
	}
}
