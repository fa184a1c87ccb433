package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli"

	"autopost/internal/cycle"
)

type nextArgs struct {
	Weeks   int
	Start   string
	Week    int
	Weekday int
	At      string
	Now     string
	Zone    string
	Count   int
}

var nextOpts nextArgs

var nextFlags = []cli.Flag{
	cli.IntFlag{Name: "weeks", Value: 1, Usage: "cycle length in weeks (1-52)", Destination: &nextOpts.Weeks},
	cli.StringFlag{Name: "start", Usage: "cycle start, RFC 3339 or YYYY-MM-DD in the display zone (default: now)", Destination: &nextOpts.Start},
	cli.IntFlag{Name: "week", Usage: "week index inside the cycle, from 0", Destination: &nextOpts.Week},
	cli.IntFlag{Name: "weekday", Usage: "weekday, 0 is Monday", Destination: &nextOpts.Weekday},
	cli.StringFlag{Name: "at", Value: "09:00", Usage: "time of day HH:MM in the display zone", Destination: &nextOpts.At},
	cli.StringFlag{Name: "now", Usage: "compute from this instant, RFC 3339 (default: now)", Destination: &nextOpts.Now},
	cli.StringFlag{Name: "tz", Value: cycle.DefaultZone, Usage: "display timezone", Destination: &nextOpts.Zone},
	cli.IntFlag{Name: "count, n", Value: 1, Usage: "number of occurrences to print", Destination: &nextOpts.Count},
}

func next(c *cli.Context) error {
	return printNext(os.Stdout, nextOpts, time.Now())
}

func printNext(w io.Writer, a nextArgs, wall time.Time) error {
	clk, err := cycle.NewClock(a.Zone)
	if err != nil {
		return err
	}
	at, err := cycle.ParseTimeOfDay(a.At)
	if err != nil {
		return err
	}
	now := wall
	if a.Now != "" {
		if now, err = time.Parse(time.RFC3339, a.Now); err != nil {
			return fmt.Errorf("--now: %w", err)
		}
	}
	start := now
	if a.Start != "" {
		if start, err = parseStart(a.Start, clk); err != nil {
			return fmt.Errorf("--start: %w", err)
		}
	}
	c := cycle.Cycle{Weeks: a.Weeks, Start: start, WeekInCycle: a.Week, Weekday: a.Weekday, At: at}
	if err := cycle.Validate(c); err != nil {
		return err
	}
	count := a.Count
	if count < 1 {
		count = 1
	}
	for i := 0; i < count; i++ {
		now = cycle.Next(now, c, clk)
		fmt.Fprintf(w, "%s\t%s\n", now.In(clk.Location()).Format("Mon 2006-01-02 15:04 MST"), now.UTC().Format(time.RFC3339))
	}
	return nil
}

func parseStart(s string, clk *cycle.Clock) (time.Time, error) {
	if strings.Contains(s, "T") {
		return time.Parse(time.RFC3339, s)
	}
	t, err := time.ParseInLocation("2006-01-02", s, clk.Location())
	if err != nil {
		return time.Time{}, errors.New("want RFC 3339 or YYYY-MM-DD")
	}
	return t, nil
}
