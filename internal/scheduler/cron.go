// Package scheduler runs periodic gateway jobs (health probes, audit
// retention) with per-category concurrency caps and an optional cross-process
// file lock.
package scheduler

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Schedule yields the next run time strictly after t.
type Schedule interface {
	Next(t time.Time) time.Time
}

// Every runs at a fixed interval measured from the previous run.
type Every time.Duration

func (e Every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

func (e Every) String() string { return "@every " + time.Duration(e).String() }

// CronExpr is a parsed 5-field cron expression:
// minute, hour, day-of-month, month, day-of-week.
type CronExpr struct {
	Minute     []int
	Hour       []int
	DayOfMonth []int
	Month      []int
	DayOfWeek  []int
	src        string
}

func (c *CronExpr) String() string { return c.src }

var descriptors = map[string]string{
	"@hourly":   "0 * * * *",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@weekly":   "0 0 * * 0",
	"@monthly":  "0 0 1 * *",
}

// ParseSchedule accepts a 5-field cron expression, one of the descriptors
// @hourly, @daily, @midnight, @weekly, @monthly, or "@every <duration>".
func ParseSchedule(spec string) (Schedule, error) {
	spec = strings.TrimSpace(spec)
	if rest, ok := strings.CutPrefix(spec, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("schedule: invalid interval %q", rest)
		}
		return Every(d), nil
	}
	if expr, ok := descriptors[spec]; ok {
		c, err := ParseCron(expr)
		if err != nil {
			return nil, err
		}
		c.src = spec
		return c, nil
	}
	return ParseCron(spec)
}

// fieldBounds lists the valid range of each cron field in order.
var fieldBounds = [5]struct {
	name     string
	min, max int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// ParseCron parses a standard 5-field cron expression.
// Each field accepts *, */N, N, N-M, N-M/S and comma-separated lists of those.
func ParseCron(expr string) (*CronExpr, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron: expected 5 fields, got %d", len(fields))
	}
	var sets [5][]int
	for i, f := range fields {
		b := fieldBounds[i]
		vals, err := parseField(f, b.min, b.max)
		if err != nil {
			return nil, fmt.Errorf("cron: %s: %w", b.name, err)
		}
		sets[i] = vals
	}
	return &CronExpr{
		Minute:     sets[0],
		Hour:       sets[1],
		DayOfMonth: sets[2],
		Month:      sets[3],
		DayOfWeek:  sets[4],
		src:        strings.Join(fields, " "),
	}, nil
}

// Matches reports whether t falls within the expression, at minute resolution.
func (c *CronExpr) Matches(t time.Time) bool {
	return slices.Contains(c.Minute, t.Minute()) &&
		slices.Contains(c.Hour, t.Hour()) &&
		slices.Contains(c.DayOfMonth, t.Day()) &&
		slices.Contains(c.Month, int(t.Month())) &&
		slices.Contains(c.DayOfWeek, int(t.Weekday()))
}

// Next returns the first matching minute after t. It gives up after two years
// and returns the zero time.
func (c *CronExpr) Next(t time.Time) time.Time {
	cand := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(2, 0, 0)
	loc := cand.Location()

	for cand.Before(limit) {
		switch {
		case !slices.Contains(c.Month, int(cand.Month())):
			cand = time.Date(cand.Year(), cand.Month()+1, 1, 0, 0, 0, 0, loc)
		case !slices.Contains(c.DayOfMonth, cand.Day()) || !slices.Contains(c.DayOfWeek, int(cand.Weekday())):
			cand = time.Date(cand.Year(), cand.Month(), cand.Day()+1, 0, 0, 0, 0, loc)
		case !slices.Contains(c.Hour, cand.Hour()):
			cand = time.Date(cand.Year(), cand.Month(), cand.Day(), cand.Hour()+1, 0, 0, 0, loc)
		case !slices.Contains(c.Minute, cand.Minute()):
			cand = cand.Add(time.Minute)
		default:
			return cand
		}
	}
	return time.Time{}
}

func parseField(field string, min, max int) ([]int, error) {
	var out []int
	for _, part := range strings.Split(field, ",") {
		lo, hi, step := min, max, 1

		rng, stepStr, hasStep := strings.Cut(part, "/")
		if hasStep {
			s, err := strconv.Atoi(stepStr)
			if err != nil || s <= 0 {
				return nil, fmt.Errorf("invalid step %q", part)
			}
			step = s
		}

		switch {
		case rng == "*":
		case strings.Contains(rng, "-"):
			a, b, _ := strings.Cut(rng, "-")
			var err error
			if lo, err = strconv.Atoi(a); err != nil {
				return nil, fmt.Errorf("invalid range start %q", a)
			}
			if hi, err = strconv.Atoi(b); err != nil {
				return nil, fmt.Errorf("invalid range end %q", b)
			}
			if lo < min || hi > max || lo > hi {
				return nil, fmt.Errorf("range %d-%d out of bounds [%d,%d]", lo, hi, min, max)
			}
		default:
			if hasStep {
				return nil, fmt.Errorf("step needs a range in %q", part)
			}
			v, err := strconv.Atoi(rng)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q", rng)
			}
			if v < min || v > max {
				return nil, fmt.Errorf("value %d out of bounds [%d,%d]", v, min, max)
			}
			lo, hi = v, v
		}

		for v := lo; v <= hi; v += step {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}
