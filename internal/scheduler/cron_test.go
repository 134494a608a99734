package scheduler

import (
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	valid := []string{
		"* * * * *",
		"*/5 * * * *",
		"0 0 * * *",
		"30 4 1,15 * *",
		"0-30/5 9-17 * * 1-5",
	}
	for _, expr := range valid {
		if _, err := ParseCron(expr); err != nil {
			t.Errorf("ParseCron(%q): %v", expr, err)
		}
	}

	invalid := []string{
		"",
		"* * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"*/0 * * * *",
		"5/2 * * * *",
		"10-5 * * * *",
		"abc * * * *",
	}
	for _, expr := range invalid {
		if _, err := ParseCron(expr); err == nil {
			t.Errorf("ParseCron(%q) should fail", expr)
		}
	}
}

func TestCronFieldsSortedAndDeduplicated(t *testing.T) {
	c, err := ParseCron("30,0-10/5,5 * * * *")
	if err != nil {
		t.Fatal(err)
	}
	want := []int{0, 5, 10, 30}
	if len(c.Minute) != len(want) {
		t.Fatalf("Minute = %v, want %v", c.Minute, want)
	}
	for i := range want {
		if c.Minute[i] != want[i] {
			t.Fatalf("Minute = %v, want %v", c.Minute, want)
		}
	}
}

func TestCronMatches(t *testing.T) {
	tests := []struct {
		expr string
		at   time.Time
		want bool
	}{
		{"*/5 * * * *", time.Date(2026, 2, 15, 10, 15, 0, 0, time.UTC), true},
		{"*/5 * * * *", time.Date(2026, 2, 15, 10, 13, 0, 0, time.UTC), false},
		{"0-30/5 9-17 * * 1-5", time.Date(2026, 2, 16, 10, 15, 0, 0, time.UTC), true},  // Monday
		{"0-30/5 9-17 * * 1-5", time.Date(2026, 2, 14, 10, 15, 0, 0, time.UTC), false}, // Saturday
		{"30 4 1,15 * *", time.Date(2026, 3, 15, 4, 30, 0, 0, time.UTC), true},
		{"30 4 1,15 * *", time.Date(2026, 3, 2, 4, 30, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		c, err := ParseCron(tt.expr)
		if err != nil {
			t.Fatal(err)
		}
		if got := c.Matches(tt.at); got != tt.want {
			t.Errorf("%q.Matches(%v) = %v, want %v", tt.expr, tt.at, got, tt.want)
		}
	}
}

func TestScheduleNext(t *testing.T) {
	base := time.Date(2026, 2, 15, 23, 59, 30, 0, time.UTC)
	tests := []struct {
		spec string
		want time.Time
	}{
		{"* * * * *", time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC)},
		{"@daily", time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC)},
		{"@hourly", time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC)},
		{"@monthly", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"0 3 * * *", time.Date(2026, 2, 16, 3, 0, 0, 0, time.UTC)},
		{"@every 45s", base.Add(45 * time.Second)},
	}
	for _, tt := range tests {
		s, err := ParseSchedule(tt.spec)
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tt.spec, err)
		}
		if got := s.Next(base); !got.Equal(tt.want) {
			t.Errorf("%q.Next = %v, want %v", tt.spec, got, tt.want)
		}
	}

	for _, bad := range []string{"@every", "@every -1s", "@yearly-ish", "@every soon"} {
		if _, err := ParseSchedule(bad); err == nil {
			t.Errorf("ParseSchedule(%q) should fail", bad)
		}
	}
}
