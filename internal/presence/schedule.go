package presence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidTimeOfDay = errors.New("presence: invalid time of day")

// TimeOfDay is minutes since local midnight, 0..1439.
type TimeOfDay int

// ParseTimeOfDay accepts "HH:MM" in 24h form.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(hh) == 0 || len(hh) > 2 || len(mm) != 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	return TimeOfDay(h*60 + m), nil
}

func MustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// DayHours is one weekday's opening interval [Start, End).
// End before Start runs past midnight into the following day; Start == End is closed.
type DayHours struct {
	Weekday time.Weekday `json:"weekday"`
	Start   TimeOfDay    `json:"start"`
	End     TimeOfDay    `json:"end"`
	Enabled bool         `json:"enabled"`
}

func (d DayHours) wraps() bool { return d.End < d.Start }

// Schedule is a business's weekly opening hours in its own location.
type Schedule struct {
	Location *time.Location
	Days     []DayHours
}

func (s Schedule) loc() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

// Open reports whether now falls inside an enabled interval, evaluated in the
// schedule's location.
func (s Schedule) Open(now time.Time) bool {
	local := now.In(s.loc())
	minute := TimeOfDay(local.Hour()*60 + local.Minute())
	today := local.Weekday()
	yesterday := (today + 6) % 7

	for _, d := range s.Days {
		if !d.Enabled || d.Start == d.End {
			continue
		}
		switch {
		case d.Weekday == today && !d.wraps():
			if minute >= d.Start && minute < d.End {
				return true
			}
		case d.Weekday == today && d.wraps():
			if minute >= d.Start {
				return true
			}
		}
		if d.Weekday == yesterday && d.wraps() && minute < d.End {
			return true
		}
	}
	return false
}

// Validate rejects out-of-range times and duplicate weekdays.
func (s Schedule) Validate() error {
	seen := map[time.Weekday]bool{}
	for _, d := range s.Days {
		if d.Weekday < time.Sunday || d.Weekday > time.Saturday {
			return fmt.Errorf("presence: invalid weekday %d", d.Weekday)
		}
		if seen[d.Weekday] {
			return fmt.Errorf("presence: duplicate hours for %s", d.Weekday)
		}
		seen[d.Weekday] = true
		if d.Start < 0 || d.Start >= 24*60 || d.End < 0 || d.End >= 24*60 {
			return fmt.Errorf("%w: %s", ErrInvalidTimeOfDay, d.Weekday)
		}
	}
	return nil
}

// DefaultSchedule is what a newly registered business starts with:
// weekdays 09:00-20:00, Saturday 10:00-16:00, Sunday closed.
func DefaultSchedule(loc *time.Location) Schedule {
	days := make([]DayHours, 0, 7)
	for wd := time.Monday; wd <= time.Friday; wd++ {
		days = append(days, DayHours{Weekday: wd, Start: MustTimeOfDay("09:00"), End: MustTimeOfDay("20:00"), Enabled: true})
	}
	days = append(days,
		DayHours{Weekday: time.Saturday, Start: MustTimeOfDay("10:00"), End: MustTimeOfDay("16:00"), Enabled: true},
		DayHours{Weekday: time.Sunday, Start: MustTimeOfDay("10:00"), End: MustTimeOfDay("16:00"), Enabled: false},
	)
	return Schedule{Location: loc, Days: days}
}
