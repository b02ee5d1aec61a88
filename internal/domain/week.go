package domain

import (
	"fmt"
	"strings"
	"time"
)

const weekLayout = "2006-01-02"

// Years outside this range are treated as unmappable timestamps.
const (
	minWeekYear = 1900
	maxWeekYear = 2199
)

// WeekKey identifies an epidemiological week by its first day, stored at UTC midnight.
type WeekKey struct {
	start time.Time
}

// WeekKeyFromDate returns the WeekKey whose start is the calendar date of t.
// It does not align t to a week boundary; use [Calendar.WeekOf] for that.
func WeekKeyFromDate(t time.Time) WeekKey {
	return WeekKey{start: time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)}
}

// Time returns the week start at UTC midnight.
func (w WeekKey) Time() time.Time { return w.start }

// IsZero reports whether w is the zero WeekKey.
func (w WeekKey) IsZero() bool { return w.start.IsZero() }

func (w WeekKey) String() string {
	if w.IsZero() {
		return ""
	}
	return w.start.Format(weekLayout)
}

// AddWeeks returns the week n weeks after w (before, for negative n).
func (w WeekKey) AddWeeks(n int) WeekKey {
	return WeekKey{start: w.start.AddDate(0, 0, 7*n)}
}

const secondsPerWeek = 7 * 24 * 60 * 60

// WeeksUntil returns the number of weeks from w to o; negative when o is earlier.
// Counted in Unix seconds: a time.Duration overflows across the valid year range.
func (w WeekKey) WeeksUntil(o WeekKey) int {
	return int((o.start.Unix() - w.start.Unix()) / secondsPerWeek)
}

func (w WeekKey) Before(o WeekKey) bool { return w.start.Before(o.start) }
func (w WeekKey) After(o WeekKey) bool  { return w.start.After(o.start) }
func (w WeekKey) Equal(o WeekKey) bool  { return w.start.Equal(o.start) }

// Compare returns -1, 0 or +1 depending on whether w is before, equal to or after o.
func (w WeekKey) Compare(o WeekKey) int { return w.start.Compare(o.start) }

// MarshalText renders the week as YYYY-MM-DD.
func (w WeekKey) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}

// UnmarshalText parses YYYY-MM-DD. An empty input yields the zero WeekKey.
func (w *WeekKey) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		*w = WeekKey{}
		return nil
	}
	t, err := time.Parse(weekLayout, s)
	if err != nil {
		return fmt.Errorf("%w: %q is not a YYYY-MM-DD date", ErrInvalidWeek, s)
	}
	*w = WeekKeyFromDate(t)
	return nil
}

// Calendar maps timestamps onto weeks. The zero Calendar reads dates in UTC
// and starts weeks on Sunday.
type Calendar struct {
	Zone      *time.Location
	WeekStart time.Weekday
}

// DefaultCalendar returns the SINAN epidemiological week calendar.
func DefaultCalendar() Calendar {
	return Calendar{Zone: time.UTC, WeekStart: time.Sunday}
}

func (c Calendar) zone() *time.Location {
	if c.Zone == nil {
		return time.UTC
	}
	return c.Zone
}

// WeekOf returns the week containing t, reading t's date in the calendar zone.
func (c Calendar) WeekOf(t time.Time) (WeekKey, error) {
	if t.IsZero() {
		return WeekKey{}, fmt.Errorf("%w: zero timestamp", ErrInvalidWeek)
	}
	local := t.In(c.zone())
	if y := local.Year(); y < minWeekYear || y > maxWeekYear {
		return WeekKey{}, fmt.Errorf("%w: year %d outside %d-%d", ErrInvalidWeek, y, minWeekYear, maxWeekYear)
	}
	offset := (int(local.Weekday()) - int(c.WeekStart) + 7) % 7
	return WeekKey{start: time.Date(local.Year(), local.Month(), local.Day()-offset, 0, 0, 0, 0, time.UTC)}, nil
}

// ParseWeek parses a YYYY-MM-DD date and returns the week containing it.
func (c Calendar) ParseWeek(s string) (WeekKey, error) {
	t, err := time.ParseInLocation(weekLayout, strings.TrimSpace(s), c.zone())
	if err != nil {
		return WeekKey{}, fmt.Errorf("%w: %q is not a YYYY-MM-DD date", ErrInvalidWeek, s)
	}
	return c.WeekOf(t)
}

// ParseWeekday accepts English weekday names ("sunday", "Mon", ...).
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return time.Sunday, fmt.Errorf("unknown weekday %q", s)
}
