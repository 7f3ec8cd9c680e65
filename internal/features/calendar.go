package features

import (
	"fmt"
	"sort"
	"time"
)

// noHolidayDays is reported when no holiday lies ahead in the calendar.
const noHolidayDays = 365

// Calendar resolves local time and holiday context for temporal features.
type Calendar struct {
	loc      *time.Location
	holidays []time.Time // local midnights, ascending
}

// NewCalendar builds a calendar in loc from holiday dates formatted as YYYY-MM-DD.
// A nil loc means UTC.
func NewCalendar(loc *time.Location, holidays []string) (*Calendar, error) {
	if loc == nil {
		loc = time.UTC
	}
	c := &Calendar{loc: loc}
	seen := make(map[string]bool, len(holidays))
	for _, h := range holidays {
		d, err := time.ParseInLocation("2006-01-02", h, loc)
		if err != nil {
			return nil, fmt.Errorf("invalid holiday %q: %w", h, err)
		}
		if seen[h] {
			continue
		}
		seen[h] = true
		c.holidays = append(c.holidays, d)
	}
	sort.Slice(c.holidays, func(i, j int) bool { return c.holidays[i].Before(c.holidays[j]) })
	return c, nil
}

// Local converts t into the calendar's zone.
func (c *Calendar) Local(t time.Time) time.Time { return t.In(c.loc) }

func (c *Calendar) midnight(t time.Time) time.Time {
	l := t.In(c.loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, c.loc)
}

// IsHoliday reports whether t falls on a holiday date.
func (c *Calendar) IsHoliday(t time.Time) bool {
	d := c.midnight(t)
	i := sort.Search(len(c.holidays), func(i int) bool { return !c.holidays[i].Before(d) })
	return i < len(c.holidays) && c.holidays[i].Equal(d)
}

// DaysToNextHoliday returns whole days until the next holiday after t's date.
func (c *Calendar) DaysToNextHoliday(t time.Time) int {
	d := c.midnight(t)
	i := sort.Search(len(c.holidays), func(i int) bool { return c.holidays[i].After(d) })
	if i == len(c.holidays) {
		return noHolidayDays
	}
	days := int(c.holidays[i].Sub(d).Hours()/24 + 0.5)
	if days > noHolidayDays {
		return noHolidayDays
	}
	return days
}

// IsWeekend reports Friday and Saturday.
func IsWeekend(wd time.Weekday) bool {
	return wd == time.Friday || wd == time.Saturday
}
