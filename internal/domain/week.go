package domain

import (
	"fmt"
	"time"
)

// WeekStart returns Monday 00:00 UTC of the ISO week containing t.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7 // Monday=0 ... Sunday=6
	return day.AddDate(0, 0, -offset)
}

// ISOWeekStart returns Monday 00:00 UTC of the given ISO year and week.
// Weeks past the last week of the year are rejected.
func ISOWeekStart(year, week int) (time.Time, error) {
	if week < 1 || week > 53 {
		return time.Time{}, fmt.Errorf("iso week %d out of range", week)
	}
	// January 4th is always in ISO week 1.
	week1 := WeekStart(time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC))
	start := week1.AddDate(0, 0, (week-1)*7)
	if y, w := start.ISOWeek(); y != year || w != week {
		return time.Time{}, fmt.Errorf("iso week %d-W%02d does not exist", year, week)
	}
	return start, nil
}

// YearWeek encodes t's ISO week as year*100+week, e.g. 202452.
func YearWeek(t time.Time) int {
	y, w := t.UTC().ISOWeek()
	return y*100 + w
}
