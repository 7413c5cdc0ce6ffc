package engage

import "time"

// =============================================================================
// PROGRAM CLOCK
// =============================================================================

// CurrentDay returns the 1-based program day for now. Both instants are
// normalised to UTC midnight before subtraction so timezone offsets and DST
// shifts cannot move the day. Before the start it is day 1; past the end it
// stays frozen at totalDays.
func CurrentDay(start time.Time, totalDays int, now time.Time) int {
	if totalDays < 1 {
		totalDays = 1
	}
	day := DaysBetween(start, now) + 1
	if day < 1 {
		return 1
	}
	if day > totalDays {
		return totalDays
	}
	return day
}

// DayDate returns the UTC midnight on which the given program day falls.
func DayDate(start time.Time, day int) time.Time {
	return Midnight(start).AddDate(0, 0, day-1)
}

// Midnight truncates t to midnight of its UTC calendar date.
func Midnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween counts whole calendar days from one UTC date to another.
// Negative when to is before from.
func DaysBetween(from, to time.Time) int {
	d := Midnight(to).Sub(Midnight(from))
	return int(d.Hours() / 24)
}
