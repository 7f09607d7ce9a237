package model

import "time"

// DayOf truncates t to a civil date at UTC midnight. All scheduling math works
// on these values so that a batch day compares equal regardless of the clock
// reading that produced it.
func DayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func Today() time.Time { return DayOf(time.Now()) }

func NextDay(day time.Time) time.Time { return day.AddDate(0, 0, 1) }

// DayKey formats a day for use as a map key or URL parameter.
func DayKey(day time.Time) string { return day.Format("2006-01-02") }

// ParseDay parses the YYYY-MM-DD form produced by DayKey.
func ParseDay(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}
