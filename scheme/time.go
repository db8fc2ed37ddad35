package scheme

import "time"

// =============================================================================
// CALENDAR ARITHMETIC - Explicit month semantics
// =============================================================================

// LabelLayout formats a billing month label.
const LabelLayout = "2006-01"

// DateLayout is the wire format for calendar dates.
const DateLayout = "2006-01-02"

// StartOfDay normalizes t to midnight UTC of its UTC calendar day.
func StartOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// AddMonthsClamped advances t by n calendar months. When the anchor day does
// not exist in the target month the result is that month's last day, so
// Jan 31 + 1 month is Feb 28/29, never Mar 2/3 as time.AddDate would give.
func AddMonthsClamped(t time.Time, n int) time.Time {
	u := t.UTC()
	// Normalize through the first of the month so year rollover is exact.
	first := time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, n, 0)
	day := u.Day()
	if last := DaysInMonth(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day,
		u.Hour(), u.Minute(), u.Second(), u.Nanosecond(), time.UTC)
}

// DaysInMonth returns the number of days in the given month.
func DaysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// WholeDaysBetween returns floor((to - from) / 24h). Negative when to < from.
func WholeDaysBetween(from, to time.Time) int {
	d := to.Sub(from)
	days := int(d / (24 * time.Hour))
	if d < 0 && d%(24*time.Hour) != 0 {
		days--
	}
	return days
}

// MonthLabel returns the "2006-01" label of the month containing t.
func MonthLabel(t time.Time) string { return t.UTC().Format(LabelLayout) }

// ParseDate parses a YYYY-MM-DD date at midnight UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, &InvalidInputError{Field: "date", Value: s, Reason: "use YYYY-MM-DD"}
	}
	return t, nil
}

// ParseInstant accepts either an RFC3339 timestamp or a YYYY-MM-DD date.
func ParseInstant(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return ParseDate(s)
}
