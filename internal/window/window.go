// Package window normalizes user-supplied time windows for collection runs.
package window

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// timeLayouts are the accepted timestamp shapes, most specific first. Bluesky
// timestamps are RFC 3339 but stored payloads occasionally omit the zone.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTime parses a timestamp string into a UTC instant. It returns false for
// empty or unparsable input rather than an error; callers treat that as a null
// field.
func ParseTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// NormalizeSince converts a window start given either as an absolute timestamp
// or as a numeric days-ago offset into a UTC instant. Numeric values are days
// ago and must not be negative.
func NormalizeSince(value string, now time.Time) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("window value must not be empty")
	}
	if t, ok := ParseTime(trimmed); ok {
		return t, nil
	}
	days, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unsupported window value %q", value)
	}
	return SinceDays(days, now)
}

// SinceDays returns now minus the given number of days.
func SinceDays(days float64, now time.Time) (time.Time, error) {
	if days < 0 {
		return time.Time{}, fmt.Errorf("numeric window must not be negative")
	}
	offset := time.Duration(days * float64(24*time.Hour))
	return now.UTC().Add(-offset), nil
}

// FormatMinDate renders a window start the way the feed compliance API expects
// its min_date parameter: second precision with a fixed .000Z suffix.
func FormatMinDate(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05.000Z")
}
