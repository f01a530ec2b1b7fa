package profile

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// ParseBool accepts only "true" and "false", in any case.
func ParseBool(f Field, text string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, invalid(f, text, ErrInvalidBool)
}

var timeZeroLayouts = []string{
	TimeZeroLayout,
	"2006-01-02T15:04",
}

func parseLocalDateTime(text string, loc *time.Location) (time.Time, bool) {
	text = strings.TrimSpace(text)
	for _, layout := range timeZeroLayouts {
		if t, err := time.ParseInLocation(layout, text, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseTimeZero parses an ISO local date-time in loc and requires it to be strictly
// before now.
func ParseTimeZero(text string, loc *time.Location, now time.Time) (time.Time, error) {
	t, ok := parseLocalDateTime(text, loc)
	if !ok {
		return time.Time{}, invalid(FieldTimeZero, text, ErrInvalidTimeZero)
	}
	if !t.Before(now) {
		return time.Time{}, invalid(FieldTimeZero, text, ErrTimeZeroNotPast)
	}
	return t, nil
}

func ParseTimeOffset(text string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	if err != nil {
		return 0, invalid(FieldTimeOffset, text, ErrInvalidOffset)
	}
	return n, nil
}

func ParseTimeSpeed(text string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, invalid(FieldTimeSpeed, text, ErrInvalidSpeed)
	}
	if v == 0 {
		return 0, invalid(FieldTimeSpeed, text, ErrZeroSpeed)
	}
	return v, nil
}

// ValidateCity rejects characters that would break the provider query string.
func ValidateCity(city string) error {
	if strings.ContainsAny(city, "&?/") {
		return invalid(FieldWeatherCity, city, ErrInvalidCity)
	}
	return nil
}

// validKey reports whether s can be used as a single path segment.
func validKey(s string) bool {
	return s != "" && strings.TrimSpace(s) == s && !strings.Contains(s, ".")
}
