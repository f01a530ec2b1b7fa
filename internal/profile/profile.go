// Package profile is the repository for sync profiles and the world to profile mapping.
//
// Profiles are plain values read from a kv.Store; every write goes straight to the
// backend. The store assumes a single writer (the scheduler's main context).
package profile

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultName is the profile used by commands that don't name one.
const DefaultName = "default"

// TimeZeroLayout is the persisted form of time-zero (local date-time, no zone).
const TimeZeroLayout = "2006-01-02T15:04:05"

type Field string

const (
	FieldSyncTime    Field = "sync-time"
	FieldTimeZero    Field = "time-zero"
	FieldTimeOffset  Field = "time-offset"
	FieldTimeSpeed   Field = "time-speed"
	FieldSyncWeather Field = "sync-weather"
	FieldWeatherCity Field = "weather-city"
)

// Fields lists the profile fields in display order.
var Fields = []Field{
	FieldSyncTime,
	FieldTimeZero,
	FieldTimeOffset,
	FieldTimeSpeed,
	FieldSyncWeather,
	FieldWeatherCity,
}

// legacy keys written by older releases, read when the current key is absent.
const (
	legacyOffsetKey = "offset"
	legacySpeedKey  = "speed"
)

var fieldAliases = map[string]Field{
	"synctime":    FieldSyncTime,
	"timezero":    FieldTimeZero,
	"timeoffset":  FieldTimeOffset,
	"offset":      FieldTimeOffset,
	"timespeed":   FieldTimeSpeed,
	"speed":       FieldTimeSpeed,
	"syncweather": FieldSyncWeather,
	"weathercity": FieldWeatherCity,
}

// ParseField accepts the persisted field names and the short command forms ("timespeed").
func ParseField(s string) (Field, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, f := range Fields {
		if string(f) == s {
			return f, nil
		}
	}
	if f, ok := fieldAliases[s]; ok {
		return f, nil
	}
	return "", invalid(Field(s), s, ErrUnknownField)
}

type Profile struct {
	Name        string    `json:"name"`
	SyncTime    bool      `json:"sync_time"`
	TimeZero    time.Time `json:"time_zero"`
	TimeOffset  int64     `json:"time_offset"`
	TimeSpeed   float64   `json:"time_speed"`
	SyncWeather bool      `json:"sync_weather"`
	WeatherCity string    `json:"weather_city"`
}

// DefaultTimeZero is midnight, January 1st of year 1 in loc.
func DefaultTimeZero(loc *time.Location) time.Time {
	return time.Date(1, time.January, 1, 0, 0, 0, 0, loc)
}

// Defaults returns the all-defaults profile for name.
func Defaults(name string, loc *time.Location) Profile {
	return Profile{
		Name:      name,
		TimeZero:  DefaultTimeZero(loc),
		TimeSpeed: 1.0,
	}
}

// Value renders a field the way it is accepted by SetField.
func (p Profile) Value(f Field) string {
	switch f {
	case FieldSyncTime:
		return strconv.FormatBool(p.SyncTime)
	case FieldTimeZero:
		return p.TimeZero.Format(TimeZeroLayout)
	case FieldTimeOffset:
		return strconv.FormatInt(p.TimeOffset, 10)
	case FieldTimeSpeed:
		return strconv.FormatFloat(p.TimeSpeed, 'g', -1, 64)
	case FieldSyncWeather:
		return strconv.FormatBool(p.SyncWeather)
	case FieldWeatherCity:
		return p.WeatherCity
	default:
		return ""
	}
}

func validSpeed(v float64) bool {
	return v != 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
