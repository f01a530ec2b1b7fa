// Package timesync maps real time onto a profile's simulated world clock.
package timesync

import (
	"math"
	"time"

	"realtime.ai/internal/profile"
)

const (
	// TickRatio is 20 simulated ticks per 72 real seconds, so a real day is one
	// simulated day of 24000 ticks.
	TickRatio = 20.0 / 72.0
	// DayStartOffset places elapsed == 0 at 06:00 on the simulated clock.
	DayStartOffset = 18000
)

// Reading holds the intermediate values of one translation.
type Reading struct {
	Now           time.Time `json:"now"`
	TimeZero      time.Time `json:"time_zero"`
	ElapsedMillis int64     `json:"elapsed_ms"`
	BaseTicks     int64     `json:"base_ticks"`
	Speed         float64   `json:"speed"`
	Offset        int64     `json:"offset"`
	Simulated     int64     `json:"simulated"`
}

// Translate returns the simulated time for p at now. The result may be negative.
func Translate(now time.Time, p profile.Profile) int64 {
	return Inspect(now, p).Simulated
}

func Inspect(now time.Time, p profile.Profile) Reading {
	// Unix millis, not time.Sub: the default time-zero is ~2000 years back and
	// overflows a Duration.
	elapsed := now.UnixMilli() - p.TimeZero.UnixMilli()
	base := int64(math.Floor(float64(elapsed)/1000*TickRatio)) + DayStartOffset
	speed := p.TimeSpeed
	if speed == 0 {
		speed = 1
	}
	return Reading{
		Now:           now,
		TimeZero:      p.TimeZero,
		ElapsedMillis: elapsed,
		BaseTicks:     base,
		Speed:         speed,
		Offset:        p.TimeOffset,
		Simulated:     saturate(speed*float64(base) + float64(p.TimeOffset)),
	}
}

// saturate truncates f, clamping at the int64 bounds.
func saturate(f float64) int64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	}
	return int64(f)
}

// DayTime folds a simulated time onto one 24000 tick day.
func DayTime(simulated int64) int64 {
	d := simulated % 24000
	if d < 0 {
		d += 24000
	}
	return d
}
