package timesync

import (
	"math"
	"testing"
	"time"

	"realtime.ai/internal/profile"
)

func TestTranslate_TimeZeroNowIsDayStart(t *testing.T) {
	now := time.Date(2024, 3, 9, 17, 45, 12, 123000000, time.UTC)
	p := profile.Defaults("p", time.UTC)
	p.TimeZero = now
	if got := Translate(now, p); got != DayStartOffset {
		t.Fatalf("Translate=%d want %d", got, DayStartOffset)
	}
}

func TestTranslate_EndToEnd(t *testing.T) {
	zero := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	p := profile.Profile{
		Name:       "default",
		SyncTime:   true,
		TimeZero:   zero,
		TimeSpeed:  2.0,
		TimeOffset: 100,
	}
	r := Inspect(zero.Add(10000*time.Second), p)
	if r.BaseTicks != 20777 {
		t.Fatalf("BaseTicks=%d want 20777", r.BaseTicks)
	}
	if r.Simulated != 41654 {
		t.Fatalf("Simulated=%d want 41654", r.Simulated)
	}
}

func TestTranslate_DefaultTimeZeroDoesNotOverflow(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := profile.Defaults("p", time.UTC)
	r := Inspect(now, p)
	if r.ElapsedMillis <= 0 {
		t.Fatalf("ElapsedMillis=%d", r.ElapsedMillis)
	}
	want := int64(float64(r.ElapsedMillis)/1000*TickRatio) + DayStartOffset
	if r.BaseTicks != want || r.Simulated != want {
		t.Fatalf("BaseTicks=%d Simulated=%d want %d", r.BaseTicks, r.Simulated, want)
	}
}

func TestTranslate_NegativePassesThrough(t *testing.T) {
	zero := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	p := profile.Profile{TimeZero: zero, TimeSpeed: -1, TimeOffset: -5}
	got := Translate(zero.Add(72*time.Second), p)
	if got != -(20+DayStartOffset)-5 {
		t.Fatalf("Translate=%d", got)
	}
}

func TestTranslate_FloorsBeforeScaling(t *testing.T) {
	zero := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	p := profile.Profile{TimeZero: zero, TimeSpeed: 1}
	// 35.999s is 9.9997 ticks
	if got := Translate(zero.Add(35999*time.Millisecond), p); got != DayStartOffset+9 {
		t.Fatalf("Translate=%d", got)
	}
	if got := Translate(zero.Add(36*time.Second), p); got != DayStartOffset+10 {
		t.Fatalf("Translate=%d", got)
	}
	// Time-zero in the future floors toward negative infinity.
	if got := Translate(zero.Add(-time.Millisecond), p); got != DayStartOffset-1 {
		t.Fatalf("Translate=%d", got)
	}
}

func TestTranslate_SaturatesHugeSpeed(t *testing.T) {
	zero := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	now := zero.Add(72 * time.Second)
	if got := Translate(now, profile.Profile{TimeZero: zero, TimeSpeed: 1e300}); got != math.MaxInt64 {
		t.Fatalf("Translate=%d want MaxInt64", got)
	}
	if got := Translate(now, profile.Profile{TimeZero: zero, TimeSpeed: -1e300}); got != math.MinInt64 {
		t.Fatalf("Translate=%d want MinInt64", got)
	}
}

func TestDayTime(t *testing.T) {
	cases := map[int64]int64{0: 0, 24000: 0, 41654: 17654, -1: 23999, -48001: 23999}
	for in, want := range cases {
		if got := DayTime(in); got != want {
			t.Fatalf("DayTime(%d)=%d want %d", in, got, want)
		}
	}
}
