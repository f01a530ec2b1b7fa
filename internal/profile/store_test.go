package profile

import (
	"errors"
	"math"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"realtime.ai/internal/persistence/kv"
)

var testNow = time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *Store {
	t.Helper()
	b, err := kv.OpenYAML(filepath.Join(t.TempDir(), "config.yml"), nil)
	if err != nil {
		t.Fatalf("OpenYAML: %v", err)
	}
	s := NewStore(kv.NewStore(b), time.UTC)
	s.SetClock(func() time.Time { return testNow })
	return s
}

type recorder struct{ changes []Change }

func (r *recorder) RecordChange(c Change) { r.changes = append(r.changes, c) }

type lister []string

func (l lister) LoadedWorlds() []string { return l }

func TestGet_UnknownProfileReadsDefaults(t *testing.T) {
	s := newStore(t)
	p := s.Get("missing")
	want := Defaults("missing", time.UTC)
	if !reflect.DeepEqual(p, want) {
		t.Fatalf("got %+v want %+v", p, want)
	}
	if p.TimeZero.Year() != 1 || p.TimeSpeed != 1.0 {
		t.Fatalf("unexpected defaults: %+v", p)
	}
}

func TestEmptyProfile_MutationsAreNoops(t *testing.T) {
	s := newStore(t)
	rec := &recorder{}
	s.SetRecorder(rec)

	if err := s.SetSyncTime("", true); err != nil {
		t.Fatalf("SetSyncTime: %v", err)
	}
	if err := s.SetTimeSpeed("", 0); err != nil {
		t.Fatalf("SetTimeSpeed on empty profile must not validate: %v", err)
	}
	if err := s.SetWeatherCity("", "a/b"); err != nil {
		t.Fatalf("SetWeatherCity: %v", err)
	}
	if err := s.Clear(""); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := s.Copy("default", ""); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if len(s.Names()) != 0 {
		t.Fatalf("names=%v", s.Names())
	}
	if len(rec.changes) != 0 {
		t.Fatalf("recorded %d changes for no-ops", len(rec.changes))
	}
	if s.Get("").SyncTime {
		t.Fatalf("empty profile must read as defaults")
	}
}

func TestSetTimeSpeed_ZeroKeepsPrevious(t *testing.T) {
	s := newStore(t)
	for _, v := range []float64{2.5, -1, 0.001, 1e9, -3.75} {
		if err := s.SetTimeSpeed("p", v); err != nil {
			t.Fatalf("SetTimeSpeed(%v): %v", v, err)
		}
		if got := s.Get("p").TimeSpeed; got != v {
			t.Fatalf("speed=%v want %v", got, v)
		}
	}
	err := s.SetTimeSpeed("p", 0)
	if !errors.Is(err, ErrZeroSpeed) {
		t.Fatalf("err=%v want ErrZeroSpeed", err)
	}
	if got := s.Get("p").TimeSpeed; got != -3.75 {
		t.Fatalf("speed after rejected write=%v", got)
	}
	if err := s.SetTimeSpeed("p", math.Inf(1)); !errors.Is(err, ErrInvalidSpeed) {
		t.Fatalf("err=%v want ErrInvalidSpeed", err)
	}
}

func TestSetTimeZero_MustBeStrictlyPast(t *testing.T) {
	s := newStore(t)
	past := testNow.Add(-time.Hour)
	if err := s.SetTimeZero("p", past); err != nil {
		t.Fatalf("SetTimeZero: %v", err)
	}
	if got := s.Get("p").TimeZero; !got.Equal(past) {
		t.Fatalf("time-zero=%v want %v", got, past)
	}

	var ve *ValidationError
	err := s.SetTimeZero("p", testNow)
	if !errors.As(err, &ve) || !errors.Is(err, ErrTimeZeroNotPast) || ve.Field != FieldTimeZero {
		t.Fatalf("boundary instant must be rejected, got %v", err)
	}
	if err := s.SetTimeZero("p", testNow.Add(time.Second)); !errors.Is(err, ErrTimeZeroNotPast) {
		t.Fatalf("future must be rejected, got %v", err)
	}
	if got := s.Get("p").TimeZero; !got.Equal(past) {
		t.Fatalf("rejected write changed value: %v", got)
	}
}

func TestGet_InvalidTimeZeroFallsBack(t *testing.T) {
	s := newStore(t)
	_ = s.KV().Set("settings.p.time-zero", "yesterday")
	if got := s.Get("p").TimeZero; !got.Equal(DefaultTimeZero(time.UTC)) {
		t.Fatalf("time-zero=%v", got)
	}
	_ = s.KV().Set("settings.p.time-zero", "2001-02-03T04:05")
	if got := s.Get("p").TimeZero; !got.Equal(time.Date(2001, 2, 3, 4, 5, 0, 0, time.UTC)) {
		t.Fatalf("time-zero=%v", got)
	}
}

func TestGet_LegacyKeys(t *testing.T) {
	s := newStore(t)
	_ = s.KV().Set("settings.old.offset", int64(500))
	_ = s.KV().Set("settings.old.speed", 3.0)
	p := s.Get("old")
	if p.TimeOffset != 500 || p.TimeSpeed != 3.0 {
		t.Fatalf("legacy read: %+v", p)
	}
	_ = s.SetTimeSpeed("old", 4)
	_ = s.SetTimeOffset("old", -1)
	if s.KV().IsSet("settings.old.speed") || s.KV().IsSet("settings.old.offset") {
		t.Fatalf("legacy keys should be replaced on write")
	}
	p = s.Get("old")
	if p.TimeOffset != -1 || p.TimeSpeed != 4 {
		t.Fatalf("after write: %+v", p)
	}

	_ = s.KV().Set("settings.zero.speed", 0.0)
	if got := s.Get("zero").TimeSpeed; got != 1.0 {
		t.Fatalf("stored zero speed must read as 1.0, got %v", got)
	}
}

// failingDeletes rejects deletes of paths ending in one of the suffixes.
type failingDeletes struct {
	kv.Backend
	suffixes []string
}

var errDiskGone = errors.New("disk gone")

func (f *failingDeletes) Put(path string, sc *kv.Scalar) error {
	if sc == nil {
		for _, suf := range f.suffixes {
			if strings.HasSuffix(path, suf) {
				return errDiskGone
			}
		}
	}
	return f.Backend.Put(path, sc)
}

func TestLegacyCleanupErrorsSurface(t *testing.T) {
	b, err := kv.OpenYAML(filepath.Join(t.TempDir(), "config.yml"), nil)
	if err != nil {
		t.Fatalf("OpenYAML: %v", err)
	}
	s := NewStore(kv.NewStore(&failingDeletes{Backend: b, suffixes: []string{".offset", ".speed"}}), time.UTC)
	rec := &recorder{}
	s.SetRecorder(rec)

	if err := s.SetTimeOffset("old", 5); !errors.Is(err, errDiskGone) {
		t.Fatalf("SetTimeOffset err=%v", err)
	}
	if err := s.SetTimeSpeed("old", 2); !errors.Is(err, errDiskGone) {
		t.Fatalf("SetTimeSpeed err=%v", err)
	}
	if err := s.Copy("old", "new"); !errors.Is(err, errDiskGone) {
		t.Fatalf("Copy err=%v", err)
	}
	if len(rec.changes) != 0 {
		t.Fatalf("failed writes recorded: %+v", rec.changes)
	}
}

func TestCopy(t *testing.T) {
	s := newStore(t)
	rec := &recorder{}
	s.SetRecorder(rec)

	_ = s.SetSyncTime("a", true)
	_ = s.SetTimeZero("a", time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))
	_ = s.SetTimeOffset("a", 100)
	_ = s.SetTimeSpeed("a", 2.0)
	_ = s.SetSyncWeather("a", true)
	_ = s.SetWeatherCity("a", "London, UK")

	_ = s.SetTimeSpeed("b", 9)
	_ = s.SetWeatherCity("b", "Paris")

	if err := s.Copy("a", "b"); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	a, b := s.Get("a"), s.Get("b")
	b.Name = a.Name
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("copy mismatch:\n a=%+v\n b=%+v", a, b)
	}

	n := len(rec.changes)
	if err := s.Copy("a", "a"); err != nil {
		t.Fatalf("self copy: %v", err)
	}
	if len(rec.changes) != n {
		t.Fatalf("self copy recorded a change")
	}
	if last := rec.changes[n-1]; last.Op != OpCopy || last.Profile != "a" || last.To != "b" {
		t.Fatalf("last change=%+v", last)
	}
}

func TestCopy_DefaultsOverwriteTarget(t *testing.T) {
	s := newStore(t)
	_ = s.SetSyncTime("b", true)
	_ = s.SetTimeOffset("b", 7)
	if err := s.Copy("fresh", "b"); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	got := s.Get("b")
	want := Defaults("b", time.UTC)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

func TestClear(t *testing.T) {
	s := newStore(t)
	_ = s.SetSyncWeather("p", true)
	_ = s.SetWeatherCity("p", "Oslo")
	_ = s.SetSyncTime("q", true)
	if err := s.Clear("p"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got := s.Get("p"); !reflect.DeepEqual(got, Defaults("p", time.UTC)) {
		t.Fatalf("after clear: %+v", got)
	}
	if !reflect.DeepEqual(s.Names(), []string{"q"}) {
		t.Fatalf("names=%v", s.Names())
	}
}

func TestClear_NonASCIINameOnSQLite(t *testing.T) {
	b, err := kv.OpenSQLite(filepath.Join(t.TempDir(), "config.sqlite"), nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	s := NewStore(kv.NewStore(b), time.UTC)
	_ = s.SetSyncTime("café", true)
	_ = s.SetTimeSpeed("café", 3)
	if !s.Exists("café") {
		t.Fatalf("profile not listed")
	}
	if err := s.Clear("café"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got := s.Get("café"); !reflect.DeepEqual(got, Defaults("café", time.UTC)) {
		t.Fatalf("after clear: %+v", got)
	}
	if s.Exists("café") {
		t.Fatalf("cleared profile still listed")
	}
}

func TestWorldMapping(t *testing.T) {
	s := newStore(t)
	_ = s.MapWorld("world", "default")
	_ = s.MapWorld("world_nether", "nether")
	_ = s.MapWorld("world_the_end", "default")
	_ = s.MapWorld("unloaded", "default")

	loaded := lister{"world_the_end", "world", "world_nether", "lobby"}
	if got := s.WorldsFor("default", loaded); !reflect.DeepEqual(got, []string{"world_the_end", "world"}) {
		t.Fatalf("WorldsFor(default)=%v", got)
	}
	if got := s.WorldsFor("", loaded); len(got) != 0 {
		t.Fatalf("WorldsFor(\"\")=%v", got)
	}

	if err := s.MapWorld("world", ""); err != nil {
		t.Fatalf("map to empty: %v", err)
	}
	if got := s.ProfileNameFor("world"); got != "" {
		t.Fatalf("mapping to empty profile must unmap, got %q", got)
	}
	_ = s.UnmapWorld("world_nether")
	want := []Mapping{{"world_the_end", "default"}, {"unloaded", "default"}}
	if got := s.MappedWorlds(); !reflect.DeepEqual(got, want) {
		t.Fatalf("MappedWorlds=%v", got)
	}
	if err := s.MapWorld("bad.world", "default"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("dotted world id: %v", err)
	}
}

func TestSetField(t *testing.T) {
	s := newStore(t)
	cases := []struct {
		field Field
		text  string
		err   error
	}{
		{FieldSyncTime, "TRUE", nil},
		{FieldSyncTime, "yes", ErrInvalidBool},
		{FieldTimeZero, "2000-01-01T00:00:00", nil},
		{FieldTimeZero, "2000-01-01", ErrInvalidTimeZero},
		{FieldTimeZero, "2999-01-01T00:00:00", ErrTimeZeroNotPast},
		{FieldTimeOffset, "-6000", nil},
		{FieldTimeOffset, "1.5", ErrInvalidOffset},
		{FieldTimeSpeed, "0.5", nil},
		{FieldTimeSpeed, "0", ErrZeroSpeed},
		{FieldTimeSpeed, "fast", ErrInvalidSpeed},
		{FieldSyncWeather, "false", nil},
		{FieldWeatherCity, "New York", nil},
		{FieldWeatherCity, "a&appid=x", ErrInvalidCity},
		{FieldWeatherCity, "what?", ErrInvalidCity},
		{Field("colour"), "blue", ErrUnknownField},
	}
	for _, tc := range cases {
		err := s.SetField("p", tc.field, tc.text)
		if tc.err == nil && err != nil {
			t.Fatalf("SetField(%s,%q): %v", tc.field, tc.text, err)
		}
		if tc.err != nil && !errors.Is(err, tc.err) {
			t.Fatalf("SetField(%s,%q)=%v want %v", tc.field, tc.text, err, tc.err)
		}
	}
	p := s.Get("p")
	if !p.SyncTime || p.TimeOffset != -6000 || p.TimeSpeed != 0.5 || p.WeatherCity != "New York" {
		t.Fatalf("profile=%+v", p)
	}
	if got := p.Value(FieldTimeZero); got != "2000-01-01T00:00:00" {
		t.Fatalf("time-zero=%q", got)
	}
}

func TestParseField(t *testing.T) {
	for in, want := range map[string]Field{
		"sync-time":   FieldSyncTime,
		"TimeSpeed":   FieldTimeSpeed,
		"weathercity": FieldWeatherCity,
		"offset":      FieldTimeOffset,
	} {
		got, err := ParseField(in)
		if err != nil || got != want {
			t.Fatalf("ParseField(%q)=%q,%v", in, got, err)
		}
	}
	if _, err := ParseField("nope"); !errors.Is(err, ErrUnknownField) {
		t.Fatalf("err=%v", err)
	}
}

func TestRecorderSeesMutations(t *testing.T) {
	s := newStore(t)
	rec := &recorder{}
	s.SetRecorder(Recorders{rec})
	_ = s.SetWeatherCity("p", "Rome")
	_ = s.SetTimeSpeed("p", 0)
	_ = s.MapWorld("w", "p")
	_ = s.UnmapWorld("w")
	_ = s.Clear("p")

	var ops []string
	for _, c := range rec.changes {
		ops = append(ops, c.Op)
		if !c.At.Equal(testNow) {
			t.Fatalf("change time=%v", c.At)
		}
	}
	if !reflect.DeepEqual(ops, []string{OpSet, OpMap, OpUnmap, OpClear}) {
		t.Fatalf("ops=%v", ops)
	}
}
