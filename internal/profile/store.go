package profile

import (
	"fmt"
	"strconv"
	"time"

	"realtime.ai/internal/persistence/kv"
)

const (
	settingsSection = "settings"
	worldsSection   = "worlds"
)

// Change describes one successful mutation of the store.
type Change struct {
	Op      string    `json:"op"`
	Profile string    `json:"profile,omitempty"`
	World   string    `json:"world,omitempty"`
	Field   Field     `json:"field,omitempty"`
	Value   string    `json:"value,omitempty"`
	To      string    `json:"to,omitempty"`
	At      time.Time `json:"at"`
}

const (
	OpSet   = "SET"
	OpCopy  = "COPY"
	OpClear = "CLEAR"
	OpMap   = "MAP_WORLD"
	OpUnmap = "UNMAP_WORLD"
)

type ChangeRecorder interface {
	RecordChange(c Change)
}

// Recorders fans a change out to several recorders.
type Recorders []ChangeRecorder

func (rs Recorders) RecordChange(c Change) {
	for _, r := range rs {
		if r != nil {
			r.RecordChange(c)
		}
	}
}

// WorldLister is the part of the host that reports loaded worlds.
type WorldLister interface {
	LoadedWorlds() []string
}

// Mapping is one entry of the world to profile table.
type Mapping struct {
	World   string `json:"world"`
	Profile string `json:"profile"`
}

type Store struct {
	kv  *kv.Store
	loc *time.Location
	now func() time.Time
	rec ChangeRecorder
}

func NewStore(st *kv.Store, loc *time.Location) *Store {
	if loc == nil {
		loc = time.Local
	}
	return &Store{kv: st, loc: loc, now: time.Now}
}

// SetClock replaces the time source used for time-zero validation.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Store) SetRecorder(r ChangeRecorder) { s.rec = r }

func (s *Store) Location() *time.Location { return s.loc }

func (s *Store) KV() *kv.Store { return s.kv }

func fieldPath(name string, f string) string {
	return kv.Join(settingsSection, name, f)
}

func (s *Store) record(c Change) {
	if s.rec == nil {
		return
	}
	c.At = s.now()
	s.rec.RecordChange(c)
}

// Names returns the profile names in config order.
func (s *Store) Names() []string {
	return s.kv.Keys(settingsSection)
}

func (s *Store) Exists(name string) bool {
	for _, n := range s.Names() {
		if n == name {
			return true
		}
	}
	return false
}

func (s *Store) List() []Profile {
	names := s.Names()
	out := make([]Profile, 0, len(names))
	for _, n := range names {
		out = append(out, s.Get(n))
	}
	return out
}

// Get never fails: unknown names and unreadable values fall back to defaults.
func (s *Store) Get(name string) Profile {
	p := Defaults(name, s.loc)
	if !validKey(name) {
		return p
	}
	p.SyncTime = s.kv.Bool(fieldPath(name, string(FieldSyncTime)), false)
	if text, ok := s.kv.String(fieldPath(name, string(FieldTimeZero))); ok {
		if t, ok := parseLocalDateTime(text, s.loc); ok {
			p.TimeZero = t
		}
	}
	offsetKey := fieldPath(name, string(FieldTimeOffset))
	if !s.kv.IsSet(offsetKey) {
		offsetKey = fieldPath(name, legacyOffsetKey)
	}
	p.TimeOffset = s.kv.Int64(offsetKey, 0)

	speedKey := fieldPath(name, string(FieldTimeSpeed))
	if !s.kv.IsSet(speedKey) {
		speedKey = fieldPath(name, legacySpeedKey)
	}
	if v := s.kv.Float64(speedKey, 1.0); validSpeed(v) {
		p.TimeSpeed = v
	}
	p.SyncWeather = s.kv.Bool(fieldPath(name, string(FieldSyncWeather)), false)
	p.WeatherCity = s.kv.StringOr(fieldPath(name, string(FieldWeatherCity)), "")
	return p
}

func (s *Store) checkName(name string) error {
	if !validKey(name) {
		return invalid("name", name, ErrInvalidName)
	}
	return nil
}

func (s *Store) put(name string, f Field, v any) error {
	if err := s.kv.Set(fieldPath(name, string(f)), v); err != nil {
		return fmt.Errorf("write %s.%s: %w", name, f, err)
	}
	return nil
}

// dropLegacy deletes the pre-rename keys of name once the new key is written.
func (s *Store) dropLegacy(name string, keys ...string) error {
	for _, k := range keys {
		if err := s.kv.Delete(fieldPath(name, k)); err != nil {
			return fmt.Errorf("drop %s.%s: %w", name, k, err)
		}
	}
	return nil
}

func (s *Store) SetSyncTime(name string, on bool) error {
	if name == "" {
		return nil
	}
	if err := s.checkName(name); err != nil {
		return err
	}
	if err := s.put(name, FieldSyncTime, on); err != nil {
		return err
	}
	s.record(Change{Op: OpSet, Profile: name, Field: FieldSyncTime, Value: strconv.FormatBool(on)})
	return nil
}

// SetTimeZero rejects any instant that is not strictly before the current time.
func (s *Store) SetTimeZero(name string, t time.Time) error {
	if name == "" {
		return nil
	}
	if err := s.checkName(name); err != nil {
		return err
	}
	text := t.In(s.loc).Format(TimeZeroLayout)
	if !t.Before(s.now()) {
		return invalid(FieldTimeZero, text, ErrTimeZeroNotPast)
	}
	if err := s.put(name, FieldTimeZero, text); err != nil {
		return err
	}
	s.record(Change{Op: OpSet, Profile: name, Field: FieldTimeZero, Value: text})
	return nil
}

func (s *Store) SetTimeOffset(name string, ticks int64) error {
	if name == "" {
		return nil
	}
	if err := s.checkName(name); err != nil {
		return err
	}
	if err := s.put(name, FieldTimeOffset, ticks); err != nil {
		return err
	}
	if err := s.dropLegacy(name, legacyOffsetKey); err != nil {
		return err
	}
	s.record(Change{Op: OpSet, Profile: name, Field: FieldTimeOffset, Value: strconv.FormatInt(ticks, 10)})
	return nil
}

// SetTimeSpeed rejects zero and non-finite multipliers; the stored value is kept.
func (s *Store) SetTimeSpeed(name string, multiplier float64) error {
	if name == "" {
		return nil
	}
	if err := s.checkName(name); err != nil {
		return err
	}
	text := strconv.FormatFloat(multiplier, 'g', -1, 64)
	if multiplier == 0 {
		return invalid(FieldTimeSpeed, text, ErrZeroSpeed)
	}
	if !validSpeed(multiplier) {
		return invalid(FieldTimeSpeed, text, ErrInvalidSpeed)
	}
	if err := s.put(name, FieldTimeSpeed, multiplier); err != nil {
		return err
	}
	if err := s.dropLegacy(name, legacySpeedKey); err != nil {
		return err
	}
	s.record(Change{Op: OpSet, Profile: name, Field: FieldTimeSpeed, Value: text})
	return nil
}

func (s *Store) SetSyncWeather(name string, on bool) error {
	if name == "" {
		return nil
	}
	if err := s.checkName(name); err != nil {
		return err
	}
	if err := s.put(name, FieldSyncWeather, on); err != nil {
		return err
	}
	s.record(Change{Op: OpSet, Profile: name, Field: FieldSyncWeather, Value: strconv.FormatBool(on)})
	return nil
}

func (s *Store) SetWeatherCity(name string, city string) error {
	if name == "" {
		return nil
	}
	if err := s.checkName(name); err != nil {
		return err
	}
	if err := ValidateCity(city); err != nil {
		return err
	}
	if err := s.put(name, FieldWeatherCity, city); err != nil {
		return err
	}
	s.record(Change{Op: OpSet, Profile: name, Field: FieldWeatherCity, Value: city})
	return nil
}

// SetField parses text for field and stores it. It is the entry point for command
// layers that only have strings.
func (s *Store) SetField(name string, field Field, text string) error {
	switch field {
	case FieldSyncTime:
		v, err := ParseBool(field, text)
		if err != nil {
			return err
		}
		return s.SetSyncTime(name, v)
	case FieldTimeZero:
		t, err := ParseTimeZero(text, s.loc, s.now())
		if err != nil {
			return err
		}
		return s.SetTimeZero(name, t)
	case FieldTimeOffset:
		v, err := ParseTimeOffset(text)
		if err != nil {
			return err
		}
		return s.SetTimeOffset(name, v)
	case FieldTimeSpeed:
		v, err := ParseTimeSpeed(text)
		if err != nil {
			return err
		}
		return s.SetTimeSpeed(name, v)
	case FieldSyncWeather:
		v, err := ParseBool(field, text)
		if err != nil {
			return err
		}
		return s.SetSyncWeather(name, v)
	case FieldWeatherCity:
		return s.SetWeatherCity(name, text)
	default:
		return invalid(field, text, ErrUnknownField)
	}
}

// Copy overwrites every field of to with the values of from. The values are written
// as read, so a default time-zero is carried over as well.
func (s *Store) Copy(from, to string) error {
	if from == to || to == "" {
		return nil
	}
	if err := s.checkName(to); err != nil {
		return err
	}
	p := s.Get(from)
	writes := []struct {
		f Field
		v any
	}{
		{FieldSyncTime, p.SyncTime},
		{FieldTimeZero, p.TimeZero.In(s.loc).Format(TimeZeroLayout)},
		{FieldTimeOffset, p.TimeOffset},
		{FieldTimeSpeed, p.TimeSpeed},
		{FieldSyncWeather, p.SyncWeather},
		{FieldWeatherCity, p.WeatherCity},
	}
	for _, w := range writes {
		if err := s.put(to, w.f, w.v); err != nil {
			return err
		}
	}
	if err := s.dropLegacy(to, legacyOffsetKey, legacySpeedKey); err != nil {
		return err
	}
	s.record(Change{Op: OpCopy, Profile: from, To: to})
	return nil
}

// Clear deletes every persisted field of name.
func (s *Store) Clear(name string) error {
	if name == "" {
		return nil
	}
	if err := s.checkName(name); err != nil {
		return err
	}
	if err := s.kv.Delete(kv.Join(settingsSection, name)); err != nil {
		return fmt.Errorf("clear %s: %w", name, err)
	}
	s.record(Change{Op: OpClear, Profile: name})
	return nil
}

// MapWorld assigns world to profile. An empty profile unmaps the world.
func (s *Store) MapWorld(world, profile string) error {
	if profile == "" {
		return s.UnmapWorld(world)
	}
	if !validKey(world) {
		return invalid("world", world, ErrInvalidName)
	}
	if err := s.checkName(profile); err != nil {
		return err
	}
	if err := s.kv.Set(kv.Join(worldsSection, world), profile); err != nil {
		return fmt.Errorf("map world %s: %w", world, err)
	}
	s.record(Change{Op: OpMap, World: world, Profile: profile})
	return nil
}

func (s *Store) UnmapWorld(world string) error {
	if !validKey(world) {
		return invalid("world", world, ErrInvalidName)
	}
	if err := s.kv.Delete(kv.Join(worldsSection, world)); err != nil {
		return fmt.Errorf("unmap world %s: %w", world, err)
	}
	s.record(Change{Op: OpUnmap, World: world})
	return nil
}

// ProfileNameFor returns "" for unmapped worlds.
func (s *Store) ProfileNameFor(world string) string {
	if !validKey(world) {
		return ""
	}
	return s.kv.StringOr(kv.Join(worldsSection, world), "")
}

func (s *Store) ProfileFor(world string) Profile {
	return s.Get(s.ProfileNameFor(world))
}

// MappedWorlds returns every mapping in config order, loaded or not.
func (s *Store) MappedWorlds() []Mapping {
	worlds := s.kv.Keys(worldsSection)
	out := make([]Mapping, 0, len(worlds))
	for _, w := range worlds {
		if p := s.ProfileNameFor(w); p != "" {
			out = append(out, Mapping{World: w, Profile: p})
		}
	}
	return out
}

// WorldsFor returns the loaded worlds mapped to profile, in the host's order.
func (s *Store) WorldsFor(profile string, lister WorldLister) []string {
	if profile == "" || lister == nil {
		return nil
	}
	var out []string
	for _, w := range lister.LoadedWorlds() {
		if s.ProfileNameFor(w) == profile {
			out = append(out, w)
		}
	}
	return out
}
