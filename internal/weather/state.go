// Package weather classifies provider reports, caches them per city and fetches them
// off the main context.
package weather

import (
	"fmt"
	"strings"
)

type State uint8

const (
	Clear State = iota
	Rain
	Thunder
)

// Effects is what a state sets on a world.
type Effects struct {
	Storm   bool
	Thunder bool
}

var stateTable = [...]struct {
	name    string
	effects Effects
}{
	Clear:   {"CLEAR", Effects{Storm: false, Thunder: false}},
	Rain:    {"RAIN", Effects{Storm: true, Thunder: false}},
	Thunder: {"THUNDER", Effects{Storm: true, Thunder: true}},
}

func (s State) valid() bool { return int(s) < len(stateTable) }

func (s State) String() string {
	if !s.valid() {
		return fmt.Sprintf("State(%d)", uint8(s))
	}
	return stateTable[s].name
}

func (s State) Effects() Effects {
	if !s.valid() {
		return stateTable[Clear].effects
	}
	return stateTable[s].effects
}

func (s State) MarshalText() ([]byte, error) {
	if !s.valid() {
		return nil, fmt.Errorf("invalid weather state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseState(text string) (State, error) {
	for i, e := range stateTable {
		if strings.EqualFold(e.name, strings.TrimSpace(text)) {
			return State(i), nil
		}
	}
	return Clear, fmt.Errorf("unknown weather state %q", text)
}

var rainWords = []string{"rain", "shower", "drizzle", "snow"}

// Classify maps a free-text provider description onto a State. Thunder wins over
// rain; anything unrecognised is Clear.
func Classify(text string) State {
	t := strings.ToLower(text)
	if strings.Contains(t, "thunder") {
		return Thunder
	}
	for _, w := range rainWords {
		if strings.Contains(t, w) {
			return Rain
		}
	}
	return Clear
}

// Target is the part of the host that owns world weather.
type Target interface {
	SetStorm(world string, on bool)
	SetThundering(world string, on bool)
}

// ApplyTo sets the storm and thunder flags of world to match s.
func ApplyTo(t Target, world string, s State) {
	e := s.Effects()
	if !e.Thunder {
		t.SetThundering(world, false)
	}
	t.SetStorm(world, e.Storm)
	if e.Thunder {
		t.SetThundering(world, true)
	}
}
