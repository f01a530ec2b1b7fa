// Package multiworld is a small in-process world host: it keeps each world's clock,
// weather and game rules, advances them per tick and implements host.Registry.
package multiworld

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	stateVersion = 1

	// DayTicks is one full simulated day.
	DayTicks = 24000

	clearMinTicks = 12000
	clearMaxTicks = 180000
	rainMinTicks  = 12000
	rainMaxTicks  = 24000
)

var (
	ErrUnknownWorld = errors.New("unknown world")
	ErrUnknownRule  = errors.New("unknown game rule")
)

// WorldState is a read-only view of one world.
type WorldState struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Loaded        bool   `json:"loaded"`
	FullTime      int64  `json:"full_time"`
	DayTime       int64  `json:"day_time"`
	Storm         bool   `json:"storm"`
	Thundering    bool   `json:"thundering"`
	WeatherTicks  int64  `json:"weather_ticks"`
	DaylightCycle *bool  `json:"do_daylight_cycle,omitempty"`
	WeatherCycle  *bool  `json:"do_weather_cycle,omitempty"`
}

type worldRuntime struct {
	spec  WorldSpec
	state WorldState
	rng   *rand.Rand
}

type persistedWorld struct {
	ID            string `json:"id"`
	Loaded        bool   `json:"loaded"`
	FullTime      int64  `json:"full_time"`
	Storm         bool   `json:"storm"`
	Thundering    bool   `json:"thundering"`
	WeatherTicks  int64  `json:"weather_ticks"`
	DaylightCycle *bool  `json:"do_daylight_cycle,omitempty"`
	WeatherCycle  *bool  `json:"do_weather_cycle,omitempty"`
}

type persistedState struct {
	Version int              `json:"version"`
	Worlds  []persistedWorld `json:"worlds"`
}

type Manager struct {
	mu sync.RWMutex

	order     []string
	worlds    map[string]*worldRuntime
	stateFile string

	persistDebounce time.Duration
	persistCh       chan struct{}
	persistFlush    chan chan struct{}
	persistStop     chan struct{}
	persistWG       sync.WaitGroup
	closeOnce       sync.Once
}

// NewManager builds the worlds from cfg and restores their last persisted state from
// stateFile when it exists. An empty stateFile disables persistence.
func NewManager(cfg Config, stateFile string) (*Manager, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		worlds:          map[string]*worldRuntime{},
		stateFile:       stateFile,
		persistDebounce: 200 * time.Millisecond,
		persistCh:       make(chan struct{}, 1),
		persistFlush:    make(chan chan struct{}, 8),
		persistStop:     make(chan struct{}),
	}
	for _, spec := range cfg.Worlds {
		rt := &worldRuntime{
			spec: spec,
			rng:  rand.New(rand.NewSource(spec.Seed)),
			state: WorldState{
				ID:            spec.ID,
				Type:          spec.Type,
				Loaded:        *spec.Loaded,
				FullTime:      spec.StartTime,
				DaylightCycle: spec.GameRules.DoDaylightCycle,
				WeatherCycle:  spec.GameRules.DoWeatherCycle,
			},
		}
		rt.state.WeatherTicks = rt.nextWeatherTicks(false)
		m.order = append(m.order, spec.ID)
		m.worlds[spec.ID] = rt
	}
	m.loadState()
	m.persistWG.Add(1)
	go m.persistLoop()
	return m, nil
}

func (rt *worldRuntime) nextWeatherTicks(storm bool) int64 {
	if storm {
		return rainMinTicks + rt.rng.Int63n(rainMaxTicks-rainMinTicks)
	}
	return clearMinTicks + rt.rng.Int63n(clearMaxTicks-clearMinTicks)
}

func (m *Manager) WorldIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// LoadedWorlds lists loaded worlds in config order.
func (m *Manager) LoadedWorlds() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.order))
	for _, id := range m.order {
		if m.worlds[id].state.Loaded {
			out = append(out, id)
		}
	}
	return out
}

func (m *Manager) DayCycleEnabled(world string) (bool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt := m.worlds[world]
	if rt == nil || rt.state.DaylightCycle == nil {
		return false, false
	}
	return *rt.state.DaylightCycle, true
}

func (m *Manager) WeatherCycleEnabled(world string) (bool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt := m.worlds[world]
	if rt == nil || rt.state.WeatherCycle == nil {
		return false, false
	}
	return *rt.state.WeatherCycle, true
}

func (m *Manager) SetFullTime(world string, ticks int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt := m.loaded(world); rt != nil {
		rt.state.FullTime = ticks
	}
}

func (m *Manager) SetStorm(world string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt := m.loaded(world)
	if rt == nil || rt.state.Storm == on {
		return
	}
	rt.state.Storm = on
	rt.state.WeatherTicks = rt.nextWeatherTicks(on)
}

func (m *Manager) SetThundering(world string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt := m.loaded(world); rt != nil {
		rt.state.Thundering = on
	}
}

func (m *Manager) loaded(world string) *worldRuntime {
	rt := m.worlds[world]
	if rt == nil || !rt.state.Loaded {
		return nil
	}
	return rt
}

// Advance moves every loaded world forward by one tick: the clock runs unless the
// daylight cycle is explicitly off, and natural weather flips on its own timer unless
// the weather cycle is explicitly off.
func (m *Manager) Advance() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		rt := m.worlds[id]
		if !rt.state.Loaded {
			continue
		}
		if rt.state.DaylightCycle == nil || *rt.state.DaylightCycle {
			rt.state.FullTime++
		}
		if rt.state.WeatherCycle != nil && !*rt.state.WeatherCycle {
			continue
		}
		rt.state.WeatherTicks--
		if rt.state.WeatherTicks > 0 {
			continue
		}
		rt.state.Storm = !rt.state.Storm
		rt.state.Thundering = rt.state.Storm && rt.rng.Intn(3) == 0
		rt.state.WeatherTicks = rt.nextWeatherTicks(rt.state.Storm)
	}
}

// Run calls Advance every interval until ctx is done. Dirty state is persisted every
// DayTicks/20 ticks so a restart resumes close to where the clocks were.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var n int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Advance()
			n++
			if n%(DayTicks/20) == 0 {
				m.schedulePersist()
			}
		}
	}
}

func (m *Manager) World(id string) (WorldState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt := m.worlds[id]
	if rt == nil {
		return WorldState{}, false
	}
	return rt.view(), true
}

func (m *Manager) Worlds() []WorldState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]WorldState, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.worlds[id].view())
	}
	return out
}

func (rt *worldRuntime) view() WorldState {
	st := rt.state
	st.DayTime = ((st.FullTime % DayTicks) + DayTicks) % DayTicks
	if st.DaylightCycle != nil {
		v := *st.DaylightCycle
		st.DaylightCycle = &v
	}
	if st.WeatherCycle != nil {
		v := *st.WeatherCycle
		st.WeatherCycle = &v
	}
	return st
}

func (m *Manager) Load(id string) error {
	return m.setLoaded(id, true)
}

func (m *Manager) Unload(id string) error {
	return m.setLoaded(id, false)
}

func (m *Manager) setLoaded(id string, loaded bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt := m.worlds[id]
	if rt == nil {
		return fmt.Errorf("%w: %s", ErrUnknownWorld, id)
	}
	rt.state.Loaded = loaded
	m.schedulePersist()
	return nil
}

// SetGameRule sets rule on world; a nil value makes the rule unknown again.
func (m *Manager) SetGameRule(id, rule string, value *bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt := m.worlds[id]
	if rt == nil {
		return fmt.Errorf("%w: %s", ErrUnknownWorld, id)
	}
	var v *bool
	if value != nil {
		b := *value
		v = &b
	}
	switch strings.ToLower(strings.TrimSpace(rule)) {
	case RuleDaylightCycle, "dodaylightcycle":
		rt.state.DaylightCycle = v
	case RuleWeatherCycle, "doweathercycle":
		rt.state.WeatherCycle = v
	default:
		return fmt.Errorf("%w: %s", ErrUnknownRule, rule)
	}
	m.schedulePersist()
	return nil
}

func (m *Manager) loadState() {
	if strings.TrimSpace(m.stateFile) == "" {
		return
	}
	b, err := os.ReadFile(m.stateFile)
	if err != nil {
		return
	}
	var st persistedState
	if err := json.Unmarshal(b, &st); err != nil || st.Version != stateVersion {
		return
	}
	for _, pw := range st.Worlds {
		rt := m.worlds[pw.ID]
		if rt == nil {
			continue
		}
		rt.state.Loaded = pw.Loaded
		rt.state.FullTime = pw.FullTime
		rt.state.Storm = pw.Storm
		rt.state.Thundering = pw.Thundering
		if pw.WeatherTicks > 0 {
			rt.state.WeatherTicks = pw.WeatherTicks
		}
		rt.state.DaylightCycle = pw.DaylightCycle
		rt.state.WeatherCycle = pw.WeatherCycle
	}
}

func (m *Manager) schedulePersist() {
	if m.stateFile == "" || m.persistCh == nil {
		return
	}
	select {
	case m.persistCh <- struct{}{}:
	default:
	}
}

func (m *Manager) persistLoop() {
	defer m.persistWG.Done()
	var timer *time.Timer
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer = nil
	}
	for {
		var timerCh <-chan time.Time
		if timer != nil {
			timerCh = timer.C
		}
		select {
		case <-m.persistStop:
			stopTimer()
			m.persistNow()
			return
		case <-m.persistCh:
			if timer == nil {
				timer = time.NewTimer(m.persistDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(m.persistDebounce)
			}
		case ack := <-m.persistFlush:
			stopTimer()
			m.persistNow()
			if ack != nil {
				close(ack)
			}
		case <-timerCh:
			stopTimer()
			m.persistNow()
		}
	}
}

func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		if m.persistStop != nil {
			close(m.persistStop)
		}
		m.persistWG.Wait()
	})
}

// FlushState writes the current world state and waits for the write to finish.
func (m *Manager) FlushState(ctx context.Context) error {
	if m.stateFile == "" || m.persistFlush == nil {
		return nil
	}
	ack := make(chan struct{})
	select {
	case m.persistFlush <- ack:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) persistNow() {
	if m.stateFile == "" {
		return
	}
	m.writeState(m.snapshotState())
}

func (m *Manager) snapshotState() persistedState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := persistedState{Version: stateVersion}
	for _, id := range m.order {
		s := m.worlds[id].view()
		st.Worlds = append(st.Worlds, persistedWorld{
			ID:            s.ID,
			Loaded:        s.Loaded,
			FullTime:      s.FullTime,
			Storm:         s.Storm,
			Thundering:    s.Thundering,
			WeatherTicks:  s.WeatherTicks,
			DaylightCycle: s.DaylightCycle,
			WeatherCycle:  s.WeatherCycle,
		})
	}
	sort.SliceStable(st.Worlds, func(i, j int) bool { return st.Worlds[i].ID < st.Worlds[j].ID })
	return st
}

func (m *Manager) writeState(st persistedState) {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(m.stateFile), 0o755); err != nil {
		return
	}
	tmp := m.stateFile + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, m.stateFile)
}
