package engine

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"realtime.ai/internal/config"
	"realtime.ai/internal/persistence/kv"
	"realtime.ai/internal/profile"
	"realtime.ai/internal/protocol"
	"realtime.ai/internal/sched"
	"realtime.ai/internal/weather"
)

type rules struct{ day, weather *bool }

type fakeHost struct {
	loaded  []string
	rules   map[string]rules
	time    map[string]int64
	storm   map[string]bool
	thunder map[string]bool
	calls   map[string]int
}

func newFakeHost(loaded ...string) *fakeHost {
	return &fakeHost{
		loaded:  loaded,
		rules:   map[string]rules{},
		time:    map[string]int64{},
		storm:   map[string]bool{},
		thunder: map[string]bool{},
		calls:   map[string]int{},
	}
}

func b(v bool) *bool { return &v }

func (h *fakeHost) LoadedWorlds() []string { return h.loaded }

func (h *fakeHost) DayCycleEnabled(w string) (bool, bool) {
	r := h.rules[w]
	if r.day == nil {
		return false, false
	}
	return *r.day, true
}

func (h *fakeHost) WeatherCycleEnabled(w string) (bool, bool) {
	r := h.rules[w]
	if r.weather == nil {
		return false, false
	}
	return *r.weather, true
}

func (h *fakeHost) SetFullTime(w string, t int64)    { h.time[w] = t; h.calls[w]++ }
func (h *fakeHost) SetStorm(w string, on bool)      { h.storm[w] = on; h.calls[w]++ }
func (h *fakeHost) SetThundering(w string, on bool) { h.thunder[w] = on; h.calls[w]++ }

type providerFunc func(ctx context.Context, city string) (weather.Observation, error)

func (f providerFunc) Current(ctx context.Context, city string) (weather.Observation, error) {
	return f(ctx, city)
}

type fetchLog struct {
	mu      sync.Mutex
	reports []FetchReport
}

func (f *fetchLog) RecordFetch(r FetchReport) {
	f.mu.Lock()
	f.reports = append(f.reports, r)
	f.mu.Unlock()
}

type events struct{ kinds []string }

func (e *events) Publish(kind string, _ any) { e.kinds = append(e.kinds, kind) }

type harness struct {
	eng    *Engine
	sched  *sched.Scheduler
	host   *fakeHost
	cache  *weather.Cache
	path   string
	logs   *bytes.Buffer
	events *events
	fetch  *fetchLog
}

type options struct {
	apiKey   string
	provider weather.Provider
	now      time.Time
}

func newHarness(t *testing.T, yamlText string, h *fakeHost, o options) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if yamlText != "" {
		if err := os.WriteFile(path, []byte(yamlText), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	backend, err := kv.OpenYAML(path, config.DefaultsYAML)
	if err != nil {
		t.Fatalf("OpenYAML: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	if o.now.IsZero() {
		o.now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	}
	now := o.now
	store := profile.NewStore(kv.NewStore(backend), time.UTC)
	store.SetClock(func() time.Time { return now })

	var logs bytes.Buffer
	s := sched.New(sched.Config{Logger: log.New(&logs, "", 0)})
	hr := &harness{
		sched:  s,
		host:   h,
		cache:  weather.NewCache(),
		path:   path,
		logs:   &logs,
		events: &events{},
		fetch:  &fetchLog{},
	}
	provider := o.provider
	eng, err := New(Config{
		Store:     store,
		Host:      h,
		Sched:     s,
		Cache:     hr.cache,
		Logger:    log.New(&logs, "", 0),
		Metrics:   NewMetrics(),
		Overrides: config.Overrides{WeatherAPIKey: o.apiKey},
		NewProvider: func(config.Settings) (weather.Provider, error) {
			if provider == nil {
				return nil, errors.New("no provider")
			}
			return provider, nil
		},
		Now:       func() time.Time { return now },
		Recorders: []FetchRecorder{hr.fetch},
		Publisher: hr.events,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	hr.eng = eng
	return hr
}

const endToEndConfig = `
settings:
  default:
    sync-time: true
    time-zero: "2000-01-01T00:00:00"
    time-offset: 100
    time-speed: 2.0
worlds:
  w1: default
`

func TestSync_EndToEnd(t *testing.T) {
	h := newFakeHost("w1")
	h.rules["w1"] = rules{day: b(true), weather: b(true)}
	hr := newHarness(t, endToEndConfig, h, options{
		now: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC).Add(10000 * time.Second),
	})
	if err := hr.eng.Enable(context.Background()); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	hr.sched.Step()
	if got := h.time["w1"]; got != 41654 {
		t.Fatalf("w1 time=%d want 41654", got)
	}
	if _, touched := h.storm["w1"]; touched {
		t.Fatalf("weather applied while sync-weather is off")
	}
}

const gatingConfig = `
unknown-cycle-policy: %s
settings:
  p:
    sync-time: true
    time-zero: "2024-06-01T00:00:00"
    sync-weather: true
    weather-city: London
worlds:
  w_on: p
  w_off: p
  w_unknown: p
  w_unloaded: p
`

func gatingHost() *fakeHost {
	h := newFakeHost("w_on", "w_off", "w_unknown", "w_other")
	h.rules["w_on"] = rules{day: b(true), weather: b(true)}
	h.rules["w_off"] = rules{day: b(false), weather: b(false)}
	return h
}

func TestSync_RespectsWorldCycles(t *testing.T) {
	h := gatingHost()
	hr := newHarness(t, strings.Replace(gatingConfig, "%s", "enabled", 1), h, options{})
	hr.cache.Put("London", weather.Entry{State: weather.Thunder, Main: "Thunderstorm"})
	if err := hr.eng.Enable(context.Background()); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	hr.sched.Step()

	for _, w := range []string{"w_on", "w_unknown"} {
		if _, ok := h.time[w]; !ok {
			t.Fatalf("%s: time not applied", w)
		}
		if !h.storm[w] || !h.thunder[w] {
			t.Fatalf("%s: storm=%v thunder=%v", w, h.storm[w], h.thunder[w])
		}
	}
	if h.calls["w_off"] != 0 {
		t.Fatalf("world with cycles off was mutated %d times", h.calls["w_off"])
	}
	if h.calls["w_other"] != 0 || h.calls["w_unloaded"] != 0 {
		t.Fatalf("unmapped or unloaded world mutated")
	}
}

func TestSync_UnknownPolicyDisabled(t *testing.T) {
	h := gatingHost()
	hr := newHarness(t, strings.Replace(gatingConfig, "%s", "disabled", 1), h, options{})
	if err := hr.eng.Enable(context.Background()); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	hr.sched.Step()
	if h.calls["w_unknown"] != 0 {
		t.Fatalf("unknown world mutated under disabled policy")
	}
	if h.calls["w_on"] == 0 {
		t.Fatalf("enabled world not synced")
	}
}

func TestForceSync_Reports(t *testing.T) {
	h := gatingHost()
	hr := newHarness(t, strings.Replace(gatingConfig, "%s", "enabled", 1), h, options{})
	hr.cache.Put("London", weather.Entry{State: weather.Rain})

	reports, err := hr.eng.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("ForceSync: %v", err)
	}
	if len(reports) != 1 || reports[0].Profile != "p" || reports[0].Weather != weather.Rain {
		t.Fatalf("reports=%+v", reports)
	}
	ws := reports[0].Worlds
	if len(ws) != 3 || ws[0].World != "w_on" || ws[1].World != "w_off" || ws[2].World != "w_unknown" {
		t.Fatalf("worlds=%+v", ws)
	}
	if !ws[0].TimeApplied || !ws[0].WeatherApplied || len(ws[0].Skipped) != 0 {
		t.Fatalf("on=%+v", ws[0])
	}
	if ws[1].TimeApplied || ws[1].WeatherApplied || len(ws[1].Skipped) != 2 {
		t.Fatalf("off=%+v", ws[1])
	}
	if h.storm["w_on"] != true || h.thunder["w_on"] != false {
		t.Fatalf("rain not applied: storm=%v thunder=%v", h.storm["w_on"], h.thunder["w_on"])
	}
	if n := len(hr.events.kinds); n == 0 || hr.events.kinds[n-1] != protocol.KindSyncReport {
		t.Fatalf("events=%v", hr.events.kinds)
	}
}

func TestRefresh_ReplacesTasks(t *testing.T) {
	h := newFakeHost()
	hr := newHarness(t, "", h, options{})
	ctx := context.Background()

	if err := hr.eng.Enable(ctx); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	// sync + autosave; no API key means no fetch task.
	if got := hr.sched.Pending(); got != 2 {
		t.Fatalf("pending=%d want 2", got)
	}
	if err := hr.eng.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := hr.sched.Pending(); got != 2 {
		t.Fatalf("pending after refresh=%d want 2", got)
	}
	if hr.eng.State() != StateRunning {
		t.Fatalf("state=%s", hr.eng.State())
	}
	if err := hr.eng.Disable(ctx); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if hr.sched.Pending() != 0 || hr.eng.State() != StateStopped {
		t.Fatalf("pending=%d state=%s", hr.sched.Pending(), hr.eng.State())
	}
}

func TestRefresh_DiscardsUnsavedChanges(t *testing.T) {
	hr := newHarness(t, "", newFakeHost(), options{})
	ctx := context.Background()
	if err := hr.eng.Enable(ctx); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	_ = hr.eng.Do(ctx, func(st *profile.Store) error { return st.SetWeatherCity("default", "Oslo") })
	if err := hr.eng.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	var city string
	_ = hr.eng.Do(ctx, func(st *profile.Store) error { city = st.Get("default").WeatherCity; return nil })
	if city != "" {
		t.Fatalf("city=%q want reload to drop it", city)
	}
}

func TestDisable_Saves(t *testing.T) {
	hr := newHarness(t, "", newFakeHost(), options{})
	ctx := context.Background()
	if err := hr.eng.Enable(ctx); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := hr.eng.Do(ctx, func(st *profile.Store) error { return st.SetWeatherCity("default", "Oslo") }); err != nil {
		t.Fatalf("SetWeatherCity: %v", err)
	}
	if err := hr.eng.Disable(ctx); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	raw, err := os.ReadFile(hr.path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(raw), "weather-city: Oslo") {
		t.Fatalf("saved config missing city:\n%s", raw)
	}
}

func TestAutosave(t *testing.T) {
	hr := newHarness(t, "config-autosave-period: 1200\n", newFakeHost(), options{})
	ctx := context.Background()
	if err := hr.eng.Enable(ctx); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	_ = hr.eng.Do(ctx, func(st *profile.Store) error { return st.SetSyncTime("default", true) })
	for i := 0; i < 1199; i++ {
		hr.sched.Step()
	}
	raw, _ := os.ReadFile(hr.path)
	if strings.Contains(string(raw), "default") {
		t.Fatalf("saved before the autosave period:\n%s", raw)
	}
	hr.sched.Step()
	raw, _ = os.ReadFile(hr.path)
	if !strings.Contains(string(raw), "sync-time: true") {
		t.Fatalf("autosave did not write:\n%s", raw)
	}
}

const fetchConfig = `
settings:
  a:
    weather-city: London
  b:
    weather-city: Nowhere
  c:
    weather-city: London
`

func cityProvider(calls *sync.Map) weather.Provider {
	return providerFunc(func(ctx context.Context, city string) (weather.Observation, error) {
		n, _ := calls.LoadOrStore(city, new(int))
		*(n.(*int))++
		if city == "London" {
			return weather.Observation{City: city, Main: "Rain", State: weather.Rain}, nil
		}
		return weather.Observation{}, &weather.StatusError{Code: 404, Body: "city not found"}
	})
}

func TestFetchCycle_FailureKeepsPriorEntry(t *testing.T) {
	var calls sync.Map
	hr := newHarness(t, fetchConfig, newFakeHost(), options{apiKey: "k", provider: cityProvider(&calls)})
	hr.cache.Put("Nowhere", weather.Entry{State: weather.Thunder})

	if err := hr.eng.Enable(context.Background()); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if got := hr.sched.Pending(); got != 3 {
		t.Fatalf("pending=%d want 3", got)
	}
	hr.sched.Step()
	hr.sched.WaitAsync()
	hr.sched.Step()

	if hr.cache.Get("London") != weather.Rain {
		t.Fatalf("London=%s", hr.cache.Get("London"))
	}
	if hr.cache.Get("Nowhere") != weather.Thunder {
		t.Fatalf("Nowhere=%s want prior THUNDER", hr.cache.Get("Nowhere"))
	}
	n, _ := calls.Load("London")
	if *(n.(*int)) != 1 {
		t.Fatalf("London fetched %d times", *(n.(*int)))
	}
	if !strings.Contains(hr.logs.String(), `weather fetch city="Nowhere"`) {
		t.Fatalf("failure not logged: %s", hr.logs.String())
	}
	if len(hr.fetch.reports) != 2 || hr.fetch.reports[0].City != "London" || hr.fetch.reports[1].OK {
		t.Fatalf("reports=%+v", hr.fetch.reports)
	}
	if hr.fetch.reports[0].CycleID == "" || hr.fetch.reports[0].CycleID != hr.fetch.reports[1].CycleID {
		t.Fatalf("cycle ids=%q %q", hr.fetch.reports[0].CycleID, hr.fetch.reports[1].CycleID)
	}
}

func TestFetch_NoKeyIsNoop(t *testing.T) {
	called := false
	p := providerFunc(func(context.Context, string) (weather.Observation, error) {
		called = true
		return weather.Observation{}, nil
	})
	hr := newHarness(t, fetchConfig, newFakeHost(), options{provider: p})
	ctx := context.Background()
	if err := hr.eng.Enable(ctx); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	for i := 0; i < 3; i++ {
		hr.sched.Step()
	}
	hr.sched.WaitAsync()
	if _, err := hr.eng.ForceFetchWeather(ctx); !errors.Is(err, ErrWeatherDisabled) {
		t.Fatalf("ForceFetchWeather err=%v", err)
	}
	if called || hr.cache.Len() != 0 {
		t.Fatalf("provider called without a key")
	}
}

func TestForceFetchWeather(t *testing.T) {
	var calls sync.Map
	hr := newHarness(t, fetchConfig, newFakeHost(), options{apiKey: "k", provider: cityProvider(&calls)})
	ctx := context.Background()
	if err := hr.eng.Enable(ctx); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	reports, err := hr.eng.ForceFetchWeather(ctx)
	if err != nil {
		t.Fatalf("ForceFetchWeather: %v", err)
	}
	if len(reports) != 2 || reports[0].City != "London" || !reports[0].OK || reports[1].City != "Nowhere" || reports[1].OK {
		t.Fatalf("reports=%+v", reports)
	}
	if reports[1].Error == "" {
		t.Fatalf("missing error text")
	}
	if hr.cache.Get("London") != weather.Rain {
		t.Fatalf("London not cached")
	}
}

func TestRefresh_InvalidSettingsFallBack(t *testing.T) {
	hr := newHarness(t, "unknown-cycle-policy: sometimes\n", newFakeHost(), options{})
	if err := hr.eng.Enable(context.Background()); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	st, err := hr.eng.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Settings.UnknownCyclePolicy != config.PolicyEnabled {
		t.Fatalf("policy=%q", st.Settings.UnknownCyclePolicy)
	}
	if !strings.Contains(hr.logs.String(), "falling back to defaults") {
		t.Fatalf("fallback not logged: %s", hr.logs.String())
	}
}

func TestToggleDebug(t *testing.T) {
	hr := newHarness(t, "", newFakeHost(), options{})
	if !hr.eng.ToggleDebug() || !hr.eng.Debug() {
		t.Fatalf("debug not enabled")
	}
	if hr.eng.ToggleDebug() {
		t.Fatalf("debug not disabled")
	}
}
