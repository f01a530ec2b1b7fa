// Package engine keeps loaded worlds in step with real time and real weather. All of
// its state is owned by the scheduler's main context; the exported methods hop onto it
// with sched.Call.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"realtime.ai/internal/config"
	"realtime.ai/internal/host"
	"realtime.ai/internal/persistence/kv"
	"realtime.ai/internal/profile"
	"realtime.ai/internal/protocol"
	"realtime.ai/internal/sched"
	"realtime.ai/internal/timesync"
	"realtime.ai/internal/weather"
)

var ErrWeatherDisabled = errors.New("weather api key not configured")

const fetchWorkers = 4

type Config struct {
	Store   *profile.Store
	Host    host.Registry
	Sched   *sched.Scheduler
	Cache   *weather.Cache
	Logger  *log.Logger
	Metrics *Metrics

	Overrides config.Overrides
	// NewProvider builds the weather provider after every refresh that finds an API key.
	NewProvider func(config.Settings) (weather.Provider, error)
	Now         func() time.Time

	Recorders []FetchRecorder
	Publisher Publisher
}

type Engine struct {
	store   *profile.Store
	kv      *kv.Store
	host    host.Registry
	sched   *sched.Scheduler
	cache   *weather.Cache
	logger  *log.Logger
	metrics *Metrics

	overrides   config.Overrides
	newProvider func(config.Settings) (weather.Provider, error)
	now         func() time.Time
	recorders   []FetchRecorder
	pub         Publisher

	// Main context only.
	settings config.Settings
	fetcher  *weather.Fetcher

	running  atomic.Bool
	debug    atomic.Bool
	fetching atomic.Bool
}

func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Host == nil || cfg.Sched == nil {
		return nil, errors.New("engine: store, host and scheduler are required")
	}
	if cfg.Cache == nil {
		cfg.Cache = weather.NewCache()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[engine] ", log.LstdFlags|log.Lmicroseconds)
	}
	if cfg.NewProvider == nil {
		cfg.NewProvider = DefaultProvider
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		store:       cfg.Store,
		kv:          cfg.Store.KV(),
		host:        cfg.Host,
		sched:       cfg.Sched,
		cache:       cfg.Cache,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		overrides:   cfg.Overrides,
		newProvider: cfg.NewProvider,
		now:         cfg.Now,
		recorders:   cfg.Recorders,
		pub:         cfg.Publisher,
		settings:    config.Defaults(),
	}, nil
}

// DefaultProvider is OpenWeatherMap configured from s.
func DefaultProvider(s config.Settings) (weather.Provider, error) {
	p, err := weather.NewOpenWeatherMap(weather.OpenWeatherMapConfig{
		BaseURL: s.WeatherBaseURL,
		APIKey:  s.WeatherAPIKey,
		Timeout: s.FetchTimeout(),
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (e *Engine) Cache() *weather.Cache { return e.cache }

func (e *Engine) State() State {
	if e.running.Load() {
		return StateRunning
	}
	return StateStopped
}

func (e *Engine) Debug() bool { return e.debug.Load() }

// ToggleDebug flips debug mode and returns the new value.
func (e *Engine) ToggleDebug() bool {
	for {
		old := e.debug.Load()
		if e.debug.CompareAndSwap(old, !old) {
			e.publish(protocol.KindEngineState, EngineState{State: e.State(), Debug: !old})
			return !old
		}
	}
}

// Enable starts syncing. It is the same sequence as Refresh.
func (e *Engine) Enable(ctx context.Context) error {
	return e.Refresh(ctx)
}

// Refresh reloads the settings from the store and replaces every scheduled task.
// Unsaved in-memory changes are discarded by the reload.
func (e *Engine) Refresh(ctx context.Context) error {
	return e.sched.Call(ctx, e.refresh)
}

func (e *Engine) refresh() error {
	if err := e.kv.LoadDefaults(); err != nil {
		return fmt.Errorf("load defaults: %w", err)
	}
	if err := e.kv.Reload(); err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	s, err := config.FromStore(e.kv, e.overrides)
	if err != nil {
		e.logger.Printf("settings: %v; falling back to defaults", err)
		key, base := s.WeatherAPIKey, s.WeatherBaseURL
		s = config.Defaults()
		s.WeatherAPIKey, s.WeatherBaseURL = key, base
	}

	e.sched.CancelAll()
	e.settings = s
	e.fetcher = nil
	if s.WeatherEnabled() {
		p, err := e.newProvider(s)
		if err != nil {
			e.logger.Printf("weather provider: %v", err)
		} else {
			e.fetcher = weather.NewFetcher(p, s.WeatherRequestsPerSecond, fetchWorkers)
		}
	}

	e.sched.RunPeriodic(1, 1, e.syncTick)
	if e.fetcher != nil {
		e.sched.RunPeriodic(1, s.FetchWeatherPeriod, e.fetchCycle)
	}
	if s.ConfigAutosave {
		e.sched.RunPeriodic(s.ConfigAutosavePeriod, s.ConfigAutosavePeriod, func() { _ = e.save("autosave") })
	}

	e.running.Store(true)
	e.metrics.Running(true)
	e.publish(protocol.KindEngineState, EngineState{State: StateRunning, Debug: e.Debug()})
	return nil
}

// Disable cancels every scheduled task and saves the store once before returning.
func (e *Engine) Disable(ctx context.Context) error {
	return e.sched.Call(ctx, func() error {
		e.sched.CancelAll()
		e.running.Store(false)
		e.metrics.Running(false)
		e.publish(protocol.KindEngineState, EngineState{State: StateStopped, Debug: e.Debug()})
		return e.save("disable")
	})
}

func (e *Engine) save(trigger string) error {
	err := e.kv.Save()
	e.metrics.ConfigSave(trigger, err)
	if err != nil {
		e.logger.Printf("config save (%s): %v", trigger, err)
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

// Do runs fn against the profile store on the main context.
func (e *Engine) Do(ctx context.Context, fn func(st *profile.Store) error) error {
	return e.sched.Call(ctx, func() error { return fn(e.store) })
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	var st Status
	err := e.sched.Call(ctx, func() error {
		st = Status{
			State:    e.State(),
			Debug:    e.Debug(),
			Settings: viewOf(e.settings),
			Profiles: e.store.List(),
			Worlds:   e.store.MappedWorlds(),
			Loaded:   e.host.LoadedWorlds(),
			Weather:  e.cache.Snapshot(),
			Pending:  e.sched.Pending(),
			Tick:     e.sched.Tick(),
		}
		return nil
	})
	return st, err
}

func (e *Engine) syncTick() {
	e.sync(false)
}

// ForceSync runs one sync pass now and reports what it did.
func (e *Engine) ForceSync(ctx context.Context) ([]SyncReport, error) {
	var reports []SyncReport
	err := e.sched.Call(ctx, func() error {
		reports = e.sync(true)
		if e.Debug() {
			for _, r := range reports {
				e.logger.Printf("sync profile=%q now=%s base=%d speed=%g offset=%d simulated=%d weather=%s",
					r.Profile, r.Reading.Now.Format(time.RFC3339), r.Reading.BaseTicks, r.Reading.Speed,
					r.Reading.Offset, r.Reading.Simulated, r.Weather)
			}
		}
		e.publish(protocol.KindSyncReport, reports)
		return nil
	})
	return reports, err
}

func (e *Engine) sync(inspect bool) []SyncReport {
	now := e.now()
	unknown := e.settings.UnknownCycleEnabled()
	profiles := e.store.List()
	e.metrics.SyncTick(len(profiles))

	var reports []SyncReport
	for _, p := range profiles {
		worlds := e.store.WorldsFor(p.Name, e.host)
		if len(worlds) == 0 {
			continue
		}
		reading := timesync.Inspect(now, p)
		state := e.cache.Get(p.WeatherCity)
		rep := SyncReport{
			Profile: p.Name,
			Reading: reading,
			DayTime: timesync.DayTime(reading.Simulated),
			City:    p.WeatherCity,
			Weather: state,
		}
		for _, w := range worlds {
			ws := WorldSync{World: w}
			if p.SyncTime {
				if on, known := e.host.DayCycleEnabled(w); host.Resolve(on, known, unknown) {
					e.host.SetFullTime(w, reading.Simulated)
					ws.TimeApplied = true
					e.metrics.TimeApplied()
				} else {
					ws.Skipped = append(ws.Skipped, SkipDaylightCycle)
					e.metrics.Skipped(SkipDaylightCycle)
				}
			}
			if p.SyncWeather {
				if on, known := e.host.WeatherCycleEnabled(w); host.Resolve(on, known, unknown) {
					weather.ApplyTo(e.host, w, state)
					ws.WeatherApplied = true
					e.metrics.WeatherApplied()
				} else {
					ws.Skipped = append(ws.Skipped, SkipWeatherCycle)
					e.metrics.Skipped(SkipWeatherCycle)
				}
			}
			rep.Worlds = append(rep.Worlds, ws)
		}
		if inspect {
			reports = append(reports, rep)
		}
	}
	return reports
}

// cities lists the weather city of every profile, synced or not.
func (e *Engine) cities() []string {
	var out []string
	for _, p := range e.store.List() {
		out = append(out, p.WeatherCity)
	}
	return weather.UniqueCities(out)
}

func (e *Engine) fetchCycle() {
	if e.fetcher == nil {
		return
	}
	cities := e.cities()
	if len(cities) == 0 {
		return
	}
	if !e.fetching.CompareAndSwap(false, true) {
		e.logger.Printf("weather fetch still running; skipping cycle")
		return
	}
	f := e.fetcher
	id := uuid.NewString()
	e.sched.RunAsync(func(ctx context.Context) {
		results := collect(ctx, f, cities)
		posted := e.sched.Post(func() {
			e.fetching.Store(false)
			e.commit(id, results)
		})
		if !posted {
			e.fetching.Store(false)
		}
	})
}

// ForceFetchWeather fetches every profile's city on the caller's goroutine and commits
// the results on the main context.
func (e *Engine) ForceFetchWeather(ctx context.Context) ([]FetchReport, error) {
	var (
		f      *weather.Fetcher
		cities []string
	)
	err := e.sched.Call(ctx, func() error {
		if e.fetcher == nil {
			return ErrWeatherDisabled
		}
		f, cities = e.fetcher, e.cities()
		return nil
	})
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	results := collect(ctx, f, cities)
	var reports []FetchReport
	err = e.sched.Call(ctx, func() error {
		reports = e.commit(id, results)
		return nil
	})
	return reports, err
}

// collect returns the results in the order of cities.
func collect(ctx context.Context, f *weather.Fetcher, cities []string) []weather.Result {
	var mu sync.Mutex
	var out []weather.Result
	f.Fetch(ctx, cities, func(r weather.Result) {
		mu.Lock()
		out = append(out, r)
		mu.Unlock()
	})
	rank := make(map[string]int, len(cities))
	for i, c := range cities {
		rank[c] = i
	}
	sort.SliceStable(out, func(i, j int) bool { return rank[out[i].City] < rank[out[j].City] })
	return out
}

func (e *Engine) commit(cycleID string, results []weather.Result) []FetchReport {
	reports := make([]FetchReport, 0, len(results))
	for _, r := range results {
		rep := fetchReport(cycleID, r)
		reports = append(reports, rep)
		e.metrics.Fetch(r.OK(), r.Duration)
		if r.OK() {
			e.cache.Put(r.City, weather.Entry{
				State:     r.Observation.State,
				Main:      r.Observation.Main,
				FetchedAt: rep.FetchedAt,
			})
			if e.Debug() {
				e.logger.Printf("weather city=%q main=%q state=%s", r.City, r.Observation.Main, r.Observation.State)
			}
			e.publish(protocol.KindWeatherUpdated, rep)
		} else {
			e.logger.Printf("weather fetch city=%q: %v", r.City, r.Err)
			e.publish(protocol.KindWeatherFetchFailed, rep)
		}
		for _, rec := range e.recorders {
			if rec != nil {
				rec.RecordFetch(rep)
			}
		}
	}
	e.metrics.CacheEntries(e.cache.Len())
	return reports
}

func (e *Engine) publish(kind string, payload any) {
	if e.pub != nil {
		e.pub.Publish(kind, payload)
	}
}
