package engine

import (
	"time"

	"realtime.ai/internal/config"
	"realtime.ai/internal/profile"
	"realtime.ai/internal/timesync"
	"realtime.ai/internal/weather"
)

type State string

const (
	StateStopped State = "STOPPED"
	StateRunning State = "RUNNING"
)

// Reasons a world update was skipped.
const (
	SkipDaylightCycle = "daylight_cycle_off"
	SkipWeatherCycle  = "weather_cycle_off"
)

// WorldSync is what one sync pass did to one world.
type WorldSync struct {
	World          string   `json:"world"`
	TimeApplied    bool     `json:"time_applied"`
	WeatherApplied bool     `json:"weather_applied"`
	Skipped        []string `json:"skipped,omitempty"`
}

// SyncReport describes one profile's share of a sync pass.
type SyncReport struct {
	Profile string           `json:"profile"`
	Reading timesync.Reading `json:"reading"`
	DayTime int64            `json:"day_time"`
	City    string           `json:"city,omitempty"`
	Weather weather.State    `json:"weather"`
	Worlds  []WorldSync      `json:"worlds"`
}

// FetchReport is the outcome of one city lookup.
type FetchReport struct {
	CycleID     string        `json:"cycle_id"`
	City        string        `json:"city"`
	OK          bool          `json:"ok"`
	State       weather.State `json:"state"`
	Main        string        `json:"main,omitempty"`
	Description string        `json:"description,omitempty"`
	Error       string        `json:"error,omitempty"`
	FetchedAt   time.Time     `json:"fetched_at"`
	DurationMS  int64         `json:"duration_ms"`
}

func fetchReport(cycleID string, r weather.Result) FetchReport {
	rep := FetchReport{
		CycleID:    cycleID,
		City:       r.City,
		OK:         r.OK(),
		FetchedAt:  r.Started.Add(r.Duration),
		DurationMS: r.Duration.Milliseconds(),
	}
	if r.OK() {
		rep.State = r.Observation.State
		rep.Main = r.Observation.Main
		rep.Description = r.Observation.Description
	} else {
		rep.Error = r.Err.Error()
	}
	return rep
}

// FetchRecorder receives every fetch outcome on the main context.
type FetchRecorder interface {
	RecordFetch(r FetchReport)
}

// Publisher pushes engine events to observers. It must not block.
type Publisher interface {
	Publish(kind string, payload any)
}

// EngineState is the payload of ENGINE_STATE events.
type EngineState struct {
	State State `json:"state"`
	Debug bool  `json:"debug"`
}

// Status is a consistent snapshot taken on the main context.
type Status struct {
	State    State                    `json:"state"`
	Debug    bool                     `json:"debug"`
	Settings SettingsView             `json:"settings"`
	Profiles []profile.Profile        `json:"profiles"`
	Worlds   []profile.Mapping        `json:"worlds"`
	Loaded   []string                 `json:"loaded_worlds"`
	Weather  map[string]weather.Entry `json:"weather"`
	Pending  int                      `json:"pending_tasks"`
	Tick     uint64                   `json:"tick"`
}

// SettingsView is config.Settings without the API key.
type SettingsView struct {
	WeatherEnabled           bool    `json:"weather_enabled"`
	WeatherBaseURL           string  `json:"weather_base_url,omitempty"`
	FetchWeatherPeriod       int64   `json:"fetch_weather_period"`
	ConfigAutosave           bool    `json:"config_autosave"`
	ConfigAutosavePeriod     int64   `json:"config_autosave_period"`
	UnknownCyclePolicy       string  `json:"unknown_cycle_policy"`
	WeatherFetchTimeoutMS    int     `json:"weather_fetch_timeout_ms"`
	WeatherRequestsPerSecond float64 `json:"weather_requests_per_second"`
}

func viewOf(s config.Settings) SettingsView {
	return SettingsView{
		WeatherEnabled:           s.WeatherEnabled(),
		WeatherBaseURL:           s.WeatherBaseURL,
		FetchWeatherPeriod:       s.FetchWeatherPeriod,
		ConfigAutosave:           s.ConfigAutosave,
		ConfigAutosavePeriod:     s.ConfigAutosavePeriod,
		UnknownCyclePolicy:       s.UnknownCyclePolicy,
		WeatherFetchTimeoutMS:    s.WeatherFetchTimeoutMS,
		WeatherRequestsPerSecond: s.WeatherRequestsPerSecond,
	}
}
