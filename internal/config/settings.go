// Package config reads the engine-wide settings that live next to the profiles in the
// hierarchical store.
package config

import (
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"realtime.ai/internal/persistence/kv"
)

//go:embed defaults.yaml
var DefaultsYAML []byte

// MinPeriodTicks is the floor applied to every periodic task (one minute at 20 TPS).
const MinPeriodTicks = 1200

const (
	KeyWeatherAPIKey            = "weather-api-key"
	KeyFetchWeatherPeriod       = "fetch-weather-period"
	KeyConfigAutosave           = "config-autosave"
	KeyConfigAutosavePeriod     = "config-autosave-period"
	KeyUnknownCyclePolicy       = "unknown-cycle-policy"
	KeyWeatherFetchTimeoutMS    = "weather-fetch-timeout-ms"
	KeyWeatherRequestsPerSecond = "weather-requests-per-second"
)

const (
	PolicyEnabled  = "enabled"
	PolicyDisabled = "disabled"
)

var validate = validator.New()

type Settings struct {
	WeatherAPIKey            string
	WeatherBaseURL           string  `validate:"omitempty,url"`
	FetchWeatherPeriod       int64   `validate:"gte=1200"`
	ConfigAutosave           bool
	ConfigAutosavePeriod     int64   `validate:"gte=1200"`
	UnknownCyclePolicy       string  `validate:"oneof=enabled disabled"`
	WeatherFetchTimeoutMS    int     `validate:"gte=100,lte=120000"`
	WeatherRequestsPerSecond float64 `validate:"gt=0,lte=1000"`
}

// Overrides come from the process environment and win over stored values.
type Overrides struct {
	WeatherAPIKey  string
	WeatherBaseURL string
}

func Defaults() Settings {
	return Settings{
		FetchWeatherPeriod:       MinPeriodTicks,
		ConfigAutosave:           true,
		ConfigAutosavePeriod:     6000,
		UnknownCyclePolicy:       PolicyEnabled,
		WeatherFetchTimeoutMS:    10000,
		WeatherRequestsPerSecond: 1,
	}
}

// FromStore reads, normalizes and validates the settings. On a validation error the
// returned value is still normalized so callers may log and fall back.
func FromStore(st *kv.Store, o Overrides) (Settings, error) {
	d := Defaults()
	s := Settings{
		WeatherAPIKey:            st.StringOr(KeyWeatherAPIKey, ""),
		FetchWeatherPeriod:       st.Int64(KeyFetchWeatherPeriod, d.FetchWeatherPeriod),
		ConfigAutosave:           st.Bool(KeyConfigAutosave, d.ConfigAutosave),
		ConfigAutosavePeriod:     st.Int64(KeyConfigAutosavePeriod, d.ConfigAutosavePeriod),
		UnknownCyclePolicy:       st.StringOr(KeyUnknownCyclePolicy, d.UnknownCyclePolicy),
		WeatherFetchTimeoutMS:    st.Int(KeyWeatherFetchTimeoutMS, d.WeatherFetchTimeoutMS),
		WeatherRequestsPerSecond: st.Float64(KeyWeatherRequestsPerSecond, d.WeatherRequestsPerSecond),
	}
	if o.WeatherAPIKey != "" {
		s.WeatherAPIKey = o.WeatherAPIKey
	}
	if o.WeatherBaseURL != "" {
		s.WeatherBaseURL = o.WeatherBaseURL
	}
	s.Normalize()
	return s, s.Validate()
}

func (s *Settings) Normalize() {
	s.WeatherAPIKey = strings.TrimSpace(s.WeatherAPIKey)
	s.WeatherBaseURL = strings.TrimRight(strings.TrimSpace(s.WeatherBaseURL), "/")
	s.UnknownCyclePolicy = strings.ToLower(strings.TrimSpace(s.UnknownCyclePolicy))
	if s.FetchWeatherPeriod < MinPeriodTicks {
		s.FetchWeatherPeriod = MinPeriodTicks
	}
	if s.ConfigAutosavePeriod < MinPeriodTicks {
		s.ConfigAutosavePeriod = MinPeriodTicks
	}
}

func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

func (s Settings) WeatherEnabled() bool { return s.WeatherAPIKey != "" }

func (s Settings) FetchTimeout() time.Duration {
	return time.Duration(s.WeatherFetchTimeoutMS) * time.Millisecond
}

// UnknownCycleEnabled is the value used when a world's cycle rule cannot be read.
func (s Settings) UnknownCycleEnabled() bool {
	return s.UnknownCyclePolicy != PolicyDisabled
}
