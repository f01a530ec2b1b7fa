package multiworld

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	TypeNormal = "NORMAL"
	TypeNether = "NETHER"
	TypeTheEnd = "THE_END"
)

const (
	RuleDaylightCycle = "do_daylight_cycle"
	RuleWeatherCycle  = "do_weather_cycle"
)

type Config struct {
	Worlds []WorldSpec `yaml:"worlds"`
}

type WorldSpec struct {
	ID        string    `yaml:"id"`
	Type      string    `yaml:"type"`
	Loaded    *bool     `yaml:"loaded,omitempty"`
	Seed      int64     `yaml:"seed"`
	StartTime int64     `yaml:"start_time"`
	GameRules GameRules `yaml:"game_rules"`
}

// GameRules left nil are unknown to the host.
type GameRules struct {
	DoDaylightCycle *bool `yaml:"do_daylight_cycle,omitempty"`
	DoWeatherCycle  *bool `yaml:"do_weather_cycle,omitempty"`
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	cfg = Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("worlds.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("worlds.yaml: %w", err)
	}
	return cfg, nil
}

func boolPtr(v bool) *bool { return &v }

func defaults() Config {
	return Config{
		Worlds: []WorldSpec{
			{
				ID:   "world",
				Type: TypeNormal,
				Seed: 1337,
				GameRules: GameRules{
					DoDaylightCycle: boolPtr(true),
					DoWeatherCycle:  boolPtr(true),
				},
			},
			{ID: "world_nether", Type: TypeNether, Seed: 1338},
			{ID: "world_the_end", Type: TypeTheEnd, Seed: 1339},
		},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	for i := range c.Worlds {
		w := &c.Worlds[i]
		w.ID = strings.TrimSpace(w.ID)
		w.Type = strings.ToUpper(strings.TrimSpace(w.Type))
		if w.Type == "" {
			w.Type = TypeNormal
		}
		if w.Loaded == nil {
			w.Loaded = boolPtr(true)
		}
	}
}

func (c Config) Validate() error {
	c.Normalize()
	if len(c.Worlds) == 0 {
		return fmt.Errorf("worlds must not be empty")
	}
	seen := map[string]bool{}
	for _, w := range c.Worlds {
		if w.ID == "" {
			return fmt.Errorf("world id must not be empty")
		}
		if strings.Contains(w.ID, ".") {
			return fmt.Errorf("world id %q must not contain '.'", w.ID)
		}
		if seen[w.ID] {
			return fmt.Errorf("duplicate world id: %s", w.ID)
		}
		seen[w.ID] = true
		switch w.Type {
		case TypeNormal, TypeNether, TypeTheEnd:
		default:
			return fmt.Errorf("world %s has unknown type %q", w.ID, w.Type)
		}
	}
	return nil
}

func (c Config) WorldSpecByID(id string) (WorldSpec, bool) {
	for _, w := range c.Worlds {
		if w.ID == id {
			return w, true
		}
	}
	return WorldSpec{}, false
}
