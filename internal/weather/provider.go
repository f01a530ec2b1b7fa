package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const DefaultBaseURL = "https://api.openweathermap.org/data/2.5"

const keyMask = "*****"

var ErrNoCondition = errors.New("response has no weather[0].main")

// Observation is one provider report for a city.
type Observation struct {
	City        string `json:"city"`
	Main        string `json:"main"`
	Description string `json:"description,omitempty"`
	State       State  `json:"state"`
}

type Provider interface {
	Current(ctx context.Context, city string) (Observation, error)
}

// StatusError is returned for non-2xx provider responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider status %d", e.Code)
	}
	return fmt.Sprintf("provider status %d: %s", e.Code, e.Body)
}

const currentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["weather"],
  "properties": {
    "weather": {
      "type": "array",
      "minItems": 1,
      "items": [
        {
          "type": "object",
          "required": ["main"],
          "properties": {
            "main": {"type": "string"},
            "description": {"type": "string"}
          }
        }
      ]
    }
  }
}`

var currentSchemaCompiled = mustCompileSchema("owm-current.json", currentSchema)

func mustCompileSchema(name, src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(src)); err != nil {
		panic(err)
	}
	return c.MustCompile(name)
}

type OpenWeatherMapConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// Optional; defaults to a client with Timeout.
	HTTPClient *http.Client
}

// OpenWeatherMap queries the current-weather endpoint.
type OpenWeatherMap struct {
	base    string
	key     string
	timeout time.Duration
	client  *http.Client
}

func NewOpenWeatherMap(cfg OpenWeatherMapConfig) (*OpenWeatherMap, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("missing api key")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &OpenWeatherMap{base: base, key: cfg.APIKey, timeout: cfg.Timeout, client: client}, nil
}

func (o *OpenWeatherMap) Current(ctx context.Context, city string) (Observation, error) {
	obs := Observation{City: city}
	u := fmt.Sprintf("%s/weather?q=%s&appid=%s", o.base, url.QueryEscape(city), url.QueryEscape(o.key))

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return obs, fmt.Errorf("build request: %w", o.mask(err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return obs, o.mask(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return obs, fmt.Errorf("read body: %w", o.mask(err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return obs, &StatusError{Code: resp.StatusCode, Body: MaskKey(snippet, o.key)}
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return obs, fmt.Errorf("decode body: %w", err)
	}
	if err := currentSchemaCompiled.Validate(doc); err != nil {
		return obs, fmt.Errorf("%w: %v", ErrNoCondition, err)
	}
	var payload struct {
		Weather []struct {
			Main        string `json:"main"`
			Description string `json:"description"`
		} `json:"weather"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Weather) == 0 {
		return obs, ErrNoCondition
	}
	obs.Main = payload.Weather[0].Main
	obs.Description = payload.Weather[0].Description
	obs.State = Classify(obs.Main)
	return obs, nil
}

// mask removes the api key from err, keeping the chain for errors.Is/As.
func (o *OpenWeatherMap) mask(err error) error {
	if err == nil || o.key == "" {
		return err
	}
	if ue, ok := err.(*url.Error); ok {
		c := *ue
		c.URL = MaskKey(c.URL, o.key)
		err = &c
	}
	msg := err.Error()
	if !strings.Contains(msg, o.key) && !strings.Contains(msg, url.QueryEscape(o.key)) {
		return err
	}
	return &maskedError{msg: MaskKey(msg, o.key), err: err}
}

// MaskKey replaces every occurrence of key (raw or query-escaped) in s.
func MaskKey(s, key string) string {
	if key == "" {
		return s
	}
	s = strings.ReplaceAll(s, key, keyMask)
	if esc := url.QueryEscape(key); esc != key {
		s = strings.ReplaceAll(s, esc, keyMask)
	}
	return s
}

type maskedError struct {
	msg string
	err error
}

func (e *maskedError) Error() string { return e.msg }
func (e *maskedError) Unwrap() error { return e.err }
