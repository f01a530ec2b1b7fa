package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"realtime.ai/internal/config"
	"realtime.ai/internal/engine"
	"realtime.ai/internal/persistence/kv"
	"realtime.ai/internal/profile"
	"realtime.ai/internal/protocol"
	"realtime.ai/internal/sched"
	"realtime.ai/internal/sim/multiworld"
	"realtime.ai/internal/weather"
)

type fakeHistory struct {
	city    string
	reports []engine.FetchReport
	changes []profile.Change
}

func (f *fakeHistory) History(_ context.Context, city string, _ int) ([]engine.FetchReport, error) {
	f.city = city
	return f.reports, nil
}

func (f *fakeHistory) Changes(context.Context, string, int) ([]profile.Change, error) {
	return f.changes, nil
}

type testEnv struct {
	router http.Handler
	eng    *engine.Engine
	worlds *multiworld.Manager
}

func yes() *bool { v := true; return &v }

func newEnv(t *testing.T, history HistoryReader) *testEnv {
	t.Helper()
	backend, err := kv.OpenYAML(filepath.Join(t.TempDir(), "config.yml"), config.DefaultsYAML)
	if err != nil {
		t.Fatalf("OpenYAML: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	store := profile.NewStore(kv.NewStore(backend), time.UTC)

	mgr, err := multiworld.NewManager(multiworld.Config{Worlds: []multiworld.WorldSpec{
		{ID: "world", Seed: 1, GameRules: multiworld.GameRules{DoDaylightCycle: yes(), DoWeatherCycle: yes()}},
		{ID: "world_nether", Seed: 2},
	}}, "")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(mgr.Close)

	quiet := log.New(io.Discard, "", 0)
	metrics := engine.NewMetrics()
	eng, err := engine.New(engine.Config{
		Store:   store,
		Host:    mgr,
		Sched:   sched.New(sched.Config{Logger: quiet}),
		Cache:   weather.NewCache(),
		Logger:  quiet,
		Metrics: metrics,
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	s := NewServer(Config{Engine: eng, Worlds: mgr, History: history, Metrics: metrics, Logger: quiet})
	env := &testEnv{router: s.Router(), eng: eng, worlds: mgr}
	return env
}

// do serves req from a loopback peer unless remote is set.
func (e *testEnv) do(t *testing.T, method, path, body string, remote ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.RemoteAddr = "127.0.0.1:5000"
	if len(remote) > 0 {
		req.RemoteAddr = remote[0]
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	env := newEnv(t, nil)
	rec, _ := env.do(t, http.MethodGet, "/healthz", "", "203.0.113.9:4000")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz=%d %q", rec.Code, rec.Body.String())
	}
	env.do(t, http.MethodGet, "/admin/v1/state", "")
	rec, _ = env.do(t, http.MethodGet, "/metrics", "", "203.0.113.9:4000")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "realtime_http_requests_total") {
		t.Fatalf("request counter missing from exposition")
	}
}

func TestAdminRejectsRemotePeers(t *testing.T) {
	env := newEnv(t, nil)
	rec, body := env.do(t, http.MethodGet, "/admin/v1/state", "", "203.0.113.9:4000")
	if rec.Code != http.StatusForbidden || body["code"] != protocol.ErrNoPermission {
		t.Fatalf("status=%d body=%v", rec.Code, body)
	}
}

func TestSetField(t *testing.T) {
	env := newEnv(t, nil)
	rec, body := env.do(t, http.MethodPut, "/admin/v1/profiles/default/time-speed", `{"value":"2.5"}`)
	if rec.Code != http.StatusOK || body["time_speed"] != 2.5 {
		t.Fatalf("status=%d body=%v", rec.Code, body)
	}

	rec, body = env.do(t, http.MethodPut, "/admin/v1/profiles/default/time-speed", `{"value":"0"}`)
	if rec.Code != http.StatusBadRequest || body["code"] != protocol.ErrInvalidValue {
		t.Fatalf("zero speed: status=%d body=%v", rec.Code, body)
	}
	rec, body = env.do(t, http.MethodPut, "/admin/v1/profiles/default/colour", `{"value":"red"}`)
	if rec.Code != http.StatusBadRequest || body["code"] != protocol.ErrUnknownField {
		t.Fatalf("unknown field: status=%d body=%v", rec.Code, body)
	}
	rec, body = env.do(t, http.MethodPut, "/admin/v1/profiles/default/sync-time", `{"value":"true","extra":1}`)
	if rec.Code != http.StatusBadRequest || body["code"] != protocol.ErrBadRequest {
		t.Fatalf("unknown json key: status=%d body=%v", rec.Code, body)
	}
	rec, _ = env.do(t, http.MethodPut, "/admin/v1/profiles/default/sync-time", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing value: status=%d", rec.Code)
	}

	rec, body = env.do(t, http.MethodGet, "/admin/v1/profiles/default", "")
	if rec.Code != http.StatusOK || body["time_speed"] != 2.5 || body["stored"] != true {
		t.Fatalf("get: status=%d body=%v", rec.Code, body)
	}
}

func TestCopyAndClear(t *testing.T) {
	env := newEnv(t, nil)
	env.do(t, http.MethodPut, "/admin/v1/profiles/default/weather-city", `{"value":"Oslo"}`)
	rec, body := env.do(t, http.MethodPost, "/admin/v1/profiles/default/copy", `{"to":"nordic"}`)
	if rec.Code != http.StatusOK || body["weather_city"] != "Oslo" || body["name"] != "nordic" {
		t.Fatalf("copy: status=%d body=%v", rec.Code, body)
	}
	rec, _ = env.do(t, http.MethodDelete, "/admin/v1/profiles/nordic", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("clear: status=%d", rec.Code)
	}
	_, body = env.do(t, http.MethodGet, "/admin/v1/profiles/nordic", "")
	if body["stored"] != false || body["weather_city"] != "" {
		t.Fatalf("cleared profile=%v", body)
	}
}

func TestWorldMapping(t *testing.T) {
	env := newEnv(t, nil)
	rec, _ := env.do(t, http.MethodPut, "/admin/v1/worlds/world", `{"profile":"default"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("map: status=%d", rec.Code)
	}
	rec, _ = env.do(t, http.MethodGet, "/admin/v1/worlds", "")
	var resp struct {
		Mapped []profile.Mapping `json:"mapped"`
		Worlds []struct {
			ID      string `json:"id"`
			Profile string `json:"profile"`
		} `json:"worlds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Mapped) != 1 || resp.Mapped[0] != (profile.Mapping{World: "world", Profile: "default"}) {
		t.Fatalf("mapped=%v", resp.Mapped)
	}
	if len(resp.Worlds) != 2 || resp.Worlds[0].Profile != "default" || resp.Worlds[1].Profile != "" {
		t.Fatalf("worlds=%+v", resp.Worlds)
	}

	rec, _ = env.do(t, http.MethodDelete, "/admin/v1/worlds/world", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unmap: status=%d", rec.Code)
	}
	rec, _ = env.do(t, http.MethodPut, "/admin/v1/worlds/a.b", `{"profile":"default"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("dotted world: status=%d", rec.Code)
	}
}

func TestWorldHostOps(t *testing.T) {
	env := newEnv(t, nil)
	rec, _ := env.do(t, http.MethodPut, "/admin/v1/worlds/world_nether/rules/do_daylight_cycle", `{"value":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("set rule: status=%d", rec.Code)
	}
	if on, known := env.worlds.DayCycleEnabled("world_nether"); on || !known {
		t.Fatalf("rule not applied")
	}
	rec, body := env.do(t, http.MethodPut, "/admin/v1/worlds/world/rules/keep_inventory", `{"value":true}`)
	if rec.Code != http.StatusBadRequest || body["code"] != protocol.ErrBadRequest {
		t.Fatalf("unknown rule: status=%d body=%v", rec.Code, body)
	}
	rec, _ = env.do(t, http.MethodPost, "/admin/v1/worlds/world_nether/unload", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unload: status=%d", rec.Code)
	}
	if got := env.worlds.LoadedWorlds(); len(got) != 1 || got[0] != "world" {
		t.Fatalf("loaded=%v", got)
	}
	rec, body = env.do(t, http.MethodPost, "/admin/v1/worlds/nowhere/load", "")
	if rec.Code != http.StatusNotFound || body["code"] != protocol.ErrNotFound {
		t.Fatalf("unknown world: status=%d body=%v", rec.Code, body)
	}
}

func TestForceSyncAppliesTime(t *testing.T) {
	env := newEnv(t, nil)
	env.do(t, http.MethodPut, "/admin/v1/worlds/world", `{"profile":"default"}`)
	env.do(t, http.MethodPut, "/admin/v1/profiles/default/sync-time", `{"value":"true"}`)
	rec, _ := env.do(t, http.MethodPost, "/admin/v1/sync", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("sync: status=%d", rec.Code)
	}
	var reports []engine.SyncReport
	if err := json.Unmarshal(rec.Body.Bytes(), &reports); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(reports) != 1 || len(reports[0].Worlds) != 1 || !reports[0].Worlds[0].TimeApplied {
		t.Fatalf("reports=%+v", reports)
	}
	w, _ := env.worlds.World("world")
	if w.FullTime != reports[0].Reading.Simulated {
		t.Fatalf("world time=%d reading=%+v", w.FullTime, reports[0].Reading)
	}
}

func TestWeatherEndpoints(t *testing.T) {
	env := newEnv(t, nil)
	rec, body := env.do(t, http.MethodPost, "/admin/v1/weather/fetch", "")
	if rec.Code != http.StatusConflict || body["code"] != protocol.ErrWeatherDisabled {
		t.Fatalf("fetch without key: status=%d body=%v", rec.Code, body)
	}
	rec, _ = env.do(t, http.MethodGet, "/admin/v1/weather", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "{}" {
		t.Fatalf("weather=%d %q", rec.Code, rec.Body.String())
	}
	rec, body = env.do(t, http.MethodGet, "/admin/v1/weather/history?city=Oslo", "")
	if rec.Code != http.StatusServiceUnavailable || body["code"] != protocol.ErrUnavailable {
		t.Fatalf("history without index: status=%d body=%v", rec.Code, body)
	}
}

func TestHistory(t *testing.T) {
	h := &fakeHistory{
		reports: []engine.FetchReport{{City: "Oslo", OK: true, State: weather.Rain}},
		changes: []profile.Change{{Op: profile.OpSet, Profile: "default", Field: profile.FieldSyncTime, Value: "true"}},
	}
	env := newEnv(t, h)
	rec, _ := env.do(t, http.MethodGet, "/admin/v1/weather/history", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing city: status=%d", rec.Code)
	}
	rec, _ = env.do(t, http.MethodGet, "/admin/v1/weather/history?city=Oslo&limit=5", "")
	var reports []engine.FetchReport
	if err := json.Unmarshal(rec.Body.Bytes(), &reports); err != nil || len(reports) != 1 || h.city != "Oslo" {
		t.Fatalf("history=%s err=%v", rec.Body.String(), err)
	}
	rec, _ = env.do(t, http.MethodGet, "/admin/v1/changes?profile=default", "")
	var changes []profile.Change
	if err := json.Unmarshal(rec.Body.Bytes(), &changes); err != nil || len(changes) != 1 {
		t.Fatalf("changes=%s err=%v", rec.Body.String(), err)
	}
}

func TestReloadStateAndDebug(t *testing.T) {
	env := newEnv(t, nil)
	rec, body := env.do(t, http.MethodPost, "/admin/v1/reload", "")
	if rec.Code != http.StatusOK || body["state"] != string(engine.StateRunning) {
		t.Fatalf("reload: status=%d body=%v", rec.Code, body)
	}
	rec, body = env.do(t, http.MethodGet, "/admin/v1/state", "")
	if rec.Code != http.StatusOK || body["state"] != string(engine.StateRunning) {
		t.Fatalf("state: status=%d body=%v", rec.Code, body)
	}
	settings, _ := body["settings"].(map[string]any)
	if _, leaked := settings["weather_api_key"]; leaked {
		t.Fatalf("api key exposed in state")
	}
	_, body = env.do(t, http.MethodPost, "/admin/v1/debug", "")
	if body["debug"] != true {
		t.Fatalf("debug=%v", body)
	}
	if !env.eng.Debug() {
		t.Fatalf("engine debug not toggled")
	}
}

func TestBodyLimit(t *testing.T) {
	env := newEnv(t, nil)
	big := `{"value":"` + string(bytes.Repeat([]byte("a"), maxBodyBytes)) + `"}`
	rec, _ := env.do(t, http.MethodPut, "/admin/v1/profiles/default/weather-city", big)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("oversized body: status=%d", rec.Code)
	}
}

func TestDisableAdminKeepsHealthAndMetrics(t *testing.T) {
	env := newEnv(t, nil)
	s := NewServer(Config{Engine: env.eng, Metrics: engine.NewMetrics(), DisableAdmin: true, Logger: log.New(io.Discard, "", 0)})
	env.router = s.Router()
	if rec, _ := env.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz=%d", rec.Code)
	}
	if rec, _ := env.do(t, http.MethodGet, "/admin/v1/state", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("state=%d", rec.Code)
	}
}
