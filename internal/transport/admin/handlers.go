package admin

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"realtime.ai/internal/engine"
	"realtime.ai/internal/profile"
	"realtime.ai/internal/protocol"
	"realtime.ai/internal/sim/multiworld"
)

type setFieldRequest struct {
	Value *string `json:"value" validate:"required"`
}

type copyRequest struct {
	To string `json:"to" validate:"required,excludesall=."`
}

type mapWorldRequest struct {
	Profile string `json:"profile" validate:"required,excludesall=."`
}

// A null value makes the rule unknown.
type setRuleRequest struct {
	Value *bool `json:"value"`
}

type okBody struct {
	OK bool `json:"ok"`
}

func (s *Server) getState(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.callCtx(r)
	defer cancel()
	st, err := s.eng.Status(ctx)
	if err != nil {
		s.fail(rw, err)
		return
	}
	resp := struct {
		engine.Status
		Observers int `json:"observers"`
	}{Status: st}
	if s.hub != nil {
		resp.Observers = s.hub.Clients()
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (s *Server) listProfiles(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.callCtx(r)
	defer cancel()
	var out []profile.Profile
	err := s.eng.Do(ctx, func(st *profile.Store) error {
		out = st.List()
		return nil
	})
	if err != nil {
		s.fail(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, out)
}

func (s *Server) getProfile(rw http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ctx, cancel := s.callCtx(r)
	defer cancel()
	var (
		p      profile.Profile
		exists bool
		worlds []string
	)
	err := s.eng.Do(ctx, func(st *profile.Store) error {
		exists = st.Exists(name)
		p = st.Get(name)
		for _, m := range st.MappedWorlds() {
			if m.Profile == name {
				worlds = append(worlds, m.World)
			}
		}
		return nil
	})
	if err != nil {
		s.fail(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, struct {
		profile.Profile
		Stored bool     `json:"stored"`
		Worlds []string `json:"worlds"`
	}{p, exists, worlds})
}

func (s *Server) setField(rw http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	field, err := profile.ParseField(chi.URLParam(r, "field"))
	if err != nil {
		s.fail(rw, err)
		return
	}
	var req setFieldRequest
	if !s.decode(rw, r, &req) {
		return
	}
	ctx, cancel := s.callCtx(r)
	defer cancel()
	var p profile.Profile
	err = s.eng.Do(ctx, func(st *profile.Store) error {
		if err := st.SetField(name, field, *req.Value); err != nil {
			return err
		}
		p = st.Get(name)
		return nil
	})
	if err != nil {
		s.fail(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, p)
}

func (s *Server) copyProfile(rw http.ResponseWriter, r *http.Request) {
	from := chi.URLParam(r, "name")
	var req copyRequest
	if !s.decode(rw, r, &req) {
		return
	}
	ctx, cancel := s.callCtx(r)
	defer cancel()
	var p profile.Profile
	err := s.eng.Do(ctx, func(st *profile.Store) error {
		if err := st.Copy(from, req.To); err != nil {
			return err
		}
		p = st.Get(req.To)
		return nil
	})
	if err != nil {
		s.fail(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, p)
}

func (s *Server) clearProfile(rw http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ctx, cancel := s.callCtx(r)
	defer cancel()
	if err := s.eng.Do(ctx, func(st *profile.Store) error { return st.Clear(name) }); err != nil {
		s.fail(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, okBody{OK: true})
}

func (s *Server) listWorlds(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.callCtx(r)
	defer cancel()
	var mapped []profile.Mapping
	if err := s.eng.Do(ctx, func(st *profile.Store) error { mapped = st.MappedWorlds(); return nil }); err != nil {
		s.fail(rw, err)
		return
	}
	type worldView struct {
		multiworld.WorldState
		Profile string `json:"profile,omitempty"`
	}
	resp := struct {
		Mapped []profile.Mapping `json:"mapped"`
		Worlds []worldView       `json:"worlds"`
	}{Mapped: mapped, Worlds: []worldView{}}
	if s.worlds != nil {
		profiles := make(map[string]string, len(mapped))
		for _, m := range mapped {
			profiles[m.World] = m.Profile
		}
		for _, w := range s.worlds.Worlds() {
			resp.Worlds = append(resp.Worlds, worldView{WorldState: w, Profile: profiles[w.ID]})
		}
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (s *Server) mapWorld(rw http.ResponseWriter, r *http.Request) {
	world := chi.URLParam(r, "world")
	var req mapWorldRequest
	if !s.decode(rw, r, &req) {
		return
	}
	ctx, cancel := s.callCtx(r)
	defer cancel()
	if err := s.eng.Do(ctx, func(st *profile.Store) error { return st.MapWorld(world, req.Profile) }); err != nil {
		s.fail(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, profile.Mapping{World: world, Profile: req.Profile})
}

func (s *Server) unmapWorld(rw http.ResponseWriter, r *http.Request) {
	world := chi.URLParam(r, "world")
	ctx, cancel := s.callCtx(r)
	defer cancel()
	if err := s.eng.Do(ctx, func(st *profile.Store) error { return st.UnmapWorld(world) }); err != nil {
		s.fail(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, okBody{OK: true})
}

func (s *Server) loadWorld(rw http.ResponseWriter, r *http.Request) {
	s.worldOp(rw, r, func(id string) error { return s.worlds.Load(id) })
}

func (s *Server) unloadWorld(rw http.ResponseWriter, r *http.Request) {
	s.worldOp(rw, r, func(id string) error { return s.worlds.Unload(id) })
}

func (s *Server) setRule(rw http.ResponseWriter, r *http.Request) {
	var req setRuleRequest
	if !s.decode(rw, r, &req) {
		return
	}
	rule := chi.URLParam(r, "rule")
	s.worldOp(rw, r, func(id string) error { return s.worlds.SetGameRule(id, rule, req.Value) })
}

func (s *Server) worldOp(rw http.ResponseWriter, r *http.Request, fn func(id string) error) {
	if s.worlds == nil {
		writeError(rw, http.StatusNotFound, protocol.ErrNotFound, "no world host")
		return
	}
	if err := fn(chi.URLParam(r, "world")); err != nil {
		s.fail(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, okBody{OK: true})
}

func (s *Server) forceSync(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.callCtx(r)
	defer cancel()
	reports, err := s.eng.ForceSync(ctx)
	if err != nil {
		s.fail(rw, err)
		return
	}
	if reports == nil {
		reports = []engine.SyncReport{}
	}
	writeJSON(rw, http.StatusOK, reports)
}

func (s *Server) getWeather(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, s.eng.Cache().Snapshot())
}

func (s *Server) forceFetch(rw http.ResponseWriter, r *http.Request) {
	// Lookups run on this goroutine; only the commit waits for the main context.
	reports, err := s.eng.ForceFetchWeather(r.Context())
	if err != nil {
		s.fail(rw, err)
		return
	}
	if reports == nil {
		reports = []engine.FetchReport{}
	}
	writeJSON(rw, http.StatusOK, reports)
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}

func (s *Server) weatherHistory(rw http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(rw, http.StatusServiceUnavailable, protocol.ErrUnavailable, "history index disabled")
		return
	}
	city := strings.TrimSpace(r.URL.Query().Get("city"))
	if city == "" {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "city is required")
		return
	}
	out, err := s.history.History(r.Context(), city, limitParam(r))
	if err != nil {
		s.fail(rw, err)
		return
	}
	if out == nil {
		out = []engine.FetchReport{}
	}
	writeJSON(rw, http.StatusOK, out)
}

func (s *Server) changes(rw http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(rw, http.StatusServiceUnavailable, protocol.ErrUnavailable, "history index disabled")
		return
	}
	out, err := s.history.Changes(r.Context(), strings.TrimSpace(r.URL.Query().Get("profile")), limitParam(r))
	if err != nil {
		s.fail(rw, err)
		return
	}
	if out == nil {
		out = []profile.Change{}
	}
	writeJSON(rw, http.StatusOK, out)
}

func (s *Server) reload(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.callCtx(r)
	defer cancel()
	if err := s.eng.Refresh(ctx); err != nil {
		s.fail(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, struct {
		OK    bool         `json:"ok"`
		State engine.State `json:"state"`
	}{true, s.eng.State()})
}

func (s *Server) toggleDebug(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, struct {
		Debug bool `json:"debug"`
	}{s.eng.ToggleDebug()})
}
