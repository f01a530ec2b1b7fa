// Package admin is the loopback-only HTTP control surface of the sync engine.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"realtime.ai/internal/engine"
	"realtime.ai/internal/profile"
	"realtime.ai/internal/protocol"
	"realtime.ai/internal/sched"
	"realtime.ai/internal/sim/multiworld"
	"realtime.ai/internal/transport/observer"
)

const maxBodyBytes = 64 * 1024

// WorldHost is the admin view of the in-process world host.
type WorldHost interface {
	Worlds() []multiworld.WorldState
	Load(id string) error
	Unload(id string) error
	SetGameRule(id, rule string, value *bool) error
}

// HistoryReader serves the persisted weather and change history.
type HistoryReader interface {
	History(ctx context.Context, city string, limit int) ([]engine.FetchReport, error)
	Changes(ctx context.Context, name string, limit int) ([]profile.Change, error)
}

type Config struct {
	Engine  *engine.Engine
	Worlds  WorldHost
	History HistoryReader
	Hub     *observer.Hub
	Metrics *engine.Metrics
	Logger  *log.Logger
	// Per-request deadline for calls onto the main context.
	CallTimeout time.Duration
	// Only /healthz and /metrics are served when set.
	DisableAdmin bool
}

type Server struct {
	eng      *engine.Engine
	worlds   WorldHost
	history  HistoryReader
	hub      *observer.Hub
	metrics  *engine.Metrics
	log      *log.Logger
	timeout  time.Duration
	disabled bool
	validate *validator.Validate
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[admin] ", log.LstdFlags|log.Lmicroseconds)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	return &Server{
		eng:      cfg.Engine,
		worlds:   cfg.Worlds,
		history:  cfg.History,
		hub:      cfg.Hub,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		timeout:  cfg.CallTimeout,
		disabled: cfg.DisableAdmin,
		validate: validator.New(),
	}
}

// Router builds the full handler tree. /healthz and /metrics are open; everything
// under /admin/v1 requires a loopback peer.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	if s.disabled {
		return r
	}

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(loopbackOnly)
		r.Use(maxBytes(maxBodyBytes))

		s.handle(r, http.MethodGet, "/state", s.getState)

		s.handle(r, http.MethodGet, "/profiles", s.listProfiles)
		s.handle(r, http.MethodGet, "/profiles/{name}", s.getProfile)
		s.handle(r, http.MethodDelete, "/profiles/{name}", s.clearProfile)
		s.handle(r, http.MethodPost, "/profiles/{name}/copy", s.copyProfile)
		s.handle(r, http.MethodPut, "/profiles/{name}/{field}", s.setField)

		s.handle(r, http.MethodGet, "/worlds", s.listWorlds)
		s.handle(r, http.MethodPut, "/worlds/{world}", s.mapWorld)
		s.handle(r, http.MethodDelete, "/worlds/{world}", s.unmapWorld)
		s.handle(r, http.MethodPost, "/worlds/{world}/load", s.loadWorld)
		s.handle(r, http.MethodPost, "/worlds/{world}/unload", s.unloadWorld)
		s.handle(r, http.MethodPut, "/worlds/{world}/rules/{rule}", s.setRule)

		s.handle(r, http.MethodPost, "/sync", s.forceSync)
		s.handle(r, http.MethodGet, "/weather", s.getWeather)
		s.handle(r, http.MethodPost, "/weather/fetch", s.forceFetch)
		s.handle(r, http.MethodGet, "/weather/history", s.weatherHistory)
		s.handle(r, http.MethodGet, "/changes", s.changes)

		s.handle(r, http.MethodPost, "/reload", s.reload)
		s.handle(r, http.MethodPost, "/debug", s.toggleDebug)

		if s.hub != nil {
			r.Get("/events/ws", s.hub.WSHandler())
		}
	})
	return r
}

func (s *Server) handle(r chi.Router, method, pattern string, fn http.HandlerFunc) {
	r.Method(method, pattern, s.metrics.WrapHandler(method+" /admin/v1"+pattern, fn))
}

func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if !observer.IsLoopbackRemote(r.RemoteAddr) {
			writeError(rw, http.StatusForbidden, protocol.ErrNoPermission, "forbidden")
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func maxBytes(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(rw, r.Body, n)
			}
			next.ServeHTTP(rw, r)
		})
	}
}

type errorBody struct {
	OK    bool   `json:"ok"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, code, msg string) {
	writeJSON(rw, status, errorBody{OK: false, Code: code, Error: msg})
}

// fail maps an error from the store, the engine or the scheduler onto a response.
func (s *Server) fail(rw http.ResponseWriter, err error) {
	var ve *profile.ValidationError
	switch {
	case errors.Is(err, profile.ErrUnknownField):
		writeError(rw, http.StatusBadRequest, protocol.ErrUnknownField, err.Error())
	case errors.As(err, &ve):
		writeError(rw, http.StatusBadRequest, protocol.ErrInvalidValue, err.Error())
	case errors.Is(err, engine.ErrWeatherDisabled):
		writeError(rw, http.StatusConflict, protocol.ErrWeatherDisabled, err.Error())
	case errors.Is(err, sched.ErrStopped), errors.Is(err, context.DeadlineExceeded):
		writeError(rw, http.StatusServiceUnavailable, protocol.ErrUnavailable, err.Error())
	case errors.Is(err, multiworld.ErrUnknownWorld):
		writeError(rw, http.StatusNotFound, protocol.ErrNotFound, err.Error())
	case errors.Is(err, multiworld.ErrUnknownRule):
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
	default:
		s.log.Printf("admin request failed: %v", err)
		writeError(rw, http.StatusInternalServerError, protocol.ErrInternal, "internal error")
	}
}

// decode reads a JSON body into v and runs the struct validator over it.
func (s *Server) decode(rw http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "invalid JSON payload")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return false
	}
	return true
}

func (s *Server) callCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.timeout)
}
