package engine

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	reg *prometheus.Registry

	syncTicks       prometheus.Counter
	timeApplied     prometheus.Counter
	weatherApplied  prometheus.Counter
	worldSkipped    *prometheus.CounterVec
	fetchTotal      *prometheus.CounterVec
	fetchDuration   prometheus.Histogram
	configSaves     *prometheus.CounterVec
	profiles        prometheus.Gauge
	cacheEntries    prometheus.Gauge
	schedulerPanics prometheus.Counter
	engineRunning   prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		syncTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_sync_ticks_total",
			Help: "Time-sync ticks processed.",
		}),
		timeApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_world_time_applied_total",
			Help: "World clock updates applied.",
		}),
		weatherApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_world_weather_applied_total",
			Help: "World weather updates applied.",
		}),
		worldSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_world_skipped_total",
			Help: "World updates skipped because the world's own cycle is off.",
		}, []string{"reason"}),
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_weather_fetch_total",
			Help: "Weather provider lookups by result.",
		}, []string{"result"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "realtime_weather_fetch_duration_seconds",
			Help:    "Weather provider lookup latency.",
			Buckets: prometheus.DefBuckets,
		}),
		configSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_config_saves_total",
			Help: "Config saves by trigger and result.",
		}, []string{"trigger", "result"}),
		profiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_profiles",
			Help: "Profiles in the store.",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_weather_cache_entries",
			Help: "Cities in the weather cache.",
		}),
		schedulerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_scheduler_panics_total",
			Help: "Callbacks aborted by a panic.",
		}),
		engineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_engine_running",
			Help: "1 while the sync engine is enabled.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_http_requests_total",
			Help: "Admin HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "realtime_http_request_duration_seconds",
			Help:    "Admin HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.syncTicks,
		m.timeApplied,
		m.weatherApplied,
		m.worldSkipped,
		m.fetchTotal,
		m.fetchDuration,
		m.configSaves,
		m.profiles,
		m.cacheEntries,
		m.schedulerPanics,
		m.engineRunning,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler records request count and latency for route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		m.httpRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) SyncTick(profiles int) {
	if m == nil {
		return
	}
	m.syncTicks.Inc()
	m.profiles.Set(float64(profiles))
}

func (m *Metrics) TimeApplied() {
	if m == nil {
		return
	}
	m.timeApplied.Inc()
}

func (m *Metrics) WeatherApplied() {
	if m == nil {
		return
	}
	m.weatherApplied.Inc()
}

func (m *Metrics) Skipped(reason string) {
	if m == nil {
		return
	}
	m.worldSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Fetch(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.fetchTotal.WithLabelValues(result).Inc()
	m.fetchDuration.Observe(d.Seconds())
}

func (m *Metrics) ConfigSave(trigger string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.configSaves.WithLabelValues(trigger, result).Inc()
}

func (m *Metrics) CacheEntries(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}

func (m *Metrics) SchedulerPanic() {
	if m == nil {
		return
	}
	m.schedulerPanics.Inc()
}

func (m *Metrics) Running(on bool) {
	if m == nil {
		return
	}
	if on {
		m.engineRunning.Set(1)
	} else {
		m.engineRunning.Set(0)
	}
}
