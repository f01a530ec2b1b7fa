package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"realtime.ai/internal/config"
	"realtime.ai/internal/engine"
	"realtime.ai/internal/persistence/kv"
	persistlog "realtime.ai/internal/persistence/log"
	"realtime.ai/internal/profile"
	"realtime.ai/internal/sched"
	"realtime.ai/internal/sim/multiworld"
	"realtime.ai/internal/transport/admin"
	"realtime.ai/internal/transport/observer"
)

func main() {
	var (
		addr       = flag.String("addr", "127.0.0.1:8080", "http listen address")
		configPath = flag.String("config", "", "settings store path (default: <data>/config.yml or <data>/config.sqlite)")
		worldsPath = flag.String("worlds", "./configs/worlds.yaml", "in-process world host config (built-in worlds when missing)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		storeKind  = flag.String("store", "yaml", "settings store backend: yaml|sqlite")
		tickMS     = flag.Int("tick_ms", int(sched.DefaultInterval/time.Millisecond), "scheduler tick interval in milliseconds")
		disableDB  = flag.Bool("disable_db", false, "disable the weather/change history index")
		location   = flag.String("location", "Local", "time zone used to read time-zero values")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Printf(".env: %v", err)
	}

	loc, err := time.LoadLocation(strings.TrimSpace(*location))
	if err != nil {
		logger.Fatalf("location %q: %v", *location, err)
	}
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	backend, err := openBackend(*storeKind, *configPath, *dataDir)
	if err != nil {
		logger.Fatalf("open settings store: %v", err)
	}
	defer backend.Close()

	idx, err := openIndex(*dataDir, *disableDB, os.Getenv("RT_INDEX_BACKEND"))
	if err != nil {
		logger.Fatalf("open history index: %v", err)
	}

	hub := observer.NewHub(log.New(os.Stdout, "[observer] ", log.LstdFlags|log.Lmicroseconds))
	auditLog := persistlog.NewAuditLogger(*dataDir, logger)
	weatherLog := persistlog.NewWeatherLogger(*dataDir, logger)

	store := profile.NewStore(kv.NewStore(backend), loc)
	changeRecs := profile.Recorders{auditLog, hub}
	fetchRecs := []engine.FetchRecorder{weatherLog}
	var history admin.HistoryReader
	if idx != nil {
		changeRecs = append(changeRecs, idx)
		fetchRecs = append(fetchRecs, idx)
		history = idx
	}
	store.SetRecorder(changeRecs)

	worldsCfg, err := loadWorlds(*worldsPath)
	if err != nil {
		logger.Fatalf("load worlds config: %v", err)
	}
	worlds, err := multiworld.NewManager(worldsCfg, filepath.Join(*dataDir, "worlds_state.json"))
	if err != nil {
		logger.Fatalf("world host: %v", err)
	}

	metrics := engine.NewMetrics()
	interval := time.Duration(*tickMS) * time.Millisecond
	s := sched.New(sched.Config{
		Interval: interval,
		Logger:   log.New(os.Stdout, "[sched] ", log.LstdFlags|log.Lmicroseconds),
		OnPanic:  func(any) { metrics.SchedulerPanic() },
	})

	eng, err := engine.New(engine.Config{
		Store:   store,
		Host:    worlds,
		Sched:   s,
		Logger:  log.New(os.Stdout, "[engine] ", log.LstdFlags|log.Lmicroseconds),
		Metrics: metrics,
		Overrides: config.Overrides{
			WeatherAPIKey:  strings.TrimSpace(os.Getenv("RT_WEATHER_API_KEY")),
			WeatherBaseURL: strings.TrimSpace(os.Getenv("RT_WEATHER_BASE_URL")),
		},
		Recorders: fetchRecs,
		Publisher: hub,
	})
	if err != nil {
		logger.Fatalf("engine: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := s.Run(loopCtx); err != nil && err != context.Canceled {
			logger.Printf("scheduler stopped: %v", err)
		}
	}()
	hostDone := make(chan struct{})
	go func() {
		defer close(hostDone)
		if err := worlds.Run(loopCtx, interval); err != nil && err != context.Canceled {
			logger.Printf("world host stopped: %v", err)
		}
	}()

	if err := eng.Enable(ctx); err != nil {
		logger.Fatalf("enable: %v", err)
	}

	enableAdminHTTP := envBool("RT_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("RT_ENABLE_PPROF_HTTP", false)
	if !enableAdminHTTP {
		logger.Printf("admin endpoints disabled (RT_ENABLE_ADMIN_HTTP=false)")
	}
	adminSrv := admin.NewServer(admin.Config{
		Engine:       eng,
		Worlds:       worlds,
		History:      history,
		Hub:          hub,
		Metrics:      metrics,
		Logger:       log.New(os.Stdout, "[admin] ", log.LstdFlags|log.Lmicroseconds),
		CallTimeout:  time.Duration(envInt("RT_ADMIN_CALL_TIMEOUT_MS", 5000)) * time.Millisecond,
		DisableAdmin: !enableAdminHTTP,
	})
	root := chi.NewRouter()
	if enablePprofHTTP {
		root.Mount("/debug", middleware.Profiler())
	} else {
		logger.Printf("pprof endpoints disabled (RT_ENABLE_PPROF_HTTP=false)")
	}
	root.Mount("/", adminSrv.Router())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           root,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s (store=%s location=%s)", *addr, *storeKind, loc)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	shutdown(logger, eng, worlds, stopLoop, loopDone, hostDone)
	if idx != nil {
		if err := idx.Close(); err != nil {
			logger.Printf("close history index: %v", err)
		}
	}
	_ = auditLog.Close()
	_ = weatherLog.Close()
}

// shutdown saves the settings on the main context before the loop stops, then
// persists the world host.
func shutdown(logger *log.Logger, eng *engine.Engine, worlds *multiworld.Manager, stopLoop context.CancelFunc, loopDone, hostDone <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Disable(ctx); err != nil {
		logger.Printf("disable: %v", err)
	}
	stopLoop()
	<-loopDone
	<-hostDone
	if err := worlds.FlushState(ctx); err != nil {
		logger.Printf("flush world state: %v", err)
	}
	worlds.Close()
}

func loadWorlds(path string) (multiworld.Config, error) {
	path = strings.TrimSpace(path)
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	return multiworld.Load(path)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
