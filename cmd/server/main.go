package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/amplifier/amplifier-go-backend/internal/auth"
	"github.com/amplifier/amplifier-go-backend/internal/capability"
	"github.com/amplifier/amplifier-go-backend/internal/engine"
	"github.com/amplifier/amplifier-go-backend/internal/events"
	"github.com/amplifier/amplifier-go-backend/internal/llm"
	"github.com/amplifier/amplifier-go-backend/internal/metrics"
	"github.com/amplifier/amplifier-go-backend/internal/store"
	"github.com/amplifier/amplifier-go-backend/internal/task"
	"github.com/amplifier/amplifier-go-backend/pkg/config"
)

func main() {
	configPath := "config.yaml"
	if p := os.Getenv("AMPLIFIER_CONFIG"); p != "" {
		configPath = p
	}

	// --- Config ---
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	initLogger(cfg.Log.Level)
	slog.Info("config loaded", "port", cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Database ---
	if cfg.Database.Migrate {
		if err := store.Migrate(cfg.Database.DSN); err != nil {
			slog.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
		slog.Info("migrations applied")
	}

	pool, err := pgxpool.New(ctx, cfg.Database.DSN)
	if err != nil {
		slog.Error("failed to create db pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected")

	// --- Redis ---
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.Error("failed to parse redis url", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to ping redis", "error", err)
		os.Exit(1)
	}
	slog.Info("redis connected")

	// --- Store ---
	st := store.NewStore(pool)

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mc := metrics.NewCollector("amplifier", reg)

	// --- Engine ---
	registry, err := capability.NewHTTPClient(cfg.Capabilities)
	if err != nil {
		slog.Error("invalid capability registry config", "error", err)
		os.Exit(1)
	}
	gateway := llm.NewGateway(llm.NewOpenAIClient(cfg.LLM))
	bus := events.NewRedisBus(rdb)

	eng := engine.NewEngine(st, gateway, registry, cfg.Engine, engine.Options{
		Events:  bus,
		Metrics: mc,
	})

	// Stale tasks are timed out before anything is resumed.
	sweeper := engine.NewSweeper(eng)
	if err := sweeper.Start(ctx); err != nil {
		slog.Error("failed to start stale-task sweeper", "error", err)
		os.Exit(1)
	}

	report, err := engine.NewSupervisor(eng).Resume(ctx)
	if err != nil {
		slog.Error("failed to resume tasks", "error", err)
	} else {
		slog.Info("tasks resumed",
			"resumed", report.Resumed,
			"skipped", report.Skipped,
			"failed", report.Failed,
		)
	}

	// --- Router ---
	r := newRouter(cfg, st, eng, registry, bus, mc, reg)

	// --- HTTP Server ---
	srv := newHTTPServer(fmt.Sprintf(":%d", cfg.Server.Port), r)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down server...")

		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(httpCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		httpCancel()
		sweeper.Stop()

		// Running tasks keep their status and are resumed on the next boot.
		engineCtx, engineCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		if err := eng.Stop(engineCtx); err != nil {
			slog.Error("engine shutdown error", "error", err, "sessions", eng.RunningCount())
		}
		engineCancel()
		cancel()
	}()

	slog.Info("server starting", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	<-ctx.Done()
	slog.Info("server stopped")
}

// newHTTPServer builds the API server. Request contexts end when Shutdown
// starts, so open event streams return instead of holding Shutdown until its
// deadline.
func newHTTPServer(addr string, h http.Handler) *http.Server {
	streamCtx, closeStreams := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:        addr,
		Handler:     h,
		ReadTimeout: 15 * time.Second,
		// No write timeout: task event streams stay open until the task ends.
		IdleTimeout: 60 * time.Second,
		BaseContext: func(net.Listener) context.Context { return streamCtx },
	}
	srv.RegisterOnShutdown(closeStreams)
	return srv
}

func newRouter(
	cfg *config.Config,
	st *store.Store,
	eng *engine.Engine,
	registry capability.Registry,
	bus *events.RedisBus,
	mc *metrics.Collector,
	reg *prometheus.Registry,
) *chi.Mux {
	r := chi.NewRouter()

	// Standard middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(mc.Middleware)

	// Health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, eng.RunningCount())
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	// --- Auth ---
	authSvc := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	authHandler := auth.NewHandler(authSvc)

	// --- Capabilities ---
	capHandler := capability.NewHandler(registry)

	// --- Tasks ---
	taskSvc := task.NewService(st, eng)
	taskHandler := task.NewHandler(taskSvc, bus)

	// API routes (all require JWT)
	r.Route("/api", func(r chi.Router) {
		r.Use(authSvc.JWTMiddleware)
		r.Get("/auth/me", authHandler.HandleMe)
		r.Post("/auth/refresh", authHandler.HandleRefresh)
		r.Get("/capabilities", capHandler.HandleList)
		r.Mount("/tasks", taskHandler.Routes())
	})

	return r
}

func initLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}
