// EasySSH gateway server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ashureev/shsh-labs/internal/aicontext"
	"github.com/ashureev/shsh-labs/internal/aipipeline"
	"github.com/ashureev/shsh-labs/internal/api"
	"github.com/ashureev/shsh-labs/internal/config"
	"github.com/ashureev/shsh-labs/internal/identity"
	"github.com/ashureev/shsh-labs/internal/middleware"
	"github.com/ashureev/shsh-labs/internal/monitor"
	"github.com/ashureev/shsh-labs/internal/ratelimit"
	"github.com/ashureev/shsh-labs/internal/registry"
	"github.com/ashureev/shsh-labs/internal/sshsession"
	"github.com/ashureev/shsh-labs/internal/store"
	"github.com/ashureev/shsh-labs/internal/vault"
	"github.com/ashureev/shsh-labs/internal/wsrouter"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	settings, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := settings.Close(); closeErr != nil {
			slog.Error("Failed to close settings store", "error", closeErr)
		}
	}()

	if err := settings.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	aiKeySecret := cfg.AIEncryptionKey
	if aiKeySecret == "" {
		aiKeySecret = "dev-only-insecure-ai-key"
		slog.Warn("AI_ENCRYPTION_KEY not set, using a development-only key")
	}
	aiKey, err := vault.DeriveKey(aiKeySecret)
	if err != nil {
		slog.Error("Failed to derive AI vault key", "error", err)
		os.Exit(1)
	}

	configs := vault.NewConfigStore(settings, aiKey)
	usage := aipipeline.NewUsageStore(settings)
	aiClient := aipipeline.NewClient(cfg.AI.UpstreamTimeout)

	var limiter ratelimit.Limiter
	limiterCfg := ratelimit.Config{
		BurstLimit:        cfg.RateLimit.BurstLimit,
		BurstWindow:       cfg.RateLimit.BurstWindow,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		RequestsPerHour:   cfg.RateLimit.RequestsPerHour,
		RequestsPerDay:    cfg.RateLimit.RequestsPerDay,
		CooldownOnTrigger: cfg.RateLimit.CooldownOnTrigger,
	}
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			slog.Error("Failed to connect to Redis, falling back to in-memory rate limiter", "error", err)
			limiter = ratelimit.NewMemoryLimiter()
		} else {
			slog.Info("Rate limiter backed by Redis", "addr", cfg.RedisAddr)
			limiter = ratelimit.NewRedisLimiter(redisClient)
		}
	} else {
		limiter = ratelimit.NewMemoryLimiter()
	}

	contextOpts := aicontext.Options{MaxLines: cfg.AI.ContextLines, MaxBytes: cfg.AI.ContextBytes}
	pipeline := aipipeline.New(limiter, limiterCfg, configs, usage, aiClient, contextOpts)

	reg := registry.New()
	monitorCore := monitor.New(monitor.Config{CacheFreshness: cfg.Monitor.CacheFreshness})

	jwtSecret := cfg.JWTSecret
	if jwtSecret == "" {
		jwtSecret = "dev-only-insecure-jwt-secret"
		slog.Warn("JWT_SECRET not set, using a development-only secret")
	}
	verifier := identity.NewVerifier(jwtSecret)

	sshCfg := sshsession.Config{
		DialTimeout:         cfg.SSH.DialTimeout,
		KeepAliveInterval:   cfg.SSH.KeepAliveInterval,
		MaxFailedKeepAlives: cfg.SSH.MaxFailedKeepAlives,
	}
	collectorCfg := wsrouter.CollectorConfig{
		PollInterval: cfg.Monitor.PollInterval,
		CmdTimeout:   cfg.Monitor.CommandTimeout,
		Ceiling:      cfg.Monitor.AdaptiveCeiling,
	}
	router := wsrouter.New(reg, monitorCore, pipeline, cfg.FrontendURL, cfg.IsDevelopment(), cfg.Watchdog.SweepInterval, cfg.Watchdog.IdleTimeout, sshCfg, collectorCfg)

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(middleware.AllowedOrigins(cfg.FrontendURL)))

	healthHandler := api.NewHealthHandler(settings)
	healthHandler.RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(verifier))

		aiHandler := api.NewAIHandler(configs, usage, pipeline)
		aiHandler.RegisterRoutes(r)

		r.Get("/ssh", router.ServeSSH)
		r.Get("/monitor", router.ServeMonitor)
		r.Get("/ai", router.ServeAI)
	})

	// /monitor-client accepts inbound telemetry from external collector
	// agents, which authenticate at the transport layer rather than via
	// end-user JWT.
	r.Get("/monitor-client", router.ServeMonitorClient)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watchdogStop := make(chan struct{})
	go router.RunWatchdog(watchdogStop)

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	close(watchdogStop)

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
