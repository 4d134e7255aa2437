// Package main is the entrypoint for the rapigate API server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/rapigate/rapigate/internal/admission"
	"github.com/rapigate/rapigate/internal/auth"
	"github.com/rapigate/rapigate/internal/cache"
	"github.com/rapigate/rapigate/internal/calllog"
	"github.com/rapigate/rapigate/internal/command"
	"github.com/rapigate/rapigate/internal/commands"
	"github.com/rapigate/rapigate/internal/commands/chat"
	"github.com/rapigate/rapigate/internal/config"
	"github.com/rapigate/rapigate/internal/dispatch"
	"github.com/rapigate/rapigate/internal/handler"
	"github.com/rapigate/rapigate/internal/metrics"
	"github.com/rapigate/rapigate/internal/middleware"
	"github.com/rapigate/rapigate/internal/repository"
	"github.com/rapigate/rapigate/internal/server"
	"github.com/rapigate/rapigate/internal/service"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := initLogger(cfg)

	repo, err := repository.NewWithOptions(ctx, cfg.DatabaseURL, repository.PoolOptions{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		logger.Error(
			"failed to connect to database",
			slog.String("error", sanitizeError(err, cfg.DatabaseURL)),
			slog.String("database_url", redactURL(cfg.DatabaseURL)),
		)
		os.Exit(1)
	}
	logger.Info("connected to database")

	cacheClient, err := cache.NewWithOptions(ctx, cfg.RedisURL, cache.Options{PoolSize: cfg.RedisPoolSize})
	if err != nil {
		logger.Error(
			"failed to connect to Redis",
			slog.String("error", sanitizeError(err, cfg.RedisURL)),
			slog.String("redis_url", redactURL(cfg.RedisURL)),
		)
		repo.Close()
		os.Exit(1)
	}
	logger.Info("connected to Redis")

	app, err := build(cfg, repo, cacheClient, logger)
	if err != nil {
		logger.Error("failed to build gateway", "error", err)
		_ = cacheClient.Close()
		repo.Close()
		os.Exit(1)
	}

	srv := server.New(app.router, server.Config{
		Port:            cfg.AppPort,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)

	// Hooks run in reverse: the recorder flushes before the stores close.
	srv.OnShutdown("postgres", func(context.Context) error {
		repo.Close()
		return nil
	})
	srv.OnShutdown("redis", func(context.Context) error {
		return cacheClient.Close()
	})

	bgCtx, stopBackground := context.WithCancel(ctx)
	srv.OnShutdown("background", func(context.Context) error {
		stopBackground()
		return nil
	})

	go app.accountLimiter.Run(bgCtx)

	if app.worker != nil {
		go func() {
			if err := app.worker.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("call log worker stopped", "error", err)
			}
		}()
		srv.OnShutdown("calllog-worker", app.worker.Shutdown)
	}
	srv.OnShutdown("calllog-recorder", app.calls.Shutdown)

	logger.Info("starting server",
		"port", cfg.AppPort,
		"env", cfg.AppEnv,
		"site", cfg.Site.Name,
		"commands", len(app.registry.Entries()),
		"call_log_mode", cfg.CallLogMode,
	)

	if err := srv.Run(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// gateway holds the components main needs after wiring.
type gateway struct {
	router         *chi.Mux
	registry       *command.Registry
	calls          *calllog.Recorder
	worker         *calllog.Worker
	accountLimiter *middleware.AccountLimiter
}

// build wires every component on top of the open stores.
func build(cfg *config.Config, repo *repository.Repository, cacheClient *cache.Cache, logger *slog.Logger) (*gateway, error) {
	var (
		recorder metrics.Recorder
		exposed  any
	)
	if cfg.MetricsEnabled {
		prom := metrics.NewPrometheus("rapigate")
		recorder, exposed = prom, prom
	} else {
		mem := metrics.NewInMemory()
		recorder, exposed = mem, mem
	}

	validator := auth.NewValidator(repo, cacheClient, logger, recorder)
	sessions := auth.NewSessions(cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())

	controller := admission.NewController(
		repo.NewQuotaStore(),
		cacheClient.NewReservations(cfg.ReservationTTL()),
		admission.Policy{DailyLimit: cfg.DailyLimit, Cooldown: cfg.Cooldown},
		logger,
		recorder,
	)

	callLog := repository.NewCallLogRepository(repo)
	var (
		sink   calllog.Sink
		worker *calllog.Worker
	)
	switch cfg.CallLogMode {
	case config.CallLogStream:
		sink = calllog.NewStreamSink(cacheClient.Client())
		worker = calllog.NewWorker(cacheClient.Client(), callLog, logger, recorder, calllog.WorkerOptions{})
	default:
		sink = calllog.NewDirectSink(callLog)
	}
	calls := calllog.NewRecorder(sink, logger, recorder)

	registry, err := command.NewRegistry(commands.All(commands.Options{
		Chat: chat.Config{
			BaseURL: cfg.LLMBaseURL,
			APIKey:  cfg.LLMAPIKey,
			Model:   cfg.LLMModel,
		},
	})...)
	if err != nil {
		return nil, err
	}

	dispatcher := dispatch.New(registry, validator, controller, calls, logger, recorder)
	dispatcher.SetCreator(cfg.Site.Creator)
	dispatcher.SetSessions(sessions)
	dispatcher.SetCommandTimeout(cfg.CommandTimeout)

	accounts := service.NewAccountService(repo, validator, cfg.Site.KeyPrefix, logger)
	accountLimiter := middleware.NewAccountLimiter(cfg.AccountRateLimit, cfg.AccountRateWindow)

	site := handler.SiteInfo{Name: cfg.Site.Name, Version: cfg.Site.Version, Creator: cfg.Site.Creator}

	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Security(middleware.SecurityConfig{
		IsDevelopment:      cfg.IsDevelopment(),
		MaxRequestBodySize: cfg.MaxRequestBodySize,
	}))
	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.AllowedOrigins = cfg.GetCORSAllowedOrigins()
	r.Use(middleware.CORS(corsCfg))
	r.Use(middleware.MaxBodySize(cfg.MaxRequestBodySize))

	health := handler.NewHealthHandler(repo, cacheClient)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)
	r.Get("/metrics", handler.NewMetricsHandler(exposed).Metrics)

	catalog := handler.NewCatalogHandler(site, registry, callLog, logger)
	r.Get("/", catalog.Index)
	r.Get("/api/commands", catalog.Commands)
	r.Get("/api/ping", catalog.Ping)

	identify := middleware.Identify(middleware.IdentityConfig{
		Logger:    logger,
		Sessions:  sessions,
		Validator: validator,
	})

	accountHandler := handler.NewAccountHandler(accounts, sessions, controller, registry, callLog, logger)
	r.Route("/account", func(r chi.Router) {
		r.Use(accountLimiter.Middleware)
		r.Post("/register", accountHandler.Register)
		r.Post("/login", accountHandler.Login)
		r.Post("/logout", accountHandler.Logout)
		r.With(identify, middleware.RequireSession).Post("/api-key/regenerate", accountHandler.RegenerateKey)
	})
	r.With(identify, middleware.RequireIdentity).Get("/api/user/stats", accountHandler.UserStats)

	notifications := handler.NewNotificationHandler(repository.NewNotificationRepository(repo), logger)
	r.Route("/api/notifications", func(r chi.Router) {
		r.Use(identify, middleware.RequireIdentity)
		r.Get("/", notifications.List)
		r.Post("/read-all", notifications.MarkAllRead)
		r.Post("/{id}/read", notifications.MarkRead)
	})

	adminHandler := handler.NewAdminHandler(repo, controller, callLog, logger)
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(middleware.RequireAdmin(middleware.AdminConfig{
			Logger:   logger,
			Username: cfg.AdminUsername,
			Password: cfg.AdminPassword,
		}))
		r.Get("/stats", adminHandler.Stats)
		r.Get("/users", adminHandler.Users)
		r.Post("/users/{id}/reset-quota", adminHandler.ResetQuota)
		r.Post("/notify", notifications.Notify)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitIP(middleware.RateLimitConfig{
			Logger:  logger,
			Limiter: cacheClient,
			Enabled: cfg.IPRateLimitEnabled,
			RPM:     cfg.IPRateLimitRPM,
			Burst:   cfg.IPRateLimitBurst,
		}))
		dispatcher.Mount(r)
	})

	r.NotFound(handler.NotFound)
	r.MethodNotAllowed(handler.MethodNotAllowed)

	return &gateway{
		router:         r,
		registry:       registry,
		calls:          calls,
		worker:         worker,
		accountLimiter: accountLimiter,
	}, nil
}

// initLogger initializes the slog logger based on configuration.
func initLogger(cfg *config.Config) *slog.Logger {
	var h slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}

	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)

	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var passwordPattern = regexp.MustCompile(`(?i)password=[^\s]+`)

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "[redacted]"
	}

	if parsed.User != nil {
		username := parsed.User.Username()
		if username == "" {
			parsed.User = url.User("redacted")
		} else {
			parsed.User = url.User(username)
		}
	}

	return parsed.String()
}

func sanitizeError(err error, secrets ...string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		redacted := redactURL(secret)
		if redacted == "" {
			redacted = "[redacted]"
		}
		msg = strings.ReplaceAll(msg, secret, redacted)
	}

	return passwordPattern.ReplaceAllString(msg, "password=redacted")
}
