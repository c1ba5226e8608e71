// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/courtside-push/internal/breaker"
	"github.com/bissquit/courtside-push/internal/config"
	"github.com/bissquit/courtside-push/internal/connectivity"
	"github.com/bissquit/courtside-push/internal/delivery"
	"github.com/bissquit/courtside-push/internal/health"
	"github.com/bissquit/courtside-push/internal/kvstore"
	"github.com/bissquit/courtside-push/internal/lifecycle"
	"github.com/bissquit/courtside-push/internal/notifications"
	"github.com/bissquit/courtside-push/internal/offline"
	"github.com/bissquit/courtside-push/internal/pkg/ctxlog"
	"github.com/bissquit/courtside-push/internal/pkg/httputil"
	"github.com/bissquit/courtside-push/internal/pkg/metrics"
	"github.com/bissquit/courtside-push/internal/pkg/postgres"
	redisutil "github.com/bissquit/courtside-push/internal/pkg/redis"
	"github.com/bissquit/courtside-push/internal/ratelimit"
	"github.com/bissquit/courtside-push/internal/retry"
	"github.com/bissquit/courtside-push/internal/tokens"
	tokenspostgres "github.com/bissquit/courtside-push/internal/tokens/postgres"
	"github.com/bissquit/courtside-push/internal/transport/expo"
	"github.com/bissquit/courtside-push/internal/version"
	"github.com/bissquit/courtside-push/migrations"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	redis         *redis.Client
	server        *http.Server
	metricsServer *http.Server

	errors    *delivery.ErrorLog
	tokens    *tokens.Manager
	queue     *offline.Queue
	prober    *connectivity.Prober
	lifecycle *lifecycle.Broadcaster
	watcher   *offline.Watcher
	service   *notifications.Service

	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// New creates a new application instance and starts its background jobs.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if cfg.Database.Migrate {
		if err := postgres.Migrate(migrations.FS, cfg.Database.URL); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	app := &App{
		config: cfg,
		logger: logger,
		db:     db,
	}

	store, err := app.openStore(connectCtx)
	if err != nil {
		db.Close()
		return nil, err
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	app.bgCancel = bgCancel

	if err := app.wire(bgCtx, store); err != nil {
		bgCancel()
		_ = app.closeStores()
		return nil, err
	}

	router := app.setupRouter()

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	app.startBackground(bgCtx)

	return app, nil
}

// openStore returns the queue store: Redis when configured, process memory otherwise.
func (a *App) openStore(ctx context.Context) (kvstore.Store, error) {
	if a.config.Redis.URL == "" {
		slog.Warn("redis is not configured: offline queue will not survive restarts")
		return kvstore.NewMemory(), nil
	}

	client, err := redisutil.Connect(ctx, redisutil.Config{
		URL:             a.config.Redis.URL,
		ConnectAttempts: a.config.Redis.ConnectAttempts,
		RetryInterval:   a.config.Redis.RetryInterval,
		ConnectTimeout:  a.config.Redis.ConnectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	a.redis = client
	return kvstore.NewRedis(client, a.config.Redis.Prefix), nil
}

// wire builds the delivery pipeline.
func (a *App) wire(ctx context.Context, store kvstore.Store) error {
	cfg := a.config

	a.errors = delivery.NewErrorLog(cfg.Errors.Capacity)
	a.errors.SetDiagnostics(cfg.Errors.Diagnostics || cfg.Log.Level == "debug")

	retryCfg := retry.Config{
		MaxAttempts:       cfg.Retry.MaxAttempts,
		BaseDelay:         cfg.Retry.BaseDelay,
		MaxDelay:          cfg.Retry.MaxDelay,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		AttemptTimeout:    cfg.Retry.AttemptTimeout,
	}
	if err := retryCfg.Validate(); err != nil {
		return fmt.Errorf("retry config: %w", err)
	}
	policy := retry.New(a.errors)

	newBreaker := func(name string) *breaker.Breaker {
		return breaker.New(breaker.Config{
			Name:             name,
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Cooldown:         cfg.Breaker.Cooldown,
			HalfOpenAttempts: cfg.Breaker.HalfOpenAttempts,
		})
	}

	a.tokens = tokens.NewManager(tokens.Config{
		ExpiryDays: cfg.Tokens.ExpiryDays,
		Retry:      retryCfg,
	}, tokenspostgres.NewRepository(a.db), policy, a.errors)

	sender := expo.NewSender(expo.Config{
		URL:         cfg.Push.URL,
		AccessToken: cfg.Push.AccessToken,
		Timeout:     cfg.Push.Timeout,
		RateLimit:   cfg.Push.RateLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{
		Name:        "push",
		MaxRequests: cfg.RateLimit.MaxRequests,
		Window:      cfg.RateLimit.Window,
	})

	dispatcher := notifications.NewDispatcher(a.tokens, sender, limiter, newBreaker("push"), policy, retryCfg)

	a.queue = offline.New(offline.Config{
		Capacity:         cfg.Queue.Capacity,
		MaxRetryAttempts: cfg.Queue.MaxRetryAttempts,
		StorageKey:       cfg.Queue.StorageKey,
	}, store, dispatcher, a.errors)

	if err := a.queue.Load(ctx); err != nil {
		slog.Error("failed to restore offline queue, starting empty", "error", err)
	}

	a.prober = connectivity.NewProber(cfg.Connectivity, nil)
	a.lifecycle = lifecycle.NewBroadcaster()
	a.watcher = offline.NewWatcher(a.queue, a.prober, a.lifecycle, cfg.Queue.SettleDelay, func(s offline.Summary) {
		slog.Info("offline queue summary",
			"sent", s.Sent,
			"failed", s.Failed,
			"retrying", s.Retrying,
		)
	})

	a.service = notifications.NewService(notifications.Deps{
		Dispatcher:      dispatcher,
		Tokens:          a.tokens,
		Queue:           a.queue,
		Errors:          a.errors,
		Monitor:         health.NewMonitor(a.errors),
		RegisterBreaker: newBreaker("token_registration"),
		Lifecycle:       a.lifecycle,
	})

	slog.Info("delivery pipeline configured",
		"push_url", cfg.Push.URL,
		"queue_capacity", cfg.Queue.Capacity,
		"durable_queue", a.redis != nil,
		"restored_jobs", a.queue.Len(),
	)
	return nil
}

func (a *App) startBackground(ctx context.Context) {
	a.watcher.Start(ctx)

	a.goEvery(ctx, 0, "connectivity probe", func(ctx context.Context) {
		a.prober.Run(ctx)
	})
	a.goEvery(ctx, a.config.Queue.MetricsInterval, "pool metrics", a.collectPoolMetrics)
	a.goEvery(ctx, a.config.Tokens.CleanupInterval, "token sweep", a.sweepTokens)
	a.goEvery(ctx, a.config.Health.Interval, "health check", a.checkHealth)
}

// goEvery runs fn in a goroutine every interval until ctx is done. A zero
// interval runs fn once; fn is then expected to block until ctx is done.
func (a *App) goEvery(ctx context.Context, interval time.Duration, name string, fn func(ctx context.Context)) {
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		slog.Debug("background job started", "job", name, "interval", interval)

		fn(ctx)
		if interval <= 0 {
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				fn(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (a *App) collectPoolMetrics(_ context.Context) {
	metrics.RecordDBPoolMetrics(a.db)
	if a.redis != nil {
		metrics.RecordRedisPoolMetrics(a.redis)
	}
}

func (a *App) sweepTokens(ctx context.Context) {
	n, err := a.tokens.CleanupStaleTokens(ctx, "")
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("stale token sweep failed", "error", err)
		}
		return
	}
	if n > 0 {
		slog.Info("stale push tokens invalidated", "count", n)
	}
}

func (a *App) checkHealth(_ context.Context) {
	report := a.service.Health()
	if !report.Healthy {
		slog.Warn("delivery subsystem unhealthy",
			"error_count", report.ErrorCount,
			"errors_by_kind", report.ErrorsByKind,
			"breaker_state", report.BreakerState,
		)
		return
	}
	slog.Debug("delivery subsystem healthy", "breaker_state", report.BreakerState)
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"version", version.String(),
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application. Background jobs stop
// first so no drain is running when the stores close.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.bgCancel()
	a.watcher.Stop()
	a.bg.Wait()
	a.queue.Close()

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	a.lifecycle.Close()
	a.prober.Close()

	if err := a.closeStores(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (a *App) closeStores() error {
	var err error
	if a.redis != nil {
		if cerr := a.redis.Close(); cerr != nil {
			err = fmt.Errorf("close redis: %w", cerr)
		}
	}
	a.db.Close()
	return err
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Service returns the notification service.
func (a *App) Service() *notifications.Service {
	return a.service
}

// Connectivity returns the reachability source driving queue drains.
func (a *App) Connectivity() *connectivity.Prober {
	return a.prober
}

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.Server.CORSAllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	handler := notifications.NewHandler(a.service)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.BearerTokenMiddleware(a.config.Server.AdminToken))
		handler.RegisterRoutes(r)
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	if a.redis != nil {
		if err := redisutil.Healthcheck(a.redis)(ctx); err != nil {
			ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, "Redis unavailable")
			return
		}
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
