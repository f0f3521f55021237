package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/nkiryanov/authcore/internal/db"
	"github.com/nkiryanov/authcore/internal/events"
	"github.com/nkiryanov/authcore/internal/handlers"
	"github.com/nkiryanov/authcore/internal/handlers/middleware"
	"github.com/nkiryanov/authcore/internal/logger"
	"github.com/nkiryanov/authcore/internal/metrics"
	"github.com/nkiryanov/authcore/internal/notify"
	"github.com/nkiryanov/authcore/internal/otp"
	"github.com/nkiryanov/authcore/internal/ratelimit"
	"github.com/nkiryanov/authcore/internal/repository"
	"github.com/nkiryanov/authcore/internal/repository/mongo"
	"github.com/nkiryanov/authcore/internal/repository/postgres"
	"github.com/nkiryanov/authcore/internal/scheduler"
	"github.com/nkiryanov/authcore/internal/secrets"
	"github.com/nkiryanov/authcore/internal/service/apikey"
	"github.com/nkiryanov/authcore/internal/service/auth"
	"github.com/nkiryanov/authcore/internal/service/registry"
	"github.com/nkiryanov/authcore/internal/service/rotation"
	"github.com/nkiryanov/authcore/internal/service/token"
)

const redisPingTimeout = 5 * time.Second

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler

	logger    logger.Logger
	bus       *events.Bus
	scheduler *scheduler.Scheduler
	keys      *apikey.Service

	// Called in reverse order after server stopped
	closers []func()
}

func NewServerApp(ctx context.Context, c *Config) (_ *ServerApp, err error) {
	// Initialize logger
	l, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	app := &ServerApp{ListenAddr: c.ListenAddr, logger: l}
	defer func() {
		if err != nil {
			app.close()
		}
	}()

	storage, closeStorage, err := openStorage(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, closeStorage)

	rdb, err := openRedis(ctx, c.RedisURI)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, func() { _ = rdb.Close() })

	// Events: metrics and operator notifications listen to the same bus
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app.bus = events.NewBus(0, l.WithGroup("events"))
	app.bus.Subscribe(metrics.New(reg, app.bus.Dropped))
	app.bus.Subscribe(notify.NewLogNotifier(l, c.Environment))

	// Initialize services
	tokens, err := token.New(token.Config{
		SecretKey:    c.SecretKey,
		Issuer:       c.TokenIssuer,
		Audience:     c.TokenAudience,
		AccessTTL:    c.AccessTokenTTL,
		RefreshTTL:   time.Duration(c.RefreshTokenTTLDays) * 24 * time.Hour,
		StoreTimeout: c.StoreTimeout,
	}, storage, app.bus, l)
	if err != nil {
		return nil, fmt.Errorf("error while creating token service. Err: %w", err)
	}

	app.keys, err = apikey.New(apikey.Config{Salt: c.ApiKeySalt, StoreTimeout: c.StoreTimeout}, storage, app.bus, l)
	if err != nil {
		return nil, fmt.Errorf("error while creating api key service. Err: %w", err)
	}

	limiter := ratelimit.New(rdb, ratelimit.Config{
		Default: ratelimit.Limit{Max: c.RateLimitMax, Window: c.RateLimitWindow},
	})

	authService, err := auth.NewAuthService(
		auth.Config{StoreTimeout: c.StoreTimeout},
		storage,
		tokens,
		limiter,
		otp.New(rdb, app.bus, otp.Config{}),
		app.bus,
		l,
	)
	if err != nil {
		return nil, fmt.Errorf("error while creating auth service. Err: %w", err)
	}

	// Service keys must exist before anything starts calling us
	store := secrets.NewEnvFileStore(c.SecretsFile)
	services := registry.New(app.keys, store, l)
	if n := services.EnsureServiceKeys(ctx); n > 0 {
		l.Info("Service keys provisioned", "count", n, "secrets_file", c.SecretsFile)
	}

	rotator := rotation.New(rotation.Config{StoreTimeout: c.StoreTimeout}, storage, app.keys, store, app.bus, l)
	jobs := append(rotator.Jobs(), scheduler.Job{
		Name:       "refresh-token-cleanup",
		Interval:   c.TokenCleanupInterval,
		RunOnStart: true,
		Run:        tokens.CleanupExpired,
	})
	app.scheduler = scheduler.New(l.WithGroup("scheduler"), jobs...)

	guard, err := middleware.NewGuard(app.keys, middleware.GuardConfig{
		DevKey:      c.DevApiKey,
		Relaxed:     c.ApiKeyRelaxMode,
		Environment: c.Environment,
	}, l)
	if err != nil {
		return nil, fmt.Errorf("error while creating api key guard. Err: %w", err)
	}

	api := handlers.NewRouter(
		authService,
		app.keys,
		services,
		guard,
		handlers.CookieConfig{Secure: c.Environment == logger.EnvProduction},
		l,
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/", api)

	app.Handler = mux
	return app, nil
}

// Credential store is chosen by connection string scheme
func openStorage(ctx context.Context, dsn string) (repository.Storage, func(), error) {
	switch {
	case strings.HasPrefix(dsn, "postgres"):
		pool, err := db.ConnectAndMigrate(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("error while connecting to db. Err: %w", err)
		}
		return postgres.NewStorage(pool), pool.Close, nil

	case strings.HasPrefix(dsn, "mongodb"):
		cli, database, err := mongo.Connect(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("error while connecting to mongo. Err: %w", err)
		}
		closeFn := func() { _ = cli.Disconnect(context.Background()) }
		return mongo.NewStorage(cli, database), closeFn, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database scheme in %q", dsn)
	}
}

func openRedis(ctx context.Context, uri string) (*redis.Client, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid redis uri. Err: %w", err)
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis is not reachable. Err: %w", err)
	}
	return rdb, nil
}

// Run starts http server, background jobs and event delivery
// Everything stops gracefully on context cancellation
func (s *ServerApp) Run(ctx context.Context) error {
	defer s.close()

	httpServer := &http.Server{
		Addr:    s.ListenAddr,
		Handler: s.Handler,
	}

	// Bus outlives the server and jobs so their last events are delivered
	busCtx, stopBus := context.WithCancel(context.WithoutCancel(ctx))
	busStopped := s.bus.Run(busCtx)

	jobsCtx, stopJobs := context.WithCancel(ctx)
	jobsStopped := s.scheduler.Start(jobsCtx)

	idleConnsClosed := make(chan struct{})
	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			s.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		s.logger.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	// Listen and serve until context is cancelled; then close gracefully connections
	s.logger.Info("Starting server", "address", s.ListenAddr)
	err := httpServer.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed

	stopJobs()
	<-jobsStopped
	s.keys.Wait()

	stopBus()
	<-busStopped

	return err
}

func (s *ServerApp) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
