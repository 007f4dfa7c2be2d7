package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/teleagg/config"
	"github.com/mohammad-safakhou/teleagg/internal/distribution"
	"github.com/mohammad-safakhou/teleagg/internal/queue/streams"
	"github.com/mohammad-safakhou/teleagg/internal/runlock"
	"github.com/mohammad-safakhou/teleagg/internal/runtime"
	"github.com/mohammad-safakhou/teleagg/internal/sources"
	"github.com/mohammad-safakhou/teleagg/internal/store"
	"github.com/mohammad-safakhou/teleagg/internal/tasks"
)

// Deps are the collaborators mounted by NewRouter.
type Deps struct {
	Secret    []byte
	TokenTTL  time.Duration
	Secure    bool
	Operators OperatorStore
	Sessions  SessionStore
	Sources   SourceStore
	Prober    FeedProber
	Tasks     TaskDispatcher
	Results   tasks.ResultStore
	Overview  OverviewReader
	Lag       LagFunc
	Metrics   http.Handler
	Logger    *log.Logger
}

// NewRouter builds the echo instance with the unified JSON error handler and all API groups.
func NewRouter(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	baseLogger := d.Logger
	if baseLogger == nil {
		baseLogger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if d.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(d.Metrics))
	}

	api := e.Group("/api")
	auth := &AuthHandler{Store: d.Operators, Secret: d.Secret, TokenTTL: d.TokenTTL, Secure: d.Secure}
	auth.Register(api.Group("/auth"))

	sh := &SessionsHandler{Store: d.Sessions, Tasks: d.Tasks}
	sh.Register(api.Group("/sessions"), d.Secret)

	src := &SourcesHandler{Store: d.Sources, Prober: d.Prober}
	src.Register(api.Group("/sources"), d.Secret)

	dh := &DistributionHandler{Tasks: d.Tasks, Results: d.Results, Overview: d.Overview, Lag: d.Lag}
	dh.Register(api.Group("/distribution"), d.Secret)
	dh.RegisterTasks(api.Group("/tasks"), d.Secret)

	return e
}

// ErrMissingBackend is returned by Run when a required client is not supplied.
var ErrMissingBackend = errors.New("server: missing backend")

// Backends are the clients opened by the caller and shared with Run. The caller owns
// and closes them.
type Backends struct {
	Store   *store.Store
	Redis   redis.UniversalClient
	Tasks   *tasks.Dispatcher
	Results *tasks.Results
}

func (b Backends) validate() error {
	switch {
	case b.Store == nil:
		return fmt.Errorf("%w: store", ErrMissingBackend)
	case b.Redis == nil:
		return fmt.Errorf("%w: redis", ErrMissingBackend)
	case b.Tasks == nil:
		return fmt.Errorf("%w: task dispatcher", ErrMissingBackend)
	case b.Results == nil:
		return fmt.Errorf("%w: result store", ErrMissingBackend)
	}
	return nil
}

// Run serves the HTTP API and, when enabled, the maintenance scheduler until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config, b Backends) error {
	if err := b.validate(); err != nil {
		return err
	}
	logger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	tele, _, _, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{ServiceName: cfg.Telemetry.ServiceName + "-api"})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tele.Shutdown(shutdownCtx)
	}()

	st, rdb := b.Store, b.Redis
	engine := distribution.New(st, st,
		distribution.WithCapacity(cfg.Distribution.MaxChannelsPerAccount),
		distribution.WithLocker(runlock.NewRedis(rdb), cfg.Distribution.LockTTL),
		distribution.WithLogger(log.New(log.Writer(), "[DISTRIB] ", log.LstdFlags)),
	)

	e := NewRouter(Deps{
		Secret:    secret,
		TokenTTL:  cfg.Server.TokenTTL,
		Secure:    cfg.General.Env == "production",
		Operators: st,
		Sessions:  st,
		Sources:   st,
		Prober:    sources.NewProber(nil, 10*time.Second),
		Tasks:     b.Tasks,
		Results:   b.Results,
		Overview:  engine,
		Lag: func(ctx context.Context) (streams.LagMetrics, error) {
			return streams.GroupLag(ctx, rdb, cfg.Queue.Stream, cfg.Queue.Group)
		},
		Metrics: promhttp.Handler(),
		Logger:  logger,
	})

	if cfg.Scheduler.Enabled {
		jobs, err := JobsFromConfig(cfg.Scheduler)
		if err != nil {
			return err
		}
		sched := &Scheduler{Tasks: b.Tasks, Rdb: rdb, Jobs: jobs, Tick: cfg.Scheduler.Tick,
			Logger: log.New(log.Writer(), "[SCHED] ", log.LstdFlags)}
		sched.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", cfg.Server.Address)
		errCh <- e.Start(cfg.Server.Address)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
