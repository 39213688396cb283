// Command taskboard serves the task board HTTP API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"taskboard/api"
	"taskboard/config"
	"taskboard/domain"
	"taskboard/events"
	"taskboard/storage"
)

type backend interface {
	domain.TaskStorage
	domain.UserStorage
	domain.SessionStorage
	Ping(ctx context.Context) error
}

const sessionSweepInterval = time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	setupLogging(cfg)
	logger := log.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", cfg.TracingServiceID))),
	)
	otel.SetTracerProvider(tp)

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	var (
		tasks   domain.TaskStorage = store
		deduper api.Deduper
		rc      *redis.Client
	)
	hub := events.NewHub()
	notifiers := events.Fanout{}
	if cfg.RedisConnString != "" {
		opts, err := config.RedisOptions(cfg.RedisConnString)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		rc = redis.NewClient(opts)
		tasks = storage.NewCache(store, rc, cfg.CacheTTL)
		deduper = api.NewRedisDeduper(rc, cfg.DedupeTTL)
		notifiers = append(notifiers, events.NewRedisNotifier(rc, cfg.UpdatesChannel))
		go events.NewRelay(rc, cfg.UpdatesChannel, hub).Run(ctx)
	} else {
		notifiers = append(notifiers, hub)
	}

	var dispatcher *events.Dispatcher
	if cfg.EventsQueue != "" {
		q, err := events.NewQueueClient(cfg.ConnString, cfg.EventsQueue)
		if err != nil {
			log.Fatalf("events queue: %v", err)
		}
		dispatcher = events.NewDispatcher(events.DispatcherOptions{
			Workers: cfg.PublishWorkers,
			Buffer:  cfg.PublishBuffer,
			Timeout: cfg.PublishTimeout,
			Handoff: cfg.HandoffTimeout,
		})
		notifiers = append(notifiers, events.NewQueuePublisher(q, dispatcher, cfg.PublishTimeout))
	}

	accounts := domain.NewAuthService(store, store, cfg.SessionTTL)
	auth := api.NewAuth([]byte(cfg.SessionSecret), accounts)
	if cfg.JWKSURL != "" {
		jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
			RefreshInterval:   cfg.JWKSCacheTTL,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				log.WithError(err).Warn("jwks refresh failed")
			},
		})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		defer jwks.EndBackground()
		auth.WithJWKS(jwks, cfg.Audience, cfg.Issuer, cfg.JWKSCacheTTL)
	}

	if sweeper, ok := store.(interface {
		DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
	}); ok {
		go sweepSessions(ctx, sweeper.DeleteExpiredSessions)
	}

	e := echo.New()
	e.HideBanner = true
	e.JSONSerializer = api.JSONSerializer{}
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
		AllowCredentials: !slices.Contains(cfg.AllowedOrigins, "*"),
	}))
	e.Use(api.GzipRequestMiddleware())
	e.Use(api.RequestMetrics(logger))
	if cfg.Debug {
		pprof.Register(e)
	}

	api.Register(e, api.Deps{
		Tasks:         domain.NewTaskService(tasks, notifiers),
		Accounts:      accounts,
		Auth:          auth,
		Events:        hub,
		Deduper:       deduper,
		Health:        store,
		MaxBodyBytes:  cfg.MaxRequestBytes,
		SecureCookies: cfg.SecureCookies,
		KeepAlive:     cfg.StreamKeepAlive,
	}, logger)

	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("taskboard listening")
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if dispatcher != nil {
		if err := dispatcher.Close(shutdownCtx); err != nil {
			log.WithError(err).Warn("event dispatcher did not drain")
		}
	}
	if rc != nil {
		_ = rc.Close()
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("tracer shutdown")
	}
	if err := closeStore(); err != nil {
		log.WithError(err).Warn("close storage")
	}
}

func setupLogging(cfg config.Config) {
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
}

func openStore(ctx context.Context, cfg config.Config) (backend, func() error, error) {
	switch cfg.Backend {
	case config.BackendAzTables:
		if cfg.StorageAutoInit {
			if err := storage.EnsureTables(ctx, cfg.ConnString, cfg.TasksTable, cfg.UsersTable, cfg.SessionsTable); err != nil {
				return nil, nil, err
			}
			if err := storage.EnsureQueues(ctx, cfg.ConnString, cfg.EventsQueue); err != nil {
				return nil, nil, err
			}
		}
		s, err := storage.NewTableStore(cfg.ConnString, cfg.TasksTable, cfg.UsersTable, cfg.SessionsTable)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return nil }, nil
	default:
		s, err := storage.OpenSQL(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
}

func sweepSessions(ctx context.Context, sweep func(ctx context.Context, now time.Time) (int64, error)) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sweep(ctx, time.Now())
			if err != nil {
				log.WithError(err).Warn("session sweep failed")
				continue
			}
			if n > 0 {
				log.WithField("removed", n).Debug("expired sessions removed")
			}
		}
	}
}
