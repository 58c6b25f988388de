package main

import (
	"os"
	"time"

	"github.com/fleetillo/dispatch-gateway/internal/bootstrap"
	"github.com/fleetillo/dispatch-gateway/internal/config"
	"github.com/fleetillo/dispatch-gateway/internal/handlers"
	"github.com/fleetillo/dispatch-gateway/internal/processor"
	"github.com/fleetillo/dispatch-gateway/internal/queue"
	"github.com/fleetillo/dispatch-gateway/internal/services"
	xhttp "github.com/fleetillo/dispatch-gateway/pkg/http"
	"github.com/fleetillo/dispatch-gateway/pkg/logger"
	"github.com/fleetillo/dispatch-gateway/pkg/prom"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	defer logger.Sync()

	if err := config.Load(bootstrap.EnvPath(os.Args)); err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}
	cfg := config.Get()
	logger.Info("starting dispatch api", "version", version, "commit", commit, "date", date, "delivery_mode", cfg.DeliveryMode)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if err := prom.Create(hostname, cfg.AppEnv, cfg.PromNamespace); err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}
	go prom.ListenAndServer(cfg.AppDebugMetricsAddr, cfg.AppDebugMetricsURI)

	db, err := bootstrap.OpenDB(cfg)
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	app := bootstrap.NewDispatch(cfg, db)

	var (
		queuePinger services.Pinger
		stop        func()
	)
	if cfg.QueueMode() {
		redisAdap, err := bootstrap.OpenRedis(cfg)
		if err != nil {
			logger.Error("failed connecting to redis", "error", err)
			return
		}
		q, err := queue.NewQueue(redisAdap, bootstrap.QueueConfig(cfg))
		if err != nil {
			logger.Error("failed creating queue", "error", err)
			return
		}
		app.Service.SetScheduler(q)
		queuePinger = q
		stop = func() { _ = q.Stop(5 * time.Second) }
	} else {
		inline := processor.NewInlineScheduler(
			processor.NewDeliveryProcessor(app.Service, nil),
			cfg.DeliveryWorkers, cfg.DeliveryBuffer, cfg.DeliveryTimeout,
		)
		inline.Start()
		app.Service.SetScheduler(inline)
		stop = func() {
			if err := inline.Stop(processor.ShutdownTimeout); err != nil {
				logger.Error("inline deliveries did not finish", "error", err)
			}
		}
	}

	health := services.NewHealthService(db, queuePinger, app.Service, version)

	s := xhttp.NewServer(xhttp.ServerOption{
		Name:            cfg.AppName,
		ReadTimeout:     cfg.HttpServerReadTimeout,
		WriteTimeout:    cfg.HttpServerWriteTimeout,
		ReadBufferSize:  cfg.HttpServerReadBufferSize,
		WriteBufferSize: cfg.HttpServerWriteBufferSize,
	})
	base := cfg.HttpBaseRequestUrl
	s.Use(xhttp.RecoverMiddleware)
	s.Use(xhttp.RequestIDMiddleware)
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.TimeoutMiddleware(cfg.HttpServerRequestTimeout))
	s.Use(xhttp.CompressMiddleware(6))
	s.Use(xhttp.APIKeyMiddleware(cfg.APIKeys(), base+"/health", base+"/telegram/webhook"))

	g := s.Router.Group(base)
	handlers.RegisterDispatchRoutes(g, handlers.NewDispatchHandler(app.Service))
	handlers.RegisterHealthRoutes(g, handlers.NewHealthHandler(health))
	handlers.RegisterTelegramRoutes(g, handlers.NewTelegramHandler(app.Service, app.Telegram, cfg.TelegramSecret))

	done := make(chan struct{})
	s.CloseOnSignal(done)

	go func() {
		if err := s.ListenAndServe(cfg.HttpListenAddr); err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	<-done
	stop()
	logger.Info("dispatch api stopped")
}
