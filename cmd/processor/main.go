package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetillo/dispatch-gateway/internal/bootstrap"
	"github.com/fleetillo/dispatch-gateway/internal/config"
	"github.com/fleetillo/dispatch-gateway/internal/processor"
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
	logger.Info("starting delivery processor", "version", version, "commit", commit, "date", date)
	if !cfg.QueueMode() {
		logger.Warn("DELIVERY_MODE is not queue; the api delivers inline and nothing will be published here")
	}

	db, err := bootstrap.OpenDB(cfg)
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}
	redisAdap, err := bootstrap.OpenRedis(cfg)
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if err := prom.Create(hostname, cfg.AppEnv, cfg.PromNamespace); err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}
	go prom.ListenAndServer(cfg.AppDebugMetricsAddr, cfg.AppDebugMetricsURI)

	app := bootstrap.NewDispatch(cfg, db)

	idemConfig := processor.DefaultIdempotencyConfig()
	idemConfig.MaxRetries = cfg.QueueMaxRetries + 1
	idemConfig.LockTTL = cfg.DeliveryTimeout
	deliveries := processor.NewDeliveryProcessor(app.Service, processor.NewIdempotencyService(redisAdap, idemConfig))

	service, err := processor.NewProcessorService(redisAdap, deliveries, processor.ProcessorConfig{
		Queue:       bootstrap.QueueConfig(cfg),
		Workers:     cfg.DeliveryWorkers,
		Buffer:      cfg.DeliveryBuffer,
		TaskTimeout: cfg.DeliveryTimeout,
	})
	if err != nil {
		logger.Error("failed to create the processor", "error", err)
		return
	}
	if err := service.Start(); err != nil {
		logger.Error("failed to start processor", "error", err)
		return
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	service.Stop()
}
