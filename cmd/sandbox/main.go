package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type sandboxConfig struct {
	Port         string        `env:"SANDBOX_PORT,default=8081"`
	DeliveryRate float64       `env:"SANDBOX_DELIVERY_RATE,default=1"`
	MinDelay     time.Duration `env:"SANDBOX_MIN_DELAY,default=50ms"`
	MaxDelay     time.Duration `env:"SANDBOX_MAX_DELAY,default=300ms"`
	Debug        bool          `env:"SANDBOX_DEBUG"`
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var cfg sandboxConfig
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid sandbox configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		gin.SetMode(gin.ReleaseMode)
	}

	log.Info().
		Str("port", cfg.Port).
		Float64("delivery_rate", cfg.DeliveryRate).
		Dur("min_delay", cfg.MinDelay).
		Dur("max_delay", cfg.MaxDelay).
		Msg("starting provider sandbox")

	sandbox := NewSandbox(cfg.DeliveryRate, cfg.MinDelay, cfg.MaxDelay, time.Now().UnixNano())
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      SetupRouter(sandbox),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Int("captured", len(sandbox.Outbox())).Msg("sandbox stopped")
}
