// Package bootstrap builds the shared dependency graph for the api and processor binaries.
package bootstrap

import (
	"os"
	"strings"

	"github.com/fleetillo/dispatch-gateway/internal/config"
	gateway "github.com/fleetillo/dispatch-gateway/internal/gateways"
	"github.com/fleetillo/dispatch-gateway/internal/queue"
	"github.com/fleetillo/dispatch-gateway/internal/repository"
	"github.com/fleetillo/dispatch-gateway/internal/routing"
	"github.com/fleetillo/dispatch-gateway/internal/services"
	"github.com/fleetillo/dispatch-gateway/internal/templates"
	"github.com/fleetillo/dispatch-gateway/pkg/logger"
	"github.com/fleetillo/dispatch-gateway/pkg/pg"
	"github.com/fleetillo/dispatch-gateway/pkg/redis"
)

// EnvPath returns the value of a --env=path argument, or "" when absent or unreadable.
func EnvPath(args []string) string {
	for _, v := range args {
		if !strings.HasPrefix(v, "--env=") {
			continue
		}
		path := strings.TrimPrefix(v, "--env=")
		if _, err := os.Stat(path); err != nil {
			logger.Error("failed to open the passed env file", "path", path, "error", err)
			return ""
		}
		return path
	}
	return ""
}

func ReadConfig(c *config.Config) pg.Config {
	return pg.Config{
		User:     c.PostgresReadUser,
		Host:     c.PostgresReadHost,
		Port:     c.PostgresReadPort,
		Password: c.PostgresReadPassword,
		Database: c.PostgresReadDatabase,
	}
}

func WriteConfig(c *config.Config) pg.Config {
	return pg.Config{
		User:     c.PostgresWriteUser,
		Host:     c.PostgresWriteHost,
		Port:     c.PostgresWritePort,
		Password: c.PostgresWritePassword,
		Database: c.PostgresWriteDatabase,
	}
}

func OpenDB(c *config.Config) (*pg.DB, error) {
	return pg.CreateReadWrite(ReadConfig(c), WriteConfig(c), c.AppEnv == "dev" && c.AppDebug)
}

func OpenRedis(c *config.Config) (redis.RedisAdapter, error) {
	return redis.NewRedisAdapter("default", c.RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{c.RedisAddr},
		ClientName: c.AppName,
		DB:         c.RedisDatabase,
		Username:   c.RedisUsername,
		Password:   c.RedisPassword,
	})
}

func QueueConfig(c *config.Config) queue.QueueConfig {
	return queue.QueueConfig{
		Name:              c.QueueName,
		ConsumerGroup:     c.QueueConsumerGroup,
		ConsumerName:      c.QueueConsumerName,
		Consumers:         c.QueueConsumers,
		MaxRetries:        c.QueueMaxRetries,
		VisibilityTimeout: c.QueueVisibilityTimeout,
		PollInterval:      c.QueuePollInterval,
		BatchSize:         c.QueueBatchSize,
		MaxLen:            c.QueueMaxLen,
		EnableDLQ:         c.QueueEnableDLQ,
	}
}

func TelegramConfig(c *config.Config) *gateway.TelegramConfig {
	return &gateway.TelegramConfig{
		BotToken: c.TelegramBotToken,
		APIURL:   c.TelegramApiUrl,
		Timeout:  c.ProviderTimeout,
	}
}

func EmailConfig(c *config.Config) *gateway.EmailConfig {
	return &gateway.EmailConfig{
		Provider:       c.EmailProvider,
		SendGridAPIKey: c.SendgridApiKey,
		SendGridAPIURL: c.SendgridApiUrl,
		ResendAPIKey:   c.ResendApiKey,
		ResendAPIURL:   c.ResendApiUrl,
		FromAddress:    c.EmailFromAddress,
		FromName:       c.EmailFromName,
		Timeout:        c.ProviderTimeout,
	}
}

// Dispatch is the wired orchestrator plus the pieces the binaries reach into directly.
type Dispatch struct {
	Service  *services.DispatchService
	Telegram *gateway.TelegramAdapter
	Email    *gateway.EmailAdapter
}

// NewDispatch wires repositories, router, templates and both channel adapters.
// The caller still attaches a scheduler.
func NewDispatch(c *config.Config, db *pg.DB) *Dispatch {
	telegram := gateway.NewTelegramAdapter(TelegramConfig(c))
	email := gateway.NewEmailAdapter(EmailConfig(c))

	svc := services.NewDispatchService(
		repository.NewDispatchRepository(db),
		repository.NewFleetRepository(db),
		routing.NewRouter(),
		templates.NewEngineFromDir(c.TemplatesDir),
		services.DispatchServiceConfig{
			BaseURL:          c.AppBaseUrl,
			BatchConcurrency: c.BatchConcurrency,
			ClaimTTL:         c.DeliveryClaimTTL,
		},
	)
	svc.RegisterAdapter(telegram)
	svc.RegisterAdapter(email)

	return &Dispatch{Service: svc, Telegram: telegram, Email: email}
}
