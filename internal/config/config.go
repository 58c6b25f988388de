package config

import (
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/fleetillo/dispatch-gateway/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const ConfigTagName = "env"
const ConfigDefaultTagName = "default"

const (
	DeliveryModeInline = "inline"
	DeliveryModeQueue  = "queue"
)

var config *Config

// Config holds every setting the binaries read. Nothing else in the module
// reads the environment directly; adapters receive their slice of it at startup.
type Config struct {
	AppEnv              string `env:"APP_ENV,default=dev"`
	AppName             string `env:"APP_NAME,default=dispatch_gateway"`
	AppDebug            bool   `env:"APP_DEBUG"`
	AppDebugMetricsAddr string `env:"APP_DEBUG_METRIC_ADDR,default=:9100"`
	AppDebugMetricsURI  string `env:"APP_DEBUG_METRIC_URI,default=/metrics"`
	AppBaseUrl          string `env:"APP_BASE_URL,default=https://fleetillo.com"`

	HttpListenAddr            string        `env:"HTTP_LISTEN_ADDR,default=:3001"`
	HttpBaseRequestUrl        string        `env:"HTTP_BASE_REQUEST_URI,default=/api/v1"`
	HttpServerReadTimeout     time.Duration `env:"HTTP_SERVER_READ_TIMEOUT,default=5s"`
	HttpServerWriteTimeout    time.Duration `env:"HTTP_SERVER_WRITE_TIMEOUT,default=5s"`
	HttpServerRequestTimeout  time.Duration `env:"HTTP_SERVER_REQUEST_TIMEOUT,default=10s"`
	HttpServerReadBufferSize  int           `env:"HTTP_SERVER_READ_BUFFER_SIZE,default=16384"`
	HttpServerWriteBufferSize int           `env:"HTTP_SERVER_WRITE_BUFFER_SIZE,default=16384"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT,default=5432"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT,default=5432"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`

	RedisAddr               string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX,default=dispatch:"`

	PromNamespace string `env:"PROM_NAMESPACE,default=dispatch_gateway"`

	QueueName              string        `env:"QUEUE_NAME,default=dispatch:deliveries"`
	QueueConsumerGroup     string        `env:"QUEUE_CONSUMER_GROUP,default=dispatch-processors"`
	QueueConsumerName      string        `env:"QUEUE_CONSUMER_NAME,default=processor"`
	QueueConsumers         int           `env:"QUEUE_CONSUMERS,default=2"`
	QueueMaxRetries        int           `env:"QUEUE_MAX_RETRIES,default=3"`
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT,default=60s"`
	QueuePollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL,default=500ms"`
	QueueBatchSize         int64         `env:"QUEUE_BATCH_SIZE,default=10"`
	QueueMaxLen            int64         `env:"QUEUE_MAX_LEN,default=100000"`
	QueueEnableDLQ         bool          `env:"QUEUE_ENABLE_DLQ,default=true"`

	DispatchApiKeys  string        `env:"DISPATCH_API_KEYS"`
	DeliveryMode     string        `env:"DELIVERY_MODE,default=inline"`
	DeliveryWorkers  int           `env:"DELIVERY_WORKERS,default=20"`
	DeliveryBuffer   int           `env:"DELIVERY_BUFFER,default=1000"`
	DeliveryTimeout  time.Duration `env:"DELIVERY_TIMEOUT,default=45s"`
	DeliveryClaimTTL time.Duration `env:"DELIVERY_CLAIM_TTL,default=5m"`
	BatchConcurrency int           `env:"BATCH_CONCURRENCY,default=10"`
	ProviderTimeout  time.Duration `env:"PROVIDER_TIMEOUT,default=10s"`
	TemplatesDir     string        `env:"TEMPLATES_DIR"`

	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramApiUrl   string `env:"TELEGRAM_API_URL,default=https://api.telegram.org"`
	TelegramSecret   string `env:"TELEGRAM_WEBHOOK_SECRET"`

	EmailProvider    string `env:"EMAIL_PROVIDER,default=sendgrid"`
	EmailFromAddress string `env:"EMAIL_FROM_ADDRESS,default=dispatch@fleetillo.com"`
	EmailFromName    string `env:"EMAIL_FROM_NAME,default=Fleetillo Dispatch"`
	SendgridApiKey   string `env:"SENDGRID_API_KEY"`
	SendgridApiUrl   string `env:"SENDGRID_API_URL,default=https://api.sendgrid.com"`
	ResendApiKey     string `env:"RESEND_API_KEY"`
	ResendApiUrl     string `env:"RESEND_API_URL,default=https://api.resend.com"`
}

// APIKeys splits DISPATCH_API_KEYS on commas, dropping blanks.
func (c *Config) APIKeys() []string {
	var keys []string
	for _, k := range strings.Split(c.DispatchApiKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func (c *Config) QueueMode() bool {
	return strings.EqualFold(c.DeliveryMode, DeliveryModeQueue)
}

func (c *Config) validate() error {
	mode := strings.ToLower(c.DeliveryMode)
	if mode != DeliveryModeInline && mode != DeliveryModeQueue {
		return errors.Errorf("DELIVERY_MODE must be %q or %q, got %q", DeliveryModeInline, DeliveryModeQueue, c.DeliveryMode)
	}
	if c.BatchConcurrency <= 0 {
		return errors.New("BATCH_CONCURRENCY must be positive")
	}
	if c.DeliveryWorkers <= 0 {
		return errors.New("DELIVERY_WORKERS must be positive")
	}
	if c.DeliveryClaimTTL <= c.ProviderTimeout {
		return errors.Errorf("DELIVERY_CLAIM_TTL (%s) must exceed PROVIDER_TIMEOUT (%s)", c.DeliveryClaimTTL, c.ProviderTimeout)
	}
	return nil
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	c := &Config{}
	if path != "" {
		logger.Info("trying to publish env from file", "path", path)
		if err := godotenv.Load(path); err != nil {
			return errors.Wrap(err, "failed to load configuration file "+path)
		}
	}

	if _, err := env.UnmarshalFromEnviron(c); err != nil {
		return errors.Wrap(err, "failed to map env variables to Configuration object")
	}
	if err := c.validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	if len(c.APIKeys()) == 0 {
		logger.Warn("DISPATCH_API_KEYS is empty; every authenticated route will reject requests")
	}
	if strings.TrimSpace(c.TelegramBotToken) == "" {
		logger.Warn("TELEGRAM_BOT_TOKEN is not set; telegram channel disabled")
	}
	if strings.TrimSpace(c.SendgridApiKey) == "" && strings.TrimSpace(c.ResendApiKey) == "" {
		logger.Warn("no email provider key set; email channel disabled")
	}

	config = c
	return nil
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}

// Set replaces the active configuration; tests and reload hooks use it.
func Set(c *Config) {
	config = c
}
