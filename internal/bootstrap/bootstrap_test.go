package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetillo/dispatch-gateway/internal/config"
	"github.com/fleetillo/dispatch-gateway/internal/model"
	"github.com/fleetillo/dispatch-gateway/internal/repository"
)

func TestEnvPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("APP_ENV=test\n"), 0o600))

	assert.Equal(t, path, EnvPath([]string{"api", "--env=" + path}))
	assert.Equal(t, "", EnvPath([]string{"api", "--env=/does/not/exist"}))
	assert.Equal(t, "", EnvPath([]string{"api"}))
}

func TestQueueConfig(t *testing.T) {
	c := &config.Config{
		QueueName:              "dispatch:deliveries",
		QueueConsumerGroup:     "g",
		QueueConsumers:         3,
		QueueMaxRetries:        4,
		QueueVisibilityTimeout: time.Minute,
		QueueEnableDLQ:         true,
	}
	q := QueueConfig(c)
	assert.Equal(t, "dispatch:deliveries", q.Name)
	assert.Equal(t, 3, q.Consumers)
	assert.Equal(t, 4, q.MaxRetries)
	assert.Equal(t, time.Minute, q.VisibilityTimeout)
	assert.True(t, q.EnableDLQ)
}

func TestNewDispatch_RegistersBothChannels(t *testing.T) {
	c := &config.Config{
		TelegramBotToken: "token",
		EmailProvider:    "resend",
		ResendApiKey:     "re_key",
		BatchConcurrency: 4,
		ProviderTimeout:  time.Second,
	}
	app := NewDispatch(c, repository.NewTestDB(t))

	adapters := app.Service.Adapters()
	require.Len(t, adapters, 2)
	assert.Equal(t, model.ChannelEmail, adapters[0].ChannelType())
	assert.Equal(t, model.ChannelTelegram, adapters[1].ChannelType())
	assert.True(t, app.Telegram.IsConfigured())
	assert.True(t, app.Email.IsConfigured())
}
