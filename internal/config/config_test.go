package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnvFile(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("defaults and file values", func(t *testing.T) {
		path := writeEnvFile(t, "DISPATCH_API_KEYS=alpha, beta ,,\nTELEGRAM_BOT_TOKEN=123:abc\nEMAIL_PROVIDER=Resend\n")
		t.Cleanup(func() {
			os.Unsetenv("DISPATCH_API_KEYS")
			os.Unsetenv("TELEGRAM_BOT_TOKEN")
			os.Unsetenv("EMAIL_PROVIDER")
		})

		require.NoError(t, Load(path))
		c := Get()

		assert.Equal(t, []string{"alpha", "beta"}, c.APIKeys())
		assert.Equal(t, "123:abc", c.TelegramBotToken)
		assert.Equal(t, "Resend", c.EmailProvider)
		assert.Equal(t, "https://api.telegram.org", c.TelegramApiUrl)
		assert.Equal(t, "dispatch@fleetillo.com", c.EmailFromAddress)
		assert.Equal(t, 10, c.BatchConcurrency)
		assert.Equal(t, 10*time.Second, c.ProviderTimeout)
		assert.Equal(t, 5*time.Minute, c.DeliveryClaimTTL)
		assert.False(t, c.QueueMode())
	})

	t.Run("queue mode", func(t *testing.T) {
		t.Setenv("DELIVERY_MODE", "QUEUE")

		require.NoError(t, Load(""))
		assert.True(t, Get().QueueMode())
	})

	t.Run("invalid delivery mode", func(t *testing.T) {
		t.Setenv("DELIVERY_MODE", "carrier-pigeon")

		err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "DELIVERY_MODE")
	})

	t.Run("claim ttl shorter than provider timeout", func(t *testing.T) {
		t.Setenv("DELIVERY_CLAIM_TTL", "5s")

		err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "DELIVERY_CLAIM_TTL")
	})

	t.Run("missing file", func(t *testing.T) {
		err := Load(filepath.Join(t.TempDir(), "nope.env"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load configuration file")
	})
}
