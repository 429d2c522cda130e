package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, "Asia/Kolkata", cfg.Timezone)
	assert.Equal(t, 5035, cfg.Server.Port)
	assert.Equal(t, 20*time.Hour, cfg.Auth.ValidityWindow)
	assert.Equal(t, 30*time.Minute, cfg.Auth.RefreshMargin)
	assert.Equal(t, "0 8 * * 1-5", cfg.Auth.RefreshSchedule)
	assert.Equal(t, "file", cfg.TokenStore.Backend)
	assert.Equal(t, []string{"radhe", "algo"}, cfg.Signal.TriggerKeywords)
	assert.Equal(t, "MARGIN", cfg.Fyers.ProductType)
	assert.Equal(t, 3, cfg.Trading.StaleCatalogThreshold)
	assert.Equal(t, 2*time.Minute, cfg.Catalog.DownloadTimeout)
	assert.Equal(t, "Asia/Kolkata", cfg.Location().String())

	assert.Error(t, cfg.ValidateCredentials())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8081
fyers:
  client_id: FILEID-100
  product_type: INTRADAY
trading:
  default_lots:
    NIFTY: 2
    BANKNIFTY: 1
catalog:
  segments: [NSE_FO]
`)
	t.Setenv("SIGTRADER_AUTH_VALIDITY_WINDOW", "12h")
	t.Setenv("FYERS_CLIENT_ID", "ENVID-100")
	t.Setenv("FYERS_SECRET_KEY", "secret")
	t.Setenv("FYERS_FY_ID", "XY12345")
	t.Setenv("FYERS_TOTP_KEY", "JBSWY3DPEHPK3PXP")
	t.Setenv("FYERS_PIN", "1234")
	t.Setenv("TELEGRAM_TOKEN", "123:abc")
	t.Setenv("TELEGRAM_CHAT_ID", "42")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, 12*time.Hour, cfg.Auth.ValidityWindow)
	assert.Equal(t, "ENVID-100", cfg.Fyers.Credentials.ClientID)
	assert.Equal(t, "INTRADAY", cfg.Fyers.ProductType)
	// Map keys come back lowercased.
	assert.Equal(t, 2, cfg.Trading.DefaultLots["nifty"])
	assert.Equal(t, []string{"NSE_FO"}, cfg.Catalog.Segments)
	assert.True(t, cfg.Telegram.Enabled)
	assert.NoError(t, cfg.ValidateCredentials())
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"port":       "server:\n  port: 0\n",
		"product":    "fyers:\n  product_type: BO\n",
		"segment":    "catalog:\n  segments: [NSE_XX]\n",
		"download":   "catalog:\n  download_timeout: 0s\n",
		"margin":     "auth:\n  validity_window: 1h\n  refresh_margin: 2h\n",
		"redis":      "token_store:\n  backend: redis\n",
		"timezone":   "timezone: Mars/Olympus\n",
		"telegram":   "telegram:\n  enabled: true\n",
		"unreadable": "server: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

type fakeSecrets map[string]string

func (f fakeSecrets) GetSecretWithDefault(_ context.Context, name, def string) string {
	if v, ok := f[name]; ok {
		return v
	}
	return def
}

func TestApplySecretsFillsOnlyMissing(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)
	cfg.Fyers.Credentials.ClientID = "KEEP-100"

	applySecrets(context.Background(), cfg, fakeSecrets{
		"fyers-client-id":    "SECRET-100",
		"fyers-secret-key":   "sk",
		"fyers-totp-key":     "JBSWY3DPEHPK3PXP",
		"telegram-bot-token": "123:abc",
		"telegram-chat-id":   "42",
	})

	assert.Equal(t, "KEEP-100", cfg.Fyers.Credentials.ClientID)
	assert.Equal(t, "sk", cfg.Fyers.Credentials.SecretKey)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", cfg.Fyers.Credentials.TOTPKey)
	assert.Empty(t, cfg.Fyers.Credentials.PIN)
	assert.True(t, cfg.Telegram.Enabled)
}

func TestYAMLMasksSecrets(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)
	cfg.Fyers.Credentials.ClientID = "ABCD-100"
	cfg.Fyers.Credentials.SecretKey = "topsecret"
	cfg.Fyers.Credentials.PIN = "1234"
	cfg.Telegram.BotToken = "123:abc"

	out, err := cfg.YAML()
	require.NoError(t, err)
	s := string(out)
	assert.Contains(t, s, "ABCD-100")
	assert.NotContains(t, s, "topsecret")
	assert.NotContains(t, s, "123:abc")
	assert.Contains(t, s, masked)
	assert.Contains(t, s, "validity_window: 20h0m0s")

	// The original is untouched.
	assert.Equal(t, "topsecret", cfg.Fyers.Credentials.SecretKey)
}
