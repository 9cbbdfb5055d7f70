package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

const sampleYAML = `
server:
  port: 9090
postgres:
  dsn: "host=db user=mpesa dbname=mpesa"
redis:
  addr: "redis:6379"
kafka:
  brokers: ["kafka:9092"]
  topic: "payment-events"
ratelimit:
  rps: 5
  burst: 10
mpesa:
  base_url: "https://sandbox.safaricom.co.ke"
  shortcode: "174379"
  callback_url: "https://example.com/mpesa/callback"
  timeout_seconds: 30
  account_reference: "PESAFLOW"
poller:
  interval_seconds: 2
  pending_window_seconds: 120
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t))
	assert.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"kafka:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "174379", cfg.Mpesa.ShortCode)
	assert.Equal(t, 30, cfg.Mpesa.TimeoutSeconds)
	assert.Equal(t, 120, cfg.Poller.PendingWindowSeconds)
}

func TestLoadEnvOverridesSecrets(t *testing.T) {
	t.Setenv("MPESA_CONSUMER_KEY", "ck")
	t.Setenv("MPESA_CONSUMER_SECRET", "cs")
	t.Setenv("MPESA_PASSKEY", "pk")
	t.Setenv("POSTGRES_PASSWORD", "pw")

	cfg, err := Load(writeConfig(t))
	assert.NoError(t, err)
	assert.Equal(t, "ck", cfg.Mpesa.ConsumerKey)
	assert.Equal(t, "cs", cfg.Mpesa.ConsumerSecret)
	assert.Equal(t, "pk", cfg.Mpesa.Passkey)
	assert.Contains(t, cfg.Postgres.DSN, "password=pw")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
