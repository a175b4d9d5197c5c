package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5557, cfg.Broker.PublisherPort)
	assert.Equal(t, 5554, cfg.Broker.SubscriberPort)
	assert.Equal(t, 6554, cfg.Broker.EffectiveManagementPort())
	assert.Equal(t, 7554, cfg.Broker.PeerPort)
	assert.Equal(t, 5*time.Second, cfg.Broker.HeartbeatInterval())
	assert.Equal(t, 15*time.Second, cfg.Broker.PeerTimeout())
	assert.Equal(t, 10000, cfg.Broker.DedupCacheSize)
	assert.Equal(t, 65536, cfg.Broker.IngressQueueCap)
	assert.Equal(t, 4096, cfg.Broker.EgressQueueCap)
	assert.True(t, cfg.Broker.DropOldestOnOverflow)
}

func TestManagementPortDerivation(t *testing.T) {
	b := BrokerConfig{SubscriberPort: 5555}
	assert.Equal(t, 6555, b.EffectiveManagementPort())

	b.ManagementPort = 7000
	assert.Equal(t, 7000, b.EffectiveManagementPort())

	// Ephemeral egress implies ephemeral management.
	b = BrokerConfig{SubscriberPort: 0}
	assert.Equal(t, 0, b.EffectiveManagementPort())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
broker:
  broker_id: broker2
  publisher_port: 5558
  subscriber_port: 5555
  peer_endpoints:
    - 127.0.0.1:6554
    - 127.0.0.1:6556
  dedup_cache_size: 500
logging:
  level: debug
  format: console
nats:
  enabled: true
  subject: shop.events
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "broker2", cfg.Broker.BrokerID)
	assert.Equal(t, 5558, cfg.Broker.PublisherPort)
	assert.Equal(t, []string{"127.0.0.1:6554", "127.0.0.1:6556"}, cfg.Broker.PeerEndpoints)
	assert.Equal(t, 500, cfg.Broker.DedupCacheSize)
	// Unset values keep their defaults.
	assert.Equal(t, int64(5000), cfg.Broker.HeartbeatIntervalMs)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "shop.events", cfg.NATS.Subject)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
broker:
  broker_id: ""
`), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "broker_id")
}

func TestLoadRejectsUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0o600))
	_, err := Load(path)
	assert.ErrorContains(t, err, "unsupported config format")
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Broker.PeerTimeoutMs = 1000 // shorter than heartbeat interval
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Broker.IngressQueueCap = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Tracing.Exporter = "jaeger"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.NATS.Enabled = true
	cfg.NATS.Subject = ""
	assert.Error(t, cfg.Validate())
}
