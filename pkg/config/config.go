// Package config defines the node configuration and its file loader.
package config

import (
	"fmt"
	"time"
)

// Config is the complete configuration of one cartpulse node.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker" json:"broker"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Dashboard DashboardConfig `yaml:"dashboard" json:"dashboard"`
	NATS      NATSConfig      `yaml:"nats" json:"nats"`
	Tracing   TracingConfig   `yaml:"tracing" json:"tracing"`
}

// BrokerConfig holds the broker's transport and routing options.
type BrokerConfig struct {
	BrokerID       string `yaml:"broker_id" json:"broker_id"`
	PublisherPort  int    `yaml:"publisher_port" json:"publisher_port"`
	SubscriberPort int    `yaml:"subscriber_port" json:"subscriber_port"`
	// ManagementPort defaults to SubscriberPort+1000 when zero.
	ManagementPort int `yaml:"management_port" json:"management_port"`
	// PeerPort is the mesh listener; its address is announced at startup.
	PeerPort      int      `yaml:"peer_port" json:"peer_port"`
	PeerEndpoints []string `yaml:"peer_endpoints" json:"peer_endpoints"`

	HeartbeatIntervalMs  int64 `yaml:"heartbeat_interval_ms" json:"heartbeat_interval_ms"`
	PeerTimeoutMs        int64 `yaml:"peer_timeout_ms" json:"peer_timeout_ms"`
	DedupCacheSize       int   `yaml:"dedup_cache_size" json:"dedup_cache_size"`
	IngressQueueCap      int   `yaml:"ingress_queue_cap" json:"ingress_queue_cap"`
	EgressQueueCap       int   `yaml:"egress_queue_cap" json:"egress_queue_cap"`
	DropOldestOnOverflow bool  `yaml:"drop_oldest_on_overflow" json:"drop_oldest_on_overflow"`
	DrainTimeoutMs       int64 `yaml:"drain_timeout_ms" json:"drain_timeout_ms"`
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (c *BrokerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// PeerTimeout returns the dead-peer threshold as a duration.
func (c *BrokerConfig) PeerTimeout() time.Duration {
	return time.Duration(c.PeerTimeoutMs) * time.Millisecond
}

// DrainTimeout returns the shutdown drain deadline as a duration.
func (c *BrokerConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMs) * time.Millisecond
}

// LoggingConfig holds logging options.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // json, console
}

// MetricsConfig holds Prometheus exposition options.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
}

// DashboardConfig holds the live stats feed options.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
	// PushIntervalMs is the cadence of websocket stats pushes.
	PushIntervalMs int64 `yaml:"push_interval_ms" json:"push_interval_ms"`
}

// PushInterval returns the stats push cadence as a duration.
func (c *DashboardConfig) PushInterval() time.Duration {
	return time.Duration(c.PushIntervalMs) * time.Millisecond
}

// NATSConfig holds the optional NATS ingest bridge options.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	URL     string `yaml:"url" json:"url"`
	Subject string `yaml:"subject" json:"subject"`
}

// TracingConfig holds OpenTelemetry options.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Exporter string `yaml:"exporter" json:"exporter"` // stdout, otlp
	Endpoint string `yaml:"endpoint" json:"endpoint"` // otlp collector, host:port
}

// Default returns the configuration for a single broker with no peers.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			BrokerID:             "broker1",
			PublisherPort:        5557,
			SubscriberPort:       5554,
			ManagementPort:       0, // derived
			PeerPort:             7554,
			PeerEndpoints:        nil,
			HeartbeatIntervalMs:  5000,
			PeerTimeoutMs:        15000,
			DedupCacheSize:       10000,
			IngressQueueCap:      65536,
			EgressQueueCap:       4096,
			DropOldestOnOverflow: true,
			DrainTimeoutMs:       2000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9091",
		},
		Dashboard: DashboardConfig{
			Enabled:        false,
			Address:        ":8087",
			PushIntervalMs: 1000,
		},
		NATS: NATSConfig{
			Enabled: false,
			URL:     "nats://127.0.0.1:4222",
			Subject: "cartpulse.events",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Exporter: "stdout",
			Endpoint: "127.0.0.1:4318",
		},
	}
}

// Validate rejects configurations the broker cannot start with.
func (c *Config) Validate() error {
	b := &c.Broker
	if b.BrokerID == "" {
		return fmt.Errorf("broker_id must not be empty")
	}
	if b.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("heartbeat_interval_ms must be positive, got %d", b.HeartbeatIntervalMs)
	}
	if b.PeerTimeoutMs < b.HeartbeatIntervalMs {
		return fmt.Errorf("peer_timeout_ms %d shorter than heartbeat_interval_ms %d", b.PeerTimeoutMs, b.HeartbeatIntervalMs)
	}
	if b.DedupCacheSize < 1 {
		return fmt.Errorf("dedup_cache_size must be at least 1, got %d", b.DedupCacheSize)
	}
	if b.IngressQueueCap < 1 {
		return fmt.Errorf("ingress_queue_cap must be at least 1, got %d", b.IngressQueueCap)
	}
	if b.EgressQueueCap < 1 {
		return fmt.Errorf("egress_queue_cap must be at least 1, got %d", b.EgressQueueCap)
	}
	if c.NATS.Enabled && c.NATS.Subject == "" {
		return fmt.Errorf("nats subject must not be empty when the bridge is enabled")
	}
	switch c.Tracing.Exporter {
	case "", "stdout", "otlp":
	default:
		return fmt.Errorf("unknown tracing exporter %q", c.Tracing.Exporter)
	}
	return nil
}

// EffectiveManagementPort resolves the management port default: 1000 above
// the egress port. With an ephemeral egress port the management port is
// ephemeral too.
func (c *BrokerConfig) EffectiveManagementPort() int {
	if c.ManagementPort != 0 || c.SubscriberPort == 0 {
		return c.ManagementPort
	}
	return c.SubscriberPort + 1000
}
