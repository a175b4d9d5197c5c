// Package ingest bridges external event feeds into the broker. The NATS
// bridge subscribes to a subject carrying wire-encoded BrokerMessage{EVENT}
// payloads and hands them to the broker's ingress path.
package ingest

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/cartpulse/cartpulse/pkg/config"
)

// EventSink accepts wire-encoded BrokerMessage payloads. The broker's
// Ingest method satisfies it.
type EventSink interface {
	Ingest(frame []byte)
}

// NATSBridge forwards messages from a NATS subject into an event sink.
type NATSBridge struct {
	cfg    config.NATSConfig
	sink   EventSink
	logger *zap.Logger

	conn *nats.Conn
	sub  *nats.Subscription
}

// NewNATSBridge creates a bridge; Start is a no-op when the bridge is
// disabled in configuration.
func NewNATSBridge(cfg config.NATSConfig, sink EventSink, logger *zap.Logger) *NATSBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSBridge{cfg: cfg, sink: sink, logger: logger}
}

// Start connects and subscribes. The subscription is torn down when ctx is
// canceled.
func (b *NATSBridge) Start(ctx context.Context) error {
	if !b.cfg.Enabled {
		return nil
	}

	conn, err := nats.Connect(b.cfg.URL, nats.Name("cartpulse-ingest"))
	if err != nil {
		return fmt.Errorf("connect nats %s: %w", b.cfg.URL, err)
	}
	sub, err := conn.Subscribe(b.cfg.Subject, b.Handle)
	if err != nil {
		conn.Close()
		return fmt.Errorf("subscribe %s: %w", b.cfg.Subject, err)
	}

	b.conn = conn
	b.sub = sub
	b.logger.Info("nats ingest bridge started",
		zap.String("url", b.cfg.URL),
		zap.String("subject", b.cfg.Subject))

	go func() {
		<-ctx.Done()
		b.Stop()
	}()
	return nil
}

// Handle forwards one NATS message into the sink. Undecodable payloads are
// counted and dropped by the sink itself.
func (b *NATSBridge) Handle(msg *nats.Msg) {
	b.sink.Ingest(msg.Data)
}

// Stop unsubscribes and drains the connection.
func (b *NATSBridge) Stop() {
	if b.sub != nil {
		b.sub.Unsubscribe()
		b.sub = nil
	}
	if b.conn != nil {
		b.conn.Drain()
		b.conn = nil
	}
}
