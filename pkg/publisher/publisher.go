// Package publisher implements the event-producing client. It serializes
// generated or caller-supplied events and sends them to one broker's ingress
// at a configured rate.
package publisher

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cartpulse/cartpulse/pkg/gen"
	"github.com/cartpulse/cartpulse/pkg/wire"
)

// Stats is the publisher's counter snapshot.
type Stats struct {
	PublisherID     string  `json:"publisher_id"`
	EventsPublished uint64  `json:"events_published"`
	SendErrors      uint64  `json:"send_errors"`
	UptimeMs        int64   `json:"uptime_ms"`
	EventsPerSecond float64 `json:"events_per_second"`
}

// Publisher sends events to a broker's publisher ingress. Failed sends drop
// the event; there are no retries.
type Publisher struct {
	id     string
	addr   string
	logger *zap.Logger
	gen    *gen.Generator

	mu   sync.Mutex
	conn net.Conn

	eventsPublished atomic.Uint64
	sendErrors      atomic.Uint64
	start           time.Time
}

// New creates a publisher for the given broker ingress address. Events from
// Run are drawn from a generator seeded with seed.
func New(id, addr string, seed int64, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		id:     id,
		addr:   addr,
		logger: logger.With(zap.String("publisher_id", id)),
		gen:    gen.New(seed, nil),
		start:  time.Now(),
	}
}

// Connect dials the broker ingress.
func (p *Publisher) Connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return fmt.Errorf("dial broker ingress %s: %w", p.addr, err)
	}
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	p.logger.Info("publisher connected", zap.String("addr", p.addr))
	return nil
}

// Close releases the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

// Publish stamps the event with the current time and sends it. A failed
// send drops the event and counts a send error.
func (p *Publisher) Publish(ev *wire.Event) error {
	ev.Timestamp = time.Now().UnixMilli()
	msg := &wire.BrokerMessage{
		MessageID: uuid.NewString(),
		Timestamp: ev.Timestamp,
		Type:      wire.MessageEvent,
		Event:     ev,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		p.sendErrors.Add(1)
		return fmt.Errorf("publisher %s is not connected", p.id)
	}
	if err := wire.WriteMessage(p.conn, msg); err != nil {
		p.sendErrors.Add(1)
		return fmt.Errorf("send event %s: %w", ev.EventID, err)
	}
	p.eventsPublished.Add(1)
	return nil
}

// Run publishes generated events at rate events/second until ctx is
// canceled.
func (p *Publisher) Run(ctx context.Context, rate float64) error {
	if rate <= 0 {
		return fmt.Errorf("rate must be positive, got %g", rate)
	}
	interval := time.Duration(float64(time.Second) / rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("publishing", zap.Float64("events_per_second", rate))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Publish(p.gen.Random()); err != nil {
				p.logger.Warn("publish failed, dropping event", zap.Error(err))
			}
			if n := p.eventsPublished.Load(); n > 0 && n%1000 == 0 {
				p.logger.Info("publish progress", zap.Uint64("events_published", n))
			}
		}
	}
}

// Burst publishes n generated events back to back, with an optional delay
// between sends.
func (p *Publisher) Burst(n int, delay time.Duration) {
	for i := 0; i < n; i++ {
		if err := p.Publish(p.gen.Random()); err != nil {
			p.logger.Warn("burst publish failed", zap.Error(err))
		}
		if delay > 0 {
			time.Sleep(delay)
		}
	}
}

// Stats returns the publisher's counter snapshot.
func (p *Publisher) Stats() Stats {
	elapsed := time.Since(p.start)
	published := p.eventsPublished.Load()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(published) / elapsed.Seconds()
	}
	return Stats{
		PublisherID:     p.id,
		EventsPublished: published,
		SendErrors:      p.sendErrors.Load(),
		UptimeMs:        elapsed.Milliseconds(),
		EventsPerSecond: rate,
	}
}
