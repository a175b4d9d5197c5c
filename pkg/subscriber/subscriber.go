// Package subscriber implements the notification-consuming client. It
// registers subscriptions with a home broker, receives notifications on one
// or more broker egress endpoints, and measures delivery latency.
package subscriber

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cartpulse/cartpulse/pkg/gen"
	"github.com/cartpulse/cartpulse/pkg/retry"
	"github.com/cartpulse/cartpulse/pkg/wire"
)

// BrokerAddrs names one broker's subscriber-facing endpoints.
type BrokerAddrs struct {
	Egress     string
	Management string
}

// Stats is the subscriber's counter snapshot.
type Stats struct {
	SubscriberID          string  `json:"subscriber_id"`
	ActiveSubscriptions   int     `json:"active_subscriptions"`
	NotificationsReceived uint64  `json:"notifications_received"`
	SimpleNotifications   uint64  `json:"simple_notifications"`
	ComplexNotifications  uint64  `json:"complex_notifications"`
	AverageLatencyMs      float64 `json:"average_latency_ms"`
}

const latencyWindow = 1000

// Subscriber registers subscriptions and consumes notifications. The first
// broker in addrs is the home broker: subscriptions are registered there and
// its peers forward remote matches back to it. Missed notifications are not
// replayed after a reconnect; only subscriptions are re-registered.
type Subscriber struct {
	id     string
	addrs  []BrokerAddrs
	logger *zap.Logger
	gen    *gen.Generator

	mgmt []*mgmtClient

	mu   sync.Mutex
	subs map[string]*wire.Subscription

	latMu     sync.Mutex
	latencies []float64

	received atomic.Uint64
	simple   atomic.Uint64
	complex  atomic.Uint64

	notifications chan *wire.Notification
}

// New creates a subscriber that connects to the given brokers.
func New(id string, addrs []BrokerAddrs, seed int64, logger *zap.Logger) (*Subscriber, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("subscriber %s needs at least one broker", id)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Subscriber{
		id:            id,
		addrs:         addrs,
		logger:        logger.With(zap.String("subscriber_id", id)),
		gen:           gen.New(seed, nil),
		subs:          make(map[string]*wire.Subscription),
		notifications: make(chan *wire.Notification, 4096),
	}
	for _, a := range addrs {
		s.mgmt = append(s.mgmt, &mgmtClient{addr: a.Management})
	}
	return s, nil
}

// Start launches one egress listener per broker. Listeners reconnect with
// backoff; the home broker's listener replays the subscription registry
// after every connect.
func (s *Subscriber) Start(ctx context.Context) {
	for i := range s.addrs {
		go s.egressLoop(ctx, i)
	}
}

// Notifications returns the stream of received notifications. Slow
// consumers lose the oldest unread entries.
func (s *Subscriber) Notifications() <-chan *wire.Notification {
	return s.notifications
}

// Subscribe registers a subscription at the home broker and records it for
// replay.
func (s *Subscriber) Subscribe(sub *wire.Subscription) error {
	sub.SubscriberID = s.id
	resp, err := s.mgmt[0].request(&wire.ManagementRequest{
		Type:         wire.MgmtSubscribe,
		Subscription: sub.Marshal(),
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", sub.SubscriptionID, err)
	}
	if !resp.OK() {
		return fmt.Errorf("subscribe %s rejected: %s", sub.SubscriptionID, resp.Message)
	}

	s.mu.Lock()
	s.subs[sub.SubscriptionID] = sub
	s.mu.Unlock()
	return nil
}

// Unsubscribe removes a subscription at the home broker and from the local
// registry.
func (s *Subscriber) Unsubscribe(subscriptionID string) error {
	resp, err := s.mgmt[0].request(&wire.ManagementRequest{
		Type:           wire.MgmtUnsubscribe,
		SubscriptionID: subscriptionID,
	})
	if err != nil {
		return fmt.Errorf("unsubscribe %s: %w", subscriptionID, err)
	}
	if !resp.OK() {
		return fmt.Errorf("unsubscribe %s rejected: %s", subscriptionID, resp.Message)
	}

	s.mu.Lock()
	delete(s.subs, subscriptionID)
	s.mu.Unlock()
	return nil
}

// SubscribeSimple registers n generated simple subscriptions.
func (s *Subscriber) SubscribeSimple(n int) error {
	for i := 0; i < n; i++ {
		if err := s.Subscribe(s.gen.SimpleSubscription(s.id)); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeComplex registers n generated windowed subscriptions.
func (s *Subscriber) SubscribeComplex(n int) error {
	for i := 0; i < n; i++ {
		if err := s.Subscribe(s.gen.ComplexSubscription(s.id)); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeWithEqualityRatio registers n generated subscriptions where each
// condition is an equality with probability ratio.
func (s *Subscriber) SubscribeWithEqualityRatio(n int, ratio float64) error {
	for i := 0; i < n; i++ {
		if err := s.Subscribe(s.gen.SubscriptionWithEqualityRatio(s.id, ratio)); err != nil {
			return err
		}
	}
	return nil
}

// BrokerStats fetches the statistics snapshot of broker i.
func (s *Subscriber) BrokerStats(i int) (*wire.StatsSnapshot, error) {
	resp, err := s.mgmt[i].request(&wire.ManagementRequest{Type: wire.MgmtStatus})
	if err != nil {
		return nil, err
	}
	if !resp.OK() || resp.Stats == nil {
		return nil, fmt.Errorf("status request rejected: %s", resp.Message)
	}
	return resp.Stats, nil
}

// Stats returns the subscriber's counter snapshot.
func (s *Subscriber) Stats() Stats {
	s.mu.Lock()
	active := len(s.subs)
	s.mu.Unlock()

	s.latMu.Lock()
	var sum float64
	for _, l := range s.latencies {
		sum += l
	}
	avg := 0.0
	if len(s.latencies) > 0 {
		avg = sum / float64(len(s.latencies))
	}
	s.latMu.Unlock()

	return Stats{
		SubscriberID:          s.id,
		ActiveSubscriptions:   active,
		NotificationsReceived: s.received.Load(),
		SimpleNotifications:   s.simple.Load(),
		ComplexNotifications:  s.complex.Load(),
		AverageLatencyMs:      avg,
	}
}

// egressLoop keeps one broker's egress connection alive. Broker close is a
// retriable error: reconnect, replay the registry (home broker only), keep
// listening.
func (s *Subscriber) egressLoop(ctx context.Context, broker int) {
	addr := s.addrs[broker].Egress
	policy := retry.Default()
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		err := s.serveEgress(ctx, addr, broker, &attempt)
		if ctx.Err() != nil {
			return
		}
		backoff := policy.NextBackoff(attempt)
		attempt++
		s.logger.Debug("egress connection lost",
			zap.String("addr", addr),
			zap.Error(err),
			zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (s *Subscriber) serveEgress(ctx context.Context, addr string, broker int, attempt *int) error {
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := wire.WriteJSONFrame(conn, &wire.EgressHello{SubscriberID: s.id}); err != nil {
		return err
	}
	*attempt = 0
	s.logger.Info("listening for notifications", zap.String("addr", addr))

	// Replay registered subscriptions on the home broker so a restarted
	// broker relearns them. Duplicate registrations are rejected and
	// ignored here.
	if broker == 0 {
		s.replaySubscriptions()
	}

	// Unblock the read when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			return err
		}
		if msg.Type != wire.MessageNotification || msg.Notification == nil {
			continue
		}
		s.consume(msg.Notification)
	}
}

func (s *Subscriber) replaySubscriptions() {
	s.mu.Lock()
	subs := make([]*wire.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		resp, err := s.mgmt[0].request(&wire.ManagementRequest{
			Type:         wire.MgmtSubscribe,
			Subscription: sub.Marshal(),
		})
		if err != nil {
			s.logger.Warn("subscription replay failed",
				zap.String("subscription_id", sub.SubscriptionID),
				zap.Error(err))
			continue
		}
		if !resp.OK() {
			s.logger.Debug("subscription replay rejected",
				zap.String("subscription_id", sub.SubscriptionID),
				zap.String("message", resp.Message))
		}
	}
}

func (s *Subscriber) consume(n *wire.Notification) {
	if n.SubscriberID != s.id {
		return
	}

	latency := float64(time.Now().UnixMilli() - n.Timestamp)
	s.latMu.Lock()
	s.latencies = append(s.latencies, latency)
	if len(s.latencies) > latencyWindow {
		s.latencies = s.latencies[len(s.latencies)-latencyWindow:]
	}
	s.latMu.Unlock()

	s.received.Add(1)
	switch {
	case n.Simple != nil:
		s.simple.Add(1)
	case n.Complex != nil:
		s.complex.Add(1)
	}

	select {
	case s.notifications <- n:
	default:
		// Slow consumer: make room by dropping the oldest unread entry.
		select {
		case <-s.notifications:
		default:
		}
		select {
		case s.notifications <- n:
		default:
		}
	}
}

// mgmtClient is a lazy request/reply connection to one broker's management
// endpoint.
type mgmtClient struct {
	addr string
	mu   sync.Mutex
	conn net.Conn
}

func (c *mgmtClient) request(req *wire.ManagementRequest) (*wire.ManagementResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, err := net.DialTimeout("tcp", c.addr, 5*time.Second)
		if err != nil {
			return nil, fmt.Errorf("dial management %s: %w", c.addr, err)
		}
		c.conn = conn
	}

	if err := wire.WriteJSONFrame(c.conn, req); err != nil {
		c.reset()
		return nil, err
	}
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp wire.ManagementResponse
	if err := wire.ReadJSONFrame(c.conn, &resp); err != nil {
		c.reset()
		return nil, err
	}
	c.conn.SetReadDeadline(time.Time{})
	return &resp, nil
}

func (c *mgmtClient) reset() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
