// Package broker implements the content-based pub/sub broker node: publisher
// ingress, subscriber egress with per-subscriber queues, a management
// endpoint, and the peer mesh that lets a 2-3 node overlay deliver every
// matching event to a subscriber exactly once.
package broker

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cartpulse/cartpulse/pkg/config"
	"github.com/cartpulse/cartpulse/pkg/matcher"
	"github.com/cartpulse/cartpulse/pkg/metrics"
	"github.com/cartpulse/cartpulse/pkg/window"
	"github.com/cartpulse/cartpulse/pkg/wire"
)

type connKind int

const (
	connPublisher connKind = iota
	connOther
)

// Broker routes events from publishers to matching subscriptions. All
// matching runs on a single goroutine, so the subscription index and window
// state are single-writer; transport goroutines only move frames.
type Broker struct {
	cfg    config.BrokerConfig
	logger *zap.Logger

	collector *metrics.Collector
	tracer    trace.Tracer

	match   *matcher.Matcher
	windows *window.Manager
	stats   *stats
	health  *peerHealth
	dedup   *lru.Cache[string, struct{}]

	ingress chan *wire.Event

	mu     sync.Mutex
	queues map[string]*subscriberQueue
	homes  map[string]string // subscription_id -> home broker id

	links []*peerLink

	pubLn, subLn, mgmtLn, peerLn net.Listener

	connMu sync.Mutex
	conns  map[net.Conn]connKind

	ctx         context.Context
	cancel      context.CancelFunc
	group       errgroup.Group
	matcherDone chan struct{}
	stopOnce    sync.Once
	stopErr     error
}

// Option configures optional broker collaborators.
type Option func(*Broker)

// WithMetrics attaches a Prometheus collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(b *Broker) { b.collector = c }
}

// WithTracer attaches an OpenTelemetry tracer for the match path.
func WithTracer(t trace.Tracer) Option {
	return func(b *Broker) { b.tracer = t }
}

// New creates a broker from its configuration.
func New(cfg config.BrokerConfig, logger *zap.Logger, opts ...Option) (*Broker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("broker_id", cfg.BrokerID))

	dedup, err := lru.New[string, struct{}](cfg.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}

	windows := window.NewManager(logger)
	b := &Broker{
		cfg:         cfg,
		logger:      logger,
		match:       matcher.New(windows, logger),
		windows:     windows,
		stats:       newStats(),
		health:      newPeerHealth(),
		dedup:       dedup,
		ingress:     make(chan *wire.Event, cfg.IngressQueueCap),
		queues:      make(map[string]*subscriberQueue),
		homes:       make(map[string]string),
		conns:       make(map[net.Conn]connKind),
		matcherDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Start binds all listeners and launches the broker tasks. The peer mesh
// address is announced in the startup log line.
func (b *Broker) Start() error {
	var err error
	if b.pubLn, err = net.Listen("tcp", fmt.Sprintf(":%d", b.cfg.PublisherPort)); err != nil {
		return fmt.Errorf("bind publisher ingress: %w", err)
	}
	if b.subLn, err = net.Listen("tcp", fmt.Sprintf(":%d", b.cfg.SubscriberPort)); err != nil {
		return fmt.Errorf("bind subscriber egress: %w", err)
	}
	if b.mgmtLn, err = net.Listen("tcp", fmt.Sprintf(":%d", b.cfg.EffectiveManagementPort())); err != nil {
		return fmt.Errorf("bind management: %w", err)
	}
	if b.peerLn, err = net.Listen("tcp", fmt.Sprintf(":%d", b.cfg.PeerPort)); err != nil {
		return fmt.Errorf("bind peer mesh: %w", err)
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())

	b.group.Go(func() error { return b.acceptLoop(b.pubLn, connPublisher, b.handlePublisherConn) })
	b.group.Go(func() error { return b.acceptLoop(b.subLn, connOther, b.handleSubscriberConn) })
	b.group.Go(func() error { return b.acceptLoop(b.mgmtLn, connOther, b.handleManagementConn) })
	b.group.Go(func() error { return b.acceptLoop(b.peerLn, connOther, b.handleInboundPeerConn) })
	b.group.Go(b.matcherLoop)
	b.group.Go(b.maintenanceLoop)

	for _, endpoint := range b.cfg.PeerEndpoints {
		link := newPeerLink(endpoint, b)
		b.links = append(b.links, link)
		b.group.Go(func() error {
			link.run(b.ctx)
			return nil
		})
	}

	b.logger.Info("broker started",
		zap.String("publisher_addr", b.PublisherAddr()),
		zap.String("subscriber_addr", b.SubscriberAddr()),
		zap.String("management_addr", b.ManagementAddr()),
		zap.String("peer_addr", b.PeerAddr()),
		zap.Strings("peer_endpoints", b.cfg.PeerEndpoints))
	return nil
}

// Stop shuts the broker down in order: stop accepting publisher events,
// drain the matcher queue up to the drain deadline, announce shutdown to
// peers, close subscriber queues, and release all transports.
func (b *Broker) Stop() error {
	b.stopOnce.Do(func() {
		b.logger.Info("broker shutting down")

		b.pubLn.Close()
		b.closeConns(connPublisher)

		b.cancel()
		select {
		case <-b.matcherDone:
		case <-time.After(b.cfg.DrainTimeout() + time.Second):
			b.logger.Warn("matcher drain deadline exceeded")
		}

		b.closeAllQueues()
		b.subLn.Close()
		b.mgmtLn.Close()
		b.peerLn.Close()
		b.closeConns(connOther)

		b.stopErr = b.group.Wait()
		b.logger.Info("broker stopped")
	})
	return b.stopErr
}

// PublisherAddr returns the bound publisher ingress address.
func (b *Broker) PublisherAddr() string { return b.pubLn.Addr().String() }

// SubscriberAddr returns the bound subscriber egress address.
func (b *Broker) SubscriberAddr() string { return b.subLn.Addr().String() }

// ManagementAddr returns the bound management address.
func (b *Broker) ManagementAddr() string { return b.mgmtLn.Addr().String() }

// PeerAddr returns the bound peer mesh address.
func (b *Broker) PeerAddr() string { return b.peerLn.Addr().String() }

// Stats returns a point-in-time statistics snapshot.
func (b *Broker) Stats() wire.StatsSnapshot {
	up, down := b.peerCounts()
	return b.stats.snapshot(b.cfg.BrokerID, b.match.Len(), up, down)
}

func (b *Broker) peerCounts() (up, down int) {
	for _, l := range b.links {
		switch l.State() {
		case PeerUp:
			up++
		case PeerDown:
			down++
		}
	}
	return up, down
}

// Ingest decodes one framed payload and routes it as if it arrived on
// publisher ingress. Used by the ingest bridges and exercised directly in
// tests.
func (b *Broker) Ingest(frame []byte) {
	msg := new(wire.BrokerMessage)
	if err := msg.Unmarshal(frame); err != nil {
		b.countDecodeError(err)
		return
	}
	b.ingestMessage(msg)
}

func (b *Broker) ingestMessage(msg *wire.BrokerMessage) {
	if !b.admit(msg.MessageID) {
		return
	}
	if msg.Type != wire.MessageEvent || msg.Event == nil {
		b.logger.Debug("ignoring non-event message on ingress",
			zap.String("type", msg.Type.String()))
		return
	}
	select {
	case b.ingress <- msg.Event:
		b.stats.eventsIngested.Add(1)
		if b.collector != nil {
			b.collector.EventsIngested.Inc()
		}
	case <-b.ctx.Done():
	}
}

// admit records a message id in the duplicate-suppression cache and reports
// whether the message is new. Messages without an id cannot be deduplicated
// and are admitted.
func (b *Broker) admit(messageID string) bool {
	if messageID == "" {
		return true
	}
	present, _ := b.dedup.ContainsOrAdd(messageID, struct{}{})
	if present {
		b.stats.duplicatesDropped.Add(1)
		if b.collector != nil {
			b.collector.DuplicatesDropped.Inc()
		}
		return false
	}
	return true
}

func (b *Broker) countDecodeError(err error) {
	b.stats.decodeErrors.Add(1)
	if b.collector != nil {
		b.collector.DecodeErrors.Inc()
	}
	b.logger.Debug("discarding undecodable message", zap.Error(err))
}

// matcherLoop is the single goroutine that owns matching and window state.
func (b *Broker) matcherLoop() error {
	defer close(b.matcherDone)
	for {
		select {
		case <-b.ctx.Done():
			b.drainIngress()
			return nil
		case ev := <-b.ingress:
			b.processEvent(ev)
		}
	}
}

// drainIngress processes queued events after shutdown begins, bounded by the
// drain deadline.
func (b *Broker) drainIngress() {
	deadline := time.Now().Add(b.cfg.DrainTimeout())
	for time.Now().Before(deadline) {
		select {
		case ev := <-b.ingress:
			b.processEvent(ev)
		default:
			return
		}
	}
}

func (b *Broker) processEvent(ev *wire.Event) {
	start := time.Now()
	if b.tracer != nil {
		_, span := b.tracer.Start(context.Background(), "broker.match",
			trace.WithAttributes(
				attribute.String("event_id", ev.EventID),
				attribute.String("event_type", ev.Type.String())))
		defer span.End()
	}

	// A panic in matching must cost only this one event.
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("match failed, dropping event",
				zap.String("event_id", ev.EventID),
				zap.Any("panic", r))
		}
	}()

	notifications := b.match.Match(ev)
	if b.collector != nil {
		b.collector.MatchLatency.Observe(time.Since(start).Seconds())
	}
	if len(notifications) == 0 {
		return
	}
	b.stats.eventsMatched.Add(1)
	if b.collector != nil {
		b.collector.EventsMatched.Inc()
	}

	for _, n := range notifications {
		home := b.homeOf(n.SubscriptionID)
		if home == "" || home == b.cfg.BrokerID {
			b.deliverLocal(n)
		} else {
			b.forwardToPeer(home, n)
		}
	}
}

func (b *Broker) homeOf(subscriptionID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.homes[subscriptionID]
}

// deliverLocal enqueues a notification for a locally connected subscriber.
func (b *Broker) deliverLocal(n *wire.Notification) {
	b.mu.Lock()
	q := b.queues[n.SubscriberID]
	b.mu.Unlock()

	if q == nil {
		b.logger.Debug("no egress queue for subscriber, dropping notification",
			zap.String("subscriber_id", n.SubscriberID))
		return
	}

	dropped, ok := q.push(n)
	if dropped > 0 {
		b.stats.notificationsDropped.Add(uint64(dropped))
		if b.collector != nil {
			b.collector.NotificationsDropped.Add(float64(dropped))
		}
	}
	if ok {
		b.stats.notificationsSent.Add(1)
		if b.collector != nil {
			b.collector.NotificationsSent.Inc()
		}
	}
}

// forwardToPeer routes a notification to the home broker of its
// subscription. Notifications to DOWN or unknown peers are dropped.
func (b *Broker) forwardToPeer(home string, n *wire.Notification) {
	for _, l := range b.links {
		if l.RemoteBrokerID() != home {
			continue
		}
		if l.enqueue(b.envelope(wire.MessageNotification, func(m *wire.BrokerMessage) {
			m.Notification = n
		})) {
			b.stats.notificationsSent.Add(1)
			if b.collector != nil {
				b.collector.NotificationsSent.Inc()
			}
		}
		return
	}
	b.logger.Debug("no link to home broker, dropping notification",
		zap.String("home_broker_id", home))
}

// announce replicates a subscription summary, or its removal, to all peers.
func (b *Broker) announce(sub *wire.Subscription) {
	for _, l := range b.links {
		l.enqueue(b.envelope(wire.MessageSubscription, func(m *wire.BrokerMessage) {
			m.Subscription = sub
		}))
	}
}

// localSummaries returns the subscriptions registered at this broker,
// stamped with its id, for replay on a fresh peer connection.
func (b *Broker) localSummaries() []*wire.Subscription {
	var out []*wire.Subscription
	for _, sub := range b.match.List() {
		if sub.HomeBrokerID == b.cfg.BrokerID {
			out = append(out, sub)
		}
	}
	return out
}

func (b *Broker) envelope(t wire.MessageType, fill func(*wire.BrokerMessage)) *wire.BrokerMessage {
	m := &wire.BrokerMessage{
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Type:      t,
	}
	fill(m)
	return m
}

func (b *Broker) heartbeatMessage(status string) *wire.BrokerMessage {
	return b.envelope(wire.MessageHeartbeat, func(m *wire.BrokerMessage) {
		m.Heartbeat = &wire.BrokerHeartbeat{
			BrokerID:            b.cfg.BrokerID,
			Status:              status,
			ActiveSubscriptions: int32(b.match.Len()),
			ProcessedEvents:     int64(b.stats.eventsIngested.Load()),
		}
	})
}

func (b *Broker) ensureQueue(subscriberID string) *subscriberQueue {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queues[subscriberID]
	if q == nil || q.isClosed() {
		q = newSubscriberQueue(subscriberID, b.cfg.EgressQueueCap, b.cfg.DropOldestOnOverflow)
		b.queues[subscriberID] = q
	}
	return q
}

func (b *Broker) dropQueue(subscriberID string, q *subscriberQueue) {
	b.mu.Lock()
	if b.queues[subscriberID] == q {
		delete(b.queues, subscriberID)
	}
	b.mu.Unlock()
	q.close()
}

func (b *Broker) closeAllQueues() {
	b.mu.Lock()
	queues := make([]*subscriberQueue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.queues = make(map[string]*subscriberQueue)
	b.mu.Unlock()

	for _, q := range queues {
		q.close()
	}
}

// maintenanceLoop refreshes gauges once per second.
func (b *Broker) maintenanceLoop() error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return nil
		case <-ticker.C:
			if b.collector == nil {
				continue
			}
			up, down := b.peerCounts()
			b.collector.PeersUp.Set(float64(up))
			b.collector.PeersDown.Set(float64(down))
			b.collector.ActiveSubscriptions.Set(float64(b.match.Len()))
			b.collector.IngressUtilization.Set(float64(len(b.ingress)) / float64(cap(b.ingress)))
		}
	}
}
