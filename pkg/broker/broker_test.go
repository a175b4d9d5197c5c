package broker

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cartpulse/cartpulse/pkg/config"
	"github.com/cartpulse/cartpulse/pkg/publisher"
	"github.com/cartpulse/cartpulse/pkg/subscriber"
	"github.com/cartpulse/cartpulse/pkg/wire"
)

func testBrokerConfig(id string, peerPort int, peers []string) config.BrokerConfig {
	return config.BrokerConfig{
		BrokerID:             id,
		PublisherPort:        0,
		SubscriberPort:       0,
		ManagementPort:       0,
		PeerPort:             peerPort,
		PeerEndpoints:        peers,
		HeartbeatIntervalMs:  200,
		PeerTimeoutMs:        1000,
		DedupCacheSize:       1024,
		IngressQueueCap:      1024,
		EgressQueueCap:       256,
		DropOldestOnOverflow: true,
		DrainTimeoutMs:       500,
	}
}

func startBroker(t *testing.T, cfg config.BrokerConfig) *Broker {
	t.Helper()
	b, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, b.Start())
	t.Cleanup(func() { b.Stop() })
	return b
}

// local rewrites a wildcard listener address into a dialable loopback one.
func local(t *testing.T, addr string) string {
	t.Helper()
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	return net.JoinHostPort("127.0.0.1", port)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func startSubscriber(t *testing.T, ctx context.Context, id string, brokers ...*Broker) *subscriber.Subscriber {
	t.Helper()
	var addrs []subscriber.BrokerAddrs
	for _, b := range brokers {
		addrs = append(addrs, subscriber.BrokerAddrs{
			Egress:     local(t, b.SubscriberAddr()),
			Management: local(t, b.ManagementAddr()),
		})
	}
	s, err := subscriber.New(id, addrs, 1, zap.NewNop())
	require.NoError(t, err)
	s.Start(ctx)
	return s
}

func connectPublisher(t *testing.T, ctx context.Context, b *Broker) *publisher.Publisher {
	t.Helper()
	p := publisher.New("pub1", local(t, b.PublisherAddr()), 1, zap.NewNop())
	require.NoError(t, p.Connect(ctx))
	t.Cleanup(func() { p.Close() })
	return p
}

func electronicsPurchase(id string, price float64) *wire.Event {
	return &wire.Event{
		EventID: id,
		Type:    wire.EventPurchase,
		Purchase: &wire.Purchase{
			UserID:      "user_0001",
			ProductID:   "LAPTOP123",
			Category:    "Electronics",
			Price:       price,
			Quantity:    1,
			WarehouseID: "WH001",
		},
	}
}

func categorySub(id, category string) *wire.Subscription {
	return &wire.Subscription{
		SubscriptionID: id,
		Type:           wire.SubscriptionSimple,
		Conditions: []wire.FilterCondition{
			{FieldName: "category", Operator: wire.OpEQ, Value: category},
		},
	}
}

func recvNotification(t *testing.T, s *subscriber.Subscriber, timeout time.Duration) *wire.Notification {
	t.Helper()
	select {
	case n := <-s.Notifications():
		return n
	case <-time.After(timeout):
		t.Fatal("timed out waiting for notification")
		return nil
	}
}

func assertNoNotification(t *testing.T, s *subscriber.Subscriber, wait time.Duration) {
	t.Helper()
	select {
	case n := <-s.Notifications():
		t.Fatalf("unexpected notification %s for subscription %s", n.NotificationID, n.SubscriptionID)
	case <-time.After(wait):
	}
}

func TestSimpleMatchEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := startBroker(t, testBrokerConfig("broker1", 0, nil))
	s := startSubscriber(t, ctx, "alice", b)
	require.NoError(t, s.Subscribe(categorySub("s1", "Electronics")))

	p := connectPublisher(t, ctx, b)
	require.NoError(t, p.Publish(electronicsPurchase("evt-1", 99)))

	n := recvNotification(t, s, 5*time.Second)
	assert.Equal(t, "s1", n.SubscriptionID)
	assert.Equal(t, "alice", n.SubscriberID)
	require.NotNil(t, n.Simple)
	assert.Equal(t, "evt-1", n.Simple.MatchedEvent.EventID)

	// A non-matching category produces nothing.
	books := electronicsPurchase("evt-2", 10)
	books.Purchase.Category = "Books"
	require.NoError(t, p.Publish(books))
	assertNoNotification(t, s, 300*time.Millisecond)

	stats := b.Stats()
	assert.Equal(t, uint64(2), stats.EventsIngested)
	assert.Equal(t, uint64(1), stats.EventsMatched)
	assert.Equal(t, uint64(1), stats.NotificationsSent)
}

func TestPerPublisherOrderingPreserved(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := startBroker(t, testBrokerConfig("broker1", 0, nil))
	s := startSubscriber(t, ctx, "alice", b)
	require.NoError(t, s.Subscribe(&wire.Subscription{
		SubscriptionID: "all-purchases",
		Type:           wire.SubscriptionSimple,
		Conditions: []wire.FilterCondition{
			{FieldName: "price", Operator: wire.OpGE, Value: "0"},
		},
	}))

	p := connectPublisher(t, ctx, b)
	const count = 50
	for i := 0; i < count; i++ {
		require.NoError(t, p.Publish(electronicsPurchase(fmt.Sprintf("evt-%03d", i), float64(i))))
	}

	for i := 0; i < count; i++ {
		n := recvNotification(t, s, 5*time.Second)
		assert.Equal(t, fmt.Sprintf("evt-%03d", i), n.Simple.MatchedEvent.EventID)
	}
}

func TestDuplicateMessageIDIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := startBroker(t, testBrokerConfig("broker1", 0, nil))
	s := startSubscriber(t, ctx, "alice", b)
	require.NoError(t, s.Subscribe(categorySub("s1", "Electronics")))

	frame := (&wire.BrokerMessage{
		MessageID: "replayed-message",
		Timestamp: time.Now().UnixMilli(),
		Type:      wire.MessageEvent,
		Event:     electronicsPurchase("evt-1", 50),
	}).Marshal()

	b.Ingest(frame)
	b.Ingest(frame) // replay within the dedup window

	n := recvNotification(t, s, 5*time.Second)
	assert.Equal(t, "evt-1", n.Simple.MatchedEvent.EventID)
	assertNoNotification(t, s, 300*time.Millisecond)

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.EventsIngested)
	assert.Equal(t, uint64(1), stats.DuplicatesDropped)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := startBroker(t, testBrokerConfig("broker1", 0, nil))
	s := startSubscriber(t, ctx, "alice", b)
	require.NoError(t, s.Subscribe(categorySub("s1", "Electronics")))

	p := connectPublisher(t, ctx, b)
	require.NoError(t, p.Publish(electronicsPurchase("evt-1", 99)))
	recvNotification(t, s, 5*time.Second)

	require.NoError(t, s.Unsubscribe("s1"))
	require.NoError(t, p.Publish(electronicsPurchase("evt-2", 99)))
	assertNoNotification(t, s, 300*time.Millisecond)

	// Unsubscribing again reports not found.
	assert.ErrorContains(t, s.Unsubscribe("s1"), "not found")
}

func TestManagementRejectsInvalidSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := startBroker(t, testBrokerConfig("broker1", 0, nil))
	s := startSubscriber(t, ctx, "alice", b)

	err := s.Subscribe(&wire.Subscription{
		SubscriptionID: "empty",
		Type:           wire.SubscriptionSimple,
	})
	assert.ErrorContains(t, err, "no conditions")
	assert.Equal(t, 0, b.Stats().ActiveSubscriptions)
}

func TestDecodeErrorsAreCountedAndSkipped(t *testing.T) {
	b := startBroker(t, testBrokerConfig("broker1", 0, nil))
	b.Ingest([]byte{0x0A, 0xFF}) // tag announcing bytes that never arrive

	assert.Equal(t, uint64(1), b.Stats().DecodeErrors)
	assert.Equal(t, uint64(0), b.Stats().EventsIngested)
}

func TestStatusRequestReturnsSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := startBroker(t, testBrokerConfig("broker1", 0, nil))
	s := startSubscriber(t, ctx, "alice", b)
	require.NoError(t, s.Subscribe(categorySub("s1", "Electronics")))

	snap, err := s.BrokerStats(0)
	require.NoError(t, err)
	assert.Equal(t, "broker1", snap.BrokerID)
	assert.Equal(t, 1, snap.ActiveSubscriptions)
	assert.GreaterOrEqual(t, snap.UptimeMs, int64(0))
}

// TestPeerForwarding covers the overlay scenario: a subscription homed at B2
// matches an event published to B1, and the notification crosses the mesh
// exactly once even with a third broker in the full mesh.
func TestPeerForwarding(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p1 := freePort(t)
	p2 := freePort(t)
	p3 := freePort(t)
	ep := func(port int) string { return fmt.Sprintf("127.0.0.1:%d", port) }

	b1 := startBroker(t, testBrokerConfig("broker1", p1, []string{ep(p2), ep(p3)}))
	b2 := startBroker(t, testBrokerConfig("broker2", p2, []string{ep(p1), ep(p3)}))
	b3 := startBroker(t, testBrokerConfig("broker3", p3, []string{ep(p1), ep(p2)}))

	// Full mesh up.
	require.Eventually(t, func() bool {
		return b1.Stats().PeersUp == 2 && b2.Stats().PeersUp == 2 && b3.Stats().PeersUp == 2
	}, 10*time.Second, 50*time.Millisecond)

	s := startSubscriber(t, ctx, "alice", b2)
	require.NoError(t, s.Subscribe(categorySub("s1", "Electronics")))

	// The summary must reach every peer before the event is published.
	require.Eventually(t, func() bool {
		return b1.Stats().ActiveSubscriptions == 1 && b3.Stats().ActiveSubscriptions == 1
	}, 10*time.Second, 50*time.Millisecond)

	p := connectPublisher(t, ctx, b1)
	require.NoError(t, p.Publish(electronicsPurchase("evt-1", 250)))

	n := recvNotification(t, s, 10*time.Second)
	assert.Equal(t, "s1", n.SubscriptionID)
	assert.Equal(t, "evt-1", n.Simple.MatchedEvent.EventID)

	// Exactly once: no duplicate arrives via the B1<->B3 edge.
	assertNoNotification(t, s, 500*time.Millisecond)
}

// TestPeerUnsubscribePropagates checks that removing a subscription at its
// home broker stops remote matching too.
func TestPeerUnsubscribePropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p1 := freePort(t)
	p2 := freePort(t)
	ep := func(port int) string { return fmt.Sprintf("127.0.0.1:%d", port) }

	b1 := startBroker(t, testBrokerConfig("broker1", p1, []string{ep(p2)}))
	b2 := startBroker(t, testBrokerConfig("broker2", p2, []string{ep(p1)}))

	require.Eventually(t, func() bool {
		return b1.Stats().PeersUp == 1 && b2.Stats().PeersUp == 1
	}, 10*time.Second, 50*time.Millisecond)

	s := startSubscriber(t, ctx, "alice", b2)
	require.NoError(t, s.Subscribe(categorySub("s1", "Electronics")))
	require.Eventually(t, func() bool {
		return b1.Stats().ActiveSubscriptions == 1
	}, 10*time.Second, 50*time.Millisecond)

	require.NoError(t, s.Unsubscribe("s1"))
	require.Eventually(t, func() bool {
		return b1.Stats().ActiveSubscriptions == 0
	}, 10*time.Second, 50*time.Millisecond)

	p := connectPublisher(t, ctx, b1)
	require.NoError(t, p.Publish(electronicsPurchase("evt-1", 250)))
	assertNoNotification(t, s, 500*time.Millisecond)
}

func TestGracefulStopIsIdempotent(t *testing.T) {
	b := startBroker(t, testBrokerConfig("broker1", 0, nil))
	require.NoError(t, b.Stop())
	require.NoError(t, b.Stop())
}

func TestPublisherSendErrorCounted(t *testing.T) {
	p := publisher.New("pub1", "127.0.0.1:1", 1, zap.NewNop())
	// Never connected: the send drops the event and counts the error.
	err := p.Publish(electronicsPurchase("evt-1", 10))
	assert.Error(t, err)
	assert.Equal(t, uint64(1), p.Stats().SendErrors)
	assert.Equal(t, uint64(0), p.Stats().EventsPublished)
}

func TestWindowedSubscriptionEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := startBroker(t, testBrokerConfig("broker1", 0, nil))
	s := startSubscriber(t, ctx, "alice", b)
	require.NoError(t, s.Subscribe(&wire.Subscription{
		SubscriptionID: "c1",
		Type:           wire.SubscriptionComplex,
		Conditions: []wire.FilterCondition{
			{FieldName: "category", Operator: wire.OpEQ, Value: "Electronics"},
			{FieldName: "avg_rating", Operator: wire.OpGT, Value: "4.0", IsWindowed: true},
		},
		Window: &wire.WindowConfig{WindowSize: 3, AggregationType: "avg"},
	}))

	p := connectPublisher(t, ctx, b)
	for i, r := range []float64{3.0, 5.0, 5.0, 4.0} {
		require.NoError(t, p.Publish(&wire.Event{
			EventID: fmt.Sprintf("evt-%d", i),
			Type:    wire.EventUserRating,
			UserRating: &wire.UserRating{
				UserID:    "user_0001",
				ProductID: "LAPTOP123",
				Category:  "Electronics",
				Rating:    r,
			},
		}))
	}

	n := recvNotification(t, s, 5*time.Second)
	require.NotNil(t, n.Complex)
	assert.Equal(t, "Electronics", n.Complex.Category)
	assert.InDelta(t, 4.3333, n.Complex.AggregatedValue, 0.001)
	assert.Equal(t, int32(3), n.Complex.WindowSize)

	// The fourth rating started a fresh window.
	assertNoNotification(t, s, 300*time.Millisecond)
}
