package broker

import (
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/cartpulse/cartpulse/pkg/matcher"
	"github.com/cartpulse/cartpulse/pkg/wire"
)

// ingressHighWater is the queue fill ratio beyond which publisher reads
// pause, pushing backpressure into the publisher's TCP connection.
const ingressHighWater = 0.8

func (b *Broker) acceptLoop(ln net.Listener, kind connKind, handle func(net.Conn)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if b.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		b.trackConn(conn, kind)
		go func() {
			defer b.untrackConn(conn)
			defer conn.Close()
			handle(conn)
		}()
	}
}

func (b *Broker) trackConn(conn net.Conn, kind connKind) {
	b.connMu.Lock()
	b.conns[conn] = kind
	b.connMu.Unlock()
}

func (b *Broker) untrackConn(conn net.Conn) {
	b.connMu.Lock()
	delete(b.conns, conn)
	b.connMu.Unlock()
}

// closeConns force-closes tracked connections of the given kind, unblocking
// their handler goroutines.
func (b *Broker) closeConns(kind connKind) {
	b.connMu.Lock()
	var victims []net.Conn
	for conn, k := range b.conns {
		if k == kind {
			victims = append(victims, conn)
		}
	}
	b.connMu.Unlock()

	for _, conn := range victims {
		conn.Close()
	}
}

// handlePublisherConn reads framed BrokerMessage{EVENT} records from one
// publisher. Frames are read in arrival order into the shared ingress queue,
// which preserves per-publisher matching order.
func (b *Broker) handlePublisherConn(conn net.Conn) {
	b.logger.Debug("publisher connected", zap.String("remote_addr", conn.RemoteAddr().String()))
	highWater := int(float64(cap(b.ingress)) * ingressHighWater)

	for {
		// Flow control: refuse to read while the matcher queue is hot.
		for len(b.ingress) >= highWater {
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}

		payload, err := wire.ReadFrame(conn)
		if err != nil {
			if err != io.EOF && b.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				b.logger.Debug("publisher connection error", zap.Error(err))
			}
			return
		}
		b.Ingest(payload)
	}
}

// handleSubscriberConn pumps one subscriber's egress queue over its
// connection. The subscriber identifies itself with a hello frame; a write
// failure closes the queue, and the subscriber re-registers on reconnect.
func (b *Broker) handleSubscriberConn(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var hello wire.EgressHello
	if err := wire.ReadJSONFrame(conn, &hello); err != nil || hello.SubscriberID == "" {
		b.logger.Debug("subscriber hello failed", zap.Error(err))
		return
	}
	conn.SetReadDeadline(time.Time{})

	q := b.ensureQueue(hello.SubscriberID)
	b.logger.Info("subscriber connected",
		zap.String("subscriber_id", hello.SubscriberID),
		zap.String("remote_addr", conn.RemoteAddr().String()))

	for {
		select {
		case <-b.ctx.Done():
			return
		case n, ok := <-q.pop():
			if !ok {
				return
			}
			msg := b.envelope(wire.MessageNotification, func(m *wire.BrokerMessage) {
				m.Notification = n
			})
			if err := wire.WriteMessage(conn, msg); err != nil {
				b.logger.Warn("subscriber write failed, closing queue",
					zap.String("subscriber_id", hello.SubscriberID),
					zap.Error(err))
				b.dropQueue(hello.SubscriberID, q)
				return
			}
		}
	}
}

// handleManagementConn serves request/reply subscribe, unsubscribe, and
// status exchanges on one connection.
func (b *Broker) handleManagementConn(conn net.Conn) {
	for {
		var req wire.ManagementRequest
		if err := wire.ReadJSONFrame(conn, &req); err != nil {
			return
		}
		if err := wire.WriteJSONFrame(conn, b.handleManagement(&req)); err != nil {
			return
		}
	}
}

func (b *Broker) handleManagement(req *wire.ManagementRequest) *wire.ManagementResponse {
	switch req.Type {
	case wire.MgmtSubscribe:
		sub := new(wire.Subscription)
		if err := sub.Unmarshal(req.Subscription); err != nil {
			b.countDecodeError(err)
			return &wire.ManagementResponse{Status: "error", Message: "undecodable subscription"}
		}
		sub.HomeBrokerID = b.cfg.BrokerID

		if err := b.match.Register(sub); err != nil {
			return &wire.ManagementResponse{
				Status:         "error",
				Message:        err.Error(),
				SubscriptionID: sub.SubscriptionID,
			}
		}

		b.mu.Lock()
		b.homes[sub.SubscriptionID] = b.cfg.BrokerID
		b.mu.Unlock()
		b.ensureQueue(sub.SubscriberID)
		b.announce(sub)

		b.logger.Info("subscription registered",
			zap.String("subscription_id", sub.SubscriptionID),
			zap.String("subscriber_id", sub.SubscriberID))
		return &wire.ManagementResponse{Status: "success", SubscriptionID: sub.SubscriptionID}

	case wire.MgmtUnsubscribe:
		if err := b.match.Unregister(req.SubscriptionID); err != nil {
			return &wire.ManagementResponse{
				Status:         "error",
				Message:        err.Error(),
				SubscriptionID: req.SubscriptionID,
			}
		}
		b.mu.Lock()
		delete(b.homes, req.SubscriptionID)
		b.mu.Unlock()
		b.announce(&wire.Subscription{
			SubscriptionID: req.SubscriptionID,
			HomeBrokerID:   b.cfg.BrokerID,
			Removed:        true,
		})

		b.logger.Info("subscription removed", zap.String("subscription_id", req.SubscriptionID))
		return &wire.ManagementResponse{Status: "success", SubscriptionID: req.SubscriptionID}

	case wire.MgmtStatus:
		snapshot := b.Stats()
		return &wire.ManagementResponse{Status: "success", Stats: &snapshot}

	default:
		return &wire.ManagementResponse{Status: "error", Message: "unknown request type"}
	}
}

// handleInboundPeerConn serves one connection accepted on the mesh listener.
// It sends this broker's own heartbeats to the dialing peer on a timer and
// consumes the peer's summaries, removals, and forwarded notifications.
func (b *Broker) handleInboundPeerConn(conn net.Conn) {
	b.logger.Debug("peer connected", zap.String("remote_addr", conn.RemoteAddr().String()))

	done := make(chan struct{})
	defer close(done)

	// Heartbeat writer: the dialing side learns our broker id and liveness
	// from these frames.
	go func() {
		ticker := time.NewTicker(b.cfg.HeartbeatInterval())
		defer ticker.Stop()

		if err := wire.WriteMessage(conn, b.heartbeatMessage("healthy")); err != nil {
			return
		}
		for {
			select {
			case <-done:
				return
			case <-b.ctx.Done():
				conn.SetWriteDeadline(time.Now().Add(time.Second))
				wire.WriteMessage(conn, b.heartbeatMessage("shutdown"))
				return
			case <-ticker.C:
				if err := wire.WriteMessage(conn, b.heartbeatMessage("healthy")); err != nil {
					return
				}
			}
		}
	}()

	for {
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		msg := new(wire.BrokerMessage)
		if err := msg.Unmarshal(payload); err != nil {
			b.countDecodeError(err)
			continue
		}
		if !b.admit(msg.MessageID) {
			continue
		}
		b.handlePeerMessage(msg)
	}
}

func (b *Broker) handlePeerMessage(msg *wire.BrokerMessage) {
	switch msg.Type {
	case wire.MessageHeartbeat:
		if msg.Heartbeat != nil {
			b.health.observe(msg.Heartbeat.BrokerID)
		}

	case wire.MessageSubscription:
		sub := msg.Subscription
		if sub == nil {
			return
		}
		if sub.Removed {
			if err := b.match.Unregister(sub.SubscriptionID); err == nil {
				b.mu.Lock()
				delete(b.homes, sub.SubscriptionID)
				b.mu.Unlock()
				b.logger.Debug("remote subscription removed",
					zap.String("subscription_id", sub.SubscriptionID))
			}
			return
		}
		if err := b.match.Register(sub); err != nil {
			// Replayed summaries arrive again on every reconnect.
			if !errors.Is(err, matcher.ErrDuplicateID) {
				b.logger.Warn("rejecting remote subscription summary",
					zap.String("subscription_id", sub.SubscriptionID),
					zap.Error(err))
			}
			return
		}
		b.mu.Lock()
		b.homes[sub.SubscriptionID] = sub.HomeBrokerID
		b.mu.Unlock()
		b.logger.Debug("remote subscription summary registered",
			zap.String("subscription_id", sub.SubscriptionID),
			zap.String("home_broker_id", sub.HomeBrokerID))

	case wire.MessageNotification:
		// A peer matched an event against one of our subscriptions and
		// routed the notification home for delivery. Notifications for
		// subscriptions no longer registered here are dropped.
		if msg.Notification != nil && b.homeOf(msg.Notification.SubscriptionID) == b.cfg.BrokerID {
			b.deliverLocal(msg.Notification)
		}

	case wire.MessageEvent:
		// Events are matched where they arrive; the mesh never carries them.
		b.logger.Debug("ignoring event on peer mesh")
	}
}
