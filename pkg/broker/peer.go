package broker

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cartpulse/cartpulse/pkg/retry"
	"github.com/cartpulse/cartpulse/pkg/wire"
)

// PeerState is the lifecycle state of one outbound peer link.
type PeerState int32

const (
	PeerDisconnected PeerState = iota
	PeerConnecting
	PeerUp
	PeerDown
	PeerClosed
)

// String returns the state name.
func (s PeerState) String() string {
	switch s {
	case PeerDisconnected:
		return "DISCONNECTED"
	case PeerConnecting:
		return "CONNECTING"
	case PeerUp:
		return "UP"
	case PeerDown:
		return "DOWN"
	case PeerClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// peerHealth tracks the last heartbeat seen from each remote broker,
// regardless of which connection carried it.
type peerHealth struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func newPeerHealth() *peerHealth {
	return &peerHealth{lastSeen: make(map[string]time.Time)}
}

func (h *peerHealth) observe(brokerID string) {
	if brokerID == "" {
		return
	}
	h.mu.Lock()
	h.lastSeen[brokerID] = time.Now()
	h.mu.Unlock()
}

// stale reports whether brokerID has missed heartbeats for longer than
// timeout. An unseen broker is not stale; it simply has not identified
// itself yet.
func (h *peerHealth) stale(brokerID string, timeout time.Duration) bool {
	if brokerID == "" {
		return false
	}
	h.mu.Lock()
	last, ok := h.lastSeen[brokerID]
	h.mu.Unlock()
	return ok && time.Since(last) > timeout
}

// peerLink is the outbound half of one peer relationship. It dials the
// peer's mesh endpoint, replays local subscription summaries on every
// connect, and carries summaries, forwarded notifications, and heartbeats.
// State transitions: DISCONNECTED -> CONNECTING -> UP <-> DOWN, and CLOSED
// on shutdown. DOWN is driven by missed heartbeats; while DOWN, data sends
// are dropped but heartbeats keep flowing so the link can recover.
type peerLink struct {
	endpoint string
	broker   *Broker
	logger   *zap.Logger

	state atomic.Int32

	remoteMu sync.Mutex
	remoteID string

	send chan *wire.BrokerMessage
}

func newPeerLink(endpoint string, b *Broker) *peerLink {
	return &peerLink{
		endpoint: endpoint,
		broker:   b,
		logger:   b.logger.With(zap.String("peer_endpoint", endpoint)),
		send:     make(chan *wire.BrokerMessage, 1024),
	}
}

// State returns the link's current state.
func (l *peerLink) State() PeerState { return PeerState(l.state.Load()) }

func (l *peerLink) setState(s PeerState) {
	old := PeerState(l.state.Swap(int32(s)))
	if old != s {
		l.logger.Info("peer link state change",
			zap.String("from", old.String()),
			zap.String("to", s.String()))
	}
}

func (l *peerLink) setRemoteID(id string) {
	l.remoteMu.Lock()
	l.remoteID = id
	l.remoteMu.Unlock()
}

func (l *peerLink) remote() string {
	l.remoteMu.Lock()
	defer l.remoteMu.Unlock()
	return l.remoteID
}

// RemoteBrokerID returns the broker id learned from the peer's heartbeats,
// empty until the first one arrives.
func (l *peerLink) RemoteBrokerID() string { return l.remote() }

// enqueue hands a message to the link. Messages are dropped when the link
// is not UP or its buffer is full.
func (l *peerLink) enqueue(msg *wire.BrokerMessage) bool {
	if l.State() != PeerUp {
		return false
	}
	select {
	case l.send <- msg:
		return true
	default:
		return false
	}
}

// run dials and serves the link until ctx is canceled, reconnecting with
// exponential backoff capped at 30s.
func (l *peerLink) run(ctx context.Context) {
	policy := retry.Default()
	attempt := 0

	for {
		if ctx.Err() != nil {
			l.setState(PeerClosed)
			return
		}
		l.setState(PeerConnecting)

		dialer := net.Dialer{Timeout: 5 * time.Second}
		conn, err := dialer.DialContext(ctx, "tcp", l.endpoint)
		if err != nil {
			backoff := policy.NextBackoff(attempt)
			attempt++
			l.logger.Debug("peer dial failed",
				zap.Error(err),
				zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				l.setState(PeerClosed)
				return
			case <-time.After(backoff):
			}
			continue
		}

		attempt = 0
		l.setState(PeerUp)

		// A fresh connection means the peer may have restarted; replay every
		// local subscription so its summary index is complete.
		replayErr := l.replaySummaries(conn)
		if replayErr == nil {
			replayErr = l.serve(ctx, conn)
		}
		conn.Close()

		if ctx.Err() != nil {
			l.setState(PeerClosed)
			return
		}
		l.logger.Warn("peer link lost", zap.Error(replayErr))
		l.setState(PeerDisconnected)
	}
}

func (l *peerLink) replaySummaries(conn net.Conn) error {
	for _, sub := range l.broker.localSummaries() {
		if err := wire.WriteMessage(conn, l.broker.envelope(wire.MessageSubscription, func(m *wire.BrokerMessage) {
			m.Subscription = sub
		})); err != nil {
			return err
		}
	}
	return nil
}

// serve pumps the link until the connection breaks or ctx is canceled.
func (l *peerLink) serve(ctx context.Context, conn net.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The peer's inbound handler sends its own heartbeats on this
	// connection; they are the only frames expected here.
	go func() {
		defer cancel()
		for {
			msg, err := wire.ReadMessage(conn)
			if err != nil {
				return
			}
			if msg.Type == wire.MessageHeartbeat && msg.Heartbeat != nil {
				l.setRemoteID(msg.Heartbeat.BrokerID)
				l.broker.health.observe(msg.Heartbeat.BrokerID)
			}
		}
	}()

	heartbeats := time.NewTicker(l.broker.cfg.HeartbeatInterval())
	defer heartbeats.Stop()
	healthCheck := time.NewTicker(time.Second)
	defer healthCheck.Stop()

	if err := wire.WriteMessage(conn, l.broker.heartbeatMessage("healthy")); err != nil {
		return err
	}

	for {
		select {
		case <-connCtx.Done():
			if ctx.Err() != nil {
				// Orderly shutdown: tell the peer before closing.
				conn.SetWriteDeadline(time.Now().Add(time.Second))
				wire.WriteMessage(conn, l.broker.heartbeatMessage("shutdown"))
			}
			return connCtx.Err()

		case <-heartbeats.C:
			if err := wire.WriteMessage(conn, l.broker.heartbeatMessage("healthy")); err != nil {
				return err
			}

		case <-healthCheck.C:
			remote := l.remote()
			switch l.State() {
			case PeerUp:
				if l.broker.health.stale(remote, l.broker.cfg.PeerTimeout()) {
					l.setState(PeerDown)
				}
			case PeerDown:
				if remote != "" && !l.broker.health.stale(remote, l.broker.cfg.PeerTimeout()) {
					l.setState(PeerUp)
				}
			}

		case msg := <-l.send:
			if l.State() != PeerUp {
				continue // summaries are replayed on reconnect; stale sends are dropped
			}
			if err := wire.WriteMessage(conn, msg); err != nil {
				return err
			}
		}
	}
}
