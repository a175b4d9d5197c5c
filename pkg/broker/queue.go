package broker

import (
	"sync"

	"github.com/cartpulse/cartpulse/pkg/wire"
)

// subscriberQueue is the bounded per-subscriber egress buffer. On overflow
// the oldest notification is dropped so a slow subscriber observes recent
// traffic rather than an ever-older backlog.
type subscriberQueue struct {
	subscriberID string

	mu     sync.Mutex
	ch     chan *wire.Notification
	closed bool

	dropOldest bool
}

func newSubscriberQueue(subscriberID string, capacity int, dropOldest bool) *subscriberQueue {
	return &subscriberQueue{
		subscriberID: subscriberID,
		ch:           make(chan *wire.Notification, capacity),
		dropOldest:   dropOldest,
	}
}

// push enqueues a notification. It reports how many notifications were
// dropped (0 or 1: the displaced oldest one, or with drop-oldest disabled
// the new one itself) and whether the push landed.
func (q *subscriberQueue) push(n *wire.Notification) (dropped int, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, false
	}

	select {
	case q.ch <- n:
		return 0, true
	default:
	}

	if !q.dropOldest {
		return 1, false // the new notification is the one dropped
	}

	select {
	case <-q.ch:
		dropped = 1
	default:
	}
	select {
	case q.ch <- n:
		return dropped, true
	default:
		return dropped + 1, false
	}
}

// pop returns the channel notifications are delivered on. A closed queue's
// channel is closed after pending items are discarded.
func (q *subscriberQueue) pop() <-chan *wire.Notification {
	return q.ch
}

// close discards pending notifications and closes the channel. Safe to call
// more than once.
func (q *subscriberQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	for {
		select {
		case <-q.ch:
		default:
			close(q.ch)
			return
		}
	}
}

func (q *subscriberQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
