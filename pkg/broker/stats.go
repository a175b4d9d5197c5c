package broker

import (
	"sync/atomic"
	"time"

	"github.com/cartpulse/cartpulse/pkg/wire"
)

// stats aggregates broker counters. Counters are atomics so transport
// goroutines update them without coordination; snapshot reads a consistent-
// enough view for operators.
type stats struct {
	start time.Time

	eventsIngested       atomic.Uint64
	eventsMatched        atomic.Uint64
	notificationsSent    atomic.Uint64
	notificationsDropped atomic.Uint64
	decodeErrors         atomic.Uint64
	duplicatesDropped    atomic.Uint64
}

func newStats() *stats {
	return &stats{start: time.Now()}
}

func (s *stats) snapshot(brokerID string, activeSubs, peersUp, peersDown int) wire.StatsSnapshot {
	return wire.StatsSnapshot{
		BrokerID:                     brokerID,
		EventsIngested:               s.eventsIngested.Load(),
		EventsMatched:                s.eventsMatched.Load(),
		NotificationsSent:            s.notificationsSent.Load(),
		NotificationsDroppedOverflow: s.notificationsDropped.Load(),
		DecodeErrors:                 s.decodeErrors.Load(),
		DuplicatesDropped:            s.duplicatesDropped.Load(),
		ActiveSubscriptions:          activeSubs,
		PeersUp:                      peersUp,
		PeersDown:                    peersDown,
		UptimeMs:                     time.Since(s.start).Milliseconds(),
	}
}
