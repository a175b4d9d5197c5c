// Package window maintains tumbling count windows over numeric event fields.
// A window is keyed by (subscription, category, field): every windowed field
// of a subscription aggregates its own stream of observations per category.
package window

import (
	"sync"

	"go.uber.org/zap"
)

// Aggregations supported on window close.
const (
	AggAvg   = "avg"
	AggMax   = "max"
	AggMin   = "min"
	AggSum   = "sum"
	AggCount = "count"
)

// ValidAggregation reports whether name is a supported aggregation.
func ValidAggregation(name string) bool {
	switch name {
	case AggAvg, AggMax, AggMin, AggSum, AggCount:
		return true
	}
	return false
}

type key struct {
	subID    string
	category string
	field    string
}

// state accumulates one window. Tumbling semantics mean elements are never
// evicted individually, so the aggregate is maintained incrementally and the
// raw observations are not retained.
type state struct {
	count int
	sum   float64
	max   float64
	min   float64
}

func (s *state) add(v float64) {
	if s.count == 0 || v > s.max {
		s.max = v
	}
	if s.count == 0 || v < s.min {
		s.min = v
	}
	s.count++
	s.sum += v
}

func (s *state) aggregate(agg string) float64 {
	switch agg {
	case AggMax:
		return s.max
	case AggMin:
		return s.min
	case AggSum:
		return s.sum
	case AggCount:
		return float64(s.count)
	default: // avg is also the fallback, matching the reference behavior
		return s.sum / float64(s.count)
	}
}

// Manager owns all window state of one broker. Windows are created lazily on
// first observation and destroyed with their subscription. State is never
// persisted; a restart starts from empty windows.
type Manager struct {
	mu      sync.Mutex
	windows map[key]*state
	logger  *zap.Logger
}

// NewManager creates an empty window manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		windows: make(map[key]*state),
		logger:  logger,
	}
}

// Observe appends value to the window of (subID, category, field). When the
// observation count reaches size the aggregate is computed, the window is
// cleared, and Observe reports closed=true with the aggregate.
func (m *Manager) Observe(subID, category, field string, size int, agg string, value float64) (closed bool, aggregate float64) {
	if size < 1 {
		return false, 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{subID: subID, category: category, field: field}
	st, ok := m.windows[k]
	if !ok {
		st = &state{}
		m.windows[k] = st
	}

	st.add(value)
	if st.count < size {
		return false, 0
	}

	aggregate = st.aggregate(agg)
	*st = state{} // tumbling: the next observation starts a fresh window

	m.logger.Debug("window closed",
		zap.String("subscription_id", subID),
		zap.String("category", category),
		zap.String("field", field),
		zap.Int("window_size", size),
		zap.String("aggregation", agg),
		zap.Float64("aggregate", aggregate))

	return true, aggregate
}

// Drop removes every window belonging to a subscription.
func (m *Manager) Drop(subID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.windows {
		if k.subID == subID {
			delete(m.windows, k)
		}
	}
}

// Len returns the number of live windows.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// Reset discards all window state.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows = make(map[key]*state)
}
