// Package matcher evaluates registered subscriptions against incoming events
// and produces notifications. Matching is synchronous and non-blocking; the
// broker funnels all calls through a single goroutine so subscription and
// window state stay single-writer.
package matcher

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cartpulse/cartpulse/pkg/window"
	"github.com/cartpulse/cartpulse/pkg/wire"
)

// Registration errors.
var (
	ErrDuplicateID = errors.New("subscription id already registered")
	ErrNotFound    = errors.New("subscription not found")
)

// InvalidError rejects a malformed subscription at registration.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string { return "invalid subscription: " + e.Reason }

func invalid(format string, args ...any) error {
	return &InvalidError{Reason: fmt.Sprintf(format, args...)}
}

// aggregate comparisons use a tolerance because the value is a float64
// computed over the window
const aggregateEpsilon = 0.01

type entry struct {
	sub *wire.Subscription
	seq uint64 // registration order
}

// Matcher indexes subscriptions and matches events against them.
type Matcher struct {
	mu      sync.Mutex
	subs    map[string]*entry
	nextSeq uint64

	// byCategory holds subscriptions whose conditions pin category with EQ;
	// every other subscription lands in the wildcard bucket.
	byCategory map[string]map[string]*entry
	wildcard   map[string]*entry

	windows *window.Manager
	logger  *zap.Logger
}

// New creates a matcher backed by the given window manager.
func New(windows *window.Manager, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if windows == nil {
		windows = window.NewManager(logger)
	}
	return &Matcher{
		subs:       make(map[string]*entry),
		byCategory: make(map[string]map[string]*entry),
		wildcard:   make(map[string]*entry),
		windows:    windows,
		logger:     logger,
	}
}

// Register validates and indexes a subscription.
func (m *Matcher) Register(sub *wire.Subscription) error {
	if err := validate(sub); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.subs[sub.SubscriptionID]; exists {
		return ErrDuplicateID
	}

	e := &entry{sub: sub, seq: m.nextSeq}
	m.nextSeq++
	m.subs[sub.SubscriptionID] = e

	if cat, ok := categoryPin(sub); ok {
		bucket := m.byCategory[cat]
		if bucket == nil {
			bucket = make(map[string]*entry)
			m.byCategory[cat] = bucket
		}
		bucket[sub.SubscriptionID] = e
	} else {
		m.wildcard[sub.SubscriptionID] = e
	}

	m.logger.Debug("registered subscription",
		zap.String("subscription_id", sub.SubscriptionID),
		zap.String("subscriber_id", sub.SubscriberID),
		zap.Int32("type", int32(sub.Type)),
		zap.Int("conditions", len(sub.Conditions)))
	return nil
}

// Unregister removes a subscription and its window state.
func (m *Matcher) Unregister(subscriptionID string) error {
	m.mu.Lock()
	e, ok := m.subs[subscriptionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.subs, subscriptionID)
	if cat, pinned := categoryPin(e.sub); pinned {
		delete(m.byCategory[cat], subscriptionID)
		if len(m.byCategory[cat]) == 0 {
			delete(m.byCategory, cat)
		}
	} else {
		delete(m.wildcard, subscriptionID)
	}
	m.mu.Unlock()

	m.windows.Drop(subscriptionID)
	m.logger.Debug("unregistered subscription", zap.String("subscription_id", subscriptionID))
	return nil
}

// Match evaluates an event against all candidate subscriptions and returns
// the notifications to deliver, in subscription-registration order.
func (m *Matcher) Match(event *wire.Event) []*wire.Notification {
	candidates := m.candidates(event)

	var out []*wire.Notification
	for _, e := range candidates {
		out = append(out, m.matchOne(event, e.sub)...)
	}
	return out
}

// candidates returns the category-bucket union with the wildcard bucket,
// ordered by registration.
func (m *Matcher) candidates(event *wire.Event) []*entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var list []*entry
	if cat, ok := event.Category(); ok {
		for _, e := range m.byCategory[cat] {
			list = append(list, e)
		}
	}
	for _, e := range m.wildcard {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	return list
}

func (m *Matcher) matchOne(event *wire.Event, sub *wire.Subscription) []*wire.Notification {
	// Non-windowed conditions gate everything, including window feeding.
	for i := range sub.Conditions {
		c := &sub.Conditions[i]
		if c.IsWindowed {
			continue
		}
		if !evalCondition(event, c) {
			return nil
		}
	}

	if sub.Type == wire.SubscriptionSimple {
		return []*wire.Notification{m.simpleNotification(event, sub)}
	}
	return m.matchWindowed(event, sub)
}

// matchWindowed feeds every windowed field its observation and fires only
// when all windows close in this same tick with satisfied aggregates.
func (m *Matcher) matchWindowed(event *wire.Event, sub *wire.Subscription) []*wire.Notification {
	category, _ := event.Category()
	size := int(sub.Window.WindowSize)
	agg := sub.Window.AggregationType

	type closure struct {
		cond      *wire.FilterCondition
		aggregate float64
	}
	var closed []closure
	windowed := 0

	for i := range sub.Conditions {
		c := &sub.Conditions[i]
		if !c.IsWindowed {
			continue
		}
		windowed++
		value, ok := lookupNumeric(event, c.FieldName)
		if !ok {
			continue
		}
		if done, aggregate := m.windows.Observe(sub.SubscriptionID, category, c.FieldName, size, agg, value); done {
			closed = append(closed, closure{cond: c, aggregate: aggregate})
		}
	}

	if len(closed) == 0 || len(closed) != windowed {
		return nil
	}
	for _, cl := range closed {
		if !evalAggregate(cl.aggregate, cl.cond) {
			return nil
		}
	}

	out := make([]*wire.Notification, 0, len(closed))
	for _, cl := range closed {
		out = append(out, m.complexNotification(sub, cl.cond, cl.aggregate))
	}
	return out
}

// List returns all registered subscriptions in registration order.
func (m *Matcher) List() []*wire.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]*entry, 0, len(m.subs))
	for _, e := range m.subs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	subs := make([]*wire.Subscription, len(entries))
	for i, e := range entries {
		subs[i] = e.sub
	}
	return subs
}

// Len returns the number of registered subscriptions.
func (m *Matcher) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func validate(sub *wire.Subscription) error {
	if sub.SubscriptionID == "" {
		return invalid("missing subscription_id")
	}
	if len(sub.Conditions) == 0 {
		return invalid("no conditions")
	}
	for i := range sub.Conditions {
		c := &sub.Conditions[i]
		if c.FieldName == "" {
			return invalid("condition %d has no field name", i)
		}
		if c.Operator < wire.OpEQ || c.Operator > wire.OpLE {
			return invalid("condition %d has unknown operator %d", i, c.Operator)
		}
	}

	windowed := 0
	for i := range sub.Conditions {
		if sub.Conditions[i].IsWindowed {
			windowed++
		}
	}

	switch sub.Type {
	case wire.SubscriptionSimple:
		if windowed > 0 {
			return invalid("simple subscription has windowed conditions")
		}
	case wire.SubscriptionComplex:
		if windowed == 0 {
			return invalid("complex subscription has no windowed condition")
		}
		if sub.Window == nil {
			return invalid("complex subscription missing window_config")
		}
		if sub.Window.WindowSize < 1 {
			return invalid("window_size %d < 1", sub.Window.WindowSize)
		}
		if !window.ValidAggregation(sub.Window.AggregationType) {
			return invalid("unknown aggregation %q", sub.Window.AggregationType)
		}
	default:
		return invalid("unknown subscription type %d", sub.Type)
	}
	return nil
}

// categoryPin returns the category a subscription is pinned to, when one of
// its non-windowed conditions is category EQ.
func categoryPin(sub *wire.Subscription) (string, bool) {
	for i := range sub.Conditions {
		c := &sub.Conditions[i]
		if !c.IsWindowed && c.FieldName == "category" && c.Operator == wire.OpEQ {
			return c.Value, true
		}
	}
	return "", false
}

// evalCondition evaluates one non-windowed condition. Coercion failures and
// unsupported operator/type pairs fail the condition, never the event.
func evalCondition(event *wire.Event, c *wire.FilterCondition) bool {
	v, ok := lookupField(event, c.FieldName)
	if !ok {
		return false
	}

	switch v.kind {
	case kindString:
		switch c.Operator {
		case wire.OpEQ:
			return v.str == c.Value
		case wire.OpNE:
			return v.str != c.Value
		default:
			// ordered operators are undefined on strings
			return false
		}
	case kindNumber:
		want, err := strconv.ParseFloat(c.Value, 64)
		if err != nil {
			return false
		}
		return compare(v.num, want, c.Operator)
	}
	return false
}

// evalAggregate evaluates a windowed condition against its closed aggregate.
func evalAggregate(aggregate float64, c *wire.FilterCondition) bool {
	want, err := strconv.ParseFloat(c.Value, 64)
	if err != nil {
		return false
	}
	switch c.Operator {
	case wire.OpEQ:
		return math.Abs(aggregate-want) < aggregateEpsilon
	case wire.OpNE:
		return math.Abs(aggregate-want) >= aggregateEpsilon
	default:
		return compare(aggregate, want, c.Operator)
	}
}

func compare(got, want float64, op wire.ComparisonOperator) bool {
	switch op {
	case wire.OpEQ:
		return got == want
	case wire.OpNE:
		return got != want
	case wire.OpGT:
		return got > want
	case wire.OpGE:
		return got >= want
	case wire.OpLT:
		return got < want
	case wire.OpLE:
		return got <= want
	}
	return false
}

func (m *Matcher) simpleNotification(event *wire.Event, sub *wire.Subscription) *wire.Notification {
	return &wire.Notification{
		NotificationID: uuid.NewString(),
		SubscriptionID: sub.SubscriptionID,
		SubscriberID:   sub.SubscriberID,
		Timestamp:      time.Now().UnixMilli(),
		Simple:         &wire.SimpleNotification{MatchedEvent: event},
	}
}

func (m *Matcher) complexNotification(sub *wire.Subscription, cond *wire.FilterCondition, aggregate float64) *wire.Notification {
	category := "unknown"
	if cat, ok := categoryPin(sub); ok {
		category = cat
	}
	return &wire.Notification{
		NotificationID: uuid.NewString(),
		SubscriptionID: sub.SubscriptionID,
		SubscriberID:   sub.SubscriberID,
		Timestamp:      time.Now().UnixMilli(),
		Complex: &wire.ComplexNotification{
			Category:        category,
			FieldName:       cond.FieldName,
			AggregatedValue: aggregate,
			WindowSize:      sub.Window.WindowSize,
			ConditionMet:    true,
		},
	}
}
