package matcher

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cartpulse/cartpulse/pkg/window"
	"github.com/cartpulse/cartpulse/pkg/wire"
)

func newMatcher() *Matcher {
	return New(window.NewManager(zap.NewNop()), zap.NewNop())
}

func purchase(category string, price float64) *wire.Event {
	return &wire.Event{
		EventID: fmt.Sprintf("evt-%s-%.2f", category, price),
		Type:    wire.EventPurchase,
		Purchase: &wire.Purchase{
			UserID:      "user_0001",
			ProductID:   "LAPTOP123",
			Category:    category,
			Price:       price,
			Quantity:    1,
			WarehouseID: "WH001",
		},
	}
}

func rating(category string, value float64) *wire.Event {
	return &wire.Event{
		EventID: fmt.Sprintf("evt-rating-%.1f", value),
		Type:    wire.EventUserRating,
		UserRating: &wire.UserRating{
			UserID:    "user_0001",
			ProductID: "LAPTOP123",
			Category:  category,
			Rating:    value,
		},
	}
}

func simpleSub(id string, conds ...wire.FilterCondition) *wire.Subscription {
	return &wire.Subscription{
		SubscriptionID: id,
		SubscriberID:   "alice",
		Type:           wire.SubscriptionSimple,
		Conditions:     conds,
	}
}

func TestSimpleEqualityMatch(t *testing.T) {
	m := newMatcher()
	require.NoError(t, m.Register(simpleSub("s1",
		wire.FilterCondition{FieldName: "category", Operator: wire.OpEQ, Value: "Electronics"},
	)))

	got := m.Match(purchase("Electronics", 99.0))
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].SubscriptionID)
	assert.Equal(t, "alice", got[0].SubscriberID)
	require.NotNil(t, got[0].Simple)
	assert.Equal(t, "Electronics", got[0].Simple.MatchedEvent.Purchase.Category)
	assert.NotEmpty(t, got[0].NotificationID)

	assert.Empty(t, m.Match(purchase("Books", 15.0)))
}

func TestRangeMatchWithCategory(t *testing.T) {
	m := newMatcher()
	require.NoError(t, m.Register(simpleSub("s1",
		wire.FilterCondition{FieldName: "price", Operator: wire.OpGT, Value: "50"},
		wire.FilterCondition{FieldName: "category", Operator: wire.OpEQ, Value: "Electronics"},
	)))

	assert.Empty(t, m.Match(purchase("Electronics", 49.99)))
	assert.Len(t, m.Match(purchase("Electronics", 50.01)), 1)

	// A product view has no price field, so the condition fails.
	view := &wire.Event{
		EventID: "evt-view",
		Type:    wire.EventProductView,
		ProductView: &wire.ProductView{
			Category:     "Electronics",
			ViewDuration: 60,
		},
	}
	assert.Empty(t, m.Match(view))
}

func TestWildcardSubscriptionSeesAllCategories(t *testing.T) {
	m := newMatcher()
	require.NoError(t, m.Register(simpleSub("s1",
		wire.FilterCondition{FieldName: "price", Operator: wire.OpGT, Value: "1000"},
	)))

	var matched []string
	for _, ev := range []*wire.Event{
		purchase("Electronics", 1200),
		purchase("Automotive", 1500),
		purchase("Books", 20),
	} {
		for _, n := range m.Match(ev) {
			matched = append(matched, n.Simple.MatchedEvent.Purchase.Category)
		}
	}
	assert.Equal(t, []string{"Electronics", "Automotive"}, matched)
}

func TestUnregisterStopsMatching(t *testing.T) {
	m := newMatcher()
	sub := simpleSub("s1",
		wire.FilterCondition{FieldName: "category", Operator: wire.OpEQ, Value: "Electronics"},
	)
	require.NoError(t, m.Register(sub))

	ev := purchase("Electronics", 99.0)
	require.Len(t, m.Match(ev), 1)

	require.NoError(t, m.Unregister("s1"))
	assert.Empty(t, m.Match(ev))

	assert.ErrorIs(t, m.Unregister("s1"), ErrNotFound)
}

func TestRegistrationOrderIsEmissionOrder(t *testing.T) {
	m := newMatcher()
	// Interleave wildcard and category-pinned registrations.
	require.NoError(t, m.Register(simpleSub("wild-1",
		wire.FilterCondition{FieldName: "price", Operator: wire.OpGE, Value: "0"},
	)))
	require.NoError(t, m.Register(simpleSub("cat-1",
		wire.FilterCondition{FieldName: "category", Operator: wire.OpEQ, Value: "Books"},
	)))
	require.NoError(t, m.Register(simpleSub("wild-2",
		wire.FilterCondition{FieldName: "price", Operator: wire.OpGE, Value: "0"},
	)))

	got := m.Match(purchase("Books", 10))
	require.Len(t, got, 3)
	assert.Equal(t, "wild-1", got[0].SubscriptionID)
	assert.Equal(t, "cat-1", got[1].SubscriptionID)
	assert.Equal(t, "wild-2", got[2].SubscriptionID)
}

func TestTumblingAverageWindowSubscription(t *testing.T) {
	m := newMatcher()
	require.NoError(t, m.Register(&wire.Subscription{
		SubscriptionID: "c1",
		SubscriberID:   "alice",
		Type:           wire.SubscriptionComplex,
		Conditions: []wire.FilterCondition{
			{FieldName: "category", Operator: wire.OpEQ, Value: "Electronics"},
			{FieldName: "avg_rating", Operator: wire.OpGT, Value: "4.0", IsWindowed: true},
		},
		Window: &wire.WindowConfig{WindowSize: 3, AggregationType: "avg"},
	}))

	assert.Empty(t, m.Match(rating("Electronics", 3.0)))
	assert.Empty(t, m.Match(rating("Electronics", 5.0)))

	got := m.Match(rating("Electronics", 5.0))
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Complex)
	assert.Equal(t, "Electronics", got[0].Complex.Category)
	assert.Equal(t, "avg_rating", got[0].Complex.FieldName)
	assert.InDelta(t, 4.3333, got[0].Complex.AggregatedValue, 0.001)
	assert.Equal(t, int32(3), got[0].Complex.WindowSize)
	assert.True(t, got[0].Complex.ConditionMet)

	// The fourth rating opens a fresh window.
	assert.Empty(t, m.Match(rating("Electronics", 4.0)))
}

func TestWindowClosedButUnsatisfiedEmitsNothing(t *testing.T) {
	m := newMatcher()
	require.NoError(t, m.Register(&wire.Subscription{
		SubscriptionID: "c1",
		SubscriberID:   "alice",
		Type:           wire.SubscriptionComplex,
		Conditions: []wire.FilterCondition{
			{FieldName: "avg_rating", Operator: wire.OpGT, Value: "4.5", IsWindowed: true},
		},
		Window: &wire.WindowConfig{WindowSize: 2, AggregationType: "avg"},
	}))

	assert.Empty(t, m.Match(rating("Electronics", 3.0)))
	assert.Empty(t, m.Match(rating("Electronics", 4.0))) // closes at avg 3.5

	// The window was consumed: two more high ratings are needed to fire.
	assert.Empty(t, m.Match(rating("Electronics", 5.0)))
	got := m.Match(rating("Electronics", 5.0))
	require.Len(t, got, 1)
	// No category pin: the reference reports "unknown".
	assert.Equal(t, "unknown", got[0].Complex.Category)
}

func TestNonWindowedGateStopsWindowFeeding(t *testing.T) {
	m := newMatcher()
	require.NoError(t, m.Register(&wire.Subscription{
		SubscriptionID: "c1",
		SubscriberID:   "alice",
		Type:           wire.SubscriptionComplex,
		Conditions: []wire.FilterCondition{
			{FieldName: "category", Operator: wire.OpEQ, Value: "Electronics"},
			{FieldName: "avg_rating", Operator: wire.OpGT, Value: "1.0", IsWindowed: true},
		},
		Window: &wire.WindowConfig{WindowSize: 2, AggregationType: "avg"},
	}))

	// Books ratings must not feed the Electronics-gated window.
	assert.Empty(t, m.Match(rating("Books", 5.0)))
	assert.Empty(t, m.Match(rating("Books", 5.0)))
	assert.Empty(t, m.Match(rating("Electronics", 5.0)))
	assert.Len(t, m.Match(rating("Electronics", 5.0)), 1)
}

func TestStringFieldRejectsOrderedOperators(t *testing.T) {
	m := newMatcher()
	require.NoError(t, m.Register(simpleSub("s1",
		wire.FilterCondition{FieldName: "category", Operator: wire.OpGT, Value: "Aaa"},
	)))
	assert.Empty(t, m.Match(purchase("Electronics", 10)))
}

func TestCoercionFailureFailsConditionNotEvent(t *testing.T) {
	m := newMatcher()
	require.NoError(t, m.Register(simpleSub("bad",
		wire.FilterCondition{FieldName: "price", Operator: wire.OpGT, Value: "not-a-number"},
	)))
	require.NoError(t, m.Register(simpleSub("good",
		wire.FilterCondition{FieldName: "price", Operator: wire.OpGT, Value: "5"},
	)))

	got := m.Match(purchase("Electronics", 10))
	require.Len(t, got, 1)
	assert.Equal(t, "good", got[0].SubscriptionID)
}

func TestUnknownFieldNameFailsCondition(t *testing.T) {
	m := newMatcher()
	require.NoError(t, m.Register(simpleSub("s1",
		wire.FilterCondition{FieldName: "discount", Operator: wire.OpEQ, Value: "10"},
	)))
	assert.Empty(t, m.Match(purchase("Electronics", 10)))
}

func TestStringNotEqual(t *testing.T) {
	m := newMatcher()
	require.NoError(t, m.Register(simpleSub("s1",
		wire.FilterCondition{FieldName: "warehouse_id", Operator: wire.OpNE, Value: "WH001"},
	)))
	assert.Empty(t, m.Match(purchase("Electronics", 10))) // WH001
	ev := purchase("Electronics", 10)
	ev.Purchase.WarehouseID = "WH002"
	assert.Len(t, m.Match(ev), 1)
}

func TestRegisterValidation(t *testing.T) {
	m := newMatcher()

	tests := []struct {
		name string
		sub  *wire.Subscription
	}{
		{"no conditions", &wire.Subscription{SubscriptionID: "x", Type: wire.SubscriptionSimple}},
		{"missing id", simpleSub("",
			wire.FilterCondition{FieldName: "category", Operator: wire.OpEQ, Value: "Books"})},
		{"complex without windowed condition", &wire.Subscription{
			SubscriptionID: "x",
			Type:           wire.SubscriptionComplex,
			Conditions: []wire.FilterCondition{
				{FieldName: "category", Operator: wire.OpEQ, Value: "Books"},
			},
			Window: &wire.WindowConfig{WindowSize: 3, AggregationType: "avg"},
		}},
		{"complex without window config", &wire.Subscription{
			SubscriptionID: "x",
			Type:           wire.SubscriptionComplex,
			Conditions: []wire.FilterCondition{
				{FieldName: "avg_rating", Operator: wire.OpGT, Value: "4", IsWindowed: true},
			},
		}},
		{"window size zero", &wire.Subscription{
			SubscriptionID: "x",
			Type:           wire.SubscriptionComplex,
			Conditions: []wire.FilterCondition{
				{FieldName: "avg_rating", Operator: wire.OpGT, Value: "4", IsWindowed: true},
			},
			Window: &wire.WindowConfig{WindowSize: 0, AggregationType: "avg"},
		}},
		{"unknown aggregation", &wire.Subscription{
			SubscriptionID: "x",
			Type:           wire.SubscriptionComplex,
			Conditions: []wire.FilterCondition{
				{FieldName: "avg_rating", Operator: wire.OpGT, Value: "4", IsWindowed: true},
			},
			Window: &wire.WindowConfig{WindowSize: 3, AggregationType: "median"},
		}},
		{"simple with windowed condition", &wire.Subscription{
			SubscriptionID: "x",
			Type:           wire.SubscriptionSimple,
			Conditions: []wire.FilterCondition{
				{FieldName: "avg_rating", Operator: wire.OpGT, Value: "4", IsWindowed: true},
			},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Register(tt.sub)
			var invalidErr *InvalidError
			assert.ErrorAs(t, err, &invalidErr)
			assert.NotEmpty(t, invalidErr.Reason)
		})
	}
}

func TestRegisterDuplicateID(t *testing.T) {
	m := newMatcher()
	sub := simpleSub("s1",
		wire.FilterCondition{FieldName: "category", Operator: wire.OpEQ, Value: "Books"})
	require.NoError(t, m.Register(sub))
	assert.ErrorIs(t, m.Register(sub), ErrDuplicateID)
	assert.Equal(t, 1, m.Len())
}

func TestListReturnsRegistrationOrder(t *testing.T) {
	m := newMatcher()
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Register(simpleSub(fmt.Sprintf("s%d", i),
			wire.FilterCondition{FieldName: "category", Operator: wire.OpEQ, Value: "Books"})))
	}
	list := m.List()
	require.Len(t, list, 5)
	for i, sub := range list {
		assert.Equal(t, fmt.Sprintf("s%d", i), sub.SubscriptionID)
	}
}

func TestUnregisterDropsWindowState(t *testing.T) {
	windows := window.NewManager(zap.NewNop())
	m := New(windows, zap.NewNop())
	require.NoError(t, m.Register(&wire.Subscription{
		SubscriptionID: "c1",
		SubscriberID:   "alice",
		Type:           wire.SubscriptionComplex,
		Conditions: []wire.FilterCondition{
			{FieldName: "avg_rating", Operator: wire.OpGT, Value: "1", IsWindowed: true},
		},
		Window: &wire.WindowConfig{WindowSize: 3, AggregationType: "avg"},
	}))

	m.Match(rating("Books", 5.0))
	assert.Equal(t, 1, windows.Len())

	require.NoError(t, m.Unregister("c1"))
	assert.Equal(t, 0, windows.Len())
}
