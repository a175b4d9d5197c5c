package matcher

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartpulse/cartpulse/pkg/gen"
	"github.com/cartpulse/cartpulse/pkg/wire"
)

// naiveEval re-implements condition evaluation from the data model alone, as
// an independent oracle for the randomized soundness check.
func naiveEval(ev *wire.Event, c *wire.FilterCondition) bool {
	var strVal string
	var numVal float64
	isNum := false
	found := false

	set := func(name string, s string) {
		if name == c.FieldName {
			strVal, found = s, true
		}
	}
	setN := func(name string, f float64) {
		if name == c.FieldName {
			numVal, isNum, found = f, true, true
		}
	}

	switch {
	case ev.Purchase != nil:
		set("user_id", ev.Purchase.UserID)
		set("product_id", ev.Purchase.ProductID)
		set("category", ev.Purchase.Category)
		set("warehouse_id", ev.Purchase.WarehouseID)
		setN("price", ev.Purchase.Price)
		setN("quantity", float64(ev.Purchase.Quantity))
	case ev.ProductView != nil:
		set("user_id", ev.ProductView.UserID)
		set("product_id", ev.ProductView.ProductID)
		set("category", ev.ProductView.Category)
		set("source", ev.ProductView.Source)
		setN("view_duration", float64(ev.ProductView.ViewDuration))
	case ev.InventoryUpdate != nil:
		set("product_id", ev.InventoryUpdate.ProductID)
		set("category", ev.InventoryUpdate.Category)
		set("warehouse_id", ev.InventoryUpdate.WarehouseID)
		set("operation", ev.InventoryUpdate.Operation)
		setN("stock_level", float64(ev.InventoryUpdate.StockLevel))
	case ev.UserRating != nil:
		set("user_id", ev.UserRating.UserID)
		set("product_id", ev.UserRating.ProductID)
		set("category", ev.UserRating.Category)
		set("review_text", ev.UserRating.ReviewText)
		setN("rating", ev.UserRating.Rating)
	}
	if !found {
		return false
	}

	if isNum {
		want, err := strconv.ParseFloat(c.Value, 64)
		if err != nil {
			return false
		}
		switch c.Operator {
		case wire.OpEQ:
			return numVal == want
		case wire.OpNE:
			return numVal != want
		case wire.OpGT:
			return numVal > want
		case wire.OpGE:
			return numVal >= want
		case wire.OpLT:
			return numVal < want
		case wire.OpLE:
			return numVal <= want
		}
		return false
	}
	switch c.Operator {
	case wire.OpEQ:
		return strVal == c.Value
	case wire.OpNE:
		return strVal != c.Value
	}
	return false
}

// TestRandomizedSoundnessAndCompleteness generates random simple
// subscriptions and events and cross-checks the matcher against the naive
// oracle in both directions: every notification is justified, and every
// justified (event, subscription) pair produced exactly one notification.
func TestRandomizedSoundnessAndCompleteness(t *testing.T) {
	g := gen.New(7, func() int64 { return 0 })
	m := newMatcher()

	subs := make(map[string]*wire.Subscription)
	for i := 0; i < 200; i++ {
		sub := g.SimpleSubscription("alice")
		require.NoError(t, m.Register(sub))
		subs[sub.SubscriptionID] = sub
	}

	for i := 0; i < 500; i++ {
		ev := g.Random()
		got := m.Match(ev)

		seen := make(map[string]int)
		for _, n := range got {
			seen[n.SubscriptionID]++
			require.NotNil(t, n.Simple)
			assert.Same(t, ev, n.Simple.MatchedEvent)

			// Soundness: every condition of the matched subscription holds.
			sub := subs[n.SubscriptionID]
			require.NotNil(t, sub)
			for j := range sub.Conditions {
				assert.True(t, naiveEval(ev, &sub.Conditions[j]),
					"notification for %s not justified by condition %d", n.SubscriptionID, j)
			}
		}

		// Completeness: every subscription the oracle matches emitted
		// exactly once.
		for id, sub := range subs {
			all := true
			for j := range sub.Conditions {
				if !naiveEval(ev, &sub.Conditions[j]) {
					all = false
					break
				}
			}
			if all {
				assert.Equal(t, 1, seen[id], "subscription %s should match event %s once", id, ev.EventID)
			} else {
				assert.Zero(t, seen[id], "subscription %s should not match event %s", id, ev.EventID)
			}
		}
	}
}
