// Package gen produces randomized e-commerce events and subscriptions for
// publishers, subscribers, and load tests. A fixed seed makes a run
// reproducible.
package gen

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/cartpulse/cartpulse/pkg/window"
	"github.com/cartpulse/cartpulse/pkg/wire"
)

var categories = []string{
	"Electronics", "Clothing", "Books", "Home & Garden", "Sports",
	"Beauty", "Toys", "Automotive", "Food", "Health",
}

var products = map[string][]string{
	"Electronics":   {"LAPTOP123", "PHONE456", "TABLET789", "CAMERA001", "HEADPHONE002"},
	"Clothing":      {"SHIRT001", "PANTS002", "DRESS003", "JACKET004", "SHOES005"},
	"Books":         {"BOOK001", "BOOK002", "BOOK003", "BOOK004", "BOOK005"},
	"Home & Garden": {"CHAIR001", "TABLE002", "LAMP003", "PLANT004", "TOOL005"},
	"Sports":        {"BALL001", "BIKE002", "SHOES003", "BAG004", "WATCH005"},
	"Beauty":        {"LIPSTICK001", "CREAM002", "PERFUME003", "BRUSH004", "MASK005"},
	"Toys":          {"DOLL001", "CAR002", "PUZZLE003", "GAME004", "ROBOT005"},
	"Automotive":    {"TIRE001", "OIL002", "BATTERY003", "FILTER004", "TOOL005"},
	"Food":          {"SNACK001", "DRINK002", "CANDY003", "SAUCE004", "SPICE005"},
	"Health":        {"VITAMIN001", "MEDICINE002", "BANDAGE003", "CREAM004", "SUPPLEMENT005"},
}

var warehouses = []string{"WH001", "WH002", "WH003", "WH004", "WH005"}
var viewSources = []string{"web", "mobile", "app"}
var inventoryOps = []string{"restock", "sale", "return"}

var reviewPhrases = []string{
	"Exactly what I was looking for.",
	"Arrived late but works fine.",
	"Quality is not what the pictures suggest.",
	"Would buy again, great value for the price.",
	"Stopped working after two weeks.",
	"Packaging was damaged, product intact.",
	"Better than expected.",
	"Does the job, nothing special.",
}

// Generator creates random events and subscriptions drawn from fixed pools,
// so predicates generated here have real matches in the event stream.
type Generator struct {
	rng   *rand.Rand
	users []string
	now   func() int64
}

// New creates a generator with the given seed. A nil now defaults to wall
// clock milliseconds.
func New(seed int64, now func() int64) *Generator {
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	users := make([]string, 1000)
	for i := range users {
		users[i] = fmt.Sprintf("user_%04d", i+1)
	}
	return &Generator{
		rng:   rand.New(rand.NewSource(seed)),
		users: users,
		now:   now,
	}
}

func (g *Generator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *Generator) pickProduct() (category, productID string) {
	category = g.pick(categories)
	return category, g.pick(products[category])
}

// Purchase generates a purchase event.
func (g *Generator) Purchase() *wire.Event {
	category, productID := g.pickProduct()
	return &wire.Event{
		EventID:   uuid.NewString(),
		Timestamp: g.now(),
		Type:      wire.EventPurchase,
		Purchase: &wire.Purchase{
			UserID:      g.pick(g.users),
			ProductID:   productID,
			Category:    category,
			Price:       roundCents(10 + g.rng.Float64()*1990),
			Quantity:    int32(1 + g.rng.Intn(5)),
			WarehouseID: g.pick(warehouses),
		},
	}
}

// ProductView generates a product view event.
func (g *Generator) ProductView() *wire.Event {
	category, productID := g.pickProduct()
	return &wire.Event{
		EventID:   uuid.NewString(),
		Timestamp: g.now(),
		Type:      wire.EventProductView,
		ProductView: &wire.ProductView{
			UserID:       g.pick(g.users),
			ProductID:    productID,
			Category:     category,
			ViewDuration: int32(5 + g.rng.Intn(296)),
			Source:       g.pick(viewSources),
		},
	}
}

// InventoryUpdate generates an inventory update event.
func (g *Generator) InventoryUpdate() *wire.Event {
	category, productID := g.pickProduct()
	return &wire.Event{
		EventID:   uuid.NewString(),
		Timestamp: g.now(),
		Type:      wire.EventInventoryUpdate,
		InventoryUpdate: &wire.InventoryUpdate{
			ProductID:   productID,
			Category:    category,
			StockLevel:  int32(g.rng.Intn(1001)),
			WarehouseID: g.pick(warehouses),
			Operation:   g.pick(inventoryOps),
		},
	}
}

// UserRating generates a user rating event.
func (g *Generator) UserRating() *wire.Event {
	category, productID := g.pickProduct()
	return &wire.Event{
		EventID:   uuid.NewString(),
		Timestamp: g.now(),
		Type:      wire.EventUserRating,
		UserRating: &wire.UserRating{
			UserID:     g.pick(g.users),
			ProductID:  productID,
			Category:   category,
			Rating:     roundTenth(1 + g.rng.Float64()*4),
			ReviewText: g.pick(reviewPhrases),
		},
	}
}

// Random generates an event of a weighted-random type: purchases and views
// dominate the stream, matching real traffic shape.
func (g *Generator) Random() *wire.Event {
	switch r := g.rng.Float64(); {
	case r < 0.3:
		return g.Purchase()
	case r < 0.7:
		return g.ProductView()
	case r < 0.9:
		return g.InventoryUpdate()
	default:
		return g.UserRating()
	}
}

// SimpleSubscription generates a subscription with 1-3 non-windowed
// conditions.
func (g *Generator) SimpleSubscription(subscriberID string) *wire.Subscription {
	n := 1 + g.rng.Intn(3)
	conditions := make([]wire.FilterCondition, n)
	for i := range conditions {
		conditions[i] = g.condition()
	}
	return &wire.Subscription{
		SubscriptionID: uuid.NewString(),
		SubscriberID:   subscriberID,
		Type:           wire.SubscriptionSimple,
		Conditions:     conditions,
	}
}

// ComplexSubscription generates a windowed subscription with 1-2 plain
// conditions plus one windowed condition.
func (g *Generator) ComplexSubscription(subscriberID string) *wire.Subscription {
	n := 1 + g.rng.Intn(2)
	conditions := make([]wire.FilterCondition, 0, n+1)
	for i := 0; i < n; i++ {
		conditions = append(conditions, g.condition())
	}
	conditions = append(conditions, g.windowedCondition())

	aggs := []string{window.AggAvg, window.AggMax, window.AggMin}
	return &wire.Subscription{
		SubscriptionID: uuid.NewString(),
		SubscriberID:   subscriberID,
		Type:           wire.SubscriptionComplex,
		Conditions:     conditions,
		Window: &wire.WindowConfig{
			WindowSize:      int32(5 + g.rng.Intn(16)),
			AggregationType: g.pick(aggs),
		},
	}
}

// SubscriptionWithEqualityRatio generates a simple subscription where each
// condition uses EQ with probability ratio and a random condition otherwise.
// Used to shape matcher benchmarks.
func (g *Generator) SubscriptionWithEqualityRatio(subscriberID string, ratio float64) *wire.Subscription {
	n := 1 + g.rng.Intn(3)
	conditions := make([]wire.FilterCondition, n)
	for i := range conditions {
		if g.rng.Float64() < ratio {
			conditions[i] = g.equalityCondition()
		} else {
			conditions[i] = g.condition()
		}
	}
	return &wire.Subscription{
		SubscriptionID: uuid.NewString(),
		SubscriberID:   subscriberID,
		Type:           wire.SubscriptionSimple,
		Conditions:     conditions,
	}
}

var orderedOps = []wire.ComparisonOperator{wire.OpGT, wire.OpLT, wire.OpGE, wire.OpLE}

func (g *Generator) condition() wire.FilterCondition {
	fields := []string{"category", "product_id", "user_id", "price", "stock_level", "rating"}
	field := g.pick(fields)

	switch field {
	case "category":
		return wire.FilterCondition{FieldName: field, Operator: wire.OpEQ, Value: g.pick(categories)}
	case "product_id":
		_, productID := g.pickProduct()
		return wire.FilterCondition{FieldName: field, Operator: wire.OpEQ, Value: productID}
	case "user_id":
		return wire.FilterCondition{FieldName: field, Operator: wire.OpEQ, Value: g.pick(g.users)}
	case "price":
		return wire.FilterCondition{
			FieldName: field,
			Operator:  orderedOps[g.rng.Intn(len(orderedOps))],
			Value:     fmt.Sprintf("%.2f", 10+g.rng.Float64()*990),
		}
	case "stock_level":
		return wire.FilterCondition{
			FieldName: field,
			Operator:  orderedOps[g.rng.Intn(len(orderedOps))],
			Value:     fmt.Sprintf("%d", 1+g.rng.Intn(100)),
		}
	default: // rating
		return wire.FilterCondition{
			FieldName: field,
			Operator:  orderedOps[g.rng.Intn(len(orderedOps))],
			Value:     fmt.Sprintf("%.1f", 1+g.rng.Float64()*4),
		}
	}
}

func (g *Generator) windowedCondition() wire.FilterCondition {
	fields := []string{"avg_rating", "avg_price", "max_price", "min_rating"}
	field := g.pick(fields)

	var value string
	if field == "avg_price" || field == "max_price" {
		value = fmt.Sprintf("%.2f", 10+g.rng.Float64()*990)
	} else {
		value = fmt.Sprintf("%.1f", 1+g.rng.Float64()*4)
	}
	return wire.FilterCondition{
		FieldName:  field,
		Operator:   orderedOps[g.rng.Intn(len(orderedOps))],
		Value:      value,
		IsWindowed: true,
	}
}

func (g *Generator) equalityCondition() wire.FilterCondition {
	fields := []string{"category", "product_id", "user_id"}
	field := g.pick(fields)

	var value string
	switch field {
	case "category":
		value = g.pick(categories)
	case "product_id":
		_, value = g.pickProduct()
	default:
		value = g.pick(g.users)
	}
	return wire.FilterCondition{FieldName: field, Operator: wire.OpEQ, Value: value}
}

func roundCents(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

func roundTenth(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
