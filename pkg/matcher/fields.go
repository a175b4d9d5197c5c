package matcher

import (
	"strings"

	"github.com/cartpulse/cartpulse/pkg/wire"
)

// Events are closed records: the set of (variant, field) pairs is fixed at
// compile time and each accessor returns a typed value. A field name that is
// not registered for the event's variant fails the condition, never the
// event.

type fieldKind int

const (
	kindString fieldKind = iota
	kindNumber
)

type fieldValue struct {
	kind fieldKind
	str  string
	num  float64
}

func str(s string) fieldValue  { return fieldValue{kind: kindString, str: s} }
func num(f float64) fieldValue { return fieldValue{kind: kindNumber, num: f} }
func numi(i int32) fieldValue  { return fieldValue{kind: kindNumber, num: float64(i)} }

type accessor func(*wire.Event) fieldValue

var fieldRegistry = map[wire.EventType]map[string]accessor{
	wire.EventPurchase: {
		"user_id":      func(e *wire.Event) fieldValue { return str(e.Purchase.UserID) },
		"product_id":   func(e *wire.Event) fieldValue { return str(e.Purchase.ProductID) },
		"category":     func(e *wire.Event) fieldValue { return str(e.Purchase.Category) },
		"price":        func(e *wire.Event) fieldValue { return num(e.Purchase.Price) },
		"quantity":     func(e *wire.Event) fieldValue { return numi(e.Purchase.Quantity) },
		"warehouse_id": func(e *wire.Event) fieldValue { return str(e.Purchase.WarehouseID) },
	},
	wire.EventProductView: {
		"user_id":       func(e *wire.Event) fieldValue { return str(e.ProductView.UserID) },
		"product_id":    func(e *wire.Event) fieldValue { return str(e.ProductView.ProductID) },
		"category":      func(e *wire.Event) fieldValue { return str(e.ProductView.Category) },
		"view_duration": func(e *wire.Event) fieldValue { return numi(e.ProductView.ViewDuration) },
		"source":        func(e *wire.Event) fieldValue { return str(e.ProductView.Source) },
	},
	wire.EventInventoryUpdate: {
		"product_id":   func(e *wire.Event) fieldValue { return str(e.InventoryUpdate.ProductID) },
		"category":     func(e *wire.Event) fieldValue { return str(e.InventoryUpdate.Category) },
		"stock_level":  func(e *wire.Event) fieldValue { return numi(e.InventoryUpdate.StockLevel) },
		"warehouse_id": func(e *wire.Event) fieldValue { return str(e.InventoryUpdate.WarehouseID) },
		"operation":    func(e *wire.Event) fieldValue { return str(e.InventoryUpdate.Operation) },
	},
	wire.EventUserRating: {
		"user_id":     func(e *wire.Event) fieldValue { return str(e.UserRating.UserID) },
		"product_id":  func(e *wire.Event) fieldValue { return str(e.UserRating.ProductID) },
		"category":    func(e *wire.Event) fieldValue { return str(e.UserRating.Category) },
		"rating":      func(e *wire.Event) fieldValue { return num(e.UserRating.Rating) },
		"review_text": func(e *wire.Event) fieldValue { return str(e.UserRating.ReviewText) },
	},
}

// payloadPresent guards accessors against an event whose variant tag and
// payload pointer disagree.
func payloadPresent(e *wire.Event) bool {
	switch e.Type {
	case wire.EventPurchase:
		return e.Purchase != nil
	case wire.EventProductView:
		return e.ProductView != nil
	case wire.EventInventoryUpdate:
		return e.InventoryUpdate != nil
	case wire.EventUserRating:
		return e.UserRating != nil
	}
	return false
}

// lookupField extracts a typed field value from the event's payload variant.
func lookupField(e *wire.Event, name string) (fieldValue, bool) {
	if !payloadPresent(e) {
		return fieldValue{}, false
	}
	acc, ok := fieldRegistry[e.Type][name]
	if !ok {
		return fieldValue{}, false
	}
	return acc(e), true
}

// windowedBaseField strips an aggregation prefix from a windowed field name,
// so "avg_rating" observes the event's "rating" field.
func windowedBaseField(name string) string {
	for _, prefix := range []string{"avg_", "max_", "min_", "sum_"} {
		if rest, ok := strings.CutPrefix(name, prefix); ok {
			return rest
		}
	}
	return name
}

// lookupNumeric extracts the numeric observation for a windowed field.
func lookupNumeric(e *wire.Event, name string) (float64, bool) {
	v, ok := lookupField(e, windowedBaseField(name))
	if !ok || v.kind != kindNumber {
		return 0, false
	}
	return v.num, true
}
