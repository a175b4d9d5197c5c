package wire

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Marshalling follows standard proto3 rules: scalar fields with zero values
// are omitted, submessages are length-delimited, doubles are fixed64.

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	return appendInt64(b, num, int64(v))
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// Marshal encodes the envelope and its payload.
func (m *BrokerMessage) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.MessageID)
	b = appendInt64(b, 2, m.Timestamp)
	b = appendInt32(b, 3, int32(m.Type))
	if m.Event != nil {
		b = appendMessage(b, 4, m.Event.Marshal())
	}
	if m.Subscription != nil {
		b = appendMessage(b, 5, m.Subscription.Marshal())
	}
	if m.Notification != nil {
		b = appendMessage(b, 6, m.Notification.Marshal())
	}
	if m.Heartbeat != nil {
		b = appendMessage(b, 7, m.Heartbeat.Marshal())
	}
	return b
}

// Marshal encodes the event and its payload variant.
func (e *Event) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, e.EventID)
	b = appendInt64(b, 2, e.Timestamp)
	b = appendInt32(b, 3, int32(e.Type))
	if e.Purchase != nil {
		b = appendMessage(b, 4, e.Purchase.marshal())
	}
	if e.ProductView != nil {
		b = appendMessage(b, 5, e.ProductView.marshal())
	}
	if e.InventoryUpdate != nil {
		b = appendMessage(b, 6, e.InventoryUpdate.marshal())
	}
	if e.UserRating != nil {
		b = appendMessage(b, 7, e.UserRating.marshal())
	}
	return b
}

func (p *Purchase) marshal() []byte {
	var b []byte
	b = appendString(b, 1, p.UserID)
	b = appendString(b, 2, p.ProductID)
	b = appendString(b, 3, p.Category)
	b = appendDouble(b, 4, p.Price)
	b = appendInt32(b, 5, p.Quantity)
	b = appendString(b, 6, p.WarehouseID)
	return b
}

func (v *ProductView) marshal() []byte {
	var b []byte
	b = appendString(b, 1, v.UserID)
	b = appendString(b, 2, v.ProductID)
	b = appendString(b, 3, v.Category)
	b = appendInt32(b, 4, v.ViewDuration)
	b = appendString(b, 5, v.Source)
	return b
}

func (u *InventoryUpdate) marshal() []byte {
	var b []byte
	b = appendString(b, 1, u.ProductID)
	b = appendString(b, 2, u.Category)
	b = appendInt32(b, 3, u.StockLevel)
	b = appendString(b, 4, u.WarehouseID)
	b = appendString(b, 5, u.Operation)
	return b
}

func (r *UserRating) marshal() []byte {
	var b []byte
	b = appendString(b, 1, r.UserID)
	b = appendString(b, 2, r.ProductID)
	b = appendString(b, 3, r.Category)
	b = appendDouble(b, 4, r.Rating)
	b = appendString(b, 5, r.ReviewText)
	return b
}

// Marshal encodes the subscription with its conditions and window config.
func (s *Subscription) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, s.SubscriptionID)
	b = appendString(b, 2, s.SubscriberID)
	b = appendInt32(b, 3, int32(s.Type))
	for i := range s.Conditions {
		b = appendMessage(b, 4, s.Conditions[i].marshal())
	}
	if s.Window != nil {
		b = appendMessage(b, 5, s.Window.marshal())
	}
	b = appendString(b, 6, s.HomeBrokerID)
	b = appendBool(b, 7, s.Removed)
	return b
}

func (c *FilterCondition) marshal() []byte {
	var b []byte
	b = appendString(b, 1, c.FieldName)
	b = appendInt32(b, 2, int32(c.Operator))
	b = appendString(b, 3, c.Value)
	b = appendBool(b, 4, c.IsWindowed)
	return b
}

func (w *WindowConfig) marshal() []byte {
	var b []byte
	b = appendInt32(b, 1, w.WindowSize)
	b = appendString(b, 2, w.AggregationType)
	return b
}

// Marshal encodes the notification and its payload variant.
func (n *Notification) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, n.NotificationID)
	b = appendString(b, 2, n.SubscriptionID)
	b = appendString(b, 3, n.SubscriberID)
	b = appendInt64(b, 4, n.Timestamp)
	if n.Simple != nil {
		b = appendMessage(b, 5, n.Simple.marshal())
	}
	if n.Complex != nil {
		b = appendMessage(b, 6, n.Complex.marshal())
	}
	return b
}

func (s *SimpleNotification) marshal() []byte {
	var b []byte
	if s.MatchedEvent != nil {
		b = appendMessage(b, 1, s.MatchedEvent.Marshal())
	}
	return b
}

func (c *ComplexNotification) marshal() []byte {
	var b []byte
	b = appendString(b, 1, c.Category)
	b = appendString(b, 2, c.FieldName)
	b = appendDouble(b, 3, c.AggregatedValue)
	b = appendInt32(b, 4, c.WindowSize)
	b = appendBool(b, 5, c.ConditionMet)
	return b
}

// Marshal encodes the heartbeat.
func (h *BrokerHeartbeat) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, h.BrokerID)
	b = appendString(b, 2, h.Status)
	b = appendInt32(b, 3, h.ActiveSubscriptions)
	b = appendInt64(b, 4, h.ProcessedEvents)
	return b
}
