package wire

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Decoders tolerate unknown field numbers and wire-type mismatches by
// skipping the field, so additive schema changes stay compatible across
// minor versions. Malformed bytes produce an error and the caller discards
// the whole message.

func skipField(b []byte, num protowire.Number, typ protowire.Type) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

// Unmarshal decodes the envelope, replacing the receiver's contents.
func (m *BrokerMessage) Unmarshal(b []byte) error {
	*m = BrokerMessage{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.MessageID = v
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Timestamp = int64(v)
			b = b[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Type = MessageType(v)
			b = b[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Event = new(Event)
			if err := m.Event.Unmarshal(v); err != nil {
				return err
			}
			b = b[n:]
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Subscription = new(Subscription)
			if err := m.Subscription.Unmarshal(v); err != nil {
				return err
			}
			b = b[n:]
		case num == 6 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Notification = new(Notification)
			if err := m.Notification.Unmarshal(v); err != nil {
				return err
			}
			b = b[n:]
		case num == 7 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Heartbeat = new(BrokerHeartbeat)
			if err := m.Heartbeat.Unmarshal(v); err != nil {
				return err
			}
			b = b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

// Unmarshal decodes the event, replacing the receiver's contents.
func (e *Event) Unmarshal(b []byte) error {
	*e = Event{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.EventID = v
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.Timestamp = int64(v)
			b = b[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.Type = EventType(v)
			b = b[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.Purchase = new(Purchase)
			if err := e.Purchase.unmarshal(v); err != nil {
				return err
			}
			b = b[n:]
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.ProductView = new(ProductView)
			if err := e.ProductView.unmarshal(v); err != nil {
				return err
			}
			b = b[n:]
		case num == 6 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.InventoryUpdate = new(InventoryUpdate)
			if err := e.InventoryUpdate.unmarshal(v); err != nil {
				return err
			}
			b = b[n:]
		case num == 7 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.UserRating = new(UserRating)
			if err := e.UserRating.unmarshal(v); err != nil {
				return err
			}
			b = b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

// fieldSetter assigns one decoded scalar to a payload struct field.
type fieldSetter func(num protowire.Number, s string, u uint64, f float64)

// unmarshalScalars decodes a payload message whose fields are all scalars,
// dispatching each decoded value through set. kinds maps field number to
// wire type.
func unmarshalScalars(b []byte, kinds map[protowire.Number]protowire.Type, set fieldSetter) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		want, known := kinds[num]
		if !known || want != typ {
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
			continue
		}
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			set(num, v, 0, 0)
			b = b[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			set(num, "", v, 0)
			b = b[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			set(num, "", 0, math.Float64frombits(v))
			b = b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

func (p *Purchase) unmarshal(b []byte) error {
	return unmarshalScalars(b, map[protowire.Number]protowire.Type{
		1: protowire.BytesType,
		2: protowire.BytesType,
		3: protowire.BytesType,
		4: protowire.Fixed64Type,
		5: protowire.VarintType,
		6: protowire.BytesType,
	}, func(num protowire.Number, s string, u uint64, f float64) {
		switch num {
		case 1:
			p.UserID = s
		case 2:
			p.ProductID = s
		case 3:
			p.Category = s
		case 4:
			p.Price = f
		case 5:
			p.Quantity = int32(u)
		case 6:
			p.WarehouseID = s
		}
	})
}

func (v *ProductView) unmarshal(b []byte) error {
	return unmarshalScalars(b, map[protowire.Number]protowire.Type{
		1: protowire.BytesType,
		2: protowire.BytesType,
		3: protowire.BytesType,
		4: protowire.VarintType,
		5: protowire.BytesType,
	}, func(num protowire.Number, s string, u uint64, _ float64) {
		switch num {
		case 1:
			v.UserID = s
		case 2:
			v.ProductID = s
		case 3:
			v.Category = s
		case 4:
			v.ViewDuration = int32(u)
		case 5:
			v.Source = s
		}
	})
}

func (u *InventoryUpdate) unmarshal(b []byte) error {
	return unmarshalScalars(b, map[protowire.Number]protowire.Type{
		1: protowire.BytesType,
		2: protowire.BytesType,
		3: protowire.VarintType,
		4: protowire.BytesType,
		5: protowire.BytesType,
	}, func(num protowire.Number, s string, n uint64, _ float64) {
		switch num {
		case 1:
			u.ProductID = s
		case 2:
			u.Category = s
		case 3:
			u.StockLevel = int32(n)
		case 4:
			u.WarehouseID = s
		case 5:
			u.Operation = s
		}
	})
}

func (r *UserRating) unmarshal(b []byte) error {
	return unmarshalScalars(b, map[protowire.Number]protowire.Type{
		1: protowire.BytesType,
		2: protowire.BytesType,
		3: protowire.BytesType,
		4: protowire.Fixed64Type,
		5: protowire.BytesType,
	}, func(num protowire.Number, s string, _ uint64, f float64) {
		switch num {
		case 1:
			r.UserID = s
		case 2:
			r.ProductID = s
		case 3:
			r.Category = s
		case 4:
			r.Rating = f
		case 5:
			r.ReviewText = s
		}
	})
}

// Unmarshal decodes the subscription, replacing the receiver's contents.
func (s *Subscription) Unmarshal(b []byte) error {
	*s = Subscription{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			s.SubscriptionID = v
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			s.SubscriberID = v
			b = b[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			s.Type = SubscriptionType(v)
			b = b[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			var cond FilterCondition
			if err := cond.unmarshal(v); err != nil {
				return err
			}
			s.Conditions = append(s.Conditions, cond)
			b = b[n:]
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			s.Window = new(WindowConfig)
			if err := s.Window.unmarshal(v); err != nil {
				return err
			}
			b = b[n:]
		case num == 6 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			s.HomeBrokerID = v
			b = b[n:]
		case num == 7 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			s.Removed = v != 0
			b = b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

func (c *FilterCondition) unmarshal(b []byte) error {
	return unmarshalScalars(b, map[protowire.Number]protowire.Type{
		1: protowire.BytesType,
		2: protowire.VarintType,
		3: protowire.BytesType,
		4: protowire.VarintType,
	}, func(num protowire.Number, s string, u uint64, _ float64) {
		switch num {
		case 1:
			c.FieldName = s
		case 2:
			c.Operator = ComparisonOperator(u)
		case 3:
			c.Value = s
		case 4:
			c.IsWindowed = u != 0
		}
	})
}

func (w *WindowConfig) unmarshal(b []byte) error {
	return unmarshalScalars(b, map[protowire.Number]protowire.Type{
		1: protowire.VarintType,
		2: protowire.BytesType,
	}, func(num protowire.Number, s string, u uint64, _ float64) {
		switch num {
		case 1:
			w.WindowSize = int32(u)
		case 2:
			w.AggregationType = s
		}
	})
}

// Unmarshal decodes the notification, replacing the receiver's contents.
func (n *Notification) Unmarshal(b []byte) error {
	*n = Notification{}
	for len(b) > 0 {
		num, typ, sz := protowire.ConsumeTag(b)
		if sz < 0 {
			return protowire.ParseError(sz)
		}
		b = b[sz:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, sz := protowire.ConsumeString(b)
			if sz < 0 {
				return protowire.ParseError(sz)
			}
			n.NotificationID = v
			b = b[sz:]
		case num == 2 && typ == protowire.BytesType:
			v, sz := protowire.ConsumeString(b)
			if sz < 0 {
				return protowire.ParseError(sz)
			}
			n.SubscriptionID = v
			b = b[sz:]
		case num == 3 && typ == protowire.BytesType:
			v, sz := protowire.ConsumeString(b)
			if sz < 0 {
				return protowire.ParseError(sz)
			}
			n.SubscriberID = v
			b = b[sz:]
		case num == 4 && typ == protowire.VarintType:
			v, sz := protowire.ConsumeVarint(b)
			if sz < 0 {
				return protowire.ParseError(sz)
			}
			n.Timestamp = int64(v)
			b = b[sz:]
		case num == 5 && typ == protowire.BytesType:
			v, sz := protowire.ConsumeBytes(b)
			if sz < 0 {
				return protowire.ParseError(sz)
			}
			n.Simple = new(SimpleNotification)
			if err := n.Simple.unmarshal(v); err != nil {
				return err
			}
			b = b[sz:]
		case num == 6 && typ == protowire.BytesType:
			v, sz := protowire.ConsumeBytes(b)
			if sz < 0 {
				return protowire.ParseError(sz)
			}
			n.Complex = new(ComplexNotification)
			if err := n.Complex.unmarshal(v); err != nil {
				return err
			}
			b = b[sz:]
		default:
			sz, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[sz:]
		}
	}
	return nil
}

func (s *SimpleNotification) unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			s.MatchedEvent = new(Event)
			if err := s.MatchedEvent.Unmarshal(v); err != nil {
				return err
			}
			b = b[n:]
			continue
		}
		n, err := skipField(b, num, typ)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func (c *ComplexNotification) unmarshal(b []byte) error {
	return unmarshalScalars(b, map[protowire.Number]protowire.Type{
		1: protowire.BytesType,
		2: protowire.BytesType,
		3: protowire.Fixed64Type,
		4: protowire.VarintType,
		5: protowire.VarintType,
	}, func(num protowire.Number, s string, u uint64, f float64) {
		switch num {
		case 1:
			c.Category = s
		case 2:
			c.FieldName = s
		case 3:
			c.AggregatedValue = f
		case 4:
			c.WindowSize = int32(u)
		case 5:
			c.ConditionMet = u != 0
		}
	})
}

// Unmarshal decodes the heartbeat, replacing the receiver's contents.
func (h *BrokerHeartbeat) Unmarshal(b []byte) error {
	*h = BrokerHeartbeat{}
	return unmarshalScalars(b, map[protowire.Number]protowire.Type{
		1: protowire.BytesType,
		2: protowire.BytesType,
		3: protowire.VarintType,
		4: protowire.VarintType,
	}, func(num protowire.Number, s string, u uint64, _ float64) {
		switch num {
		case 1:
			h.BrokerID = s
		case 2:
			h.Status = s
		case 3:
			h.ActiveSubscriptions = int32(u)
		case 4:
			h.ProcessedEvents = int64(u)
		}
	})
}
