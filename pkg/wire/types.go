package wire

// MessageType identifies the payload carried by a BrokerMessage.
type MessageType int32

const (
	MessageEvent        MessageType = 0
	MessageSubscription MessageType = 1
	MessageNotification MessageType = 2
	MessageHeartbeat    MessageType = 3
)

// String returns the protocol name of the message type.
func (t MessageType) String() string {
	switch t {
	case MessageEvent:
		return "EVENT"
	case MessageSubscription:
		return "SUBSCRIPTION"
	case MessageNotification:
		return "NOTIFICATION"
	case MessageHeartbeat:
		return "HEARTBEAT"
	default:
		return "UNKNOWN"
	}
}

// EventType identifies the payload variant of an Event.
type EventType int32

const (
	EventPurchase        EventType = 0
	EventProductView     EventType = 1
	EventInventoryUpdate EventType = 2
	EventUserRating      EventType = 3
)

// String returns the protocol name of the event type.
func (t EventType) String() string {
	switch t {
	case EventPurchase:
		return "PURCHASE"
	case EventProductView:
		return "PRODUCT_VIEW"
	case EventInventoryUpdate:
		return "INVENTORY_UPDATE"
	case EventUserRating:
		return "USER_RATING"
	default:
		return "UNKNOWN"
	}
}

// SubscriptionType distinguishes plain filters from windowed subscriptions.
type SubscriptionType int32

const (
	SubscriptionSimple  SubscriptionType = 0
	SubscriptionComplex SubscriptionType = 1
)

// ComparisonOperator is the closed set of filter operators.
type ComparisonOperator int32

const (
	OpEQ ComparisonOperator = 0
	OpNE ComparisonOperator = 1
	OpGT ComparisonOperator = 2
	OpGE ComparisonOperator = 3
	OpLT ComparisonOperator = 4
	OpLE ComparisonOperator = 5
)

// String returns the operator symbol.
func (op ComparisonOperator) String() string {
	switch op {
	case OpEQ:
		return "EQ"
	case OpNE:
		return "NE"
	case OpGT:
		return "GT"
	case OpGE:
		return "GE"
	case OpLT:
		return "LT"
	case OpLE:
		return "LE"
	default:
		return "UNKNOWN"
	}
}

// BrokerMessage is the envelope for every frame exchanged between nodes.
// Exactly one of Event, Subscription, Notification, Heartbeat is set,
// according to Type.
type BrokerMessage struct {
	MessageID    string
	Timestamp    int64 // milliseconds since epoch
	Type         MessageType
	Event        *Event
	Subscription *Subscription
	Notification *Notification
	Heartbeat    *BrokerHeartbeat
}

// Event is an immutable e-commerce event with exactly one payload variant.
type Event struct {
	EventID   string
	Timestamp int64
	Type      EventType

	Purchase        *Purchase
	ProductView     *ProductView
	InventoryUpdate *InventoryUpdate
	UserRating      *UserRating
}

// Category returns the category of the event payload, if the variant
// carries one.
func (e *Event) Category() (string, bool) {
	switch {
	case e.Purchase != nil:
		return e.Purchase.Category, true
	case e.ProductView != nil:
		return e.ProductView.Category, true
	case e.InventoryUpdate != nil:
		return e.InventoryUpdate.Category, true
	case e.UserRating != nil:
		return e.UserRating.Category, true
	}
	return "", false
}

// Purchase records a completed purchase.
type Purchase struct {
	UserID      string
	ProductID   string
	Category    string
	Price       float64
	Quantity    int32
	WarehouseID string
}

// ProductView records a product page view.
type ProductView struct {
	UserID       string
	ProductID    string
	Category     string
	ViewDuration int32 // seconds
	Source       string
}

// InventoryUpdate records a stock level change.
type InventoryUpdate struct {
	ProductID   string
	Category    string
	StockLevel  int32
	WarehouseID string
	Operation   string
}

// UserRating records a product rating in [1,5].
type UserRating struct {
	UserID     string
	ProductID  string
	Category   string
	Rating     float64
	ReviewText string
}

// FilterCondition is a single predicate over an event field. Value is a
// string coerced to the field's type at evaluation time.
type FilterCondition struct {
	FieldName  string
	Operator   ComparisonOperator
	Value      string
	IsWindowed bool
}

// WindowConfig parameterizes the tumbling windows of a complex subscription.
type WindowConfig struct {
	WindowSize      int32
	AggregationType string // avg, max, min, sum, count
}

// Subscription is a conjunction of filter conditions registered by a
// subscriber. HomeBrokerID and Removed are additive fields used on the peer
// mesh: summaries announce the broker a subscription was registered at, and
// removals propagate unsubscribes.
type Subscription struct {
	SubscriptionID string
	SubscriberID   string
	Type           SubscriptionType
	Conditions     []FilterCondition
	Window         *WindowConfig
	HomeBrokerID   string
	Removed        bool
}

// Notification is delivered to a subscriber when one of its subscriptions
// matches. Exactly one of Simple, Complex is set.
type Notification struct {
	NotificationID string
	SubscriptionID string
	SubscriberID   string
	Timestamp      int64
	Simple         *SimpleNotification
	Complex        *ComplexNotification
}

// SimpleNotification carries the event that matched a simple subscription.
type SimpleNotification struct {
	MatchedEvent *Event
}

// ComplexNotification carries the aggregate that closed a window and
// satisfied its condition.
type ComplexNotification struct {
	Category        string
	FieldName       string
	AggregatedValue float64
	WindowSize      int32
	ConditionMet    bool
}

// BrokerHeartbeat advertises broker liveness to peers.
type BrokerHeartbeat struct {
	BrokerID            string
	Status              string // healthy, shutdown
	ActiveSubscriptions int32
	ProcessedEvents     int64
}
