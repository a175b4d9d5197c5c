package wire

import (
	"encoding/json"
	"fmt"
	"io"
)

// The management and egress-hello exchanges are JSON inside the same
// length-prefixed framing as the data plane. Subscriptions travel inside the
// JSON as wire-encoded bytes so the management path reuses the binary codec.

// Management request types.
const (
	MgmtSubscribe   = "subscribe"
	MgmtUnsubscribe = "unsubscribe"
	MgmtStatus      = "status"
)

// ManagementRequest is a subscriber's request on the management endpoint.
type ManagementRequest struct {
	Type           string `json:"type"`
	Subscription   []byte `json:"subscription,omitempty"` // wire-encoded Subscription
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// ManagementResponse acknowledges a management request.
type ManagementResponse struct {
	Status         string         `json:"status"` // success, error
	Message        string         `json:"message,omitempty"`
	SubscriptionID string         `json:"subscription_id,omitempty"`
	Stats          *StatsSnapshot `json:"statistics,omitempty"`
}

// OK reports whether the request was acknowledged as successful.
func (r *ManagementResponse) OK() bool { return r.Status == "success" }

// EgressHello identifies a subscriber connection on the egress endpoint.
type EgressHello struct {
	SubscriberID string `json:"subscriber_id"`
}

// StatsSnapshot is the read-only statistics record a node exposes.
type StatsSnapshot struct {
	BrokerID                     string `json:"broker_id"`
	EventsIngested               uint64 `json:"events_ingested"`
	EventsMatched                uint64 `json:"events_matched"`
	NotificationsSent            uint64 `json:"notifications_sent"`
	NotificationsDroppedOverflow uint64 `json:"notifications_dropped_overflow"`
	DecodeErrors                 uint64 `json:"decode_errors"`
	DuplicatesDropped            uint64 `json:"duplicates_dropped"`
	ActiveSubscriptions          int    `json:"active_subscriptions"`
	PeersUp                      int    `json:"peers_up"`
	PeersDown                    int    `json:"peers_down"`
	UptimeMs                     int64  `json:"uptime_ms"`
}

// WriteJSONFrame writes v as a JSON payload in a length-prefixed frame.
func WriteJSONFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode json frame: %w", err)
	}
	return WriteFrame(w, payload)
}

// ReadJSONFrame reads one frame and decodes its JSON payload into v.
func ReadJSONFrame(r io.Reader, v any) error {
	payload, err := ReadFrame(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode json frame: %w", err)
	}
	return nil
}
