package model

import (
	"encoding/json"
	"time"
)

// Event is a point-in-time notification from either adapter. Events are
// ephemeral: consumed once merged, never persisted standalone. SourceEventID is
// used for upstream acknowledgment only; dedup happens on the order id, since
// many events reference the same order.
type Event struct {
	SourceEventID string          `json:"source_event_id"`
	MerchantID    string          `json:"merchant_id"`
	OrderID       string          `json:"order_id"`
	RawStatus     string          `json:"raw_status"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}
