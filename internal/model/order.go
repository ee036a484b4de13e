package model

import (
	"encoding/json"
	"time"
)

// CanonicalStatus is the normalized order status vocabulary. Upstream payloads
// carry dozens of spellings (short codes, legacy names, mixed casing); everything
// collapses into one of these before it reaches the merge engine.
type CanonicalStatus string

const (
	StatusPlaced    CanonicalStatus = "PLACED"
	StatusConfirmed CanonicalStatus = "CONFIRMED"
	StatusConcluded CanonicalStatus = "CONCLUDED"
	StatusCancelled CanonicalStatus = "CANCELLED"
	StatusUnknown   CanonicalStatus = "UNKNOWN"
)

// OrderSource records which path produced an Order. Detail-fetched orders are
// authoritative over event-derived ones for the same id.
type OrderSource string

const (
	SourceWebhook OrderSource = "webhook"
	SourcePoller  OrderSource = "poller"
	SourceDetail  OrderSource = "detail"
)

// Order is the canonical unit of truth for one delivery-platform order.
// Identity is ID scoped by MerchantID. Status and TotalAmount may be
// overwritten by a later, more authoritative sighting.
type Order struct {
	ID          string          `json:"id"`
	MerchantID  string          `json:"merchant_id"`
	Status      CanonicalStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	OccurredAt  time.Time       `json:"occurred_at"`
	TotalAmount float64         `json:"total_amount"`
	Source      OrderSource     `json:"source"`
	RawPayload  json.RawMessage `json:"raw_payload,omitempty"`
}

// Authoritative reports whether this order came from the order-detail endpoint.
func (o Order) Authoritative() bool {
	return o.Source == SourceDetail
}
