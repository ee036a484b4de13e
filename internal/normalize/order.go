package normalize

import (
	"encoding/json"
	"strings"
	"time"

	"prato.app/ingest/internal/model"
)

// timeKeys are the field-name aliases tried when extracting an order timestamp.
// Upstream shapes disagree on naming; webhook events use createdAt, some polled
// payloads use created_at or orderDate.
var timeKeys = []string{"createdAt", "created_at", "orderDate", "timestamp", "occurredAt"}

// Order extracts a canonical order record from a raw payload of any shape.
// It never fails: missing fields degrade to zero values, because a partial
// order is preferable to dropping the sighting entirely.
func Order(payload map[string]any, source model.OrderSource) model.Order {
	raw, _ := json.Marshal(payload)

	created := Timestamp(payload)
	return model.Order{
		ID:          OrderID(payload),
		MerchantID:  MerchantID(payload),
		Status:      OrderStatus(payload),
		CreatedAt:   created,
		OccurredAt:  created,
		TotalAmount: Amount(payload),
		Source:      source,
		RawPayload:  raw,
	}
}

// OrderID extracts the delivery-platform order id from its aliases.
func OrderID(payload map[string]any) string {
	for _, key := range []string{"id", "orderId", "order_id"} {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// MerchantID extracts and normalizes the merchant id. It is checked at the top
// level and under a nested merchant object.
func MerchantID(payload map[string]any) string {
	for _, key := range []string{"merchantId", "merchant_id"} {
		if s, ok := payload[key].(string); ok && s != "" {
			return CanonicalMerchantID(s)
		}
	}
	if merchant, ok := payload["merchant"].(map[string]any); ok {
		for _, key := range []string{"id", "merchantId"} {
			if s, ok := merchant[key].(string); ok && s != "" {
				return CanonicalMerchantID(s)
			}
		}
	}
	return ""
}

// CanonicalMerchantID trims and lowercases a merchant id so upstream casing
// differences do not break binding lookups (ids are UUID-shaped).
func CanonicalMerchantID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Amount resolves the monetary total of an order via a fallback cascade:
// direct total field, structured total object, flat amount aliases, payment
// object, payments list, then a sum over line items. Each step is tried only
// when the prior ones yielded a non-positive amount; no single field is
// reliably populated across the webhook, polled, and detail payload shapes.
func Amount(payload map[string]any) float64 {
	if v := toFloat(payload["totalPrice"]); v > 0 {
		return v
	}

	if total, ok := payload["total"].(map[string]any); ok {
		for _, key := range []string{"orderAmount", "totalPrice"} {
			if v := toFloat(total[key]); v > 0 {
				return v
			}
		}
		if v := toFloat(total["subTotal"]) + toFloat(total["deliveryFee"]); v > 0 {
			return v
		}
	}

	for _, key := range []string{"orderAmount", "amount", "totalAmount", "value"} {
		if v := toFloat(payload[key]); v > 0 {
			return v
		}
	}

	if payment, ok := payload["payment"].(map[string]any); ok {
		for _, key := range []string{"amount", "value", "total", "paidAmount"} {
			if v := toFloat(payment[key]); v > 0 {
				return v
			}
		}
	}

	if payments, ok := payload["payments"].([]any); ok {
		var paid float64
		for _, p := range payments {
			pm, ok := p.(map[string]any)
			if !ok {
				continue
			}
			for _, key := range []string{"amount", "value", "total", "paidAmount"} {
				if v := toFloat(pm[key]); v > 0 {
					paid += v
					break
				}
			}
		}
		if paid > 0 {
			return paid
		}
	}

	if items, ok := payload["items"].([]any); ok {
		var sum float64
		for _, it := range items {
			item, ok := it.(map[string]any)
			if !ok {
				continue
			}
			lineTotal := toFloat(item["totalPrice"])
			if lineTotal <= 0 {
				qty := toFloat(item["quantity"])
				if qty <= 0 {
					qty = 1
				}
				unit := toFloat(item["unitPrice"])
				if unit > 0 {
					lineTotal = qty * unit
				}
			}
			sum += lineTotal
		}
		if sum > 0 {
			return sum
		}
	}

	return 0
}

// GrossAmount is the pre-discount amount: subtotal plus delivery fee when the
// structured total object is present, otherwise the regular amount cascade.
func GrossAmount(payload map[string]any) float64 {
	if total, ok := payload["total"].(map[string]any); ok {
		if v := toFloat(total["subTotal"]) + toFloat(total["deliveryFee"]); v > 0 {
			return v
		}
	}
	return Amount(payload)
}

// DiscountAmount returns the benefits/discount total, zero when absent.
func DiscountAmount(payload map[string]any) float64 {
	if total, ok := payload["total"].(map[string]any); ok {
		return toFloat(total["benefits"])
	}
	return 0
}

// MerchantLiability reports whether the order was paid under merchant
// liability ("via loja", settled at the store rather than by the platform).
func MerchantLiability(payload map[string]any) bool {
	payment, ok := payload["payment"].(map[string]any)
	if !ok {
		return false
	}
	liability, _ := payment["liability"].(string)
	return liability == "MERCHANT"
}

// IsNewCustomer reports the customer first-order flag, false when absent.
func IsNewCustomer(payload map[string]any) bool {
	customer, ok := payload["customer"].(map[string]any)
	if !ok {
		return false
	}
	isNew, _ := customer["isNewCustomer"].(bool)
	return isNew
}

// FeedbackRating returns the order's feedback rating and whether one exists.
func FeedbackRating(payload map[string]any) (float64, bool) {
	feedback, ok := payload["feedback"].(map[string]any)
	if !ok {
		return 0, false
	}
	rating := toFloat(feedback["rating"])
	if rating <= 0 {
		return 0, false
	}
	return rating, true
}

// Timestamp extracts the order timestamp, trying each field alias in turn.
// Returns the zero time when nothing parses.
func Timestamp(payload map[string]any) time.Time {
	for _, key := range timeKeys {
		s, ok := payload[key].(string)
		if !ok || s == "" {
			continue
		}
		if t, err := ParseTime(s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ParseTime parses the timestamp formats seen upstream: RFC3339 with or
// without sub-second precision, and a bare date.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Parse(time.RFC3339, s) // surface the RFC3339 error
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	case string:
		var f float64
		if err := json.Unmarshal([]byte(n), &f); err == nil {
			return f
		}
		return 0
	default:
		return 0
	}
}
