package normalize

import (
	"encoding/json"
	"time"

	"prato.app/ingest/internal/model"
)

// EventsFromPayload extracts the event objects out of an inbound body. The
// upstream sends either a single event object, a bare JSON array, or a list
// wrapped under one of several envelope keys.
func EventsFromPayload(payload any) []map[string]any {
	switch v := payload.(type) {
	case []any:
		return eventMaps(v)
	case map[string]any:
		for _, key := range []string{"events", "data", "items", "orders"} {
			if list, ok := v[key].([]any); ok {
				return eventMaps(list)
			}
		}
		// A single event object: must reference an order or carry an event id.
		if EventOrderID(v) != "" || EventID(v) != "" {
			return []map[string]any{v}
		}
		return nil
	default:
		return nil
	}
}

// Event converts one raw event object into the canonical Event. Never fails;
// absent fields stay zero and downstream stages degrade accordingly.
func Event(raw map[string]any) model.Event {
	payload, _ := json.Marshal(raw)

	occurred := Timestamp(raw)
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}

	orderID := EventOrderID(raw)
	if orderID == "" {
		// Degraded shape: some deliveries only carry the event's own id.
		orderID = EventID(raw)
	}

	return model.Event{
		SourceEventID: EventID(raw),
		MerchantID:    MerchantID(raw),
		OrderID:       orderID,
		RawStatus:     rawStatus(raw),
		OccurredAt:    occurred,
		Payload:       payload,
	}
}

// EventOrderID returns the order referenced by an event. Events name the order
// under orderId; a bare id is only the event's own identity and is used as the
// order reference just when no orderId is present (degraded shape).
func EventOrderID(raw map[string]any) string {
	for _, key := range []string{"orderId", "order_id"} {
		if s, ok := raw[key].(string); ok && s != "" {
			return s
		}
	}
	if order, ok := raw["order"].(map[string]any); ok {
		if s, ok := order["id"].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// EventID returns the event's own identity, used for upstream acknowledgment.
func EventID(raw map[string]any) string {
	for _, key := range []string{"id", "eventId", "event_id"} {
		if s, ok := raw[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func rawStatus(raw map[string]any) string {
	for _, key := range []string{"fullCode", "code", "orderStatus", "status", "state"} {
		if s, ok := raw[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func eventMaps(list []any) []map[string]any {
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
