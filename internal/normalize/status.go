package normalize

import (
	"strings"

	"prato.app/ingest/internal/model"
)

// statusKeys are the payload fields that may carry a status, in lookup order.
var statusKeys = []string{"orderStatus", "status", "state", "fullCode", "code"}

// Status collapses a raw status value into the canonical vocabulary. It accepts
// free-form strings or structured objects (some payloads nest the status under
// orderStatus/fullCode/code). Cancellation tokens are checked first: a voided
// order must never be counted as revenue, so cancellation wins over any
// ambiguous in-flight code that happens to share a substring.
func Status(raw any) model.CanonicalStatus {
	s := statusString(raw)
	if s == "" {
		return model.StatusUnknown
	}

	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "_", " ", "_", ".", "_").Replace(s)
	if s == "CANCELED" {
		s = "CANCELLED"
	}

	switch {
	case strings.Contains(s, "CANCEL"),
		s == "CAN", s == "REJECTED", s == "DECLINED":
		return model.StatusCancelled
	case s == "CON", s == "CONCLUDED", s == "COMPLETED",
		s == "DELIVERED", s == "FINISHED":
		return model.StatusConcluded
	case s == "CFM", s == "CONFIRMED", s == "PREPARING", s == "READY",
		s == "READY_TO_PICKUP", s == "HANDOFF", s == "IN_TRANSIT",
		s == "DISPATCHED", s == "PICKED_UP":
		return model.StatusConfirmed
	case s == "PLC", s == "PLACED", s == "CREATED":
		return model.StatusPlaced
	}

	return model.StatusUnknown
}

// OrderStatus walks an order payload's status fields in priority order and
// returns the first value that normalizes to something known. Falls back to a
// nested metadata object, which some event shapes use.
func OrderStatus(payload map[string]any) model.CanonicalStatus {
	for _, key := range statusKeys {
		if v, ok := payload[key]; ok {
			if st := Status(v); st != model.StatusUnknown {
				return st
			}
		}
	}

	if meta, ok := payload["metadata"].(map[string]any); ok {
		for _, key := range statusKeys {
			if v, ok := meta[key]; ok {
				if st := Status(v); st != model.StatusUnknown {
					return st
				}
			}
		}
	}

	return model.StatusUnknown
}

func statusString(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any:
		for _, key := range statusKeys {
			if s, ok := v[key].(string); ok && s != "" {
				return s
			}
		}
		return ""
	default:
		return ""
	}
}
