package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a
// context. Fields flow through context enrichment, so ingestion stages don't
// have to repeat tenant/merchant identifiers on every log statement.
type LogFields struct {
	TenantID    *int64  // Owning tenant
	MerchantID  *string // Delivery-platform merchant id
	OrderID     *string // Delivery-platform order id
	EventSource *string // "webhook" or "poller"
	Component   string  // Component name (e.g. "ingest.pipeline")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, new LogFields) LogFields {
	result := existing

	if new.TenantID != nil {
		result.TenantID = new.TenantID
	}
	if new.MerchantID != nil {
		result.MerchantID = new.MerchantID
	}
	if new.OrderID != nil {
		result.OrderID = new.OrderID
	}
	if new.EventSource != nil {
		result.EventSource = new.EventSource
	}
	if new.Component != "" {
		result.Component = new.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline.
func Ptr[T any](v T) *T {
	return &v
}
