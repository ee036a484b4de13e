// Package metrics recomputes aggregate merchant summaries from a merged order
// cache. Computation is a pure function of the order list, so callers can
// rerun it after every merge without coordination.
package metrics

import (
	"encoding/json"

	"prato.app/ingest/internal/model"
	"prato.app/ingest/internal/normalize"
)

// Compute derives the merchant summary from consolidated orders.
//
// Revenue is normally counted over CONCLUDED orders. Some integrations never
// deliver a conclusion event, so when no order has reached CONCLUDED the
// computation falls back to every non-cancelled order with a positive amount.
// All returned values are non-negative.
func Compute(orders []model.Order) model.MerchantMetrics {
	var m model.MerchantMetrics
	m.OrderCount = len(orders)

	revenue := make([]model.Order, 0, len(orders))
	for _, o := range orders {
		if o.Status == model.StatusCancelled {
			m.CancelledCount++
			continue
		}
		if o.Status == model.StatusConcluded {
			revenue = append(revenue, o)
		}
	}

	if len(revenue) == 0 {
		for _, o := range orders {
			if o.Status != model.StatusCancelled && o.TotalAmount > 0 {
				revenue = append(revenue, o)
			}
		}
	}

	m.RevenueOrderCount = len(revenue)

	var (
		ratingSum   float64
		ratingCount int
	)

	for _, o := range revenue {
		payload := parsePayload(o.RawPayload)

		gross := normalize.GrossAmount(payload)
		if gross <= 0 {
			gross = o.TotalAmount
		}
		discount := normalize.DiscountAmount(payload)

		m.GrossRevenue += positive(gross)
		m.Discounts += positive(discount)

		if normalize.MerchantLiability(payload) {
			m.ViaLoja += positive(o.TotalAmount)
		}
		if normalize.IsNewCustomer(payload) {
			m.NewCustomerCount++
		}
		if rating, ok := normalize.FeedbackRating(payload); ok {
			ratingSum += rating
			ratingCount++
		}
	}

	m.NetRevenue = positive(m.GrossRevenue - m.Discounts)

	if m.RevenueOrderCount > 0 {
		m.AverageTicket = m.NetRevenue / float64(m.RevenueOrderCount)
	}
	if ratingCount > 0 {
		m.AverageRating = ratingSum / float64(ratingCount)
	}
	if m.GrossRevenue > 0 {
		m.DiscountRatePct = m.Discounts / m.GrossRevenue * 100
	}
	if m.OrderCount > 0 {
		m.CancellationRatePct = float64(m.CancelledCount) / float64(m.OrderCount) * 100
	}

	return m
}

func parsePayload(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	return payload
}

func positive(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
