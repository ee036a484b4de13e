package model

// MerchantMetrics is the aggregate summary recomputed from one merchant's
// merged order cache. Recomputation is full, not incremental; cache sizes are
// bounded by the retention window so this stays cheap.
type MerchantMetrics struct {
	GrossRevenue        float64 `json:"gross_revenue"`
	Discounts           float64 `json:"discounts"`
	NetRevenue          float64 `json:"net_revenue"`
	ViaLoja             float64 `json:"via_loja"`
	OrderCount          int     `json:"order_count"`
	RevenueOrderCount   int     `json:"revenue_order_count"`
	CancelledCount      int     `json:"cancelled_count"`
	NewCustomerCount    int     `json:"new_customer_count"`
	AverageTicket       float64 `json:"average_ticket"`
	AverageRating       float64 `json:"average_rating"`
	DiscountRatePct     float64 `json:"discount_rate_pct"`
	CancellationRatePct float64 `json:"cancellation_rate_pct"`
}
