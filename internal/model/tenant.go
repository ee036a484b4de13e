package model

import "time"

// Credentials identifies a tenant's delivery-platform API application.
type Credentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"-"`
}

// TenantBinding maps one tenant to the merchants it has configured. A merchant
// id may legitimately appear in zero, one, or several tenants' bindings; the
// resolver owns the disambiguation policy.
type TenantBinding struct {
	TenantID    int64       `json:"tenant_id"`
	Credentials Credentials `json:"credentials"`
	MerchantIDs []string    `json:"merchant_ids"`
}

// OrderSnapshot is a persisted copy of one (tenant, merchant) order cache,
// reloaded on startup so a restart does not begin from empty state.
type OrderSnapshot struct {
	TenantID   int64     `json:"tenant_id"`
	MerchantID string    `json:"merchant_id"`
	Orders     []Order   `json:"orders"`
	UpdatedAt  time.Time `json:"updated_at"`
}
