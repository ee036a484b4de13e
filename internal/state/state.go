// Package state holds the in-memory consolidated order view. Each (tenant,
// merchant) pair owns an OrderCache guarded by its own mutex, so webhook and
// poller deliveries for different merchants never contend.
package state

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"

	"prato.app/ingest/internal/model"
	"prato.app/ingest/internal/normalize"
)

// Registry maps tenant ids to their state. States are created lazily on first
// access and live for the process lifetime.
type Registry struct {
	mu      sync.RWMutex
	tenants map[int64]*TenantState
}

func NewRegistry() *Registry {
	return &Registry{tenants: make(map[int64]*TenantState)}
}

func (r *Registry) Tenant(id int64) *TenantState {
	r.mu.RLock()
	t, ok := r.tenants[id]
	r.mu.RUnlock()
	if ok {
		return t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tenants[id]; ok {
		return t
	}
	t = &TenantState{caches: make(map[string]*OrderCache)}
	r.tenants[id] = t
	return t
}

// TenantState holds per-merchant order caches and per-process flags for one
// tenant.
type TenantState struct {
	mu     sync.Mutex
	caches map[string]*OrderCache

	// Set once the upstream order detail endpoint rejects this tenant's
	// credentials with a non-auth error; further detail lookups are skipped
	// until restart.
	detailDisabled atomic.Bool
}

func (t *TenantState) Cache(merchantID string) *OrderCache {
	key := normalize.CanonicalMerchantID(merchantID)

	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.caches[key]
	if !ok {
		c = &OrderCache{orders: make(map[string]model.Order)}
		t.caches[key] = c
	}
	return c
}

func (t *TenantState) DisableDetail() {
	t.detailDisabled.Store(true)
}

func (t *TenantState) DetailDisabled() bool {
	return t.detailDisabled.Load()
}

// MergeResult reports what a merge changed.
type MergeResult struct {
	New     int
	Updated int
}

func (r MergeResult) Changed() bool {
	return r.New > 0 || r.Updated > 0
}

// OrderCache is the consolidated order map for one (tenant, merchant).
type OrderCache struct {
	mu     sync.Mutex
	orders map[string]model.Order
}

// Merge folds incoming orders into the cache. Unseen orders are inserted. An
// existing order is overwritten only when the incoming version is
// authoritative or strictly newer; an UNKNOWN status never displaces a known
// one. Overwrites preserve fields the incoming version lacks, so a bare
// status event does not erase an amount learned earlier. Merging the same
// input twice is a no-op the second time.
func (c *OrderCache) Merge(incoming []model.Order) MergeResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res MergeResult
	for _, in := range incoming {
		if in.ID == "" {
			continue
		}

		existing, ok := c.orders[in.ID]
		if !ok {
			c.orders[in.ID] = in
			res.New++
			continue
		}

		if !shouldOverwrite(existing, in) {
			continue
		}

		merged := overlay(existing, in)
		if ordersEqual(merged, existing) {
			continue
		}
		c.orders[in.ID] = merged
		res.Updated++
	}
	return res
}

func shouldOverwrite(existing, in model.Order) bool {
	if in.Status == model.StatusUnknown && existing.Status != model.StatusUnknown && !in.Authoritative() {
		return false
	}
	if in.Authoritative() {
		return true
	}
	return in.OccurredAt.After(existing.OccurredAt)
}

// overlay applies the incoming version on top of the existing one, inheriting
// fields the incoming version does not carry.
func overlay(existing, in model.Order) model.Order {
	merged := in
	if merged.Status == model.StatusUnknown {
		merged.Status = existing.Status
	}
	if merged.TotalAmount <= 0 && existing.TotalAmount > 0 && !in.Authoritative() {
		merged.TotalAmount = existing.TotalAmount
	}
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = existing.CreatedAt
	}
	if merged.MerchantID == "" {
		merged.MerchantID = existing.MerchantID
	}
	if len(merged.RawPayload) == 0 {
		merged.RawPayload = existing.RawPayload
	}
	if merged.OccurredAt.Before(existing.OccurredAt) {
		merged.OccurredAt = existing.OccurredAt
	}
	return merged
}

func ordersEqual(a, b model.Order) bool {
	return a.ID == b.ID &&
		a.MerchantID == b.MerchantID &&
		a.Status == b.Status &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.OccurredAt.Equal(b.OccurredAt) &&
		a.TotalAmount == b.TotalAmount &&
		a.Source == b.Source &&
		bytes.Equal(a.RawPayload, b.RawPayload)
}

// Load replaces the cache contents, used when hydrating from a persisted
// snapshot at startup.
func (c *OrderCache) Load(orders []model.Order) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.orders = make(map[string]model.Order, len(orders))
	for _, o := range orders {
		if o.ID == "" {
			continue
		}
		c.orders[o.ID] = o
	}
}

// Orders returns a copy of the consolidated orders, newest first.
func (c *OrderCache) Orders() []model.Order {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]model.Order, 0, len(c.orders))
	for _, o := range c.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.After(out[j].OccurredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *OrderCache) Get(orderID string) (model.Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[orderID]
	return o, ok
}

func (c *OrderCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.orders)
}
