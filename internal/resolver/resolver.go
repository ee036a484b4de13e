// Package resolver maps delivery-platform merchant ids to owning tenants.
// Bindings are loaded from Postgres and cached in memory; the poller refreshes
// the cache at the start of every cycle so binding changes take effect without
// a restart.
package resolver

import (
	"context"
	"fmt"
	"sync"

	"prato.app/ingest/internal/model"
	"prato.app/ingest/internal/normalize"
	"prato.app/ingest/internal/store"
)

type Resolver struct {
	bindings store.BindingStore

	mu         sync.RWMutex
	all        []model.TenantBinding
	byMerchant map[string][]model.TenantBinding
}

func New(bindings store.BindingStore) *Resolver {
	return &Resolver{
		bindings:   bindings,
		byMerchant: make(map[string][]model.TenantBinding),
	}
}

// Refresh reloads tenant bindings from the store and rebuilds the merchant
// index. Merchant ids are canonicalized so lookups are case-insensitive.
func (r *Resolver) Refresh(ctx context.Context) error {
	bindings, err := r.bindings.List(ctx)
	if err != nil {
		return fmt.Errorf("refreshing tenant bindings: %w", err)
	}

	index := make(map[string][]model.TenantBinding)
	for _, b := range bindings {
		for _, m := range b.MerchantIDs {
			key := normalize.CanonicalMerchantID(m)
			if key == "" {
				continue
			}
			index[key] = append(index[key], b)
		}
	}

	r.mu.Lock()
	r.all = bindings
	r.byMerchant = index
	r.mu.Unlock()
	return nil
}

// Resolve returns every tenant bound to the given merchant. A merchant shared
// by multiple tenants fans out to all of them.
func (r *Resolver) Resolve(merchantID string) []model.TenantBinding {
	key := normalize.CanonicalMerchantID(merchantID)
	if key == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byMerchant[key]
}

// ResolveOrphan handles events carrying no usable merchant id. When the whole
// deployment has exactly one tenant and that tenant has exactly one merchant,
// the event can only belong there; any other topology leaves the event
// unmatched.
func (r *Resolver) ResolveOrphan() (model.TenantBinding, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.all) != 1 || len(r.all[0].MerchantIDs) != 1 {
		return model.TenantBinding{}, "", false
	}
	return r.all[0], r.all[0].MerchantIDs[0], true
}

// Bindings returns all loaded tenant bindings, for poller fanout.
func (r *Resolver) Bindings() []model.TenantBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.TenantBinding, len(r.all))
	copy(out, r.all)
	return out
}
