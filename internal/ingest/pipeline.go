// Package ingest orchestrates the event pipeline: merchant grouping, tenant
// resolution, order detail enrichment, dedup and merge, metric recomputation,
// snapshot persistence, and cache invalidation.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"prato.app/ingest/common/logger"
	"prato.app/ingest/internal/evidence"
	"prato.app/ingest/internal/metrics"
	"prato.app/ingest/internal/model"
	"prato.app/ingest/internal/normalize"
	"prato.app/ingest/internal/notify"
	"prato.app/ingest/internal/resolver"
	"prato.app/ingest/internal/state"
	"prato.app/ingest/internal/store"
	"prato.app/ingest/internal/upstream"
)

// DetailFetcher fetches the authoritative order document. Satisfied by
// *upstream.Client; nil disables detail enrichment entirely.
type DetailFetcher interface {
	OrderDetail(ctx context.Context, creds model.Credentials, orderID string) (json.RawMessage, error)
}

// BatchResult is the per-delivery accounting returned to webhook callers and
// logged for poll cycles.
type BatchResult struct {
	Received        int `json:"received"`
	Processed       int `json:"processed"`
	Deduplicated    int `json:"deduplicated"`
	OrdersPersisted int `json:"orders_persisted"`
	OrdersCached    int `json:"orders_cached"`
	OrdersUpdated   int `json:"orders_updated"`
	UnmatchedEvents int `json:"unmatched_events"`
	OrgsChanged     int `json:"orgs_changed"`
	Errors          int `json:"errors"`
}

type Pipeline struct {
	resolver  *resolver.Resolver
	registry  *state.Registry
	snapshots store.SnapshotStore
	detail    DetailFetcher
	notifier  *notify.Notifier
	recorder  *evidence.Recorder
	logger    *slog.Logger
	totals    *Totals

	mu     sync.RWMutex
	latest map[string]model.MerchantMetrics
}

type Options struct {
	Resolver  *resolver.Resolver
	Registry  *state.Registry
	Snapshots store.SnapshotStore
	Detail    DetailFetcher
	Notifier  *notify.Notifier
	Recorder  *evidence.Recorder
	Logger    *slog.Logger
}

func New(opts Options) *Pipeline {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		resolver:  opts.Resolver,
		registry:  opts.Registry,
		snapshots: opts.Snapshots,
		detail:    opts.Detail,
		notifier:  opts.Notifier,
		recorder:  opts.Recorder,
		logger:    log,
		totals:    &Totals{},
		latest:    make(map[string]model.MerchantMetrics),
	}
}

func (p *Pipeline) Totals() *Totals {
	return p.totals
}

// Metrics returns the last computed summary for a merchant.
func (p *Pipeline) Metrics(tenantID int64, merchantID string) (model.MerchantMetrics, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.latest[metricsKey(tenantID, merchantID)]
	return m, ok
}

func metricsKey(tenantID int64, merchantID string) string {
	return fmt.Sprintf("%d/%s", tenantID, normalize.CanonicalMerchantID(merchantID))
}

// IngestWebhook processes one webhook delivery body. The top-level merchantId
// of an envelope propagates as a hint to events that carry no merchant of
// their own, matching how the upstream batches per-merchant deliveries.
func (p *Pipeline) IngestWebhook(ctx context.Context, body []byte) (BatchResult, error) {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return BatchResult{}, fmt.Errorf("decoding webhook body: %w", err)
	}

	var hint string
	if envelope, ok := payload.(map[string]any); ok {
		hint = normalize.MerchantID(envelope)
	}

	raws := normalize.EventsFromPayload(payload)
	events := make([]model.Event, 0, len(raws))
	for _, raw := range raws {
		events = append(events, normalize.Event(raw))
	}

	res := p.ingest(ctx, events, hint, model.SourceWebhook, nil)

	if p.recorder != nil {
		p.recorder.Record(evidence.KindWebhook, 0, map[string]any{
			"received":  res.Received,
			"processed": res.Processed,
			"unmatched": res.UnmatchedEvents,
		})
	}
	return res, nil
}

// IngestPolled processes events pulled with one tenant's credentials. No
// tenant resolution happens: possession of the credentials already scopes the
// events to the binding.
func (p *Pipeline) IngestPolled(ctx context.Context, binding model.TenantBinding, raws []json.RawMessage) BatchResult {
	events := make([]model.Event, 0, len(raws))
	for _, raw := range raws {
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			continue
		}
		events = append(events, normalize.Event(obj))
	}

	return p.ingest(ctx, events, "", model.SourcePoller, &binding)
}

func (p *Pipeline) ingest(ctx context.Context, events []model.Event, hint string, source model.OrderSource, fixed *model.TenantBinding) BatchResult {
	var res BatchResult
	res.Received = len(events)
	defer func() { p.totals.add(res) }()

	if len(events) == 0 {
		return res
	}

	if hint != "" {
		for i := range events {
			if events[i].MerchantID == "" {
				events[i].MerchantID = normalize.CanonicalMerchantID(hint)
			}
		}
	}

	byMerchant := make(map[string][]model.Event)
	for _, ev := range events {
		if ev.OrderID == "" {
			// Degraded dedup key: no id anywhere in the event. The composite
			// is stable only within one delivery, which is the best available.
			ev.OrderID = syntheticOrderID(ev)
		}
		key := normalize.CanonicalMerchantID(ev.MerchantID)
		byMerchant[key] = append(byMerchant[key], ev)
	}

	// Events without a merchant id can still be routed when the topology
	// leaves only one possible home.
	if orphans, ok := byMerchant[""]; ok {
		delete(byMerchant, "")
		merchant, routed := p.routeOrphans(fixed)
		if routed {
			for i := range orphans {
				orphans[i].MerchantID = merchant
			}
			byMerchant[merchant] = append(byMerchant[merchant], orphans...)
		} else {
			res.UnmatchedEvents += len(orphans)
		}
	}

	for merchant, group := range byMerchant {
		bindings := p.bindingsFor(merchant, fixed)
		if len(bindings) == 0 {
			res.UnmatchedEvents += len(group)
			continue
		}

		changed := false
		for _, binding := range bindings {
			ctx := logger.WithLogFields(ctx, logger.LogFields{
				TenantID:   logger.Ptr(binding.TenantID),
				MerchantID: logger.Ptr(merchant),
				Component:  "ingest.pipeline",
			})

			orders := p.buildOrders(ctx, binding, group, source, &res)
			cache := p.registry.Tenant(binding.TenantID).Cache(merchant)
			merged := cache.Merge(orders)

			res.OrdersCached += merged.New
			res.OrdersUpdated += merged.Updated
			if !merged.Changed() {
				continue
			}
			changed = true
			res.OrgsChanged++

			p.afterChange(ctx, binding.TenantID, merchant, cache, &res)
		}

		if changed {
			res.Processed += len(group)
		} else {
			res.Deduplicated += len(group)
		}
	}

	return res
}

func (p *Pipeline) routeOrphans(fixed *model.TenantBinding) (string, bool) {
	if fixed != nil {
		if len(fixed.MerchantIDs) == 1 {
			return normalize.CanonicalMerchantID(fixed.MerchantIDs[0]), true
		}
		return "", false
	}
	if p.resolver == nil {
		return "", false
	}
	if _, merchant, ok := p.resolver.ResolveOrphan(); ok {
		return normalize.CanonicalMerchantID(merchant), true
	}
	return "", false
}

func (p *Pipeline) bindingsFor(merchant string, fixed *model.TenantBinding) []model.TenantBinding {
	if fixed != nil {
		return []model.TenantBinding{*fixed}
	}
	if p.resolver == nil {
		return nil
	}
	return p.resolver.Resolve(merchant)
}

const syntheticPrefix = "degraded:"

// syntheticOrderID builds the timestamp+status composite used when an event
// carries no id at all. Never sent upstream.
func syntheticOrderID(ev model.Event) string {
	return syntheticPrefix + ev.OccurredAt.UTC().Format(time.RFC3339Nano) + ":" + ev.RawStatus
}

// buildOrders converts a merchant's event group into orders, keeping only the
// newest event per order and upgrading each to the authoritative detail
// document when the endpoint is available for this tenant.
func (p *Pipeline) buildOrders(ctx context.Context, binding model.TenantBinding, group []model.Event, source model.OrderSource, res *BatchResult) []model.Order {
	latest := make(map[string]model.Event, len(group))
	keys := make([]string, 0, len(group))
	for _, ev := range group {
		prev, seen := latest[ev.OrderID]
		if !seen {
			keys = append(keys, ev.OrderID)
			latest[ev.OrderID] = ev
			continue
		}
		if ev.OccurredAt.After(prev.OccurredAt) {
			latest[ev.OrderID] = ev
		}
	}

	tenant := p.registry.Tenant(binding.TenantID)
	orders := make([]model.Order, 0, len(latest))
	for _, id := range keys {
		ev := latest[id]
		if o, ok := p.fetchDetail(ctx, binding, tenant, ev, res); ok {
			orders = append(orders, o)
			continue
		}
		orders = append(orders, orderFromEvent(ev, source))
	}
	return orders
}

func (p *Pipeline) fetchDetail(ctx context.Context, binding model.TenantBinding, tenant *state.TenantState, ev model.Event, res *BatchResult) (model.Order, bool) {
	if p.detail == nil || tenant.DetailDisabled() {
		return model.Order{}, false
	}
	if strings.HasPrefix(ev.OrderID, syntheticPrefix) {
		return model.Order{}, false
	}

	doc, err := p.detail.OrderDetail(ctx, binding.Credentials, ev.OrderID)
	if err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			// A confirmed 404 means the detail route is not available for
			// this tenant's scope; stop asking until restart instead of
			// hitting a dead endpoint once per order.
			tenant.DisableDetail()
			p.logger.WarnContext(ctx, "order detail route unavailable, running on event data", "error", err)
			if p.recorder != nil {
				p.recorder.Record(evidence.KindDetail, binding.TenantID, map[string]any{
					"disabled": true,
					"error":    err.Error(),
				})
			}
			return model.Order{}, false
		}

		res.Errors++
		p.logger.WarnContext(ctx, "order detail lookup failed", "error", err, "order_id", ev.OrderID)
		return model.Order{}, false
	}

	var payload map[string]any
	if err := json.Unmarshal(doc, &payload); err != nil {
		return model.Order{}, false
	}

	o := normalize.Order(payload, model.SourceDetail)
	if o.ID == "" {
		o.ID = ev.OrderID
	}
	if o.MerchantID == "" {
		o.MerchantID = ev.MerchantID
	}
	if o.OccurredAt.IsZero() {
		o.OccurredAt = ev.OccurredAt
	}
	if o.Status == model.StatusUnknown {
		o.Status = normalize.Status(ev.RawStatus)
	}
	return o, true
}

func orderFromEvent(ev model.Event, source model.OrderSource) model.Order {
	var payload map[string]any
	_ = json.Unmarshal(ev.Payload, &payload)

	created := normalize.Timestamp(payload)
	return model.Order{
		ID:          ev.OrderID,
		MerchantID:  ev.MerchantID,
		Status:      normalize.Status(ev.RawStatus),
		CreatedAt:   created,
		OccurredAt:  ev.OccurredAt,
		TotalAmount: normalize.Amount(payload),
		Source:      source,
		RawPayload:  ev.Payload,
	}
}

// afterChange runs the post-merge fanout for one changed merchant: metric
// recomputation, snapshot persistence, cache invalidation.
func (p *Pipeline) afterChange(ctx context.Context, tenantID int64, merchant string, cache *state.OrderCache, res *BatchResult) {
	orders := cache.Orders()

	m := metrics.Compute(orders)
	p.mu.Lock()
	p.latest[metricsKey(tenantID, merchant)] = m
	p.mu.Unlock()

	if p.snapshots != nil {
		snap := model.OrderSnapshot{
			TenantID:   tenantID,
			MerchantID: merchant,
			Orders:     orders,
			UpdatedAt:  time.Now().UTC(),
		}
		if err := p.snapshots.Save(ctx, snap); err != nil {
			res.Errors++
			p.logger.ErrorContext(ctx, "snapshot persistence failed", "error", err)
		} else {
			res.OrdersPersisted += len(orders)
		}
	}

	p.notifier.OrdersChanged(ctx, tenantID, merchant)
}

// Hydrate reloads persisted snapshots into the in-memory caches, so a
// restarted process serves consolidated state before the first poll.
func (p *Pipeline) Hydrate(ctx context.Context, bindings []model.TenantBinding) error {
	if p.snapshots == nil {
		return nil
	}

	for _, binding := range bindings {
		snaps, err := p.snapshots.ListByTenant(ctx, binding.TenantID)
		if err != nil {
			return fmt.Errorf("hydrating tenant %d: %w", binding.TenantID, err)
		}
		for _, snap := range snaps {
			cache := p.registry.Tenant(snap.TenantID).Cache(snap.MerchantID)
			cache.Load(snap.Orders)

			p.mu.Lock()
			p.latest[metricsKey(snap.TenantID, snap.MerchantID)] = metrics.Compute(cache.Orders())
			p.mu.Unlock()
		}
	}
	return nil
}
