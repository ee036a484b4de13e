package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"prato.app/ingest/internal/ingest"
	"prato.app/ingest/internal/model"
	"prato.app/ingest/internal/resolver"
	"prato.app/ingest/internal/state"
	"prato.app/ingest/internal/upstream"
)

type fakeBindingStore struct {
	bindings []model.TenantBinding
}

func (f *fakeBindingStore) List(ctx context.Context) ([]model.TenantBinding, error) {
	return f.bindings, nil
}

func (f *fakeBindingStore) GetByTenant(ctx context.Context, tenantID int64) (*model.TenantBinding, error) {
	return nil, errors.New("not found")
}

type fakeSnapshotStore struct {
	mu    sync.Mutex
	saved []model.OrderSnapshot
	err   error
	byTen map[int64][]model.OrderSnapshot
}

func (f *fakeSnapshotStore) Save(ctx context.Context, snap model.OrderSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, snap)
	return nil
}

func (f *fakeSnapshotStore) Get(ctx context.Context, tenantID int64, merchantID string) (*model.OrderSnapshot, error) {
	return nil, errors.New("not found")
}

func (f *fakeSnapshotStore) ListByTenant(ctx context.Context, tenantID int64) ([]model.OrderSnapshot, error) {
	return f.byTen[tenantID], nil
}

type fakeDetailFetcher struct {
	mu      sync.Mutex
	docs    map[string]map[string]any
	err     error
	missErr error
	calls   int
}

func (f *fakeDetailFetcher) OrderDetail(ctx context.Context, creds model.Credentials, orderID string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	doc, ok := f.docs[orderID]
	if !ok {
		if f.missErr != nil {
			return nil, f.missErr
		}
		return nil, upstream.ErrNotFound
	}
	raw, _ := json.Marshal(doc)
	return raw, nil
}

func webhookBody(events ...map[string]any) []byte {
	body, _ := json.Marshal(map[string]any{"events": events})
	return body
}

var _ = Describe("Pipeline", func() {
	var (
		bindings  *fakeBindingStore
		snapshots *fakeSnapshotStore
		detail    *fakeDetailFetcher
		registry  *state.Registry
		res       *resolver.Resolver
		pipeline  *ingest.Pipeline
		ctx       context.Context
	)

	newPipeline := func() *ingest.Pipeline {
		opts := ingest.Options{
			Resolver:  res,
			Registry:  registry,
			Snapshots: snapshots,
		}
		if detail != nil {
			opts.Detail = detail
		}
		return ingest.New(opts)
	}

	BeforeEach(func() {
		ctx = context.Background()
		bindings = &fakeBindingStore{
			bindings: []model.TenantBinding{
				{TenantID: 1, Credentials: model.Credentials{ClientID: "c-1"}, MerchantIDs: []string{"m-1"}},
			},
		}
		snapshots = &fakeSnapshotStore{byTen: map[int64][]model.OrderSnapshot{}}
		detail = nil
		registry = state.NewRegistry()
		res = resolver.New(bindings)
		Expect(res.Refresh(ctx)).To(Succeed())
		pipeline = nil
	})

	JustBeforeEach(func() {
		if pipeline == nil {
			pipeline = newPipeline()
		}
	})

	Describe("IngestWebhook", func() {
		It("merges events into the owning tenant's cache and persists a snapshot", func() {
			body := webhookBody(
				map[string]any{"id": "ev-1", "orderId": "o-1", "merchantId": "m-1", "fullCode": "CONFIRMED", "createdAt": "2026-03-01T12:00:00Z"},
				map[string]any{"id": "ev-2", "orderId": "o-2", "merchantId": "m-1", "fullCode": "PLACED", "createdAt": "2026-03-01T12:01:00Z"},
			)

			batch, err := pipeline.IngestWebhook(ctx, body)
			Expect(err).NotTo(HaveOccurred())

			Expect(batch.Received).To(Equal(2))
			Expect(batch.Processed).To(Equal(2))
			Expect(batch.OrdersCached).To(Equal(2))
			Expect(batch.OrgsChanged).To(Equal(1))
			Expect(batch.UnmatchedEvents).To(BeZero())

			cache := registry.Tenant(1).Cache("m-1")
			Expect(cache.Len()).To(Equal(2))

			Expect(snapshots.saved).To(HaveLen(1))
			Expect(snapshots.saved[0].MerchantID).To(Equal("m-1"))
			Expect(snapshots.saved[0].Orders).To(HaveLen(2))
			Expect(batch.OrdersPersisted).To(Equal(2))
		})

		It("deduplicates a redelivered body", func() {
			body := webhookBody(
				map[string]any{"id": "ev-1", "orderId": "o-1", "merchantId": "m-1", "fullCode": "CONFIRMED", "createdAt": "2026-03-01T12:00:00Z"},
			)

			first, err := pipeline.IngestWebhook(ctx, body)
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Processed).To(Equal(1))

			second, err := pipeline.IngestWebhook(ctx, body)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Processed).To(BeZero())
			Expect(second.Deduplicated).To(Equal(1))
			Expect(second.OrgsChanged).To(BeZero())
			Expect(snapshots.saved).To(HaveLen(1))
		})

		It("propagates a top-level merchant hint to events missing one", func() {
			body, _ := json.Marshal(map[string]any{
				"merchantId": "M-1",
				"events": []map[string]any{
					{"id": "ev-1", "orderId": "o-1", "fullCode": "CONFIRMED", "createdAt": "2026-03-01T12:00:00Z"},
				},
			})

			batch, err := pipeline.IngestWebhook(ctx, body)
			Expect(err).NotTo(HaveOccurred())
			Expect(batch.Processed).To(Equal(1))
			Expect(registry.Tenant(1).Cache("m-1").Len()).To(Equal(1))
		})

		It("counts events for unknown merchants as unmatched", func() {
			body := webhookBody(
				map[string]any{"id": "ev-1", "orderId": "o-1", "merchantId": "m-x", "fullCode": "CONFIRMED"},
			)

			batch, err := pipeline.IngestWebhook(ctx, body)
			Expect(err).NotTo(HaveOccurred())
			Expect(batch.UnmatchedEvents).To(Equal(1))
			Expect(batch.Processed).To(BeZero())
		})

		It("routes merchant-less events when only one home exists", func() {
			body := webhookBody(
				map[string]any{"id": "ev-1", "orderId": "o-1", "fullCode": "CONFIRMED", "createdAt": "2026-03-01T12:00:00Z"},
			)

			batch, err := pipeline.IngestWebhook(ctx, body)
			Expect(err).NotTo(HaveOccurred())
			Expect(batch.Processed).To(Equal(1))
			Expect(registry.Tenant(1).Cache("m-1").Len()).To(Equal(1))
		})

		It("leaves merchant-less events unmatched when several tenants exist", func() {
			bindings.bindings = append(bindings.bindings, model.TenantBinding{
				TenantID: 2, MerchantIDs: []string{"m-2"},
			})
			Expect(res.Refresh(ctx)).To(Succeed())

			body := webhookBody(
				map[string]any{"id": "ev-1", "orderId": "o-1", "fullCode": "CONFIRMED"},
			)

			batch, err := pipeline.IngestWebhook(ctx, body)
			Expect(err).NotTo(HaveOccurred())
			Expect(batch.UnmatchedEvents).To(Equal(1))
		})

		It("fans a shared merchant out to every bound tenant", func() {
			bindings.bindings = []model.TenantBinding{
				{TenantID: 1, MerchantIDs: []string{"m-1"}},
				{TenantID: 2, MerchantIDs: []string{"m-1"}},
			}
			Expect(res.Refresh(ctx)).To(Succeed())

			body := webhookBody(
				map[string]any{"id": "ev-1", "orderId": "o-1", "merchantId": "m-1", "fullCode": "CONFIRMED", "createdAt": "2026-03-01T12:00:00Z"},
			)

			batch, err := pipeline.IngestWebhook(ctx, body)
			Expect(err).NotTo(HaveOccurred())
			Expect(batch.OrgsChanged).To(Equal(2))
			Expect(registry.Tenant(1).Cache("m-1").Len()).To(Equal(1))
			Expect(registry.Tenant(2).Cache("m-1").Len()).To(Equal(1))
		})

		It("uses the event's own id as the order reference when no orderId exists", func() {
			body := webhookBody(
				map[string]any{"id": "ev-1", "merchantId": "m-1", "fullCode": "CONFIRMED", "createdAt": "2026-03-01T12:00:00Z"},
			)

			batch, err := pipeline.IngestWebhook(ctx, body)
			Expect(err).NotTo(HaveOccurred())
			Expect(batch.Processed).To(Equal(1))

			_, ok := registry.Tenant(1).Cache("m-1").Get("ev-1")
			Expect(ok).To(BeTrue())
		})

		It("still merges a fully id-less event under a composite key", func() {
			body := webhookBody(
				map[string]any{"merchantId": "m-1", "fullCode": "CONFIRMED", "createdAt": "2026-03-01T12:00:00Z"},
			)

			batch, err := pipeline.IngestWebhook(ctx, body)
			Expect(err).NotTo(HaveOccurred())
			Expect(batch.Processed).To(Equal(1))
			Expect(registry.Tenant(1).Cache("m-1").Len()).To(Equal(1))
		})

		It("rejects a non-JSON body", func() {
			_, err := pipeline.IngestWebhook(ctx, []byte("not json"))
			Expect(err).To(HaveOccurred())
		})

		It("counts snapshot persistence failures without dropping the merge", func() {
			snapshots.err = errors.New("connection refused")
			body := webhookBody(
				map[string]any{"id": "ev-1", "orderId": "o-1", "merchantId": "m-1", "fullCode": "CONFIRMED", "createdAt": "2026-03-01T12:00:00Z"},
			)

			batch, err := pipeline.IngestWebhook(ctx, body)
			Expect(err).NotTo(HaveOccurred())
			Expect(batch.Errors).To(Equal(1))
			Expect(batch.OrdersPersisted).To(BeZero())
			Expect(registry.Tenant(1).Cache("m-1").Len()).To(Equal(1))
		})
	})

	Describe("detail enrichment", func() {
		BeforeEach(func() {
			detail = &fakeDetailFetcher{
				docs: map[string]map[string]any{
					"o-1": {
						"id":          "o-1",
						"merchantId":  "m-1",
						"orderStatus": "CONCLUDED",
						"totalPrice":  52.0,
						"createdAt":   "2026-03-01T12:02:00Z",
					},
				},
			}
		})

		It("replaces an event-derived order with the authoritative detail", func() {
			webhook := webhookBody(
				map[string]any{"id": "ev-1", "orderId": "o-1", "merchantId": "m-1", "fullCode": "CONFIRMED", "totalPrice": 50.0, "createdAt": "2026-03-01T12:00:00Z"},
			)
			_, err := pipeline.IngestWebhook(ctx, webhook)
			Expect(err).NotTo(HaveOccurred())

			order, ok := registry.Tenant(1).Cache("m-1").Get("o-1")
			Expect(ok).To(BeTrue())
			Expect(order.Status).To(Equal(model.StatusConcluded))
			Expect(order.TotalAmount).To(Equal(52.0))
			Expect(order.Source).To(Equal(model.SourceDetail))
		})

		It("disables the detail route for the tenant after a confirmed 404", func() {
			webhook := webhookBody(
				map[string]any{"id": "ev-2", "orderId": "o-9", "merchantId": "m-1", "fullCode": "CONFIRMED", "totalPrice": 40.0, "createdAt": "2026-03-01T12:00:00Z"},
			)
			_, err := pipeline.IngestWebhook(ctx, webhook)
			Expect(err).NotTo(HaveOccurred())

			order, ok := registry.Tenant(1).Cache("m-1").Get("o-9")
			Expect(ok).To(BeTrue())
			Expect(order.Source).To(Equal(model.SourceWebhook))
			Expect(order.TotalAmount).To(Equal(40.0))
			Expect(registry.Tenant(1).DetailDisabled()).To(BeTrue())

			// The flag short-circuits further lookups.
			_, err = pipeline.IngestWebhook(ctx, webhook)
			Expect(err).NotTo(HaveOccurred())
			Expect(detail.calls).To(Equal(1))
		})

		It("falls back without disabling on a transient failure", func() {
			detail.err = errors.New("upstream timeout")

			webhook := webhookBody(
				map[string]any{"id": "ev-1", "orderId": "o-1", "merchantId": "m-1", "fullCode": "CONFIRMED", "createdAt": "2026-03-01T12:00:00Z"},
				map[string]any{"id": "ev-2", "orderId": "o-2", "merchantId": "m-1", "fullCode": "PLACED", "createdAt": "2026-03-01T12:01:00Z"},
			)
			batch, err := pipeline.IngestWebhook(ctx, webhook)
			Expect(err).NotTo(HaveOccurred())
			Expect(batch.OrdersCached).To(Equal(2))
			Expect(batch.Errors).To(Equal(2))

			Expect(detail.calls).To(Equal(2))
			Expect(registry.Tenant(1).DetailDisabled()).To(BeFalse())
		})
	})

	Describe("IngestPolled", func() {
		It("scopes events to the polled tenant without resolution", func() {
			raw, _ := json.Marshal(map[string]any{
				"id": "ev-1", "orderId": "o-1", "merchantId": "m-1", "fullCode": "CFM", "createdAt": "2026-03-01T12:00:00Z",
			})

			batch := pipeline.IngestPolled(ctx, bindings.bindings[0], []json.RawMessage{raw})
			Expect(batch.Processed).To(Equal(1))

			order, ok := registry.Tenant(1).Cache("m-1").Get("o-1")
			Expect(ok).To(BeTrue())
			Expect(order.Status).To(Equal(model.StatusConfirmed))
			Expect(order.Source).To(Equal(model.SourcePoller))
		})

		It("assigns merchant-less polled events to a single-merchant binding", func() {
			raw, _ := json.Marshal(map[string]any{
				"id": "ev-1", "orderId": "o-1", "fullCode": "PLC", "createdAt": "2026-03-01T12:00:00Z",
			})

			batch := pipeline.IngestPolled(ctx, bindings.bindings[0], []json.RawMessage{raw})
			Expect(batch.Processed).To(Equal(1))
			Expect(registry.Tenant(1).Cache("m-1").Len()).To(Equal(1))
		})
	})

	Describe("consolidation across adapters", func() {
		BeforeEach(func() {
			detail = &fakeDetailFetcher{
				docs:    map[string]map[string]any{},
				missErr: errors.New("upstream timeout"),
			}
		})

		It("ends at the detail-resolved order after webhook then poll", func() {
			webhook := webhookBody(
				map[string]any{"id": "ev-1", "orderId": "o-1", "merchantId": "m-1", "fullCode": "CONFIRMED", "totalPrice": 50.0, "createdAt": "2026-03-01T12:00:01Z"},
			)
			_, err := pipeline.IngestWebhook(ctx, webhook)
			Expect(err).NotTo(HaveOccurred())

			detail.mu.Lock()
			detail.docs["o-1"] = map[string]any{
				"id": "o-1", "merchantId": "m-1", "orderStatus": "CONCLUDED", "totalPrice": 52.0, "createdAt": "2026-03-01T12:00:02Z",
			}
			detail.mu.Unlock()

			raw, _ := json.Marshal(map[string]any{
				"id": "ev-2", "orderId": "o-1", "merchantId": "m-1", "fullCode": "CON", "createdAt": "2026-03-01T12:00:02Z",
			})
			batch := pipeline.IngestPolled(ctx, bindings.bindings[0], []json.RawMessage{raw})
			Expect(batch.OrdersUpdated).To(Equal(1))

			order, _ := registry.Tenant(1).Cache("m-1").Get("o-1")
			Expect(order.Status).To(Equal(model.StatusConcluded))
			Expect(order.TotalAmount).To(Equal(52.0))
			Expect(order.Source).To(Equal(model.SourceDetail))

			m, ok := pipeline.Metrics(1, "m-1")
			Expect(ok).To(BeTrue())
			Expect(m.GrossRevenue).To(Equal(52.0))
			Expect(m.RevenueOrderCount).To(Equal(1))
		})
	})

	Describe("Hydrate", func() {
		It("reloads persisted snapshots and recomputes metrics", func() {
			snapshots.byTen[1] = []model.OrderSnapshot{{
				TenantID:   1,
				MerchantID: "m-1",
				Orders: []model.Order{
					{ID: "o-1", MerchantID: "m-1", Status: model.StatusConcluded, TotalAmount: 30},
				},
			}}

			Expect(pipeline.Hydrate(ctx, bindings.bindings)).To(Succeed())

			Expect(registry.Tenant(1).Cache("m-1").Len()).To(Equal(1))
			m, ok := pipeline.Metrics(1, "m-1")
			Expect(ok).To(BeTrue())
			Expect(m.GrossRevenue).To(Equal(30.0))
		})
	})

	Describe("Totals", func() {
		It("accumulates across batches", func() {
			for i := 0; i < 3; i++ {
				body := webhookBody(
					map[string]any{"id": fmt.Sprintf("ev-%d", i), "orderId": fmt.Sprintf("o-%d", i), "merchantId": "m-1", "fullCode": "CONFIRMED", "createdAt": "2026-03-01T12:00:00Z"},
				)
				_, err := pipeline.IngestWebhook(ctx, body)
				Expect(err).NotTo(HaveOccurred())
			}

			snap := pipeline.Totals().Snapshot()
			Expect(snap.Received).To(Equal(int64(3)))
			Expect(snap.Batches).To(Equal(int64(3)))
			Expect(snap.LastBatchAt).NotTo(BeNil())
		})
	})
})
