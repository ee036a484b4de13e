package resolver_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"prato.app/ingest/internal/model"
	"prato.app/ingest/internal/resolver"
)

type fakeBindingStore struct {
	bindings []model.TenantBinding
	err      error
}

func (f *fakeBindingStore) List(ctx context.Context) ([]model.TenantBinding, error) {
	return f.bindings, f.err
}

func (f *fakeBindingStore) GetByTenant(ctx context.Context, tenantID int64) (*model.TenantBinding, error) {
	for _, b := range f.bindings {
		if b.TenantID == tenantID {
			return &b, nil
		}
	}
	return nil, errors.New("not found")
}

var _ = Describe("Resolver", func() {
	var (
		bindings *fakeBindingStore
		r        *resolver.Resolver
	)

	BeforeEach(func() {
		bindings = &fakeBindingStore{
			bindings: []model.TenantBinding{
				{TenantID: 1, MerchantIDs: []string{"Merchant-A"}},
				{TenantID: 2, MerchantIDs: []string{"merchant-b", "merchant-c"}},
				{TenantID: 3, MerchantIDs: []string{"merchant-c"}},
			},
		}
		r = resolver.New(bindings)
		Expect(r.Refresh(context.Background())).To(Succeed())
	})

	Describe("Resolve", func() {
		It("finds the owning tenant regardless of merchant id casing", func() {
			matched := r.Resolve("MERCHANT-A")
			Expect(matched).To(HaveLen(1))
			Expect(matched[0].TenantID).To(Equal(int64(1)))
		})

		It("fans out to every tenant sharing a merchant", func() {
			matched := r.Resolve("merchant-c")
			Expect(matched).To(HaveLen(2))
			Expect([]int64{matched[0].TenantID, matched[1].TenantID}).To(ConsistOf(int64(2), int64(3)))
		})

		It("returns nothing for unknown or empty merchant ids", func() {
			Expect(r.Resolve("merchant-x")).To(BeEmpty())
			Expect(r.Resolve("")).To(BeEmpty())
		})
	})

	Describe("ResolveOrphan", func() {
		It("refuses to guess when multiple tenants exist", func() {
			_, _, ok := r.ResolveOrphan()
			Expect(ok).To(BeFalse())
		})

		It("routes to the only tenant when it has exactly one merchant", func() {
			bindings.bindings = []model.TenantBinding{
				{TenantID: 7, MerchantIDs: []string{"merchant-solo"}},
			}
			Expect(r.Refresh(context.Background())).To(Succeed())

			binding, merchant, ok := r.ResolveOrphan()
			Expect(ok).To(BeTrue())
			Expect(binding.TenantID).To(Equal(int64(7)))
			Expect(merchant).To(Equal("merchant-solo"))
		})

		It("refuses to guess when the only tenant has several merchants", func() {
			bindings.bindings = []model.TenantBinding{
				{TenantID: 7, MerchantIDs: []string{"merchant-a", "merchant-b"}},
			}
			Expect(r.Refresh(context.Background())).To(Succeed())

			_, _, ok := r.ResolveOrphan()
			Expect(ok).To(BeFalse())
		})
	})

	Describe("Refresh", func() {
		It("propagates store failures and keeps the previous index", func() {
			bindings.err = errors.New("connection refused")
			Expect(r.Refresh(context.Background())).To(HaveOccurred())
			Expect(r.Resolve("merchant-a")).To(HaveLen(1))
		})
	})
})
