package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"prato.app/ingest/core/db"
	"prato.app/ingest/internal/model"
)

// BindingStore provides access to tenant credential and merchant bindings.
type BindingStore interface {
	List(ctx context.Context) ([]model.TenantBinding, error)
	GetByTenant(ctx context.Context, tenantID int64) (*model.TenantBinding, error)
}

type pgBindingStore struct {
	db *db.DB
}

const listBindingsQuery = `
SELECT t.id, t.ifood_client_id, t.ifood_client_secret,
       COALESCE(array_agg(tm.merchant_id) FILTER (WHERE tm.merchant_id IS NOT NULL), '{}')
FROM tenants t
LEFT JOIN tenant_merchants tm ON tm.tenant_id = t.id
GROUP BY t.id
ORDER BY t.id`

func (s *pgBindingStore) List(ctx context.Context) ([]model.TenantBinding, error) {
	rows, err := s.db.Pool().Query(ctx, listBindingsQuery)
	if err != nil {
		return nil, fmt.Errorf("listing tenant bindings: %w", err)
	}
	defer rows.Close()

	var bindings []model.TenantBinding
	for rows.Next() {
		var b model.TenantBinding
		if err := rows.Scan(&b.TenantID, &b.Credentials.ClientID, &b.Credentials.ClientSecret, &b.MerchantIDs); err != nil {
			return nil, fmt.Errorf("scanning tenant binding: %w", err)
		}
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing tenant bindings: %w", err)
	}
	return bindings, nil
}

const getBindingQuery = `
SELECT t.id, t.ifood_client_id, t.ifood_client_secret,
       COALESCE(array_agg(tm.merchant_id) FILTER (WHERE tm.merchant_id IS NOT NULL), '{}')
FROM tenants t
LEFT JOIN tenant_merchants tm ON tm.tenant_id = t.id
WHERE t.id = $1
GROUP BY t.id`

func (s *pgBindingStore) GetByTenant(ctx context.Context, tenantID int64) (*model.TenantBinding, error) {
	var b model.TenantBinding
	err := s.db.Pool().QueryRow(ctx, getBindingQuery, tenantID).
		Scan(&b.TenantID, &b.Credentials.ClientID, &b.Credentials.ClientSecret, &b.MerchantIDs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting tenant binding: %w", err)
	}
	return &b, nil
}
