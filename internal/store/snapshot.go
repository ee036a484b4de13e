package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"prato.app/ingest/core/db"
	"prato.app/ingest/internal/model"
)

// SnapshotStore persists the consolidated per-merchant order state so a
// restarted process can serve dashboards before the first poll completes.
type SnapshotStore interface {
	Save(ctx context.Context, snap model.OrderSnapshot) error
	Get(ctx context.Context, tenantID int64, merchantID string) (*model.OrderSnapshot, error)
	ListByTenant(ctx context.Context, tenantID int64) ([]model.OrderSnapshot, error)
}

type pgSnapshotStore struct {
	db *db.DB
}

const saveSnapshotQuery = `
INSERT INTO order_snapshots (tenant_id, merchant_id, orders, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (tenant_id, merchant_id)
DO UPDATE SET orders = EXCLUDED.orders, updated_at = EXCLUDED.updated_at`

func (s *pgSnapshotStore) Save(ctx context.Context, snap model.OrderSnapshot) error {
	orders, err := json.Marshal(snap.Orders)
	if err != nil {
		return fmt.Errorf("encoding order snapshot: %w", err)
	}

	_, err = s.db.Pool().Exec(ctx, saveSnapshotQuery, snap.TenantID, snap.MerchantID, orders, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving order snapshot: %w", err)
	}
	return nil
}

const getSnapshotQuery = `
SELECT tenant_id, merchant_id, orders, updated_at
FROM order_snapshots
WHERE tenant_id = $1 AND merchant_id = $2`

func (s *pgSnapshotStore) Get(ctx context.Context, tenantID int64, merchantID string) (*model.OrderSnapshot, error) {
	var (
		snap   model.OrderSnapshot
		orders []byte
	)
	err := s.db.Pool().QueryRow(ctx, getSnapshotQuery, tenantID, merchantID).
		Scan(&snap.TenantID, &snap.MerchantID, &orders, &snap.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting order snapshot: %w", err)
	}

	if err := json.Unmarshal(orders, &snap.Orders); err != nil {
		return nil, fmt.Errorf("decoding order snapshot: %w", err)
	}
	return &snap, nil
}

const listSnapshotsQuery = `
SELECT tenant_id, merchant_id, orders, updated_at
FROM order_snapshots
WHERE tenant_id = $1
ORDER BY merchant_id`

func (s *pgSnapshotStore) ListByTenant(ctx context.Context, tenantID int64) ([]model.OrderSnapshot, error) {
	rows, err := s.db.Pool().Query(ctx, listSnapshotsQuery, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing order snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []model.OrderSnapshot
	for rows.Next() {
		var (
			snap   model.OrderSnapshot
			orders []byte
		)
		if err := rows.Scan(&snap.TenantID, &snap.MerchantID, &orders, &snap.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning order snapshot: %w", err)
		}
		if err := json.Unmarshal(orders, &snap.Orders); err != nil {
			return nil, fmt.Errorf("decoding order snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing order snapshots: %w", err)
	}
	return snaps, nil
}
