// Package notify invalidates cached dashboard views and broadcasts change
// notifications over Redis after a merge alters a merchant's order state.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ChangeChannel carries one message per changed (tenant, merchant) pair.
// Dashboard processes subscribe to it to refresh their views.
const ChangeChannel = "prato:orders:changed"

// ChangeMessage is the pub/sub payload.
type ChangeMessage struct {
	TenantID   int64     `json:"tenant_id"`
	MerchantID string    `json:"merchant_id"`
	ChangedAt  time.Time `json:"changed_at"`
}

// Notifier publishes change notifications and drops stale cache entries.
// A nil Notifier is valid and does nothing, so callers need no special
// handling when Redis is not configured.
type Notifier struct {
	client *redis.Client
	logger *slog.Logger
}

func New(redisURL string, logger *slog.Logger) (*Notifier, error) {
	if redisURL == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return &Notifier{client: redis.NewClient(opts), logger: logger}, nil
}

func (n *Notifier) Close() error {
	if n == nil {
		return nil
	}
	return n.client.Close()
}

func (n *Notifier) Ping(ctx context.Context) error {
	if n == nil {
		return nil
	}
	return n.client.Ping(ctx).Err()
}

func ordersKey(tenantID int64, merchantID string) string {
	return fmt.Sprintf("prato:orders:%d:%s", tenantID, merchantID)
}

func metricsKey(tenantID int64, merchantID string) string {
	return fmt.Sprintf("prato:metrics:%d:%s", tenantID, merchantID)
}

// OrdersChanged drops the cached order and metric views for the merchant and
// publishes a change message. Failures are logged, not returned: the ingest
// path must not stall because a cache server is down, and subscribers recover
// on their next full read anyway.
func (n *Notifier) OrdersChanged(ctx context.Context, tenantID int64, merchantID string) {
	if n == nil {
		return
	}

	if err := n.client.Del(ctx, ordersKey(tenantID, merchantID), metricsKey(tenantID, merchantID)).Err(); err != nil {
		n.logger.WarnContext(ctx, "cache invalidation failed",
			"error", err,
			"tenant_id", tenantID,
			"merchant_id", merchantID,
		)
	}

	msg, err := json.Marshal(ChangeMessage{
		TenantID:   tenantID,
		MerchantID: merchantID,
		ChangedAt:  time.Now().UTC(),
	})
	if err != nil {
		return
	}

	if err := n.client.Publish(ctx, ChangeChannel, msg).Err(); err != nil {
		n.logger.WarnContext(ctx, "change publication failed",
			"error", err,
			"tenant_id", tenantID,
			"merchant_id", merchantID,
		)
	}
}
