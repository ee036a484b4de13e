package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"prato.app/ingest/core/config"
	"prato.app/ingest/internal/ingest"
)

// Pinger is a reachability probe; satisfied by *db.DB and *notify.Notifier.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	db      Pinger
	cache   Pinger
	totals  *ingest.Totals
	webhook config.WebhookConfig
	poller  config.PollerConfig
	started time.Time
}

func NewHealthHandler(db, cache Pinger, totals *ingest.Totals, webhook config.WebhookConfig, poller config.PollerConfig) *HealthHandler {
	return &HealthHandler{
		db:      db,
		cache:   cache,
		totals:  totals,
		webhook: webhook,
		poller:  poller,
		started: time.Now(),
	}
}

func (h *HealthHandler) Handle(c *gin.Context) {
	ctx := c.Request.Context()

	status := "ok"
	components := gin.H{}

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			status = "degraded"
			components["database"] = gin.H{"status": "down", "error": err.Error()}
		} else {
			components["database"] = gin.H{"status": "ok"}
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			status = "degraded"
			components["cache"] = gin.H{"status": "down", "error": err.Error()}
		} else {
			components["cache"] = gin.H{"status": "ok"}
		}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":            status,
		"uptime_seconds":    int64(time.Since(h.started).Seconds()),
		"webhook_auth_mode": h.webhook.AuthMode(),
		"poller": gin.H{
			"enabled":          h.poller.Enabled,
			"interval_seconds": int64(h.poller.Interval.Seconds()),
		},
		"ingestion":  h.totals.Snapshot(),
		"components": components,
	})
}
