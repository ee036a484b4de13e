package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"prato.app/ingest/common/logger"
	"prato.app/ingest/core/config"
	"prato.app/ingest/internal/ingest"
)

const (
	signatureHeader = "X-Ifood-Signature"
	tokenHeader     = "X-Webhook-Token"
)

// WebhookIngestor is the pipeline surface the webhook handler needs.
type WebhookIngestor interface {
	IngestWebhook(ctx context.Context, body []byte) (ingest.BatchResult, error)
}

type WebhookHandler struct {
	cfg      config.WebhookConfig
	ingestor WebhookIngestor
}

func NewWebhookHandler(cfg config.WebhookConfig, ingestor WebhookIngestor) *WebhookHandler {
	return &WebhookHandler{cfg: cfg, ingestor: ingestor}
}

// HandleEvent receives one webhook delivery. Authenticity is checked before
// anything touches the pipeline: a signature or token mismatch is the caller's
// problem (401), a missing verification setup is ours (503).
func (h *WebhookHandler) HandleEvent(c *gin.Context) {
	ctx := logger.WithLogFields(c.Request.Context(), logger.LogFields{
		EventSource: logger.Ptr("webhook"),
		Component:   "http.webhook",
	})

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	if !h.cfg.Configured() {
		slog.ErrorContext(ctx, "webhook delivery rejected: no verification method configured")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "webhook_not_configured"})
		return
	}

	if reason, ok := h.verify(c, body); !ok {
		slog.WarnContext(ctx, "webhook delivery rejected", "reason", reason)
		c.JSON(http.StatusUnauthorized, gin.H{"error": reason})
		return
	}

	result, err := h.ingestor.IngestWebhook(ctx, body)
	if err != nil {
		slog.WarnContext(ctx, "invalid webhook payload", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	slog.InfoContext(ctx, "webhook batch processed",
		"received", result.Received,
		"processed", result.Processed,
		"deduplicated", result.Deduplicated,
		"unmatched", result.UnmatchedEvents,
	)

	c.JSON(http.StatusAccepted, result)
}

func (h *WebhookHandler) verify(c *gin.Context, body []byte) (string, bool) {
	switch {
	case h.cfg.Secret != "":
		sig := c.GetHeader(signatureHeader)
		if sig == "" {
			return "missing_signature", false
		}
		mac := hmac.New(sha256.New, []byte(h.cfg.Secret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(strings.ToLower(sig)), []byte(expected)) {
			return "invalid_signature", false
		}
		return "", true

	case h.cfg.Token != "":
		token := c.GetHeader(tokenHeader)
		if token == "" {
			token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if token == "" {
			return "missing_token", false
		}
		if subtleEqual(token, h.cfg.Token) {
			return "", true
		}
		return "invalid_token", false

	default:
		// AllowUnsigned; Configured() already excluded the empty case.
		return "", true
	}
}

func subtleEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
