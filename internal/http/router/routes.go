package router

import (
	"github.com/gin-gonic/gin"

	"prato.app/ingest/internal/http/handler"
)

type Handlers struct {
	Webhook  *handler.WebhookHandler
	Health   *handler.HealthHandler
	Evidence *handler.EvidenceHandler
}

func SetupRoutes(r *gin.Engine, h Handlers) {
	r.GET("/api/health", h.Health.Handle)

	ifood := r.Group("/api/ifood")
	{
		ifood.POST("/webhook", h.Webhook.HandleEvent)
		ifood.GET("/evidence-pack", h.Evidence.Handle)
	}
}
