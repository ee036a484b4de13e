package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"prato.app/ingest/internal/evidence"
	"prato.app/ingest/internal/ingest"
)

// EvidenceHandler exports the recent adapter activity trail together with the
// ingestion counters, for homologation audits and support.
type EvidenceHandler struct {
	recorder *evidence.Recorder
	totals   *ingest.Totals
}

func NewEvidenceHandler(recorder *evidence.Recorder, totals *ingest.Totals) *EvidenceHandler {
	return &EvidenceHandler{recorder: recorder, totals: totals}
}

func (h *EvidenceHandler) Handle(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"entries":   h.recorder.Pack(),
		"ingestion": h.totals.Snapshot(),
	})
}
