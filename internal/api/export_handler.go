package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ajitpratap0/tradegate/internal/signal"
)

// handleExport handles GET /api/v1/export?from=&to= (RFC3339). The bundle
// carries every chain sealed in the range, the positions they opened, and
// a manifest with per-chain integrity results.
func (s *Server) handleExport(c *gin.Context) {
	from, err := parseTimeParam(c, "from")
	if err != nil {
		respondError(c, err)
		return
	}
	to, err := parseTimeParam(c, "to")
	if err != nil {
		respondError(c, err)
		return
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}

	bundle, err := s.exporter.Export(c.Request.Context(), from, to)
	if err != nil {
		respondError(c, signal.WrapError(signal.KindTransient, signal.CodeStoreUnavailable,
			"export failed", err))
		return
	}

	c.JSON(http.StatusOK, bundle)
}
