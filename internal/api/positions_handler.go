package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ajitpratap0/tradegate/internal/broker"
	"github.com/ajitpratap0/tradegate/internal/signal"
)

// handleListPositions handles GET /api/v1/positions. Without a profile_id
// query param it lists open positions across every profile.
func (s *Server) handleListPositions(c *gin.Context) {
	ctx := c.Request.Context()

	profiles := s.positions.ProfileIDs()
	if profileID := c.Query("profile_id"); profileID != "" {
		profiles = []string{profileID}
	}

	positions := []*broker.Position{}
	for _, profileID := range profiles {
		open, err := s.positions.ListOpen(ctx, profileID)
		if err != nil {
			respondError(c, signal.WrapError(signal.KindTransient, signal.CodeStoreUnavailable,
				"failed to list positions", err))
			return
		}
		positions = append(positions, open...)
	}

	c.JSON(http.StatusOK, gin.H{
		"positions": positions,
		"count":     len(positions),
	})
}
