package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ajitpratap0/tradegate/internal/signal"
	"github.com/ajitpratap0/tradegate/internal/state"
)

// handleListProfiles handles GET /api/v1/profiles
func (s *Server) handleListProfiles(c *gin.Context) {
	ids := s.positions.ProfileIDs()
	c.JSON(http.StatusOK, gin.H{
		"profiles": ids,
		"count":    len(ids),
	})
}

// handleProfileStats handles GET /api/v1/profiles/:profile_id/stats - the
// realized trade summary: win rate, profit factor, drawdown, equity.
func (s *Server) handleProfileStats(c *gin.Context) {
	profileID := c.Param("profile_id")

	stats, err := s.positions.Stats(profileID)
	if err != nil {
		if errors.Is(err, state.ErrProfileNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": errorBody{
				Kind:    signal.KindValidation.String(),
				Code:    signal.CodeProfileUnknown,
				Message: "unknown profile " + profileID,
			}})
			return
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}
