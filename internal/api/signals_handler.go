package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ajitpratap0/tradegate/internal/signal"
)

// handleSubmitSignal handles POST /api/v1/signals. The reply carries the
// same contract as the NATS submission path: accepted, chain_id, and a
// reason when the signal was refused.
func (s *Server) handleSubmitSignal(c *gin.Context) {
	var sig signal.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		respondError(c, signal.NewError(signal.KindValidation, signal.CodeMissingField,
			"invalid signal payload: "+err.Error()))
		return
	}
	if sig.SubmittedAt.IsZero() {
		sig.SubmittedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), SubmitTimeout)
	defer cancel()

	result, err := s.gate.Submit(ctx, &sig)
	if err != nil {
		respondError(c, err)
		return
	}

	if result.Accepted {
		c.JSON(http.StatusAccepted, result)
		return
	}
	c.JSON(http.StatusOK, result)
}
