package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ajitpratap0/tradegate/internal/emergency"
	"github.com/ajitpratap0/tradegate/internal/signal"
)

// Action names the manual emergency transitions
type Action string

const (
	ActionHedge Action = "hedge"
	ActionHalt  Action = "halt"
	ActionKill  Action = "kill"
)

type emergencyRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// actorFor resolves the acting identity: the authenticated actor when auth
// is enabled, otherwise the actor claimed in the body.
func actorFor(c *gin.Context, claimed string) string {
	if actor := authenticatedActor(c); actor != "" {
		return actor
	}
	return claimed
}

// handleEmergencyStatus handles GET /api/v1/emergency
func (s *Server) handleEmergencyStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.emergency.Status())
}

// handleEmergencyAction returns the handler for one manual transition:
// POST /api/v1/emergency/{hedge|halt|kill}
func (s *Server) handleEmergencyAction(action Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req emergencyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, signal.NewError(signal.KindValidation, signal.CodeMissingField,
				"invalid request body: "+err.Error()))
			return
		}

		actor := actorFor(c, req.Actor)
		if actor == "" {
			respondError(c, signal.NewError(signal.KindValidation, signal.CodeMissingField,
				"actor is required"))
			return
		}

		ctx := c.Request.Context()
		var err error
		switch action {
		case ActionHedge:
			err = s.emergency.Hedge(ctx, actor, req.Reason)
		case ActionHalt:
			err = s.emergency.Halt(ctx, actor, req.Reason)
		case ActionKill:
			err = s.emergency.Kill(ctx, actor, req.Reason)
		}
		if err != nil {
			respondEmergencyError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": s.emergency.Status()})
	}
}

// handleEmergencyRestore handles POST /api/v1/emergency/restore. Restoring
// from killed is two-actor: the first call arms, a second distinct owner
// completes.
func (s *Server) handleEmergencyRestore(c *gin.Context) {
	var req emergencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, signal.NewError(signal.KindValidation, signal.CodeMissingField,
			"invalid request body: "+err.Error()))
		return
	}

	actor := actorFor(c, req.Actor)
	if actor == "" {
		respondError(c, signal.NewError(signal.KindValidation, signal.CodeMissingField,
			"actor is required"))
		return
	}

	restored, err := s.emergency.Restore(c.Request.Context(), actor)
	if err != nil {
		respondEmergencyError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"restored": restored,
		"armed":    !restored,
		"status":   s.emergency.Status(),
	})
}

func respondEmergencyError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, emergency.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": errorBody{
			Kind:    signal.KindEmergency.String(),
			Code:    "not_owner",
			Message: err.Error(),
		}})
	case errors.Is(err, emergency.ErrNotActive), errors.Is(err, emergency.ErrSameActor):
		c.JSON(http.StatusConflict, gin.H{"error": errorBody{
			Kind:    signal.KindEmergency.String(),
			Code:    signal.CodeEmergencyActive,
			Message: err.Error(),
		}})
	default:
		respondError(c, err)
	}
}
