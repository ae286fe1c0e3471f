package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ajitpratap0/tradegate/internal/audit"
	"github.com/ajitpratap0/tradegate/internal/provenance"
	"github.com/ajitpratap0/tradegate/internal/signal"
)

// handleGetChain handles GET /api/v1/chains/:signal_id. The idempotency
// key is (profile_id, signal_id), so profile_id rides as a query param.
func (s *Server) handleGetChain(c *gin.Context) {
	signalID := c.Param("signal_id")
	profileID := c.Query("profile_id")
	if profileID == "" {
		respondError(c, signal.NewError(signal.KindValidation, signal.CodeMissingField,
			"profile_id query parameter is required"))
		return
	}

	chain, err := s.auditLog.GetChainBySignal(c.Request.Context(), profileID, signalID)
	if err != nil {
		if errors.Is(err, audit.ErrChainNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": errorBody{
				Kind:    signal.KindValidation.String(),
				Code:    "chain_not_found",
				Message: "no chain for this profile and signal",
			}})
			return
		}
		respondError(c, signal.WrapError(signal.KindTransient, signal.CodeStoreUnavailable,
			"failed to load chain", err))
		return
	}

	c.JSON(http.StatusOK, chain)
}

// handleQueryChains handles GET /api/v1/chains with filter query params:
// from, to (RFC3339), profile_id, outcome, node_type (comma-separated),
// actor, limit, offset.
func (s *Server) handleQueryChains(c *gin.Context) {
	filter, err := filterFromQuery(c)
	if err != nil {
		respondError(c, err)
		return
	}

	page, err := s.auditLog.Query(c.Request.Context(), filter)
	if err != nil {
		respondError(c, signal.WrapError(signal.KindTransient, signal.CodeStoreUnavailable,
			"chain query failed", err))
		return
	}

	c.JSON(http.StatusOK, page)
}

func filterFromQuery(c *gin.Context) (*provenance.Filter, error) {
	filter := &provenance.Filter{
		ProfileID: c.Query("profile_id"),
		Actor:     c.Query("actor"),
	}

	var err error
	if filter.From, err = parseTimeParam(c, "from"); err != nil {
		return nil, err
	}
	if filter.To, err = parseTimeParam(c, "to"); err != nil {
		return nil, err
	}

	for _, raw := range splitParam(c.Query("outcome")) {
		filter.Outcomes = append(filter.Outcomes, provenance.Outcome(raw))
	}
	for _, raw := range splitParam(c.Query("node_type")) {
		filter.NodeTypes = append(filter.NodeTypes, provenance.NodeType(raw))
	}

	if filter.Limit, err = parseIntParam(c, "limit"); err != nil {
		return nil, err
	}
	if filter.Offset, err = parseIntParam(c, "offset"); err != nil {
		return nil, err
	}

	filter.Normalize()
	return filter, nil
}

func parseTimeParam(c *gin.Context, name string) (time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, signal.NewError(signal.KindValidation, signal.CodeMissingField,
			name+" must be RFC3339")
	}
	return t, nil
}

func parseIntParam(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, signal.NewError(signal.KindValidation, signal.CodeMissingField,
			name+" must be an integer")
	}
	return n, nil
}

func splitParam(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
