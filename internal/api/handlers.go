package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ajitpratap0/tradegate/internal/signal"
)

var startTime = time.Now()

// errorBody is the uniform error shape: taxonomy kind, stable machine
// code, human message, and the chain id when one exists.
type errorBody struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
	ChainID string `json:"chain_id,omitempty"`
}

// kindToStatus maps a taxonomy kind to an HTTP status
func kindToStatus(kind signal.Kind) int {
	switch kind {
	case signal.KindValidation:
		return http.StatusBadRequest
	case signal.KindDuplicate:
		return http.StatusConflict
	case signal.KindGateBlocked, signal.KindRiskRejected:
		return http.StatusUnprocessableEntity
	case signal.KindEmergency:
		return http.StatusConflict
	case signal.KindTransient:
		return http.StatusServiceUnavailable
	case signal.KindBrokerRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError classifies err through the taxonomy and writes the uniform
// error shape.
func respondError(c *gin.Context, err error) {
	serr := signal.AsError(err)
	c.JSON(kindToStatus(serr.Kind), gin.H{"error": errorBody{
		Kind:    serr.Kind.String(),
		Code:    serr.Code,
		Message: serr.Message,
		ChainID: serr.ChainID,
	}})
}

// handleRoot handles GET / - API information
func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "tradegate",
		"version": "1.0.0",
		"status":  "running",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleGetHealth handles GET /health - liveness and store reachability
func (s *Server) handleGetHealth(c *gin.Context) {
	health := gin.H{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}

	if s.health != nil {
		if err := s.health.Health(c.Request.Context()); err != nil {
			health["status"] = "unhealthy"
			health["database"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, health)
			return
		}
		health["database"] = "ok"
	}

	c.JSON(http.StatusOK, health)
}

// handleGetStatus handles GET /api/v1/status - runtime and gateway state
func (s *Server) handleGetStatus(c *gin.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := gin.H{
		"uptime_seconds": int(time.Since(startTime).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"memory": gin.H{
			"alloc_mb":       toMB(m.Alloc),
			"total_alloc_mb": toMB(m.TotalAlloc),
			"sys_mb":         toMB(m.Sys),
			"num_gc":         m.NumGC,
		},
	}

	if s.emergency != nil {
		status["emergency"] = s.emergency.Status()
	}
	if s.positions != nil {
		status["profiles"] = len(s.positions.ProfileIDs())
	}
	status["feed_clients"] = s.hub.ClientCount()

	c.JSON(http.StatusOK, status)
}

// toMB converts bytes to megabytes
func toMB(b uint64) uint64 {
	return b / 1024 / 1024
}
