// Package api exposes the gateway's admin REST surface: signal submission
// over HTTP, decision chain queries, emergency controls, open positions,
// audit export and a websocket decision feed.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/tradegate/internal/audit"
	"github.com/ajitpratap0/tradegate/internal/broker"
	"github.com/ajitpratap0/tradegate/internal/emergency"
	"github.com/ajitpratap0/tradegate/internal/metrics"
	"github.com/ajitpratap0/tradegate/internal/signal"
	"github.com/ajitpratap0/tradegate/internal/state"
)

// Submitter admits signals into the pipeline. The gate implements it; the
// REST path shares the contract with the NATS submission path.
type Submitter interface {
	Submit(ctx context.Context, sig *signal.Signal) (*signal.SubmitResult, error)
}

// EmergencyController is the slice of the emergency controller the admin
// endpoints drive.
type EmergencyController interface {
	Status() emergency.Status
	Hedge(ctx context.Context, actor, reason string) error
	Halt(ctx context.Context, actor, reason string) error
	Kill(ctx context.Context, actor, reason string) error
	Restore(ctx context.Context, actor string) (bool, error)
}

// PositionSource lists open positions and realized statistics per profile.
// The state store implements it.
type PositionSource interface {
	ProfileIDs() []string
	ListOpen(ctx context.Context, profileID string) ([]*broker.Position, error)
	Stats(profileID string) (*state.TradingStats, error)
}

// HealthChecker reports backing-store health for the health endpoint
type HealthChecker interface {
	Health(ctx context.Context) error
}

// SubmitTimeout bounds one REST submission end to end
const SubmitTimeout = 10 * time.Second

// Server represents the admin REST API server
type Server struct {
	router    *gin.Engine
	addr      string
	server    *http.Server
	hub       *Hub
	gate      Submitter
	auditLog  audit.Log
	exporter  *audit.Exporter
	emergency EmergencyController
	positions PositionSource
	health    HealthChecker
}

// Config contains server configuration
type Config struct {
	Host      string
	Port      int
	Auth      AuthConfig
	Gate      Submitter
	Audit     audit.Log
	Exporter  *audit.Exporter
	Emergency EmergencyController
	Positions PositionSource
	Health    HealthChecker
}

// NewServer creates a new API server. The websocket hub starts immediately;
// the HTTP listener starts on Start.
func NewServer(config Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)

	server := &Server{
		router:    router,
		addr:      addr,
		hub:       NewHub(),
		gate:      config.Gate,
		auditLog:  config.Audit,
		exporter:  config.Exporter,
		emergency: config.Emergency,
		positions: config.Positions,
		health:    config.Health,
	}

	server.setupRoutes(config.Auth)
	go server.hub.run()

	return server
}

// Hub returns the decision feed hub so the caller can wire event sources
// into it.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Stop gracefully stops the HTTP server and closes the decision feed
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping API server")

	s.hub.Close()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}

	return nil
}

// LoggerMiddleware is a custom logging middleware for Gin
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		clientIP := c.ClientIP()
		method := c.Request.Method

		// Route template, not the raw path, keeps the metric cardinality bounded
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordAPIRequest(method, route, strconv.Itoa(statusCode), float64(latency.Milliseconds()))

		logEvent := log.Info().
			Str("method", method).
			Str("path", path).
			Str("query", query).
			Int("status", statusCode).
			Dur("latency", latency).
			Str("client_ip", clientIP)

		if len(c.Errors) > 0 {
			logEvent.Str("errors", c.Errors.String())
		}

		logEvent.Msg("API request")
	}
}
