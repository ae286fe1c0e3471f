package api

// setupRoutes configures all API routes
func (s *Server) setupRoutes(auth AuthConfig) {
	v1 := s.router.Group("/api/v1")
	v1.Use(AuthMiddleware(auth))
	{
		v1.POST("/signals", s.handleSubmitSignal)

		chains := v1.Group("/chains")
		{
			chains.GET("", s.handleQueryChains)
			chains.GET("/:signal_id", s.handleGetChain)
		}

		em := v1.Group("/emergency")
		{
			em.GET("", s.handleEmergencyStatus)
			em.POST("/hedge", s.handleEmergencyAction(ActionHedge))
			em.POST("/halt", s.handleEmergencyAction(ActionHalt))
			em.POST("/kill", s.handleEmergencyAction(ActionKill))
			em.POST("/restore", s.handleEmergencyRestore)
		}

		v1.GET("/positions", s.handleListPositions)
		profiles := v1.Group("/profiles")
		{
			profiles.GET("", s.handleListProfiles)
			profiles.GET("/:profile_id/stats", s.handleProfileStats)
		}
		v1.GET("/export", s.handleExport)
		v1.GET("/status", s.handleGetStatus)
	}

	// The health probe and the decision feed stay outside the auth
	// boundary: probes carry no credentials and the feed is read-only.
	s.router.GET("/health", s.handleGetHealth)
	s.router.GET("/ws", s.handleWebSocket)
	s.router.GET("/", s.handleRoot)
}
