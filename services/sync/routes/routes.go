// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/handlers"
	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/middleware"
)

// SetupRoutes registers the sync service's endpoints on the router.
func SetupRoutes(router *gin.Engine, deps *handlers.Deps, provider middleware.IdentityProvider) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.IdentityMiddleware(provider))
	{
		sessions := v1.Group("/sessions")
		{
			sessions.POST("", handlers.CreateSession(deps))
			sessions.GET("", handlers.ListSessions(deps))
			sessions.GET("/:sessionId", handlers.GetSession(deps))
			sessions.GET("/:sessionId/participants", handlers.GetParticipants(deps))
			sessions.GET("/:sessionId/state", handlers.GetSessionState(deps))
			sessions.POST("/:sessionId/complete", handlers.CompleteSession(deps))
			sessions.GET("/:sessionId/ws", handlers.HandleSessionWebSocket(deps))
			sessions.GET("/:sessionId/resources/:resourceId/history", handlers.GetMutationHistory(deps))
		}
		// Archive administration routes
		archive := v1.Group("/archive")
		{
			archive.GET("/sessions", handlers.ListArchivedSessions(deps))
			archive.GET("/sessions/:sessionId", handlers.GetArchivedSession(deps))
		}
	}
}
