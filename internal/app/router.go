package app

import (
	"gzctf_core/pkg/monitoring"

	"github.com/gin-gonic/gin"
)

func (a *App) registerRoutes(router *gin.Engine, c *controllers) {
	router.GET("/metrics", monitoring.PrometheusHandler())
	router.GET("/health", c.health.HealthCheck)

	api := router.Group("/api")
	{
		api.GET("/health", c.health.HealthCheck)
		api.GET("/game/:id/scoreboard", c.scoreboard.GetScoreboard)
	}
}
