package routes

import (
	"github.com/gin-gonic/gin"

	"pollenisator/internal/auth"
	"pollenisator/internal/bus"
	"pollenisator/internal/files"
	"pollenisator/internal/metrics"
	"pollenisator/internal/services"
)

// RouterDeps carries what the HTTP surface needs from the server.
type RouterDeps struct {
	Services *services.Services
	Hub      *bus.Hub
	Metrics  *metrics.Metrics
	Files    *files.Layout
	Tokens   *auth.Registry
}

func InitRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// REST APIs
	api := router.Group("/api")
	{
		InitEngagementRoutes(api, deps)
		InitTargetRoutes(api, deps)
		InitToolRoutes(api, deps)
		InitFileRoutes(api, deps)
		InitWorkerRoutes(api, deps)
	}

	// worker and client sessions
	router.GET("/ws", gin.WrapH(deps.Hub))
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	return router
}
