package routes

import (
	"github.com/gin-gonic/gin"

	"pollenisator/internal/handlers"
)

func InitToolRoutes(router *gin.RouterGroup, deps RouterDeps) {
	h := handlers.NewToolHandler(deps.Services.Tools, deps.Services.Queue)

	queueRoutes := router.Group("/engagements/:pentest/queue")
	{
		queueRoutes.GET("", h.GetQueue)
		queueRoutes.POST("", h.Queue)
		queueRoutes.DELETE("", h.ClearQueue)
		queueRoutes.POST("/remove", h.Unqueue)
	}

	toolRoutes := router.Group("/engagements/:pentest/tools/:id")
	{
		toolRoutes.GET("", h.Get)
		toolRoutes.POST("/run", h.Run)
		toolRoutes.POST("/stop", h.Stop)
		toolRoutes.GET("/progress", h.Progress)
		toolRoutes.GET("/cmdline", h.CommandLine)
		toolRoutes.POST("/notdone", h.MarkAsNotDone)
	}
}
