package routes

import (
	"github.com/gin-gonic/gin"

	"pollenisator/internal/handlers"
)

func InitTargetRoutes(router *gin.RouterGroup, deps RouterDeps) {
	h := handlers.NewTargetHandler(deps.Services.Targets, deps.Services.Defects)

	targetRoutes := router.Group("/engagements/:pentest")
	{
		targetRoutes.POST("/entities/:kind", h.Create)
		targetRoutes.POST("/intervals", h.AddInterval)
		targetRoutes.PUT("/ports/:id/service", h.UpdatePortService)
		targetRoutes.GET("/collections/:collection", h.List)
		targetRoutes.DELETE("/collections/:collection/:id", h.Delete)
		targetRoutes.GET("/defects/global", h.GlobalDefects)
	}
}
