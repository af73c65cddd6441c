package routes

import (
	"github.com/gin-gonic/gin"

	"pollenisator/internal/handlers"
)

func InitEngagementRoutes(router *gin.RouterGroup, deps RouterDeps) {
	svc := deps.Services
	h := handlers.NewEngagementHandler(svc.Engagements, svc.Archive, svc.Autoscan)

	engagementRoutes := router.Group("/engagements")
	{
		engagementRoutes.POST("", h.Create)
		engagementRoutes.GET("", h.List)
		engagementRoutes.POST("/import", h.Import)
		engagementRoutes.GET("/:pentest", h.Get)
		engagementRoutes.DELETE("/:pentest", h.Delete)
		engagementRoutes.GET("/:pentest/export", h.Export)
		engagementRoutes.POST("/:pentest/token", h.MintToken)
		engagementRoutes.POST("/:pentest/autoscan/start", h.StartAutoscan)
		engagementRoutes.POST("/:pentest/autoscan/stop", h.StopAutoscan)
		engagementRoutes.GET("/:pentest/autoscan/status", h.AutoscanStatus)
	}
}
