package routes

import (
	"github.com/gin-gonic/gin"

	"pollenisator/internal/handlers"
)

func InitWorkerRoutes(router *gin.RouterGroup, deps RouterDeps) {
	h := handlers.NewWorkerHandler(deps.Services.Workers)

	workerRoutes := router.Group("/workers")
	{
		workerRoutes.GET("", h.List)
		workerRoutes.PUT("/:name/bind", h.Bind)
		workerRoutes.DELETE("/:name", h.Delete)
	}
}
