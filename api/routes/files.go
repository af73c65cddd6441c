package routes

import (
	"github.com/gin-gonic/gin"

	"pollenisator/internal/handlers"
)

func InitFileRoutes(router *gin.RouterGroup, deps RouterDeps) {
	var tokens handlers.TokenValidator
	if deps.Tokens != nil {
		tokens = deps.Tokens
	}
	h := handlers.NewFileHandler(deps.Services.Ingest, deps.Files, tokens)

	fileRoutes := router.Group("/engagements/:pentest")
	{
		fileRoutes.POST("/tools/:id/result", h.UploadResult)
		fileRoutes.POST("/import", h.ImportResult)
		fileRoutes.POST("/files/:kind/:target", h.UploadFile)
		fileRoutes.GET("/files/:kind/:target", h.ListFiles)
		fileRoutes.GET("/files/:kind/:target/:name", h.Download)
	}
}
