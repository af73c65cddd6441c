package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"pollenisator/internal/models"
	"pollenisator/internal/services"
	"pollenisator/pkg/logger"
)

type WorkerHandler struct {
	workers services.WorkerMethods
	logger  *logger.Logger
}

func NewWorkerHandler(workers services.WorkerMethods) *WorkerHandler {
	return &WorkerHandler{workers: workers, logger: logger.NewLogger(logrus.InfoLevel)}
}

// List returns every worker, or those bound to ?pentest=.
func (h *WorkerHandler) List(c *gin.Context) {
	workers, err := h.workers.List(c.Request.Context(), c.Query("pentest"))
	if err != nil {
		respondError(c, h.logger, "list workers", err)
		return
	}
	if workers == nil {
		workers = []models.Worker{}
	}
	c.JSON(http.StatusOK, workers)
}

// Bind assigns a worker to an engagement; an empty pentest unbinds it.
func (h *WorkerHandler) Bind(c *gin.Context) {
	var req BindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidPayload(c, h.logger, err)
		return
	}
	name := c.Param("name")
	if err := h.workers.Bind(c.Request.Context(), name, req.Pentest); err != nil {
		respondError(c, h.logger, "bind worker", err)
		return
	}
	h.logger.WithFields(logger.Fields{"worker": name, "engagement": req.Pentest}).Info("Worker bound")
	c.JSON(http.StatusOK, gin.H{"res": true})
}

func (h *WorkerHandler) Delete(c *gin.Context) {
	if err := h.workers.Delete(c.Request.Context(), c.Param("name")); err != nil {
		respondError(c, h.logger, "delete worker", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"res": true})
}
