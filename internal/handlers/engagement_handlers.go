package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"pollenisator/internal/services"
	"pollenisator/pkg/logger"
)

type EngagementHandler struct {
	engagements services.EngagementMethods
	archive     services.ArchiveMethods
	autoscan    services.AutoscanMethods
	logger      *logger.Logger
}

func NewEngagementHandler(engagements services.EngagementMethods, archive services.ArchiveMethods, autoscan services.AutoscanMethods) *EngagementHandler {
	return &EngagementHandler{
		engagements: engagements,
		archive:     archive,
		autoscan:    autoscan,
		logger:      logger.NewLogger(logrus.InfoLevel),
	}
}

func (h *EngagementHandler) Create(c *gin.Context) {
	var req services.CreateEngagement
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidPayload(c, h.logger, err)
		return
	}
	eng, err := h.engagements.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, "create engagement", err)
		return
	}
	h.logger.WithFields(logger.Fields{"engagement": eng.UUID, "name": eng.Name}).Info("Engagement created")
	c.JSON(http.StatusOK, eng)
}

func (h *EngagementHandler) List(c *gin.Context) {
	engs, err := h.engagements.List(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "list engagements", err)
		return
	}
	c.JSON(http.StatusOK, engs)
}

func (h *EngagementHandler) Get(c *gin.Context) {
	eng, err := h.engagements.Get(c.Request.Context(), c.Param("pentest"))
	if err != nil {
		respondError(c, h.logger, "get engagement", err)
		return
	}
	c.JSON(http.StatusOK, eng)
}

func (h *EngagementHandler) Delete(c *gin.Context) {
	id := c.Param("pentest")
	if err := h.engagements.Delete(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, "delete engagement", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Engagement deleted successfully", "pentest": id})
}

// MintToken issues a notification token for a client of the engagement.
func (h *EngagementHandler) MintToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidPayload(c, h.logger, err)
		return
	}
	token, err := h.engagements.MintToken(c.Request.Context(), c.Param("pentest"), req.Subject)
	if err != nil {
		respondError(c, h.logger, "mint token", err)
		return
	}
	c.JSON(http.StatusOK, TokenResponse{Token: token.Value, ExpiresAt: token.ExpiresAt.UTC().Format(time.RFC3339)})
}

// Export streams the engagement archive.
func (h *EngagementHandler) Export(c *gin.Context) {
	id := c.Param("pentest")
	if _, err := h.engagements.Get(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, "export engagement", err)
		return
	}
	c.Header("Content-Type", "application/zstd")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".jsonl.zst"))
	c.Status(http.StatusOK)
	if err := h.archive.Export(c.Request.Context(), id, c.Writer); err != nil {
		// headers are gone, the client sees a truncated archive
		h.logger.WithFields(logger.Fields{"engagement": id, "error": err}).Error("Failed to export engagement")
		_ = c.Error(err)
	}
}

// Import restores an uploaded archive. The optional form field "name"
// renames the engagement.
func (h *EngagementHandler) Import(c *gin.Context) {
	fh, err := c.FormFile("upload")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing upload file"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		respondError(c, h.logger, "read archive", err)
		return
	}
	defer f.Close()

	eng, err := h.archive.Import(c.Request.Context(), f, c.PostForm("name"))
	if err != nil {
		respondError(c, h.logger, "import engagement", err)
		return
	}
	c.JSON(http.StatusOK, eng)
}

func (h *EngagementHandler) StartAutoscan(c *gin.Context) {
	id := c.Param("pentest")
	if _, err := h.engagements.Get(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, "start autoscan", err)
		return
	}
	if err := h.autoscan.Start(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, "start autoscan", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": true})
}

func (h *EngagementHandler) StopAutoscan(c *gin.Context) {
	if err := h.autoscan.Stop(c.Request.Context(), c.Param("pentest")); err != nil {
		respondError(c, h.logger, "stop autoscan", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": false})
}

func (h *EngagementHandler) AutoscanStatus(c *gin.Context) {
	status, err := h.autoscan.Status(c.Request.Context(), c.Param("pentest"))
	if err != nil {
		respondError(c, h.logger, "get autoscan status", err)
		return
	}
	c.JSON(http.StatusOK, status)
}
