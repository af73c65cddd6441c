package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"pollenisator/internal/services"
	"pollenisator/pkg/logger"
)

type ToolHandler struct {
	tools  services.ToolMethods
	queue  services.QueueMethods
	logger *logger.Logger
}

func NewToolHandler(tools services.ToolMethods, queue services.QueueMethods) *ToolHandler {
	return &ToolHandler{tools: tools, queue: queue, logger: logger.NewLogger(logrus.InfoLevel)}
}

func (h *ToolHandler) Get(c *gin.Context) {
	tool, err := h.tools.Get(c.Request.Context(), c.Param("pentest"), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "get tool", err)
		return
	}
	c.JSON(http.StatusOK, tool)
}

// Run dispatches a tool to a worker right away, bypassing the queue order.
func (h *ToolHandler) Run(c *gin.Context) {
	engagement, id := c.Param("pentest"), c.Param("id")
	worker, err := h.tools.Dispatch(c.Request.Context(), engagement, id)
	if err != nil {
		respondError(c, h.logger, "run tool", err)
		return
	}
	h.logger.WithFields(logger.Fields{"engagement": engagement, "tool_id": id, "worker": worker}).Info("Tool dispatched")
	c.JSON(http.StatusOK, DispatchResponse{Worker: worker})
}

// Stop asks the worker to stop a tool. With ?force=true the tool is reset
// to ready without waiting for the worker.
func (h *ToolHandler) Stop(c *gin.Context) {
	force, _ := strconv.ParseBool(c.DefaultQuery("force", "false"))
	if err := h.tools.Stop(c.Request.Context(), c.Param("pentest"), c.Param("id"), force); err != nil {
		respondError(c, h.logger, "stop tool", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"res": true})
}

func (h *ToolHandler) Progress(c *gin.Context) {
	progress, err := h.tools.GetProgress(c.Request.Context(), c.Param("pentest"), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "get progress", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"progress": progress})
}

func (h *ToolHandler) CommandLine(c *gin.Context) {
	crafted, err := h.tools.CraftCommandLine(c.Request.Context(), c.Param("pentest"), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "craft command line", err)
		return
	}
	c.JSON(http.StatusOK, crafted)
}

func (h *ToolHandler) MarkAsNotDone(c *gin.Context) {
	if err := h.tools.MarkAsNotDone(c.Request.Context(), c.Param("pentest"), c.Param("id")); err != nil {
		respondError(c, h.logger, "reset tool", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"res": true})
}

func (h *ToolHandler) GetQueue(c *gin.Context) {
	queue, err := h.queue.Get(c.Request.Context(), c.Param("pentest"))
	if err != nil {
		respondError(c, h.logger, "get queue", err)
		return
	}
	if queue == nil {
		queue = []services.QueueEntry{}
	}
	c.JSON(http.StatusOK, queue)
}

func (h *ToolHandler) Queue(c *gin.Context) {
	var req ToolIDsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidPayload(c, h.logger, err)
		return
	}
	added, err := h.queue.Add(c.Request.Context(), c.Param("pentest"), req.Tools)
	if err != nil {
		respondError(c, h.logger, "queue tools", err)
		return
	}
	if added == nil {
		added = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"queued": added})
}

func (h *ToolHandler) Unqueue(c *gin.Context) {
	var req ToolIDsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidPayload(c, h.logger, err)
		return
	}
	n, err := h.queue.Remove(c.Request.Context(), c.Param("pentest"), req.Tools)
	if err != nil {
		respondError(c, h.logger, "unqueue tools", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

func (h *ToolHandler) ClearQueue(c *gin.Context) {
	if err := h.queue.Clear(c.Request.Context(), c.Param("pentest")); err != nil {
		respondError(c, h.logger, "clear queue", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"res": true})
}
