package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"pollenisator/internal/models"
	"pollenisator/internal/services"
	"pollenisator/internal/store"
	"pollenisator/pkg/logger"
)

type TargetHandler struct {
	targets services.TargetMethods
	defects services.DefectMethods
	logger  *logger.Logger
}

func NewTargetHandler(targets services.TargetMethods, defects services.DefectMethods) *TargetHandler {
	return &TargetHandler{targets: targets, defects: defects, logger: logger.NewLogger(logrus.InfoLevel)}
}

// respondInsert answers a creation. A duplicate is a 409 carrying the id of
// the document already stored.
func respondInsert(c *gin.Context, res models.InsertResult) {
	status := http.StatusOK
	if !res.Res {
		status = http.StatusConflict
	}
	c.JSON(status, InsertResponse{Res: res.Res, IID: res.IID})
}

// Create adds an entity of the kind named in the path. Defects go through
// the defect service to keep the global ordering.
func (h *TargetHandler) Create(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		invalidPayload(c, h.logger, err)
		return
	}
	engagement, kind := c.Param("pentest"), c.Param("kind")

	var (
		res models.InsertResult
		err error
	)
	if kind == models.EntityDefect {
		var d models.Defect
		if err := store.Decode(store.Document(body), &d); err != nil {
			invalidPayload(c, h.logger, err)
			return
		}
		res, err = h.defects.Add(c.Request.Context(), engagement, &d)
	} else {
		res, err = h.targets.Create(c.Request.Context(), engagement, kind, body)
	}
	if err != nil {
		respondError(c, h.logger, "create "+kind, err)
		return
	}
	respondInsert(c, res)
}

func (h *TargetHandler) AddInterval(c *gin.Context) {
	var req IntervalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidPayload(c, h.logger, err)
		return
	}
	res, err := h.targets.AddInterval(c.Request.Context(), c.Param("pentest"), req.Wave, req.Dated, req.Datef)
	if err != nil {
		respondError(c, h.logger, "add interval", err)
		return
	}
	respondInsert(c, res)
}

func (h *TargetHandler) UpdatePortService(c *gin.Context) {
	var req ServiceUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidPayload(c, h.logger, err)
		return
	}
	if err := h.targets.UpdatePortService(c.Request.Context(), c.Param("pentest"), c.Param("id"), req.Service, req.Product); err != nil {
		respondError(c, h.logger, "update port service", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"res": true})
}

func (h *TargetHandler) Delete(c *gin.Context) {
	if err := h.targets.Delete(c.Request.Context(), c.Param("pentest"), c.Param("collection"), c.Param("id")); err != nil {
		respondError(c, h.logger, "delete document", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"res": true})
}

// List returns the documents of a collection. Query string parameters are
// equality filters.
func (h *TargetHandler) List(c *gin.Context) {
	filter := store.Filter{}
	for key, values := range c.Request.URL.Query() {
		if len(values) == 1 {
			filter[key] = values[0]
		} else {
			filter[key] = store.InStrings(values)
		}
	}
	docs, err := h.targets.List(c.Request.Context(), c.Param("pentest"), c.Param("collection"), filter)
	if err != nil {
		respondError(c, h.logger, "list documents", err)
		return
	}
	if docs == nil {
		docs = []store.Document{}
	}
	c.JSON(http.StatusOK, docs)
}

func (h *TargetHandler) GlobalDefects(c *gin.Context) {
	defects, err := h.defects.ListGlobal(c.Request.Context(), c.Param("pentest"))
	if err != nil {
		respondError(c, h.logger, "list defects", err)
		return
	}
	c.JSON(http.StatusOK, defects)
}
