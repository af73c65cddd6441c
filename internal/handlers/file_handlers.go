package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"pollenisator/internal/auth"
	"pollenisator/internal/files"
	"pollenisator/internal/services"
	apperrors "pollenisator/pkg/errors"
	"pollenisator/pkg/logger"
)

// FileHandler receives tool results and free artifacts.
type FileHandler struct {
	ingest services.IngestionMethods
	files  *files.Layout
	tokens TokenValidator
	logger *logger.Logger
}

func NewFileHandler(ingest services.IngestionMethods, layout *files.Layout, tokens TokenValidator) *FileHandler {
	return &FileHandler{ingest: ingest, files: layout, tokens: tokens, logger: logger.NewLogger(logrus.InfoLevel)}
}

// uploader resolves the bearer token of a worker upload. Requests without
// a token come from an operator and yield an empty name.
func (h *FileHandler) uploader(c *gin.Context, engagement string) (string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", nil
	}
	value, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || h.tokens == nil {
		return "", apperrors.ErrAuth
	}
	token, err := h.tokens.Validate(value, engagement)
	if err != nil {
		return "", err
	}
	if token.Scope != auth.ScopeWorker {
		return "", nil
	}
	return token.Subject, nil
}

func (h *FileHandler) ingestUpload(c *gin.Context, up services.Upload) {
	fh, err := c.FormFile("upload")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing upload file"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		respondError(c, h.logger, "read upload", err)
		return
	}
	defer f.Close()

	up.Filename = fh.Filename
	up.Content = f
	res, err := h.ingest.Ingest(c.Request.Context(), up)
	if err != nil {
		respondError(c, h.logger, "ingest result", err)
		return
	}
	// plugin failures are recorded on the tool, the upload itself succeeded
	c.JSON(http.StatusOK, res)
}

// UploadResult ingests the result file of a tool.
func (h *FileHandler) UploadResult(c *gin.Context) {
	engagement := c.Param("pentest")
	worker, err := h.uploader(c, engagement)
	if err != nil {
		respondError(c, h.logger, "authenticate upload", err)
		return
	}
	h.ingestUpload(c, services.Upload{Engagement: engagement, ToolID: c.Param("id"), Worker: worker})
}

// ImportResult ingests a result produced outside the server. The form field
// "plugin" forces a parser.
func (h *FileHandler) ImportResult(c *gin.Context) {
	h.ingestUpload(c, services.Upload{Engagement: c.Param("pentest"), Plugin: c.PostForm("plugin")})
}

// UploadFile stores a proof or a free file for a target.
func (h *FileHandler) UploadFile(c *gin.Context) {
	fh, err := c.FormFile("upload")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing upload file"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		respondError(c, h.logger, "read upload", err)
		return
	}
	defer f.Close()

	engagement, kind, target := c.Param("pentest"), c.Param("kind"), c.Param("target")
	path, err := h.files.Save(engagement, kind, target, fh.Filename, f)
	if err != nil {
		respondError(c, h.logger, "store file", err)
		return
	}
	h.logger.WithFields(logger.Fields{"engagement": engagement, "kind": kind, "target": target, "file": fh.Filename}).Info("File stored")
	c.JSON(http.StatusOK, gin.H{"res": true, "name": pathBase(path)})
}

func (h *FileHandler) ListFiles(c *gin.Context) {
	names, err := h.files.List(c.Param("pentest"), c.Param("kind"), c.Param("target"))
	if err != nil {
		respondError(c, h.logger, "list files", err)
		return
	}
	if names == nil {
		names = []string{}
	}
	c.JSON(http.StatusOK, names)
}

func (h *FileHandler) Download(c *gin.Context) {
	name := c.Param("name")
	f, err := h.files.Open(c.Param("pentest"), c.Param("kind"), c.Param("target"), name)
	if err != nil {
		respondError(c, h.logger, "open file", err)
		return
	}
	defer f.Close()

	c.Header("Content-Disposition", "attachment; filename=\""+pathBase(name)+"\"")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, f); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		h.logger.WithFields(logger.Fields{"file": name, "error": err}).Warn("Download interrupted")
	}
}

func pathBase(p string) string {
	if i := strings.LastIndexAny(p, "/\\"); i >= 0 {
		return p[i+1:]
	}
	return p
}
