package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "pollenisator/pkg/errors"
	"pollenisator/pkg/logger"
)

// statusFor maps a service error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrConflict),
		errors.Is(err, apperrors.ErrInvalidTransition),
		errors.Is(err, apperrors.ErrStrayResult):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, apperrors.ErrRPCTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, apperrors.ErrWorkerUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the error body for err. Conflicts on creation carry
// the id of the existing document. Internal errors are logged and hidden
// behind "Failed to <action>".
func respondError(c *gin.Context, log *logger.Logger, action string, err error) {
	status := statusFor(err)

	var conflict *apperrors.ConflictError
	if errors.As(err, &conflict) {
		c.JSON(status, gin.H{"res": false, "iid": conflict.ExistingID})
		return
	}
	if status == http.StatusInternalServerError {
		log.WithFields(logger.Fields{"error": err, "path": c.FullPath()}).Error("Failed to " + action)
		c.JSON(status, gin.H{"error": "Failed to " + action})
		return
	}
	log.WithFields(logger.Fields{"error": err, "path": c.FullPath(), "status": status}).Debug("Request rejected")
	c.JSON(status, gin.H{"error": err.Error()})
}

func invalidPayload(c *gin.Context, log *logger.Logger, err error) {
	log.WithFields(logger.Fields{"error": err}).Error("Failed to bind JSON")
	c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload"})
}
