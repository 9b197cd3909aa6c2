package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"scotty/internal/errdefs"
	"scotty/internal/logging"
)

// statusOf maps the error taxonomy to HTTP status codes. This is the
// only place the mapping exists.
func statusOf(err error) int {
	switch errdefs.KindOf(err) {
	case errdefs.KindNotFound:
		return http.StatusNotFound
	case errdefs.KindConflict:
		return http.StatusConflict
	case errdefs.KindInvalidInput:
		return http.StatusBadRequest
	case errdefs.KindUnauthorized:
		return http.StatusUnauthorized
	case errdefs.KindForbidden:
		return http.StatusForbidden
	case errdefs.KindQuota:
		return http.StatusTooManyRequests
	case errdefs.KindUpstream:
		return http.StatusBadGateway
	case errdefs.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError writes the error response and stops the handler chain.
func abortWithError(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		logging.S().Named("api").Errorw("internal error",
			"path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error": err.Error(),
		"kind":  errdefs.KindOf(err).String(),
	})
}
