package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vibecodehq/backend/internal/types"
)

// errorStatus maps the shared error taxonomy to HTTP responses. Sandbox
// and precondition errors surface verbatim; they are never retried here.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, types.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, types.ErrPathEscape):
		return http.StatusBadRequest, "path_escape"
	case errors.Is(err, types.ErrTargetExists):
		return http.StatusConflict, "target_exists"
	case errors.Is(err, types.ErrTargetMissing):
		return http.StatusNotFound, "target_missing"
	case errors.Is(err, types.ErrUnitStartTimeout):
		return http.StatusGatewayTimeout, "unit_start_timeout"
	case errors.Is(err, types.ErrUnitUnresponsive):
		return http.StatusBadGateway, "unit_unresponsive"
	case errors.Is(err, types.ErrVolumeMissing):
		return http.StatusGone, "volume_missing"
	case errors.Is(err, types.ErrAttachFailed):
		return http.StatusBadGateway, "attach_failed"
	case errors.Is(err, types.ErrRuntimeUnavailable):
		return http.StatusServiceUnavailable, "runtime_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func respondError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}
