package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/fusion/models"
)

// respondError maps an error to the correct HTTP status code and writes a
// structured JSON error response.
func respondError(c *gin.Context, err error) {
	fe := models.AsFusionError(err)
	c.JSON(mapErrorToStatus(fe), models.ErrorResponse{
		Success: false,
		Error:   fe.ToDetail(),
	})
}

// mapErrorToStatus translates error codes to HTTP status codes.
func mapErrorToStatus(e *models.FusionError) int {
	switch e.Code {
	case models.ErrCodeTimeout:
		return http.StatusGatewayTimeout // 504
	case models.ErrCodeNavigation, models.ErrCodeContext, models.ErrCodeBrowserCrash:
		return http.StatusBadGateway // 502
	case models.ErrCodeInvalidInput:
		return http.StatusBadRequest // 400
	case models.ErrCodeNoSources:
		return http.StatusUnprocessableEntity // 422
	case models.ErrCodeNoTask:
		return http.StatusNotFound // 404
	case models.ErrCodeRateLimited:
		return http.StatusTooManyRequests // 429
	case models.ErrCodeUnauthorized:
		return http.StatusUnauthorized // 401
	default:
		return http.StatusInternalServerError // 500
	}
}

func invalidInput(c *gin.Context, err error) {
	respondError(c, models.NewFusionError(models.ErrCodeInvalidInput, err.Error(), err))
}
