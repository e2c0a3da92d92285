package httpserver

import (
	"errors"
	"log"
	"net/http"

	"cart-consolidation/internal/domain"
	"github.com/gin-gonic/gin"
)

type ctErrorResponse struct {
	StatusCode int           `json:"statusCode"`
	Message    string        `json:"message"`
	Errors     []ctErrorItem `json:"errors"`
}

type ctErrorItem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps domain errors to an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "InvalidInput"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "ResourceNotFound"
	case errors.Is(err, domain.ErrTransient):
		return http.StatusServiceUnavailable, "ServiceUnavailable"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "ConcurrentModification"
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict, "InvalidOperation"
	default:
		return http.StatusInternalServerError, "General"
	}
}

func writeError(c *gin.Context, logger *log.Logger, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Printf("http: %s %s error=%v", c.Request.Method, c.FullPath(), err)
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, ctErrorResponse{
		StatusCode: status,
		Message:    msg,
		Errors:     []ctErrorItem{{Code: code, Message: msg}},
	})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ctErrorResponse{
		StatusCode: http.StatusBadRequest,
		Message:    msg,
		Errors:     []ctErrorItem{{Code: "InvalidJsonInput", Message: msg}},
	})
}
