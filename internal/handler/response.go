package handler

import (
	"github.com/gin-gonic/gin"
)

// Error names surfaced in the machine-readable `error` field.
const (
	ErrValidationFailed    = "ValidationFailed"
	ErrInputTooLarge       = "InputTooLarge"
	ErrRateLimited         = "RateLimited"
	ErrSpendCapExceeded    = "SpendCapExceeded"
	ErrUnauthenticated     = "Unauthenticated"
	ErrDetectorUnavailable = "DetectorUnavailable"
	ErrNotFound            = "NotFound"
	ErrPersistenceFailed   = "PersistenceFailed"
	ErrInternal            = "InternalError"
)

type errorBody struct {
	Error      string `json:"error"`
	Detail     any    `json:"detail"`
	StatusCode int    `json:"status_code"`
	RequestID  string `json:"request_id"`
	Path       string `json:"path"`
}

// FieldError is one entry in a validation error detail list.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error writes the uniform error envelope and aborts the request.
func Error(c *gin.Context, status int, errName string, detail any) {
	c.AbortWithStatusJSON(status, errorBody{
		Error:      errName,
		Detail:     detail,
		StatusCode: status,
		RequestID:  RequestID(c),
		Path:       c.Request.URL.Path,
	})
}
