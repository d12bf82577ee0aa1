package response

import (
	"errors"
	"net/http"

	coreerrors "github.com/ksred/paperexec/internal/corekit/errors"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
	ErrCodeUnprocessable     = "UNPROCESSABLE"
	ErrCodeStaleState        = "STALE_STATE"
)

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	default:
		handleError(c, err)
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeNotFound,
			Message: message,
		},
	})
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeBadRequest,
			Message: message,
		},
	})
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeUnauthorized,
			Message: message,
		},
	})
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	c.JSON(http.StatusForbidden, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeForbidden,
			Message: message,
		},
	})
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeInternalError,
			Message: message,
		},
	})
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	c.JSON(http.StatusConflict, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeDuplicateResource,
			Message: message,
		},
	})
}

// StaleState sends a 409 response for a CAS/lattice conflict, distinct
// from Conflict's duplicate-resource code.
func StaleState(c *gin.Context, message string) {
	c.JSON(http.StatusConflict, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeStaleState,
			Message: message,
		},
	})
}

// Unprocessable sends a 422 response.
func Unprocessable(c *gin.Context, message string) {
	c.JSON(http.StatusUnprocessableEntity, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeUnprocessable,
			Message: message,
		},
	})
}

// handleError maps the core error taxonomy onto HTTP status codes:
// Validation->400, StaleState->409, InsufficientPosition->422,
// StoreError->500, anything else->500.
func handleError(c *gin.Context, err error) {
	var validationErr *coreerrors.ValidationError
	var staleErr *coreerrors.StaleStateError
	var insufficientErr *coreerrors.InsufficientPositionError
	var storeErr *coreerrors.StoreError

	switch {
	case errors.As(err, &validationErr), errors.Is(err, coreerrors.ErrValidation):
		BadRequest(c, err.Error())
	case errors.As(err, &staleErr), errors.Is(err, coreerrors.ErrStaleState):
		StaleState(c, err.Error())
	case errors.As(err, &insufficientErr), errors.Is(err, coreerrors.ErrInsufficientPosition):
		Unprocessable(c, err.Error())
	case errors.Is(err, coreerrors.ErrNotFound):
		NotFound(c, err.Error())
	case errors.As(err, &storeErr), errors.Is(err, coreerrors.ErrStoreError):
		InternalError(c, err.Error())
	default:
		InternalError(c, "An unexpected error occurred")
	}
} 