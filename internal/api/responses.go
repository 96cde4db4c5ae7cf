package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relayforge/aegis/pkg/errors"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents an API error body
type APIError struct {
	Category       string            `json:"category"`
	Message        string            `json:"message"`
	Details        map[string]string `json:"details,omitempty"`
	RecoveryAction string            `json:"recovery_action,omitempty"`
	Retryable      bool              `json:"retryable"`
}

func requestID(c *gin.Context) string {
	if id, exists := c.Get("request_id"); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// AcceptedResponse sends a 202 Accepted response
func AcceptedResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// ErrorResponseFromError sends an error response mapped from the error's
// classification.
func ErrorResponseFromError(c *gin.Context, err error) {
	appErr := errors.Classify(err)

	status := statusCodeFor(appErr.Category)
	if errors.IsNotFound(appErr) {
		status = http.StatusNotFound
	}

	c.JSON(status, APIResponse{
		Success: false,
		Error: &APIError{
			Category:       string(appErr.Category),
			Message:        appErr.Message,
			Details:        appErr.Details,
			RecoveryAction: appErr.RecoveryAction,
			Retryable:      appErr.Retryable,
		},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

func statusCodeFor(category errors.Category) int {
	switch category {
	case errors.CategoryValidation:
		return http.StatusBadRequest
	case errors.CategoryAuthentication:
		return http.StatusUnauthorized
	case errors.CategoryAuthorization:
		return http.StatusForbidden
	case errors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case errors.CategoryBilling:
		return http.StatusPaymentRequired
	case errors.CategoryTimeout:
		return http.StatusGatewayTimeout
	case errors.CategoryTransient, errors.CategorySandbox, errors.CategoryNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NotFoundResponse sends a 404 response
func NotFoundResponse(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, APIResponse{
		Success: false,
		Error: &APIError{
			Category: "not_found",
			Message:  message,
		},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// ForbiddenResponse sends a 403 response
func ForbiddenResponse(c *gin.Context, message string) {
	c.JSON(http.StatusForbidden, APIResponse{
		Success: false,
		Error: &APIError{
			Category: string(errors.CategoryConfiguration),
			Message:  message,
		},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// ValidationErrorResponse sends a 400 response
func ValidationErrorResponse(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, APIResponse{
		Success: false,
		Error: &APIError{
			Category: string(errors.CategoryValidation),
			Message:  message,
		},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}
