package errors

import (
	"fmt"
	"net/http"

	"github.com/campaign-sync/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents request validation errors (4xx)
	CategoryValidation ErrorCategory = "validation"
	// CategoryAuthorization represents ownership and auth errors
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryNotFound represents missing resource errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents state conflicts (terminal jobs, lost claims)
	CategoryConflict ErrorCategory = "conflict"
	// CategoryThrottle represents sync throttle and rate limit denials
	CategoryThrottle ErrorCategory = "throttle"
	// CategoryPlatform represents ad platform fetch errors
	CategoryPlatform ErrorCategory = "platform"
	// CategoryDatabase represents storage errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryCache represents cache errors
	CategoryCache ErrorCategory = "cache"
	// CategorySystem represents other internal errors (5xx)
	CategorySystem ErrorCategory = "system"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Request errors (4xx)

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusUnauthorized,
		Code:       "UNAUTHORIZED",
		Message:    message,
	}
}

// NewNotAccountOwnerError creates the ownership denial returned whenever a
// caller touches an ad account they do not own.
func NewNotAccountOwnerError(accountID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusForbidden,
		Code:       "NOT_ACCOUNT_OWNER",
		Message:    "caller does not own this ad account",
		Details: map[string]interface{}{
			"adAccountId": accountID,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewConflictError creates a conflict error
func NewConflictError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       "CONFLICT",
		Message:    message,
	}
}

// NewThrottledError creates the denial returned when the sync throttle gate
// rejects an operation that ran too recently.
func NewThrottledError(operation string, retryAfterSeconds int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryThrottle,
		StatusCode: http.StatusTooManyRequests,
		Code:       "SYNC_THROTTLED",
		Message:    fmt.Sprintf("%s ran too recently for this ad account", operation),
		Details: map[string]interface{}{
			"operation":  operation,
			"retryAfter": retryAfterSeconds,
		},
	}
}

// NewRateLimitError creates an API rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryThrottle,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// System errors (5xx)

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewCacheError creates a cache error
func NewCacheError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCache,
		StatusCode: http.StatusInternalServerError,
		Code:       "CACHE_ERROR",
		Message:    fmt.Sprintf("cache error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// Ad platform errors

// NewPlatformError creates an ad platform fetch error
func NewPlatformError(platform types.Platform, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryPlatform,
		StatusCode: http.StatusBadGateway,
		Code:       "PLATFORM_ERROR",
		Message:    fmt.Sprintf("ad platform error: %s", platform),
		Cause:      cause,
		Details: map[string]interface{}{
			"platform": string(platform),
		},
	}
}

// NewPlatformTimeoutError creates an ad platform timeout error
func NewPlatformTimeoutError(platform types.Platform) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryPlatform,
		StatusCode: http.StatusGatewayTimeout,
		Code:       "PLATFORM_TIMEOUT",
		Message:    fmt.Sprintf("ad platform timeout: %s", platform),
		Details: map[string]interface{}{
			"platform": string(platform),
		},
	}
}

// NewPlatformBudgetError creates the error returned when the cross-process
// request budget for a platform is exhausted.
func NewPlatformBudgetError(platform types.Platform) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryPlatform,
		StatusCode: http.StatusTooManyRequests,
		Code:       "PLATFORM_BUDGET_EXHAUSTED",
		Message:    fmt.Sprintf("request budget exhausted for platform: %s", platform),
		Details: map[string]interface{}{
			"platform": string(platform),
		},
	}
}

// serviceCodeStatus maps service error codes to category and HTTP status.
var serviceCodeStatus = map[string]struct {
	category ErrorCategory
	status   int
}{
	"INVALID_PARAMETER":    {CategoryValidation, http.StatusBadRequest},
	"INVALID_PHASE":        {CategoryValidation, http.StatusBadRequest},
	"INVALID_ENTITY_TYPE":  {CategoryValidation, http.StatusBadRequest},
	"ACCOUNT_NOT_FOUND":    {CategoryNotFound, http.StatusNotFound},
	"JOB_NOT_FOUND":        {CategoryNotFound, http.StatusNotFound},
	"CHUNK_NOT_FOUND":      {CategoryNotFound, http.StatusNotFound},
	"RECORD_NOT_FOUND":     {CategoryNotFound, http.StatusNotFound},
	"NOT_FOUND":            {CategoryNotFound, http.StatusNotFound},
	"UNAUTHORIZED":         {CategoryAuthorization, http.StatusUnauthorized},
	"NOT_ACCOUNT_OWNER":    {CategoryAuthorization, http.StatusForbidden},
	"ACCOUNT_INACTIVE":     {CategoryConflict, http.StatusConflict},
	"JOB_ALREADY_TERMINAL": {CategoryConflict, http.StatusConflict},
	"JOB_ALREADY_ACTIVE":   {CategoryConflict, http.StatusConflict},
	"CHUNK_NOT_CLAIMED":    {CategoryConflict, http.StatusConflict},
	"RECORD_ALREADY_DONE":  {CategoryConflict, http.StatusConflict},
	"SYNC_THROTTLED":       {CategoryThrottle, http.StatusTooManyRequests},
	"RATE_LIMIT_EXCEEDED":  {CategoryThrottle, http.StatusTooManyRequests},
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	if catErr, ok := err.(*CategorizedError); ok {
		return catErr
	}

	if svcErr, ok := err.(*types.ServiceError); ok {
		if m, known := serviceCodeStatus[svcErr.Code]; known {
			return &CategorizedError{
				Category:   m.category,
				StatusCode: m.status,
				Code:       svcErr.Code,
				Message:    svcErr.Message,
				Details:    svcErr.Details,
			}
		}
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       svcErr.Code,
			Message:    svcErr.Message,
			Details:    svcErr.Details,
		}
	}

	return NewInternalError("unexpected error", err)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is worth retrying
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryPlatform, CategoryDatabase, CategoryCache:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}
	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}

// IsSystemError determines if an error is a system error (5xx)
func IsSystemError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}
	return catErr.StatusCode >= 500
}
