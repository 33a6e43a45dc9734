// Package errors defines the error taxonomy shared by the router, the fetch cache and the places API.
package errors

import "net/http"

// ErrorCode represents a standardized error code
type ErrorCode int

// Error code categories:
// 1xxx - Validation errors
// 2xxx - Authentication errors
// 3xxx - System and transport errors
// 4xxx - Lookup errors
const (
	CodeValidationFailed  ErrorCode = 1000
	CodeInvalidQueryParam ErrorCode = 1009

	CodeUnauthorized ErrorCode = 2000
	CodeTokenInvalid ErrorCode = 2003
	CodeTokenMissing ErrorCode = 2004

	CodeInternalServerError ErrorCode = 3000
	CodeTimeout             ErrorCode = 3003
	CodeRateLimitExceeded   ErrorCode = 3004
	CodeServiceUnavailable  ErrorCode = 3005
	CodeCircuitBreakerOpen  ErrorCode = 3008
	CodeNetworkError        ErrorCode = 3010
	CodeUnmarshalError      ErrorCode = 3013
	CodeCancelled           ErrorCode = 3016
	CodeUpstreamStatus      ErrorCode = 3017
	CodeStorageError        ErrorCode = 3018

	CodeResourceNotFound ErrorCode = 4001
	CodeRouteNotFound    ErrorCode = 4010
)

var errorMessages = map[ErrorCode]string{
	CodeValidationFailed:  "Validation failed",
	CodeInvalidQueryParam: "Invalid query parameter",

	CodeUnauthorized: "Unauthorized access",
	CodeTokenInvalid: "Invalid token",
	CodeTokenMissing: "Token is missing",

	CodeInternalServerError: "Internal server error",
	CodeTimeout:             "Request timeout",
	CodeRateLimitExceeded:   "Rate limit exceeded",
	CodeServiceUnavailable:  "Service temporarily unavailable",
	CodeCircuitBreakerOpen:  "Circuit breaker is open",
	CodeNetworkError:        "Network error",
	CodeUnmarshalError:      "Data unmarshaling error",
	CodeCancelled:           "Request cancelled",
	CodeUpstreamStatus:      "Upstream returned an error status",
	CodeStorageError:        "Cache storage error",

	CodeResourceNotFound: "Resource not found",
	CodeRouteNotFound:    "Route not found",
}

var codeToHTTPStatus = map[ErrorCode]int{
	CodeValidationFailed:  http.StatusBadRequest,
	CodeInvalidQueryParam: http.StatusBadRequest,

	CodeUnauthorized: http.StatusUnauthorized,
	CodeTokenInvalid: http.StatusUnauthorized,
	CodeTokenMissing: http.StatusUnauthorized,

	CodeInternalServerError: http.StatusInternalServerError,
	CodeTimeout:             http.StatusGatewayTimeout,
	CodeRateLimitExceeded:   http.StatusTooManyRequests,
	CodeServiceUnavailable:  http.StatusServiceUnavailable,
	CodeCircuitBreakerOpen:  http.StatusServiceUnavailable,
	CodeNetworkError:        http.StatusBadGateway,
	CodeUnmarshalError:      http.StatusInternalServerError,
	CodeUpstreamStatus:      http.StatusBadGateway,
	CodeStorageError:        http.StatusInternalServerError,

	CodeResourceNotFound: http.StatusNotFound,
	CodeRouteNotFound:    http.StatusNotFound,
}

// Message returns the default message for an error code
func (e ErrorCode) Message() string {
	if msg, ok := errorMessages[e]; ok {
		return msg
	}
	return "Unknown error"
}

// Int returns the error code as an integer
func (e ErrorCode) Int() int {
	return int(e)
}

func (e ErrorCode) String() string {
	return e.Message()
}

// HTTPStatus returns the HTTP status used when the code is sent in a response.
// Codes without a mapping fall back to 500.
func (e ErrorCode) HTTPStatus() int {
	if status, ok := codeToHTTPStatus[e]; ok {
		return status
	}
	return http.StatusInternalServerError
}
