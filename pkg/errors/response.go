package errors

import (
	"time"

	"github.com/labstack/echo/v4"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Success     bool        `json:"success"`
	ErrorDetail ErrorDetail `json:"error"`
	Timestamp   time.Time   `json:"timestamp"`
	RequestID   string      `json:"request_id,omitempty"`
}

// ErrorDetail contains detailed error information
type ErrorDetail struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *ErrorResponse) Error() string {
	return e.ErrorDetail.Message
}

// GetRequestID extracts request ID from Echo context
func GetRequestID(c echo.Context) string {
	if reqID, ok := c.Get("request_id").(string); ok && reqID != "" {
		return reqID
	}
	if reqID := c.Response().Header().Get(echo.HeaderXRequestID); reqID != "" {
		return reqID
	}
	return c.Request().Header.Get(echo.HeaderXRequestID)
}

// New creates a new error response with the given code and message
func New(code ErrorCode, message string) *ErrorResponse {
	if message == "" {
		message = code.Message()
	}
	return &ErrorResponse{
		ErrorDetail: ErrorDetail{
			Code:    code.Int(),
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}
}

// WithDetail adds a single detail to the error response
func (e *ErrorResponse) WithDetail(key string, value any) *ErrorResponse {
	if e.ErrorDetail.Details == nil {
		e.ErrorDetail.Details = make(map[string]any)
	}
	e.ErrorDetail.Details[key] = value
	return e
}

// Send writes the response with the status mapped from its code.
func (e *ErrorResponse) Send(c echo.Context) error {
	if e.RequestID == "" {
		e.RequestID = GetRequestID(c)
	}
	return c.JSON(ErrorCode(e.ErrorDetail.Code).HTTPStatus(), e)
}

// Abort is a shortcut for New(code, message).Send(c).
func Abort(c echo.Context, code ErrorCode, message string) error {
	return New(code, message).Send(c)
}
