// Package assert holds HTTP assertions for handler tests.
package assert

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// JSONResponse asserts the status code and decodes the JSON body into v.
func JSONResponse(t *testing.T, rec *httptest.ResponseRecorder, expectedStatus int, v any) {
	t.Helper()

	require.Equal(t, expectedStatus, rec.Code, "body: %s", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

// ErrorCode asserts that the response is an error body carrying code.
func ErrorCode(t *testing.T, rec *httptest.ResponseRecorder, expectedStatus, code int) {
	t.Helper()

	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Code int `json:"code"`
		} `json:"error"`
		RequestID string `json:"request_id"`
	}
	JSONResponse(t, rec, expectedStatus, &body)
	assert.False(t, body.Success)
	assert.Equal(t, code, body.Error.Code)
}

// Header asserts that the HTTP response contains the expected header
func Header(t *testing.T, rec *httptest.ResponseRecorder, name, expected string) {
	t.Helper()
	assert.Equal(t, expected, rec.Header().Get(name), "header %s", name)
}
