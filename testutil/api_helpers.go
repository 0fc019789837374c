// Package testutil holds shared HTTP test helpers for exercising the REST
// surface in-process.
package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

// MakeRequest performs an in-process request against the router, JSON-
// encoding body when non-nil.
func MakeRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		require.NoError(t, err, "failed to marshal request body")
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)
	return w
}

// MakeRequestRaw performs a request with an unencoded string body, for
// malformed-input cases.
func MakeRequestRaw(t *testing.T, router *gin.Engine, method, path, rawBody string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(rawBody))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)
	return w
}

// ParseResponse decodes a JSON response body into result.
func ParseResponse(t *testing.T, w *httptest.ResponseRecorder, result interface{}) {
	t.Helper()

	err := json.Unmarshal(w.Body.Bytes(), result)
	require.NoError(t, err, "failed to parse response: %s", w.Body.String())
}

// AssertJSONResponse asserts the status code and, on success, decodes the
// body into result.
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, result interface{}) {
	t.Helper()

	require.Equal(t, expectedStatus, w.Code, "unexpected status code, response: %s", w.Body.String())

	if result != nil && w.Code >= 200 && w.Code < 300 {
		ParseResponse(t, w, result)
	}
}

// AssertErrorResponse asserts an error status and, when expectedMessage is
// non-empty, that the error envelope's message contains it.
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedMessage string) {
	t.Helper()

	require.Equal(t, expectedStatus, w.Code, "unexpected status code")

	var errorResp struct {
		Message string `json:"message"`
	}
	ParseResponse(t, w, &errorResp)

	if expectedMessage != "" {
		require.Contains(t, errorResp.Message, expectedMessage)
	}
}

// MockHTTPServer runs a throwaway HTTP server cleaned up with the test.
func MockHTTPServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}
