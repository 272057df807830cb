// Package testutil provides common test utilities for handler and integration tests.
package testutil

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// DoRequest executes a request against a handler and returns the recorder.
func DoRequest(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

// UnmarshalResponse unmarshals the response body into T.
func UnmarshalResponse[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var result T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result), "failed to unmarshal response")
	return result
}

// AssertStatusAndError asserts the status code and the "error" field of the envelope.
// It returns the whole envelope for further checks.
func AssertStatusAndError(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus int, expectedCode string) map[string]string {
	t.Helper()
	assert.Equal(t, expectedStatus, rr.Code, "unexpected status code")
	body := UnmarshalResponse[map[string]string](t, rr)
	assert.Equal(t, expectedCode, body["error"], "unexpected error code")
	return body
}

// SSEEvent is one server-sent event.
type SSEEvent struct {
	Event string
	Data  string
}

// SSEReader reads events from a text/event-stream body.
type SSEReader struct {
	r *bufio.Reader
}

// NewSSEReader wraps an event-stream body.
func NewSSEReader(body io.Reader) *SSEReader {
	return &SSEReader{r: bufio.NewReader(body)}
}

// Next returns the next event that carries data. Comment lines are skipped.
func (s *SSEReader) Next(t *testing.T) SSEEvent {
	t.Helper()
	var ev SSEEvent
	for {
		line, err := s.r.ReadString('\n')
		require.NoError(t, err, "event stream ended")
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if ev.Data != "" {
				return ev
			}
			ev = SSEEvent{}
		case strings.HasPrefix(line, "event: "):
			ev.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.Data = strings.TrimPrefix(line, "data: ")
		}
	}
}
