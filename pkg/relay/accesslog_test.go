package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusPhrase(t *testing.T) {
	assert.Equal(t, "OK", StatusPhrase(200))
	assert.Equal(t, "Server Error", StatusPhrase(500))
	assert.Equal(t, "Redirect", StatusPhrase(302))
	// Unlisted codes fall back to the stdlib text.
	assert.Equal(t, http.StatusText(418), StatusPhrase(418))
}

func TestAccessLogger_Record(t *testing.T) {
	var buf bytes.Buffer
	logger := NewAccessLogger(&buf)

	logger.Record(AccessRecord{
		RemoteAddr: "10.0.0.7:55120",
		RequestID:  "req-1",
		Elapsed:    42 * time.Millisecond,
		Method:     http.MethodPost,
		Path:       "/users/current/heartbeats",
		Proto:      "HTTP/1.1",
		Status:     201,
	})

	var event map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	assert.Equal(t, "10.0.0.7:55120", event["client"])
	assert.Equal(t, float64(42), event["elapsed_ms"])
	assert.Equal(t, "POST", event["method"])
	assert.Equal(t, "/users/current/heartbeats", event["path"])
	assert.Equal(t, float64(201), event["status"])
	assert.Equal(t, "Created", event["status_text"])
}
