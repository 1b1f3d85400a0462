package relay

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestIsHeartbeat(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		contentType string
		path        string
		want        bool
	}{
		{"singular", "POST", "application/json", "/users/current/heartbeats", true},
		{"bulk", "POST", "application/json", "/users/current/heartbeats.bulk", true},
		{"prefixed path", "POST", "application/json", "/api/v1/users/current/heartbeats", true},
		{"charset suffix", "POST", "application/json; charset=utf-8", "/users/current/heartbeats", true},
		{"get", "GET", "application/json", "/users/current/heartbeats", false},
		{"not json", "POST", "text/plain", "/users/current/heartbeats", false},
		{"other path", "POST", "application/json", "/users/current/summaries", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsHeartbeat(tt.method, tt.contentType, tt.path))
		})
	}
}

func TestRewriteHeartbeats_Bulk(t *testing.T) {
	body := []byte(`[{"entity":"main.go","user_agent":"wakatime/1.0"},{"entity":"relay.go","user_agent":"wakatime/1.0"}]`)

	out, err := RewriteHeartbeats(body, Identity)
	require.NoError(t, err)

	var events []map[string]any
	require.NoError(t, json.Unmarshal(out, &events))
	require.Len(t, events, 2)
	for _, event := range events {
		assert.Equal(t, "wakatime/1.0 "+Identity, event["user_agent"])
	}
}

func TestRewriteHeartbeats_NonArrayPassthrough(t *testing.T) {
	body := []byte(`{"user_agent":"wakatime/1.0"}`)

	out, err := RewriteHeartbeats(body, Identity)
	require.NoError(t, err)
	assert.Equal(t, body, out)
}

func TestRewriteHeartbeats_InvalidJSON(t *testing.T) {
	body := []byte(`{not json`)

	out, err := RewriteHeartbeats(body, Identity)
	assert.Error(t, err)
	assert.Equal(t, body, out, "original body must be forwarded on decode failure")
}

func TestRewriteHeartbeats_MissingUserAgent(t *testing.T) {
	body := []byte(`[{"entity":"main.go"},{"entity":"x.go","user_agent":"wakatime/1.0"}]`)

	out, err := RewriteHeartbeats(body, Identity)
	require.NoError(t, err)

	var events []map[string]any
	require.NoError(t, json.Unmarshal(out, &events))
	_, hasUA := events[0]["user_agent"]
	assert.False(t, hasUA, "events without user_agent stay untouched")
	assert.Equal(t, "wakatime/1.0 "+Identity, events[1]["user_agent"])
}

func TestRewriteHeartbeats_AppendsExactlyOnce(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		count := rapid.IntRange(1, 20).Draw(t, "count")
		agent := rapid.StringMatching(`wakatime/[0-9]\.[0-9]{1,2}`).Draw(t, "agent")

		events := make([]map[string]any, count)
		for i := range events {
			events[i] = map[string]any{
				"entity":     fmt.Sprintf("file-%d.go", i),
				"user_agent": agent,
			}
		}
		body, err := json.Marshal(events)
		require.NoError(t, err)

		out, err := RewriteHeartbeats(body, Identity)
		require.NoError(t, err)

		var rewritten []map[string]any
		require.NoError(t, json.Unmarshal(out, &rewritten))
		require.Len(t, rewritten, count)
		for _, event := range rewritten {
			ua := event["user_agent"].(string)
			assert.Equal(t, 1, strings.Count(ua, Identity))
			assert.True(t, strings.HasSuffix(ua, " "+Identity))
		}
	})
}
