package relay

import (
	"encoding/json"
	"net/http"
	"strings"
)

const (
	heartbeatSuffix     = "/users/current/heartbeats"
	heartbeatBulkSuffix = "/users/current/heartbeats.bulk"
)

// IsHeartbeat classifies a request as a telemetry heartbeat. The predicate
// is purely over method, content type and path suffix; there is no body
// sniffing.
func IsHeartbeat(method, contentType, path string) bool {
	return strings.HasPrefix(contentType, "application/json") &&
		method == http.MethodPost &&
		(strings.HasSuffix(path, heartbeatSuffix) || strings.HasSuffix(path, heartbeatBulkSuffix))
}

// RewriteHeartbeats appends the relay identity token to the user_agent
// field of every event object in a heartbeat body. Only a top-level JSON
// array is rewritten; any other shape is returned unchanged. A parse
// failure is reported to the caller but must never abort the request.
func RewriteHeartbeats(body []byte, ident string) ([]byte, error) {
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return body, err
	}

	events, ok := parsed.([]any)
	if !ok {
		return body, nil
	}

	changed := false
	for _, raw := range events {
		event, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if ua, ok := event["user_agent"].(string); ok {
			event["user_agent"] = ua + " " + ident
			changed = true
		}
	}
	if !changed {
		return body, nil
	}

	rewritten, err := json.Marshal(events)
	if err != nil {
		return body, err
	}
	return rewritten, nil
}
