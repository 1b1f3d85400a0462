// Package domain defines the core types shared across the relay.
package domain

import "net/http"

// Instance is one configured backend endpoint plus the API key the relay
// uses to authenticate to it. Order is significant: the first configured
// instance is the primary and its outcome is returned to the caller.
type Instance struct {
	BaseURL string
	APIKey  string
}

// Outcome captures the result of one upstream call. Body always holds the
// raw response bytes; JSON additionally holds the parsed form when the
// upstream content type is application/json.
type Outcome struct {
	StatusCode  int
	Body        []byte
	JSON        any
	Headers     http.Header
	ContentType string
}

// Success reports whether a status code is in the 2xx range.
func Success(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// IsJSON reports whether the outcome carries a parsed JSON body.
func (o *Outcome) IsJSON() bool {
	return o.JSON != nil
}
