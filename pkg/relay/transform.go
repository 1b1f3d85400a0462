package relay

import (
	"encoding/json"
	"strings"

	"github.com/wakarelay/waka-relay/pkg/domain"
)

// TimeTextPlaceholder is replaced with the upstream grand total text when
// the status bar transform applies.
const TimeTextPlaceholder = "%TEXT%"

// statusBarPaths are the two historical spellings of the current status
// summary endpoint whose grand total text gets templated.
var statusBarPaths = map[string]struct{}{
	"users/current/statusbar/today":  {},
	"users/current/status_bar/today": {},
}

// isStatusBarPath reports whether the relative path is a status summary
// endpoint.
func isStatusBarPath(path string) bool {
	_, ok := statusBarPaths[path]
	return ok
}

// transformStatusBar substitutes the grand total text of a parsed status
// bar response into the configured template and re-serializes the body.
// Absence of the expected nested structure is a no-op; nothing else in the
// body is touched.
func transformStatusBar(outcome *domain.Outcome, template string) {
	root, ok := outcome.JSON.(map[string]any)
	if !ok {
		return
	}
	data, ok := root["data"].(map[string]any)
	if !ok {
		return
	}
	grandTotal, ok := data["grand_total"].(map[string]any)
	if !ok {
		return
	}
	text, ok := grandTotal["text"].(string)
	if !ok || text == "" {
		return
	}

	grandTotal["text"] = strings.ReplaceAll(template, TimeTextPlaceholder, text)

	body, err := json.Marshal(root)
	if err != nil {
		return
	}
	outcome.Body = body
}
