package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/wakarelay/waka-relay/pkg/domain"
)

// PacketLog is the append-only diagnostic sink written when debug mode is
// enabled. It is an operator side channel: a write failure is logged and
// never affects the response path.
type PacketLog struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// NewPacketLog creates a packet log appending to path.
func NewPacketLog(path string, logger *slog.Logger) *PacketLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &PacketLog{path: path, logger: logger}
}

// LogRequest appends the inbound request line and, for heartbeats, the
// pretty-printed body.
func (p *PacketLog) LogRequest(requestID string, req *CapturedRequest) {
	entry := fmt.Sprintf("\n%s - %s - %s /%s\n",
		time.Now().Format("2006-01-02 15:04:05"), requestID, req.Method, req.Path)

	if req.Heartbeat {
		var parsed any
		if err := json.Unmarshal(req.Body, &parsed); err == nil {
			if pretty, err := json.MarshalIndent(parsed, "", "    "); err == nil {
				entry += string(pretty) + "\n"
			}
		} else {
			entry += fmt.Sprintf("Raw body: %s\n", req.Body)
		}
	}

	p.append(entry)
}

// LogResponse appends the outgoing response body.
func (p *PacketLog) LogResponse(requestID string, outcome *domain.Outcome) {
	entry := fmt.Sprintf("\nOutgoing response (%s):\n", requestID)
	if outcome.IsJSON() {
		if pretty, err := json.MarshalIndent(outcome.JSON, "", "    "); err == nil {
			entry += string(pretty) + "\n"
		}
	} else {
		entry += string(outcome.Body) + "\n"
	}
	p.append(entry)
}

func (p *PacketLog) append(entry string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		p.logger.Warn("failed to open packet log", "path", p.path, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(entry); err != nil {
		p.logger.Warn("failed to write packet log", "path", p.path, "error", err)
	}
}
