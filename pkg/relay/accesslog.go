package relay

import (
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// statusPhrases maps the status codes the relay commonly sees to their
// access-line phrases. Anything else falls back to the stdlib status text.
var statusPhrases = map[int]string{
	200: "OK",
	201: "Created",
	202: "Accepted",
	302: "Redirect",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	429: "Too Many Requests",
	500: "Server Error",
}

// StatusPhrase returns the human-readable phrase for a status code.
func StatusPhrase(code int) string {
	if phrase, ok := statusPhrases[code]; ok {
		return phrase
	}
	return http.StatusText(code)
}

// AccessRecord carries the fields of one access log event.
type AccessRecord struct {
	RemoteAddr string
	RequestID  string
	Elapsed    time.Duration
	Method     string
	Path       string
	Proto      string
	Status     int
}

// AccessLogger emits one structured event per inbound request after the
// primary outcome is known.
type AccessLogger struct {
	log zerolog.Logger
}

// NewAccessLogger creates an access logger writing to w.
func NewAccessLogger(w io.Writer) *AccessLogger {
	return &AccessLogger{
		log: zerolog.New(w).With().Timestamp().Logger(),
	}
}

// Record emits one access event.
func (a *AccessLogger) Record(rec AccessRecord) {
	a.log.Info().
		Str("client", rec.RemoteAddr).
		Str("request_id", rec.RequestID).
		Int64("elapsed_ms", rec.Elapsed.Milliseconds()).
		Str("method", rec.Method).
		Str("path", rec.Path).
		Str("proto", rec.Proto).
		Int("status", rec.Status).
		Str("status_text", StatusPhrase(rec.Status)).
		Send()
}
