// Package relay implements the request fan-out engine: it forwards each
// inbound request to every configured instance, returns the primary
// instance's response synchronously, and mirrors the request to the
// remaining instances in the background.
package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wakarelay/waka-relay/internal/governance"
	"github.com/wakarelay/waka-relay/pkg/config"
	"github.com/wakarelay/waka-relay/pkg/domain"
)

// Version is the relay release version.
const Version = "0.1.0"

// Identity is the token appended to outbound user agents and heartbeat
// user_agent fields.
const Identity = "waka-relay/" + Version

// Relay is the immutable per-process context: configuration snapshot,
// shared outbound client, permit pool and loggers, constructed once at
// startup and shared by every request.
type Relay struct {
	instances  []domain.Instance
	timeText   string
	gate       *CredentialGate
	dispatcher *Dispatcher
	permits    *governance.PermitPool
	access     *AccessLogger
	packets    *PacketLog
	metrics    *Metrics
	logger     *slog.Logger
}

// Options overrides the relay's collaborators, mainly for tests.
type Options struct {
	Logger       *slog.Logger
	AccessWriter io.Writer
	Client       *http.Client
}

// New constructs the relay from a loaded configuration snapshot.
func New(cfg *config.Config, opts Options) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := opts.Client
	if client == nil {
		client = NewClient()
	}

	accessWriter := opts.AccessWriter
	if accessWriter == nil {
		accessWriter = io.Writer(os.Stdout)
	}

	permits := governance.NewPermitPool(cfg.Relay.ConcurrencyLimit)
	metrics := NewMetrics(permits)

	rl := &Relay{
		instances:  cfg.Relay.Instances,
		timeText:   cfg.Relay.TimeText,
		gate:       NewCredentialGate(cfg.Relay.RequireAPIKey, cfg.Relay.APIKey, logger),
		dispatcher: NewDispatcher(client, permits, cfg.Relay.CallTimeout(), logger, metrics),
		permits:    permits,
		access:     NewAccessLogger(accessWriter),
		metrics:    metrics,
		logger:     logger,
	}

	if cfg.Relay.Debug {
		rl.packets = NewPacketLog(cfg.Relay.DebugLogFile, logger)
	}

	return rl
}

// NewClient builds the shared outbound HTTP client: a pooled keep-alive
// transport wrapped with tracing instrumentation. Per-call deadlines come
// from the dispatcher's contexts, so the client itself has no timeout.
func NewClient() *http.Client {
	transport := &http.Transport{
		MaxConnsPerHost:     100,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     60 * time.Second,
	}
	return &http.Client{Transport: otelhttp.NewTransport(transport)}
}

// Metrics exposes the relay's metrics registry for the admin listener.
func (rl *Relay) Metrics() *Metrics {
	return rl.metrics
}

// allowedMethods is the inbound surface: the same verbs the backends accept.
var allowedMethods = map[string]struct{}{
	http.MethodGet:    {},
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodDelete: {},
}

// ServeHTTP is the catch-all entry point: credential gate, fan-out to all
// instances, primary response to the caller.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()

	if r.URL.Path == "/" && r.Method == http.MethodGet {
		rl.redirectRoot(w, r)
		return
	}

	if _, ok := allowedMethods[r.Method]; !ok {
		rl.terminate(w, r, start, &domain.RelayError{
			Err:    domain.ErrMethodNotAllowed,
			Status: http.StatusMethodNotAllowed,
			Code:   "method_not_allowed",
		})
		return
	}

	if rejection := rl.gate.Admit(r.Header.Get("Authorization")); rejection != nil {
		rl.metrics.RecordAuthRejection(rejection.Code)
		rl.terminate(w, r, start, rejection)
		return
	}

	if len(rl.instances) == 0 {
		rl.logger.Error("no instances configured")
		rl.terminate(w, r, start, domain.NewServerError("no_instances", domain.ErrNoInstances))
		return
	}

	captured, err := rl.capture(r)
	if err != nil {
		rl.logger.Error("failed to read request body", "error", err)
		rl.terminate(w, r, start, domain.NewServerError("read_body", err))
		return
	}

	if rl.packets != nil {
		rl.packets.LogRequest(requestID, captured)
	}

	primary, secondaries := rl.instances[0], rl.instances[1:]

	// Only the primary is awaited. Its failure is the request's failure.
	outcome, err := rl.dispatcher.Call(r.Context(), primary, captured, rolePrimary)
	if err != nil {
		rl.logger.Error("primary relay failed", "instance", primary.BaseURL, "error", err)
		rl.terminate(w, r, start, &domain.RelayError{Err: err, Status: http.StatusBadGateway, Code: "upstream_failed"})
		return
	}

	// Secondaries are detached: they outlive this request if necessary and
	// their outcomes feed only the consistency observer.
	for _, inst := range secondaries {
		go rl.mirror(inst, captured, outcome.StatusCode)
	}

	if isStatusBarPath(captured.Path) {
		transformStatusBar(outcome, rl.timeText)
	}

	elapsed := time.Since(start)
	rl.access.Record(AccessRecord{
		RemoteAddr: captured.RemoteAddr,
		RequestID:  requestID,
		Elapsed:    elapsed,
		Method:     captured.Method,
		Path:       r.URL.Path,
		Proto:      captured.Proto,
		Status:     outcome.StatusCode,
	})
	rl.metrics.RecordRequest(captured.Method, outcome.StatusCode, elapsed)

	if rl.packets != nil {
		rl.packets.LogResponse(requestID, outcome)
	}

	rl.writeOutcome(w, outcome)
}

const (
	rolePrimary   = "primary"
	roleSecondary = "secondary"
)

// mirror delivers the captured request to one secondary instance. Failures
// are logged and discarded; a success-class mismatch against the primary
// is reported by the consistency observer. Nothing here can reach the
// caller.
func (rl *Relay) mirror(inst domain.Instance, req *CapturedRequest, primaryStatus int) {
	defer func() {
		if rec := recover(); rec != nil {
			rl.logger.Error("secondary relay panicked", "instance", inst.BaseURL, "panic", rec)
		}
	}()

	outcome, err := rl.dispatcher.Call(context.Background(), inst, req, roleSecondary)
	if err != nil {
		rl.metrics.RecordSecondaryFailure(inst.BaseURL)
		rl.logger.Error("secondary relay failed", "instance", inst.BaseURL, "error", err)
		return
	}

	if domain.Success(outcome.StatusCode) != domain.Success(primaryStatus) {
		rl.metrics.RecordDivergence(inst.BaseURL)
		rl.logger.Error("received unexpected status code from secondary",
			"instance", inst.BaseURL,
			"status", outcome.StatusCode,
			"primary_status", primaryStatus,
		)
	}
}

// capture copies the inbound request into a value object owned by this
// invocation. Heartbeat bodies are rewritten here, once, so every instance
// receives the same payload.
func (rl *Relay) capture(r *http.Request) (*CapturedRequest, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	captured := &CapturedRequest{
		Method:      r.Method,
		Path:        strings.TrimPrefix(r.URL.Path, "/"),
		Proto:       r.Proto,
		Headers:     r.Header.Clone(),
		Body:        body,
		ForwardBody: body,
		RemoteAddr:  r.RemoteAddr,
		Heartbeat:   IsHeartbeat(r.Method, r.Header.Get("Content-Type"), r.URL.Path),
	}

	if captured.Heartbeat {
		rewritten, err := RewriteHeartbeats(body, Identity)
		if err != nil {
			rl.logger.Error("failed to decode heartbeat JSON body", "error", err)
		}
		captured.ForwardBody = rewritten
	}

	return captured, nil
}

func (rl *Relay) redirectRoot(w http.ResponseWriter, r *http.Request) {
	if len(rl.instances) == 0 {
		rl.logger.Error("no instances configured")
		rl.writeError(w, domain.NewServerError("no_instances", domain.ErrNoInstances))
		return
	}
	http.Redirect(w, r, rl.instances[0].BaseURL, http.StatusTemporaryRedirect)
}

// writeOutcome relays the primary outcome to the caller: same status,
// headers (Content-Length excluded upstream) and body.
func (rl *Relay) writeOutcome(w http.ResponseWriter, outcome *domain.Outcome) {
	header := w.Header()
	for key, values := range outcome.Headers {
		for _, value := range values {
			header.Add(key, value)
		}
	}
	if outcome.ContentType != "" {
		header.Set("Content-Type", outcome.ContentType)
	}
	w.WriteHeader(outcome.StatusCode)
	if _, err := w.Write(outcome.Body); err != nil {
		rl.logger.Warn("failed to write response body", "error", err)
	}
}

// terminate ends the request on an error path. The request counter is
// recorded here so rejected and failed requests count the same as relayed
// ones.
func (rl *Relay) terminate(w http.ResponseWriter, r *http.Request, start time.Time, relayErr *domain.RelayError) {
	rl.metrics.RecordRequest(r.Method, relayErr.Status, time.Since(start))
	rl.writeError(w, relayErr)
}

func (rl *Relay) writeError(w http.ResponseWriter, relayErr *domain.RelayError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(relayErr.Status)
	resp := domain.ErrorResponse{Code: relayErr.Code, Message: relayErr.Error()}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		rl.logger.Warn("failed to encode error response", "error", err)
	}
}
