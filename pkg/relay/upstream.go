package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wakarelay/waka-relay/internal/governance"
	"github.com/wakarelay/waka-relay/pkg/domain"
)

// CapturedRequest is the relay's read-only copy of one inbound request.
// It is built once per request and safe to share with the detached
// secondary calls: headers are cloned per outbound call and the body
// slices are never mutated after construction.
type CapturedRequest struct {
	Method      string
	Path        string // relative to the instance base URL, no leading slash
	Proto       string
	Headers     http.Header
	Body        []byte
	ForwardBody []byte // heartbeat-rewritten body, or Body verbatim
	RemoteAddr  string
	Heartbeat   bool
}

// JoinURL concatenates an instance base URL and the inbound path. If the
// base URL's path component already ends in a slash the path is appended
// directly, otherwise exactly one slash is inserted.
func JoinURL(baseURL, path string) string {
	parsed, err := url.Parse(baseURL)
	if err == nil && strings.HasSuffix(parsed.Path, "/") {
		return baseURL + path
	}
	return baseURL + "/" + path
}

// Dispatcher builds and executes one outbound request per configured
// instance, bounded by the shared permit pool.
type Dispatcher struct {
	client  *http.Client
	permits *governance.PermitPool
	timeout time.Duration
	ident   string
	logger  *slog.Logger
	metrics *Metrics
}

// NewDispatcher creates a dispatcher using the shared outbound client.
func NewDispatcher(client *http.Client, permits *governance.PermitPool, timeout time.Duration, logger *slog.Logger, metrics *Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		client:  client,
		permits: permits,
		timeout: timeout,
		ident:   Identity,
		logger:  logger,
		metrics: metrics,
	}
}

// Call forwards the captured request to one instance and returns its
// outcome. The role label ("primary" or "secondary") is used only for
// metrics and logging. Every call holds a permit for its full duration and
// is bounded by the configured per-call timeout; the caller's context is
// used for tracing propagation but its cancellation is ignored, so a
// client disconnect never stops an in-flight upstream call.
func (d *Dispatcher) Call(ctx context.Context, inst domain.Instance, req *CapturedRequest, role string) (*domain.Outcome, error) {
	ctx = context.WithoutCancel(ctx)

	if err := d.permits.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("acquire dispatch permit: %w", err)
	}
	defer d.permits.Release()

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	target := JoinURL(inst.BaseURL, req.Path)
	outReq, err := http.NewRequestWithContext(callCtx, req.Method, target, bytes.NewReader(req.ForwardBody))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	outReq.Header = d.outboundHeaders(req, inst)

	start := time.Now()
	resp, err := d.client.Do(outReq)
	if err != nil {
		if d.metrics != nil {
			d.metrics.ObserveUpstream(role, 0, time.Since(start))
		}
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrUpstream, inst.BaseURL, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			d.logger.Warn("failed to close upstream response body", "error", cerr)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read body: %v", domain.ErrUpstream, inst.BaseURL, err)
	}
	if d.metrics != nil {
		d.metrics.ObserveUpstream(role, resp.StatusCode, time.Since(start))
	}

	outcome := &domain.Outcome{
		StatusCode:  resp.StatusCode,
		Body:        body,
		Headers:     cloneHeadersWithoutLength(resp.Header),
		ContentType: resp.Header.Get("Content-Type"),
	}

	if strings.HasPrefix(outcome.ContentType, "application/json") && len(body) > 0 {
		var parsed any
		if err := json.Unmarshal(body, &parsed); err != nil {
			d.logger.Warn("upstream declared JSON but body did not parse",
				"instance", inst.BaseURL, "error", err)
		} else {
			outcome.JSON = parsed
		}
	}

	return outcome, nil
}

// outboundHeaders rebuilds the header set for one instance: hop-by-hop and
// identity headers are dropped, the Authorization header is replaced with
// the instance's own key, and the relay identity token is appended to the
// user agent. The relay re-authenticates to each backend independently of
// how the caller authenticated to the relay.
func (d *Dispatcher) outboundHeaders(req *CapturedRequest, inst domain.Instance) http.Header {
	headers := req.Headers.Clone()
	if headers == nil {
		headers = make(http.Header)
	}
	headers.Del("Host")
	headers.Del("Content-Length")

	headers.Set("Authorization", basicScheme+base64.StdEncoding.EncodeToString([]byte(inst.APIKey)))

	if ua := headers.Get("User-Agent"); ua != "" {
		headers.Set("User-Agent", ua+" "+d.ident)
	} else {
		headers.Set("User-Agent", d.ident)
	}
	return headers
}

// cloneHeadersWithoutLength copies upstream response headers, dropping
// Content-Length since the relayed body may differ in size after the
// response transform.
func cloneHeadersWithoutLength(src http.Header) http.Header {
	headers := src.Clone()
	headers.Del("Content-Length")
	return headers
}
