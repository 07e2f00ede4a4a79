// Package pipeline is the request pipeline: ingest, prepare, forward with
// bounded timeout retries and bounded quota failover, stream the response.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/classifier"
	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/logging"
	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/pool"
	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/provider"
)

const (
	// MaxBody is the spec-fixed upper bound on inbound request bodies.
	MaxBody = 10 << 20 // 10 MiB

	// MaxTimeoutAttempts is 1 initial attempt plus 2 retries.
	MaxTimeoutAttempts = 3
	// TimeoutRetryDelay is fixed, not exponential: retries are cheap and
	// upstream recovery is fast.
	TimeoutRetryDelay = 100 * time.Millisecond
)

// hopByHop is the RFC 2616 hop-by-hop header set, stripped on both the
// inbound and outbound legs.
var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// Counters are the observability contract: requests_total, in_flight, and
// errors_total, plain atomics (no metrics library is in scope).
type Counters struct {
	RequestsTotal atomic.Int64
	InFlight      atomic.Int64
	ErrorsTotal   atomic.Int64
}

// Pipeline couples a Provider to an upstream HTTP client and request
// forwarding policy.
type Pipeline struct {
	Provider    provider.Provider
	UpstreamURL string
	Client      *http.Client
	Counters    *Counters
}

// New builds a Pipeline. client may be nil to use http.DefaultClient.
func New(p provider.Provider, upstreamURL string, client *http.Client) *Pipeline {
	if client == nil {
		client = http.DefaultClient
	}
	return &Pipeline{Provider: p, UpstreamURL: upstreamURL, Client: client, Counters: &Counters{}}
}

// proxyError is the §6.5 error response body.
type proxyError struct {
	Error struct {
		Type      string `json:"type"`
		Message   string `json:"message"`
		RequestID string `json:"request_id"`
	} `json:"error"`
}

func newProxyError(kind, message, requestID string) proxyError {
	var e proxyError
	e.Error.Type = kind
	e.Error.Message = message
	e.Error.RequestID = requestID
	return e
}

// ServeHTTP implements the full request pipeline against w/r. method, path,
// and query are forwarded verbatim to UpstreamURL.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := logging.GetRequestID(r.Context())
	if requestID == "" {
		requestID = logging.GenerateRequestID()
	}
	p.Counters.RequestsTotal.Add(1)
	p.Counters.InFlight.Add(1)
	defer p.Counters.InFlight.Add(-1)

	logEntry := log.WithField("request_id", requestID)

	// Stage 1: ingest.
	filteredHeaders := filterInboundHeaders(r.Header)

	bodyBytes, err := readBoundedBody(r.Body, MaxBody)
	if err != nil {
		p.writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), requestID)
		return
	}

	// Stage 2: parse-body-if-needed. The body stays raw bytes throughout —
	// only json.Valid is used to reject malformed input, since the
	// provider rewrites fields in place (gjson/sjson) rather than
	// round-tripping through a Go value, preserving the rest of the body
	// byte-for-byte.
	if p.Provider.NeedsBody() && len(bodyBytes) > 0 && !json.Valid(bodyBytes) {
		p.writeError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON", requestID)
		return
	}

	maxFailover := p.maxFailoverAttempts()

	var lastErrResp *bufferedResponse

	for attempt := 0; attempt < maxFailover; attempt++ {
		headers := cloneHeaders(filteredHeaders)

		outBody, accountID, err := p.Provider.Prepare(r.Context(), headers, bodyBytes)
		if err != nil {
			var exhausted *provider.PoolExhaustedError
			if errors.As(err, &exhausted) {
				if lastErrResp != nil {
					p.writeBuffered(w, lastErrResp)
					return
				}
				p.writePoolExhausted(w, exhausted.Counts, requestID)
				return
			}
			p.writeError(w, http.StatusBadGateway, "proxy_error", err.Error(), requestID)
			return
		}

		resp, classification, buffered, err := p.sendWithTimeoutRetry(r, headers, outBody, accountID, logEntry)
		if err != nil {
			var timeoutErr *timeoutExceededError
			if errors.As(err, &timeoutErr) {
				p.writeError(w, http.StatusGatewayTimeout, "proxy_error", fmt.Sprintf("upstream timed out after %d attempts", MaxTimeoutAttempts), requestID)
				return
			}
			p.writeError(w, http.StatusBadGateway, "proxy_error", err.Error(), requestID)
			return
		}

		if resp != nil {
			p.streamResponse(w, resp)
			return
		}

		// 4xx/5xx in OAuth mode, already classified and buffered.
		switch classification {
		case classifier.QuotaExceeded:
			p.Provider.Report(accountID, classification)
			lastErrResp = buffered
			continue
		case classifier.Permanent:
			p.Provider.Report(accountID, classification)
			p.writeBuffered(w, buffered)
			return
		default: // Transient
			p.writeBuffered(w, buffered)
			return
		}
	}

	if lastErrResp != nil {
		p.writeBuffered(w, lastErrResp)
		return
	}
	p.writeError(w, http.StatusServiceUnavailable, "pool_exhausted", "no account available after failover", requestID)
}

// timeoutExceededError signals that all timeout retries were exhausted.
type timeoutExceededError struct{ cause error }

func (e *timeoutExceededError) Error() string { return e.cause.Error() }
func (e *timeoutExceededError) Unwrap() error { return e.cause }

// bufferedResponse holds a small (by contract) upstream error body read
// fully into memory so it can be replayed if failover consumes it.
type bufferedResponse struct {
	status  int
	headers http.Header
	body    []byte
}

// sendWithTimeoutRetry runs the inner timeout-retry loop for one failover
// attempt. It returns either a *http.Response ready to stream (2xx/3xx, or
// any status in passthrough mode), or a buffered 4xx/5xx body plus its
// classification for the failover loop to act on.
func (p *Pipeline) sendWithTimeoutRetry(r *http.Request, headers http.Header, body []byte, accountID string, logEntry *log.Entry) (*http.Response, classifier.Classification, *bufferedResponse, error) {
	var lastErr error

	for attempt := 0; attempt < MaxTimeoutAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(TimeoutRetryDelay)
		}

		req, err := http.NewRequestWithContext(r.Context(), r.Method, p.UpstreamURL+r.URL.RequestURI(), bytes.NewReader(body))
		if err != nil {
			return nil, 0, nil, err
		}
		req.Header = headers

		resp, err := p.Client.Do(req)
		if err != nil {
			if isTimeout(err) {
				lastErr = err
				if attempt < MaxTimeoutAttempts-1 {
					continue
				}
				return nil, 0, nil, &timeoutExceededError{cause: lastErr}
			}
			// Connection errors are not retried.
			return nil, 0, nil, err
		}

		if resp.StatusCode < 400 {
			return resp, 0, nil, nil
		}
		if p.Provider.NeedsBody() {
			// OAuth mode: buffer and classify.
			respBody, err := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if err != nil {
				return nil, 0, nil, err
			}
			classification := p.Provider.Classify(resp.StatusCode, string(respBody))
			buffered := &bufferedResponse{status: resp.StatusCode, headers: resp.Header, body: respBody}
			logEntry.WithField("account_id", accountID).WithField("status", resp.StatusCode).Debug("upstream non-2xx response classified")
			return nil, classification, buffered, nil
		}

		// Passthrough mode (or 3xx path already handled above): stream
		// whatever status upstream sent, verbatim.
		return resp, 0, nil, nil
	}

	return nil, 0, nil, &timeoutExceededError{cause: lastErr}
}

func (p *Pipeline) maxFailoverAttempts() int {
	h := p.Provider.Health()
	if h.Pool == nil {
		return 1
	}
	if h.Pool.Total <= 0 {
		return 1
	}
	return h.Pool.Total
}

func (p *Pipeline) streamResponse(w http.ResponseWriter, resp *http.Response) {
	defer func() { _ = resp.Body.Close() }()

	dst := w.Header()
	for name, values := range resp.Header {
		if hopByHop[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if flusher, ok := w.(http.Flusher); ok {
		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return
				}
				flusher.Flush()
			}
			if err != nil {
				return
			}
		}
	}
	_, _ = io.Copy(w, resp.Body)
}

func (p *Pipeline) writeBuffered(w http.ResponseWriter, b *bufferedResponse) {
	p.Counters.ErrorsTotal.Add(1)
	dst := w.Header()
	for name, values := range b.headers {
		if hopByHop[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body)
}

// poolExhaustedBody extends the standard error envelope with the pool
// counts named in the pool-exhausted scenario.
type poolExhaustedBody struct {
	proxyError
	Pool pool.Counts `json:"pool"`
}

func (p *Pipeline) writePoolExhausted(w http.ResponseWriter, counts pool.Counts, requestID string) {
	p.Counters.ErrorsTotal.Add(1)
	body := poolExhaustedBody{
		proxyError: newProxyError("pool_exhausted", "no account available", requestID),
		Pool:       counts,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(body)
}

func (p *Pipeline) writeError(w http.ResponseWriter, status int, kind, message, requestID string) {
	p.Counters.ErrorsTotal.Add(1)
	e := newProxyError(kind, message, requestID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}

func filterInboundHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		lower := strings.ToLower(name)
		if hopByHop[lower] || lower == "host" || lower == "content-length" {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	return out
}

func cloneHeaders(h http.Header) http.Header {
	return h.Clone()
}

func readBoundedBody(r io.Reader, max int64) ([]byte, error) {
	limited := io.LimitReader(r, max+1)
	buf, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if int64(len(buf)) > max {
		return nil, fmt.Errorf("request body exceeds maximum of %d bytes", max)
	}
	return buf, nil
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
