// Package provider hides pool/credential details from the request
// pipeline behind a small capability interface.
package provider

import (
	"context"
	"net/http"

	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/classifier"
	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/pool"
)

// Health is the provider-level view surfaced at the health endpoint.
type Health struct {
	Mode string
	Pool *pool.Snapshot // nil in passthrough mode
}

// Provider is the capability set the request pipeline depends on. The
// pipeline never inspects account/pool state directly; OAuth and passthrough
// variants implement this the same way.
type Provider interface {
	// NeedsBody reports whether Prepare must be given the raw JSON body.
	NeedsBody() bool
	// Prepare mutates headers in place and returns the (possibly rewritten)
	// body for one outbound attempt, plus the selected account id. body is
	// returned unchanged except for whatever in-place JSON field rewrite
	// the provider performs; callers must not assume the returned slice
	// shares storage with the input.
	Prepare(ctx context.Context, headers http.Header, body []byte) (outBody []byte, accountID string, err error)
	// Classify maps an upstream response onto a Classification.
	Classify(status int, respBody string) classifier.Classification
	// Report records the outcome of an attempt against accountID.
	Report(accountID string, c classifier.Classification)
	// Health returns the provider's health view.
	Health() Health
}

// PoolExhaustedError is returned by Prepare when the pool has no eligible
// account; the pipeline maps this to a 503.
type PoolExhaustedError struct {
	Counts pool.Counts
}

func (e *PoolExhaustedError) Error() string {
	return "provider: pool exhausted"
}
