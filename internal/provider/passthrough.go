package provider

import (
	"context"
	"net/http"
	"strings"

	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/classifier"
)

// PassthroughProvider forwards the client's own Authorization header
// verbatim and injects a fixed set of configured headers. It never touches
// account/pool state.
type PassthroughProvider struct {
	// ExtraHeaders are injected into every outbound request. config.Load
	// refuses a [[headers]] entry named "authorization" (case-insensitive),
	// and Prepare skips any such entry that reaches it, so the client's own
	// Authorization header is forwarded unchanged.
	ExtraHeaders http.Header
}

// NewPassthrough builds a PassthroughProvider with the given extra headers.
func NewPassthrough(extraHeaders http.Header) *PassthroughProvider {
	return &PassthroughProvider{ExtraHeaders: extraHeaders}
}

func (p *PassthroughProvider) NeedsBody() bool { return false }

func (p *PassthroughProvider) Prepare(_ context.Context, headers http.Header, body []byte) ([]byte, string, error) {
	for name, values := range p.ExtraHeaders {
		if strings.EqualFold(name, "Authorization") {
			continue
		}
		for _, v := range values {
			headers.Add(name, v)
		}
	}
	return body, "", nil
}

func (p *PassthroughProvider) Classify(status int, respBody string) classifier.Classification {
	return classifier.Classify(status, respBody)
}

func (p *PassthroughProvider) Report(string, classifier.Classification) {}

func (p *PassthroughProvider) Health() Health {
	return Health{Mode: "passthrough"}
}
