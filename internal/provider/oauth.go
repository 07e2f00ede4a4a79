package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/classifier"
	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/pool"
)

// requiredBetaFlags are unioned with any client-supplied anthropic-beta
// values on every outbound request.
var requiredBetaFlags = []string{
	"oauth-2025-04-20",
	"interleaved-thinking-2025-05-14",
	"context-management-2025-06-27",
}

// systemPromptPrefix is injected ahead of any client-supplied system prompt
// for every model except Haiku.
const systemPromptPrefix = "You are Claude Code, Anthropic's official CLI for Claude."

const anthropicVersion = "2023-06-01"
const userAgent = "claude-cli/1.0 (external, cli)"

// OAuthProvider is the Provider variant that authenticates outbound requests
// with pooled OAuth accounts.
type OAuthProvider struct {
	Pool *pool.Pool
}

// NewOAuth builds an OAuthProvider over p.
func NewOAuth(p *pool.Pool) *OAuthProvider {
	return &OAuthProvider{Pool: p}
}

func (o *OAuthProvider) NeedsBody() bool { return true }

func (o *OAuthProvider) Prepare(ctx context.Context, headers http.Header, body []byte) ([]byte, string, error) {
	selected, err := o.Pool.Select(ctx)
	if err != nil {
		var exhausted *pool.ErrPoolExhausted
		if errors.As(err, &exhausted) {
			return nil, "", &PoolExhaustedError{Counts: exhausted.Counts}
		}
		return nil, "", err
	}

	headers.Del("Authorization")
	headers.Set("Authorization", "Bearer "+selected.AccessToken)
	headers.Set("anthropic-beta", mergeBetaFlags(headers.Values("Anthropic-Beta")))
	headers.Set("anthropic-dangerous-direct-browser-access", "true")
	headers.Set("User-Agent", userAgent)
	headers.Set("anthropic-version", anthropicVersion)

	out, err := injectSystemPrompt(body)
	if err != nil {
		return nil, "", err
	}

	return out, selected.AccountID, nil
}

// mergeBetaFlags unions requiredBetaFlags with any existing comma-separated
// anthropic-beta header values, deduplicated, as a single header value.
func mergeBetaFlags(existing []string) string {
	seen := make(map[string]bool, len(requiredBetaFlags))
	var out []string

	add := func(flag string) {
		flag = strings.TrimSpace(flag)
		if flag == "" || seen[flag] {
			return
		}
		seen[flag] = true
		out = append(out, flag)
	}

	for _, flag := range requiredBetaFlags {
		add(flag)
	}
	for _, header := range existing {
		for _, flag := range strings.Split(header, ",") {
			add(flag)
		}
	}
	return strings.Join(out, ",")
}

// injectSystemPrompt applies the system-prompt injection rule from the
// model field to body, rewriting only the "system" field via sjson so the
// rest of the request body is forwarded byte-for-byte. An empty body is
// left untouched.
func injectSystemPrompt(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}

	model := gjson.GetBytes(body, "model").String()
	if strings.Contains(strings.ToLower(model), "haiku") {
		return body, nil
	}

	system := gjson.GetBytes(body, "system")
	switch {
	case !system.Exists():
		return sjson.SetBytes(body, "system", systemPromptPrefix)
	case system.Type == gjson.String:
		if strings.HasPrefix(system.Str, systemPromptPrefix) {
			return body, nil
		}
		return sjson.SetBytes(body, "system", systemPromptPrefix+" "+system.Str)
	default:
		// Non-string system field (e.g. content-block array): leave as-is.
		return body, nil
	}
}

func (o *OAuthProvider) Classify(status int, respBody string) classifier.Classification {
	return classifier.Classify(status, respBody)
}

func (o *OAuthProvider) Report(accountID string, c classifier.Classification) {
	o.Pool.ReportError(accountID, c)
}

func (o *OAuthProvider) Health() Health {
	snap := o.Pool.Health()
	return Health{Mode: "oauth", Pool: &snap}
}
