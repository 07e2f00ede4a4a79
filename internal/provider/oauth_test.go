package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/credstore"
	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/oauthclient"
	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/pool"
)

func newTestProvider(t *testing.T) *OAuthProvider {
	t.Helper()
	store, err := credstore.Load(filepath.Join(t.TempDir(), "credentials.json"))
	require.NoError(t, err)
	require.NoError(t, store.Add("a", credstore.Credential{
		Access: "token-a", ExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
	}))
	p := pool.New(store, oauthclient.New(nil), time.Hour, []string{"a"})
	return NewOAuth(p)
}

func TestPrepareInjectsAuthAndBetaHeaders(t *testing.T) {
	prov := newTestProvider(t)

	// Built via Add, the same way the pipeline's header filtering does, so
	// the header names land in their canonical form before Prepare sees
	// them.
	headers := make(http.Header)
	headers.Add("Authorization", "Bearer client-supplied")
	headers.Add("anthropic-beta", "custom-flag-2025")
	body := []byte(`{"model":"claude-sonnet-4"}`)

	outBody, accountID, err := prov.Prepare(context.Background(), headers, body)
	require.NoError(t, err)
	assert.Equal(t, "a", accountID)
	assert.Equal(t, []string{"Bearer token-a"}, headers.Values("Authorization"))

	betaValues := headers.Values("anthropic-beta")
	require.Len(t, betaValues, 1, "anthropic-beta must not be duplicated under a second header key")
	beta := betaValues[0]
	assert.Contains(t, beta, "oauth-2025-04-20")
	assert.Contains(t, beta, "interleaved-thinking-2025-05-14")
	assert.Contains(t, beta, "context-management-2025-06-27")
	assert.Contains(t, beta, "custom-flag-2025")

	assert.Equal(t, []string{"true"}, headers.Values("anthropic-dangerous-direct-browser-access"))
	assert.Equal(t, []string{anthropicVersion}, headers.Values("anthropic-version"))

	assert.JSONEq(t, `{"model":"claude-sonnet-4","system":"You are Claude Code, Anthropic's official CLI for Claude."}`, string(outBody))
}

func TestPrepareSystemPromptInjectionNonHaiku(t *testing.T) {
	prov := newTestProvider(t)
	body := []byte(`{"model":"claude-sonnet-4"}`)

	outBody, _, err := prov.Prepare(context.Background(), make(http.Header), body)
	require.NoError(t, err)
	assert.Equal(t, systemPromptPrefix, gjson.GetBytes(outBody, "system").String())
}

func TestPrepareSystemPromptLeftAloneForHaiku(t *testing.T) {
	prov := newTestProvider(t)
	body := []byte(`{"model":"claude-haiku-4"}`)

	outBody, _, err := prov.Prepare(context.Background(), make(http.Header), body)
	require.NoError(t, err)
	assert.Equal(t, string(body), string(outBody))
}

func TestPrepareSystemPromptPrependedWhenExisting(t *testing.T) {
	prov := newTestProvider(t)
	body := []byte(`{"model":"claude-opus-4","system":"Be terse."}`)

	outBody, _, err := prov.Prepare(context.Background(), make(http.Header), body)
	require.NoError(t, err)
	assert.Equal(t, systemPromptPrefix+" Be terse.", gjson.GetBytes(outBody, "system").String())
}

func TestPrepareSystemPromptNotDuplicated(t *testing.T) {
	prov := newTestProvider(t)
	existing := systemPromptPrefix + " already prefixed"
	existingJSON, err := json.Marshal(existing)
	require.NoError(t, err)
	body := []byte(`{"model":"claude-opus-4","system":` + string(existingJSON) + `}`)

	outBody, _, err := prov.Prepare(context.Background(), make(http.Header), body)
	require.NoError(t, err)
	assert.Equal(t, existing, gjson.GetBytes(outBody, "system").String())
}

func TestPrepareLeavesUnrelatedFieldsByteForByte(t *testing.T) {
	prov := newTestProvider(t)
	body := []byte(`{"model":"claude-opus-4","messages":[{"role":"user","content":"hi"}],"max_tokens":256}`)

	outBody, _, err := prov.Prepare(context.Background(), make(http.Header), body)
	require.NoError(t, err)
	assert.Equal(t, `[{"role":"user","content":"hi"}]`, gjson.GetBytes(outBody, "messages").Raw)
	assert.Equal(t, "256", gjson.GetBytes(outBody, "max_tokens").Raw)
}
