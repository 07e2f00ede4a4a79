package provider

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassthroughPreservesClientAuthorization(t *testing.T) {
	extra := make(http.Header)
	extra.Add("X-Extra", "value")
	prov := NewPassthrough(extra)

	headers := make(http.Header)
	headers.Add("Authorization", "X")

	_, _, err := prov.Prepare(context.Background(), headers, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"X"}, headers.Values("Authorization"))
	assert.Equal(t, []string{"value"}, headers.Values("x-extra"))
}

func TestPassthroughDoesNotNeedBody(t *testing.T) {
	prov := NewPassthrough(nil)
	assert.False(t, prov.NeedsBody())
}

func TestPassthroughHealthHasNoPool(t *testing.T) {
	prov := NewPassthrough(nil)
	h := prov.Health()
	assert.Equal(t, "passthrough", h.Mode)
	assert.Nil(t, h.Pool)
}
