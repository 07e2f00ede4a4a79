package enroll

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/credstore"
	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/oauthclient"
)

func TestRunCompletesFlowAndStoresCredential(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"access-1","refresh_token":"refresh-1","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	client := oauthclient.NewWithEndpoint(tokenSrv.Client(), tokenSrv.URL, tokenSrv.URL)

	store, err := credstore.Load(filepath.Join(t.TempDir(), "credentials.json"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	var logged []string
	go func() {
		errCh <- Run(ctx, client, store, "acct-1", func(format string, args ...any) {
			logged = append(logged, format)
		})
	}()

	// Give the loopback listener a moment to bind before hitting it.
	time.Sleep(50 * time.Millisecond)
	redirect, err := url.Parse(oauthclient.RedirectURI)
	require.NoError(t, err)
	callbackURL := "http://" + redirect.Host + redirect.Path + "?code=abc"
	resp, err := http.Get(callbackURL)
	if err == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}

	require.NoError(t, <-errCh)

	cred, ok := store.Get("acct-1")
	require.True(t, ok)
	assert.Equal(t, "access-1", cred.Access)
	assert.NotEmpty(t, logged)
}
