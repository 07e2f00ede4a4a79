package oauthclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRefreshTokenSuccess(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, `{"access_token":"new-access","refresh_token":"new-refresh","token_type":"Bearer","expires_in":3600}`)
	c := NewWithEndpoint(srv.Client(), srv.URL, srv.URL)

	res, err := c.RefreshToken(context.Background(), "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "new-access", res.Access)
	assert.Equal(t, "new-refresh", res.Refresh)
	assert.False(t, res.ExpiresAt.IsZero())
}

func TestRefreshTokenInvalidCredentials(t *testing.T) {
	srv := newTestServer(t, http.StatusUnauthorized, `{"error":"invalid_grant"}`)
	c := NewWithEndpoint(srv.Client(), srv.URL, srv.URL)

	_, err := c.RefreshToken(context.Background(), "bad-refresh")
	require.Error(t, err)
	assert.True(t, IsInvalidCredentials(err))
}

func TestRefreshTokenOtherError(t *testing.T) {
	srv := newTestServer(t, http.StatusInternalServerError, `{"error":"server_error"}`)
	c := NewWithEndpoint(srv.Client(), srv.URL, srv.URL)

	_, err := c.RefreshToken(context.Background(), "some-refresh")
	require.Error(t, err)
	assert.False(t, IsInvalidCredentials(err))

	var exchangeErr *TokenExchangeError
	assert.ErrorAs(t, err, &exchangeErr)
}

func TestAuthURLWithPKCEContainsChallenge(t *testing.T) {
	c := New(nil)
	u := c.AuthURLWithPKCE("state-123", "challenge-abc")
	assert.Contains(t, u, "code_challenge=challenge-abc")
	assert.Contains(t, u, "code_challenge_method=S256")
	assert.Contains(t, u, "state=state-123")
}
