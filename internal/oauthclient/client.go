// Package oauthclient is the token endpoint client: authorization-code
// exchange and refresh-token exchange against Anthropic's OAuth endpoint.
package oauthclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

// OAuth configuration for the Anthropic Claude.ai OAuth app.
const (
	AuthURL     = "https://claude.ai/oauth/authorize"
	TokenURL    = "https://console.anthropic.com/v1/oauth/token"
	ClientID    = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	RedirectURI = "http://localhost:54545/callback"

	// scope requested for the enrolment flow.
	scope = "org:create_api_key user:profile user:inference"
)

// Result is the normalized outcome of an exchange or refresh call.
type Result struct {
	Access    string
	Refresh   string
	ExpiresAt time.Time
	Email     string
}

// Client talks to the Anthropic OAuth token endpoint.
type Client struct {
	conf       oauth2.Config
	httpClient *http.Client
}

// New builds a Client against the production Anthropic OAuth endpoint.
// httpClient may be nil to use http.DefaultClient.
func New(httpClient *http.Client) *Client {
	return NewWithEndpoint(httpClient, AuthURL, TokenURL)
}

// NewWithEndpoint builds a Client against an arbitrary authorize/token
// endpoint pair, for tests and alternate deployments.
func NewWithEndpoint(httpClient *http.Client, authURL, tokenURL string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		conf: oauth2.Config{
			ClientID:    ClientID,
			RedirectURL: RedirectURI,
			Scopes:      []string{scope},
			Endpoint: oauth2.Endpoint{
				AuthURL:  authURL,
				TokenURL: tokenURL,
			},
		},
		httpClient: httpClient,
	}
}

// AuthURLWithPKCE builds the authorization URL for the enrolment flow.
func (c *Client) AuthURLWithPKCE(state string, challenge string) string {
	return c.conf.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code", "true"),
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// ExchangeCode performs the authorization_code grant. Used only by the
// enrolment collaborator.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier string) (Result, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := c.conf.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", verifier))
	if err != nil {
		return Result{}, classifyError(err)
	}
	return toResult(tok), nil
}

// RefreshToken performs the refresh_token grant.
func (c *Client) RefreshToken(ctx context.Context, refresh string) (Result, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	src := c.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh})
	tok, err := src.Token()
	if err != nil {
		return Result{}, classifyError(err)
	}
	return toResult(tok), nil
}

func toResult(tok *oauth2.Token) Result {
	r := Result{
		Access:    tok.AccessToken,
		Refresh:   tok.RefreshToken,
		ExpiresAt: tok.Expiry,
	}
	if email, ok := tok.Extra("account").(map[string]any); ok {
		if e, ok := email["email_address"].(string); ok {
			r.Email = e
		}
	}
	return r
}

// classifyError maps a transport/oauth2 error onto the failure taxonomy from
// the token client contract: InvalidCredentials for 401/403, TokenExchange
// for other non-2xx, Http for anything that never reached the endpoint.
func classifyError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil &&
			(retrieveErr.Response.StatusCode == http.StatusUnauthorized ||
				retrieveErr.Response.StatusCode == http.StatusForbidden) {
			return &InvalidCredentialsError{Cause: retrieveErr}
		}
		return &TokenExchangeError{Cause: retrieveErr}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &HTTPError{Cause: urlErr}
	}
	return &HTTPError{Cause: err}
}

// InvalidCredentialsError signals a 401/403 from the token endpoint: the
// refresh token itself is no longer valid. Callers treat this as Permanent.
type InvalidCredentialsError struct{ Cause error }

func (e *InvalidCredentialsError) Error() string {
	return fmt.Sprintf("oauthclient: invalid credentials: %v", e.Cause)
}
func (e *InvalidCredentialsError) Unwrap() error { return e.Cause }

// TokenExchangeError signals any other non-2xx from the token endpoint.
// Retryable/transient.
type TokenExchangeError struct{ Cause error }

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("oauthclient: token exchange failed: %v", e.Cause)
}
func (e *TokenExchangeError) Unwrap() error { return e.Cause }

// HTTPError signals a transport-level failure reaching the token endpoint.
// Transient.
type HTTPError struct{ Cause error }

func (e *HTTPError) Error() string {
	return fmt.Sprintf("oauthclient: transport error: %v", e.Cause)
}
func (e *HTTPError) Unwrap() error { return e.Cause }

// IsInvalidCredentials reports whether err is (or wraps) an
// InvalidCredentialsError.
func IsInvalidCredentials(err error) bool {
	var e *InvalidCredentialsError
	return errors.As(err, &e)
}
