// Package enroll drives the local PKCE enrolment flow used to populate the
// credential store from the command line. It is the minimum needed for
// local development; the admin HTTP PKCE surface is an external
// collaborator and is not built here.
package enroll

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/credstore"
	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/oauthclient"
)

// Run drives one PKCE authorization-code flow to completion: it prints the
// authorize URL, waits for the loopback callback, exchanges the code, and
// stores the resulting credential under accountID.
func Run(ctx context.Context, client *oauthclient.Client, store *credstore.Store, accountID string, printf func(format string, args ...any)) error {
	pkce, err := oauthclient.GeneratePKCECodes()
	if err != nil {
		return fmt.Errorf("enroll: generating PKCE codes: %w", err)
	}

	state := uuid.NewString()

	authURL := client.AuthURLWithPKCE(state, pkce.CodeChallenge)
	printf("Open this URL to authorize the gateway:\n\n%s\n\n", authURL)

	code, gotState, err := awaitCallback(ctx)
	if err != nil {
		return fmt.Errorf("enroll: waiting for callback: %w", err)
	}
	if gotState != "" && gotState != state {
		return fmt.Errorf("enroll: state mismatch in OAuth callback")
	}

	result, err := client.ExchangeCode(ctx, code, pkce.CodeVerifier)
	if err != nil {
		return fmt.Errorf("enroll: exchanging code: %w", err)
	}

	cred := credstore.Credential{
		Type:      "oauth",
		Access:    result.Access,
		Refresh:   result.Refresh,
		ExpiresAt: result.ExpiresAt.UnixMilli(),
	}
	if err := store.Add(accountID, cred); err != nil {
		return fmt.Errorf("enroll: persisting credential: %w", err)
	}

	printf("Stored credential for account %q (email %s)\n", accountID, result.Email)
	return nil
}

// awaitCallback starts a loopback listener matching oauthclient.RedirectURI
// and blocks until the OAuth provider redirects back to it.
func awaitCallback(ctx context.Context) (code, state string, err error) {
	u, err := url.Parse(oauthclient.RedirectURI)
	if err != nil {
		return "", "", fmt.Errorf("parsing redirect URI: %w", err)
	}

	resultCh := make(chan [2]string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(u.Path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if errParam := q.Get("error"); errParam != "" {
			errCh <- fmt.Errorf("authorization denied: %s", errParam)
			_, _ = w.Write([]byte("Authorization denied. You may close this tab."))
			return
		}
		resultCh <- [2]string{q.Get("code"), q.Get("state")}
		_, _ = w.Write([]byte("Authorization complete. You may close this tab."))
	})

	srv := &http.Server{Addr: u.Host, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	select {
	case <-ctx.Done():
		return "", "", ctx.Err()
	case err := <-errCh:
		return "", "", err
	case result := <-resultCh:
		return result[0], result[1], nil
	}
}
