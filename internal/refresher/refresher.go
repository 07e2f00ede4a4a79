// Package refresher runs the background task that proactively refreshes
// OAuth tokens before they expire, independent of request serving.
package refresher

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/credstore"
	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/oauthclient"
	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/pool"
)

// Refresher periodically refreshes tokens that are within Threshold of
// expiry, sequentially per account on each tick.
type Refresher struct {
	Store     *credstore.Store
	Pool      *pool.Pool
	Tokens    *oauthclient.Client
	Interval  time.Duration
	Threshold time.Duration
}

// New builds a Refresher with the given dependencies, defaulting Interval
// to 5 minutes and Threshold to 15 minutes when zero.
func New(store *credstore.Store, p *pool.Pool, tokens *oauthclient.Client, interval, threshold time.Duration) *Refresher {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if threshold <= 0 {
		threshold = 15 * time.Minute
	}
	return &Refresher{Store: store, Pool: p, Tokens: tokens, Interval: interval, Threshold: threshold}
}

// Run ticks every r.Interval until ctx is cancelled. No in-flight refresh is
// awaited on cancellation; the credential store's atomic writes bound the
// damage to "completed and persisted" or "did not happen".
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Refresher) tick(ctx context.Context) {
	ids := r.Pool.AccountIDs()
	now := time.Now()

	for _, id := range ids {
		cred, ok := r.Store.Get(id)
		if !ok {
			continue
		}
		if cred.ExpiresAtTime().After(now.Add(r.Threshold)) {
			continue
		}

		res, err := r.Tokens.RefreshToken(ctx, cred.Refresh)
		if err != nil {
			if oauthclient.IsInvalidCredentials(err) {
				r.Pool.SetStatus(id, pool.AccountStatus{Kind: pool.Disabled})
				log.WithField("account_id", id).Warn("background refresh: invalid credentials, disabling account")
				continue
			}
			log.WithField("account_id", id).WithError(err).Warn("background refresh: retryable failure, will retry next tick")
			continue
		}

		if err := r.Store.UpdateToken(id, res.Access, res.Refresh, res.ExpiresAt.UnixMilli()); err != nil {
			log.WithField("account_id", id).WithError(err).Error("background refresh: persisting new token failed")
		}
	}
}
