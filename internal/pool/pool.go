// Package pool is the account pool: round-robin selection over OAuth
// accounts with lazy cooldown/disable transitions driven by upstream error
// reports.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/classifier"
	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/credstore"
	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/oauthclient"
)

// refreshSkew is how far ahead of expiry an inline refresh is triggered.
const refreshSkew = 60 * time.Second

// StatusKind is the tag of an AccountStatus.
type StatusKind int

const (
	Available StatusKind = iota
	CoolingDown
	Disabled
)

// AccountStatus is the tagged-variant runtime status of one account.
type AccountStatus struct {
	Kind  StatusKind
	Until time.Time // only meaningful when Kind == CoolingDown
}

func (s AccountStatus) String() string {
	switch s.Kind {
	case CoolingDown:
		return "cooling_down"
	case Disabled:
		return "disabled"
	default:
		return "available"
	}
}

// ErrPoolExhausted is returned by Select when no account is eligible. Counts
// reflects the pool state at the moment of exhaustion.
type ErrPoolExhausted struct {
	Counts Counts
}

func (e *ErrPoolExhausted) Error() string {
	return fmt.Sprintf("pool: exhausted (total=%d available=%d cooling_down=%d disabled=%d)",
		e.Counts.Total, e.Counts.Available, e.Counts.CoolingDown, e.Counts.Disabled)
}

// Counts is a snapshot of accounts-by-status, used both in PoolExhausted
// errors and in the health endpoint.
type Counts struct {
	Total       int `json:"accounts_total"`
	Available   int `json:"accounts_available"`
	CoolingDown int `json:"accounts_cooling_down"`
	Disabled    int `json:"accounts_disabled"`
}

// AccountSnapshot is one account's status line for the health endpoint.
type AccountSnapshot struct {
	ID                  string `json:"id"`
	Status              string `json:"status"`
	CooldownRemainingSec *int64 `json:"cooldown_remaining_secs,omitempty"`
}

// Snapshot is the full health-endpoint view of the pool.
type Snapshot struct {
	Counts
	Accounts []AccountSnapshot `json:"accounts"`
}

// Selected is the ephemeral result of a successful Select. It is used for a
// single request and never stored.
type Selected struct {
	AccountID   string
	AccessToken string
}

// Pool is the ordered list of account ids plus their runtime status and a
// monotonically-increasing round-robin cursor.
type Pool struct {
	store      *credstore.Store
	tokens     *oauthclient.Client
	cooldown   time.Duration

	mu     sync.RWMutex
	ids    []string
	status map[string]AccountStatus

	cursor uint64 // atomic

	sf singleflight.Group
}

// New builds a Pool backed by store, using tokens for inline refreshes. ids
// is the initial ordered account list; every id starts Available.
func New(store *credstore.Store, tokens *oauthclient.Client, cooldown time.Duration, ids []string) *Pool {
	p := &Pool{
		store:    store,
		tokens:   tokens,
		cooldown: cooldown,
		ids:      append([]string(nil), ids...),
		status:   make(map[string]AccountStatus, len(ids)),
	}
	for _, id := range ids {
		p.status[id] = AccountStatus{Kind: Available}
	}
	return p
}

// AddAccount adds id to the pool as Available. Idempotent: re-adding an
// existing id is a no-op on its status.
func (p *Pool) AddAccount(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.status[id]; ok {
		return
	}
	p.ids = append(p.ids, id)
	p.status[id] = AccountStatus{Kind: Available}
}

// AccountIDs returns a snapshot of the pool's ordered account id list.
func (p *Pool) AccountIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, len(p.ids))
	copy(ids, p.ids)
	return ids
}

// RemoveAccount deletes id from the pool. Tolerates ids that are absent.
func (p *Pool) RemoveAccount(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.status[id]; !ok {
		return
	}
	delete(p.status, id)
	for i, existing := range p.ids {
		if existing == id {
			p.ids = append(p.ids[:i], p.ids[i+1:]...)
			break
		}
	}
}

// SetStatus overwrites id's status directly. Used by the background
// refresher.
func (p *Pool) SetStatus(id string, status AccountStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.status[id]; ok {
		p.status[id] = status
	}
}

// ReportError applies the state transition implied by classification to id.
// Transient is a no-op.
func (p *Pool) ReportError(id string, c classifier.Classification) {
	switch c {
	case classifier.QuotaExceeded:
		p.mu.Lock()
		if _, ok := p.status[id]; ok {
			p.status[id] = AccountStatus{Kind: CoolingDown, Until: time.Now().Add(p.cooldown)}
		}
		p.mu.Unlock()
	case classifier.Permanent:
		p.mu.Lock()
		if _, ok := p.status[id]; ok {
			p.status[id] = AccountStatus{Kind: Disabled}
		}
		p.mu.Unlock()
	}
}

// Select runs the round-robin scan described by the pool's selection
// algorithm: lazy cooldown-expiry transitions, store reconciliation for ids
// the credential store has forgotten, and inline refresh when the selected
// account's token is within refreshSkew of expiry.
func (p *Pool) Select(ctx context.Context) (Selected, error) {
	p.mu.RLock()
	n := len(p.ids)
	ids := make([]string, n)
	copy(ids, p.ids)
	p.mu.RUnlock()

	if n == 0 {
		return Selected{}, &ErrPoolExhausted{Counts: Counts{}}
	}

	start := int((atomic.AddUint64(&p.cursor, 1) - 1) % uint64(n))
	now := time.Now()

	for offset := 0; offset < n; offset++ {
		idx := (start + offset) % n
		id := ids[idx]

		if !p.markEligibleLocked(id, now) {
			continue
		}

		cred, ok := p.store.Get(id)
		if !ok {
			p.SetStatus(id, AccountStatus{Kind: Disabled})
			continue
		}

		if cred.ExpiresAtTime().Before(now.Add(refreshSkew)) {
			access, err := p.inlineRefresh(ctx, id, cred.Refresh)
			if err != nil {
				if oauthclient.IsInvalidCredentials(err) {
					p.SetStatus(id, AccountStatus{Kind: Disabled})
					continue
				}
				// Transient refresh failure: leave the account Available and
				// surface the failure to the caller instead of disabling a
				// healthy account; the background refresher retries on its
				// own schedule.
				return Selected{}, fmt.Errorf("pool: inline refresh for %s: %w", id, err)
			}
			return Selected{AccountID: id, AccessToken: access}, nil
		}

		return Selected{AccountID: id, AccessToken: cred.Access}, nil
	}

	return Selected{}, &ErrPoolExhausted{Counts: p.counts()}
}

// markEligibleLocked inspects id's status and performs the lazy
// CoolingDown->Available transition if its deadline has passed. Returns
// whether id is eligible for selection right now.
func (p *Pool) markEligibleLocked(id string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.status[id]
	if !ok {
		return false
	}
	switch st.Kind {
	case Available:
		return true
	case CoolingDown:
		if !now.Before(st.Until) {
			p.status[id] = AccountStatus{Kind: Available}
			return true
		}
		return false
	default: // Disabled
		return false
	}
}

// inlineRefresh calls the token endpoint and persists the new triple,
// deduplicating concurrent refreshes for the same account via singleflight.
func (p *Pool) inlineRefresh(ctx context.Context, id, refresh string) (string, error) {
	v, err, _ := p.sf.Do(id, func() (interface{}, error) {
		res, err := p.tokens.RefreshToken(ctx, refresh)
		if err != nil {
			return "", err
		}
		if err := p.store.UpdateToken(id, res.Access, res.Refresh, res.ExpiresAt.UnixMilli()); err != nil {
			return "", err
		}
		return res.Access, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *Pool) counts() Counts {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var c Counts
	c.Total = len(p.ids)
	for _, id := range p.ids {
		switch p.status[id].Kind {
		case Available:
			c.Available++
		case CoolingDown:
			c.CoolingDown++
		case Disabled:
			c.Disabled++
		}
	}
	return c
}

// Health returns a full snapshot for the health endpoint.
func (p *Pool) Health() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snap := Snapshot{Accounts: make([]AccountSnapshot, 0, len(p.ids))}
	now := time.Now()
	for _, id := range p.ids {
		st := p.status[id]
		snap.Total++
		as := AccountSnapshot{ID: id, Status: st.String()}
		switch st.Kind {
		case Available:
			snap.Available++
		case CoolingDown:
			snap.CoolingDown++
			remaining := int64(st.Until.Sub(now) / time.Second)
			if remaining < 0 {
				remaining = 0
			}
			as.CooldownRemainingSec = &remaining
		case Disabled:
			snap.Disabled++
		}
		snap.Accounts = append(snap.Accounts, as)
	}
	sort.Slice(snap.Accounts, func(i, j int) bool { return snap.Accounts[i].ID < snap.Accounts[j].ID })
	return snap
}

// AsJSON is a convenience used when surfacing ErrPoolExhausted.Counts as an
// error-response body.
func (c Counts) AsJSON() json.RawMessage {
	raw, err := json.Marshal(c)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}
