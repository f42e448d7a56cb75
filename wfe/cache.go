package wfe

import (
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/jmhodges/clock"

	"github.com/petra-ca/petra/core"
)

// AccountCache is a positive cache of account lookups during JWS
// verification. Deactivations take up to ttl to propagate to cached
// entries, which is acceptable because deactivation is also checked at the
// storage layer on every mutation.
type AccountCache struct {
	mu    sync.Mutex
	cache *lru.Cache
	ttl   time.Duration
	clk   clock.Clock
}

type accountEntry struct {
	account core.Account
	expires time.Time
}

// NewAccountCache builds a cache holding at most maxEntries accounts.
func NewAccountCache(maxEntries int, ttl time.Duration, clk clock.Clock) *AccountCache {
	if ttl == 0 {
		ttl = time.Minute
	}
	return &AccountCache{
		cache: lru.New(maxEntries),
		ttl:   ttl,
		clk:   clk,
	}
}

// Get returns the cached account and whether it was present and fresh.
func (ac *AccountCache) Get(id string) (core.Account, bool) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	value, ok := ac.cache.Get(lru.Key(id))
	if !ok {
		return core.Account{}, false
	}
	entry := value.(accountEntry)
	if ac.clk.Now().After(entry.expires) {
		ac.cache.Remove(lru.Key(id))
		return core.Account{}, false
	}
	return entry.account, true
}

// Add caches an account under its ID.
func (ac *AccountCache) Add(acct core.Account) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.cache.Add(lru.Key(acct.ID), accountEntry{
		account: acct,
		expires: ac.clk.Now().Add(ac.ttl),
	})
}

// Remove drops an account, used when the front end itself mutates one.
func (ac *AccountCache) Remove(id string) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.cache.Remove(lru.Key(id))
}
