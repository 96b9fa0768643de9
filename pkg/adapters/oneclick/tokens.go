package oneclick

import (
	"strings"
	"sync"
	"time"
)

// TokenInfo is one asset supported by 1Click
type TokenInfo struct {
	AssetID         string
	Blockchain      string
	Symbol          string
	ContractAddress string
	Decimals        uint8
}

// TokenCache keeps the supported token list to avoid fetching it on every quote
type TokenCache struct {
	mu        sync.RWMutex
	tokens    []TokenInfo
	fetchedAt time.Time
	cacheTTL  time.Duration
	now       func() time.Time
}

// NewTokenCache creates a new token cache
func NewTokenCache(cacheTTL time.Duration) *TokenCache {
	return &TokenCache{
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// Get returns the cached list if it is still valid
func (c *TokenCache) Get() ([]TokenInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.tokens == nil || c.now().Sub(c.fetchedAt) > c.cacheTTL {
		return nil, false
	}
	return c.tokens, true
}

// Set stores the list with the current timestamp
func (c *TokenCache) Set(tokens []TokenInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tokens = tokens
	c.fetchedAt = c.now()
}

// Clear removes the cached list
func (c *TokenCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tokens = nil
	c.fetchedAt = time.Time{}
}

// Stats returns the number of cached tokens and the cache TTL
func (c *TokenCache) Stats() (int, time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tokens), c.cacheTTL
}

// findAsset returns the token on blockchain whose contract address matches
func findAsset(tokens []TokenInfo, blockchain, address string) (TokenInfo, bool) {
	for _, t := range tokens {
		if strings.EqualFold(t.Blockchain, blockchain) && strings.EqualFold(t.ContractAddress, address) {
			return t, true
		}
	}
	return TokenInfo{}, false
}
