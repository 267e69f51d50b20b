package dex

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/model"
)

// ModeCache holds resolved token modes. An entry never changes once set.
type ModeCache struct {
	mu   sync.RWMutex
	data map[common.Address]model.TokenMode
}

func NewModeCache() *ModeCache {
	return &ModeCache{data: make(map[common.Address]model.TokenMode)}
}

func (c *ModeCache) Get(token common.Address) (model.TokenMode, bool) {
	c.mu.RLock()
	mode, ok := c.data[token]
	c.mu.RUnlock()
	return mode, ok
}

// SetOnce stores mode unless the token is already resolved and returns the
// value that is now cached.
func (c *ModeCache) SetOnce(token common.Address, mode model.TokenMode) model.TokenMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.data[token]; ok {
		return existing
	}
	c.data[token] = mode
	return mode
}

// DecimalsCache caches token decimals by address.
type DecimalsCache struct {
	mu   sync.RWMutex
	data map[common.Address]uint8
}

func NewDecimalsCache() *DecimalsCache {
	return &DecimalsCache{data: make(map[common.Address]uint8)}
}

func (c *DecimalsCache) Get(token common.Address) (uint8, bool) {
	c.mu.RLock()
	decimals, ok := c.data[token]
	c.mu.RUnlock()
	return decimals, ok
}

func (c *DecimalsCache) Set(token common.Address, decimals uint8) {
	c.mu.Lock()
	c.data[token] = decimals
	c.mu.Unlock()
}

// priceCache keeps one value for a fixed TTL.
type priceCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	value   float64
	fetched time.Time
}

func (c *priceCache) get(now time.Time) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value <= 0 || now.Sub(c.fetched) >= c.ttl {
		return 0, false
	}
	return c.value, true
}

func (c *priceCache) set(value float64, now time.Time) {
	c.mu.Lock()
	c.value = value
	c.fetched = now
	c.mu.Unlock()
}
