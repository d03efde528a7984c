package llm

import (
	"context"
	"sync"
	"time"

	"forgeguard/internal/cache"
)

// KeyPool lets a user pair two credentials per provider family; calls
// round-robin between them and skip a key on auth/quota errors for a
// cooldown. The cooldown set is process-global but mirrored into
// cache.RedisCache so a cooldown set by one process instance is visible
// to others.
type KeyPool struct {
	mu       sync.Mutex
	keys     []string
	next     int
	cooldown map[string]time.Time
	cache    *cache.RedisCache
}

// NewKeyPool builds a pool from up to two non-empty keys.
func NewKeyPool(c *cache.RedisCache, keys ...string) *KeyPool {
	var filtered []string
	for _, k := range keys {
		if k != "" {
			filtered = append(filtered, k)
		}
	}
	return &KeyPool{keys: filtered, cooldown: make(map[string]time.Time), cache: c}
}

const keyCooldown = 60 * time.Second

// Size returns how many credentials the pool holds, cooling down or not.
// Callers use it to bound rotation attempts per request.
func (p *KeyPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// Next returns the next usable key in round-robin order, skipping any key
// currently in cooldown. Returns "" if every key is cooling down.
func (p *KeyPool) Next(ctx context.Context) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return ""
	}
	for i := 0; i < len(p.keys); i++ {
		idx := (p.next + i) % len(p.keys)
		key := p.keys[idx]
		if !p.inCooldown(ctx, key) {
			p.next = (idx + 1) % len(p.keys)
			return key
		}
	}
	return ""
}

func (p *KeyPool) inCooldown(ctx context.Context, key string) bool {
	if until, ok := p.cooldown[key]; ok && time.Now().Before(until) {
		return true
	}
	if p.cache != nil {
		if _, err := p.cache.Get(ctx, cache.KeyPoolCooldownKey(key)); err == nil {
			return true
		}
	}
	return false
}

// MarkCooldown puts key into cooldown after an auth/quota error.
func (p *KeyPool) MarkCooldown(ctx context.Context, key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	until := time.Now().Add(keyCooldown)
	p.cooldown[key] = until
	if p.cache != nil {
		_ = p.cache.Set(ctx, cache.KeyPoolCooldownKey(key), []byte("1"), keyCooldown)
	}
}
