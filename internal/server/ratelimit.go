package server

import (
	"sync"

	"golang.org/x/time/rate"
)

// userRateLimiter enforces the hourly build-start budget per user:
// one token bucket per user id, refilled at
// limit/hour with a burst of the full budget.
type userRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perHour  int
}

func newUserRateLimiter(perHour int) *userRateLimiter {
	if perHour <= 0 {
		perHour = 5
	}
	return &userRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		perHour:  perHour,
	}
}

func (rl *userRateLimiter) allow(userID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(rl.perHour)/3600, rl.perHour)
		rl.limiters[userID] = l
	}
	return l.Allow()
}
